package artifacts

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	plxerrors "github.com/plxctl/plx/internal/errors"
)

// PackDir writes dir as a gzipped tarball to w. Entry names are relative to
// dir and use forward slashes. Symlinks are skipped.
func PackDir(dir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		return err
	})
	if err != nil {
		return plxerrors.IOReadError(dir, err)
	}
	if err := tw.Close(); err != nil {
		return plxerrors.IOWriteError(dir, err)
	}
	if err := gz.Close(); err != nil {
		return plxerrors.IOWriteError(dir, err)
	}
	return nil
}

// Untar extracts a gzipped tarball into dest. Entries that would land
// outside dest, absolute names and links are rejected.
func Untar(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return plxerrors.IOReadError(dest, fmt.Errorf("opening archive: %w", err))
	}
	defer gz.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return plxerrors.IOWriteError(dest, err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return plxerrors.IOWriteError(root, err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return plxerrors.IOReadError(dest, fmt.Errorf("reading archive: %w", err))
		}

		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return plxerrors.IOWriteError(target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return plxerrors.IOWriteError(target, err)
			}
			if err := writeEntry(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return plxerrors.IOWriteError(target, err)
			}
		case tar.TypeSymlink, tar.TypeLink:
			return plxerrors.InvalidInput("archive entry %s is a link", hdr.Name)
		default:
			// Devices, fifos and extended headers carry no artifact data.
		}
	}
}

// safeJoin resolves name under root, refusing anything that escapes it.
func safeJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", plxerrors.InvalidInput("archive entry %s has an absolute path", name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", plxerrors.InvalidInput("archive entry %s escapes the destination", name)
	}
	return target, nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
