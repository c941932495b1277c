package artifacts

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/plxctl/plx/internal/config"
	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/logging"
	"github.com/plxctl/plx/internal/offline"
	"github.com/plxctl/plx/internal/types"
)

// Options configures a Transfer.
type Options struct {
	// Workers bounds parallel uploads. Defaults to 8, capped at 32.
	Workers int
	Logger  *slog.Logger
}

// Transfer uploads and downloads the artifacts of one run.
type Transfer struct {
	backend Backend
	workers int
	logger  *slog.Logger
}

// New creates a transfer over backend.
func New(backend Backend, opts Options) *Transfer {
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	workers = min(workers, config.MaxWorkers)
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &Transfer{backend: backend, workers: workers, logger: logger}
}

// DownloadArtifact fetches the file p into pathTo and returns the local
// path. The file appears atomically.
func (t *Transfer) DownloadArtifact(ctx context.Context, p, pathTo string) (string, error) {
	name := path.Base(cleanPath(p))
	if name == "" || name == "." {
		return "", plxerrors.InvalidInput("artifact path is required")
	}
	dest := filepath.Join(pathTo, name)

	body, err := t.backend.Open(ctx, p)
	if err != nil {
		return "", err
	}
	defer body.Close()

	if _, err := offline.CopyFileAtomic(dest, body, 0644); err != nil {
		if ctx.Err() != nil {
			return "", plxerrors.Cancelled("download "+p, "")
		}
		return "", plxerrors.IOWriteError(dest, err)
	}
	t.logger.Debug("downloaded artifact", "path", p, "to", dest)
	return dest, nil
}

// DownloadArtifacts fetches directory p as a tarball into pathTo. With untar
// the archive is unpacked there and removed, and pathTo is returned;
// otherwise the archive path is returned.
func (t *Transfer) DownloadArtifacts(ctx context.Context, p, pathTo string, untar bool) (string, error) {
	body, err := t.backend.OpenArchive(ctx, p)
	if err != nil {
		return "", err
	}
	defer body.Close()

	name := path.Base(cleanPath(p))
	if name == "" || name == "." {
		name = "artifacts"
	}
	archive := filepath.Join(pathTo, name+".tar.gz")
	if _, err := offline.CopyFileAtomic(archive, body, 0644); err != nil {
		if ctx.Err() != nil {
			return "", plxerrors.Cancelled("download "+p, "")
		}
		return "", plxerrors.IOWriteError(archive, err)
	}
	if !untar {
		return archive, nil
	}

	f, err := os.Open(archive)
	if err != nil {
		return "", plxerrors.IOReadError(archive, err)
	}
	err = Untar(f, pathTo)
	_ = f.Close()
	if err != nil {
		return "", err
	}
	if err := os.Remove(archive); err != nil {
		return "", plxerrors.IOWriteError(archive, err)
	}
	t.logger.Debug("downloaded artifacts", "path", p, "to", pathTo)
	return pathTo, nil
}

// DownloadArtifactForLineage downloads the file or directory a lineage
// points at into pathTo/<name>.
func (t *Transfer) DownloadArtifactForLineage(ctx context.Context, lineage types.RunArtifact, pathTo string) (string, error) {
	p := lineage.ResolvePath()
	if p == "" {
		return "", plxerrors.InvalidInput("artifact lineage %s has no path", lineage.Name)
	}
	dest := filepath.Join(pathTo, lineage.Name)
	if lineage.IsDir() {
		return t.DownloadArtifacts(ctx, p, dest, true)
	}
	if _, err := t.DownloadArtifact(ctx, p, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// UploadArtifact uploads filePath into directory p. Without overwrite an
// existing destination is left alone and an error is returned.
func (t *Transfer) UploadArtifact(ctx context.Context, filePath, p string, overwrite bool) error {
	name := filepath.Base(filePath)
	if !overwrite {
		exists, err := t.backend.Exists(ctx, path.Join(cleanPath(p), name))
		if err != nil {
			return err
		}
		if exists {
			return alreadyExists(path.Join(cleanPath(p), name))
		}
	}

	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return plxerrors.IOFileNotFound(filePath)
		}
		return plxerrors.IOReadError(filePath, err)
	}
	defer f.Close()
	return t.backend.Put(ctx, p, name, f, PutOptions{Overwrite: overwrite})
}

// UploadArtifactsDir uploads every file under dirPath into p, keeping paths
// relative to relativeTo (dirPath when empty). Files are sent in parallel;
// a failed file does not stop the others and the failures are aggregated.
func (t *Transfer) UploadArtifactsDir(ctx context.Context, dirPath, p string, overwrite bool, relativeTo string) error {
	if relativeTo == "" {
		relativeTo = dirPath
	}
	files, err := listFiles(dirPath)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	for _, file := range files {
		rel, err := filepath.Rel(relativeTo, file)
		if err != nil || strings.HasPrefix(rel, "..") {
			mu.Lock()
			errs = append(errs, plxerrors.InvalidInput("%s is not under %s", file, relativeTo))
			mu.Unlock()
			continue
		}
		dest := path.Join(cleanPath(p), path.Dir(filepath.ToSlash(rel)))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := t.UploadArtifact(gctx, file, dest, overwrite); err != nil {
				t.logger.Warn("artifact upload failed", "file", file, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return plxerrors.Cancelled("uploading "+dirPath, "")
	}
	if ctx.Err() != nil {
		return plxerrors.Cancelled("uploading "+dirPath, "")
	}
	return plxerrors.Aggregate("uploading "+dirPath, len(files), errs)
}

// UploadDirAsTar packs dirPath into a single tarball that the backend
// unpacks under p.
func (t *Transfer) UploadDirAsTar(ctx context.Context, dirPath, p string, overwrite bool) error {
	tmp, err := os.CreateTemp("", "plx-upload-*.tar.gz")
	if err != nil {
		return plxerrors.IOWriteError(os.TempDir(), err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := PackDir(dirPath, tmp); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return plxerrors.IOReadError(tmp.Name(), err)
	}
	name := filepath.Base(filepath.Clean(dirPath)) + ".tar.gz"
	return t.backend.Put(ctx, p, name, tmp, PutOptions{Overwrite: overwrite, Untar: true})
}

// listFiles returns the regular files under dir, sorted.
func listFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, plxerrors.IOFileNotFound(dir)
		}
		return nil, plxerrors.IOReadError(dir, err)
	}
	if !info.IsDir() {
		return nil, plxerrors.InvalidInput("%s is not a directory", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, plxerrors.IOReadError(dir, err)
	}
	return files, nil
}
