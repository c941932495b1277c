// Package artifacts moves run artifacts between the local machine and the
// platform: single files, directories, tarballs and lineage bundles.
package artifacts

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/plxctl/plx/internal/client"
	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/objectstore"
	"github.com/plxctl/plx/internal/types"
)

// PutOptions controls one upload.
type PutOptions struct {
	Overwrite bool
	// Untar asks the backend to unpack a gzipped tarball into the
	// destination directory.
	Untar bool
}

// Backend stores the artifacts of one run. Paths are relative to the run's
// artifacts root and use forward slashes.
type Backend interface {
	// Exists reports whether p names a file or a directory.
	Exists(ctx context.Context, p string) (bool, error)
	// Open streams the file p.
	Open(ctx context.Context, p string) (io.ReadCloser, error)
	// OpenArchive streams directory p as a gzipped tarball.
	OpenArchive(ctx context.Context, p string) (io.ReadCloser, error)
	// Put stores r as dir/name.
	Put(ctx context.Context, dir, name string, r io.Reader, opts PutOptions) error
}

// StreamsAPI is the part of the remote client the streams backend uses.
type StreamsAPI interface {
	UploadRunArtifact(ctx context.Context, owner, project, uuid, filename string, content io.Reader, opts client.UploadOptions) error
	DownloadRunArtifact(ctx context.Context, ref client.RunRef, p string) (io.ReadCloser, error)
	DownloadRunArtifacts(ctx context.Context, ref client.RunRef, p string) (io.ReadCloser, error)
	GetRunArtifactsTree(ctx context.Context, ref client.RunRef, p string) (*types.ArtifactTreeEntry, error)
}

// StreamsBackend goes through the streams API of the server.
type StreamsBackend struct {
	api StreamsAPI
	ref client.RunRef
}

// NewStreamsBackend binds api to the run ref.
func NewStreamsBackend(api StreamsAPI, ref client.RunRef) *StreamsBackend {
	return &StreamsBackend{api: api, ref: ref}
}

// Exists implements Backend by listing the parent directory.
func (b *StreamsBackend) Exists(ctx context.Context, p string) (bool, error) {
	p = cleanPath(p)
	if p == "" {
		return true, nil
	}
	parent, name := path.Split(p)
	tree, err := b.api.GetRunArtifactsTree(ctx, b.ref, cleanPath(parent))
	if err != nil {
		if client.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if _, ok := tree.Files[name]; ok {
		return true, nil
	}
	return slices.Contains(tree.Dirs, name), nil
}

// Open implements Backend.
func (b *StreamsBackend) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	return b.api.DownloadRunArtifact(ctx, b.ref, cleanPath(p))
}

// OpenArchive implements Backend.
func (b *StreamsBackend) OpenArchive(ctx context.Context, p string) (io.ReadCloser, error) {
	return b.api.DownloadRunArtifacts(ctx, b.ref, cleanPath(p))
}

// Put implements Backend.
func (b *StreamsBackend) Put(ctx context.Context, dir, name string, r io.Reader, opts PutOptions) error {
	return b.api.UploadRunArtifact(ctx, b.ref.Owner, b.ref.Project, b.ref.UUID, name, r, client.UploadOptions{
		Path:      cleanPath(dir),
		Overwrite: opts.Overwrite,
		Untar:     opts.Untar,
	})
}

// ObjectStoreBackend talks to the run's artifacts bucket directly. Every key
// lives under "<uuid>/".
type ObjectStoreBackend struct {
	store  *objectstore.Client
	prefix string
}

// NewObjectStoreBackend binds store to run uuid.
func NewObjectStoreBackend(store *objectstore.Client, uuid string) *ObjectStoreBackend {
	return &ObjectStoreBackend{store: store, prefix: uuid + "/"}
}

func (b *ObjectStoreBackend) key(p string) string {
	return b.prefix + cleanPath(p)
}

// Exists implements Backend.
func (b *ObjectStoreBackend) Exists(ctx context.Context, p string) (bool, error) {
	ok, err := b.store.Exists(ctx, b.key(p))
	if err != nil || ok {
		return ok, err
	}
	objects, err := b.store.List(ctx, dirPrefix(b.key(p)))
	if err != nil {
		return false, err
	}
	return len(objects) > 0, nil
}

// Open implements Backend. The object is staged in a temp file that is
// removed on Close.
func (b *ObjectStoreBackend) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	tmp, err := os.MkdirTemp("", "plx-object-*")
	if err != nil {
		return nil, plxerrors.IOWriteError(os.TempDir(), err)
	}
	local := filepath.Join(tmp, "object")
	if err := b.store.Download(ctx, b.key(p), local); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, err
	}
	f, err := os.Open(local)
	if err != nil {
		_ = os.RemoveAll(tmp)
		return nil, plxerrors.IOReadError(local, err)
	}
	return &tempFile{File: f, dir: tmp}, nil
}

// OpenArchive implements Backend. Objects under p are staged locally and
// packed on the fly.
func (b *ObjectStoreBackend) OpenArchive(ctx context.Context, p string) (io.ReadCloser, error) {
	prefix := dirPrefix(b.key(p))
	objects, err := b.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, plxerrors.Newf(plxerrors.CodeNotFoundPath, "artifacts path not found: %s", p).
			WithDetail("path", p)
	}

	tmp, err := os.MkdirTemp("", "plx-archive-*")
	if err != nil {
		return nil, plxerrors.IOWriteError(os.TempDir(), err)
	}
	for _, obj := range objects {
		rel := obj.Key[len(prefix):]
		target, err := safeJoin(tmp, rel)
		if err != nil {
			_ = os.RemoveAll(tmp)
			return nil, err
		}
		if err := b.store.Download(ctx, obj.Key, target); err != nil {
			_ = os.RemoveAll(tmp)
			return nil, err
		}
	}

	pr, pw := io.Pipe()
	go func() {
		err := PackDir(tmp, pw)
		_ = os.RemoveAll(tmp)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// Put implements Backend.
func (b *ObjectStoreBackend) Put(ctx context.Context, dir, name string, r io.Reader, opts PutOptions) error {
	if !opts.Untar {
		key := b.key(path.Join(dir, name))
		if !opts.Overwrite {
			if ok, err := b.store.Exists(ctx, key); err != nil {
				return err
			} else if ok {
				return alreadyExists(path.Join(dir, name))
			}
		}
		return b.store.Put(ctx, key, r, -1)
	}

	tmp, err := os.MkdirTemp("", "plx-untar-*")
	if err != nil {
		return plxerrors.IOWriteError(os.TempDir(), err)
	}
	defer os.RemoveAll(tmp)
	if err := Untar(r, tmp); err != nil {
		return err
	}
	return filepath.WalkDir(tmp, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(tmp, p)
		if err != nil {
			return err
		}
		key := b.key(path.Join(dir, filepath.ToSlash(rel)))
		if !opts.Overwrite {
			if ok, err := b.store.Exists(ctx, key); err != nil {
				return err
			} else if ok {
				return alreadyExists(path.Join(dir, filepath.ToSlash(rel)))
			}
		}
		return b.store.Upload(ctx, key, p)
	})
}

type tempFile struct {
	*os.File
	dir string
}

func (f *tempFile) Close() error {
	err := f.File.Close()
	_ = os.RemoveAll(f.dir)
	return err
}

// cleanPath normalizes a relative artifacts path; "" is the root.
func cleanPath(p string) string {
	p = path.Clean("/" + filepath.ToSlash(p))
	return p[1:]
}

func dirPrefix(key string) string {
	if key == "" || key[len(key)-1] == '/' {
		return key
	}
	return key + "/"
}

func alreadyExists(p string) error {
	return plxerrors.Newf(plxerrors.CodeInputInvalid, "artifact %s already exists, use overwrite to replace it", p).
		WithDetail("path", p)
}
