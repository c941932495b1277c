package artifacts

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plxctl/plx/internal/client"
	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/logging"
	"github.com/plxctl/plx/internal/objectstore"
	"github.com/plxctl/plx/internal/testutil"
	"github.com/plxctl/plx/internal/types"
)

// memBackend keeps artifacts in a map keyed by slash path.
type memBackend struct {
	mu    sync.Mutex
	files map[string][]byte
	fail  map[string]error
	puts  []string
}

func newMemBackend() *memBackend {
	return &memBackend{files: map[string][]byte{}, fail: map[string]error{}}
}

func (m *memBackend) Exists(_ context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = cleanPath(p)
	if _, ok := m.files[p]; ok {
		return true, nil
	}
	for k := range m.files {
		if strings.HasPrefix(k, p+"/") {
			return true, nil
		}
	}
	return false, nil
}

func (m *memBackend) Open(_ context.Context, p string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[cleanPath(p)]
	if !ok {
		return nil, plxerrors.New(plxerrors.CodeNotFoundPath, "missing "+p)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBackend) OpenArchive(_ context.Context, p string) (io.ReadCloser, error) {
	dir, err := os.MkdirTemp("", "membackend-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	m.mu.Lock()
	prefix := cleanPath(p) + "/"
	for k, v := range m.files {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		target := filepath.Join(dir, filepath.FromSlash(k[len(prefix):]))
		_ = os.MkdirAll(filepath.Dir(target), 0755)
		_ = os.WriteFile(target, v, 0644)
	}
	m.mu.Unlock()

	var buf bytes.Buffer
	if err := PackDir(dir, &buf); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (m *memBackend) Put(_ context.Context, dir, name string, r io.Reader, opts PutOptions) error {
	key := path.Join(cleanPath(dir), name)
	if err := m.fail[key]; err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, key)
	if opts.Untar {
		m.files[key+".untar"] = data
		return nil
	}
	m.files[key] = data
	return nil
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	}))
	return out
}

func newTransfer(b Backend) *Transfer {
	return New(b, Options{Workers: 4, Logger: logging.NewForTest()})
}

func TestPackAndUntar(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{"a.txt": "a", "sub/b.txt": "bb", "sub/deep/c": "ccc"}
	writeTree(t, src, files)

	var buf bytes.Buffer
	require.NoError(t, PackDir(src, &buf))

	dest := t.TempDir()
	require.NoError(t, Untar(&buf, dest))
	assert.Equal(t, files, readTree(t, dest))
}

func evilArchive(t *testing.T, name string, typ byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{Name: name, Typeflag: typ, Mode: 0644, Size: 1}
	if typ == tar.TypeSymlink {
		hdr.Linkname = "/etc/passwd"
		hdr.Size = 0
	}
	require.NoError(t, tw.WriteHeader(hdr))
	if hdr.Size > 0 {
		_, err := tw.Write([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func TestUntarRejectsUnsafeEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		typ   byte
	}{
		{"parent traversal", "../escape.txt", tar.TypeReg},
		{"nested traversal", "sub/../../escape.txt", tar.TypeReg},
		{"absolute", "/tmp/abs.txt", tar.TypeReg},
		{"symlink", "link", tar.TypeSymlink},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := t.TempDir()
			dest := filepath.Join(parent, "dest")
			err := Untar(evilArchive(t, tt.entry, tt.typ), dest)
			require.Error(t, err)
			assert.True(t, plxerrors.HasCode(err, plxerrors.CodeInputInvalid))
			_, statErr := os.Stat(filepath.Join(parent, "escape.txt"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestNewClampsWorkers(t *testing.T) {
	assert.Equal(t, 8, New(newMemBackend(), Options{}).workers)
	assert.Equal(t, 32, New(newMemBackend(), Options{Workers: 500}).workers)
	assert.Equal(t, 3, New(newMemBackend(), Options{Workers: 3}).workers)
}

func TestDownloadArtifact(t *testing.T) {
	b := newMemBackend()
	b.files["outputs/model.bin"] = []byte("weights")
	dest := t.TempDir()

	got, err := newTransfer(b).DownloadArtifact(context.Background(), "outputs/model.bin", dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "model.bin"), got)
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestDownloadArtifactMissingLeavesNoFile(t *testing.T) {
	dest := t.TempDir()
	_, err := newTransfer(newMemBackend()).DownloadArtifact(context.Background(), "nope.txt", dest)
	require.Error(t, err)
	entries, _ := os.ReadDir(dest)
	assert.Empty(t, entries)
}

func TestDownloadArtifacts(t *testing.T) {
	b := newMemBackend()
	b.files["outputs/a.txt"] = []byte("a")
	b.files["outputs/sub/b.txt"] = []byte("b")
	tr := newTransfer(b)

	t.Run("untar", func(t *testing.T) {
		dest := t.TempDir()
		got, err := tr.DownloadArtifacts(context.Background(), "outputs", dest, true)
		require.NoError(t, err)
		assert.Equal(t, dest, got)
		assert.Equal(t, map[string]string{"a.txt": "a", "sub/b.txt": "b"}, readTree(t, dest))
	})

	t.Run("archive", func(t *testing.T) {
		dest := t.TempDir()
		got, err := tr.DownloadArtifacts(context.Background(), "outputs", dest, false)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dest, "outputs.tar.gz"), got)
		_, err = os.Stat(got)
		assert.NoError(t, err)
	})
}

func TestDownloadArtifactForLineage(t *testing.T) {
	b := newMemBackend()
	b.files["outputs/model/w.bin"] = []byte("w")
	b.files["outputs/metrics.json"] = []byte("{}")
	tr := newTransfer(b)
	root := t.TempDir()

	dir := types.RunArtifact{Name: "model", Kind: types.ArtifactDir, Path: "outputs/model"}
	got, err := tr.DownloadArtifactForLineage(context.Background(), dir, root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "model"), got)
	assert.Equal(t, map[string]string{"w.bin": "w"}, readTree(t, got))

	file := types.RunArtifact{Name: "metrics", Kind: types.ArtifactFile, Path: "outputs/metrics.json"}
	got, err = tr.DownloadArtifactForLineage(context.Background(), file, root)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(got, "metrics.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	_, err = tr.DownloadArtifactForLineage(context.Background(), types.RunArtifact{Name: "empty"}, root)
	assert.True(t, plxerrors.HasCode(err, plxerrors.CodeInputInvalid))
}

func TestUploadArtifactWithoutOverwrite(t *testing.T) {
	b := newMemBackend()
	b.files["outputs/a.txt"] = []byte("old")
	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0644))
	tr := newTransfer(b)

	err := tr.UploadArtifact(context.Background(), src, "outputs", false)
	require.Error(t, err)
	assert.True(t, plxerrors.HasCode(err, plxerrors.CodeInputInvalid))
	assert.Equal(t, "old", string(b.files["outputs/a.txt"]))

	require.NoError(t, tr.UploadArtifact(context.Background(), src, "outputs", true))
	assert.Equal(t, "new", string(b.files["outputs/a.txt"]))
}

func TestUploadArtifactMissingFile(t *testing.T) {
	err := newTransfer(newMemBackend()).UploadArtifact(context.Background(), filepath.Join(t.TempDir(), "nope"), "", true)
	assert.True(t, plxerrors.HasCode(err, plxerrors.CodeIOFileNotFound))
}

func TestUploadArtifactsDir(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a", "sub/b.txt": "b", "sub/deep/c.txt": "c"})
	b := newMemBackend()

	require.NoError(t, newTransfer(b).UploadArtifactsDir(context.Background(), src, "outputs", true, ""))

	keys := slices.Clone(b.puts)
	sort.Strings(keys)
	assert.Equal(t, []string{"outputs/a.txt", "outputs/sub/b.txt", "outputs/sub/deep/c.txt"}, keys)
}

func TestUploadArtifactsDirRelativeTo(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"run/outputs/a.txt": "a"})
	b := newMemBackend()

	err := newTransfer(b).UploadArtifactsDir(context.Background(), filepath.Join(root, "run", "outputs"), "", true, filepath.Join(root, "run"))
	require.NoError(t, err)
	assert.Equal(t, []string{"outputs/a.txt"}, b.puts)
}

func TestUploadArtifactsDirAggregatesFailures(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a", "b.txt": "b", "c.txt": "c"})
	b := newMemBackend()
	b.fail["outputs/b.txt"] = errors.New("boom")

	err := newTransfer(b).UploadArtifactsDir(context.Background(), src, "outputs", true, "")
	require.Error(t, err)
	assert.True(t, plxerrors.HasCode(err, plxerrors.CodeIOAggregate))
	assert.Contains(t, err.Error(), "1 of 3")

	keys := slices.Clone(b.puts)
	sort.Strings(keys)
	assert.Equal(t, []string{"outputs/a.txt", "outputs/c.txt"}, keys)
}

func TestUploadArtifactsDirCancelled(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTransfer(newMemBackend()).UploadArtifactsDir(ctx, src, "", true, "")
	assert.True(t, plxerrors.HasCode(err, plxerrors.CodeCancelled))
}

func TestUploadDirAsTar(t *testing.T) {
	src := filepath.Join(t.TempDir(), "data")
	writeTree(t, src, map[string]string{"x.csv": "1,2"})
	b := newMemBackend()

	require.NoError(t, newTransfer(b).UploadDirAsTar(context.Background(), src, "inputs", true))
	archive, ok := b.files["inputs/data.tar.gz.untar"]
	require.True(t, ok)

	dest := t.TempDir()
	require.NoError(t, Untar(bytes.NewReader(archive), dest))
	assert.Equal(t, map[string]string{"x.csv": "1,2"}, readTree(t, dest))
}

type fakeLineages struct {
	pages map[string][][]types.RunArtifact
	calls []client.ListParams
}

func (f *fakeLineages) ListRunArtifactsLineage(_ context.Context, _, _, _ string, params client.ListParams) (*types.ArtifactsLineageResponse, error) {
	f.calls = append(f.calls, params)
	pages := f.pages[params.Query]
	idx := 0
	if params.Offset != nil {
		seen := 0
		for idx < len(pages) && seen < *params.Offset {
			seen += len(pages[idx])
			idx++
		}
	}
	if idx >= len(pages) {
		return &types.ArtifactsLineageResponse{}, nil
	}
	resp := &types.ArtifactsLineageResponse{Results: pages[idx], Count: len(pages)}
	if idx < len(pages)-1 {
		resp.Next = "more"
	}
	return resp, nil
}

func TestResolveLineagesDedupes(t *testing.T) {
	l := &fakeLineages{pages: map[string][][]types.RunArtifact{
		"name:model|metrics": {
			{{Name: "model", Kind: types.ArtifactModel}},
			{{Name: "metrics", Kind: types.ArtifactMetric}},
		},
		"kind:model": {
			{{Name: "model", Kind: types.ArtifactModel}, {Name: "backup", Kind: types.ArtifactModel}},
		},
	}}

	got, err := ResolveLineages(context.Background(), l, "acme", "mnist", "u1", []string{"model", "metrics"}, []string{"model"})
	require.NoError(t, err)

	var names []string
	for _, a := range got {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"model", "metrics", "backup"}, names)
	assert.Len(t, l.calls, 3)
}

func TestResolveLineagesNothingRequested(t *testing.T) {
	l := &fakeLineages{}
	got, err := ResolveLineages(context.Background(), l, "acme", "mnist", "u1", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, l.calls)
}

type fakeStreams struct {
	trees   map[string]*types.ArtifactTreeEntry
	uploads []client.UploadOptions
}

func (f *fakeStreams) UploadRunArtifact(_ context.Context, _, _, _, _ string, content io.Reader, opts client.UploadOptions) error {
	_, _ = io.Copy(io.Discard, content)
	f.uploads = append(f.uploads, opts)
	return nil
}

func (f *fakeStreams) DownloadRunArtifact(context.Context, client.RunRef, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeStreams) DownloadRunArtifacts(context.Context, client.RunRef, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeStreams) GetRunArtifactsTree(_ context.Context, _ client.RunRef, p string) (*types.ArtifactTreeEntry, error) {
	tree, ok := f.trees[p]
	if !ok {
		return nil, &client.APIError{StatusCode: http.StatusNotFound, Method: http.MethodGet, Path: p}
	}
	return tree, nil
}

func TestStreamsBackendExists(t *testing.T) {
	api := &fakeStreams{trees: map[string]*types.ArtifactTreeEntry{
		"outputs": {Files: map[string]json.Number{"a.txt": "1"}, Dirs: []string{"plots"}},
	}}
	b := NewStreamsBackend(api, client.RunRef{Owner: "acme", Project: "mnist", UUID: "u1"})
	ctx := context.Background()

	for p, want := range map[string]bool{
		"outputs/a.txt":   true,
		"outputs/plots":   true,
		"outputs/missing": false,
		"nowhere/a.txt":   false,
		"":                true,
	} {
		got, err := b.Exists(ctx, p)
		require.NoError(t, err, p)
		assert.Equal(t, want, got, p)
	}

	require.NoError(t, b.Put(ctx, "/outputs/", "a.tar.gz", strings.NewReader("x"), PutOptions{Untar: true}))
	assert.Equal(t, []client.UploadOptions{{Path: "outputs", Untar: true}}, api.uploads)
}

func TestObjectStoreBackend(t *testing.T) {
	mem := testutil.NewMemStore("artifacts")
	store := objectstore.NewFromStore(mem, "artifacts")
	b := NewObjectStoreBackend(store, "u1")
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "outputs", "a.txt", strings.NewReader("a"), PutOptions{}))
	data, ok := mem.Object("artifacts", "u1/outputs/a.txt")
	require.True(t, ok)
	assert.Equal(t, "a", string(data))

	err := b.Put(ctx, "outputs", "a.txt", strings.NewReader("again"), PutOptions{})
	assert.True(t, plxerrors.HasCode(err, plxerrors.CodeInputInvalid))

	ok, err = b.Exists(ctx, "outputs")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Exists(ctx, "inputs")
	require.NoError(t, err)
	assert.False(t, ok)

	rc, err := b.Open(ctx, "outputs/a.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "a", string(got))

	mem.Seed("artifacts", "u1/outputs/sub/b.txt", []byte("b"))
	rc, err = b.OpenArchive(ctx, "outputs")
	require.NoError(t, err)
	dest := t.TempDir()
	require.NoError(t, Untar(rc, dest))
	require.NoError(t, rc.Close())
	assert.Equal(t, map[string]string{"a.txt": "a", "sub/b.txt": "b"}, readTree(t, dest))

	_, err = b.OpenArchive(ctx, "missing")
	assert.True(t, plxerrors.HasCode(err, plxerrors.CodeNotFoundPath))
}

func TestObjectStoreBackendUntar(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"x.csv": "1", "nested/y.csv": "2"})
	var archive bytes.Buffer
	require.NoError(t, PackDir(src, &archive))

	mem := testutil.NewMemStore("artifacts")
	b := NewObjectStoreBackend(objectstore.NewFromStore(mem, "artifacts"), "u1")
	require.NoError(t, b.Put(context.Background(), "inputs", "data.tar.gz", &archive, PutOptions{Untar: true}))

	assert.Equal(t, []string{"u1/inputs/nested/y.csv", "u1/inputs/x.csv"}, mem.Keys("artifacts"))
}
