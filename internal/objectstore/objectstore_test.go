package objectstore

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plxctl/plx/internal/config"
	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/testutil"
)

func TestNewRequiresEndpointAndBucket(t *testing.T) {
	_, err := New(context.Background(), config.StoreConfig{Kind: config.StoreS3})
	require.Error(t, err)
	assert.True(t, plxerrors.HasCode(err, plxerrors.CodeInputMissing))
}

func TestPutAndDownload(t *testing.T) {
	mem := testutil.NewMemStore("artifacts")
	c := NewFromStore(mem, "artifacts")
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "run/outputs/a.txt", strings.NewReader("hello"), 5))
	data, ok := mem.Object("artifacts", "run/outputs/a.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))

	dest := filepath.Join(t.TempDir(), "nested", "a.txt")
	require.NoError(t, c.Download(ctx, "run/outputs/a.txt", dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestUpload(t *testing.T) {
	mem := testutil.NewMemStore("artifacts")
	c := NewFromStore(mem, "artifacts")

	src := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(src, []byte{1, 2, 3}, 0644))
	require.NoError(t, c.Upload(context.Background(), "run/model.bin", src))

	data, ok := mem.Object("artifacts", "run/model.bin")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestExists(t *testing.T) {
	mem := testutil.NewMemStore("artifacts")
	mem.Seed("artifacts", "run/a", []byte("x"))
	c := NewFromStore(mem, "artifacts")
	ctx := context.Background()

	ok, err := c.Exists(ctx, "run/a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Exists(ctx, "run/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListIsRecursiveAndSkipsDirMarkers(t *testing.T) {
	mem := testutil.NewMemStore("artifacts")
	mem.Seed("artifacts", "run/a", []byte("1"))
	mem.Seed("artifacts", "run/sub/", nil)
	mem.Seed("artifacts", "run/sub/b", []byte("22"))
	mem.Seed("artifacts", "other/c", []byte("3"))
	c := NewFromStore(mem, "artifacts")

	objects, err := c.List(context.Background(), "run/")
	require.NoError(t, err)
	assert.Equal(t, []Object{{Key: "run/a", Size: 1}, {Key: "run/sub/b", Size: 2}}, objects)
}

func TestDownloadMissingIsNotFound(t *testing.T) {
	c := NewFromStore(testutil.NewMemStore("artifacts"), "artifacts")
	err := c.Download(context.Background(), "nope", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.True(t, plxerrors.HasCode(err, plxerrors.CodeNotFoundPath))
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		op   string
		want string
	}{
		{"canceled", context.Canceled, "download", plxerrors.CodeCancelled},
		{"missing", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}, "download", plxerrors.CodeNotFoundPath},
		{"denied", minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}, "put", plxerrors.CodePermissionDenied},
		{"server", minio.ErrorResponse{Code: "InternalError", StatusCode: http.StatusInternalServerError}, "put", plxerrors.CodeAPIRemote},
		{"write", errors.New("disk full"), "upload", plxerrors.CodeIOWriteError},
		{"read", errors.New("short read"), "download", plxerrors.CodeIOReadError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapError(tt.err, tt.op, "k")
			assert.True(t, plxerrors.HasCode(err, tt.want), "got %v", err)
		})
	}
	assert.NoError(t, wrapError(nil, "put", "k"))
}

func TestFailuresAreWrapped(t *testing.T) {
	mem := testutil.NewMemStore("artifacts")
	mem.FailKey = "run/a"
	mem.FailErr = minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
	c := NewFromStore(mem, "artifacts")

	err := c.Put(context.Background(), "run/a", strings.NewReader("x"), 1)
	assert.True(t, plxerrors.HasCode(err, plxerrors.CodePermissionDenied))
}
