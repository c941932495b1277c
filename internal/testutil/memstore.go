package testutil

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
)

// MemStore is an in-memory bucket that satisfies objectstore.ObjectStore.
type MemStore struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte

	// FailKey makes every call touching that key fail with FailErr.
	FailKey string
	FailErr error
}

// NewMemStore creates a store holding the given empty buckets.
func NewMemStore(buckets ...string) *MemStore {
	s := &MemStore{buckets: make(map[string]map[string][]byte)}
	for _, b := range buckets {
		s.buckets[b] = make(map[string][]byte)
	}
	return s
}

// Object returns the stored bytes of key.
func (s *MemStore) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.buckets[bucket][key]
	return data, ok
}

// Keys returns every key of bucket, sorted.
func (s *MemStore) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Seed stores data under key.
func (s *MemStore) Seed(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = make(map[string][]byte)
	}
	s.buckets[bucket][key] = data
}

func (s *MemStore) fail(key string) error {
	if s.FailKey != "" && key == s.FailKey {
		return s.FailErr
	}
	return nil
}

func (s *MemStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	if err := ctx.Err(); err != nil {
		return minio.UploadInfo{}, err
	}
	if err := s.fail(key); err != nil {
		return minio.UploadInfo{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if size >= 0 && int64(len(data)) != size {
		return minio.UploadInfo{}, io.ErrUnexpectedEOF
	}
	s.Seed(bucket, key, data)
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: int64(len(data))}, nil
}

func (s *MemStore) FPutObject(ctx context.Context, bucket, key, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	return s.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), opts)
}

func (s *MemStore) FGetObject(ctx context.Context, bucket, key, filePath string, _ minio.GetObjectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fail(key); err != nil {
		return err
	}
	data, ok := s.Object(bucket, key)
	if !ok {
		return noSuchKey(key)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0644)
}

func (s *MemStore) StatObject(ctx context.Context, bucket, key string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return minio.ObjectInfo{}, err
	}
	if err := s.fail(key); err != nil {
		return minio.ObjectInfo{}, err
	}
	data, ok := s.Object(bucket, key)
	if !ok {
		return minio.ObjectInfo{}, noSuchKey(key)
	}
	return minio.ObjectInfo{Key: key, Size: int64(len(data)), LastModified: time.Now()}, nil
}

func (s *MemStore) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	ch := make(chan minio.ObjectInfo)
	go func() {
		defer close(ch)
		for _, k := range s.Keys(bucket) {
			if !strings.HasPrefix(k, opts.Prefix) {
				continue
			}
			if !opts.Recursive && strings.Contains(k[len(opts.Prefix):], "/") {
				continue
			}
			data, _ := s.Object(bucket, k)
			select {
			case ch <- minio.ObjectInfo{Key: k, Size: int64(len(data))}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (s *MemStore) BucketExists(_ context.Context, bucket string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket]
	return ok, nil
}

func noSuchKey(key string) error {
	return minio.ErrorResponse{
		Code:       "NoSuchKey",
		Message:    "The specified key does not exist.",
		Key:        key,
		StatusCode: http.StatusNotFound,
	}
}
