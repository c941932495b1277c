// Package objectstore gives direct access to an S3-compatible artifacts
// store, with one tracing span per call.
//
// The remote client normally moves artifacts through the streams API. When
// the artifacts store is reachable from the workstation, the artifacts
// package can use this client instead and skip the streams hop.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plxctl/plx/internal/config"
	plxerrors "github.com/plxctl/plx/internal/errors"
)

const tracerName = "plx.objectstore"

// ObjectStore is the subset of the minio-go API plx uses. *minio.Client
// satisfies it; tests pass an in-memory fake.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	BucketExists(ctx context.Context, bucketName string) (bool, error)
}

var _ ObjectStore = (*minio.Client)(nil)

// Client is a bucket-bound object store client.
type Client struct {
	store  ObjectStore
	bucket string
	tracer trace.Tracer
}

// New connects to the store described by cfg and checks the bucket exists.
func New(ctx context.Context, cfg config.StoreConfig) (*Client, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, plxerrors.New(plxerrors.CodeInputMissing, "artifacts store endpoint and bucket are required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey.Value(), ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, plxerrors.Wrap(plxerrors.CodeInputInvalid, "create artifacts store client", err)
	}

	c := NewFromStore(mc, cfg.Bucket)
	ok, err := c.bucketExists(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, plxerrors.Newf(plxerrors.CodeNotFoundPath, "artifacts bucket %s does not exist", cfg.Bucket).
			WithDetail("bucket", cfg.Bucket)
	}
	return c, nil
}

// NewFromStore wraps an existing store. Used by tests.
func NewFromStore(store ObjectStore, bucket string) *Client {
	return &Client{
		store:  store,
		bucket: bucket,
		tracer: otel.Tracer(tracerName),
	}
}

// Bucket returns the bucket the client is bound to.
func (c *Client) Bucket() string {
	return c.bucket
}

// Put uploads size bytes from r under key. A negative size streams with
// multipart upload.
func (c *Client) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	ctx, span := c.startSpan(ctx, "PutObject", key)
	_, err := c.store.PutObject(ctx, c.bucket, key, r, size, minio.PutObjectOptions{})
	finishSpan(span, err)
	return wrapError(err, "put", key)
}

// Upload uploads a local file under key.
func (c *Client) Upload(ctx context.Context, key, filePath string) error {
	ctx, span := c.startSpan(ctx, "FPutObject", key)
	_, err := c.store.FPutObject(ctx, c.bucket, key, filePath, minio.PutObjectOptions{})
	finishSpan(span, err)
	return wrapError(err, "upload", key)
}

// Download fetches key into filePath. minio-go writes through a
// ".part.minio" file and renames it, so filePath is never half-written.
func (c *Client) Download(ctx context.Context, key, filePath string) error {
	ctx, span := c.startSpan(ctx, "FGetObject", key)
	err := c.store.FGetObject(ctx, c.bucket, key, filePath, minio.GetObjectOptions{})
	finishSpan(span, err)
	return wrapError(err, "download", key)
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	ctx, span := c.startSpan(ctx, "StatObject", key)
	_, err := c.store.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if isNoSuchKey(err) {
		finishSpan(span, nil)
		return false, nil
	}
	finishSpan(span, err)
	if err != nil {
		return false, wrapError(err, "stat", key)
	}
	return true, nil
}

// Object is one listed key.
type Object struct {
	Key  string
	Size int64
}

// List returns the objects under prefix, recursively.
func (c *Client) List(ctx context.Context, prefix string) (_ []Object, err error) {
	ctx, span := c.startSpan(ctx, "ListObjects", prefix)
	defer func() { finishSpan(span, err) }()

	var objects []Object
	for info := range c.store.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, wrapError(info.Err, "list", prefix)
		}
		if strings.HasSuffix(info.Key, "/") {
			continue
		}
		objects = append(objects, Object{Key: info.Key, Size: info.Size})
	}
	span.SetAttributes(attribute.Int("plx.objects", len(objects)))
	return objects, nil
}

func (c *Client) bucketExists(ctx context.Context) (bool, error) {
	ctx, span := c.startSpan(ctx, "BucketExists", "")
	ok, err := c.store.BucketExists(ctx, c.bucket)
	finishSpan(span, err)
	if err != nil {
		return false, wrapError(err, "probe", c.bucket)
	}
	return ok, nil
}

func (c *Client) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "objectstore."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("plx.bucket", c.bucket),
			attribute.String("plx.key", key),
		))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// wrapError maps store failures onto the plx taxonomy.
func wrapError(err error, op, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return plxerrors.Wrapf(plxerrors.CodeCancelled, err, "artifacts store %s %s was canceled", op, key)
	}
	if isNoSuchKey(err) {
		return plxerrors.Wrap(plxerrors.CodeNotFoundPath, fmt.Sprintf("artifact not found: %s", key), err).
			WithDetail("key", key)
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.Code == "AccessDenied":
		return plxerrors.Wrapf(plxerrors.CodePermissionDenied, err, "artifacts store %s %s denied", op, key)
	case resp.StatusCode >= 500:
		return plxerrors.Wrapf(plxerrors.CodeAPIRemote, err, "artifacts store %s %s failed", op, key)
	}
	code := plxerrors.CodeIOReadError
	if op == "put" || op == "upload" {
		code = plxerrors.CodeIOWriteError
	}
	return plxerrors.Wrapf(code, err, "artifacts store %s %s failed", op, key).
		WithDetail("key", key)
}
