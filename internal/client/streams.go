package client

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/plxctl/plx/internal/types"
)

// RunRef locates a run for the streams API, which is namespaced.
type RunRef struct {
	Namespace string
	Owner     string
	Project   string
	UUID      string
}

// ListRunArtifactsLineage lists lineage records matching params.
func (c *Client) ListRunArtifactsLineage(ctx context.Context, owner, project, uuid string, params ListParams) (*types.ArtifactsLineageResponse, error) {
	query, err := params.Values()
	if err != nil {
		return nil, err
	}
	var resp types.ArtifactsLineageResponse
	if err := c.get(ctx, runPath(owner, project, uuid)+"/lineage/artifacts", query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRunArtifactLineage fetches one lineage record by name.
func (c *Client) GetRunArtifactLineage(ctx context.Context, owner, project, uuid, name string) (*types.RunArtifact, error) {
	var artifact types.RunArtifact
	if err := c.get(ctx, runPath(owner, project, uuid)+"/lineage/artifacts/"+url.PathEscape(name), nil, &artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

// CreateRunArtifactsLineage records lineages in bulk. The server keys
// lineages by name, so the call is retried.
func (c *Client) CreateRunArtifactsLineage(ctx context.Context, owner, project, uuid string, artifacts []types.RunArtifact) error {
	return c.post(ctx, runPath(owner, project, uuid)+"/lineage/artifacts", artifacts, nil, true)
}

// UploadOptions controls an artifact upload.
type UploadOptions struct {
	// Path is the destination directory relative to the run's artifacts root.
	Path      string
	Overwrite bool
	Untar     bool
}

// UploadRunArtifact uploads content as filename under opts.Path. Not retried:
// the body is streamed once.
func (c *Client) UploadRunArtifact(ctx context.Context, owner, project, uuid, filename string, content io.Reader, opts UploadOptions) error {
	q := url.Values{}
	q.Set("path", opts.Path)
	q.Set("overwrite", strconv.FormatBool(opts.Overwrite))
	if opts.Untar {
		q.Set("untar", "true")
	}
	return c.upload(ctx, runPath(owner, project, uuid)+"/artifacts/upload", q, filename, content)
}

// UploadRunLogs uploads one log file under plxlogs/<p>.
func (c *Client) UploadRunLogs(ctx context.Context, owner, project, uuid, p string, content io.Reader) error {
	q := url.Values{}
	q.Set("path", path.Dir(p))
	q.Set("overwrite", "true")
	return c.upload(ctx, runPath(owner, project, uuid)+"/logs/upload", q, path.Base(p), content)
}

// upload streams a multipart body through a pipe so large files are never
// held in memory.
func (c *Client) upload(ctx context.Context, p string, query url.Values, filename string, content io.Reader) error {
	r := request{method: http.MethodPost, path: p, query: query}
	return c.withRetry(ctx, r, func(ctx context.Context) error {
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			part, err := mw.CreateFormFile("upload_file", filename)
			if err == nil {
				_, err = io.Copy(part, content)
			}
			if err == nil {
				err = mw.Close()
			}
			pw.CloseWithError(err)
		}()

		resp, err := c.send(ctx, http.MethodPost, p, query, pr, mw.FormDataContentType())
		if err != nil {
			_ = pr.CloseWithError(err)
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		return handleResponse(resp, nil)
	})
}

// DownloadRunArtifact streams a single file.
func (c *Client) DownloadRunArtifact(ctx context.Context, ref RunRef, p string) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("path", p)
	q.Set("stream", "true")
	body, _, err := c.stream(ctx, streamsRunPath(ref.Namespace, ref.Owner, ref.Project, ref.UUID)+"/artifact", q)
	return body, err
}

// DownloadRunArtifacts streams a directory as a tar.gz archive.
func (c *Client) DownloadRunArtifacts(ctx context.Context, ref RunRef, p string) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("path", p)
	q.Set("check_path", "true")
	body, _, err := c.stream(ctx, streamsRunPath(ref.Namespace, ref.Owner, ref.Project, ref.UUID)+"/artifacts", q)
	return body, err
}

// GetRunArtifactsTree lists one directory level.
func (c *Client) GetRunArtifactsTree(ctx context.Context, ref RunRef, p string) (*types.ArtifactTreeEntry, error) {
	q := url.Values{}
	if p != "" {
		q.Set("path", p)
	}
	var tree types.ArtifactTreeEntry
	if err := c.get(ctx, streamsRunPath(ref.Namespace, ref.Owner, ref.Project, ref.UUID)+"/artifacts/tree", q, &tree); err != nil {
		return nil, err
	}
	return &tree, nil
}

// LogsCursor resumes a logs listing where the previous page ended.
type LogsCursor struct {
	LastFile string
	LastTime time.Time
	Force    bool
}

// GetRunLogs fetches the next page of logs after cursor.
func (c *Client) GetRunLogs(ctx context.Context, ref RunRef, cursor LogsCursor) (*types.LogsResponse, error) {
	q := url.Values{}
	if cursor.LastFile != "" {
		q.Set("last_file", cursor.LastFile)
	}
	if !cursor.LastTime.IsZero() {
		q.Set("last_time", cursor.LastTime.UTC().Format(time.RFC3339Nano))
	}
	if cursor.Force {
		q.Set("force", "true")
	}
	var resp types.LogsResponse
	if err := c.get(ctx, streamsRunPath(ref.Namespace, ref.Owner, ref.Project, ref.UUID)+"/logs", q, &resp); err != nil {
		return nil, fmt.Errorf("fetching logs of run %s: %w", ref.UUID, err)
	}
	return &resp, nil
}
