package client

import (
	"context"

	"github.com/plxctl/plx/internal/types"
)

// ListRuns lists the runs of a project.
func (c *Client) ListRuns(ctx context.Context, owner, project string, params ListParams) (*types.ListResponse, error) {
	query, err := params.Values()
	if err != nil {
		return nil, err
	}
	var resp types.ListResponse
	if err := c.get(ctx, runsPath(owner, project), query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun fetches one run.
func (c *Client) GetRun(ctx context.Context, owner, project, uuid string) (*types.Run, error) {
	var run types.Run
	if err := c.get(ctx, runPath(owner, project, uuid), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CreateRun creates a run. Not retried.
func (c *Client) CreateRun(ctx context.Context, owner, project string, body *types.Run) (*types.Run, error) {
	var run types.Run
	if err := c.post(ctx, runsPath(owner, project), body, &run, false); err != nil {
		return nil, err
	}
	return &run, nil
}

// PatchRun applies a partial update.
func (c *Client) PatchRun(ctx context.Context, owner, project, uuid string, fields map[string]any) (*types.Run, error) {
	var run types.Run
	if err := c.patch(ctx, runPath(owner, project, uuid), fields, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// UpdateRun replaces the mutable fields of a run.
func (c *Client) UpdateRun(ctx context.Context, owner, project, uuid string, body *types.Run) (*types.Run, error) {
	var run types.Run
	if err := c.put(ctx, runPath(owner, project, uuid), body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// DeleteRun deletes a run on the server.
func (c *Client) DeleteRun(ctx context.Context, owner, project, uuid string) error {
	return c.doDelete(ctx, runPath(owner, project, uuid))
}

// runAction posts to one of the idempotent run actions.
func (c *Client) runAction(ctx context.Context, owner, project, uuid, action string) error {
	return c.post(ctx, runPath(owner, project, uuid)+"/"+action, nil, nil, true)
}

// ApproveRun approves a run waiting for approval.
func (c *Client) ApproveRun(ctx context.Context, owner, project, uuid string) error {
	return c.runAction(ctx, owner, project, uuid, "approve")
}

// StopRun requests a run to stop.
func (c *Client) StopRun(ctx context.Context, owner, project, uuid string) error {
	return c.runAction(ctx, owner, project, uuid, "stop")
}

// SkipRun skips a pending run.
func (c *Client) SkipRun(ctx context.Context, owner, project, uuid string) error {
	return c.runAction(ctx, owner, project, uuid, "skip")
}

// ArchiveRun archives a run.
func (c *Client) ArchiveRun(ctx context.Context, owner, project, uuid string) error {
	return c.runAction(ctx, owner, project, uuid, "archive")
}

// RestoreRun restores an archived run.
func (c *Client) RestoreRun(ctx context.Context, owner, project, uuid string) error {
	return c.runAction(ctx, owner, project, uuid, "restore")
}

// BookmarkRun bookmarks a run.
func (c *Client) BookmarkRun(ctx context.Context, owner, project, uuid string) error {
	return c.runAction(ctx, owner, project, uuid, "bookmark")
}

// UnbookmarkRun removes a bookmark.
func (c *Client) UnbookmarkRun(ctx context.Context, owner, project, uuid string) error {
	return c.doDelete(ctx, runPath(owner, project, uuid)+"/unbookmark")
}

// InvalidateRun clears a run's cache fingerprint.
func (c *Client) InvalidateRun(ctx context.Context, owner, project, uuid string) error {
	return c.runAction(ctx, owner, project, uuid, "invalidate")
}

// TransferRun moves a run to another project of the same owner.
func (c *Client) TransferRun(ctx context.Context, owner, project, uuid, toProject string) error {
	body := map[string]string{"project": toProject}
	return c.post(ctx, runPath(owner, project, uuid)+"/transfer", body, nil, true)
}

// CloneBody is the payload of restart, resume and copy.
type CloneBody struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Tags        []string `json:"tags"`
	Content     *string  `json:"content"`
	Recompile   bool     `json:"recompile"`
	Copy        bool     `json:"copy"`
	CopyDirs    []string `json:"copy_dirs"`
	CopyFiles   []string `json:"copy_files"`
}

func (c *Client) cloneRun(ctx context.Context, owner, project, uuid, action string, body CloneBody) (*types.Run, error) {
	if body.CopyDirs == nil {
		body.CopyDirs = []string{}
	}
	if body.CopyFiles == nil {
		body.CopyFiles = []string{}
	}
	var run types.Run
	if err := c.post(ctx, runPath(owner, project, uuid)+"/"+action, body, &run, false); err != nil {
		return nil, err
	}
	return &run, nil
}

// RestartRun restarts a run, optionally copying it. Not retried.
func (c *Client) RestartRun(ctx context.Context, owner, project, uuid string, body CloneBody) (*types.Run, error) {
	return c.cloneRun(ctx, owner, project, uuid, "restart", body)
}

// ResumeRun resumes a failed or stopped run. Not retried.
func (c *Client) ResumeRun(ctx context.Context, owner, project, uuid string, body CloneBody) (*types.Run, error) {
	return c.cloneRun(ctx, owner, project, uuid, "resume", body)
}

// CopyRun copies a run. Not retried.
func (c *Client) CopyRun(ctx context.Context, owner, project, uuid string, body CloneBody) (*types.Run, error) {
	return c.cloneRun(ctx, owner, project, uuid, "copy", body)
}

// ImpersonateToken returns a token scoped to the run.
func (c *Client) ImpersonateToken(ctx context.Context, owner, project, uuid string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, runPath(owner, project, uuid)+"/impersonate", nil, &resp, false); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// SyncRun uploads an offline run record. The server upserts by uuid, so
// the call is retried.
func (c *Client) SyncRun(ctx context.Context, owner, project string, run *types.Run) error {
	return c.post(ctx, runsPath(owner, project)+"/sync", run, nil, true)
}

// GetRunStatuses returns the current status and conditions.
func (c *Client) GetRunStatuses(ctx context.Context, owner, project, uuid string) (*types.StatusesResponse, error) {
	var resp types.StatusesResponse
	if err := c.get(ctx, runPath(owner, project, uuid)+"/statuses", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateRunStatus appends a condition. Re-posting the same condition is
// harmless, so the call is retried.
func (c *Client) CreateRunStatus(ctx context.Context, owner, project, uuid string, cond types.StatusCondition) error {
	body := map[string]any{"condition": cond}
	return c.post(ctx, runPath(owner, project, uuid)+"/statuses", body, nil, true)
}
