package engine

import (
	"context"
	"slices"
	"strings"

	"github.com/plxctl/plx/internal/client"
	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/types"
)

// Get returns a run. Online runs are copied into the cache when one is
// configured; offline runs are read from the store.
func (e *Engine) Get(ctx context.Context, ref Ref, offlineMode bool) (*types.Run, error) {
	if offlineMode {
		store, err := e.offlineStore()
		if err != nil {
			return nil, err
		}
		return store.Get(ctx, ref.UUID)
	}
	if err := e.remoteRef(ref); err != nil {
		return nil, err
	}
	run, err := e.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.Save(ctx, run); err != nil {
			e.opLogger("get", ref).Warn("caching run failed", "error", err)
		}
	}
	return run, nil
}

// ListOptions selects the runs of List.
type ListOptions struct {
	Owner   string
	Project string
	Params  client.ListParams
	Offline bool
}

// List returns a page of runs. Offline listings hold every stored run,
// newest first; Offset and Limit still apply.
func (e *Engine) List(ctx context.Context, opts ListOptions) (*types.ListResponse, error) {
	if !opts.Offline {
		if e.remote == nil {
			return nil, plxerrors.New(plxerrors.CodeInternal, "no platform client configured")
		}
		if opts.Owner == "" || opts.Project == "" {
			return nil, plxerrors.New(plxerrors.CodeInputMissing, "a project is required, pass -p owner/project")
		}
		if opts.Params.Query != "" {
			if _, err := client.ParseQuery(opts.Params.Query); err != nil {
				return nil, err
			}
		}
		return e.remote.ListRuns(ctx, opts.Owner, opts.Project, opts.Params)
	}

	store, err := e.offlineStore()
	if err != nil {
		return nil, err
	}
	runs, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	resp := &types.ListResponse{Count: len(runs)}
	if opts.Params.Offset != nil {
		runs = runs[min(max(*opts.Params.Offset, 0), len(runs)):]
	}
	if opts.Params.Limit != nil {
		runs = runs[:min(max(*opts.Params.Limit, 0), len(runs))]
	}
	resp.Results = runs
	return resp, nil
}

// updatable are the fields Update accepts.
var updatable = []string{"name", "description", "tags"}

// Update changes name, description or tags. An empty change set returns
// the run untouched.
func (e *Engine) Update(ctx context.Context, ref Ref, fields map[string]any, offlineMode bool) (*types.Run, error) {
	for key := range fields {
		if !slices.Contains(updatable, key) {
			return nil, plxerrors.UnknownField(key)
		}
	}
	if v, ok := fields["tags"]; ok {
		tags, err := normalizeTags(v)
		if err != nil {
			return nil, err
		}
		fields["tags"] = tags
	}

	if offlineMode {
		return e.updateOffline(ctx, ref, fields)
	}
	if err := e.remoteRef(ref); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		e.printf("Nothing to update for run %s", ref.UUID)
		return e.fetch(ctx, ref)
	}
	run, err := e.remote.PatchRun(ctx, ref.Owner, ref.Project, ref.UUID, fields)
	if err != nil {
		return nil, err
	}
	e.printf("Run %s was updated", ref.UUID)
	return run, nil
}

func (e *Engine) updateOffline(ctx context.Context, ref Ref, fields map[string]any) (*types.Run, error) {
	store, err := e.offlineStore()
	if err != nil {
		return nil, err
	}
	lock, err := store.AcquireRunLock(ref.UUID)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	run, err := store.Get(ctx, ref.UUID)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		e.printf("Nothing to update for run %s", ref.UUID)
		return run, nil
	}
	patch := make(map[string]any, len(fields))
	for key, v := range fields {
		switch key {
		case "name", "description":
			patch[key] = stringField(v)
		default:
			patch[key] = v
		}
	}
	run, err = store.Patch(ctx, ref.UUID, patch)
	if err != nil {
		return nil, err
	}
	e.printf("Run %s was updated", ref.UUID)
	return run, nil
}

// normalizeTags accepts a tag list or a comma separated string.
func normalizeTags(v any) ([]string, error) {
	var raw []string
	switch t := v.(type) {
	case string:
		raw = strings.Split(t, ",")
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, plxerrors.InvalidInput("tags must be strings, got %v", item)
			}
			raw = append(raw, s)
		}
	default:
		return nil, plxerrors.InvalidInput("tags must be a list of strings")
	}
	tags := make([]string, 0, len(raw))
	for _, tag := range raw {
		if tag = strings.TrimSpace(tag); tag != "" && !slices.Contains(tags, tag) {
			tags = append(tags, tag)
		}
	}
	return tags, nil
}

func stringField(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case *string:
		if t != nil {
			return *t
		}
	}
	return ""
}

// Delete removes a run after confirmation. Online deletes also purge the
// cached copy.
func (e *Engine) Delete(ctx context.Context, ref Ref, yes, offlineMode bool) error {
	if offlineMode {
		store, err := e.offlineStore()
		if err != nil {
			return err
		}
		if !store.Exists(ref.UUID) {
			return plxerrors.RunNotFound(ref.UUID)
		}
		if err := e.confirmOrAbort(yes, "delete", ref); err != nil {
			return err
		}
		if err := store.Delete(ctx, ref.UUID); err != nil {
			return err
		}
		e.printf("Run %s was deleted", ref.UUID)
		return nil
	}

	if err := e.remoteRef(ref); err != nil {
		return err
	}
	if err := e.confirmOrAbort(yes, "delete", ref); err != nil {
		return err
	}
	if err := e.remote.DeleteRun(ctx, ref.Owner, ref.Project, ref.UUID); err != nil {
		return err
	}
	if e.cache != nil {
		if err := e.cache.Purge(ctx, ref.UUID); err != nil {
			e.opLogger("delete", ref).Warn("purging cached run failed", "error", err)
		}
	}
	e.printf("Run %s was deleted", ref.UUID)
	return nil
}

// Approve lets a run waiting for approval proceed. Approving an approved
// run is a no-op.
func (e *Engine) Approve(ctx context.Context, ref Ref) error {
	if err := e.remoteRef(ref); err != nil {
		return err
	}
	run, err := e.fetch(ctx, ref)
	if err != nil {
		return err
	}
	if run.Approved() && run.Pending != types.PendingApproval {
		e.printf("Run %s is already approved", ref.UUID)
		return nil
	}
	if run.Pending != types.PendingApproval {
		return plxerrors.InvalidState(ref.UUID, "approve", string(run.Status)).
			WithDetail("pending", run.Pending)
	}
	if err := e.remote.ApproveRun(ctx, ref.Owner, ref.Project, ref.UUID); err != nil {
		return err
	}
	e.printf("Run %s was approved", ref.UUID)
	return nil
}

// Stop asks the platform to stop a run. Stopping a finished run is a no-op.
func (e *Engine) Stop(ctx context.Context, ref Ref, yes bool) error {
	if err := e.remoteRef(ref); err != nil {
		return err
	}
	run, err := e.fetch(ctx, ref)
	if err != nil {
		return err
	}
	if run.Status.IsDone() {
		e.printf("Run %s is already %s", ref.UUID, run.Status)
		return nil
	}
	if err := e.confirmOrAbort(yes, "stop", ref); err != nil {
		return err
	}
	if err := e.remote.StopRun(ctx, ref.Owner, ref.Project, ref.UUID); err != nil {
		return err
	}
	e.printf("Run %s is being stopped", ref.UUID)
	return nil
}

// Skip marks a run that has not started yet as skipped.
func (e *Engine) Skip(ctx context.Context, ref Ref, yes bool) error {
	if err := e.remoteRef(ref); err != nil {
		return err
	}
	run, err := e.fetch(ctx, ref)
	if err != nil {
		return err
	}
	if !run.Status.IsPending() {
		return plxerrors.InvalidState(ref.UUID, "skip", string(run.Status))
	}
	if err := e.confirmOrAbort(yes, "skip", ref); err != nil {
		return err
	}
	if err := e.remote.SkipRun(ctx, ref.Owner, ref.Project, ref.UUID); err != nil {
		return err
	}
	e.printf("Run %s is being skipped", ref.UUID)
	return nil
}

// Invalidate clears the cache fingerprint of a run so later runs do not
// reuse its outputs.
func (e *Engine) Invalidate(ctx context.Context, ref Ref) error {
	if err := e.remoteRef(ref); err != nil {
		return err
	}
	if err := e.remote.InvalidateRun(ctx, ref.Owner, ref.Project, ref.UUID); err != nil {
		return err
	}
	e.printf("Run %s was invalidated", ref.UUID)
	return nil
}

// Transfer moves a run to another project of the same owner.
func (e *Engine) Transfer(ctx context.Context, ref Ref, toProject string) error {
	if err := e.remoteRef(ref); err != nil {
		return err
	}
	toProject = strings.TrimSpace(toProject)
	if owner, project, ok := strings.Cut(toProject, "/"); ok {
		if owner != ref.Owner {
			return plxerrors.InvalidInput("runs can only be transferred within owner %s", ref.Owner)
		}
		toProject = project
	}
	if toProject == "" {
		return plxerrors.New(plxerrors.CodeInputMissing, "a destination project is required, pass --to-project")
	}
	if toProject == ref.Project {
		return plxerrors.InvalidInput("run %s already belongs to project %s", ref.UUID, toProject)
	}
	if err := e.remote.TransferRun(ctx, ref.Owner, ref.Project, ref.UUID, toProject); err != nil {
		if client.IsNotFound(err) {
			return plxerrors.Wrapf(plxerrors.CodeNotFoundProject, err,
				"project %s/%s not found", ref.Owner, toProject).WithDetail("project", toProject)
		}
		return err
	}
	e.printf("Run %s was transferred to %s/%s", ref.UUID, ref.Owner, toProject)
	return nil
}

// Archive hides a run from the default listings.
func (e *Engine) Archive(ctx context.Context, ref Ref) error {
	return e.simpleAction(ctx, ref, "archive", "archived", e.remote.ArchiveRun)
}

// Restore brings an archived run back.
func (e *Engine) Restore(ctx context.Context, ref Ref) error {
	return e.simpleAction(ctx, ref, "restore", "restored", e.remote.RestoreRun)
}

// Bookmark marks a run.
func (e *Engine) Bookmark(ctx context.Context, ref Ref) error {
	return e.simpleAction(ctx, ref, "bookmark", "bookmarked", e.remote.BookmarkRun)
}

// Unbookmark clears the bookmark of a run.
func (e *Engine) Unbookmark(ctx context.Context, ref Ref) error {
	return e.simpleAction(ctx, ref, "unbookmark", "unbookmarked", e.remote.UnbookmarkRun)
}

func (e *Engine) simpleAction(ctx context.Context, ref Ref, op, done string,
	call func(ctx context.Context, owner, project, uuid string) error) error {
	if err := e.remoteRef(ref); err != nil {
		return err
	}
	if err := call(ctx, ref.Owner, ref.Project, ref.UUID); err != nil {
		return err
	}
	e.opLogger(op, ref).Debug("run action done")
	e.printf("Run %s was %s", ref.UUID, done)
	return nil
}

// Dashboard prints the UI address of a run, and the external address of
// services that expose one.
func (e *Engine) Dashboard(ctx context.Context, ref Ref) (string, error) {
	if err := e.remoteRef(ref); err != nil {
		return "", err
	}
	run, err := e.fetch(ctx, ref)
	if err != nil {
		return "", err
	}
	dashboard := e.cfg.Dashboard.URL
	if dashboard == "" {
		dashboard = e.cfg.Client.Host
	}
	u := run.DashboardURL(dashboard)
	e.printf("You can view this run on the dashboard: %s", u)
	if run.Kind == types.KindService {
		if external, err := run.ExternalURL(dashboard); err == nil {
			e.printf("The service is available at: %s", external)
		}
	}
	return u, nil
}
