package engine

import (
	"context"
	"os"
	"strings"

	"github.com/plxctl/plx/internal/artifacts"
	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/syncer"
	"github.com/plxctl/plx/internal/types"
)

// SyncFailureReason is the condition reason of runs failed by an upload.
const SyncFailureReason = "OperationCli"

// ArtifactsOptions selects what Artifacts downloads. With nothing selected
// the whole artifacts tree of the run is downloaded.
type ArtifactsOptions struct {
	Files        []string
	Dirs         []string
	LineageNames []string
	LineageKinds []string
	PathTo       string
	Untar        bool
}

// Artifacts downloads artifacts of a run into opts.PathTo, which defaults
// to ./<uuid>. Every target is attempted; failures are returned together.
func (e *Engine) Artifacts(ctx context.Context, ref Ref, opts ArtifactsOptions) error {
	if err := e.remoteRef(ref); err != nil {
		return err
	}
	run, err := e.fetch(ctx, ref)
	if err != nil {
		return err
	}
	tr, err := e.artifacts(ctx, run)
	if err != nil {
		return err
	}
	pathTo := opts.PathTo
	if pathTo == "" {
		pathTo = ref.UUID
	}
	logger := e.opLogger("artifacts", ref)

	var (
		errs  []error
		total int
	)
	record := func(err error) bool {
		total++
		if err != nil {
			logger.Warn("artifact download failed", "error", err)
			errs = append(errs, err)
			return false
		}
		return true
	}

	everything := len(opts.Files) == 0 && len(opts.Dirs) == 0 &&
		len(opts.LineageNames) == 0 && len(opts.LineageKinds) == 0
	if everything {
		dest, err := tr.DownloadArtifacts(ctx, "", pathTo, opts.Untar)
		if record(err) {
			e.printf("Run artifacts downloaded to %s", dest)
		}
	}

	for _, file := range opts.Files {
		if ctx.Err() != nil {
			break
		}
		dest, err := tr.DownloadArtifact(ctx, file, pathTo)
		if record(err) {
			e.printf("File %s downloaded to %s", file, dest)
		}
	}
	for _, dir := range opts.Dirs {
		if ctx.Err() != nil {
			break
		}
		dest, err := tr.DownloadArtifacts(ctx, dir, pathTo, opts.Untar)
		if record(err) {
			e.printf("Directory %s downloaded to %s", dir, dest)
		}
	}

	if len(opts.LineageNames) > 0 || len(opts.LineageKinds) > 0 {
		lineages, err := artifacts.ResolveLineages(ctx, e.remote, ref.Owner, ref.Project, ref.UUID,
			opts.LineageNames, opts.LineageKinds)
		if !record(err) {
			return e.artifactsResult(ctx, ref, total, errs)
		}
		if len(lineages) == 0 {
			e.printf("No artifact lineages found for run %s", ref.UUID)
		}
		for _, lineage := range lineages {
			if ctx.Err() != nil {
				break
			}
			_, err := tr.DownloadArtifactForLineage(ctx, lineage, pathTo)
			if record(err) {
				e.printf("Assets for artifact lineage %s (kind: %s) downloaded to %s",
					lineage.Name, lineage.Kind, displayJoin(pathTo, lineage.Name))
			}
		}
	}
	return e.artifactsResult(ctx, ref, total, errs)
}

func (e *Engine) artifactsResult(ctx context.Context, ref Ref, total int, errs []error) error {
	if ctx.Err() != nil {
		return plxerrors.Cancelled("downloading artifacts", ref.UUID)
	}
	return plxerrors.Aggregate("downloading artifacts of run "+ref.UUID, total, errs)
}

// displayJoin joins like the user typed the base path, keeping a leading
// "./".
func displayJoin(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + name
}

// UploadOptions controls Upload.
type UploadOptions struct {
	// PathFrom is a file or directory. Defaults to the working directory.
	PathFrom string
	// PathTo is the destination directory in the run's artifacts.
	PathTo    string
	Overwrite bool
	// Tar sends a directory as one archive the platform unpacks.
	Tar bool
	// SyncFailure marks the run failed when the upload fails.
	SyncFailure bool
}

// Upload sends local files to the artifacts of a run.
func (e *Engine) Upload(ctx context.Context, ref Ref, opts UploadOptions) error {
	if err := e.remoteRef(ref); err != nil {
		return err
	}
	run, err := e.fetch(ctx, ref)
	if err != nil {
		return err
	}

	if err := e.upload(ctx, run, opts); err != nil {
		if opts.SyncFailure {
			e.failRun(ctx, run, "Operation failed uploading artifacts: "+err.Error())
		}
		if ctx.Err() != nil {
			return plxerrors.Cancelled("upload", ref.UUID)
		}
		return err
	}
	e.printf("Files uploaded to run %s", ref.UUID)
	return nil
}

func (e *Engine) upload(ctx context.Context, run *types.Run, opts UploadOptions) error {
	pathFrom := opts.PathFrom
	if pathFrom == "" {
		pathFrom = "."
	}
	info, err := os.Stat(pathFrom)
	if err != nil {
		if os.IsNotExist(err) {
			return plxerrors.IOFileNotFound(pathFrom)
		}
		return plxerrors.IOReadError(pathFrom, err)
	}

	tr, err := e.artifacts(ctx, run)
	if err != nil {
		return err
	}
	switch {
	case !info.IsDir():
		return tr.UploadArtifact(ctx, pathFrom, opts.PathTo, opts.Overwrite)
	case opts.Tar:
		return tr.UploadDirAsTar(ctx, pathFrom, opts.PathTo, opts.Overwrite)
	default:
		return tr.UploadArtifactsDir(ctx, pathFrom, opts.PathTo, opts.Overwrite, pathFrom)
	}
}

// failRun reports run as failed on a context that survives cancellation.
// The transition rules still apply: a finished run is left alone.
func (e *Engine) failRun(ctx context.Context, run *types.Run, message string) {
	cond := types.NewCondition(types.StatusFailed, SyncFailureReason, message)
	if err := e.emit(context.WithoutCancel(ctx), run, cond); err != nil {
		e.opLogger("upload", Ref{UUID: run.UUID}).Warn("marking run failed", "error", err)
	}
}

// Pull copies runs from the platform into the offline store.
func (e *Engine) Pull(ctx context.Context, opts syncer.PullOptions) error {
	p, err := e.syncOptions()
	if err != nil {
		return err
	}
	return syncer.NewPuller(p).Pull(ctx, opts)
}

// Push sends offline runs to the platform.
func (e *Engine) Push(ctx context.Context, opts syncer.PushOptions) error {
	p, err := e.syncOptions()
	if err != nil {
		return err
	}
	return syncer.NewPusher(p).Push(ctx, opts)
}

func (e *Engine) syncOptions() (syncer.Options, error) {
	if e.remote == nil {
		return syncer.Options{}, plxerrors.New(plxerrors.CodeInternal, "no platform client configured")
	}
	store, err := e.offlineStore()
	if err != nil {
		return syncer.Options{}, err
	}
	return syncer.Options{
		Remote:    e.remote,
		Store:     store,
		Artifacts: e.artifacts,
		Workers:   e.cfg.Workers(0),
		Out:       e.out,
		Logger:    e.logger,
	}, nil
}
