package syncer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/logging"
	"github.com/plxctl/plx/internal/offline"
	"github.com/plxctl/plx/internal/types"
)

// PushOptions selects the offline runs to push: one uuid, or with All
// every run of the store.
type PushOptions struct {
	UUID string
	All  bool
	// NoArtifacts sends run_data.json only.
	NoArtifacts bool
	// Clean removes the local run once the platform has it.
	Clean bool
	// ResetProject files the runs under Owner/Project instead of the
	// project recorded in each run.
	ResetProject bool
	Owner        string
	Project      string
}

// Pusher sends offline runs to the platform.
type Pusher struct {
	*worker
}

// NewPusher creates a Pusher.
func NewPusher(opts Options) *Pusher {
	return &Pusher{worker: newWorker(opts)}
}

// Push sends the selected runs. Each run is locked while it is pushed so
// no other writer changes it halfway.
func (p *Pusher) Push(ctx context.Context, opts PushOptions) error {
	if opts.ResetProject && (opts.Owner == "" || opts.Project == "") {
		return plxerrors.New(plxerrors.CodeInputMissing, "--reset-project needs -p owner/project")
	}

	var uuids []string
	switch {
	case opts.All:
		found, err := offline.ListRunUUIDs(p.store.Base())
		if err != nil {
			return plxerrors.IOReadError(p.store.Base(), err)
		}
		uuids = found
	case opts.UUID != "":
		if !p.store.Exists(opts.UUID) {
			return plxerrors.RunNotFound(opts.UUID).WithDetail("path", p.store.RunPath(opts.UUID))
		}
		uuids = []string{opts.UUID}
	default:
		return plxerrors.New(plxerrors.CodeInputMissing, "pass a run uuid or --all")
	}
	if len(uuids) == 0 {
		p.printf("No runs found")
		return nil
	}

	return fanOut(ctx, p.worker, "pushing runs", uuids, func(ctx context.Context, uuid string) error {
		if err := p.pushRun(ctx, uuid, opts); err != nil {
			p.printf("Failed pushing run %s: %v", uuid, err)
			return err
		}
		p.printf("Finished pushing run %s", uuid)
		return nil
	})
}

func (p *Pusher) pushRun(ctx context.Context, uuid string, opts PushOptions) error {
	logger := logging.WithRun(p.logger, uuid)
	lock, err := p.store.AcquireRunLock(uuid)
	if err != nil {
		return err
	}
	defer lock.Release()

	run, err := p.store.Get(ctx, uuid)
	if err != nil {
		return err
	}
	if opts.ResetProject {
		run.Owner, run.Project = opts.Owner, opts.Project
	}
	if run.Owner == "" || run.Project == "" {
		return plxerrors.InvalidInput("run %s has no project, push it with --reset-project -p owner/project", uuid)
	}

	if err := p.remote.SyncRun(ctx, run.Owner, run.Project, run); err != nil {
		return err
	}

	runPath := p.store.RunPath(uuid)
	if !opts.NoArtifacts {
		if err := p.uploadLogs(ctx, run, offline.LogsPath(runPath)); err != nil {
			return err
		}
		if err := p.uploadOutputs(ctx, run, offline.OutputsPath(runPath)); err != nil {
			return err
		}
	}

	if !opts.Clean {
		return nil
	}
	remote, err := p.remote.GetRun(ctx, run.Owner, run.Project, uuid)
	if err != nil {
		return plxerrors.Wrapf(plxerrors.CodeAPIRemote, err, "verifying run %s before cleaning", uuid)
	}
	if remote.UUID != "" && remote.UUID != uuid {
		return plxerrors.Newf(plxerrors.CodeAPIRemote, "platform returned run %s for %s, keeping local copy", remote.UUID, uuid)
	}
	if err := p.store.Purge(ctx, uuid); err != nil {
		return err
	}
	logger.Debug("local run removed after push")
	return nil
}

// uploadLogs sends every file of plxlogs/ through the logs endpoint,
// keeping its path relative to plxlogs/.
func (p *Pusher) uploadLogs(ctx context.Context, run *types.Run, logsDir string) error {
	var files []string
	err := filepath.WalkDir(logsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return plxerrors.IOReadError(logsDir, err)
	}

	var errs []error
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(logsDir, file)
		if err != nil {
			errs = append(errs, plxerrors.IOReadError(file, err))
			continue
		}
		if err := p.uploadLog(ctx, run, file, filepath.ToSlash(rel)); err != nil {
			errs = append(errs, err)
		}
	}
	return plxerrors.Aggregate("uploading logs of run "+run.UUID, len(files), errs)
}

func (p *Pusher) uploadLog(ctx context.Context, run *types.Run, file, rel string) error {
	f, err := os.Open(file)
	if err != nil {
		return plxerrors.IOReadError(file, err)
	}
	defer f.Close()
	return p.remote.UploadRunLogs(ctx, run.Owner, run.Project, run.UUID, rel, f)
}

func (p *Pusher) uploadOutputs(ctx context.Context, run *types.Run, outputsDir string) error {
	if _, err := os.Stat(outputsDir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return plxerrors.IOReadError(outputsDir, err)
	}
	tr, err := p.artifacts(ctx, run)
	if err != nil {
		return err
	}
	return tr.UploadArtifactsDir(ctx, outputsDir, offline.OutputsDir, true, outputsDir)
}
