package syncer

import (
	"context"
	"os"
	"path/filepath"

	"github.com/plxctl/plx/internal/client"
	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/logging"
	"github.com/plxctl/plx/internal/offline"
	"github.com/plxctl/plx/internal/types"
)

const (
	// DefaultPullLimit bounds a pull of every run of a project.
	DefaultPullLimit = 1000

	pageSize = 100
)

// PullOptions selects the runs to pull: one uuid, the runs matching Query,
// or with All every run of the project.
type PullOptions struct {
	Owner   string
	Project string
	UUID    string
	All     bool
	Query   string
	Limit   *int
	Offset  *int
	// NoArtifacts skips the artifacts and logs, keeping only run_data.json.
	NoArtifacts bool
}

// Puller copies runs from the platform into the offline store.
type Puller struct {
	*worker
}

// NewPuller creates a Puller.
func NewPuller(opts Options) *Puller {
	return &Puller{worker: newWorker(opts)}
}

// Pull copies the selected runs. Each run is assembled in a hidden
// directory and renamed into place once complete. A run that fails is
// reported and the others continue; the failures are returned together.
func (p *Puller) Pull(ctx context.Context, opts PullOptions) error {
	if opts.Owner == "" || opts.Project == "" {
		return plxerrors.New(plxerrors.CodeInputMissing, "a project is required, pass -p owner/project")
	}
	runs, err := p.targets(ctx, opts)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		p.printf("No runs found")
		return nil
	}

	return fanOut(ctx, p.worker, "pulling runs", runs, func(ctx context.Context, run *types.Run) error {
		if run.Owner == "" {
			run.Owner = opts.Owner
		}
		if run.Project == "" {
			run.Project = opts.Project
		}
		if err := p.pullRun(ctx, run, !opts.NoArtifacts); err != nil {
			p.printf("Failed pulling run %s: %v", run.UUID, err)
			return err
		}
		p.printf("Finished pulling run %s", run.UUID)
		return nil
	})
}

func (p *Puller) targets(ctx context.Context, opts PullOptions) ([]*types.Run, error) {
	if !opts.All && opts.Query == "" {
		if opts.UUID == "" {
			return nil, plxerrors.New(plxerrors.CodeInputMissing, "pass a run uuid, a query or --all")
		}
		run, err := p.remote.GetRun(ctx, opts.Owner, opts.Project, opts.UUID)
		if err != nil {
			return nil, err
		}
		return []*types.Run{run}, nil
	}

	if opts.Query != "" {
		if _, err := client.ParseQuery(opts.Query); err != nil {
			return nil, err
		}
	}
	limit := DefaultPullLimit
	if opts.Limit != nil {
		limit = *opts.Limit
	}
	offset := 0
	if opts.Offset != nil {
		offset = *opts.Offset
	}

	var runs []*types.Run
	for len(runs) < limit {
		resp, err := p.remote.ListRuns(ctx, opts.Owner, opts.Project, client.ListParams{
			Query:  opts.Query,
			Sort:   "created_at",
			Offset: client.Int(offset),
			Limit:  client.Int(min(pageSize, limit-len(runs))),
		})
		if err != nil {
			return nil, err
		}
		runs = append(runs, resp.Results...)
		offset += len(resp.Results)
		if resp.Next == "" || len(resp.Results) == 0 {
			break
		}
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (p *Puller) pullRun(ctx context.Context, run *types.Run, withArtifacts bool) (err error) {
	logger := logging.WithRun(p.logger, run.UUID)
	partial := filepath.Join(p.store.Base(), "."+run.UUID+offline.PartialSuffix)
	if err := os.RemoveAll(partial); err != nil {
		return plxerrors.IOWriteError(partial, err)
	}
	if err := os.MkdirAll(partial, 0755); err != nil {
		return plxerrors.IOWriteError(partial, err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(partial); rmErr != nil {
				logger.Warn("removing partial pull failed", "path", partial, "error", rmErr)
			}
		}
	}()

	if withArtifacts {
		tr, err := p.artifacts(ctx, run)
		if err != nil {
			return err
		}
		if _, err := tr.DownloadArtifacts(ctx, "", partial, true); err != nil {
			if !isMissing(err) {
				return err
			}
			logger.Debug("run has no artifacts")
		}
	}

	if err := offline.WriteRun(partial, run); err != nil {
		return err
	}

	lock, err := p.store.AcquireRunLock(run.UUID)
	if err != nil {
		return err
	}
	defer lock.Release()

	final := p.store.RunPath(run.UUID)
	if err := os.RemoveAll(final); err != nil {
		return plxerrors.IOWriteError(final, err)
	}
	if err := os.Rename(partial, final); err != nil {
		return plxerrors.IOWriteError(final, err)
	}
	logger.Debug("run pulled", "path", final)
	return nil
}

func isMissing(err error) bool {
	return client.IsNotFound(err) || plxerrors.Is(err, plxerrors.KindNotFound)
}
