// Package syncer moves runs between the platform and the offline store.
//
// Pull and push work run by run: a run is either fully transferred or left
// as it was, so an interrupted bulk transfer can simply be started again.
package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/plxctl/plx/internal/artifacts"
	"github.com/plxctl/plx/internal/client"
	"github.com/plxctl/plx/internal/config"
	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/logging"
	"github.com/plxctl/plx/internal/offline"
	"github.com/plxctl/plx/internal/types"
)

// Remote is the part of the platform API pull and push use.
type Remote interface {
	artifacts.StreamsAPI

	ListRuns(ctx context.Context, owner, project string, params client.ListParams) (*types.ListResponse, error)
	GetRun(ctx context.Context, owner, project, uuid string) (*types.Run, error)
	SyncRun(ctx context.Context, owner, project string, run *types.Run) error
	UploadRunLogs(ctx context.Context, owner, project, uuid, p string, content io.Reader) error
}

// Options configures a Puller or a Pusher.
type Options struct {
	Remote    Remote
	Store     *offline.Store
	Artifacts artifacts.Factory
	// Workers bounds how many runs move at once. Defaults to 8, capped at 32.
	Workers int
	// Out receives one progress line per run.
	Out    io.Writer
	Logger *slog.Logger
}

// worker holds what Puller and Pusher share.
type worker struct {
	remote    Remote
	store     *offline.Store
	artifacts artifacts.Factory
	workers   int
	logger    *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

func newWorker(opts Options) *worker {
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &worker{
		remote:    opts.Remote,
		store:     opts.Store,
		artifacts: opts.Artifacts,
		workers:   min(workers, config.MaxWorkers),
		logger:    logger,
		out:       out,
	}
}

func (w *worker) printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, format+"\n", args...)
}

// fanOut calls fn for every item on at most w.workers goroutines. Failures
// do not stop the other items; they are aggregated once all are done.
func fanOut[T any](ctx context.Context, w *worker, op string, items []T, fn func(context.Context, T) error) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)
	for _, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(gctx, item); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil || ctx.Err() != nil {
		return plxerrors.Cancelled(op, "")
	}
	return plxerrors.Aggregate(op, len(items), errs)
}
