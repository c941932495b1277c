package engine

import (
	"context"
	"fmt"

	"github.com/plxctl/plx/internal/client"
	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/executor"
	"github.com/plxctl/plx/internal/logs"
	"github.com/plxctl/plx/internal/status"
	"github.com/plxctl/plx/internal/types"
)

func (e *Engine) runRef(run *types.Run) client.RunRef {
	namespace := run.Namespace()
	if namespace == "" {
		namespace = e.cfg.Agent.Namespace
	}
	return client.RunRef{Namespace: namespace, Owner: run.Owner, Project: run.Project, UUID: run.UUID}
}

func (e *Engine) formatOptions() status.FormatOptions {
	return status.FormatOptions{NoColor: e.noColor}
}

// Statuses prints the status history of a run. With watch it keeps
// printing new conditions until the run finishes or ctx is cancelled.
func (e *Engine) Statuses(ctx context.Context, ref Ref, watch, offlineMode bool) error {
	opts := e.formatOptions()

	if offlineMode {
		store, err := e.offlineStore()
		if err != nil {
			return err
		}
		run, err := store.Get(ctx, ref.UUID)
		if err != nil {
			return err
		}
		e.printConditions(run.Status, run.StatusConditions, opts)
		return nil
	}

	if err := e.remoteRef(ref); err != nil {
		return err
	}
	if !watch {
		resp, err := e.remote.GetRunStatuses(ctx, ref.Owner, ref.Project, ref.UUID)
		if err != nil {
			return err
		}
		e.printConditions(resp.Status, resp.StatusConditions, opts)
		return nil
	}

	printed := 0
	for ev, err := range e.remote.WatchStatuses(ctx, ref.Owner, ref.Project, ref.UUID) {
		if err != nil {
			if ctx.Err() != nil {
				return plxerrors.Cancelled("watching statuses", ref.UUID)
			}
			return err
		}
		// A shorter history means the server rewrote it; start over.
		if len(ev.Conditions) < printed {
			printed = 0
		}
		for _, cond := range ev.Conditions[printed:] {
			e.printf("%s", status.FormatCondition(cond, opts))
		}
		printed = len(ev.Conditions)
	}
	if ctx.Err() != nil {
		return plxerrors.Cancelled("watching statuses", ref.UUID)
	}
	return nil
}

func (e *Engine) printConditions(current types.Status, conditions []types.StatusCondition, opts status.FormatOptions) {
	if len(conditions) == 0 {
		e.printf("No statuses found, current status: %s", current)
		return
	}
	e.printf("%s", status.FormatConditions(conditions, opts))
}

// mainContainer names the main container of run: the one declared in its
// compiled content, or the name the local executors give an unnamed one.
func mainContainer(run *types.Run) string {
	if run.Content != "" {
		if op, err := executor.ParseOperation(run.Content); err == nil {
			return op.Main.Name
		}
	}
	return executor.MainContainer
}

// LogsOptions controls Logs.
type LogsOptions struct {
	Follow        bool
	HideTime      bool
	AllContainers bool
	AllInfo       bool
	Offline       bool
}

// Logs prints the logs of a run in timestamp order. With Follow it waits
// for the run to start, then keeps printing until the run finishes or ctx
// is cancelled.
func (e *Engine) Logs(ctx context.Context, ref Ref, opts LogsOptions) error {
	formatter := logs.Formatter{
		HideTime:      opts.HideTime,
		AllContainers: opts.AllContainers,
		AllInfo:       opts.AllInfo,
	}
	streamer := &logs.Streamer{
		Follow:       opts.Follow,
		PollInterval: e.pollInterval,
		Logger:       e.opLogger("logs", ref),
	}

	if opts.Offline {
		store, err := e.offlineStore()
		if err != nil {
			return err
		}
		run, err := store.Get(ctx, ref.UUID)
		if err != nil {
			return err
		}
		formatter.MainContainer = mainContainer(run)
		sources, err := logs.RunLogSources(store.RunPath(ref.UUID), opts.Follow, streamer.Logger)
		if err != nil {
			return err
		}
		streamer.Sources = sources
		streamer.Done = func(ctx context.Context) bool {
			run, err := store.Get(ctx, ref.UUID)
			return err == nil && run.Status.IsDone()
		}
	} else {
		if err := e.remoteRef(ref); err != nil {
			return err
		}
		run, err := e.fetch(ctx, ref)
		if err != nil {
			return err
		}
		if opts.Follow && !run.Status.IsRunning() && !run.Status.IsDone() {
			e.printf("Waiting for run %s to start...", ref.UUID)
			err := e.WaitForRunning(ctx, ref, func(ev client.StatusEvent) {
				if n := len(ev.Conditions); n > 0 {
					e.printf("%s", status.FormatCondition(ev.Conditions[n-1], e.formatOptions()))
				}
			})
			switch {
			case err == nil:
			case plxerrors.HasCode(err, plxerrors.CodeLifecycleState):
				// Finished without running: print what it left behind.
				streamer.Follow = false
			default:
				return err
			}
		}
		formatter.MainContainer = mainContainer(run)
		streamer.Sources = []logs.Source{logs.NewRemoteSource(e.remote, e.runRef(run), streamer.Follow)}
		streamer.Done = func(ctx context.Context) bool {
			resp, err := e.remote.GetRunStatuses(ctx, ref.Owner, ref.Project, ref.UUID)
			return err == nil && resp.Status.IsDone()
		}
	}

	if len(streamer.Sources) == 0 {
		e.printf("No logs found for run %s", ref.UUID)
		return nil
	}

	err := streamer.Run(ctx, func(line types.LogLine) error {
		if !formatter.Keep(line) {
			return nil
		}
		_, err := fmt.Fprintln(e.out, formatter.Format(line))
		return err
	})
	if err != nil && ctx.Err() != nil {
		return plxerrors.Cancelled("logs", ref.UUID)
	}
	return err
}
