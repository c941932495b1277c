package engine

import (
	"context"
	"log/slog"

	"github.com/plxctl/plx/internal/client"
	"github.com/plxctl/plx/internal/config"
	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/executor"
	"github.com/plxctl/plx/internal/types"
)

// ExecutorReason is the condition reason of transitions the engine makes
// on its own.
const ExecutorReason = "CliExecutor"

const canceledMessage = "Operation was canceled"

// execution is the state of one run being executed locally.
type execution struct {
	ref    Ref
	kind   config.ExecutorKind
	reason string
	run    *types.Run
	exec   executor.Executor
	// children already dispatched by a pipeline run.
	seen   map[string]bool
	logger *slog.Logger
}

// stepFunc is one state of the execute machine. It returns the next state,
// or nil when done, and an optional condition the driver emits before
// moving on. A step returning both a condition and an error gets the
// condition emitted first.
type stepFunc func(ctx context.Context, x *execution) (stepFunc, *types.StatusCondition, error)

// Execute runs a compiled run on this machine with the executor of kind,
// reporting every transition to the platform. An empty kind selects the
// configured default. Pipeline runs execute their created children one by
// one, oldest first.
func (e *Engine) Execute(ctx context.Context, ref Ref, kind config.ExecutorKind) error {
	if err := e.remoteRef(ref); err != nil {
		return err
	}
	if kind == "" {
		kind = e.cfg.Executor.Default
	}
	if !kind.Valid() {
		return plxerrors.Newf(plxerrors.CodeExecutorUnknown, "unknown executor %q, expected docker, k8s or process", kind)
	}
	return e.execute(ctx, ref, kind)
}

func (e *Engine) execute(ctx context.Context, ref Ref, kind config.ExecutorKind) error {
	x := &execution{
		ref:    ref,
		kind:   kind,
		reason: executor.Reason(kind),
		seen:   make(map[string]bool),
		logger: e.opLogger("execute", ref).With("executor", string(kind)),
	}

	for step := stepFunc(e.stepRefresh); step != nil; {
		if ctx.Err() != nil {
			return e.cancelExecution(ctx, x)
		}
		next, cond, err := step(ctx, x)
		if ctx.Err() != nil {
			return e.cancelExecution(ctx, x)
		}
		if cond != nil {
			if emitErr := e.emit(ctx, x.run, *cond); emitErr != nil {
				if ctx.Err() != nil {
					return e.cancelExecution(ctx, x)
				}
				return emitErr
			}
		}
		if err != nil {
			return err
		}
		step = next
	}
	return nil
}

// cancelExecution marks an interrupted run as failed. The platform is told
// on a context that outlives the cancellation.
func (e *Engine) cancelExecution(ctx context.Context, x *execution) error {
	canceled := plxerrors.Cancelled("execute", x.ref.UUID)
	if x.run == nil || x.run.Status.IsDone() {
		return canceled
	}
	cond := types.NewCondition(types.StatusFailed, ExecutorReason, canceledMessage)
	if err := e.emit(context.WithoutCancel(ctx), x.run, cond); err != nil {
		x.logger.Warn("marking canceled run as failed", "error", err)
	}
	return canceled
}

func (e *Engine) stepRefresh(ctx context.Context, x *execution) (stepFunc, *types.StatusCondition, error) {
	run, err := e.fetch(ctx, x.ref)
	if err != nil {
		return nil, nil, err
	}
	x.run = run
	if run.Status.IsDone() {
		e.printf("Run %s is already %s", run.UUID, run.Status)
		return nil, nil, nil
	}
	if run.Status == types.StatusCreated && !run.Approved() {
		return e.stepApprove, nil, nil
	}
	return e.stepRequireCompiled, nil, nil
}

func (e *Engine) stepApprove(ctx context.Context, x *execution) (stepFunc, *types.StatusCondition, error) {
	if err := e.remote.ApproveRun(ctx, x.ref.Owner, x.ref.Project, x.ref.UUID); err != nil {
		return nil, nil, err
	}
	run, err := e.fetch(ctx, x.ref)
	if err != nil {
		return nil, nil, err
	}
	x.run = run
	return e.stepRequireCompiled, nil, nil
}

func (e *Engine) stepRequireCompiled(ctx context.Context, x *execution) (stepFunc, *types.StatusCondition, error) {
	if x.run.Status != types.StatusCompiled {
		return nil, nil, plxerrors.Newf(plxerrors.CodeLifecycleState,
			"Run must be compiled, run %s is %s", x.run.UUID, x.run.Status).
			WithDetail("uuid", x.run.UUID).
			WithDetail("status", string(x.run.Status))
	}
	return e.stepSchedule, nil, nil
}

func (e *Engine) stepSchedule(ctx context.Context, x *execution) (stepFunc, *types.StatusCondition, error) {
	cond := types.NewCondition(types.StatusScheduled, ExecutorReason, "Run is scheduled with the local executor")
	return e.stepStart, &cond, nil
}

func (e *Engine) stepStart(ctx context.Context, x *execution) (stepFunc, *types.StatusCondition, error) {
	exec, err := e.executors(x.kind)
	if err != nil {
		cond := types.NewCondition(types.StatusFailed, ExecutorReason, err.Error())
		return nil, &cond, err
	}
	x.exec = exec
	cond := types.NewCondition(types.StatusStarting, x.reason, "Run is starting")
	return e.stepPreflight, &cond, nil
}

func (e *Engine) stepPreflight(ctx context.Context, x *execution) (stepFunc, *types.StatusCondition, error) {
	if !x.exec.CheckAvailable(ctx) {
		err := plxerrors.ExecutorUnavailable(string(x.kind), "preflight check failed")
		cond := types.NewCondition(types.StatusFailed, x.reason, err.Error())
		return nil, &cond, err
	}
	if version, ok := x.exec.Version(ctx); ok {
		x.logger.Debug("executor available", "version", version)
	}
	return e.stepRunning, nil, nil
}

func (e *Engine) stepRunning(ctx context.Context, x *execution) (stepFunc, *types.StatusCondition, error) {
	cond := types.NewCondition(types.StatusRunning, x.reason, "Run is running")
	if x.run.IsPipeline() {
		return e.stepPipeline, &cond, nil
	}
	return e.stepCreate, &cond, nil
}

// stepPipeline executes the oldest created child and comes back until none
// is left.
func (e *Engine) stepPipeline(ctx context.Context, x *execution) (stepFunc, *types.StatusCondition, error) {
	resp, err := e.remote.ListRuns(ctx, x.ref.Owner, x.ref.Project, client.ListParams{
		Query: "status:created, pipeline:" + x.run.UUID,
		Sort:  "created_at",
		Limit: client.Int(1),
	})
	if err != nil {
		return nil, nil, err
	}
	if len(resp.Results) == 0 {
		x.logger.Debug("pipeline has no created runs left")
		e.printf("All runs of pipeline %s are done; the platform sets the pipeline's final status", x.run.UUID)
		return nil, nil, nil
	}

	child := resp.Results[0]
	if x.seen[child.UUID] {
		return nil, nil, plxerrors.InvalidState(child.UUID, "execute", string(child.Status)).
			WithDetail("pipeline", x.run.UUID)
	}
	x.seen[child.UUID] = true
	x.logger.Info("executing pipeline run", "child", child.UUID)
	if err := e.execute(ctx, Ref{Owner: x.ref.Owner, Project: x.ref.Project, UUID: child.UUID}, x.kind); err != nil {
		return nil, nil, err
	}
	return e.stepPipeline, nil, nil
}

func (e *Engine) stepCreate(ctx context.Context, x *execution) (stepFunc, *types.StatusCondition, error) {
	res := x.exec.CreateFromRun(ctx, x.run, !e.cfg.Agent.IsCommunity)
	if res.Succeeded() {
		// A cluster reports the outcome of a submitted run itself.
		if x.kind == config.ExecutorK8s {
			e.printf("Run %s was submitted to namespace %s", x.run.UUID, e.cfg.Agent.Namespace)
			return nil, nil, nil
		}
		cond := types.NewCondition(types.StatusSucceeded, x.reason, res.Message)
		return nil, &cond, nil
	}
	cond := types.NewCondition(types.StatusFailed, x.reason, res.Message)
	err := plxerrors.Newf(plxerrors.CodeExecutorFailed, "run %s failed: %s", x.run.UUID, res.Message).
		WithDetail("uuid", x.run.UUID)
	return nil, &cond, err
}

// WaitForRunning blocks until the run is running. progress, when set, sees
// every status change. A run that finishes without running aborts the wait
// with an error.
func (e *Engine) WaitForRunning(ctx context.Context, ref Ref, progress func(client.StatusEvent)) error {
	if err := e.remoteRef(ref); err != nil {
		return err
	}
	run, err := e.fetch(ctx, ref)
	if err != nil {
		return err
	}
	if run.Status.IsRunning() {
		return nil
	}
	if run.Status.IsDone() {
		return notRunning(ref, run.Status)
	}

	for ev, err := range e.remote.WatchStatuses(ctx, ref.Owner, ref.Project, ref.UUID) {
		if err != nil {
			if ctx.Err() != nil {
				return plxerrors.Cancelled("waiting", ref.UUID)
			}
			return err
		}
		if progress != nil {
			progress(ev)
		}
		switch {
		case ev.Status.IsRunning():
			return nil
		case ev.Status.IsDone():
			return notRunning(ref, ev.Status)
		}
	}
	if ctx.Err() != nil {
		return plxerrors.Cancelled("waiting", ref.UUID)
	}
	return plxerrors.Newf(plxerrors.CodeAPIRemote, "status watch of run %s ended before it was running", ref.UUID)
}

func notRunning(ref Ref, status types.Status) error {
	return plxerrors.Newf(plxerrors.CodeLifecycleState, "run %s reached %s without running", ref.UUID, status).
		WithDetail("uuid", ref.UUID).
		WithDetail("status", string(status))
}
