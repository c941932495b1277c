// Package engine drives the lifecycle of runs: it validates every requested
// change against the status rules, then talks to the platform or to the
// offline store. The engine holds no run state between operations; each op
// re-fetches or re-reads its run.
package engine

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/plxctl/plx/internal/artifacts"
	"github.com/plxctl/plx/internal/cli"
	"github.com/plxctl/plx/internal/client"
	"github.com/plxctl/plx/internal/config"
	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/executor"
	"github.com/plxctl/plx/internal/logging"
	"github.com/plxctl/plx/internal/logs"
	"github.com/plxctl/plx/internal/offline"
	"github.com/plxctl/plx/internal/syncer"
	"github.com/plxctl/plx/internal/telemetry"
	"github.com/plxctl/plx/internal/types"
)

// Remote is the platform API the engine drives. *client.Client satisfies it.
type Remote interface {
	syncer.Remote
	artifacts.LineageLister
	logs.LogsAPI

	PatchRun(ctx context.Context, owner, project, uuid string, fields map[string]any) (*types.Run, error)
	DeleteRun(ctx context.Context, owner, project, uuid string) error
	ApproveRun(ctx context.Context, owner, project, uuid string) error
	StopRun(ctx context.Context, owner, project, uuid string) error
	SkipRun(ctx context.Context, owner, project, uuid string) error
	ArchiveRun(ctx context.Context, owner, project, uuid string) error
	RestoreRun(ctx context.Context, owner, project, uuid string) error
	BookmarkRun(ctx context.Context, owner, project, uuid string) error
	UnbookmarkRun(ctx context.Context, owner, project, uuid string) error
	InvalidateRun(ctx context.Context, owner, project, uuid string) error
	TransferRun(ctx context.Context, owner, project, uuid, toProject string) error
	RestartRun(ctx context.Context, owner, project, uuid string, body client.CloneBody) (*types.Run, error)
	ResumeRun(ctx context.Context, owner, project, uuid string, body client.CloneBody) (*types.Run, error)
	GetRunStatuses(ctx context.Context, owner, project, uuid string) (*types.StatusesResponse, error)
	CreateRunStatus(ctx context.Context, owner, project, uuid string, cond types.StatusCondition) error
	WatchStatuses(ctx context.Context, owner, project, uuid string) iter.Seq2[client.StatusEvent, error]
}

var _ Remote = (*client.Client)(nil)

// ExecutorFunc returns the local executor of kind.
type ExecutorFunc func(kind config.ExecutorKind) (executor.Executor, error)

// ConfirmFunc asks the user a yes/no question.
type ConfirmFunc func(prompt string) (bool, error)

// Options configures an Engine. Only Config and Remote are required for
// online ops; offline ops need Store.
type Options struct {
	Config *config.Config
	Remote Remote
	// Store is the offline store of runs.
	Store *offline.Store
	// Cache receives a copy of runs fetched from the platform. May be nil.
	Cache     *offline.Store
	Executors ExecutorFunc
	Artifacts artifacts.Factory
	Logger    *slog.Logger
	// Out receives user-facing lines. Defaults to stdout.
	Out     io.Writer
	Confirm ConfirmFunc
	NoColor bool
	// PollInterval paces log polling in follow mode. Defaults to one second.
	PollInterval time.Duration
}

// Engine runs lifecycle operations.
type Engine struct {
	cfg       *config.Config
	remote    Remote
	store     *offline.Store
	cache     *offline.Store
	executors ExecutorFunc
	artifacts artifacts.Factory
	logger    *slog.Logger
	out       io.Writer
	confirm   ConfirmFunc
	noColor   bool

	pollInterval time.Duration
	transitions  metric.Int64Counter
}

// New creates an Engine, filling unset options with the default
// implementations.
func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDefault()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	e := &Engine{
		cfg:         cfg,
		remote:      opts.Remote,
		store:       opts.Store,
		cache:       opts.Cache,
		executors:   opts.Executors,
		artifacts:   opts.Artifacts,
		logger:      logger,
		out:         out,
		confirm:     opts.Confirm,
		noColor:     opts.NoColor,
		transitions: telemetry.Counter("plx.run.transitions", "Status conditions emitted by the client"),
	}
	e.pollInterval = opts.PollInterval
	if e.pollInterval <= 0 {
		e.pollInterval = logs.DefaultPollInterval
	}
	if e.executors == nil {
		e.executors = func(kind config.ExecutorKind) (executor.Executor, error) {
			return executor.New(kind, executor.Options{
				Config:    cfg.Executor,
				Namespace: cfg.Agent.Namespace,
				Store:     e.store,
				Console:   out,
				Logger:    logger,
			})
		}
	}
	if e.artifacts == nil && e.remote != nil {
		e.artifacts = artifacts.NewFactory(cfg, e.remote, logger)
	}
	if e.confirm == nil {
		e.confirm = func(prompt string) (bool, error) {
			return cli.Confirm(os.Stdin, out, prompt, false)
		}
	}
	return e
}

// Ref names a run.
type Ref struct {
	Owner   string
	Project string
	UUID    string
}

func (r Ref) String() string {
	return r.Owner + "/" + r.Project + "/" + r.UUID
}

// ParseProject splits "owner/project".
func ParseProject(s string) (owner, project string, err error) {
	owner, project, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || owner == "" || project == "" || strings.Contains(project, "/") {
		return "", "", plxerrors.InvalidInput("project must be owner/project, got %q", s)
	}
	return owner, project, nil
}

// remoteRef checks that ref can address a run on the platform.
func (e *Engine) remoteRef(ref Ref) error {
	if e.remote == nil {
		return plxerrors.New(plxerrors.CodeInternal, "no platform client configured")
	}
	if ref.Owner == "" || ref.Project == "" {
		return plxerrors.New(plxerrors.CodeInputMissing, "a project is required, pass -p owner/project")
	}
	if ref.UUID == "" {
		return plxerrors.New(plxerrors.CodeInputMissing, "a run uuid is required, pass -uid")
	}
	return nil
}

func (e *Engine) offlineStore() (*offline.Store, error) {
	if e.store == nil {
		return nil, plxerrors.New(plxerrors.CodeInternal, "no offline store configured")
	}
	return e.store, nil
}

// fetch refreshes the run from the platform. The returned record always
// carries the owner and project of ref.
func (e *Engine) fetch(ctx context.Context, ref Ref) (*types.Run, error) {
	run, err := e.remote.GetRun(ctx, ref.Owner, ref.Project, ref.UUID)
	if err != nil {
		return nil, err
	}
	if run.UUID == "" {
		run.UUID = ref.UUID
	}
	if run.Owner == "" {
		run.Owner = ref.Owner
	}
	if run.Project == "" {
		run.Project = ref.Project
	}
	return run, nil
}

// emit posts a status condition for run after checking the transition is
// allowed. A rejected transition never reaches the platform.
func (e *Engine) emit(ctx context.Context, run *types.Run, cond types.StatusCondition) error {
	if !types.CanTransition(run.Status, cond.Type) {
		return plxerrors.InvalidTransition(run.UUID, string(run.Status), string(cond.Type))
	}
	if err := e.remote.CreateRunStatus(ctx, run.Owner, run.Project, run.UUID, cond); err != nil {
		return err
	}
	if err := run.SetStatus(cond); err != nil {
		return err
	}
	e.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(cond.Type)),
		attribute.String("reason", cond.Reason),
	))
	logging.WithRun(e.logger, run.UUID).Debug("status emitted",
		"status", cond.Type, "reason", cond.Reason, "message", cond.Message)
	return nil
}

// confirmOrAbort asks before a destructive op unless yes is set.
func (e *Engine) confirmOrAbort(yes bool, op string, ref Ref) error {
	if yes {
		return nil
	}
	ok, err := e.confirm(fmt.Sprintf("Are you sure you want to %s run %s?", op, ref.UUID))
	if err != nil {
		return plxerrors.Wrap(plxerrors.CodeInputInvalid, "reading confirmation", err)
	}
	if !ok {
		return plxerrors.Cancelled(op, ref.UUID)
	}
	return nil
}

func (e *Engine) printf(format string, args ...any) {
	fmt.Fprintf(e.out, format+"\n", args...)
}

func (e *Engine) opLogger(op string, ref Ref) *slog.Logger {
	return logging.WithRun(logging.WithOp(e.logger, op), ref.UUID)
}
