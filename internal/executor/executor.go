// Package executor runs compiled runs on the local machine, through Docker,
// a Kubernetes cluster, or plain host processes.
package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/plxctl/plx/internal/config"
	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/logging"
	"github.com/plxctl/plx/internal/offline"
	"github.com/plxctl/plx/internal/types"
)

// Result is the outcome of CreateFromRun.
type Result struct {
	Status  types.Status
	Message string
}

// Succeeded reports whether the workload finished (or, for k8s, was
// submitted) successfully.
func (r Result) Succeeded() bool {
	return r.Status == types.StatusSucceeded
}

func failed(format string, args ...any) Result {
	return Result{Status: types.StatusFailed, Message: fmt.Sprintf(format, args...)}
}

// Executor is a local execution back-end.
type Executor interface {
	Kind() config.ExecutorKind
	// CheckAvailable is the preflight: daemon, cluster or interpreter reachable.
	CheckAvailable(ctx context.Context) bool
	// Version returns the back-end version, or false when unknown.
	Version(ctx context.Context) (string, bool)
	// CreateFromRun materializes and runs the compiled content of run.
	// Cancelling ctx terminates the workload.
	CreateFromRun(ctx context.Context, run *types.Run, defaultAuth bool) Result
}

// Options configures the executors.
type Options struct {
	Config    config.ExecutorConfig
	Namespace string

	// Store receives the plxlogs tree of executed runs. May be nil.
	Store *offline.Store
	// Console receives the live output. May be nil.
	Console io.Writer
	Runner  Runner
	Logger  *slog.Logger
}

// New returns the executor of kind.
func New(kind config.ExecutorKind, opts Options) (Executor, error) {
	if opts.Runner == nil {
		opts.Runner = NewExecRunner(opts.Config.StopGrace.Duration)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDefault()
	}
	opts.Logger = logging.WithExecutor(opts.Logger, string(kind))

	switch kind {
	case config.ExecutorDocker:
		return &Docker{opts: opts}, nil
	case config.ExecutorK8s:
		return &Kubernetes{opts: opts}, nil
	case config.ExecutorProcess:
		return &Process{opts: opts}, nil
	}
	return nil, plxerrors.Newf(plxerrors.CodeExecutorUnknown, "unknown executor %q", kind).
		WithDetail("executor", string(kind))
}

// Reason is the condition reason emitted while kind drives a run, e.g.
// "CliProcessExecutor".
func Reason(kind config.ExecutorKind) string {
	name := string(kind)
	if name == "" {
		return "CliExecutor"
	}
	return "Cli" + strings.ToUpper(name[:1]) + name[1:] + "Executor"
}

// session wires the output of one execution: a log writer under the run's
// directory and one sink per container.
type session struct {
	logs    *offline.LogWriter
	console io.Writer
	pod     string
	prefix  bool
	sinks   []*LineSink
}

func (o Options) newSession(run *types.Run, containers int) *session {
	s := &session{
		console: newLockedWriter(o.Console),
		pod:     "plx-" + shortUUID(run.UUID),
		prefix:  containers > 1,
	}
	if o.Store != nil {
		s.logs = offline.NewLogWriter(o.Store.RunPath(run.UUID))
	}
	return s
}

func (s *session) sink(container string) *LineSink {
	sk := NewLineSink(container, s.pod, s.prefix, s.logs, s.console)
	s.sinks = append(s.sinks, sk)
	return sk
}

// close flushes every sink and the log files.
func (s *session) close() error {
	var errs []error
	for _, sk := range s.sinks {
		if err := sk.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.logs != nil {
		if err := s.logs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return plxerrors.Aggregate("writing run logs", len(s.sinks)+1, errs)
}

func shortUUID(uuid string) string {
	uuid = strings.ReplaceAll(uuid, "-", "")
	if len(uuid) > 12 {
		return uuid[:12]
	}
	return uuid
}
