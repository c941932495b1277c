package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/plxctl/plx/internal/config"
	"github.com/plxctl/plx/internal/offline"
	"github.com/plxctl/plx/internal/types"
)

// Process runs the containers of a run as host processes, without
// isolation. Images are ignored.
type Process struct {
	opts Options
}

// Kind implements Executor.
func (p *Process) Kind() config.ExecutorKind { return config.ExecutorProcess }

func (p *Process) shell() string {
	if p.opts.Config.Shell != "" {
		return p.opts.Config.Shell
	}
	return "/bin/sh"
}

// CheckAvailable implements Executor.
func (p *Process) CheckAvailable(ctx context.Context) bool {
	_, err := exec.LookPath(p.shell())
	return err == nil
}

// Version implements Executor.
func (p *Process) Version(ctx context.Context) (string, bool) {
	path, err := exec.LookPath(p.shell())
	if err != nil {
		return "", false
	}
	return path, true
}

// CreateFromRun implements Executor. Init containers run one after the
// other, then the main container runs alongside the sidecars, which are
// stopped once it exits.
func (p *Process) CreateFromRun(ctx context.Context, run *types.Run, defaultAuth bool) Result {
	op, err := ParseOperation(run.Content)
	if err != nil {
		return failed("%v", err)
	}
	logger := p.opts.Logger.With("run", run.UUID)

	workdir := ""
	env := runEnv(run)
	if p.opts.Store != nil {
		runPath := p.opts.Store.RunPath(run.UUID)
		outputs := offline.OutputsPath(runPath)
		if err := os.MkdirAll(outputs, 0755); err != nil {
			return failed("creating outputs directory: %v", err)
		}
		workdir = runPath
		env = append(env, "PLX_RUN_OUTPUTS_PATH="+outputs)
	}

	sess := p.opts.newSession(run, len(op.Containers()))
	defer func() {
		if err := sess.close(); err != nil {
			logger.Warn("closing run logs", "error", err)
		}
	}()

	for _, c := range op.Init {
		code, err := p.runContainer(ctx, c, workdir, env, sess)
		if err != nil {
			return failed("init container %s: %v", c.Name, err)
		}
		if code != 0 {
			return failed("init container %s exited with code %d", c.Name, code)
		}
	}

	sidecarCtx, stopSidecars := context.WithCancel(ctx)
	defer stopSidecars()
	var sidecars errgroup.Group
	for _, c := range op.Sidecars {
		sidecars.Go(func() error {
			_, err := p.runContainer(sidecarCtx, c, workdir, env, sess)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("sidecar failed", "container", c.Name, "error", err)
			}
			return nil
		})
	}

	code, err := p.runContainer(ctx, op.Main, workdir, env, sess)
	stopSidecars()
	_ = sidecars.Wait()

	if err != nil {
		return failed("container %s: %v", op.Main.Name, err)
	}
	if code != 0 {
		return failed("container %s exited with code %d", op.Main.Name, code)
	}
	return Result{Status: types.StatusSucceeded}
}

func (p *Process) runContainer(ctx context.Context, c ContainerSpec, workdir string, env []string, sess *session) (int, error) {
	argv := c.Argv()
	if len(c.Command) == 0 {
		if len(c.Args) == 0 {
			return -1, errors.New("no command to run")
		}
		argv = []string{p.shell(), "-c", strings.Join(c.Args, " ")}
	}

	dir := workdir
	if c.WorkingDir != "" {
		if info, err := os.Stat(c.WorkingDir); err == nil && info.IsDir() {
			dir = c.WorkingDir
		}
	}

	out := sess.sink(c.Name)
	p.opts.Logger.Debug("starting process", "container", c.Name, "argv", argv)
	return p.opts.Runner.Run(ctx, Command{
		Name:   argv[0],
		Args:   argv[1:],
		Dir:    dir,
		Env:    append(append([]string{}, env...), c.Environ()...),
		Stdout: out,
		Stderr: out,
	})
}

// runEnv is the environment every container of run receives.
func runEnv(run *types.Run) []string {
	return []string{
		"PLX_RUN_UUID=" + run.UUID,
		"PLX_RUN_OWNER=" + run.Owner,
		"PLX_RUN_PROJECT=" + run.Project,
		"PLX_RUN_NAME=" + run.Name,
	}
}
