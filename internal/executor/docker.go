package executor

import (
	"context"
	"errors"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plxctl/plx/internal/config"
	"github.com/plxctl/plx/internal/offline"
	"github.com/plxctl/plx/internal/types"
)

// cleanupTimeout bounds the docker calls made after the run context ended.
const cleanupTimeout = 30 * time.Second

// Docker runs the containers of a run with the docker CLI on a private
// network.
type Docker struct {
	opts Options
}

// Kind implements Executor.
func (d *Docker) Kind() config.ExecutorKind { return config.ExecutorDocker }

func (d *Docker) binary() string {
	if d.opts.Config.DockerBinary != "" {
		return d.opts.Config.DockerBinary
	}
	return "docker"
}

// CheckAvailable implements Executor. It requires an answering daemon, not
// just the CLI.
func (d *Docker) CheckAvailable(ctx context.Context) bool {
	_, ok := d.Version(ctx)
	return ok
}

// Version implements Executor.
func (d *Docker) Version(ctx context.Context) (string, bool) {
	out, err := d.opts.Runner.Output(ctx, d.binary(), "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(string(out))
	return v, v != ""
}

// CreateFromRun implements Executor.
func (d *Docker) CreateFromRun(ctx context.Context, run *types.Run, defaultAuth bool) Result {
	op, err := ParseOperation(run.Content)
	if err != nil {
		return failed("%v", err)
	}
	for _, c := range op.Containers() {
		if c.Image == "" {
			return failed("container %s has no image", c.Name)
		}
	}
	logger := d.opts.Logger.With("run", run.UUID)

	prefix := "plx-" + shortUUID(run.UUID)
	network := prefix
	env := runEnv(run)
	if defaultAuth {
		// Passed by name so the token never shows up in argv.
		env = append(env, "POLYAXON_AUTH_TOKEN")
	}

	var mounts []string
	if d.opts.Store != nil {
		outputs := offline.OutputsPath(d.opts.Store.RunPath(run.UUID))
		if err := os.MkdirAll(outputs, 0755); err != nil {
			return failed("creating outputs directory: %v", err)
		}
		target := path.Join(d.contextPath(), "outputs")
		mounts = append(mounts, outputs+":"+target)
		env = append(env, "PLX_RUN_OUTPUTS_PATH="+target)
	}

	if _, err := d.opts.Runner.Output(ctx, d.binary(), "network", "create", network); err != nil {
		return failed("creating network %s: %v", network, err)
	}

	started := &containerSet{}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if ctx.Err() != nil {
			for _, name := range started.names() {
				_, _ = d.opts.Runner.Output(cleanupCtx, d.binary(), "kill", name)
			}
		}
		if _, err := d.opts.Runner.Output(cleanupCtx, d.binary(), "network", "rm", network); err != nil {
			logger.Warn("removing docker network", "network", network, "error", err)
		}
	}()

	sess := d.opts.newSession(run, len(op.Containers()))
	defer func() {
		if err := sess.close(); err != nil {
			logger.Warn("closing run logs", "error", err)
		}
	}()

	run1 := func(ctx context.Context, c ContainerSpec) (int, error) {
		name := prefix + "-" + c.Name
		started.add(name)
		out := sess.sink(c.Name)
		return d.opts.Runner.Run(ctx, Command{
			Name:   d.binary(),
			Args:   dockerRunArgs(name, network, c, env, mounts),
			Stdout: out,
			Stderr: out,
		})
	}

	for _, c := range op.Init {
		code, err := run1(ctx, c)
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
			if _, err := run1(sidecarCtx, c); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("sidecar failed", "container", c.Name, "error", err)
			}
			return nil
		})
	}

	code, err := run1(ctx, op.Main)
	if len(op.Sidecars) > 0 {
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		for _, c := range op.Sidecars {
			_, _ = d.opts.Runner.Output(killCtx, d.binary(), "kill", prefix+"-"+c.Name)
		}
		cancel()
	}
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

func (d *Docker) contextPath() string {
	if d.opts.Config.ContextPath != "" {
		return d.opts.Config.ContextPath
	}
	return "/plx-context"
}

// dockerRunArgs renders the `docker run` argv of one container.
func dockerRunArgs(name, network string, c ContainerSpec, env, mounts []string) []string {
	args := []string{"run", "--rm", "--name", name, "--network", network}
	for _, e := range env {
		args = append(args, "-e", e)
	}
	for _, e := range c.Environ() {
		args = append(args, "-e", e)
	}
	for _, m := range mounts {
		args = append(args, "-v", m)
	}
	if c.WorkingDir != "" {
		args = append(args, "-w", c.WorkingDir)
	}
	if len(c.Command) > 0 {
		args = append(args, "--entrypoint", c.Command[0])
	}
	args = append(args, c.Image)
	if len(c.Command) > 1 {
		args = append(args, c.Command[1:]...)
	}
	return append(args, c.Args...)
}

// containerSet records the containers started so far.
type containerSet struct {
	mu   sync.Mutex
	list []string
}

func (s *containerSet) add(name string) {
	s.mu.Lock()
	s.list = append(s.list, name)
	s.mu.Unlock()
}

func (s *containerSet) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.list...)
}
