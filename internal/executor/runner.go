package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Command is one process to spawn.
type Command struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string // appended to the inherited environment
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runner spawns commands. Tests replace it to script docker and kubectl.
type Runner interface {
	// Output runs cmd to completion and returns its stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Run runs cmd to completion, streaming its output. The exit code is
	// -1 when the process was killed.
	Run(ctx context.Context, cmd Command) (exitCode int, err error)
}

// ExecRunner runs commands on the host. On cancellation the whole process
// group gets SIGTERM, then SIGKILL once Grace has elapsed.
type ExecRunner struct {
	Grace time.Duration
}

// NewExecRunner creates a runner with the given stop grace period.
func NewExecRunner(grace time.Duration) *ExecRunner {
	if grace <= 0 {
		grace = 3 * time.Second
	}
	return &ExecRunner{Grace: grace}
}

// Output implements Runner.
func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	code, err := r.Run(ctx, Command{Name: name, Args: args, Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return stdout.Bytes(), fmt.Errorf("%s exited with code %d: %s", name, code, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, c Command) (int, error) {
	// Not CommandContext: cancellation is handled below so the group gets
	// SIGTERM before SIGKILL.
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("starting %s: %w", c.Name, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(r.Grace):
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			<-done
		}
		return -1, ctx.Err()

	case err := <-done:
		if err == nil {
			return 0, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
}
