package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	plxerrors "github.com/plxctl/plx/internal/errors"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Global flags
	verbose     bool
	noColor     bool
	host        string
	offlineRoot string
	configPath  string
)

var rootCmd = &cobra.Command{
	Use:   "plx",
	Short: "plx - client for a machine-learning run platform",
	Long: `plx manages the lifecycle of runs on the platform and on this machine.

Runs can be listed, updated, approved, stopped, restarted and resumed on the
platform, executed locally with docker, kubernetes or a plain process, and
pulled to or pushed from an offline store that works without a connection.

All run operations live under "plx ops".`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line and returns the process exit code. SIGINT
// and SIGTERM cancel the running operation.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	resetFlags(rootCmd)
	rootCmd.SetArgs(normalizeArgs(args))
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	if strings.HasPrefix(err.Error(), "unknown command") {
		err = plxerrors.InvalidInput("%v", err)
	}
	if ctx.Err() != nil && !plxerrors.Is(err, plxerrors.KindCancelled) {
		err = plxerrors.Wrap(plxerrors.CodeCancelled, "operation was canceled", err)
	}
	fmt.Fprintf(stderr, "Error: %s\n", err)
	return plxerrors.ExitCode(err)
}

// singleDashLong are long flags users type with one dash.
var singleDashLong = map[string]bool{"uid": true, "l-name": true, "l-kind": true}

// normalizeArgs rewrites -uid, -l-name and -l-kind into their double-dash
// form before pflag sees them.
func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			return append(out, args[i:]...)
		}
		if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") {
			name, _, _ := strings.Cut(arg[1:], "=")
			if singleDashLong[name] {
				arg = "-" + arg
			}
		}
		out = append(out, arg)
	}
	return out
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&host, "host", "", "platform URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&offlineRoot, "offline-root", "", "root of the offline store (overrides config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ~/.polyaxon/config.toml and ./.polyaxon/config.toml)")

	rootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return plxerrors.InvalidInput("%v", err).WithDetail("command", c.CommandPath())
	})

	// Version flag
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("plx {{.Version}}\n")
}

// noArgs rejects positional arguments as invalid input.
func noArgs(c *cobra.Command, args []string) error {
	if len(args) > 0 {
		return plxerrors.InvalidInput("unexpected argument %q for %q", args[0], c.CommandPath())
	}
	return nil
}

// resetFlags restores every flag of c and its children to its default.
// Flag values live in package variables that outlive one invocation.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed {
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				_ = sv.Replace(nil)
			} else {
				_ = f.Value.Set(f.DefValue)
			}
			f.Changed = false
		}
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, child := range c.Commands() {
		resetFlags(child)
	}
}
