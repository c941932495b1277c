package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/plxctl/plx/internal/engine"
)

var (
	stopYes bool
	skipYes bool
)

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve a run waiting for approval",
	Long: `Approve a run that was created with an approval gate.

Approving a run that is already approved succeeds without changes.`,
	Args: noArgs,
	RunE: runAction(func(e *engine.Engine) actionFunc { return e.Approve }),
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a run",
	Args:  noArgs,
	RunE: runAction(func(e *engine.Engine) actionFunc {
		return func(ctx context.Context, ref engine.Ref) error { return e.Stop(ctx, ref, stopYes) }
	}),
}

var skipCmd = &cobra.Command{
	Use:   "skip",
	Short: "Skip a run that has not started",
	Args:  noArgs,
	RunE: runAction(func(e *engine.Engine) actionFunc {
		return func(ctx context.Context, ref engine.Ref) error { return e.Skip(ctx, ref, skipYes) }
	}),
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Invalidate a run so it is not used as a cache hit",
	Args:  noArgs,
	RunE:  runAction(func(e *engine.Engine) actionFunc { return e.Invalidate }),
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive a run",
	Args:  noArgs,
	RunE:  runAction(func(e *engine.Engine) actionFunc { return e.Archive }),
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore an archived run",
	Args:  noArgs,
	RunE:  runAction(func(e *engine.Engine) actionFunc { return e.Restore }),
}

var bookmarkCmd = &cobra.Command{
	Use:   "bookmark",
	Short: "Bookmark a run",
	Args:  noArgs,
	RunE:  runAction(func(e *engine.Engine) actionFunc { return e.Bookmark }),
}

var unbookmarkCmd = &cobra.Command{
	Use:   "unbookmark",
	Short: "Remove the bookmark of a run",
	Args:  noArgs,
	RunE:  runAction(func(e *engine.Engine) actionFunc { return e.Unbookmark }),
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Print the dashboard address of a run",
	Args:  noArgs,
	RunE: runAction(func(e *engine.Engine) actionFunc {
		return func(ctx context.Context, ref engine.Ref) error {
			_, err := e.Dashboard(ctx, ref)
			return err
		}
	}),
}

func init() {
	stopCmd.Flags().BoolVarP(&stopYes, "yes", "y", false, "do not ask for confirmation")
	skipCmd.Flags().BoolVarP(&skipYes, "yes", "y", false, "do not ask for confirmation")

	opsCmd.AddCommand(approveCmd, stopCmd, skipCmd, invalidateCmd,
		archiveCmd, restoreCmd, bookmarkCmd, unbookmarkCmd, dashboardCmd)
}

type actionFunc func(ctx context.Context, ref engine.Ref) error

// runAction builds the RunE of a command that applies one engine op to
// the run named by -p and -uid.
func runAction(op func(e *engine.Engine) actionFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ref, err := runRef()
		if err != nil {
			return err
		}
		return withEngine(cmd, "", func(e *engine.Engine) error {
			return op(e)(cmd.Context(), ref)
		})
	}
}
