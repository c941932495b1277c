package cmd

import (
	"github.com/spf13/cobra"

	"github.com/plxctl/plx/internal/engine"
)

var (
	deleteYes     bool
	deleteOffline bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a run",
	Args:  noArgs,
	RunE:  runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "do not ask for confirmation")
	deleteCmd.Flags().BoolVar(&deleteOffline, "offline", false, "delete the run from the offline store")
	opsCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	ref, err := runRef()
	if err != nil {
		return err
	}
	if err := requireUID(ref); err != nil {
		return err
	}
	return withEngine(cmd, "", func(e *engine.Engine) error {
		return e.Delete(cmd.Context(), ref, deleteYes, deleteOffline)
	})
}
