package cmd

import (
	"github.com/spf13/cobra"

	"github.com/plxctl/plx/internal/engine"
	plxerrors "github.com/plxctl/plx/internal/errors"
)

var transferToProject string

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Move a run to another project of the same owner",
	Args:  noArgs,
	RunE:  runTransfer,
}

func init() {
	transferCmd.Flags().StringVar(&transferToProject, "to-project", "", "destination project (required)")
	opsCmd.AddCommand(transferCmd)
}

func runTransfer(cmd *cobra.Command, args []string) error {
	if transferToProject == "" {
		return plxerrors.New(plxerrors.CodeInputMissing, "--to-project is required")
	}
	ref, err := runRef()
	if err != nil {
		return err
	}
	return withEngine(cmd, "", func(e *engine.Engine) error {
		return e.Transfer(cmd.Context(), ref, transferToProject)
	})
}
