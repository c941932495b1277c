package cmd

import (
	"github.com/spf13/cobra"

	"github.com/plxctl/plx/internal/config"
	"github.com/plxctl/plx/internal/engine"
)

var executeExecutor string

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Run a compiled run on this machine",
	Long: `Run a compiled run on this machine and report its status to the platform.

The executor is docker, k8s or process; the default comes from the
[executor] section of the config. A run waiting for approval is approved
first. Pipelines run their created children one by one.`,
	Args: noArgs,
	RunE: runExecute,
}

func init() {
	executeCmd.Flags().StringVar(&executeExecutor, "executor", "", "docker, k8s or process")
	opsCmd.AddCommand(executeCmd)
}

func runExecute(cmd *cobra.Command, args []string) error {
	ref, err := runRef()
	if err != nil {
		return err
	}
	return withEngine(cmd, "", func(e *engine.Engine) error {
		return e.Execute(cmd.Context(), ref, config.ExecutorKind(executeExecutor))
	})
}
