package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/plxctl/plx/internal/engine"
	"github.com/plxctl/plx/internal/offline"
	"github.com/plxctl/plx/internal/status"
)

var (
	getOffline bool
	getPath    string
	getOutput  string
)

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Show a run",
	Long: `Show one run from the platform, or from the offline store with --offline.

With -o json the run record is printed as JSON; -o path=FILE writes it to FILE.`,
	Args: noArgs,
	RunE: runGet,
}

func init() {
	getCmd.Flags().BoolVar(&getOffline, "offline", false, "read the run from the offline store")
	getCmd.Flags().StringVar(&getPath, "path", "", "offline store root")
	getCmd.Flags().StringVarP(&getOutput, "output", "o", "", "json or path=FILE")
	opsCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	out, err := parseOutput(getOutput)
	if err != nil {
		return err
	}
	ref, err := runRef()
	if err != nil {
		return err
	}
	if err := requireUID(ref); err != nil {
		return err
	}

	return withEngine(cmd, getPath, func(e *engine.Engine) error {
		run, err := e.Get(cmd.Context(), ref, getOffline)
		if err != nil {
			return err
		}
		if out.JSON {
			data, err := offline.MarshalRun(run)
			if err != nil {
				return err
			}
			return out.write(cmd.OutOrStdout(), data)
		}
		summary := status.NewRunSummary(run, time.Now())
		fmt.Fprint(cmd.OutOrStdout(), status.FormatRun(summary, status.FormatOptions{NoColor: noColor}))
		return nil
	})
}
