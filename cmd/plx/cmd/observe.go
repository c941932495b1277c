package cmd

import (
	"github.com/spf13/cobra"

	"github.com/plxctl/plx/internal/engine"
)

var (
	statusesWatch   bool
	statusesOffline bool

	logsFollow        bool
	logsHideTime      bool
	logsAllContainers bool
	logsAllInfo       bool
	logsOffline       bool
)

var statusesCmd = &cobra.Command{
	Use:   "statuses",
	Short: "Show the status history of a run",
	Args:  noArgs,
	RunE:  runStatuses,
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the logs of a run",
	Long: `Show the logs of a run in timestamp order.

With --follow the command waits for the run to start, then streams new
lines until the run finishes.`,
	Args: noArgs,
	RunE: runLogs,
}

func init() {
	statusesCmd.Flags().BoolVarP(&statusesWatch, "watch", "w", false, "keep printing new statuses")
	statusesCmd.Flags().BoolVar(&statusesOffline, "offline", false, "read the run from the offline store")

	logsCmd.Flags().BoolVar(&logsFollow, "follow", false, "stream logs until the run finishes")
	logsCmd.Flags().BoolVar(&logsHideTime, "hide-time", false, "do not print timestamps")
	logsCmd.Flags().BoolVar(&logsAllContainers, "all-containers", false, "include sidecar and init containers")
	logsCmd.Flags().BoolVar(&logsAllInfo, "all-info", false, "print node, pod and container of every line")
	logsCmd.Flags().BoolVar(&logsOffline, "offline", false, "read logs from the offline store")

	opsCmd.AddCommand(statusesCmd, logsCmd)
}

func runStatuses(cmd *cobra.Command, args []string) error {
	ref, err := runRef()
	if err != nil {
		return err
	}
	if err := requireUID(ref); err != nil {
		return err
	}
	return withEngine(cmd, "", func(e *engine.Engine) error {
		return e.Statuses(cmd.Context(), ref, statusesWatch, statusesOffline)
	})
}

func runLogs(cmd *cobra.Command, args []string) error {
	ref, err := runRef()
	if err != nil {
		return err
	}
	if err := requireUID(ref); err != nil {
		return err
	}
	opts := engine.LogsOptions{
		Follow:        logsFollow,
		HideTime:      logsHideTime,
		AllContainers: logsAllContainers,
		AllInfo:       logsAllInfo,
		Offline:       logsOffline,
	}
	return withEngine(cmd, "", func(e *engine.Engine) error {
		return e.Logs(cmd.Context(), ref, opts)
	})
}
