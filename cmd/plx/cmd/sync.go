package cmd

import (
	"github.com/spf13/cobra"

	"github.com/plxctl/plx/internal/client"
	"github.com/plxctl/plx/internal/engine"
	"github.com/plxctl/plx/internal/syncer"
)

var (
	pullAll         bool
	pullQuery       string
	pullLimit       int
	pullOffset      int
	pullNoArtifacts bool
	pullPath        string

	pushAll          bool
	pushNoArtifacts  bool
	pushClean        bool
	pushResetProject bool
	pushPath         string
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Copy runs from the platform into the offline store",
	Long: `Copy runs from the platform into the offline store.

Pass -uid for one run or -a for every run of the project matching -q.
A run appears in the store only once all of its data was copied.`,
	Args: noArgs,
	RunE: runPull,
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Send offline runs to the platform",
	Long: `Send offline runs to the platform with their logs and outputs.

Runs are filed under the project recorded in each run, or under -p with
--reset-project. --clean removes a local run once the platform has it.`,
	Args: noArgs,
	RunE: runPush,
}

func init() {
	pullCmd.Flags().BoolVarP(&pullAll, "all", "a", false, "pull every run matching the query")
	pullCmd.Flags().StringVarP(&pullQuery, "query", "q", "", "filter for -a")
	pullCmd.Flags().IntVarP(&pullLimit, "limit", "l", 0, "maximum number of runs (default 1000)")
	pullCmd.Flags().IntVar(&pullOffset, "offset", 0, "number of runs to skip")
	pullCmd.Flags().BoolVar(&pullNoArtifacts, "no-artifacts", false, "copy the run record only")
	pullCmd.Flags().StringVar(&pullPath, "path", "", "offline store root")

	pushCmd.Flags().BoolVarP(&pushAll, "all", "a", false, "push every offline run")
	pushCmd.Flags().BoolVar(&pushNoArtifacts, "no-artifacts", false, "send the run record only")
	pushCmd.Flags().BoolVar(&pushClean, "clean", false, "remove pushed runs from the offline store")
	pushCmd.Flags().BoolVar(&pushResetProject, "reset-project", false, "file the runs under -p")
	pushCmd.Flags().StringVar(&pushPath, "path", "", "offline store root")

	opsCmd.AddCommand(pullCmd, pushCmd)
}

func runPull(cmd *cobra.Command, args []string) error {
	ref, err := runRef()
	if err != nil {
		return err
	}
	opts := syncer.PullOptions{
		Owner:       ref.Owner,
		Project:     ref.Project,
		UUID:        ref.UUID,
		All:         pullAll,
		Query:       pullQuery,
		NoArtifacts: pullNoArtifacts,
	}
	if cmd.Flags().Changed("limit") {
		opts.Limit = client.Int(pullLimit)
	}
	if cmd.Flags().Changed("offset") {
		opts.Offset = client.Int(pullOffset)
	}
	return withEngine(cmd, pullPath, func(e *engine.Engine) error {
		return e.Pull(cmd.Context(), opts)
	})
}

func runPush(cmd *cobra.Command, args []string) error {
	ref, err := runRef()
	if err != nil {
		return err
	}
	opts := syncer.PushOptions{
		UUID:         ref.UUID,
		All:          pushAll,
		NoArtifacts:  pushNoArtifacts,
		Clean:        pushClean,
		ResetProject: pushResetProject,
		Owner:        ref.Owner,
		Project:      ref.Project,
	}
	return withEngine(cmd, pushPath, func(e *engine.Engine) error {
		return e.Push(cmd.Context(), opts)
	})
}
