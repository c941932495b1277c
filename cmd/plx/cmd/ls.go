package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/plxctl/plx/internal/client"
	"github.com/plxctl/plx/internal/engine"
	"github.com/plxctl/plx/internal/status"
)

var (
	lsQuery   string
	lsSort    string
	lsLimit   int
	lsOffset  int
	lsOffline bool
	lsPath    string
	lsOutput  string
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List runs",
	Long: `List the runs of a project, or the runs in the offline store.

Examples:
  plx ops ls -p acme/vision
  plx ops ls -p acme/vision -q "status: running" -s "-created_at" -l 20
  plx ops ls --offline
  plx ops ls -p acme/vision -o path=runs.json`,
	Args: noArgs,
	RunE: runLs,
}

func init() {
	lsCmd.Flags().StringVarP(&lsQuery, "query", "q", "", "filter, e.g. \"status: running|failed\"")
	lsCmd.Flags().StringVarP(&lsSort, "sort", "s", "", "sort order, e.g. \"-created_at\"")
	lsCmd.Flags().IntVarP(&lsLimit, "limit", "l", 0, "maximum number of runs")
	lsCmd.Flags().IntVar(&lsOffset, "offset", 0, "number of runs to skip")
	lsCmd.Flags().BoolVar(&lsOffline, "offline", false, "list runs in the offline store")
	lsCmd.Flags().StringVar(&lsPath, "path", "", "offline store root")
	lsCmd.Flags().StringVarP(&lsOutput, "output", "o", "", "json or path=FILE")
	opsCmd.AddCommand(lsCmd)
}

func runLs(cmd *cobra.Command, args []string) error {
	out, err := parseOutput(lsOutput)
	if err != nil {
		return err
	}
	ref, err := runRef()
	if err != nil {
		return err
	}

	opts := engine.ListOptions{
		Owner:   ref.Owner,
		Project: ref.Project,
		Offline: lsOffline,
		Params: client.ListParams{
			Query: lsQuery,
			Sort:  lsSort,
		},
	}
	if cmd.Flags().Changed("limit") {
		opts.Params.Limit = client.Int(lsLimit)
	}
	if cmd.Flags().Changed("offset") {
		opts.Params.Offset = client.Int(lsOffset)
	}

	return withEngine(cmd, lsPath, func(e *engine.Engine) error {
		resp, err := e.List(cmd.Context(), opts)
		if err != nil {
			return err
		}
		if out.JSON {
			data, err := marshalJSON(resp)
			if err != nil {
				return err
			}
			return out.write(cmd.OutOrStdout(), data)
		}
		summaries := status.Summaries(resp.Results, time.Now())
		fmt.Fprint(cmd.OutOrStdout(), status.FormatRunList(summaries, status.FormatOptions{NoColor: noColor}))
		return nil
	})
}
