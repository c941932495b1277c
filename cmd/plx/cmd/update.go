package cmd

import (
	"github.com/spf13/cobra"

	"github.com/plxctl/plx/internal/engine"
)

var (
	updateName        string
	updateDescription string
	updateTags        []string
	updateOffline     bool
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Change the name, description or tags of a run",
	Long: `Change the name, description or tags of a run.

Only the flags that are passed are sent. Tags replace the current tags.`,
	Args: noArgs,
	RunE: runUpdate,
}

func init() {
	updateCmd.Flags().StringVar(&updateName, "name", "", "new name")
	updateCmd.Flags().StringVar(&updateDescription, "description", "", "new description")
	updateCmd.Flags().StringSliceVar(&updateTags, "tags", nil, "comma separated tags")
	updateCmd.Flags().BoolVar(&updateOffline, "offline", false, "update the run in the offline store")
	opsCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ref, err := runRef()
	if err != nil {
		return err
	}
	if err := requireUID(ref); err != nil {
		return err
	}

	fields := map[string]any{}
	if cmd.Flags().Changed("name") {
		fields["name"] = updateName
	}
	if cmd.Flags().Changed("description") {
		fields["description"] = updateDescription
	}
	if cmd.Flags().Changed("tags") {
		fields["tags"] = updateTags
	}

	return withEngine(cmd, "", func(e *engine.Engine) error {
		_, err := e.Update(cmd.Context(), ref, fields, updateOffline)
		return err
	})
}
