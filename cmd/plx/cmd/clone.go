package cmd

import (
	"github.com/spf13/cobra"

	"github.com/plxctl/plx/internal/engine"
)

// Flags of restart and resume. Both commands bind the same variables;
// one invocation runs one of them.
var (
	cloneName        string
	cloneDescription string
	cloneTags        []string
	cloneFiles       []string
	cloneRecompile   bool
	cloneCopy        bool
	cloneCopyDirs    []string
	cloneCopyFiles   []string
)

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart a run as a new run",
	Long: `Restart a run as a new run.

With --copy the new run starts with a copy of the outputs of the original;
--copy-dir and --copy-file limit the copy to the listed paths. Presets
passed with -f are merged in order and applied on top of the run content,
or replace it with --recompile.`,
	Args: noArgs,
	RunE: runRestart,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a stopped or failed run",
	Args:  noArgs,
	RunE:  runResume,
}

func init() {
	for _, c := range []*cobra.Command{restartCmd, resumeCmd} {
		c.Flags().StringVar(&cloneName, "name", "", "name of the new run")
		c.Flags().StringVar(&cloneDescription, "description", "", "description of the new run")
		c.Flags().StringSliceVar(&cloneTags, "tags", nil, "comma separated tags")
		c.Flags().StringArrayVarP(&cloneFiles, "file", "f", nil, "YAML preset, repeatable")
		c.Flags().BoolVar(&cloneRecompile, "recompile", false, "replace the run content with the presets")
	}
	restartCmd.Flags().BoolVar(&cloneCopy, "copy", false, "copy the outputs of the original run")
	restartCmd.Flags().StringArrayVar(&cloneCopyDirs, "copy-dir", nil, "output directory to copy, repeatable")
	restartCmd.Flags().StringArrayVar(&cloneCopyFiles, "copy-file", nil, "output file to copy, repeatable")

	opsCmd.AddCommand(restartCmd, resumeCmd)
}

func cloneOptions(cmd *cobra.Command) engine.CloneOptions {
	opts := engine.CloneOptions{
		Tags:      cloneTags,
		Files:     cloneFiles,
		Recompile: cloneRecompile,
		Copy:      cloneCopy,
		CopyDirs:  cloneCopyDirs,
		CopyFiles: cloneCopyFiles,
	}
	if cmd.Flags().Changed("name") {
		opts.Name = &cloneName
	}
	if cmd.Flags().Changed("description") {
		opts.Description = &cloneDescription
	}
	return opts
}

func runRestart(cmd *cobra.Command, args []string) error {
	ref, err := runRef()
	if err != nil {
		return err
	}
	opts := cloneOptions(cmd)
	return withEngine(cmd, "", func(e *engine.Engine) error {
		_, err := e.Restart(cmd.Context(), ref, opts)
		return err
	})
}

func runResume(cmd *cobra.Command, args []string) error {
	ref, err := runRef()
	if err != nil {
		return err
	}
	opts := cloneOptions(cmd)
	return withEngine(cmd, "", func(e *engine.Engine) error {
		_, err := e.Resume(cmd.Context(), ref, opts)
		return err
	})
}
