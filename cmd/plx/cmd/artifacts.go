package cmd

import (
	"github.com/spf13/cobra"

	"github.com/plxctl/plx/internal/engine"
)

var (
	artifactsFiles   []string
	artifactsDirs    []string
	artifactsLNames  []string
	artifactsLKinds  []string
	artifactsPath    string
	artifactsNoUntar bool

	uploadPathFrom    string
	uploadPathTo      string
	uploadSyncFailure bool
	uploadOverwrite   bool
	uploadTar         bool
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Download artifacts of a run",
	Long: `Download artifacts of a run.

Files (-f) and directories (-d) are paths in the run's artifacts. Lineage
names (-l-name) and kinds (-l-kind) select registered artifacts. With no
selection the whole artifacts tree is downloaded. Every target is attempted;
the command fails if any of them failed.

Examples:
  plx ops artifacts -p acme/vision -uid 8aac02e3 -d outputs/plots
  plx ops artifacts -p acme/vision -uid 8aac02e3 -l-kind model --path ./models`,
	Args: noArgs,
	RunE: runArtifacts,
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload local files to the artifacts of a run",
	Args:  noArgs,
	RunE:  runUpload,
}

func init() {
	artifactsCmd.Flags().StringArrayVarP(&artifactsFiles, "file", "f", nil, "artifact file, repeatable")
	artifactsCmd.Flags().StringArrayVarP(&artifactsDirs, "dir", "d", nil, "artifact directory, repeatable")
	artifactsCmd.Flags().StringArrayVar(&artifactsLNames, "l-name", nil, "lineage name, repeatable")
	artifactsCmd.Flags().StringArrayVar(&artifactsLKinds, "l-kind", nil, "lineage kind, repeatable")
	artifactsCmd.Flags().StringVar(&artifactsPath, "path", "", "destination directory (default ./<uuid>)")
	artifactsCmd.Flags().BoolVar(&artifactsNoUntar, "no-untar", false, "keep downloaded archives packed")

	uploadCmd.Flags().StringVar(&uploadPathFrom, "path-from", "", "local file or directory (default: working directory)")
	uploadCmd.Flags().StringVar(&uploadPathTo, "path-to", "", "destination directory in the run's artifacts")
	uploadCmd.Flags().BoolVar(&uploadSyncFailure, "sync-failure", false, "mark the run failed when the upload fails")
	uploadCmd.Flags().BoolVar(&uploadOverwrite, "overwrite", false, "replace files that already exist")
	uploadCmd.Flags().BoolVar(&uploadTar, "tar", false, "send a directory as one archive")

	opsCmd.AddCommand(artifactsCmd, uploadCmd)
}

func runArtifacts(cmd *cobra.Command, args []string) error {
	ref, err := runRef()
	if err != nil {
		return err
	}
	opts := engine.ArtifactsOptions{
		Files:        artifactsFiles,
		Dirs:         artifactsDirs,
		LineageNames: artifactsLNames,
		LineageKinds: artifactsLKinds,
		PathTo:       artifactsPath,
		Untar:        !artifactsNoUntar,
	}
	return withEngine(cmd, "", func(e *engine.Engine) error {
		return e.Artifacts(cmd.Context(), ref, opts)
	})
}

func runUpload(cmd *cobra.Command, args []string) error {
	ref, err := runRef()
	if err != nil {
		return err
	}
	opts := engine.UploadOptions{
		PathFrom:    uploadPathFrom,
		PathTo:      uploadPathTo,
		Overwrite:   uploadOverwrite,
		Tar:         uploadTar,
		SyncFailure: uploadSyncFailure,
	}
	return withEngine(cmd, "", func(e *engine.Engine) error {
		return e.Upload(cmd.Context(), ref, opts)
	})
}
