package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/plxctl/plx/internal/cli"
	"github.com/plxctl/plx/internal/client"
	"github.com/plxctl/plx/internal/config"
	"github.com/plxctl/plx/internal/engine"
	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/logging"
	"github.com/plxctl/plx/internal/offline"
	"github.com/plxctl/plx/internal/telemetry"
)

// Flags shared by every ops subcommand.
var (
	opsProject string
	opsUID     string
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Manage runs",
	Long: `Manage runs on the platform and in the offline store.

Most subcommands address one run with -p owner/project and -uid UUID.
Commands that accept --offline read and write the local store instead of
the platform.`,
}

func init() {
	opsCmd.PersistentFlags().StringVarP(&opsProject, "project", "p", "", "project as owner/project")
	opsCmd.PersistentFlags().StringVar(&opsUID, "uid", "", "run uuid")
	rootCmd.AddCommand(opsCmd)
}

// session is everything one ops invocation needs.
type session struct {
	cfg      *config.Config
	engine   *engine.Engine
	closers  []func() error
	shutdown telemetry.Shutdown
}

// openSession loads the configuration, applies the global flags and builds
// the engine. storePath overrides the offline root when set.
func openSession(cmd *cobra.Command, storePath string) (*session, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, plxerrors.Wrap(plxerrors.CodeInternal, "getting working directory", err)
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err == nil {
			err = cfg.ApplyEnv(os.LookupEnv)
		}
	} else {
		cfg, err = config.LoadFromDir(cwd)
	}
	if err != nil {
		return nil, plxerrors.Wrap(plxerrors.CodeInputInvalid, "loading config", err)
	}

	if host != "" {
		cfg.Client.Host = host
	}
	if offlineRoot != "" {
		cfg.Offline.Root = offlineRoot
	}
	if storePath != "" {
		cfg.Offline.Root = storePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, plxerrors.Wrap(plxerrors.CodeInputInvalid, "invalid config", err)
	}

	s := &session{cfg: cfg}
	logger, closer, err := logging.NewFromConfig(cfg, cwd, cmd.ErrOrStderr(), verbose)
	if err != nil {
		return nil, plxerrors.IOWriteError(cfg.LogFile(cwd), err)
	}
	if closer != nil {
		s.closers = append(s.closers, closer.Close)
	}

	shutdown, err := telemetry.Init(cmd.Context(), cfg.Telemetry, Version)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		shutdown = nil
	}
	s.shutdown = shutdown

	remote, err := client.New(client.ConfigFrom(cfg, logger))
	if err != nil {
		s.Close()
		return nil, err
	}

	root := cfg.OfflineRoot(cwd)
	store, err := offline.NewStore(root, "")
	if err != nil {
		s.Close()
		return nil, err
	}
	cache, err := offline.NewStore(root, offline.KindCache)
	if err != nil {
		logger.Warn("run cache disabled", "error", err)
		cache = nil
	}

	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()
	s.engine = engine.New(engine.Options{
		Config: cfg,
		Remote: remote,
		Store:  store,
		Cache:  cache,
		Logger: logger,
		Out:    out,
		Confirm: func(prompt string) (bool, error) {
			return cli.Confirm(in, out, prompt, false)
		},
		NoColor: noColor,
	})
	logger.Debug("session opened", "host", cfg.Client.Host, "offline_root", store.Base())
	return s, nil
}

// Close flushes telemetry and closes the log file.
func (s *session) Close() {
	if s.shutdown != nil {
		ctx, cancel := shutdownContext()
		defer cancel()
		_ = s.shutdown(ctx)
	}
	for _, c := range s.closers {
		_ = c()
	}
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// withEngine opens a session, runs fn and closes the session.
func withEngine(cmd *cobra.Command, storePath string, fn func(e *engine.Engine) error) error {
	s, err := openSession(cmd, storePath)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s.engine)
}

// runRef builds the run reference from -p and -uid. The project may be
// empty for offline operations.
func runRef() (engine.Ref, error) {
	ref := engine.Ref{UUID: strings.TrimSpace(opsUID)}
	if opsProject != "" {
		owner, project, err := engine.ParseProject(opsProject)
		if err != nil {
			return ref, err
		}
		ref.Owner, ref.Project = owner, project
	}
	return ref, nil
}

// output is the destination selected by -o.
type output struct {
	JSON bool
	Path string
}

// parseOutput reads "json" or "path=FILE". An empty value selects the
// human-readable format.
func parseOutput(s string) (output, error) {
	switch {
	case s == "":
		return output{}, nil
	case s == "json":
		return output{JSON: true}, nil
	case strings.HasPrefix(s, "path="):
		p := strings.TrimPrefix(s, "path=")
		if p == "" {
			return output{}, plxerrors.InvalidInput("-o path= needs a file name")
		}
		return output{JSON: true, Path: p}, nil
	}
	return output{}, plxerrors.InvalidInput("unsupported output %q, use json or path=FILE", s)
}

// write emits data as selected: to the file when Path is set, otherwise
// to w.
func (o output) write(w io.Writer, data []byte) error {
	if o.Path != "" {
		if err := offline.WriteFileAtomic(o.Path, data, 0644); err != nil {
			return err
		}
		fmt.Fprintf(w, "Output written to %s\n", o.Path)
		return nil
	}
	_, err := fmt.Fprintln(w, string(data))
	return err
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, plxerrors.Wrap(plxerrors.CodeInternal, "encoding output", err)
	}
	return data, nil
}

// requireUID reports a missing -uid as invalid input.
func requireUID(ref engine.Ref) error {
	if ref.UUID == "" {
		return plxerrors.New(plxerrors.CodeInputMissing, "a run uuid is required, pass -uid")
	}
	return nil
}
