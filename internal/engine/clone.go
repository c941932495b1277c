package engine

import (
	"context"

	"github.com/plxctl/plx/internal/client"
	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/types"
)

// CloneOptions describes the run created by Restart or Resume. Nil pointers
// and a nil Tags slice keep the values of the original run.
type CloneOptions struct {
	Name        *string
	Description *string
	Tags        []string
	// Files are YAML presets merged in order. With Recompile the merged
	// document replaces the content of the run; otherwise the platform
	// applies it on top of the compiled content.
	Files     []string
	Recompile bool

	// Copy clones the listed outputs of the original run into the new one.
	// The platform copies them before the content overlay is applied.
	Copy      bool
	CopyDirs  []string
	CopyFiles []string
}

func (o CloneOptions) body() (client.CloneBody, error) {
	body := client.CloneBody{
		Name:        o.Name,
		Description: o.Description,
		Recompile:   o.Recompile,
		Copy:        o.Copy,
		CopyDirs:    o.CopyDirs,
		CopyFiles:   o.CopyFiles,
	}
	if o.Tags != nil {
		tags, err := normalizeTags(o.Tags)
		if err != nil {
			return body, err
		}
		body.Tags = tags
	}
	content, err := LoadPresets(o.Files)
	if err != nil {
		return body, err
	}
	if content != "" {
		body.Content = &content
	}
	if !o.Copy && (len(o.CopyDirs) > 0 || len(o.CopyFiles) > 0) {
		return body, plxerrors.InvalidInput("--copy-dir and --copy-file require --copy")
	}
	return body, nil
}

// Restart creates a new run from an existing one. With Copy the new run
// starts with the listed outputs of the original.
func (e *Engine) Restart(ctx context.Context, ref Ref, opts CloneOptions) (*types.Run, error) {
	if err := e.remoteRef(ref); err != nil {
		return nil, err
	}
	body, err := opts.body()
	if err != nil {
		return nil, err
	}
	run, err := e.remote.RestartRun(ctx, ref.Owner, ref.Project, ref.UUID, body)
	if err != nil {
		return nil, err
	}
	if opts.Copy {
		e.printf("Run was copied with uid %s", run.UUID)
	} else {
		e.printf("Run was restarted with uid %s", run.UUID)
	}
	return run, nil
}

// Resume continues a failed or stopped run.
func (e *Engine) Resume(ctx context.Context, ref Ref, opts CloneOptions) (*types.Run, error) {
	if err := e.remoteRef(ref); err != nil {
		return nil, err
	}
	if opts.Copy || len(opts.CopyDirs) > 0 || len(opts.CopyFiles) > 0 {
		return nil, plxerrors.InvalidInput("resume does not copy outputs, use restart --copy")
	}
	current, err := e.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanResume() {
		return nil, plxerrors.InvalidState(ref.UUID, "resume", string(current.Status))
	}
	body, err := opts.body()
	if err != nil {
		return nil, err
	}
	run, err := e.remote.ResumeRun(ctx, ref.Owner, ref.Project, ref.UUID, body)
	if err != nil {
		return nil, err
	}
	e.printf("Run was resumed with uid %s", run.UUID)
	return run, nil
}
