package types

import (
	"encoding/json"
	"path"
	"strings"
)

// ArtifactKind classifies a lineage record.
type ArtifactKind string

const (
	ArtifactModel       ArtifactKind = "model"
	ArtifactAudio       ArtifactKind = "audio"
	ArtifactImage       ArtifactKind = "image"
	ArtifactVideo       ArtifactKind = "video"
	ArtifactHistogram   ArtifactKind = "histogram"
	ArtifactHTML        ArtifactKind = "html"
	ArtifactText        ArtifactKind = "text"
	ArtifactChart       ArtifactKind = "chart"
	ArtifactCurve       ArtifactKind = "curve"
	ArtifactConfusion   ArtifactKind = "confusion"
	ArtifactAnalysis    ArtifactKind = "analysis"
	ArtifactIteration   ArtifactKind = "iteration"
	ArtifactMarkdown    ArtifactKind = "markdown"
	ArtifactSystem      ArtifactKind = "system"
	ArtifactArtifact    ArtifactKind = "artifact"
	ArtifactDataframe   ArtifactKind = "dataframe"
	ArtifactPsv         ArtifactKind = "psv"
	ArtifactCsv         ArtifactKind = "csv"
	ArtifactTsv         ArtifactKind = "tsv"
	ArtifactFile        ArtifactKind = "file"
	ArtifactDir         ArtifactKind = "dir"
	ArtifactDockerfile  ArtifactKind = "dockerfile"
	ArtifactDockerImage ArtifactKind = "docker_image"
	ArtifactData        ArtifactKind = "data"
	ArtifactCoderef     ArtifactKind = "coderef"
	ArtifactTable       ArtifactKind = "table"
	ArtifactTensor      ArtifactKind = "tensor"
	ArtifactDataset     ArtifactKind = "dataset"
	ArtifactEnv         ArtifactKind = "env"
	ArtifactMetric      ArtifactKind = "metric"
	ArtifactSpan        ArtifactKind = "span"
)

// RunArtifact is a lineage record: a named, kinded reference from a run to
// an artifact.
type RunArtifact struct {
	Name       string         `json:"name"`
	Kind       ArtifactKind   `json:"kind"`
	Path       string         `json:"path,omitempty"`
	State      string         `json:"state,omitempty"`
	Summary    map[string]any `json:"summary,omitempty"`
	IsInput    bool           `json:"is_input,omitempty"`
	Run        string         `json:"run,omitempty"`
	Connection string         `json:"connection,omitempty"`
	Meta       map[string]any `json:"meta_info,omitempty"`
}

// IsDir reports whether the lineage points at a directory.
func (a RunArtifact) IsDir() bool {
	switch a.Kind {
	case ArtifactDir:
		return true
	case ArtifactFile:
		return false
	}
	return !looksLikeFile(a.ResolvePath())
}

// ResolvePath returns the artifact path relative to the run's artifacts
// root. Lineages without an explicit path fall back to their summary.
func (a RunArtifact) ResolvePath() string {
	p := a.Path
	if p == "" {
		if s, ok := a.Summary["path"].(string); ok {
			p = s
		}
	}
	if p == "" {
		return ""
	}
	// Paths recorded by the server may be prefixed with the run uuid.
	if a.Run != "" {
		p = strings.TrimPrefix(p, a.Run+"/")
	}
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func looksLikeFile(p string) bool {
	return path.Ext(p) != ""
}

// ArtifactTreeEntry is one level of the streams artifact tree.
type ArtifactTreeEntry struct {
	Files map[string]json.Number `json:"files,omitempty"`
	Dirs  []string               `json:"dirs,omitempty"`
}
