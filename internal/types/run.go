package types

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"

	plxerrors "github.com/plxctl/plx/internal/errors"
)

// RunKind is the shape of a run.
type RunKind string

const (
	KindJob      RunKind = "job"
	KindService  RunKind = "service"
	KindDag      RunKind = "dag"
	KindMatrix   RunKind = "matrix"
	KindSchedule RunKind = "schedule"
	KindMapping  RunKind = "mapping"
	KindTuner    RunKind = "tuner"
	KindNotifier RunKind = "notifier"
	KindCleaner  RunKind = "cleaner"
	KindWatchdog RunKind = "watchdog"
)

// PendingState explains why a run is held.
type PendingState string

const (
	PendingNone     PendingState = ""
	PendingUpload   PendingState = "upload"
	PendingApproval PendingState = "approval"
	PendingCache    PendingState = "cache"
)

// CloningKind records how a run was derived from another one.
type CloningKind string

const (
	CloningRestart  CloningKind = "restart"
	CloningCopy     CloningKind = "copy"
	CloningCacheHit CloningKind = "cache"
)

// Live states.
const (
	LiveStateArchived = 0
	LiveStateLive     = 1
)

// RunReference points at another run.
type RunReference struct {
	UUID string      `json:"uuid"`
	Name string      `json:"name,omitempty"`
	Kind CloningKind `json:"kind,omitempty"`
}

// AgentReference identifies the agent a run is placed on.
type AgentReference struct {
	UUID    string `json:"uuid,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// ConnectionReference identifies an artifacts store connection.
type ConnectionReference struct {
	UUID string `json:"uuid,omitempty"`
	Name string `json:"name,omitempty"`
}

// RunSettings holds placement details. Unknown members are preserved.
type RunSettings struct {
	Namespace      string               `json:"namespace,omitempty"`
	Agent          *AgentReference      `json:"agent,omitempty"`
	ArtifactsStore *ConnectionReference `json:"artifacts_store,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *RunSettings) UnmarshalJSON(data []byte) error {
	type alias RunSettings
	var a alias
	extra, err := decodeWithExtra(data, &a)
	if err != nil {
		return err
	}
	*s = RunSettings(a)
	s.Extra = extra
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s RunSettings) MarshalJSON() ([]byte, error) {
	type alias RunSettings
	return encodeWithExtra(alias(s), s.Extra)
}

// Run is the central record the client manipulates. Members the client does
// not model are kept in Extra and written back unchanged.
type Run struct {
	// Identity
	UUID    string `json:"uuid"`
	Owner   string `json:"owner,omitempty"`
	Project string `json:"project,omitempty"`
	Name    string `json:"name,omitempty"`

	// Descriptive
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Readme      string   `json:"readme,omitempty"`

	// Shape
	Kind    RunKind `json:"kind,omitempty"`
	Runtime RunKind `json:"runtime,omitempty"`

	// Payload
	Content    string `json:"content,omitempty"`
	RawContent string `json:"raw_content,omitempty"`

	// Bindings
	Inputs  map[string]any `json:"inputs,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`

	// Timeline
	CreatedAt  *Time    `json:"created_at,omitempty"`
	UpdatedAt  *Time    `json:"updated_at,omitempty"`
	ScheduleAt *Time    `json:"schedule_at,omitempty"`
	StartedAt  *Time    `json:"started_at,omitempty"`
	FinishedAt *Time    `json:"finished_at,omitempty"`
	WaitTime   *float64 `json:"wait_time,omitempty"`
	Duration   *float64 `json:"duration,omitempty"`

	// State
	Status           Status            `json:"status,omitempty"`
	StatusConditions []StatusCondition `json:"status_conditions,omitempty"`
	Pending          PendingState      `json:"pending,omitempty"`
	IsApproved       *bool             `json:"is_approved,omitempty"`
	IsManaged        *bool             `json:"is_managed,omitempty"`
	Bookmarked       *bool             `json:"bookmarked,omitempty"`
	LiveState        *int              `json:"live_state,omitempty"`

	// Relations
	Original *RunReference `json:"original,omitempty"`
	Pipeline *RunReference `json:"pipeline,omitempty"`

	// Placement
	Settings *RunSettings   `json:"settings,omitempty"`
	MetaInfo map[string]any `json:"meta_info,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Run) UnmarshalJSON(data []byte) error {
	type alias Run
	var a alias
	extra, err := decodeWithExtra(data, &a)
	if err != nil {
		return err
	}
	*r = Run(a)
	r.Extra = extra
	return nil
}

// MarshalJSON implements json.Marshaler. Keys are sorted.
func (r Run) MarshalJSON() ([]byte, error) {
	type alias Run
	return encodeWithExtra(alias(r), r.Extra)
}

// NewRun creates a run in status created with a fresh uuid.
func NewRun(owner, project, name string) *Run {
	return &Run{
		UUID:    strings.ReplaceAll(uuid.NewString(), "-", ""),
		Owner:   owner,
		Project: project,
		Name:    name,
		Status:  StatusCreated,
	}
}

// RunFromMap builds a run from a decoded generic record.
func RunFromMap(m map[string]any) (*Run, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ToMap renders the run as a generic record, unknown members included.
func (r *Run) ToMap() (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ValidUUID reports whether s is a run identifier, with or without dashes.
func ValidUUID(s string) bool {
	return uuid.Validate(s) == nil
}

// Approved reports whether the run was approved.
func (r *Run) Approved() bool {
	return r.IsApproved != nil && *r.IsApproved
}

// Managed reports whether the run is managed by the platform.
func (r *Run) Managed() bool {
	return r.IsManaged == nil || *r.IsManaged
}

// IsBookmarked reports whether the run is bookmarked.
func (r *Run) IsBookmarked() bool {
	return r.Bookmarked != nil && *r.Bookmarked
}

// IsArchived reports whether the run was archived.
func (r *Run) IsArchived() bool {
	return r.LiveState != nil && *r.LiveState == LiveStateArchived
}

// Namespace returns the placement namespace, or "".
func (r *Run) Namespace() string {
	if r.Settings == nil {
		return ""
	}
	return r.Settings.Namespace
}

// Replicas returns the replica count recorded in meta_info, defaulting to 1.
func (r *Run) Replicas() int {
	switch v := r.MetaInfo["replicas"].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case float64:
		return int(v)
	case int:
		return v
	}
	return 1
}

// IsPipeline reports whether the run spawns child runs.
func (r *Run) IsPipeline() bool {
	switch r.Kind {
	case KindDag, KindMatrix, KindSchedule, KindMapping:
		return true
	case KindService:
		return r.Replicas() > 1
	}
	return false
}

// ComputeDuration sets Duration from the timeline when both ends are known.
func (r *Run) ComputeDuration() {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return
	}
	d := r.FinishedAt.Sub(r.StartedAt.Time).Seconds()
	d = math.Round(d*1000) / 1000
	r.Duration = &d
}

// Validate checks the record invariants.
func (r *Run) Validate() error {
	if r.UUID == "" {
		return plxerrors.InvalidInput("run uuid is required")
	}
	if r.Status != "" && !r.Status.Valid() {
		return plxerrors.InvalidInput("run %s has unknown status %q", r.UUID, r.Status)
	}
	if r.StartedAt != nil && r.FinishedAt != nil && r.FinishedAt.Before(r.StartedAt.Time) {
		return plxerrors.InvalidInput("run %s finished before it started", r.UUID)
	}
	if current := CurrentStatus(r.StatusConditions); current != "" && r.Status != "" && current != r.Status {
		return plxerrors.InvalidInput("run %s status %s disagrees with latest condition %s", r.UUID, r.Status, current)
	}
	return nil
}

// SetStatus appends cond and moves the status when the condition is True.
// A terminal run accepts no further non-terminal conditions.
func (r *Run) SetStatus(cond StatusCondition) error {
	if r.Status.IsDone() && !cond.Type.IsDone() {
		return plxerrors.InvalidTransition(r.UUID, string(r.Status), string(cond.Type))
	}
	r.StatusConditions = append(r.StatusConditions, cond)
	if cond.IsTrue() {
		r.Status = cond.Type
		if cond.Type.IsRunning() && r.StartedAt == nil {
			r.StartedAt = cond.LastTransitionTime
		}
		if cond.Type.IsDone() && r.FinishedAt == nil {
			r.FinishedAt = cond.LastTransitionTime
			r.ComputeDuration()
		}
	}
	return nil
}

// Ports returns the exposed service ports from meta_info.
func (r *Run) Ports() []int {
	raw, ok := r.MetaInfo["ports"].([]any)
	if !ok {
		return nil
	}
	var ports []int
	for _, p := range raw {
		switch v := p.(type) {
		case json.Number:
			if n, err := v.Int64(); err == nil {
				ports = append(ports, int(n))
			}
		case float64:
			ports = append(ports, int(v))
		case int:
			ports = append(ports, v)
		}
	}
	sort.Ints(ports)
	return ports
}

// DashboardURL returns the UI page of the run.
func (r *Run) DashboardURL(dashboard string) string {
	return fmt.Sprintf("%s/ui/%s/%s/runs/%s",
		strings.TrimRight(dashboard, "/"), url.PathEscape(r.Owner), url.PathEscape(r.Project), r.UUID)
}

// ExternalURL returns the address of a service run. Services need at least
// one port before they expose anything.
func (r *Run) ExternalURL(dashboard string) (string, error) {
	if r.Kind != KindService {
		return "", plxerrors.InvalidInput("run %s is a %s, not a service", r.UUID, r.Kind)
	}
	ports := r.Ports()
	if len(ports) == 0 {
		return "", plxerrors.InvalidInput("service run %s does not expose any port", r.UUID)
	}
	kind := "services"
	if external, _ := r.MetaInfo["is_external"].(bool); external {
		kind = "external"
	}
	base := strings.TrimRight(dashboard, "/")
	u := fmt.Sprintf("%s/%s/v1/%s/%s/%s/runs/%s/%d",
		base, kind, r.Namespace(), r.Owner, r.Project, r.UUID, ports[0])
	if rewrite, _ := r.MetaInfo["rewrite_path"].(bool); rewrite {
		u = strings.Replace(u, "/"+kind+"/v1/", "/rewrite-"+kind+"/v1/", 1)
	}
	return u, nil
}
