package testutil

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/plxctl/plx/internal/client"
	"github.com/plxctl/plx/internal/types"
)

// StatusPost is one condition the client reported for a run.
type StatusPost struct {
	UUID      string
	Condition types.StatusCondition
}

// Upload is one artifact or log file the client sent.
type Upload struct {
	UUID string
	Path string
	Data []byte
	Opts client.UploadOptions
}

// FakeRemote is an in-memory platform. It implements every method of the
// HTTP client that the engine and the syncer call, and records the calls.
type FakeRemote struct {
	mu sync.Mutex

	runs      map[string]*types.Run
	order     []string
	artifacts map[string]map[string][]byte
	logs      map[string][]types.LogLine
	lineages  map[string][]types.RunArtifact
	watch     map[string][]client.StatusEvent
	errs      map[string]error
	runErrs   map[string]error

	// NextUUID is the uuid given to the next restarted or resumed run.
	// A random one is used when empty.
	NextUUID string

	Calls     []string
	Posts     []StatusPost
	Patches   []map[string]any
	Restarts  []client.CloneBody
	Resumes   []client.CloneBody
	Transfers []string
	Synced    []*types.Run
	Uploads   []Upload
	LogUpload []Upload
}

// NewFakeRemote creates an empty platform.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		runs:      make(map[string]*types.Run),
		artifacts: make(map[string]map[string][]byte),
		logs:      make(map[string][]types.LogLine),
		lineages:  make(map[string][]types.RunArtifact),
		watch:     make(map[string][]client.StatusEvent),
		errs:      make(map[string]error),
		runErrs:   make(map[string]error),
	}
}

// AddRun stores a copy of run. Runs list in the order they were added.
func (f *FakeRemote) AddRun(run *types.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[run.UUID]; !ok {
		f.order = append(f.order, run.UUID)
	}
	f.runs[run.UUID] = cloneRun(run)
}

// Run returns a copy of the stored run.
func (f *FakeRemote) Run(uuid string) (*types.Run, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[uuid]
	if !ok {
		return nil, false
	}
	return cloneRun(run), true
}

// AddArtifact stores a file under the artifacts root of run uuid.
func (f *FakeRemote) AddArtifact(uuid, p string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.artifacts[uuid] == nil {
		f.artifacts[uuid] = make(map[string][]byte)
	}
	f.artifacts[uuid][strings.Trim(p, "/")] = data
}

// Artifact returns a stored artifact.
func (f *FakeRemote) Artifact(uuid, p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.artifacts[uuid][strings.Trim(p, "/")]
	return data, ok
}

// AddLogs appends lines to the logs of run uuid. They are served as a
// single page.
func (f *FakeRemote) AddLogs(uuid string, lines ...types.LogLine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[uuid] = append(f.logs[uuid], lines...)
}

// AddLineage registers an artifact lineage of run uuid.
func (f *FakeRemote) AddLineage(uuid string, lineage types.RunArtifact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lineages[uuid] = append(f.lineages[uuid], lineage)
}

// ScriptWatch sets the events WatchStatuses yields for run uuid. Each
// event also becomes the stored status as it is yielded.
func (f *FakeRemote) ScriptWatch(uuid string, events ...client.StatusEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watch[uuid] = events
}

// Fail makes every call of method return err.
func (f *FakeRemote) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = err
}

// FailRun makes every call touching run uuid return err.
func (f *FakeRemote) FailRun(uuid string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runErrs[uuid] = err
}

// Called reports whether method was called at least once.
func (f *FakeRemote) Called(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.Calls, method)
}

// PostedStatuses returns the condition types posted for run uuid, in order.
func (f *FakeRemote) PostedStatuses(uuid string) []types.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Status
	for _, p := range f.Posts {
		if p.UUID == uuid {
			out = append(out, p.Condition.Type)
		}
	}
	return out
}

// enter records a call and returns the injected error, if any. The caller
// holds f.mu.
func (f *FakeRemote) enter(method, uuid string) error {
	f.Calls = append(f.Calls, method)
	if err := f.errs[method]; err != nil {
		return err
	}
	if uuid != "" {
		if err := f.runErrs[uuid]; err != nil {
			return err
		}
	}
	return nil
}

// lookup returns the stored run. The caller holds f.mu.
func (f *FakeRemote) lookup(method, uuid string) (*types.Run, error) {
	run, ok := f.runs[uuid]
	if !ok {
		return nil, notFound(method, "runs/"+uuid)
	}
	return run, nil
}

func notFound(method, p string) error {
	return &client.APIError{StatusCode: http.StatusNotFound, Method: method, Path: p}
}

func cloneRun(run *types.Run) *types.Run {
	cp := *run
	cp.Tags = slices.Clone(run.Tags)
	cp.StatusConditions = slices.Clone(run.StatusConditions)
	return &cp
}

// ListRuns implements the runs listing. Equality clauses on status and
// pipeline filter the results; offset and limit page them.
func (f *FakeRemote) ListRuns(_ context.Context, owner, project string, params client.ListParams) (*types.ListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListRuns", ""); err != nil {
		return nil, err
	}
	query, err := client.ParseQuery(params.Query)
	if err != nil {
		return nil, err
	}

	var matched []*types.Run
	for _, id := range f.order {
		run := f.runs[id]
		if run.Owner != owner || run.Project != project || !matches(run, query) {
			continue
		}
		matched = append(matched, cloneRun(run))
	}

	resp := &types.ListResponse{Count: len(matched)}
	offset := 0
	if params.Offset != nil {
		offset = min(*params.Offset, len(matched))
	}
	end := len(matched)
	if params.Limit != nil {
		end = min(offset+*params.Limit, len(matched))
	}
	resp.Results = matched[offset:end]
	if end < len(matched) {
		resp.Next = fmt.Sprintf("offset=%d", end)
	}
	return resp, nil
}

func matches(run *types.Run, query client.Query) bool {
	for _, c := range query {
		if c.Op != client.OpEq {
			continue
		}
		var got string
		switch c.Field {
		case "status":
			got = string(run.Status)
		case "pipeline":
			if run.Pipeline != nil {
				got = run.Pipeline.UUID
			}
		default:
			continue
		}
		if (got == c.Values[0]) == c.Negate {
			return false
		}
	}
	return true
}

// GetRun implements the run detail.
func (f *FakeRemote) GetRun(_ context.Context, owner, project, uuid string) (*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetRun", uuid); err != nil {
		return nil, err
	}
	run, err := f.lookup("GET", uuid)
	if err != nil {
		return nil, err
	}
	return cloneRun(run), nil
}

// PatchRun applies name, description and tags.
func (f *FakeRemote) PatchRun(_ context.Context, owner, project, uuid string, fields map[string]any) (*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PatchRun", uuid); err != nil {
		return nil, err
	}
	run, err := f.lookup("PATCH", uuid)
	if err != nil {
		return nil, err
	}
	f.Patches = append(f.Patches, fields)
	for k, v := range fields {
		switch k {
		case "name":
			run.Name, _ = v.(string)
		case "description":
			run.Description, _ = v.(string)
		case "tags":
			run.Tags, _ = v.([]string)
		}
	}
	return cloneRun(run), nil
}

// DeleteRun removes the run.
func (f *FakeRemote) DeleteRun(_ context.Context, owner, project, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteRun", uuid); err != nil {
		return err
	}
	if _, err := f.lookup("DELETE", uuid); err != nil {
		return err
	}
	delete(f.runs, uuid)
	f.order = slices.DeleteFunc(f.order, func(id string) bool { return id == uuid })
	return nil
}

// action runs mutate on the stored run of uuid.
func (f *FakeRemote) action(method, uuid string, mutate func(*types.Run)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(method, uuid); err != nil {
		return err
	}
	run, err := f.lookup("POST", uuid)
	if err != nil {
		return err
	}
	mutate(run)
	return nil
}

func (f *FakeRemote) ApproveRun(_ context.Context, owner, project, uuid string) error {
	return f.action("ApproveRun", uuid, func(run *types.Run) {
		approved := true
		run.IsApproved = &approved
		run.Pending = types.PendingNone
		// The platform compiles an approved run.
		if run.Status == types.StatusCreated {
			run.Status = types.StatusCompiled
		}
	})
}

func (f *FakeRemote) StopRun(_ context.Context, owner, project, uuid string) error {
	return f.action("StopRun", uuid, func(run *types.Run) { run.Status = types.StatusStopping })
}

func (f *FakeRemote) SkipRun(_ context.Context, owner, project, uuid string) error {
	return f.action("SkipRun", uuid, func(run *types.Run) { run.Status = types.StatusSkipped })
}

func (f *FakeRemote) ArchiveRun(_ context.Context, owner, project, uuid string) error {
	return f.action("ArchiveRun", uuid, func(run *types.Run) {
		archived := types.LiveStateArchived
		run.LiveState = &archived
	})
}

func (f *FakeRemote) RestoreRun(_ context.Context, owner, project, uuid string) error {
	return f.action("RestoreRun", uuid, func(run *types.Run) { run.LiveState = nil })
}

func (f *FakeRemote) BookmarkRun(_ context.Context, owner, project, uuid string) error {
	return f.action("BookmarkRun", uuid, func(run *types.Run) {
		b := true
		run.Bookmarked = &b
	})
}

func (f *FakeRemote) UnbookmarkRun(_ context.Context, owner, project, uuid string) error {
	return f.action("UnbookmarkRun", uuid, func(run *types.Run) {
		b := false
		run.Bookmarked = &b
	})
}

func (f *FakeRemote) InvalidateRun(_ context.Context, owner, project, uuid string) error {
	return f.action("InvalidateRun", uuid, func(*types.Run) {})
}

// TransferRun moves the run to toProject.
func (f *FakeRemote) TransferRun(_ context.Context, owner, project, uuid, toProject string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TransferRun", uuid); err != nil {
		return err
	}
	run, err := f.lookup("POST", uuid)
	if err != nil {
		return err
	}
	run.Project = toProject
	f.Transfers = append(f.Transfers, toProject)
	return nil
}

// clone creates a new run whose original is uuid.
func (f *FakeRemote) clone(from string, kind types.CloningKind) (*types.Run, error) {
	source, err := f.lookup("POST", from)
	if err != nil {
		return nil, err
	}
	id := f.NextUUID
	if id == "" {
		id = strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	f.NextUUID = ""
	run := &types.Run{
		UUID:     id,
		Owner:    source.Owner,
		Project:  source.Project,
		Name:     source.Name,
		Kind:     source.Kind,
		Status:   types.StatusCreated,
		Original: &types.RunReference{UUID: source.UUID, Kind: kind},
	}
	f.runs[id] = run
	f.order = append(f.order, id)
	return cloneRun(run), nil
}

// RestartRun records body and creates the restarted run.
func (f *FakeRemote) RestartRun(_ context.Context, owner, project, uuid string, body client.CloneBody) (*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RestartRun", uuid); err != nil {
		return nil, err
	}
	f.Restarts = append(f.Restarts, body)
	kind := types.CloningRestart
	if body.Copy {
		kind = types.CloningCopy
	}
	return f.clone(uuid, kind)
}

// ResumeRun records body and creates the resumed run.
func (f *FakeRemote) ResumeRun(_ context.Context, owner, project, uuid string, body client.CloneBody) (*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ResumeRun", uuid); err != nil {
		return nil, err
	}
	f.Resumes = append(f.Resumes, body)
	return f.clone(uuid, types.CloningRestart)
}

// SyncRun stores the pushed run.
func (f *FakeRemote) SyncRun(_ context.Context, owner, project string, run *types.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SyncRun", run.UUID); err != nil {
		return err
	}
	cp := cloneRun(run)
	cp.Owner, cp.Project = owner, project
	f.Synced = append(f.Synced, cp)
	if _, ok := f.runs[run.UUID]; !ok {
		f.order = append(f.order, run.UUID)
	}
	f.runs[run.UUID] = cloneRun(cp)
	return nil
}

// GetRunStatuses returns the stored status and conditions.
func (f *FakeRemote) GetRunStatuses(_ context.Context, owner, project, uuid string) (*types.StatusesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetRunStatuses", uuid); err != nil {
		return nil, err
	}
	run, err := f.lookup("GET", uuid)
	if err != nil {
		return nil, err
	}
	return &types.StatusesResponse{
		UUID:             uuid,
		Status:           run.Status,
		StatusConditions: slices.Clone(run.StatusConditions),
	}, nil
}

// CreateRunStatus records cond and applies it to the stored run.
func (f *FakeRemote) CreateRunStatus(_ context.Context, owner, project, uuid string, cond types.StatusCondition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateRunStatus", uuid); err != nil {
		return err
	}
	run, err := f.lookup("POST", uuid)
	if err != nil {
		return err
	}
	f.Posts = append(f.Posts, StatusPost{UUID: uuid, Condition: cond})
	return run.SetStatus(cond)
}

// WatchStatuses yields the scripted events of uuid, or the stored status
// once when nothing is scripted.
func (f *FakeRemote) WatchStatuses(ctx context.Context, owner, project, uuid string) iter.Seq2[client.StatusEvent, error] {
	return func(yield func(client.StatusEvent, error) bool) {
		f.mu.Lock()
		err := f.enter("WatchStatuses", uuid)
		events := slices.Clone(f.watch[uuid])
		if err == nil && len(events) == 0 {
			var run *types.Run
			if run, err = f.lookup("GET", uuid); err == nil {
				events = []client.StatusEvent{{Status: run.Status, Conditions: slices.Clone(run.StatusConditions)}}
			}
		}
		f.mu.Unlock()
		if err != nil {
			yield(client.StatusEvent{}, err)
			return
		}

		for _, ev := range events {
			if ctx.Err() != nil {
				yield(client.StatusEvent{}, ctx.Err())
				return
			}
			f.mu.Lock()
			if run, ok := f.runs[uuid]; ok {
				run.Status = ev.Status
				run.StatusConditions = slices.Clone(ev.Conditions)
			}
			f.mu.Unlock()
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// ListRunArtifactsLineage filters the registered lineages with name and
// kind clauses.
func (f *FakeRemote) ListRunArtifactsLineage(_ context.Context, owner, project, uuid string, params client.ListParams) (*types.ArtifactsLineageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListRunArtifactsLineage", uuid); err != nil {
		return nil, err
	}
	query, err := client.ParseQuery(params.Query)
	if err != nil {
		return nil, err
	}
	var out []types.RunArtifact
	for _, l := range f.lineages[uuid] {
		keep := true
		for _, c := range query {
			var got string
			switch c.Field {
			case "name":
				got = l.Name
			case "kind":
				got = string(l.Kind)
			default:
				continue
			}
			if !slices.Contains(c.Values, got) {
				keep = false
			}
		}
		if keep {
			out = append(out, l)
		}
	}
	return &types.ArtifactsLineageResponse{Count: len(out), Results: out}, nil
}

// UploadRunArtifact stores content under opts.Path. Tarballs sent with
// Untar are unpacked.
func (f *FakeRemote) UploadRunArtifact(_ context.Context, owner, project, uuid, filename string, content io.Reader, opts client.UploadOptions) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UploadRunArtifact", uuid); err != nil {
		return err
	}
	f.Uploads = append(f.Uploads, Upload{UUID: uuid, Path: path.Join(opts.Path, filename), Data: data, Opts: opts})
	if f.artifacts[uuid] == nil {
		f.artifacts[uuid] = make(map[string][]byte)
	}
	if !opts.Untar {
		f.artifacts[uuid][strings.Trim(path.Join(opts.Path, filename), "/")] = data
		return nil
	}
	files, err := readTarGz(data)
	if err != nil {
		return err
	}
	for name, body := range files {
		f.artifacts[uuid][strings.Trim(path.Join(opts.Path, name), "/")] = body
	}
	return nil
}

// UploadRunLogs records a log file.
func (f *FakeRemote) UploadRunLogs(_ context.Context, owner, project, uuid, p string, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UploadRunLogs", uuid); err != nil {
		return err
	}
	f.LogUpload = append(f.LogUpload, Upload{UUID: uuid, Path: p, Data: data})
	return nil
}

// DownloadRunArtifact streams one stored file.
func (f *FakeRemote) DownloadRunArtifact(_ context.Context, ref client.RunRef, p string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DownloadRunArtifact", ref.UUID); err != nil {
		return nil, err
	}
	data, ok := f.artifacts[ref.UUID][strings.Trim(p, "/")]
	if !ok {
		return nil, notFound("GET", "artifact/"+p)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DownloadRunArtifacts streams the files under p as a gzipped tarball with
// names relative to p.
func (f *FakeRemote) DownloadRunArtifacts(_ context.Context, ref client.RunRef, p string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DownloadRunArtifacts", ref.UUID); err != nil {
		return nil, err
	}
	files := f.under(ref.UUID, p)
	if len(files) == 0 {
		return nil, notFound("GET", "artifacts/"+p)
	}
	data, err := writeTarGz(files)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// under returns the files below p keyed by their path relative to p. The
// caller holds f.mu.
func (f *FakeRemote) under(uuid, p string) map[string][]byte {
	prefix := strings.Trim(p, "/")
	if prefix != "" {
		prefix += "/"
	}
	out := make(map[string][]byte)
	for name, data := range f.artifacts[uuid] {
		if rel, ok := strings.CutPrefix(name, prefix); ok {
			out[rel] = data
		}
	}
	return out
}

// GetRunArtifactsTree lists the direct children of p.
func (f *FakeRemote) GetRunArtifactsTree(_ context.Context, ref client.RunRef, p string) (*types.ArtifactTreeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetRunArtifactsTree", ref.UUID); err != nil {
		return nil, err
	}
	files := f.under(ref.UUID, p)
	if len(files) == 0 && strings.Trim(p, "/") != "" {
		return nil, notFound("GET", "artifacts/tree/"+p)
	}
	tree := &types.ArtifactTreeEntry{Files: make(map[string]json.Number)}
	for rel, data := range files {
		if dir, _, nested := strings.Cut(rel, "/"); nested {
			if !slices.Contains(tree.Dirs, dir) {
				tree.Dirs = append(tree.Dirs, dir)
			}
			continue
		}
		tree.Files[rel] = json.Number(fmt.Sprint(len(data)))
	}
	sort.Strings(tree.Dirs)
	return tree, nil
}

// GetRunLogs serves every stored line on the first page and an empty page
// after it.
func (f *FakeRemote) GetRunLogs(_ context.Context, ref client.RunRef, cursor client.LogsCursor) (*types.LogsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetRunLogs", ref.UUID); err != nil {
		return nil, err
	}
	if cursor.LastFile != "" {
		return &types.LogsResponse{LastFile: cursor.LastFile}, nil
	}
	lines := slices.Clone(f.logs[ref.UUID])
	resp := &types.LogsResponse{Logs: lines, LastFile: "logs"}
	if n := len(lines); n > 0 {
		resp.LastTime = types.NewTime(lines[n-1].Timestamp)
	}
	return resp, nil
}

func writeTarGz(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(files[name])), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(files[name]); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readTarGz(data []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	out := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		out[hdr.Name] = body
	}
}
