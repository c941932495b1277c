package logs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/plxctl/plx/internal/client"
	"github.com/plxctl/plx/internal/logging"
	"github.com/plxctl/plx/internal/offline"
	"github.com/plxctl/plx/internal/types"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(sec int, container, value string) types.LogLine {
	return types.LogLine{Timestamp: t0.Add(time.Duration(sec) * time.Second), Container: container, Value: value}
}

// scriptSource replays a fixed sequence of lines and errors, then returns
// after (io.EOF when nil).
type scriptSource struct {
	steps  []any
	after  error
	closed bool
}

func (s *scriptSource) Next(ctx context.Context) (types.LogLine, error) {
	if err := ctx.Err(); err != nil {
		return types.LogLine{}, err
	}
	if len(s.steps) == 0 {
		if s.after != nil {
			return types.LogLine{}, s.after
		}
		return types.LogLine{}, io.EOF
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if err, ok := step.(error); ok {
		return types.LogLine{}, err
	}
	return step.(types.LogLine), nil
}

func (s *scriptSource) Close() error {
	s.closed = true
	return nil
}

func collect(lines *[]types.LogLine) func(types.LogLine) error {
	return func(l types.LogLine) error {
		*lines = append(*lines, l)
		return nil
	}
}

func values(lines []types.LogLine) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.Value
	}
	return strings.Join(parts, ",")
}

func assertMonotonic(t *testing.T, lines []types.LogLine) {
	t.Helper()
	for i := 1; i < len(lines); i++ {
		if lines[i].Timestamp.Before(lines[i-1].Timestamp) {
			t.Fatalf("line %d (%v) is older than line %d (%v)", i, lines[i].Timestamp, i-1, lines[i-1].Timestamp)
		}
	}
}

func TestStreamer_MergesByTimestamp(t *testing.T) {
	a := NewSliceSource([]types.LogLine{at(1, "a", "a1"), at(4, "a", "a4"), at(6, "a", "a6")})
	b := NewSliceSource([]types.LogLine{at(2, "b", "b2"), at(3, "b", "b3")})
	c := NewSliceSource([]types.LogLine{at(5, "c", "c5")})

	var got []types.LogLine
	s := &Streamer{Sources: []Source{a, b, c}, Logger: logging.NewForTest()}
	if err := s.Run(context.Background(), collect(&got)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if want := "a1,b2,b3,a4,c5,a6"; values(got) != want {
		t.Errorf("order = %s, want %s", values(got), want)
	}
	assertMonotonic(t, got)
}

func TestStreamer_TiesKeepSourceOrder(t *testing.T) {
	a := NewSliceSource([]types.LogLine{at(1, "a", "a")})
	b := NewSliceSource([]types.LogLine{at(1, "b", "b")})

	var got []types.LogLine
	s := &Streamer{Sources: []Source{b, a}}
	if err := s.Run(context.Background(), collect(&got)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if values(got) != "b,a" {
		t.Errorf("order = %s, want b,a", values(got))
	}
}

func TestStreamer_NoSources(t *testing.T) {
	s := &Streamer{}
	if err := s.Run(context.Background(), func(types.LogLine) error { t.Fatal("unexpected line"); return nil }); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestStreamer_ClampsLateLines(t *testing.T) {
	late := &scriptSource{steps: []any{ErrNoData, at(1, "b", "late")}}
	early := NewSliceSource([]types.LogLine{at(5, "a", "early")})

	var got []types.LogLine
	s := &Streamer{Sources: []Source{early, late}, Follow: true, PollInterval: 50 * time.Millisecond}
	if err := s.Run(context.Background(), collect(&got)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if values(got) != "early,late" {
		t.Fatalf("order = %s", values(got))
	}
	if !got[1].Timestamp.Equal(got[0].Timestamp) {
		t.Errorf("late line timestamp = %v, want clamped to %v", got[1].Timestamp, got[0].Timestamp)
	}
}

func TestStreamer_FollowDrainsOnceDone(t *testing.T) {
	src := &scriptSource{steps: []any{at(1, "a", "first"), ErrNoData, ErrNoData, at(2, "a", "second")}, after: ErrNoData}
	checks := 0
	done := func(context.Context) bool {
		checks++
		return checks >= 2
	}

	var got []types.LogLine
	s := &Streamer{Sources: []Source{src}, Follow: true, PollInterval: time.Millisecond, Done: done}
	if err := s.Run(context.Background(), collect(&got)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if values(got) != "first,second" {
		t.Errorf("lines = %s, want first,second", values(got))
	}
	if !src.closed {
		t.Error("source not closed")
	}
}

func TestStreamer_WithoutFollowNoDataEnds(t *testing.T) {
	src := &scriptSource{steps: []any{at(1, "a", "only"), ErrNoData}}

	var got []types.LogLine
	s := &Streamer{Sources: []Source{src}}
	if err := s.Run(context.Background(), collect(&got)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if values(got) != "only" {
		t.Errorf("lines = %s", values(got))
	}
}

func TestStreamer_Cancellation(t *testing.T) {
	src := &scriptSource{steps: []any{at(1, "a", "1"), at(2, "a", "2")}, after: ErrNoData}
	ctx, cancel := context.WithCancel(context.Background())

	var got []types.LogLine
	emit := func(l types.LogLine) error {
		got = append(got, l)
		if len(got) == 2 {
			cancel()
		}
		return nil
	}
	s := &Streamer{Sources: []Source{src}, Follow: true, PollInterval: 10 * time.Millisecond}
	err := s.Run(ctx, emit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if len(got) != 2 {
		t.Errorf("emitted %d lines, want 2", len(got))
	}
	if !src.closed {
		t.Error("source not closed after cancellation")
	}
}

func TestStreamer_EmitErrorStops(t *testing.T) {
	boom := errors.New("broken pipe")
	s := &Streamer{Sources: []Source{NewSliceSource([]types.LogLine{at(1, "a", "x"), at(2, "a", "y")})}}
	calls := 0
	err := s.Run(context.Background(), func(types.LogLine) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("Run() = %v after %d calls", err, calls)
	}
}

func writeFile(t *testing.T, path, content string, flag int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|flag, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

const (
	line1 = `{"timestamp":"2024-05-01T12:00:01Z","value":"one"}` + "\n"
	line2 = `{"timestamp":"2024-05-01T12:00:02Z","container":"side","value":"two"}` + "\n"
	line3 = `{"timestamp":"2024-05-01T12:00:03Z","value":"three"}` + "\n"
)

func TestFileSource_ReadsAndDefaultsOrigin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plxlogs", "plxjob", "node-1", "pod-a.log")
	writeFile(t, path, line1+"not json\n\n"+line2, os.O_TRUNC)

	src := NewFileSource(path, false, logging.NewForTest())
	defer src.Close()
	ctx := context.Background()

	got, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if got.Value != "one" || got.Container != "plxjob" || got.Node != "node-1" || got.Pod != "pod-a" {
		t.Errorf("first line = %+v", got)
	}
	got, err = src.Next(ctx)
	if err != nil || got.Value != "two" || got.Container != "side" {
		t.Errorf("second line = %+v, %v", got, err)
	}
	if _, err := src.Next(ctx); err != io.EOF {
		t.Errorf("Next() at end = %v, want io.EOF", err)
	}
}

func TestFileSource_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c", "n", "p.log")
	if _, err := NewFileSource(path, false, nil).Next(context.Background()); err != io.EOF {
		t.Errorf("without tail: %v, want io.EOF", err)
	}
	if _, err := NewFileSource(path, true, nil).Next(context.Background()); err != ErrNoData {
		t.Errorf("with tail: %v, want ErrNoData", err)
	}
}

func TestFileSource_TailHoldsPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c", "n", "p.log")
	writeFile(t, path, line1+line2[:20], os.O_TRUNC)

	src := NewFileSource(path, true, nil)
	defer src.Close()
	ctx := context.Background()

	if got, err := src.Next(ctx); err != nil || got.Value != "one" {
		t.Fatalf("Next() = %+v, %v", got, err)
	}
	if _, err := src.Next(ctx); err != ErrNoData {
		t.Fatalf("partial line: %v, want ErrNoData", err)
	}

	writeFile(t, path, line2[20:], os.O_APPEND)
	got, err := src.Next(ctx)
	if err != nil || got.Value != "two" {
		t.Errorf("completed line = %+v, %v", got, err)
	}
}

func TestFileSource_DetectsTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c", "n", "p.log")
	writeFile(t, path, line1+line2, os.O_TRUNC)

	src := NewFileSource(path, true, nil)
	defer src.Close()
	ctx := context.Background()
	for range 2 {
		if _, err := src.Next(ctx); err != nil {
			t.Fatal(err)
		}
	}

	writeFile(t, path, line3, os.O_TRUNC)
	got, err := src.Next(ctx)
	if err != nil || got.Value != "three" {
		t.Errorf("after truncation = %+v, %v", got, err)
	}
}

func TestFileSource_DetectsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c", "n", "p.log")
	writeFile(t, path, line1, os.O_TRUNC)

	src := NewFileSource(path, true, nil)
	defer src.Close()
	ctx := context.Background()
	if _, err := src.Next(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.Rename(path, path+".1"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, line3+line2, os.O_TRUNC)

	got, err := src.Next(ctx)
	if err != nil || got.Value != "three" {
		t.Errorf("after rotation = %+v, %v", got, err)
	}
}

func TestDiscoverFileSources(t *testing.T) {
	runPath := t.TempDir()
	lines := []types.LogLine{
		{Timestamp: t0.Add(3 * time.Second), Container: "plxjob", Node: "n", Pod: "p", Value: "c"},
		{Timestamp: t0.Add(1 * time.Second), Container: "plxjob", Node: "n", Pod: "p", Value: "a"},
		{Timestamp: t0.Add(2 * time.Second), Container: "sidecar", Node: "n", Pod: "p", Value: "b"},
	}
	// Files are appended in order, so each file must itself be ordered.
	if err := offline.WriteLogLines(runPath, []types.LogLine{lines[1], lines[0], lines[2]}); err != nil {
		t.Fatal(err)
	}

	sources, err := RunLogSources(runPath, false, nil)
	if err != nil {
		t.Fatalf("RunLogSources() error = %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(sources))
	}

	var got []types.LogLine
	if err := (&Streamer{Sources: sources}).Run(context.Background(), collect(&got)); err != nil {
		t.Fatal(err)
	}
	if values(got) != "a,b,c" {
		t.Errorf("merged = %s, want a,b,c", values(got))
	}
}

func TestDiscoverFileSources_MissingDir(t *testing.T) {
	sources, err := DiscoverFileSources(filepath.Join(t.TempDir(), "nope"), false, nil)
	if err != nil || len(sources) != 0 {
		t.Errorf("DiscoverFileSources() = %v, %v", sources, err)
	}
}

type fakeLogsAPI struct {
	pages   []*types.LogsResponse
	cursors []client.LogsCursor
}

func (f *fakeLogsAPI) GetRunLogs(_ context.Context, _ client.RunRef, cursor client.LogsCursor) (*types.LogsResponse, error) {
	f.cursors = append(f.cursors, cursor)
	if len(f.pages) == 0 {
		return &types.LogsResponse{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func TestRemoteSource_PagesWithCursor(t *testing.T) {
	api := &fakeLogsAPI{pages: []*types.LogsResponse{
		{Logs: []types.LogLine{at(1, "", "a"), at(2, "", "b")}, LastFile: "f1"},
		{Logs: []types.LogLine{at(3, "", "c")}, LastFile: "f2"},
	}}
	src := NewRemoteSource(api, client.RunRef{UUID: "u1"}, false)

	var got []types.LogLine
	if err := (&Streamer{Sources: []Source{src}}).Run(context.Background(), collect(&got)); err != nil {
		t.Fatal(err)
	}
	if values(got) != "a,b,c" {
		t.Errorf("lines = %s", values(got))
	}
	if len(api.cursors) != 3 {
		t.Fatalf("fetched %d pages, want 3", len(api.cursors))
	}
	if api.cursors[1].LastFile != "f1" || !api.cursors[1].LastTime.Equal(t0.Add(2*time.Second)) {
		t.Errorf("second cursor = %+v", api.cursors[1])
	}
	if api.cursors[2].LastFile != "f2" {
		t.Errorf("third cursor = %+v", api.cursors[2])
	}
}

func TestRemoteSource_TailReportsNoData(t *testing.T) {
	src := NewRemoteSource(&fakeLogsAPI{}, client.RunRef{UUID: "u1"}, true)
	if _, err := src.Next(context.Background()); err != ErrNoData {
		t.Errorf("Next() = %v, want ErrNoData", err)
	}
}

func TestFormatter(t *testing.T) {
	line := types.LogLine{Timestamp: t0, Node: "n1", Pod: "p1", Container: "plxjob", Value: "hello\n"}
	tests := []struct {
		name string
		f    Formatter
		want string
	}{
		{"default", Formatter{Location: time.UTC}, "2024-05-01 12:00:00 | hello"},
		{"hide time", Formatter{HideTime: true}, "hello"},
		{"all info", Formatter{HideTime: true, AllInfo: true}, "n1 | p1 | plxjob | hello"},
		{"all containers", Formatter{HideTime: true, AllContainers: true}, "plxjob | hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Format(line); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatter_Keep(t *testing.T) {
	f := Formatter{MainContainer: "plxjob"}
	for container, want := range map[string]bool{
		"plxjob":                 true,
		"":                       true,
		offline.DefaultContainer: true,
		PlatformMainContainer:    true,
		"sidecar":                false,
	} {
		if got := f.Keep(types.LogLine{Container: container}); got != want {
			t.Errorf("Keep(%q) = %v, want %v", container, got, want)
		}
	}
	if (Formatter{}).Keep(types.LogLine{Container: "plxjob"}) {
		t.Error("an unset MainContainer should not keep other named containers")
	}
	if !(Formatter{AllContainers: true}).Keep(types.LogLine{Container: "sidecar"}) {
		t.Error("AllContainers should keep every line")
	}
}
