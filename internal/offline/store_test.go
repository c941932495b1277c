package offline

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/types"
)

func TestPaths(t *testing.T) {
	if got := BasePath("/r", ""); got != "/r/offline/runtime" {
		t.Errorf("BasePath = %s", got)
	}
	if got := RunPath("/r", "u1", KindRuntime); got != "/r/offline/runtime/u1" {
		t.Errorf("RunPath = %s", got)
	}
	if got := LogsPath("/r/offline/runtime/u1"); got != "/r/offline/runtime/u1/plxlogs" {
		t.Errorf("LogsPath = %s", got)
	}
}

func TestStore(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	store, err := NewStore(root, KindRuntime)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	t.Run("Save and Get", func(t *testing.T) {
		run := types.NewRun("acme", "vision", "train")
		run.Tags = []string{"a"}
		run.Inputs = map[string]any{"lr": 0.1}

		if err := store.Save(ctx, run); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if !store.Exists(run.UUID) {
			t.Error("run should exist after save")
		}

		got, err := store.Get(ctx, run.UUID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.UUID != run.UUID || got.Name != "train" || got.Status != types.StatusCreated {
			t.Errorf("unexpected run %+v", got)
		}
		if len(got.Tags) != 1 || got.Tags[0] != "a" {
			t.Errorf("tags not preserved: %v", got.Tags)
		}
	})

	t.Run("Get missing is NotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		if !plxerrors.Is(err, plxerrors.KindNotFound) {
			t.Errorf("expected NotFound, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		run := types.NewRun("acme", "vision", "gone")
		store.Save(ctx, run)

		if err := store.Delete(ctx, run.UUID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := os.Stat(store.RunPath(run.UUID)); !os.IsNotExist(err) {
			t.Error("empty run directory should be removed")
		}
		if err := store.Delete(ctx, run.UUID); !plxerrors.Is(err, plxerrors.KindNotFound) {
			t.Errorf("second delete should be NotFound, got %v", err)
		}
	})

	t.Run("List sorts newest first", func(t *testing.T) {
		other, _ := NewStore(t.TempDir(), KindRuntime)
		old := types.NewRun("acme", "p", "old")
		old.CreatedAt = types.NewTime(time.Now().Add(-time.Hour))
		recent := types.NewRun("acme", "p", "recent")
		recent.CreatedAt = types.NewTime(time.Now())
		other.Save(ctx, old)
		other.Save(ctx, recent)

		runs, err := other.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(runs) != 2 || runs[0].Name != "recent" {
			t.Errorf("unexpected order: %v", runs)
		}
	})
}

func TestListRunUUIDs_Empty(t *testing.T) {
	uuids, err := ListRunUUIDs(filepath.Join(t.TempDir(), "absent"))
	if err != nil || len(uuids) != 0 {
		t.Errorf("expected no uuids, got %v, %v", uuids, err)
	}
}

func TestListRunUUIDs_SkipsHiddenAndIncomplete(t *testing.T) {
	base := t.TempDir()
	os.MkdirAll(filepath.Join(base, ".u1.partial"), 0755)
	os.MkdirAll(filepath.Join(base, "u2"), 0755)
	WriteRun(filepath.Join(base, "u3"), &types.Run{UUID: "u3"})

	uuids, err := ListRunUUIDs(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(uuids) != 1 || uuids[0] != "u3" {
		t.Errorf("uuids = %v, want [u3]", uuids)
	}
}

func TestWriteRunPreservesUntouchedFields(t *testing.T) {
	runPath := filepath.Join(t.TempDir(), "u1")
	original := `{"uuid": "u1", "name": "n", "description": "old", "created_at": "2024-01-01T00:00:00.000000+00:00",
	"inputs": {"lr": 1e-05}, "meta_info": {"ports": [1]}, "custom": {"b": 2, "a": 1}}`

	// First write normalizes the record.
	var run types.Run
	if err := json.Unmarshal([]byte(original), &run); err != nil {
		t.Fatal(err)
	}
	if err := WriteRun(runPath, &run); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(RunDataPath(runPath))

	loaded, err := ReadRun(runPath)
	if err != nil {
		t.Fatal(err)
	}
	loaded.Description = "new"
	loaded.Tags = []string{"a", "b"}
	if err := WriteRun(runPath, loaded); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(RunDataPath(runPath))

	beforeLines := nonDiffLines(string(before), "description", "tags", `"a"`, `"b"`, "]")
	afterLines := nonDiffLines(string(after), "description", "tags", `"a"`, `"b"`, "]")
	if strings.Join(beforeLines, "\n") != strings.Join(afterLines, "\n") {
		t.Errorf("untouched fields changed:\n%s\n---\n%s", before, after)
	}
	if !strings.Contains(string(after), `"description": "new"`) {
		t.Errorf("description not updated:\n%s", after)
	}
	if !strings.Contains(string(after), `"lr": 1e-05`) {
		t.Errorf("number literal not preserved:\n%s", after)
	}
}

// nonDiffLines drops lines mentioning any of the changed markers.
func nonDiffLines(s string, markers ...string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		skip := false
		for _, m := range markers {
			if strings.Contains(line, m) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, line)
		}
	}
	return out
}

func TestRecoverInterruptedWrites(t *testing.T) {
	root := t.TempDir()
	base := BasePath(root, KindRuntime)

	// u1: main file present, stale temp must be dropped.
	WriteRun(filepath.Join(base, "u1"), &types.Run{UUID: "u1", Name: "main"})
	stale := filepath.Join(base, "u1", "."+RunDataFile+".tmp-123")
	os.WriteFile(stale, []byte(`{"uuid":"u1","name":"stale"}`), 0644)

	// u2: only the temp survived, it must be promoted.
	os.MkdirAll(filepath.Join(base, "u2"), 0755)
	os.WriteFile(filepath.Join(base, "u2", "."+RunDataFile+".tmp-9"), []byte(`{"uuid":"u2"}`), 0644)

	store, err := NewStore(root, KindRuntime)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp should be removed")
	}
	run, err := store.Get(context.Background(), "u1")
	if err != nil || run.Name != "main" {
		t.Errorf("main file should win: %+v %v", run, err)
	}
	if !store.Exists("u2") {
		t.Error("temp file should be promoted")
	}
}

func TestAcquireRunLock(t *testing.T) {
	store, err := NewStore(t.TempDir(), KindRuntime)
	if err != nil {
		t.Fatal(err)
	}

	lock, err := store.AcquireRunLock("u1")
	if err != nil {
		t.Fatalf("AcquireRunLock failed: %v", err)
	}
	if !store.IsLocked("u1") {
		t.Error("run should be locked")
	}
	if _, err := store.AcquireRunLock("u1"); err == nil {
		t.Error("second lock should fail")
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if store.IsLocked("u1") {
		t.Error("run should be unlocked")
	}
}

func TestLogWriter(t *testing.T) {
	runPath := t.TempDir()
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lines := []types.LogLine{
		{Timestamp: ts, Container: "main", Node: "n1", Pod: "p1", Value: "one"},
		{Timestamp: ts.Add(time.Second), Container: "main", Node: "n1", Pod: "p1", Value: "two"},
		{Timestamp: ts, Value: "defaults"},
		{Timestamp: ts, Container: "../evil", Value: "escape"},
	}
	if err := WriteLogLines(runPath, lines); err != nil {
		t.Fatalf("WriteLogLines failed: %v", err)
	}

	f, err := os.Open(filepath.Join(runPath, LogsDir, "main", "n1", "p1.log"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var got []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line types.LogLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("bad JSONL: %v", err)
		}
		got = append(got, line.Value)
	}
	if strings.Join(got, ",") != "one,two" {
		t.Errorf("lines = %v", got)
	}

	if _, err := os.Stat(filepath.Join(runPath, LogsDir, DefaultContainer, DefaultNode, DefaultPod+".log")); err != nil {
		t.Errorf("default log file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(runPath, LogsDir, ".._evil", DefaultNode, DefaultPod+".log")); err != nil {
		t.Errorf("container name should be sanitized: %v", err)
	}
}
