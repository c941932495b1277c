package offline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	plxerrors "github.com/plxctl/plx/internal/errors"
)

func TestPatchRunKeepsRawValues(t *testing.T) {
	tests := []struct {
		name   string
		before string
		fields map[string]any
		after  string
	}{
		{
			name:   "replace existing key",
			before: "{\n  \"uuid\": \"u1\",\n  \"description\": \"old\",\n  \"readme\": null,\n  \"tags\": [],\n  \"inputs\": {},\n  \"wait_time\": 1.50\n}\n",
			fields: map[string]any{"description": "new"},
			after:  "{\n  \"uuid\": \"u1\",\n  \"description\": \"new\",\n  \"readme\": null,\n  \"tags\": [],\n  \"inputs\": {},\n  \"wait_time\": 1.50\n}\n",
		},
		{
			name:   "append missing key",
			before: "{\n  \"uuid\": \"u1\",\n  \"readme\": null,\n  \"tags\": [],\n  \"inputs\": {},\n  \"wait_time\": 1.50\n}\n",
			fields: map[string]any{"description": "new"},
			after:  "{\n  \"uuid\": \"u1\",\n  \"readme\": null,\n  \"tags\": [],\n  \"inputs\": {},\n  \"wait_time\": 1.50,\n  \"description\": \"new\"\n}\n",
		},
		{
			name:   "replace and append",
			before: `{"uuid":"u1","name":"a","readme":null,"wait_time":1.50}`,
			fields: map[string]any{"name": "b", "tags": []string{"x", "y"}},
			after:  "{\"uuid\":\"u1\",\"name\":\"b\",\"readme\":null,\"wait_time\":1.50,\n  \"tags\": [\"x\",\"y\"]}",
		},
		{
			name:   "empty object",
			before: "{}",
			fields: map[string]any{"description": "a<b"},
			after:  "{\n  \"description\": \"a<b\"\n}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "u1")
			if err := os.MkdirAll(dir, 0755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(RunDataPath(dir), []byte(tt.before), 0644); err != nil {
				t.Fatal(err)
			}

			run, err := PatchRun(dir, tt.fields)
			if err != nil {
				t.Fatalf("PatchRun: %v", err)
			}
			if run.UUID != "" && run.UUID != "u1" {
				t.Errorf("run uuid = %q", run.UUID)
			}

			got, err := os.ReadFile(RunDataPath(dir))
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.after {
				t.Errorf("run data =\n%s\nwant\n%s", got, tt.after)
			}
		})
	}
}

func TestPatchRunErrors(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root, KindRuntime)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	_, err = store.Patch(context.Background(), "missing", map[string]any{"name": "x"})
	if !plxerrors.Is(err, plxerrors.KindNotFound) {
		t.Errorf("missing run: got %v", err)
	}

	dir := store.RunPath("broken")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	before := []byte(`["not", "an", "object"]`)
	if err := os.WriteFile(RunDataPath(dir), before, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Patch(context.Background(), "broken", map[string]any{"name": "x"}); err == nil {
		t.Error("expected an error for a non-object run file")
	}
	got, _ := os.ReadFile(RunDataPath(dir))
	if string(got) != string(before) {
		t.Errorf("run file changed on failure: %s", got)
	}
}
