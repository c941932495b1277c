package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/types"
)

// span is the byte range of one top-level value in a JSON object.
type span struct {
	start, end int
}

// PatchRun sets the given top-level keys of the run stored in path and
// rewrites run_data.json in place. Only the values of those keys change;
// every other byte of the file is kept. Keys the file lacks are appended
// to the object.
func PatchRun(path string, fields map[string]any) (*types.Run, error) {
	dataPath := RunDataPath(path)
	data, err := os.ReadFile(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, plxerrors.RunNotFound(filepath.Base(path)).WithDetail("path", dataPath)
		}
		return nil, plxerrors.IOReadError(dataPath, err)
	}

	patched, err := patchObject(data, fields)
	if err != nil {
		return nil, plxerrors.IOReadError(dataPath, fmt.Errorf("patching run data: %w", err))
	}

	var run types.Run
	if err := json.Unmarshal(patched, &run); err != nil {
		return nil, plxerrors.IOReadError(dataPath, fmt.Errorf("parsing patched run data: %w", err))
	}
	if err := WriteFileAtomic(dataPath, patched, 0644); err != nil {
		return nil, plxerrors.IOWriteError(dataPath, err)
	}
	return &run, nil
}

// Patch applies PatchRun to the run uuid.
func (s *Store) Patch(ctx context.Context, uuid string, fields map[string]any) (*types.Run, error) {
	return PatchRun(s.RunPath(uuid), fields)
}

// patchObject replaces or appends top-level keys of the JSON object data.
func patchObject(data []byte, fields map[string]any) ([]byte, error) {
	spans, lastEnd, err := objectSpans(data)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type edit struct {
		span
		text []byte
	}
	var edits []edit
	var appended bytes.Buffer
	for _, k := range keys {
		value, err := encodeValue(fields[k])
		if err != nil {
			return nil, err
		}
		if sp, ok := spans[k]; ok {
			edits = append(edits, edit{span: sp, text: value})
			continue
		}
		key, err := encodeValue(k)
		if err != nil {
			return nil, err
		}
		if lastEnd >= 0 || appended.Len() > 0 {
			appended.WriteString(",")
		}
		appended.WriteString("\n  ")
		appended.Write(key)
		appended.WriteString(": ")
		appended.Write(value)
	}
	if appended.Len() > 0 {
		at := lastEnd
		if at < 0 {
			// Empty object: insert right after the opening brace.
			at = bytes.IndexByte(data, '{') + 1
			appended.WriteString("\n")
		}
		edits = append(edits, edit{span: span{at, at}, text: appended.Bytes()})
	}

	sort.Slice(edits, func(i, j int) bool { return edits[i].start < edits[j].start })
	var out bytes.Buffer
	prev := 0
	for _, e := range edits {
		out.Write(data[prev:e.start])
		out.Write(e.text)
		prev = e.end
	}
	out.Write(data[prev:])
	return out.Bytes(), nil
}

// objectSpans returns the byte range of the value of each top-level key,
// and the end offset of the last value (-1 for an empty object).
func objectSpans(data []byte) (map[string]span, int, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, 0, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, 0, fmt.Errorf("run data is not a JSON object")
	}

	spans := make(map[string]span)
	lastEnd := -1
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, 0, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, 0, fmt.Errorf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, 0, err
		}
		end := int(dec.InputOffset())
		spans[key] = span{start: end - len(raw), end: end}
		lastEnd = end
	}
	if _, err := dec.Token(); err != nil {
		return nil, 0, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, 0, fmt.Errorf("trailing data after run object")
	}
	return spans, lastEnd, nil
}

func encodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
