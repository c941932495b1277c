// Package testutil holds in-memory stand-ins for the platform and the
// artifacts bucket, plus logger helpers for tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError + 100,
	}))
}

// LogBuffer collects JSON log records written by concurrent goroutines.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Records decodes every record written so far.
func (b *LogBuffer) Records() ([]map[string]any, error) {
	b.mu.Lock()
	data := bytes.Clone(b.buf.Bytes())
	b.mu.Unlock()

	var records []map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var r map[string]any
		if err := dec.Decode(&r); err != nil {
			return records, err
		}
		records = append(records, r)
	}
	return records, nil
}

// Messages returns the msg of every record at or above level.
func (b *LogBuffer) Messages(level slog.Level) []string {
	records, _ := b.Records()
	var out []string
	for _, r := range records {
		var l slog.Level
		if s, ok := r[slog.LevelKey].(string); ok && l.UnmarshalText([]byte(s)) == nil && l >= level {
			if msg, ok := r[slog.MessageKey].(string); ok {
				out = append(out, msg)
			}
		}
	}
	return out
}

// NewBufferLogger returns a JSON logger at level and the buffer it writes to.
func NewBufferLogger(level slog.Level) (*slog.Logger, *LogBuffer) {
	buf := &LogBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level})), buf
}
