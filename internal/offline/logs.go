package offline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/types"
)

// Placeholders for log lines that do not name their origin.
const (
	DefaultContainer = "main"
	DefaultNode      = "local"
	DefaultPod       = "local"
)

// LogFilePath returns plxlogs/<container>/<node>/<pod>.log for line.
func LogFilePath(runPath string, line types.LogLine) string {
	return filepath.Join(LogsPath(runPath),
		safeSegment(line.Container, DefaultContainer),
		safeSegment(line.Node, DefaultNode),
		safeSegment(line.Pod, DefaultPod)+".log")
}

func safeSegment(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return fallback
	}
	return strings.NewReplacer("/", "_", "\\", "_").Replace(s)
}

// LogWriter appends JSONL log lines under a run's plxlogs directory. It is
// safe for concurrent use.
type LogWriter struct {
	runPath string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewLogWriter creates a writer for the run directory runPath.
func NewLogWriter(runPath string) *LogWriter {
	return &LogWriter{
		runPath: runPath,
		files:   make(map[string]*os.File),
	}
}

// Write appends one line. The line is written in a single call so readers
// never see a partial record.
func (w *LogWriter) Write(line types.LogLine) error {
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshaling log line: %w", err)
	}
	data = append(data, '\n')

	path := LogFilePath(w.runPath, line)

	w.mu.Lock()
	defer w.mu.Unlock()

	f, ok := w.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return plxerrors.IOWriteError(path, err)
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return plxerrors.IOWriteError(path, err)
		}
		w.files[path] = f
	}
	if _, err := f.Write(data); err != nil {
		return plxerrors.IOWriteError(path, err)
	}
	return nil
}

// Close closes every open log file.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	total := len(w.files)
	for path, f := range w.files {
		if err := f.Close(); err != nil {
			errs = append(errs, plxerrors.IOWriteError(path, err))
		}
	}
	w.files = make(map[string]*os.File)
	return plxerrors.Aggregate("closing log files", total, errs)
}

// WriteLogLines appends lines to the run directory runPath.
func WriteLogLines(runPath string, lines []types.LogLine) error {
	w := NewLogWriter(runPath)
	for _, line := range lines {
		if err := w.Write(line); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}
