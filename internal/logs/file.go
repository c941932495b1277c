package logs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/logging"
	"github.com/plxctl/plx/internal/offline"
	"github.com/plxctl/plx/internal/types"
)

// FileSource reads a JSONL log file written under plxlogs/. Lines missing
// their origin get it from the file's <container>/<node>/<pod>.log path.
type FileSource struct {
	path string
	// tail keeps an incomplete last line buffered and reports ErrNoData at
	// end of file instead of io.EOF.
	tail     bool
	defaults types.LogLine
	logger   *slog.Logger

	f       *os.File
	info    os.FileInfo
	r       *bufio.Reader
	offset  int64
	partial []byte
}

// NewFileSource creates a source for path. The file is opened on first
// read, so a tailing source may exist before its file does.
func NewFileSource(path string, tail bool, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &FileSource{
		path:     path,
		tail:     tail,
		defaults: originFromPath(path),
		logger:   logger,
	}
}

// Path returns the file being read.
func (s *FileSource) Path() string {
	return s.path
}

// Next implements Source.
func (s *FileSource) Next(ctx context.Context) (types.LogLine, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.LogLine{}, err
		}
		if s.f == nil {
			if err := s.open(); err != nil {
				if os.IsNotExist(err) && s.tail {
					return types.LogLine{}, ErrNoData
				}
				if os.IsNotExist(err) {
					return types.LogLine{}, io.EOF
				}
				return types.LogLine{}, plxerrors.IOReadError(s.path, err)
			}
		}

		chunk, err := s.r.ReadBytes('\n')
		s.offset += int64(len(chunk))
		s.partial = append(s.partial, chunk...)

		if err == nil {
			raw := bytes.TrimSpace(s.partial)
			s.partial = s.partial[:0]
			if len(raw) == 0 {
				continue
			}
			line, ok := s.decode(raw)
			if !ok {
				continue
			}
			return line, nil
		}
		if err != io.EOF {
			return types.LogLine{}, plxerrors.IOReadError(s.path, err)
		}

		if !s.tail {
			raw := bytes.TrimSpace(s.partial)
			s.partial = s.partial[:0]
			if len(raw) > 0 {
				if line, ok := s.decode(raw); ok {
					return line, nil
				}
			}
			return types.LogLine{}, io.EOF
		}
		if s.reopenIfReplaced() {
			continue
		}
		return types.LogLine{}, ErrNoData
	}
}

// Close implements Source.
func (s *FileSource) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *FileSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.f, s.info = f, info
	s.r = bufio.NewReader(f)
	s.offset = 0
	s.partial = s.partial[:0]
	return nil
}

// reopenIfReplaced starts over when the file was rotated (a new file at
// the same path) or truncated below what was already read.
func (s *FileSource) reopenIfReplaced() bool {
	current, err := os.Stat(s.path)
	if err != nil {
		return false
	}
	rotated := !os.SameFile(s.info, current)
	truncated := current.Size() < s.offset
	if !rotated && !truncated {
		return false
	}
	s.logger.Debug("log file replaced, reading from start", "path", s.path, "rotated", rotated, "truncated", truncated)
	_ = s.f.Close()
	s.f = nil
	if err := s.open(); err != nil {
		return false
	}
	return true
}

func (s *FileSource) decode(raw []byte) (types.LogLine, bool) {
	var line types.LogLine
	if err := json.Unmarshal(raw, &line); err != nil {
		s.logger.Debug("skipping malformed log line", "path", s.path, "error", err)
		return types.LogLine{}, false
	}
	if line.Container == "" {
		line.Container = s.defaults.Container
	}
	if line.Node == "" {
		line.Node = s.defaults.Node
	}
	if line.Pod == "" {
		line.Pod = s.defaults.Pod
	}
	return line, true
}

// originFromPath reads container, node and pod from
// .../<container>/<node>/<pod>.log.
func originFromPath(path string) types.LogLine {
	pod := strings.TrimSuffix(filepath.Base(path), ".log")
	node := filepath.Base(filepath.Dir(path))
	container := filepath.Base(filepath.Dir(filepath.Dir(path)))
	return types.LogLine{Container: container, Node: node, Pod: pod}
}

// DiscoverFileSources returns one FileSource per .log file under logsDir,
// sorted by path. A missing directory yields no sources.
func DiscoverFileSources(logsDir string, tail bool, logger *slog.Logger) ([]Source, error) {
	var paths []string
	err := filepath.WalkDir(logsDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".log") {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, plxerrors.IOReadError(logsDir, err)
	}
	sort.Strings(paths)

	sources := make([]Source, 0, len(paths))
	for _, p := range paths {
		sources = append(sources, NewFileSource(p, tail, logger))
	}
	return sources, nil
}

// RunLogSources discovers the sources of an offline run directory.
func RunLogSources(runPath string, tail bool, logger *slog.Logger) ([]Source, error) {
	return DiscoverFileSources(offline.LogsPath(runPath), tail, logger)
}
