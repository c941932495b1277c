package executor

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/plxctl/plx/internal/offline"
	"github.com/plxctl/plx/internal/types"
)

// LineSink turns a container's output stream into log lines. Complete lines
// are written to the run's plxlogs tree and echoed to the console; a partial
// line is held until its newline arrives or Flush is called.
type LineSink struct {
	container string
	pod       string
	prefix    bool
	logs      *offline.LogWriter
	console   io.Writer
	now       func() time.Time

	mu  sync.Mutex
	buf []byte
	err error
}

// NewLineSink creates a sink for container. With prefix set, console lines
// are tagged "[container]". logs and console may be nil.
func NewLineSink(container, pod string, prefix bool, logs *offline.LogWriter, console io.Writer) *LineSink {
	return &LineSink{
		container: container,
		pod:       pod,
		prefix:    prefix,
		logs:      logs,
		console:   console,
		now:       time.Now,
	}
}

// Write implements io.Writer. It never fails the producing process: the
// first storage error is kept and reported by Flush.
func (s *LineSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		s.emit(s.buf[:i])
		s.buf = s.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits any trailing partial line and returns the first error met.
func (s *LineSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) > 0 {
		s.emit(s.buf)
		s.buf = nil
	}
	return s.err
}

func (s *LineSink) emit(raw []byte) {
	value := string(bytes.TrimRight(raw, "\r"))
	if s.logs != nil {
		line := types.LogLine{
			Timestamp: s.now().UTC(),
			Node:      offline.DefaultNode,
			Pod:       s.pod,
			Container: s.container,
			Value:     value,
		}
		if err := s.logs.Write(line); err != nil && s.err == nil {
			s.err = err
		}
	}
	if s.console != nil {
		if s.prefix {
			fmt.Fprintf(s.console, "[%s] %s\n", s.container, value)
		} else {
			fmt.Fprintln(s.console, value)
		}
	}
}

// lockedWriter serializes writes of several sinks sharing one console.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newLockedWriter(w io.Writer) io.Writer {
	if w == nil {
		return nil
	}
	return &lockedWriter{w: w}
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
