// Package logs merges the log lines of a run's containers into a single
// timestamp-ordered stream, from local plxlogs files or the streams API.
package logs

import (
	"context"
	"errors"
	"io"

	"github.com/plxctl/plx/internal/types"
)

// ErrNoData is returned by a Source that has nothing to give right now but
// may produce more lines later.
var ErrNoData = errors.New("logs: no data yet")

// Source yields log lines in timestamp order. Next returns io.EOF once the
// source is finished and ErrNoData while it waits for more lines.
type Source interface {
	Next(ctx context.Context) (types.LogLine, error)
	Close() error
}

// SliceSource serves a fixed set of lines.
type SliceSource struct {
	lines []types.LogLine
}

// NewSliceSource wraps lines, which must already be ordered.
func NewSliceSource(lines []types.LogLine) *SliceSource {
	return &SliceSource{lines: lines}
}

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (types.LogLine, error) {
	if err := ctx.Err(); err != nil {
		return types.LogLine{}, err
	}
	if len(s.lines) == 0 {
		return types.LogLine{}, io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

// Close implements Source.
func (s *SliceSource) Close() error {
	s.lines = nil
	return nil
}
