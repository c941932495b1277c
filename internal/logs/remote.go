package logs

import (
	"context"
	"io"

	"github.com/plxctl/plx/internal/client"
	"github.com/plxctl/plx/internal/types"
)

// LogsAPI is the part of the remote client a RemoteSource needs.
type LogsAPI interface {
	GetRunLogs(ctx context.Context, ref client.RunRef, cursor client.LogsCursor) (*types.LogsResponse, error)
}

// RemoteSource pages through the streams logs endpoint. The server returns
// lines in order and a last_file/last_time cursor to resume from.
type RemoteSource struct {
	api    LogsAPI
	ref    client.RunRef
	tail   bool
	cursor client.LogsCursor
	buf    []types.LogLine
	done   bool
}

// NewRemoteSource creates a source for ref. With tail an empty page means
// "nothing yet" rather than the end of the logs.
func NewRemoteSource(api LogsAPI, ref client.RunRef, tail bool) *RemoteSource {
	return &RemoteSource{api: api, ref: ref, tail: tail}
}

// Next implements Source.
func (s *RemoteSource) Next(ctx context.Context) (types.LogLine, error) {
	if err := ctx.Err(); err != nil {
		return types.LogLine{}, err
	}
	if len(s.buf) == 0 {
		if s.done {
			return types.LogLine{}, io.EOF
		}
		if err := s.fetch(ctx); err != nil {
			return types.LogLine{}, err
		}
		if len(s.buf) == 0 {
			if s.tail {
				return types.LogLine{}, ErrNoData
			}
			s.done = true
			return types.LogLine{}, io.EOF
		}
	}
	line := s.buf[0]
	s.buf = s.buf[1:]
	return line, nil
}

func (s *RemoteSource) fetch(ctx context.Context) error {
	resp, err := s.api.GetRunLogs(ctx, s.ref, s.cursor)
	if err != nil {
		return err
	}
	s.buf = resp.Logs
	if resp.LastFile != "" {
		s.cursor.LastFile = resp.LastFile
	}
	if resp.LastTime != nil && !resp.LastTime.Time.IsZero() {
		s.cursor.LastTime = resp.LastTime.Time
	} else if n := len(resp.Logs); n > 0 {
		s.cursor.LastTime = resp.Logs[n-1].Timestamp
	}
	return nil
}

// Close implements Source.
func (s *RemoteSource) Close() error {
	s.buf = nil
	s.done = true
	return nil
}
