package logs

import (
	"container/heap"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/plxctl/plx/internal/logging"
	"github.com/plxctl/plx/internal/types"
)

// DefaultPollInterval is how often waiting sources are polled in follow mode.
const DefaultPollInterval = time.Second

// Streamer merges Sources by timestamp.
type Streamer struct {
	Sources []Source
	// Follow keeps sources that ran dry open and polls them for new lines.
	Follow bool
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// Done reports whether the run reached a terminal state. A following
	// streamer drains its sources one last time and returns once Done is
	// true. Nil means never.
	Done   func(ctx context.Context) bool
	Logger *slog.Logger
}

// pending is the next line of one source.
type pending struct {
	line types.LogLine
	src  int
}

type lineHeap []pending

func (h lineHeap) Len() int { return len(h) }
func (h lineHeap) Less(i, j int) bool {
	if h[i].line.Timestamp.Equal(h[j].line.Timestamp) {
		return h[i].src < h[j].src
	}
	return h[i].line.Timestamp.Before(h[j].line.Timestamp)
}
func (h lineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *lineHeap) Push(x any)   { *h = append(*h, x.(pending)) }
func (h *lineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// merge is the state of one Run.
type merge struct {
	s       *Streamer
	follow  bool
	heap    lineHeap
	waiting map[int]bool
	closed  map[int]bool
	last    time.Time
	emit    func(types.LogLine) error
}

// Run emits every line in timestamp order until all sources are finished,
// the run is done (in follow mode) or ctx is cancelled. Emitted timestamps
// never decrease: a late line older than the last one emitted is stamped
// with the last timestamp, which replaces its real one. Parked sources do
// not hold back lines that are already buffered. Every source is closed on
// return.
func (s *Streamer) Run(ctx context.Context, emit func(types.LogLine) error) error {
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.Logger == nil {
		s.Logger = logging.NewDefault()
	}
	m := &merge{
		s:       s,
		follow:  s.Follow,
		waiting: make(map[int]bool),
		closed:  make(map[int]bool),
		emit:    emit,
	}
	defer m.closeAll()

	for i := range s.Sources {
		if err := m.advance(ctx, i); err != nil {
			return err
		}
	}

	lastPoll := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(m.waiting) > 0 && time.Since(lastPoll) >= s.PollInterval {
			if err := m.pollWaiting(ctx); err != nil {
				return err
			}
			lastPoll = time.Now()
		}

		if m.heap.Len() > 0 {
			next := heap.Pop(&m.heap).(pending)
			if err := m.send(next.line); err != nil {
				return err
			}
			if err := m.advance(ctx, next.src); err != nil {
				return err
			}
			continue
		}

		if len(m.waiting) == 0 {
			return nil
		}

		if s.Done != nil && s.Done(ctx) {
			return m.drain(ctx)
		}

		timer := time.NewTimer(s.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := m.pollWaiting(ctx); err != nil {
			return err
		}
		lastPoll = time.Now()
	}
}

// advance pulls the next line of source i into the heap, or parks or
// closes the source.
func (m *merge) advance(ctx context.Context, i int) error {
	line, err := m.s.Sources[i].Next(ctx)
	switch {
	case err == nil:
		delete(m.waiting, i)
		heap.Push(&m.heap, pending{line: line, src: i})
		return nil
	case errors.Is(err, ErrNoData) && m.follow:
		m.waiting[i] = true
		return nil
	case errors.Is(err, ErrNoData), errors.Is(err, io.EOF):
		delete(m.waiting, i)
		m.close(i)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return err
	}
}

func (m *merge) pollWaiting(ctx context.Context) error {
	for i := range m.s.Sources {
		if !m.waiting[i] {
			continue
		}
		if err := m.advance(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// drain empties every source without waiting and returns.
func (m *merge) drain(ctx context.Context) error {
	m.follow = false
	if err := m.pollWaiting(ctx); err != nil {
		return err
	}
	for m.heap.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := heap.Pop(&m.heap).(pending)
		if err := m.send(next.line); err != nil {
			return err
		}
		if err := m.advance(ctx, next.src); err != nil {
			return err
		}
	}
	return nil
}

// send emits line. The merge never waits for parked sources, so a line
// that arrives after a newer one was emitted is sent with its timestamp
// rewritten to the last emitted one; its real timestamp is lost. Output
// timestamps therefore never decrease.
func (m *merge) send(line types.LogLine) error {
	if line.Timestamp.Before(m.last) {
		line.Timestamp = m.last
	}
	m.last = line.Timestamp
	return m.emit(line)
}

func (m *merge) close(i int) {
	if m.closed[i] {
		return
	}
	m.closed[i] = true
	if err := m.s.Sources[i].Close(); err != nil {
		m.s.Logger.Debug("closing log source failed", "source", i, "error", err)
	}
}

func (m *merge) closeAll() {
	for i := range m.s.Sources {
		m.close(i)
	}
}
