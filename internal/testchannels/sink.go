package testchannels

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/playcore/internal/buffer"
	"github.com/savid/playcore/internal/types"
)

const (
	// maxLag is how far the clock may be from a master element's pts before
	// the sink jumps the clock.
	maxLag = 3 * types.PTSPerSecond
	// lateTicks marks an element as late when presented this far past its pts.
	lateTicks = types.PTSPerSecond / 10
)

// SyncClock is the clock view a sink needs.
type SyncClock interface {
	CurrentTime() int64
	Adjust(pts int64)
}

// SinkStats counts what a sink consumed.
type SinkStats struct {
	Frames int64 `json:"frames"`
	Bytes  int64 `json:"bytes"`
	Late   int64 `json:"late"`
}

// Sink plays the part of a decoder: it takes elements from a queue, holds
// each until the clock reaches its pts, and frees it. The master sink keeps
// the clock aligned with its stream after discontinuities.
type Sink struct {
	queue  *buffer.Queue
	clock  SyncClock
	master bool
	poll   time.Duration
	logger *logrus.Entry

	frames atomic.Int64
	bytes  atomic.Int64
	late   atomic.Int64
}

// NewSink creates a sink for q.
func NewSink(q *buffer.Queue, clk SyncClock, master bool, logger *logrus.Logger) *Sink {
	return &Sink{
		queue:  q,
		clock:  clk,
		master: master,
		poll:   5 * time.Millisecond,
		logger: logger.WithField("sink", q.Name()),
	}
}

// Stats returns the consumption counters.
func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Frames: s.frames.Load(),
		Bytes:  s.bytes.Load(),
		Late:   s.late.Load(),
	}
}

// Run consumes until ctx is cancelled or the queue is closed.
func (s *Sink) Run(ctx context.Context) error {
	resync := true
	for {
		e, err := s.queue.Get(ctx)
		if err != nil {
			if errors.Is(err, buffer.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if e.IsControl() {
			switch e.Control {
			case buffer.ControlStreamStart, buffer.ControlNewPTS, buffer.ControlReset:
				resync = true
			case buffer.ControlStreamEnd:
				s.logger.WithField("frames", s.frames.Load()).Info("End of stream reached")
			}
			e.Free()
			continue
		}

		if e.PTS != 0 {
			now := s.clock.CurrentTime()
			if s.master && (resync || abs(e.PTS-now) > maxLag) {
				s.clock.Adjust(e.PTS)
				resync = false
			}
			if !s.present(ctx, e.PTS) {
				e.Free()
				return nil
			}
			if s.clock.CurrentTime()-e.PTS > lateTicks {
				s.late.Add(1)
			}
		}
		s.frames.Add(1)
		s.bytes.Add(int64(e.Len()))
		e.Free()
	}
}

// present waits until the clock reaches pts.
func (s *Sink) present(ctx context.Context, pts int64) bool {
	if s.clock.CurrentTime() >= pts {
		return true
	}
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for s.clock.CurrentTime() < pts {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
