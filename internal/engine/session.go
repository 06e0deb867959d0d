// Package engine ties one playback stream together: the video and audio
// queues, their arenas, the flow controller and the playback clock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/savid/playcore/internal/buffer"
	"github.com/savid/playcore/internal/clock"
	"github.com/savid/playcore/internal/flow"
	"github.com/savid/playcore/internal/types"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session closed")

// Config holds the geometry and thresholds of a session.
type Config struct {
	Video types.ArenaConfig
	Audio types.ArenaConfig
	Flow  types.FlowConfig
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Video: types.DefaultVideoArena(),
		Audio: types.DefaultAudioArena(),
		Flow:  types.DefaultFlowConfig(),
	}
}

// Session owns the data path of one stream.
type Session struct {
	id     string
	logger *logrus.Entry
	clock  clock.Clock
	video  *buffer.Queue
	audio  *buffer.Queue
	ctrl   *flow.Controller

	mu     sync.Mutex
	mrl    string
	closed bool
}

// NewSession allocates both arenas and attaches a flow controller to the
// queues built on them.
func NewSession(cfg Config, clk clock.Clock, logger *logrus.Logger) (*Session, error) {
	id := uuid.NewString()

	va, err := buffer.NewArena(cfg.Video, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create video arena: %w", err)
	}
	aa, err := buffer.NewArena(cfg.Audio, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio arena: %w", err)
	}

	s := &Session{
		id:     id,
		logger: logger.WithField("session", id),
		clock:  clk,
		video:  buffer.NewQueue("video", va, logger),
		audio:  buffer.NewQueue("audio", aa, logger),
	}
	s.ctrl, err = flow.New(s.video, s.audio, clk, cfg.Flow, logger)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"video_slots": cfg.Video.Slots,
		"audio_slots": cfg.Audio.Slots,
		"slot_size":   cfg.Video.SlotSize,
	}).Debug("Session created")
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Video returns the video queue.
func (s *Session) Video() *buffer.Queue { return s.video }

// Audio returns the audio queue.
func (s *Session) Audio() *buffer.Queue { return s.audio }

// Controller returns the flow controller without taking a reference.
func (s *Session) Controller() *flow.Controller { return s.ctrl }

// Clock returns the playback clock.
func (s *Session) Clock() clock.Clock { return s.clock }

// MRL returns the source of the current stream.
func (s *Session) MRL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mrl
}

// Start opens a stream from mrl. Live sources switch the controller to
// adaptive mode. A stream start marker is put on both queues.
func (s *Session) Start(ctx context.Context, mrl string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mrl = mrl
	s.mu.Unlock()

	live := flow.IsLiveSource(mrl)
	s.ctrl.SetAdaptive(live)
	if err := s.broadcast(ctx, buffer.ControlStreamStart); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"mrl":  mrl,
		"live": live,
	}).Info("Stream started")
	return nil
}

// Seek drops queued data and puts a seek-flagged new-pts marker in front of
// whatever control elements remain.
func (s *Session) Seek(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	for _, q := range s.queues() {
		q.Clear()
		e, err := q.AllocControl(ctx, buffer.ControlNewPTS)
		if err != nil {
			return fmt.Errorf("failed to queue seek marker on %s: %w", q.Name(), err)
		}
		e.Flags |= buffer.FlagSeek
		q.InsertFront(e)
	}
	s.logger.Debug("Seek queued")
	return nil
}

// Discontinuity announces a timestamp jump on both queues.
func (s *Session) Discontinuity(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.broadcast(ctx, buffer.ControlNewPTS)
}

// End puts a stream end marker on both queues.
func (s *Session) End(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := s.broadcast(ctx, buffer.ControlStreamEnd); err != nil {
		return err
	}
	s.logger.Info("Stream ended")
	return nil
}

// Stop halts flow decisions for the current stream, cancels any pending
// prebuffer deadline and leaves the clock at normal speed. Queued elements
// are kept.
func (s *Session) Stop() {
	s.ctrl.Disable()
}

// ShareController returns a retained controller handle for a side stream.
// The caller must Release it.
func (s *Session) ShareController() *flow.Controller {
	return s.ctrl.Retain()
}

// Close releases the session's controller reference, wakes consumers and
// frees every queued element. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.ctrl.Release()
	for _, q := range s.queues() {
		q.Close()
		q.AllClear()
	}
	s.logger.Info("Session closed")
	return nil
}

// Stats returns telemetry for both queues.
func (s *Session) Stats() []types.QueueStats {
	return []types.QueueStats{s.video.Stats(), s.audio.Stats()}
}

// ArenaStats returns the free-run view of both arenas.
func (s *Session) ArenaStats() []types.ArenaStats {
	return []types.ArenaStats{s.video.Arena().Stats(), s.audio.Arena().Stats()}
}

// Flow returns the controller snapshot.
func (s *Session) Flow() flow.Snapshot {
	return s.ctrl.Snapshot()
}

func (s *Session) queues() []*buffer.Queue {
	return []*buffer.Queue{s.video, s.audio}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) broadcast(ctx context.Context, kind buffer.ControlKind) error {
	for _, q := range s.queues() {
		e, err := q.AllocControl(ctx, kind)
		if err != nil {
			return fmt.Errorf("failed to queue %s marker on %s: %w", kind, q.Name(), err)
		}
		q.Put(e, false)
	}
	return nil
}
