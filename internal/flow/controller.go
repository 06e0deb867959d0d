// Package flow implements the flow controller that paces playback against the
// fill level of a video and an audio queue.
//
// The controller only observes the queues through their hooks and only acts
// through the playback clock. Lock order is queue, then controller, then
// clock; the controller never calls a locked queue operation while holding
// its own lock.
package flow

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/playcore/internal/buffer"
	"github.com/savid/playcore/internal/clock"
	"github.com/savid/playcore/internal/types"
)

// ErrInvalidConfig is returned by New for unusable thresholds or queues.
var ErrInvalidConfig = errors.New("invalid flow configuration")

// Controller watches a video and an audio queue and issues speed commands to
// a playback clock. It is shared by reference count: the creator holds one
// reference, side streams take more with Retain, and the final Release
// detaches it from the queues.
type Controller struct {
	mu     sync.Mutex
	clock  clock.Clock
	cfg    types.FlowConfig
	logger *logrus.Entry
	tracks [2]*track

	state    State
	adaptive bool
	sub      Substate
	pending  Substate
	speed    clock.Speed

	highWater, center, width int64 // ticks

	history  *fillHistory
	pausedAt time.Time
	waiter   *deadlineWaiter
	now      func() time.Time

	bufferingEvents uint64
	yoyoSuppressed  uint64
	speedChanges    uint64

	refs     atomic.Int32
	released sync.Once
}

// New attaches a controller to the video and audio queues. The controller
// starts disabled and wakes up when a stream start marker is put.
func New(video, audio *buffer.Queue, clk clock.Clock, cfg types.FlowConfig, logger *logrus.Logger) (*Controller, error) {
	if video == nil || audio == nil || clk == nil {
		return nil, fmt.Errorf("%w: video queue, audio queue and clock are required", ErrInvalidConfig)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	c := &Controller{
		clock:     clk,
		cfg:       cfg,
		logger:    logger.WithField("component", "flow"),
		speed:     clock.SpeedNormal,
		highWater: types.DurationToPTS(cfg.HighWater),
		center:    types.DurationToPTS(cfg.AdaptiveCenter),
		width:     types.DurationToPTS(cfg.AdaptiveWidth),
		history:   newFillHistory(),
		now:       time.Now,
	}
	c.waiter = newDeadlineWaiter(c.onDeadline)
	c.tracks[trackVideo] = &track{kind: trackVideo, queue: video}
	c.tracks[trackAudio] = &track{kind: trackAudio, queue: audio}

	if err := c.register(); err != nil {
		c.unregister()
		return nil, fmt.Errorf("failed to attach flow controller: %w", err)
	}
	c.refs.Store(1)
	return c, nil
}

func validate(cfg types.FlowConfig) error {
	switch {
	case cfg.HighWater <= 0:
		return fmt.Errorf("%w: high water must be positive", ErrInvalidConfig)
	case cfg.HighWaterPercent <= 0 || cfg.HighWaterPercent > 100:
		return fmt.Errorf("%w: high water percent %d out of range", ErrInvalidConfig, cfg.HighWaterPercent)
	case cfg.YoyoFreeSlots < 0:
		return fmt.Errorf("%w: negative yoyo threshold", ErrInvalidConfig)
	case cfg.AdaptiveCenter <= 0:
		return fmt.Errorf("%w: adaptive center must be positive", ErrInvalidConfig)
	case cfg.AdaptiveWidth < 0 || cfg.AdaptiveWidth >= cfg.AdaptiveCenter:
		return fmt.Errorf("%w: adaptive width must be in [0, center)", ErrInvalidConfig)
	}
	return nil
}

func (c *Controller) register() error {
	for _, t := range c.tracks {
		t := t
		q := t.queue

		id, err := q.RegisterAllocHook(func(_ *buffer.Queue, slots int) { c.onAlloc(t, slots) })
		if err != nil {
			return err
		}
		t.hooks[0] = id

		if id, err = q.RegisterPutHook(func(_ *buffer.Queue, e *buffer.Element) { c.onPut(t, e) }); err != nil {
			return err
		}
		t.hooks[1] = id

		if id, err = q.RegisterGetHook(func(_ *buffer.Queue, e *buffer.Element) { c.onGet(t, e) }); err != nil {
			return err
		}
		t.hooks[2] = id
	}
	return nil
}

// unregister must not be called with c.mu held: it takes the queue locks.
func (c *Controller) unregister() {
	for _, t := range c.tracks {
		t.queue.UnregisterAllocHook(t.hooks[0])
		t.queue.UnregisterPutHook(t.hooks[1])
		t.queue.UnregisterGetHook(t.hooks[2])
	}
}

// Retain takes another reference for a side stream sharing this controller.
func (c *Controller) Retain() *Controller {
	if c.refs.Add(1) <= 1 {
		panic("flow: Retain on a released controller")
	}
	return c
}

// Release drops a reference. The last one stops the deadline waiter and
// unregisters every hook; once it returns no hook of this controller is
// running or will run again.
func (c *Controller) Release() {
	n := c.refs.Add(-1)
	if n < 0 {
		panic("flow: Release without matching reference")
	}
	if n > 0 {
		return
	}
	c.released.Do(func() {
		c.Disable()
		c.unregister()
		c.logger.Debug("Flow controller detached")
	})
}

// Refs returns the current reference count.
func (c *Controller) Refs() int { return int(c.refs.Load()) }

// SetAdaptive switches adaptive mode on or off. Switching it on mid-stream
// enters the prebuffer pause; switching it off returns to normal speed.
func (c *Controller) SetAdaptive(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.adaptive == enabled {
		return
	}
	c.adaptive = enabled
	c.logger.WithField("adaptive", enabled).Info("Adaptive playback mode changed")

	if enabled {
		c.sub = SubstateOff
		if c.state != StateDisabled {
			c.enterPrebuffer("adaptive mode enabled")
		}
		return
	}

	c.waiter.stop()
	c.sub = SubstateOff
	c.pending = SubstateOff
	c.history.reset()
	if c.state == StatePlaying {
		c.setSpeed(clock.SpeedNormal)
	}
}

// Disable stops all flow decisions until the next stream start marker,
// cancels a pending prebuffer deadline and returns the clock to normal speed.
func (c *Controller) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.waiter.stop()
	c.state = StateDisabled
	c.pending = SubstateOff
	if c.adaptive {
		c.sub = SubstateOff
	}
	c.setSpeed(clock.SpeedNormal)
}

// State returns the top-level state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Substate returns the adaptive substate, SubstateOff outside adaptive mode.
func (c *Controller) Substate() Substate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

// onAlloc ends buffering when the producer is about to block on a full
// arena. Nothing drains the queues while the clock is paused.
func (c *Controller) onAlloc(t *track, slots int) {
	if t.queue.Arena().CanAlloc(slots) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateBuffering {
		return
	}
	reason := t.kind.String() + " queue full"
	if c.adaptive {
		c.leavePrebuffer(t.kind, reason)
		return
	}
	c.startPlaying(reason)
}

func (c *Controller) onPut(t *track, e *buffer.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.IsControl() {
		c.putControl(t, e)
		return
	}
	if c.state == StateDisabled {
		return
	}

	t.put(e)
	switch {
	case c.adaptive:
		c.adaptivePut(t)
	case c.state == StateBuffering && c.filled():
		c.startPlaying("high water reached")
	}
}

func (c *Controller) putControl(t *track, e *buffer.Element) {
	switch e.Control {
	case buffer.ControlStreamStart:
		t.reset()
		c.startBuffering("stream start")
	case buffer.ControlStreamEnd:
		if c.state == StateDisabled {
			return
		}
		t.ended = true
		if c.state != StateBuffering {
			return
		}
		if c.adaptive {
			c.leavePrebuffer(c.resumeTrack(), "stream end")
			return
		}
		c.startPlaying("stream end")
	case buffer.ControlNewPTS, buffer.ControlReset:
		if c.state != StateDisabled {
			t.discontinuityIn()
		}
	}
}

func (c *Controller) onGet(t *track, e *buffer.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisabled {
		return
	}
	if e.IsControl() {
		if e.Control == buffer.ControlNewPTS || e.Control == buffer.ControlReset {
			t.discontinuityOut()
		}
		return
	}

	t.get(e)
	empty := !t.ended && t.queue.Len() == 0

	if c.adaptive {
		if k, _, ok := c.sub.tracking(); ok && k == t.kind {
			c.adaptiveSample(t, empty)
		}
		return
	}
	if c.state != StatePlaying || !empty {
		return
	}
	if c.yoyo() {
		c.yoyoSuppressed++
		c.logger.WithField("track", t.kind.String()).Debug("Queue empty but pipeline full, not rebuffering")
		return
	}
	c.startBuffering(t.kind.String() + " queue empty")
}

// filled reports whether every live track holds more than the high-water
// mark. Requires c.mu.
func (c *Controller) filled() bool {
	for _, t := range c.tracks {
		if t.ended {
			continue
		}
		if d, ok := t.duration(c.cfg.DeclaredBitrate); ok {
			if d <= c.highWater {
				return false
			}
			continue
		}
		if t.fillPercent() < c.cfg.HighWaterPercent {
			return false
		}
	}
	return true
}

// yoyo reports whether some tracked arena is already close to exhaustion, in
// which case pausing would stall the producer instead of refilling.
func (c *Controller) yoyo() bool {
	for _, t := range c.tracks {
		if t.queue.Arena().FreeSlots() < c.cfg.YoyoFreeSlots {
			return true
		}
	}
	return false
}

// Requires c.mu.
func (c *Controller) startBuffering(reason string) {
	if c.adaptive {
		if c.sub != SubstatePrebuffer {
			c.enterPrebuffer(reason)
		}
		return
	}
	if c.state == StateBuffering {
		return
	}
	c.state = StateBuffering
	c.bufferingEvents++
	c.setSpeed(clock.SpeedPause)
	c.logger.WithField("reason", reason).Info("Buffering started")
}

// Requires c.mu.
func (c *Controller) startPlaying(reason string) {
	c.state = StatePlaying
	c.setSpeed(clock.SpeedNormal)

	fields := logrus.Fields{"reason": reason}
	for _, t := range c.tracks {
		fields[t.kind.String()+"_fill"] = t.fillPercent()
	}
	c.logger.WithFields(fields).Info("Buffering finished")
}

// Requires c.mu.
func (c *Controller) setSpeed(s clock.Speed) {
	if s == c.speed {
		return
	}
	c.speed = s
	c.speedChanges++
	c.clock.SetSpeed(s)
}

// TrackSnapshot is the telemetry view of one observed queue.
type TrackSnapshot struct {
	Name           string `json:"name"`
	FillPercent    int    `json:"fill_percent"`
	QueuedMS       int64  `json:"queued_ms"` // -1 when no estimate exists
	BitrateBPS     int64  `json:"bitrate_bps"`
	Nesting        int    `json:"discontinuity_nesting"`
	AdaptiveFillMS int64  `json:"adaptive_fill_ms"`
	Ended          bool   `json:"ended"`
}

// Snapshot is the telemetry view of a controller.
type Snapshot struct {
	State           State           `json:"-"`
	StateName       string          `json:"state"`
	Adaptive        bool            `json:"adaptive"`
	Substate        Substate        `json:"substate"`
	SubstateName    string          `json:"substate_name"`
	Speed           clock.Speed     `json:"speed"`
	BufferingEvents uint64          `json:"buffering_events"`
	YoyoSuppressed  uint64          `json:"yoyo_suppressed"`
	SpeedChanges    uint64          `json:"speed_changes"`
	HistorySamples  int             `json:"history_samples"`
	Refs            int             `json:"refs"`
	Tracks          []TrackSnapshot `json:"tracks"`
}

// Snapshot returns the current controller state and counters.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:           c.state,
		StateName:       c.state.String(),
		Adaptive:        c.adaptive,
		Substate:        c.sub,
		SubstateName:    c.sub.String(),
		Speed:           c.speed,
		BufferingEvents: c.bufferingEvents,
		YoyoSuppressed:  c.yoyoSuppressed,
		SpeedChanges:    c.speedChanges,
		HistorySamples:  c.history.len(),
		Refs:            c.Refs(),
	}
	for _, t := range c.tracks {
		ts := TrackSnapshot{
			Name:           t.kind.String(),
			FillPercent:    t.fillPercent(),
			QueuedMS:       -1,
			BitrateBPS:     t.bitrate,
			Nesting:        t.nesting,
			AdaptiveFillMS: types.PTSToDuration(t.fill).Milliseconds(),
			Ended:          t.ended,
		}
		if d, ok := t.duration(c.cfg.DeclaredBitrate); ok {
			ts.QueuedMS = types.PTSToDuration(d).Milliseconds()
		}
		s.Tracks = append(s.Tracks, ts)
	}
	return s
}
