// Package clock provides the playback clock the flow controller paces.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/playcore/internal/types"
)

// Speed is a fine playback speed. SpeedNormal plays in real time.
type Speed int

const (
	// SpeedPause stops the clock.
	SpeedPause Speed = 0
	// SpeedNormal is real-time playback.
	SpeedNormal Speed = 1000000
	// SpeedFaster is normal speed plus 0.5%.
	SpeedFaster = SpeedNormal * 201 / 200
	// SpeedSlower is normal speed minus 0.5%.
	SpeedSlower = SpeedNormal * 199 / 200
)

// Scale returns s multiplied by num/den.
func (s Speed) Scale(num, den int) Speed {
	return Speed(int64(s) * int64(num) / int64(den))
}

func (s Speed) String() string {
	switch s {
	case SpeedPause:
		return "pause"
	case SpeedNormal:
		return "normal"
	default:
		return fmt.Sprintf("%+.2f%%", float64(s-SpeedNormal)*100/float64(SpeedNormal))
	}
}

// Clock is the playback clock seen by the flow controller. Implementations
// are safe for concurrent use and must not call back into the caller.
type Clock interface {
	SetSpeed(s Speed)
	CurrentTime() int64
}

// Playback is a Clock that advances stream time, in 90 kHz ticks, at the
// current speed.
type Playback struct {
	mu       sync.Mutex
	speed    Speed
	base     int64
	anchor   time.Time
	observer func(Speed)
	now      func() time.Time
	logger   *logrus.Entry
}

// NewPlayback returns a clock at time 0 running at normal speed.
func NewPlayback(logger *logrus.Logger) *Playback {
	p := &Playback{
		speed:  SpeedNormal,
		now:    time.Now,
		logger: logger.WithField("component", "clock"),
	}
	p.anchor = p.now()
	return p
}

// Observe registers fn to be called after every speed change. Only one
// observer is kept.
func (p *Playback) Observe(fn func(Speed)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = fn
}

// SetSpeed changes the playback speed. Stream time accumulated so far is kept.
func (p *Playback) SetSpeed(s Speed) {
	if s < 0 {
		s = SpeedPause
	}

	p.mu.Lock()
	old := p.speed
	if s == old {
		p.mu.Unlock()
		return
	}
	now := p.now()
	p.base = p.timeAt(now)
	p.anchor = now
	p.speed = s
	observer := p.observer
	p.mu.Unlock()

	entry := p.logger.WithFields(logrus.Fields{
		"from": old.String(),
		"to":   s.String(),
	})
	if s == SpeedPause || s == SpeedNormal {
		entry.Info("Playback speed changed")
	} else {
		entry.Debug("Playback speed changed")
	}
	if observer != nil {
		observer(s)
	}
}

// Speed returns the current speed.
func (p *Playback) Speed() Speed {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// CurrentTime returns the stream time in 90 kHz ticks.
func (p *Playback) CurrentTime() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeAt(p.now())
}

// Adjust jumps the stream time to pts, as after a discontinuity.
func (p *Playback) Adjust(pts int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.base = pts
	p.anchor = p.now()
	p.logger.WithField("pts", pts).Debug("Clock adjusted")
}

// timeAt requires p.mu.
func (p *Playback) timeAt(now time.Time) int64 {
	elapsed := now.Sub(p.anchor)
	if elapsed <= 0 || p.speed == SpeedPause {
		return p.base
	}
	ticks := types.DurationToPTS(elapsed)
	return p.base + ticks*int64(p.speed)/int64(SpeedNormal)
}
