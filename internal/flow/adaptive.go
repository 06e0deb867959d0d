package flow

import (
	"github.com/sirupsen/logrus"

	"github.com/savid/playcore/internal/clock"
	"github.com/savid/playcore/internal/types"
)

// Adaptive mode keeps a live source playing by nudging the clock speed by
// half a percent instead of pausing. It tracks one queue at a time; the
// substate encodes which one and the current nudge.

// enterPrebuffer pauses until the queues hold AdaptiveCenter of data or the
// deadline waiter gives up waiting. Requires c.mu.
func (c *Controller) enterPrebuffer(reason string) {
	c.sub = SubstatePrebuffer
	c.state = StateBuffering
	c.pending = SubstateOff
	c.pausedAt = c.now()
	c.history.reset()
	c.waiter.stop()
	c.bufferingEvents++
	c.setSpeed(clock.SpeedPause)
	c.logger.WithField("reason", reason).Info("Adaptive playback paused")
}

// leavePrebuffer resumes at normal speed tracking queue k. Requires c.mu.
func (c *Controller) leavePrebuffer(k trackKind, reason string) {
	c.waiter.stop()
	c.sub = substateFor(k, nudgeSteady)
	c.state = StatePlaying
	c.pending = SubstateOff
	c.history.reset()
	c.setSpeed(clock.SpeedNormal)
	c.logger.WithFields(logrus.Fields{
		"reason":   reason,
		"tracking": k.String(),
		"fill_ms":  types.PTSToDuration(c.tracks[k].fill).Milliseconds(),
	}).Info("Adaptive playback resumed")
}

// resumeTrack picks the queue to track when prebuffering ends without one
// of them reaching the center: audio if it carries timestamps, else video.
func (c *Controller) resumeTrack() trackKind {
	if c.tracks[trackAudio].seenPTS {
		return trackAudio
	}
	return trackVideo
}

// Requires c.mu.
func (c *Controller) adaptivePut(t *track) {
	if c.sub != SubstatePrebuffer {
		if k, _, ok := c.sub.tracking(); ok && k == t.kind {
			c.adaptiveSample(t, false)
		}
		return
	}
	if t.fill >= c.center {
		c.leavePrebuffer(t.kind, t.kind.String()+" refilled")
		return
	}
	c.armDeadline(t)
}

// armDeadline schedules the end of the prebuffer pause. The first arming is
// measured from the pause; later puts may only push the deadline out, to
// the time the current fill rate needs to reach the center. Requires c.mu.
func (c *Controller) armDeadline(t *track) {
	now := c.now()
	if _, armed := c.waiter.pending(); !armed {
		deadline := c.pausedAt.Add(c.cfg.AdaptiveCenter)
		if !deadline.After(now) {
			c.pausedAt = now
			deadline = now.Add(c.cfg.AdaptiveCenter)
		}
		c.waiter.arm(deadline)
		return
	}
	remaining := types.PTSToDuration(c.center - t.fill)
	if c.waiter.arm(now.Add(remaining)) {
		c.logger.WithField("remaining", remaining).Debug("Prebuffer deadline extended")
	}
}

// onDeadline runs on the waiter's timer goroutine.
func (c *Controller) onDeadline(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.waiter.claim(gen) || c.sub != SubstatePrebuffer {
		return
	}
	c.leavePrebuffer(c.resumeTrack(), "prebuffer deadline")
}

// adaptiveSample feeds the fill of the tracked queue into the history and
// moves between the nudge substates once the smoothed minimum leaves the
// band around the center. Requires c.mu.
func (c *Controller) adaptiveSample(t *track, starved bool) {
	if starved {
		t.restartFill()
		c.enterPrebuffer(t.kind.String() + " queue starved")
		return
	}

	c.history.add(t.fill)
	low, ok := c.history.smoothedMin()
	if !ok {
		return
	}

	_, cur, _ := c.sub.tracking()
	next := cur
	switch cur {
	case nudgeSteady:
		if low > c.center+c.width {
			next = nudgeFaster
		} else if low < c.center-c.width {
			next = nudgeSlower
		}
	case nudgeFaster:
		if low <= c.center {
			next = nudgeSteady
		}
	case nudgeSlower:
		if low >= c.center {
			next = nudgeSteady
		}
	}
	if next == cur {
		c.pending = SubstateOff
		return
	}

	proposal := substateFor(t.kind, next)
	if c.reversed(t, next) && c.pending != proposal {
		c.pending = proposal
		c.logger.WithField("proposal", proposal.String()).Debug("Speed change deferred, other queue disagrees")
		return
	}
	c.pending = SubstateOff

	c.logger.WithFields(logrus.Fields{
		"from":   c.sub.String(),
		"to":     proposal.String(),
		"min_ms": types.PTSToDuration(low).Milliseconds(),
	}).Debug("Adaptive substate changed")
	c.sub = proposal
	c.setSpeed(proposal.speed())
}

// reversed reports whether the untracked queue sits on the opposite side of
// its band, so speeding up or slowing down would push it further away.
func (c *Controller) reversed(t *track, next nudge) bool {
	other := c.tracks[1-t.kind]
	if !other.seenPTS {
		return false
	}
	switch next {
	case nudgeFaster:
		return other.fill < c.center-c.width
	case nudgeSlower:
		return other.fill > c.center+c.width
	}
	return false
}
