package flow

import (
	"strings"

	"github.com/savid/playcore/internal/clock"
)

// State is the top-level controller state.
type State int

const (
	// StateDisabled ignores all queue traffic until a stream starts.
	StateDisabled State = iota
	// StateBuffering holds playback paused while the queues fill.
	StateBuffering
	// StatePlaying runs the clock, at normal speed or under adaptive control.
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	default:
		return "disabled"
	}
}

// Substate is the adaptive mode state. Zero means adaptive mode is off.
type Substate int

// Adaptive substates. 1-3 track the audio queue, 4-6 the video queue.
const (
	SubstateOff Substate = iota
	SubstateAudioFaster
	SubstateAudioSteady
	SubstateAudioSlower
	SubstateVideoFaster
	SubstateVideoSteady
	SubstateVideoSlower
	SubstatePrebuffer
)

type nudge int

const (
	nudgeFaster nudge = iota
	nudgeSteady
	nudgeSlower
)

func substateFor(k trackKind, n nudge) Substate {
	base := SubstateAudioFaster
	if k == trackVideo {
		base = SubstateVideoFaster
	}
	return base + Substate(n)
}

func (s Substate) tracking() (trackKind, nudge, bool) {
	switch {
	case s >= SubstateAudioFaster && s <= SubstateAudioSlower:
		return trackAudio, nudge(s - SubstateAudioFaster), true
	case s >= SubstateVideoFaster && s <= SubstateVideoSlower:
		return trackVideo, nudge(s - SubstateVideoFaster), true
	default:
		return trackVideo, nudgeSteady, false
	}
}

func (s Substate) speed() clock.Speed {
	_, n, ok := s.tracking()
	if !ok {
		if s == SubstatePrebuffer {
			return clock.SpeedPause
		}
		return clock.SpeedNormal
	}
	switch n {
	case nudgeFaster:
		return clock.SpeedFaster
	case nudgeSlower:
		return clock.SpeedSlower
	default:
		return clock.SpeedNormal
	}
}

func (s Substate) String() string {
	switch s {
	case SubstateOff:
		return "off"
	case SubstatePrebuffer:
		return "prebuffer"
	}
	k, n, _ := s.tracking()
	switch n {
	case nudgeFaster:
		return k.String() + "-faster"
	case nudgeSlower:
		return k.String() + "-slower"
	default:
		return k.String() + "-steady"
	}
}

var liveSchemes = []string{"dvb://", "dvbs://", "dvbt://", "dvbc://", "dvba://", "udp://", "rtp://", "pvr:/"}

// IsLiveSource reports whether mrl names a broadcast-style input that
// delivers at its own pace and cannot be throttled by the player.
func IsLiveSource(mrl string) bool {
	lower := strings.ToLower(mrl)
	for _, scheme := range liveSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}
