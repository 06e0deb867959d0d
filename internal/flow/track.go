package flow

import (
	"github.com/savid/playcore/internal/buffer"
	"github.com/savid/playcore/internal/types"
)

// maxPTSStep bounds the pts delta accepted as continuous; larger jumps are
// treated as an unannounced discontinuity.
const maxPTSStep = 220000

// bitrateWindow is the pts span over which the observed bitrate is sampled.
const bitrateWindow = types.PTSPerSecond / 2

type trackKind int

const (
	trackVideo trackKind = iota
	trackAudio
)

func (k trackKind) String() string {
	if k == trackAudio {
		return "audio"
	}
	return "video"
}

// track holds the statistics kept for one observed queue. All fields are
// guarded by the controller lock.
type track struct {
	kind  trackKind
	queue *buffer.Queue
	hooks [3]buffer.HookID

	ended   bool
	nesting int // open discontinuities between producer and consumer

	// Duration estimate from pts.
	firstIn, lastIn, lastOut int64
	hasIn, hasOut            bool

	// Observed bitrate in bits per second.
	bitrate      int64
	brRef        int64
	hasBRRef     bool
	bytesSinceBR int64

	// Adaptive fill: accumulated pts deltas in minus out.
	fill        int64
	adaptIn     int64
	adaptOut    int64
	hasAdaptIn  bool
	hasAdaptOut bool
	seenPTS     bool
}

func (t *track) reset() {
	q, hooks, kind := t.queue, t.hooks, t.kind
	*t = track{kind: kind, queue: q, hooks: hooks}
}

// discontinuityIn restarts the adaptive fill: the marker follows a flush or a
// timestamp jump, so the old deltas no longer describe what is queued.
func (t *track) discontinuityIn() {
	t.nesting++
	t.hasIn = false
	t.restartFill()
	t.hasBRRef = false
	t.bytesSinceBR = 0
}

func (t *track) restartFill() {
	t.fill = 0
	t.hasAdaptIn = false
	t.hasAdaptOut = false
}

func (t *track) discontinuityOut() {
	if t.nesting > 0 {
		t.nesting--
	}
	t.hasOut = false
	t.hasAdaptOut = false
}

func (t *track) put(e *buffer.Element) {
	t.bytesSinceBR += int64(e.Len())
	if e.PTS == 0 {
		return
	}
	pts := e.PTS
	t.seenPTS = true

	if !t.hasIn {
		t.firstIn = pts
		t.hasIn = true
	}
	t.lastIn = pts

	if t.hasAdaptIn {
		if d := pts - t.adaptIn; d > -maxPTSStep && d < maxPTSStep {
			t.fill += d
		}
	}
	t.adaptIn = pts
	t.hasAdaptIn = true

	t.sampleBitrate(pts)
}

func (t *track) get(e *buffer.Element) {
	if e.PTS == 0 {
		return
	}
	pts := e.PTS
	if t.nesting == 0 {
		t.lastOut = pts
		t.hasOut = true
	}

	if t.hasAdaptOut {
		if d := pts - t.adaptOut; d > -maxPTSStep && d < maxPTSStep {
			t.fill -= d
		}
	}
	if t.fill < 0 {
		t.fill = 0
	}
	t.adaptOut = pts
	t.hasAdaptOut = true
}

func (t *track) sampleBitrate(pts int64) {
	if !t.hasBRRef {
		t.brRef = pts
		t.hasBRRef = true
		t.bytesSinceBR = 0
		return
	}
	d := pts - t.brRef
	if d < 0 || d > maxPTSStep {
		t.brRef = pts
		t.bytesSinceBR = 0
		return
	}
	if d < bitrateWindow {
		return
	}
	rate := t.bytesSinceBR * 8 * types.PTSPerSecond / d
	if t.bitrate == 0 {
		t.bitrate = rate
	} else {
		t.bitrate = (3*t.bitrate + rate) / 4
	}
	t.brRef = pts
	t.bytesSinceBR = 0
}

// duration estimates the queued playback time in ticks. It prefers pts
// differences, then the declared bitrate, then the observed bitrate.
func (t *track) duration(declaredBitrate int64) (int64, bool) {
	if t.nesting == 0 && t.hasIn {
		ref := t.firstIn
		if t.hasOut {
			ref = t.lastOut
		}
		if d := t.lastIn - ref; d > 0 && d < 10*maxPTSStep {
			return d, true
		}
	}
	br := declaredBitrate
	if br <= 0 {
		br = t.bitrate
	}
	if br > 0 {
		return t.queue.Stats().Bytes * 8 * types.PTSPerSecond / br, true
	}
	return 0, false
}

func (t *track) fillPercent() int {
	return t.queue.Stats().FillPercent()
}
