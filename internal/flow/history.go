package flow

import (
	"github.com/eapache/queue"

	"github.com/savid/playcore/internal/types"
)

const (
	historyBucketsPerSecond = 16
	historyBuckets          = 10 * historyBucketsPerSecond
	historySamples          = 128
	historyReady            = 32
	bucketTicks             = types.PTSPerSecond / historyBucketsPerSecond
)

// fillHistory keeps the last historySamples quantized fill levels together
// with a per-bucket population count, so the smoothed minimum is a scan over
// buckets rather than samples.
type fillHistory struct {
	samples *queue.Queue
	counts  [historyBuckets]int
}

func newFillHistory() *fillHistory {
	return &fillHistory{samples: queue.New()}
}

func bucketOf(fill int64) int {
	b := fill / bucketTicks
	if b < 0 {
		return 0
	}
	if b >= historyBuckets {
		return historyBuckets - 1
	}
	return int(b)
}

func (h *fillHistory) add(fill int64) {
	if h.samples.Length() == historySamples {
		old := h.samples.Remove().(int)
		h.counts[old]--
	}
	b := bucketOf(fill)
	h.samples.Add(b)
	h.counts[b]++
}

func (h *fillHistory) len() int { return h.samples.Length() }

// smoothedMin returns the lowest fill level, in ticks, once the lowest
// sixteenth of the samples is ignored. It reports false until enough samples
// have been collected.
func (h *fillHistory) smoothedMin() (int64, bool) {
	n := h.samples.Length()
	if n < historyReady {
		return 0, false
	}
	skip := n / 16
	seen := 0
	for b, c := range h.counts {
		seen += c
		if seen > skip {
			return int64(b) * bucketTicks, true
		}
	}
	return int64(historyBuckets-1) * bucketTicks, true
}

func (h *fillHistory) reset() {
	for h.samples.Length() > 0 {
		h.samples.Remove()
	}
	h.counts = [historyBuckets]int{}
}
