package metrics

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/playcore/internal/clock"
	"github.com/savid/playcore/internal/flow"
	"github.com/savid/playcore/internal/types"
)

// Source is what the sampler reads from.
type Source interface {
	Stats() []types.QueueStats
	Flow() flow.Snapshot
}

// Sampler copies session telemetry into the collectors on a fixed interval.
type Sampler struct {
	source   Source
	interval time.Duration
	logger   *logrus.Logger

	// last counter values seen, so the Prometheus counters get deltas
	buffering uint64
	yoyo      uint64
	speeds    uint64
}

// NewSampler creates a sampler for source.
func NewSampler(source Source, interval time.Duration, logger *logrus.Logger) *Sampler {
	return &Sampler{
		source:   source,
		interval: interval,
		logger:   logger,
	}
}

// Start samples until the context is cancelled.
func (s *Sampler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sample()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Metrics sampler shutting down")
			return
		case <-ticker.C:
			s.Sample()
		}
	}
}

// Sample takes one reading.
func (s *Sampler) Sample() {
	for _, st := range s.source.Stats() {
		QueueElements.WithLabelValues(st.Name).Set(float64(st.Elements))
		QueueBytes.WithLabelValues(st.Name).Set(float64(st.Bytes))
		ArenaFreeSlots.WithLabelValues(st.Name).Set(float64(st.FreeSlots))
	}

	snap := s.source.Flow()
	FlowState.Set(float64(snap.State))
	AdaptiveSubstate.Set(float64(snap.Substate))
	ObserveSpeed(snap.Speed)

	BufferingEventsTotal.Add(delta(&s.buffering, snap.BufferingEvents))
	YoyoSuppressedTotal.Add(delta(&s.yoyo, snap.YoyoSuppressed))
	SpeedChangesTotal.Add(delta(&s.speeds, snap.SpeedChanges))
}

// ObserveSpeed records a playback speed. It is used as a clock observer.
func ObserveSpeed(sp clock.Speed) {
	PlaybackSpeed.Set(float64(sp) / float64(clock.SpeedNormal))
}

// delta returns how much cur grew since *last and remembers cur. A counter
// that went backwards belongs to a new controller and counts from zero.
func delta(last *uint64, cur uint64) float64 {
	prev := *last
	*last = cur
	if cur < prev {
		return float64(cur)
	}
	return float64(cur - prev)
}
