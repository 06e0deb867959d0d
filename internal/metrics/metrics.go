// Package metrics exposes playback data path telemetry to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	QueueElements = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "playcore_queue_elements",
		Help: "Elements currently queued",
	}, []string{"queue"})
	QueueBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "playcore_queue_bytes",
		Help: "Payload bytes currently queued",
	}, []string{"queue"})
	ArenaFreeSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "playcore_arena_free_slots",
		Help: "Free slots in the arena backing a queue",
	}, []string{"queue"})
	PlaybackSpeed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playcore_playback_speed",
		Help: "Playback clock speed as a ratio of normal speed",
	})
	FlowState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playcore_flow_state",
		Help: "Flow controller state (0 disabled, 1 buffering, 2 playing)",
	})
	AdaptiveSubstate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playcore_adaptive_substate",
		Help: "Adaptive sub-state (0 off, 1-6 speed nudges, 7 prebuffer)",
	})
)

// Counters
var (
	BufferingEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playcore_buffering_events_total",
		Help: "Transitions into buffering",
	})
	YoyoSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playcore_yoyo_suppressed_total",
		Help: "Rebuffers skipped because an arena was nearly full",
	})
	SpeedChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playcore_speed_changes_total",
		Help: "Speed changes issued to the playback clock",
	})
)
