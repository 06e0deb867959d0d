// Package types contains shared type definitions for the playback data path.
package types

import "time"

// PTSPerSecond is the presentation timestamp clock rate (90 kHz).
const PTSPerSecond = 90000

// ArenaConfig defines the geometry of one buffer arena.
type ArenaConfig struct {
	Slots    int // Number of fixed-size slots in the arena.
	SlotSize int // Size of one slot in bytes.
}

// FlowConfig defines the thresholds used by the flow controller.
type FlowConfig struct {
	HighWater        time.Duration // Queued duration required on every track before playback resumes.
	HighWaterPercent int           // Slot fill percentage used instead of HighWater when no duration estimate exists.
	YoyoFreeSlots    int           // Do not rebuffer on an empty queue while its arena has fewer free slots than this.
	DeclaredBitrate  int64         // Stream bitrate in bits per second, 0 if unknown.
	AdaptiveCenter   time.Duration // Target buffered duration in adaptive mode.
	AdaptiveWidth    time.Duration // Hysteresis half-width around AdaptiveCenter.
}

// DefaultVideoArena returns the default arena geometry for a video queue.
func DefaultVideoArena() ArenaConfig {
	return ArenaConfig{
		Slots:    500,
		SlotSize: 8192,
	}
}

// DefaultAudioArena returns the default arena geometry for an audio queue.
func DefaultAudioArena() ArenaConfig {
	return ArenaConfig{
		Slots:    230,
		SlotSize: 8192,
	}
}

// DefaultFlowConfig returns the default flow controller thresholds.
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		HighWater:        3 * time.Second,
		HighWaterPercent: 75,
		YoyoFreeSlots:    24,
		AdaptiveCenter:   2 * time.Second,
		AdaptiveWidth:    250 * time.Millisecond,
	}
}

// DurationToPTS converts a wall-clock duration to 90 kHz ticks.
func DurationToPTS(d time.Duration) int64 {
	return int64(d) * PTSPerSecond / int64(time.Second)
}

// PTSToDuration converts 90 kHz ticks to a wall-clock duration.
func PTSToDuration(pts int64) time.Duration {
	return time.Duration(pts * int64(time.Second) / PTSPerSecond)
}

// QueueStats is the read-only telemetry snapshot of one queue.
type QueueStats struct {
	Name      string `json:"name"`
	Elements  int    `json:"elements"`   // Elements currently queued.
	Bytes     int64  `json:"bytes"`      // Sum of logical sizes of queued elements.
	UsedSlots int    `json:"used_slots"` // Arena slots held by queued elements.
	FreeSlots int    `json:"free_slots"` // Free slots in the queue's arena.
	Capacity  int    `json:"capacity"`   // Total slots in the queue's arena.
}

// FillPercent returns the share of arena slots held by queued elements.
func (s QueueStats) FillPercent() int {
	if s.Capacity == 0 {
		return 0
	}
	return s.UsedSlots * 100 / s.Capacity
}

// ArenaStats describes the free-run list of an arena.
type ArenaStats struct {
	Capacity   int `json:"capacity"`
	SlotSize   int `json:"slot_size"`
	FreeSlots  int `json:"free_slots"`
	FreeRuns   int `json:"free_runs"`
	LargestRun int `json:"largest_run"`
}
