package flow

import (
	"context"
	"testing"
	"time"

	"github.com/savid/playcore/internal/buffer"
	"github.com/savid/playcore/internal/clock"
)

// steadyVideo puts the controller into adaptive playback tracking video at
// normal speed without going through the queues.
func steadyVideo(f *fixture) {
	f.ctrl.mu.Lock()
	defer f.ctrl.mu.Unlock()

	f.ctrl.adaptive = true
	f.ctrl.state = StatePlaying
	f.ctrl.sub = SubstateVideoSteady
}

func sample(f *fixture, fill int64) Substate {
	f.ctrl.mu.Lock()
	defer f.ctrl.mu.Unlock()

	v := f.ctrl.tracks[trackVideo]
	v.fill = fill
	f.ctrl.adaptiveSample(v, false)
	return f.ctrl.sub
}

func TestAdaptiveStreamStartPrebuffers(t *testing.T) {
	f := newFixture(t, testFlowConfig(), 200, 200)
	f.ctrl.SetAdaptive(true)
	f.start(t)

	if f.ctrl.Substate() != SubstatePrebuffer {
		t.Errorf("Expected prebuffer substate, got %s", f.ctrl.Substate())
	}
	if f.ctrl.State() != StateBuffering {
		t.Errorf("Expected buffering state, got %s", f.ctrl.State())
	}
	if f.clock.count(clock.SpeedPause) != 1 {
		t.Errorf("Expected one pause command, got %d", f.clock.count(clock.SpeedPause))
	}
}

func TestAdaptiveRefillResumes(t *testing.T) {
	f := newFixture(t, testFlowConfig(), 200, 200)
	f.ctrl.SetAdaptive(true)
	f.start(t)

	// One second of video at 25 fps crosses the center.
	for i := 0; i < 30 && f.ctrl.Substate() == SubstatePrebuffer; i++ {
		f.frame(t, f.video)
	}

	if f.ctrl.Substate() != SubstateVideoSteady {
		t.Fatalf("Expected video-steady after refilling, got %s", f.ctrl.Substate())
	}
	if f.ctrl.State() != StatePlaying {
		t.Errorf("Expected playing, got %s", f.ctrl.State())
	}
	if f.clock.count(clock.SpeedNormal) != 1 {
		t.Errorf("Expected one normal speed command, got %d", f.clock.count(clock.SpeedNormal))
	}
	if _, armed := f.ctrl.waiter.pending(); armed {
		t.Error("Leaving prebuffer must stop the deadline waiter")
	}
}

func TestAdaptiveSmoothedMinimum(t *testing.T) {
	f := newFixture(t, testFlowConfig(), 32, 32)
	steadyVideo(f)
	center, width := f.ctrl.center, f.ctrl.width

	for i := 0; i < historyReady; i++ {
		sample(f, center)
	}

	// 20 samples above the band: the raw samples cross, the smoothed minimum
	// does not.
	high := center + 2*width
	for i := 0; i < 20; i++ {
		if sub := sample(f, high); sub != SubstateVideoSteady {
			t.Fatalf("Sample %d: substate changed to %s on raw samples", i, sub)
		}
	}
	if f.clock.total() != 0 {
		t.Fatalf("Expected no speed command yet, got %d", f.clock.total())
	}

	changes := 0
	prev := SubstateVideoSteady
	for i := 0; i < 200; i++ {
		if sub := sample(f, high); sub != prev {
			changes++
			prev = sub
		}
	}
	if prev != SubstateVideoFaster {
		t.Errorf("Expected video-faster once the smoothed minimum crossed, got %s", prev)
	}
	if changes != 1 {
		t.Errorf("Expected a single substate change, got %d", changes)
	}
	if f.clock.count(clock.SpeedFaster) != 1 || f.clock.total() != 1 {
		t.Errorf("Expected exactly one +0.5%% command, got calls %v", f.clock.calls)
	}
}

func TestAdaptiveFasterReturnsToSteady(t *testing.T) {
	f := newFixture(t, testFlowConfig(), 32, 32)
	steadyVideo(f)
	center, width := f.ctrl.center, f.ctrl.width

	for i := 0; i < historyReady; i++ {
		sample(f, center+2*width)
	}
	if f.ctrl.Substate() != SubstateVideoFaster {
		t.Fatalf("Expected video-faster, got %s", f.ctrl.Substate())
	}

	// Back inside the band but above the center: keep nudging.
	for i := 0; i < historySamples; i++ {
		sample(f, center+width)
	}
	if f.ctrl.Substate() != SubstateVideoFaster {
		t.Fatalf("Expected to stay faster above the center, got %s", f.ctrl.Substate())
	}

	for i := 0; i < historySamples; i++ {
		sample(f, center-width/2)
	}
	if f.ctrl.Substate() != SubstateVideoSteady {
		t.Errorf("Expected video-steady once the minimum reached the center, got %s", f.ctrl.Substate())
	}
	if f.clock.count(clock.SpeedNormal) != 1 {
		t.Errorf("Expected one return to normal speed, got %d", f.clock.count(clock.SpeedNormal))
	}
}

func TestAdaptiveSlowerBelowBand(t *testing.T) {
	f := newFixture(t, testFlowConfig(), 32, 32)
	steadyVideo(f)
	low := f.ctrl.center - 3*f.ctrl.width

	for i := 0; i < historyReady; i++ {
		sample(f, low)
	}
	if f.ctrl.Substate() != SubstateVideoSlower {
		t.Errorf("Expected video-slower, got %s", f.ctrl.Substate())
	}
	if f.clock.count(clock.SpeedSlower) != 1 {
		t.Errorf("Expected one -0.5%% command, got %d", f.clock.count(clock.SpeedSlower))
	}
}

func TestAdaptiveReversalDefers(t *testing.T) {
	f := newFixture(t, testFlowConfig(), 32, 32)
	steadyVideo(f)

	f.ctrl.mu.Lock()
	audio := f.ctrl.tracks[trackAudio]
	audio.seenPTS = true
	audio.fill = 0
	f.ctrl.mu.Unlock()

	high := f.ctrl.center + 2*f.ctrl.width
	for i := 0; i < historyReady; i++ {
		if sub := sample(f, high); sub != SubstateVideoSteady {
			t.Fatalf("Sample %d: expected the change to be deferred, got %s", i, sub)
		}
	}
	if f.clock.total() != 0 {
		t.Fatalf("Deferred change must not touch the clock, got %d calls", f.clock.total())
	}

	if sub := sample(f, high); sub != SubstateVideoFaster {
		t.Errorf("Expected the repeated proposal to apply, got %s", sub)
	}
	if f.clock.count(clock.SpeedFaster) != 1 {
		t.Errorf("Expected one +0.5%% command, got %d", f.clock.count(clock.SpeedFaster))
	}
}

func TestAdaptiveNoReversalAppliesImmediately(t *testing.T) {
	f := newFixture(t, testFlowConfig(), 32, 32)
	steadyVideo(f)

	f.ctrl.mu.Lock()
	audio := f.ctrl.tracks[trackAudio]
	audio.seenPTS = true
	audio.fill = f.ctrl.center
	f.ctrl.mu.Unlock()

	high := f.ctrl.center + 2*f.ctrl.width
	var sub Substate
	for i := 0; i < historyReady; i++ {
		sub = sample(f, high)
	}
	if sub != SubstateVideoFaster {
		t.Errorf("Expected video-faster on the first ready sample, got %s", sub)
	}
}

func TestAdaptiveStarvationPrebuffers(t *testing.T) {
	f := newFixture(t, testFlowConfig(), 200, 200)
	f.ctrl.SetAdaptive(true)
	f.start(t)
	for i := 0; i < 30 && f.ctrl.Substate() == SubstatePrebuffer; i++ {
		f.frame(t, f.video)
	}
	if f.ctrl.Substate() != SubstateVideoSteady {
		t.Fatalf("Expected video-steady, got %s", f.ctrl.Substate())
	}

	f.drain(t, f.video)

	if f.ctrl.Substate() != SubstatePrebuffer {
		t.Errorf("Expected prebuffer after the tracked queue starved, got %s", f.ctrl.Substate())
	}
	if f.clock.count(clock.SpeedPause) != 2 {
		t.Errorf("Expected a second pause command, got %d", f.clock.count(clock.SpeedPause))
	}
	if snap := f.ctrl.Snapshot(); snap.BufferingEvents != 2 {
		t.Errorf("Expected 2 buffering events, got %d", snap.BufferingEvents)
	}
}

func TestAdaptiveDeadlineResumes(t *testing.T) {
	cfg := testFlowConfig()
	cfg.AdaptiveCenter = 100 * time.Millisecond
	cfg.AdaptiveWidth = 10 * time.Millisecond
	f := newFixture(t, cfg, 200, 200)
	f.ctrl.SetAdaptive(true)
	f.start(t)

	// A trickle of audio that never reaches the center on its own.
	f.frames(t, f.audio, 2)
	if _, armed := f.ctrl.waiter.pending(); !armed {
		t.Fatal("Expected the deadline waiter to be armed by the first put")
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.ctrl.Substate() == SubstatePrebuffer && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.ctrl.Substate() != SubstateAudioSteady {
		t.Fatalf("Expected audio-steady after the deadline, got %s", f.ctrl.Substate())
	}
	if f.clock.count(clock.SpeedNormal) != 1 {
		t.Errorf("Expected one normal speed command, got %d", f.clock.count(clock.SpeedNormal))
	}
}

func TestAdaptiveDisableCancelsDeadline(t *testing.T) {
	cfg := testFlowConfig()
	cfg.AdaptiveCenter = 50 * time.Millisecond
	cfg.AdaptiveWidth = 5 * time.Millisecond
	f := newFixture(t, cfg, 200, 200)
	f.ctrl.SetAdaptive(true)
	f.start(t)
	f.frames(t, f.video, 1)

	f.ctrl.Disable()
	time.Sleep(150 * time.Millisecond)

	if f.ctrl.State() != StateDisabled {
		t.Errorf("Expected disabled, got %s", f.ctrl.State())
	}
	if f.clock.count(clock.SpeedNormal) != 1 {
		t.Errorf("Expected only the normal speed command from Disable, got %d", f.clock.count(clock.SpeedNormal))
	}
}

func TestAdaptiveStreamEndResumes(t *testing.T) {
	f := newFixture(t, testFlowConfig(), 200, 200)
	f.ctrl.SetAdaptive(true)
	f.start(t)
	f.frames(t, f.video, 2)

	f.control(t, f.video, buffer.ControlStreamEnd)

	if f.ctrl.State() != StatePlaying {
		t.Errorf("Expected playing after stream end, got %s", f.ctrl.State())
	}
	if f.ctrl.Substate() != SubstateVideoSteady {
		t.Errorf("Expected video-steady without audio timestamps, got %s", f.ctrl.Substate())
	}
}

func TestSetAdaptiveOffRestoresNormal(t *testing.T) {
	f := newFixture(t, testFlowConfig(), 32, 32)
	steadyVideo(f)
	for i := 0; i < historyReady; i++ {
		sample(f, f.ctrl.center+2*f.ctrl.width)
	}
	if f.ctrl.Substate() != SubstateVideoFaster {
		t.Fatalf("Expected video-faster, got %s", f.ctrl.Substate())
	}

	f.ctrl.SetAdaptive(false)
	if f.ctrl.Substate() != SubstateOff {
		t.Errorf("Expected adaptive substate off, got %s", f.ctrl.Substate())
	}
	if f.clock.count(clock.SpeedNormal) != 1 {
		t.Errorf("Expected the nudge undone, got %d normal commands", f.clock.count(clock.SpeedNormal))
	}
}

func refill(t *testing.T, f *fixture) {
	t.Helper()
	for i := 0; i < 30 && f.ctrl.Substate() == SubstatePrebuffer; i++ {
		f.frame(t, f.video)
	}
	if f.ctrl.Substate() != SubstateVideoSteady {
		t.Fatalf("Expected video-steady after refilling, got %s", f.ctrl.Substate())
	}
}

func videoFill(f *fixture) int64 {
	f.ctrl.mu.Lock()
	defer f.ctrl.mu.Unlock()
	return f.ctrl.tracks[trackVideo].fill
}

func TestAdaptiveDiscontinuityRestartsFill(t *testing.T) {
	f := newFixture(t, testFlowConfig(), 200, 200)
	f.ctrl.SetAdaptive(true)
	f.start(t)
	refill(t, f)

	f.video.Clear()
	e, err := f.video.AllocControl(context.Background(), buffer.ControlNewPTS)
	if err != nil {
		t.Fatalf("AllocControl failed: %v", err)
	}
	e.Flags |= buffer.FlagSeek
	f.video.InsertFront(e)

	if fill := videoFill(f); fill != 0 {
		t.Fatalf("Expected the fill restarted by the marker, got %d", fill)
	}
	f.frames(t, f.video, 2)
	if fill := videoFill(f); fill != videoFrame {
		t.Errorf("Expected the fill to count only frames after the marker, got %d", fill)
	}
}

func TestAdaptiveStarvationRestartsFill(t *testing.T) {
	f := newFixture(t, testFlowConfig(), 200, 200)
	f.ctrl.SetAdaptive(true)
	f.start(t)
	refill(t, f)

	// Dropped without a marker, so the fill still counts a full second.
	f.video.Clear()
	f.frame(t, f.video)
	f.drain(t, f.video)

	if f.ctrl.Substate() != SubstatePrebuffer {
		t.Fatalf("Expected prebuffer after the queue starved, got %s", f.ctrl.Substate())
	}
	if fill := videoFill(f); fill != 0 {
		t.Errorf("Expected the fill restarted on starvation, got %d", fill)
	}

	f.frame(t, f.video)
	if f.ctrl.Substate() != SubstatePrebuffer {
		t.Errorf("One frame must not end the prebuffer, got %s", f.ctrl.Substate())
	}
	if f.clock.count(clock.SpeedNormal) != 1 {
		t.Errorf("Expected only the first resume, got %d normal speed commands", f.clock.count(clock.SpeedNormal))
	}
}
