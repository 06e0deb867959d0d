package testchannels

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/playcore/internal/buffer"
	"github.com/savid/playcore/internal/flow"
	"github.com/savid/playcore/internal/types"
)

// Generator produces the video and audio elementary streams of a profile
// into a pair of queues. Live profiles are paced by the source clock and may
// stall; file profiles are only throttled by the queues themselves.
type Generator struct {
	profile Profile
	video   *buffer.Queue
	audio   *buffer.Queue
	logger  *logrus.Entry

	frames atomic.Int64
	heap   atomic.Int64
	grown  atomic.Int64
}

// NewGenerator creates a generator for profile writing to video and audio.
func NewGenerator(profile Profile, video, audio *buffer.Queue, logger *logrus.Logger) (*Generator, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &Generator{
		profile: profile,
		video:   video,
		audio:   audio,
		logger:  logger.WithField("profile", profile.Name),
	}, nil
}

// Live reports whether the profile behaves as a broadcast source.
func (p Profile) Live() bool {
	return flow.IsLiveSource(p.MRL)
}

// Frames returns the number of frames produced so far.
func (g *Generator) Frames() int64 { return g.frames.Load() }

// Grown returns the number of frames extended in place after allocation.
func (g *Generator) Grown() int64 { return g.grown.Load() }

// Run produces both streams until ctx is cancelled. It returns the first
// allocation error that is not caused by the cancellation.
func (g *Generator) Run(ctx context.Context) error {
	g.logger.WithFields(logrus.Fields{
		"live": g.profile.Live(),
		"mrl":  g.profile.MRL,
	}).Info("Starting synthetic source")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, s := range []struct {
		q   *buffer.Queue
		typ buffer.Type
		st  stream
	}{
		{g.video, buffer.TypeVideo, g.profile.video()},
		{g.audio, buffer.TypeAudio, g.profile.audio()},
	} {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- g.produce(ctx, s.q, s.typ, s.st)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	g.logger.WithField("frames", g.Frames()).Info("Synthetic source stopped")
	return nil
}

func (g *Generator) produce(ctx context.Context, q *buffer.Queue, typ buffer.Type, st stream) error {
	live := g.profile.Live()
	start := time.Now()
	pts := int64(types.PTSPerSecond)
	nextStall := g.profile.StallEvery
	var stalled time.Duration

	for n := int64(0); ; n++ {
		if live {
			at := time.Duration(n) * st.interval
			if g.profile.StallEvery > 0 && at >= nextStall {
				nextStall += g.profile.StallEvery
				stalled += g.profile.Stall
				g.logger.WithFields(logrus.Fields{
					"stream":   typ.String(),
					"duration": g.profile.Stall,
				}).Info("Simulating signal loss")
			}
			if !sleepUntil(ctx, start.Add(at+stalled)) {
				return nil
			}
		}

		size := st.frameBytes
		keyframe := typ == buffer.TypeVideo && n%int64(g.profile.Framerate) == 0
		if keyframe {
			size *= 2
		}
		e, err := g.alloc(ctx, q, st.frameBytes, size)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to allocate %s frame: %w", typ, err)
		}

		fillPattern(e, min(size, e.Cap()), byte(n))
		e.Type = typ
		e.PTS = pts
		e.Flags = buffer.FlagFrameStart | buffer.FlagFrameEnd
		if keyframe {
			e.Flags |= buffer.FlagKeyframe
		}
		e.Info = buffer.Info{
			InputTime:   int(types.PTSToDuration(pts - types.PTSPerSecond).Milliseconds()),
			FrameNumber: n,
		}
		// Audio frames that fill their slots are packed into one element.
		q.Put(e, typ == buffer.TypeAudio)

		g.frames.Add(1)
		pts += st.frameTicks
	}
}

// alloc takes arena slots for ordinary frames and a pooled heap buffer for
// frames larger than one sized allocation may return. Frames above the regular
// size start at it and grow in place, falling back to a fresh allocation.
func (g *Generator) alloc(ctx context.Context, q *buffer.Queue, regular, size int) (*buffer.Element, error) {
	arena := q.Arena()
	if size > arena.SizedLimit()*arena.SlotSize() {
		g.heap.Add(1)
		return buffer.NewHeapElement(size), nil
	}
	if size <= regular {
		return q.AllocSized(ctx, size)
	}

	e, err := q.AllocSized(ctx, regular)
	if err != nil {
		return nil, err
	}
	run := e.Run()
	if arena.Grow(e, size) {
		if e.Run() > run {
			g.grown.Add(1)
		}
		return e, nil
	}
	e.Free()
	return q.AllocSized(ctx, size)
}

func fillPattern(e *buffer.Element, size int, seed byte) {
	e.SetLen(size)
	b := e.Bytes()
	for i := range b {
		b[i] = seed + byte(i)
	}
}

// sleepUntil waits for t. It reports false if ctx ended first.
func sleepUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
