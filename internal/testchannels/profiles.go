// Package testchannels provides synthetic audio/video sources and decoder
// sinks that drive a playback session without real media.
package testchannels

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidBitrate is returned when a bitrate string cannot be parsed.
var ErrInvalidBitrate = errors.New("invalid bitrate")

// Profile defines the shape of a synthetic stream.
type Profile struct {
	Name              string
	MRL               string        // source locator, decides adaptive mode
	Framerate         int           // video frames per second
	VideoBitrate      string        // e.g. "5M"
	AudioRate         int           // audio sample rate in Hz
	AudioFrameSamples int           // samples per audio frame
	AudioBitrate      string        // e.g. "192k"
	Drift             int           // source clock error in parts per million, live only
	StallEvery        time.Duration // stream time between signal losses, 0 for none
	Stall             time.Duration // length of each signal loss
}

// Profiles contains the predefined synthetic streams.
//
//nolint:gochecknoglobals // Profiles are immutable configuration data
var Profiles = []Profile{
	{
		Name:              "1080p 30fps file",
		MRL:               "file:///synthetic/1080p30.ts",
		Framerate:         30,
		VideoBitrate:      "5M",
		AudioRate:         48000,
		AudioFrameSamples: 1152,
		AudioBitrate:      "192k",
	},
	{
		Name:              "720p 60fps file",
		MRL:               "file:///synthetic/720p60.ts",
		Framerate:         60,
		VideoBitrate:      "4M",
		AudioRate:         48000,
		AudioFrameSamples: 1024,
		AudioBitrate:      "128k",
	},
	{
		Name:              "DVB-T SD live",
		MRL:               "dvbt://synthetic-sd",
		Framerate:         25,
		VideoBitrate:      "3M",
		AudioRate:         48000,
		AudioFrameSamples: 1152,
		AudioBitrate:      "192k",
		Drift:             3000,
	},
	{
		Name:              "DVB-S HD live, slow clock",
		MRL:               "dvbs://synthetic-hd",
		Framerate:         50,
		VideoBitrate:      "8M",
		AudioRate:         48000,
		AudioFrameSamples: 1536,
		AudioBitrate:      "448k",
		Drift:             -3000,
	},
	{
		Name:              "UDP multicast with dropouts",
		MRL:               "udp://239.0.0.1:1234",
		Framerate:         25,
		VideoBitrate:      "2.5M",
		AudioRate:         44100,
		AudioFrameSamples: 1152,
		AudioBitrate:      "128k",
		StallEvery:        45 * time.Second,
		Stall:             4 * time.Second,
	},
}

// GetProfile returns a profile by name.
func GetProfile(name string) (Profile, bool) {
	for _, profile := range Profiles {
		if profile.Name == name {
			return profile, true
		}
	}
	return Profile{}, false
}

// GetProfileByIndex returns a profile by index.
func GetProfileByIndex(index int) (Profile, bool) {
	if index < 0 || index >= len(Profiles) {
		return Profile{}, false
	}
	return Profiles[index], true
}

// ParseBitrate converts strings like "5M", "192k" or "800000" to bits per
// second.
func ParseBitrate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult = 1000000
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		mult = 1000
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidBitrate, s)
	}
	return int64(v * float64(mult)), nil
}

// Validate checks that the profile can be generated.
func (p Profile) Validate() error {
	if p.Framerate <= 0 || p.AudioRate <= 0 || p.AudioFrameSamples <= 0 {
		return fmt.Errorf("profile %q: rates must be positive", p.Name)
	}
	if _, err := ParseBitrate(p.VideoBitrate); err != nil {
		return fmt.Errorf("profile %q video: %w", p.Name, err)
	}
	if _, err := ParseBitrate(p.AudioBitrate); err != nil {
		return fmt.Errorf("profile %q audio: %w", p.Name, err)
	}
	if p.StallEvery < 0 || p.Stall < 0 {
		return fmt.Errorf("profile %q: negative stall", p.Name)
	}
	return nil
}

// stream describes one elementary stream of a profile.
type stream struct {
	frameTicks int64         // pts ticks per frame
	frameBytes int           // payload per frame
	interval   time.Duration // wall time per frame at the source clock
}

func (p Profile) video() stream {
	br, _ := ParseBitrate(p.VideoBitrate)
	return p.stream(int64(p.Framerate), 1, br)
}

func (p Profile) audio() stream {
	br, _ := ParseBitrate(p.AudioBitrate)
	return p.stream(int64(p.AudioRate), int64(p.AudioFrameSamples), br)
}

// stream derives frame timing from rate units per second and units per frame.
func (p Profile) stream(rate, perFrame, bitrate int64) stream {
	ticks := 90000 * perFrame / rate
	interval := time.Duration(int64(time.Second) * perFrame / rate)
	if p.Drift != 0 {
		interval = interval * time.Duration(1000000-p.Drift) / 1000000
	}
	return stream{
		frameTicks: ticks,
		frameBytes: int(bitrate * perFrame / rate / 8),
		interval:   interval,
	}
}
