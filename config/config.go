// Package config provides configuration management for the playcore daemon.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/savid/playcore/internal/types"
)

var (
	// ErrInvalidPort is returned when port number is invalid.
	ErrInvalidPort = errors.New("invalid port number")
	// ErrInvalidLogLevel is returned when log level is invalid.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidArena is returned when an arena geometry flag is out of range.
	ErrInvalidArena = errors.New("invalid arena geometry")
	// ErrInvalidThreshold is returned when a flow threshold is out of range.
	ErrInvalidThreshold = errors.New("invalid flow threshold")
	// ErrSampleIntervalPositive is returned when the metrics interval is not positive.
	ErrSampleIntervalPositive = errors.New("sample interval must be positive")
	// ErrProfileRequired is returned when no synthetic profile is named.
	ErrProfileRequired = errors.New("profile is required")
)

// Config holds the application configuration.
type Config struct {
	Port           int
	LogLevel       string
	VideoSlots     int
	AudioSlots     int
	SlotSize       int
	HighWater      time.Duration
	YoyoFreeSlots  int
	AdaptiveCenter time.Duration
	AdaptiveWidth  time.Duration
	Source         string // overrides the profile's MRL when set
	Profile        string
	SampleInterval time.Duration
}

// New creates a new configuration instance by parsing command-line flags.
func New() (*Config, error) {
	return Parse(os.Args[1:])
}

// Parse builds a configuration from args and validates it.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}
	video := types.DefaultVideoArena()
	audio := types.DefaultAudioArena()
	flow := types.DefaultFlowConfig()

	fs := flag.NewFlagSet("playcore", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", 8080, "Port to listen on")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.IntVar(&cfg.VideoSlots, "video-slots", video.Slots, "Slots in the video arena")
	fs.IntVar(&cfg.AudioSlots, "audio-slots", audio.Slots, "Slots in the audio arena")
	fs.IntVar(&cfg.SlotSize, "slot-size", video.SlotSize, "Size of one arena slot in bytes")
	fs.DurationVar(&cfg.HighWater, "high-water", flow.HighWater, "Queued duration needed before playback resumes")
	fs.IntVar(&cfg.YoyoFreeSlots, "yoyo-free-slots", flow.YoyoFreeSlots, "Skip rebuffering while an arena has fewer free slots than this")
	fs.DurationVar(&cfg.AdaptiveCenter, "adaptive-center", flow.AdaptiveCenter, "Target buffered duration for live sources")
	fs.DurationVar(&cfg.AdaptiveWidth, "adaptive-width", flow.AdaptiveWidth, "Half-width of the band around the adaptive target")
	fs.StringVar(&cfg.Source, "source", "", "Source MRL, e.g. dvbt://ch1 (defaults to the profile's)")
	fs.StringVar(&cfg.Profile, "profile", "DVB-T SD live", "Synthetic stream profile name")
	fs.DurationVar(&cfg.SampleInterval, "sample-interval", time.Second, "Interval between metrics samples")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("%w: %s (must be debug, info, warn, or error)", ErrInvalidLogLevel, c.LogLevel)
	}

	if c.VideoSlots < 8 || c.AudioSlots < 8 {
		return fmt.Errorf("%w: %d video and %d audio slots (minimum 8)", ErrInvalidArena, c.VideoSlots, c.AudioSlots)
	}
	if c.SlotSize <= 0 || c.SlotSize%64 != 0 {
		return fmt.Errorf("%w: slot size %d must be a positive multiple of 64", ErrInvalidArena, c.SlotSize)
	}

	if c.HighWater <= 0 {
		return fmt.Errorf("%w: high water %v", ErrInvalidThreshold, c.HighWater)
	}
	if c.YoyoFreeSlots < 0 {
		return fmt.Errorf("%w: yoyo free slots %d", ErrInvalidThreshold, c.YoyoFreeSlots)
	}
	if c.AdaptiveWidth < 0 || c.AdaptiveCenter <= c.AdaptiveWidth {
		return fmt.Errorf("%w: adaptive center %v must exceed width %v", ErrInvalidThreshold, c.AdaptiveCenter, c.AdaptiveWidth)
	}

	if c.Source != "" {
		if _, err := url.Parse(c.Source); err != nil {
			return fmt.Errorf("invalid source MRL: %w", err)
		}
	}
	if c.Profile == "" {
		return ErrProfileRequired
	}

	if c.SampleInterval <= 0 {
		return ErrSampleIntervalPositive
	}

	return nil
}

// Arenas returns the video and audio arena geometry.
func (c *Config) Arenas() (video, audio types.ArenaConfig) {
	return types.ArenaConfig{Slots: c.VideoSlots, SlotSize: c.SlotSize},
		types.ArenaConfig{Slots: c.AudioSlots, SlotSize: c.SlotSize}
}

// Flow returns the flow controller thresholds.
func (c *Config) Flow() types.FlowConfig {
	f := types.DefaultFlowConfig()
	f.HighWater = c.HighWater
	f.YoyoFreeSlots = c.YoyoFreeSlots
	f.AdaptiveCenter = c.AdaptiveCenter
	f.AdaptiveWidth = c.AdaptiveWidth
	return f
}
