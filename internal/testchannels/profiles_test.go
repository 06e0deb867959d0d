package testchannels

import (
	"errors"
	"testing"
	"time"
)

func TestParseBitrate(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"5M", 5000000},
		{"2.5M", 2500000},
		{"192k", 192000},
		{"128K", 128000},
		{"800000", 800000},
		{" 1m ", 1000000},
	}
	for _, tt := range tests {
		got, err := ParseBitrate(tt.in)
		if err != nil {
			t.Errorf("ParseBitrate(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBitrate(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "fast", "-1M", "0k"} {
		if _, err := ParseBitrate(bad); !errors.Is(err, ErrInvalidBitrate) {
			t.Errorf("ParseBitrate(%q): expected ErrInvalidBitrate, got %v", bad, err)
		}
	}
}

func TestProfilesValid(t *testing.T) {
	for _, p := range Profiles {
		if err := p.Validate(); err != nil {
			t.Errorf("Profile %q invalid: %v", p.Name, err)
		}
	}

	p, ok := GetProfile("DVB-T SD live")
	if !ok || !p.Live() {
		t.Errorf("Expected the DVB-T profile to be live, got ok=%v live=%v", ok, p.Live())
	}
	if p, ok := GetProfileByIndex(0); !ok || p.Live() {
		t.Errorf("Expected the first profile to be a file source")
	}
	if _, ok := GetProfileByIndex(len(Profiles)); ok {
		t.Error("Expected out of range index to fail")
	}
	if _, ok := GetProfile("missing"); ok {
		t.Error("Expected unknown profile to fail")
	}
}

func TestValidateRejects(t *testing.T) {
	base := Profiles[0]

	p := base
	p.Framerate = 0
	if err := p.Validate(); err == nil {
		t.Error("Expected zero framerate to fail")
	}

	p = base
	p.AudioBitrate = "loud"
	if err := p.Validate(); !errors.Is(err, ErrInvalidBitrate) {
		t.Errorf("Expected ErrInvalidBitrate, got %v", err)
	}

	p = base
	p.Stall = -time.Second
	if err := p.Validate(); err == nil {
		t.Error("Expected negative stall to fail")
	}
}

func TestStreamTiming(t *testing.T) {
	p, _ := GetProfile("1080p 30fps file")

	v := p.video()
	if v.frameTicks != 3000 || v.frameBytes != 20833 {
		t.Errorf("Unexpected video timing %+v", v)
	}
	if v.interval != 33333333*time.Nanosecond {
		t.Errorf("Unexpected video interval %v", v.interval)
	}

	a := p.audio()
	if a.frameTicks != 2160 || a.frameBytes != 576 || a.interval != 24*time.Millisecond {
		t.Errorf("Unexpected audio timing %+v", a)
	}
}

func TestStreamDrift(t *testing.T) {
	fast, _ := GetProfile("DVB-T SD live")
	if got := fast.video().interval; got != 39880*time.Microsecond {
		t.Errorf("Expected a fast source clock to shorten the interval, got %v", got)
	}

	slow, _ := GetProfile("DVB-S HD live, slow clock")
	if got := slow.video().interval; got != 20060*time.Microsecond {
		t.Errorf("Expected a slow source clock to lengthen the interval, got %v", got)
	}
	if slow.video().frameTicks != 1800 {
		t.Errorf("Drift must not change pts spacing, got %d", slow.video().frameTicks)
	}
}
