// Package polling computes how long the control loop waits before the next run.
package polling

import (
	"fmt"
	"time"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
	"github.com/Martian-dev/mail-ingest/internal/syncstate"
)

const (
	DefaultIntervalMinutes = 5
	MinIntervalMinutes     = 1
	MaxIntervalMinutes     = 60
)

// Strategy maps recent batch metrics to a wait in minutes
type Strategy interface {
	IntervalMinutes(samples []syncstate.Sample) int
}

// Interval converts a strategy result to a duration
func Interval(s Strategy, samples []syncstate.Sample) time.Duration {
	return time.Duration(s.IntervalMinutes(samples)) * time.Minute
}

// Volume polls faster for users receiving more mail
type Volume struct {
	HighThreshold   float64
	MediumThreshold float64
	HighInterval    int
	MediumInterval  int
	LowInterval     int
	DefaultInterval int
}

func DefaultVolume() Volume {
	return Volume{
		HighThreshold:   50,
		MediumThreshold: 10,
		HighInterval:    2,
		MediumInterval:  5,
		LowInterval:     15,
		DefaultInterval: DefaultIntervalMinutes,
	}
}

// IntervalMinutes averages email_count; both thresholds are inclusive
func (v Volume) IntervalMinutes(samples []syncstate.Sample) int {
	if len(samples) == 0 {
		return v.DefaultInterval
	}
	total := 0
	for _, s := range samples {
		total += s.EmailCount
	}
	avg := float64(total) / float64(len(samples))

	switch {
	case avg >= v.HighThreshold:
		return v.HighInterval
	case avg >= v.MediumThreshold:
		return v.MediumInterval
	default:
		return v.LowInterval
	}
}

// TimeOfDay ignores metrics and polls by hour of day
type TimeOfDay struct {
	BusinessStart    int
	BusinessEnd      int
	EveningEnd       int
	BusinessInterval int
	EveningInterval  int
	NightInterval    int

	// Now defaults to time.Now; the hour is read in its location.
	Now func() time.Time
}

func DefaultTimeOfDay() TimeOfDay {
	return TimeOfDay{
		BusinessStart:    9,
		BusinessEnd:      17,
		EveningEnd:       23,
		BusinessInterval: 3,
		EveningInterval:  10,
		NightInterval:    20,
	}
}

func (t TimeOfDay) hour() int {
	if t.Now != nil {
		return t.Now().Hour()
	}
	return time.Now().Hour()
}

// InBusinessHours reports whether start <= hour < end
func (t TimeOfDay) InBusinessHours() bool {
	return t.businessAt(t.hour())
}

func (t TimeOfDay) businessAt(h int) bool {
	return t.BusinessStart <= h && h < t.BusinessEnd
}

func (t TimeOfDay) IntervalMinutes([]syncstate.Sample) int {
	return t.intervalAt(t.hour())
}

func (t TimeOfDay) intervalAt(h int) int {
	switch {
	case t.businessAt(h):
		return t.BusinessInterval
	case t.BusinessEnd <= h && h <= t.EveningEnd:
		return t.EveningInterval
	default:
		return t.NightInterval
	}
}

// Preference picks between two candidate intervals
type Preference string

const (
	PreferShorter Preference = "shorter"
	PreferLonger  Preference = "longer"
)

func ParsePreference(s string) (Preference, error) {
	switch Preference(s) {
	case PreferShorter, PreferLonger:
		return Preference(s), nil
	}
	return "", apperr.Configf("polling preference must be %q or %q, got %q", PreferShorter, PreferLonger, s)
}

func (p Preference) pick(a, b int) int {
	if p == PreferShorter {
		return min(a, b)
	}
	return max(a, b)
}

// Hybrid combines a volume and a time-of-day strategy, choosing the shorter
// or longer result depending on whether it is business hours.
type Hybrid struct {
	volume   Strategy
	tod      TimeOfDay
	business Preference
	offHours Preference
}

// NewHybrid rejects preferences other than "shorter" and "longer"
func NewHybrid(volume Strategy, tod TimeOfDay, business, offHours string) (*Hybrid, error) {
	bp, err := ParsePreference(business)
	if err != nil {
		return nil, fmt.Errorf("business hours: %w", err)
	}
	op, err := ParsePreference(offHours)
	if err != nil {
		return nil, fmt.Errorf("off hours: %w", err)
	}
	if volume == nil {
		volume = DefaultVolume()
	}
	return &Hybrid{volume: volume, tod: tod, business: bp, offHours: op}, nil
}

func (h *Hybrid) IntervalMinutes(samples []syncstate.Sample) int {
	hour := h.tod.hour()
	v := h.volume.IntervalMinutes(samples)
	t := h.tod.intervalAt(hour)
	if h.tod.businessAt(hour) {
		return h.business.pick(v, t)
	}
	return h.offHours.pick(v, t)
}

// Fixed always returns the same interval, clamped to [1, 60] minutes
type Fixed struct {
	Minutes int
}

func (f Fixed) IntervalMinutes([]syncstate.Sample) int {
	return Clamp(f.Minutes)
}

// Clamp bounds minutes to [MinIntervalMinutes, MaxIntervalMinutes]
func Clamp(minutes int) int {
	return max(MinIntervalMinutes, min(minutes, MaxIntervalMinutes))
}
