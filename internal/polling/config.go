package polling

import (
	"strings"
	"time"

	"github.com/Martian-dev/mail-ingest/internal/apperr"
)

// Config selects and parameterizes a strategy
type Config struct {
	Strategy     string // volume, time, hybrid or fixed
	FixedMinutes int

	Volume    Volume
	TimeOfDay TimeOfDay

	BusinessPreference string
	OffHoursPreference string
}

func DefaultConfig() Config {
	return Config{
		Strategy:           "hybrid",
		FixedMinutes:       DefaultIntervalMinutes,
		Volume:             DefaultVolume(),
		TimeOfDay:          DefaultTimeOfDay(),
		BusinessPreference: string(PreferShorter),
		OffHoursPreference: string(PreferLonger),
	}
}

// FromConfig builds the configured strategy; now may be nil
func FromConfig(cfg Config, now func() time.Time) (Strategy, error) {
	tod := cfg.TimeOfDay
	tod.Now = now
	if err := validateHours(tod); err != nil {
		return nil, err
	}

	switch strings.ToLower(cfg.Strategy) {
	case "volume":
		return cfg.Volume, nil
	case "time", "time_of_day":
		return tod, nil
	case "hybrid", "":
		return NewHybrid(cfg.Volume, tod, cfg.BusinessPreference, cfg.OffHoursPreference)
	case "fixed":
		return Fixed{Minutes: cfg.FixedMinutes}, nil
	default:
		return nil, apperr.Configf("unknown polling strategy %q", cfg.Strategy)
	}
}

func validateHours(t TimeOfDay) error {
	if t.BusinessStart < 0 || t.BusinessEnd > 24 || t.BusinessStart >= t.BusinessEnd {
		return apperr.Configf("business hours [%d, %d) are invalid", t.BusinessStart, t.BusinessEnd)
	}
	if t.EveningEnd < t.BusinessEnd || t.EveningEnd > 23 {
		return apperr.Configf("evening end %d must be between %d and 23", t.EveningEnd, t.BusinessEnd)
	}
	return nil
}
