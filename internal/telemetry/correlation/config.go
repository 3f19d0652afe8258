package correlation

import (
	"fmt"
	"time"
)

// Detector identifiers. These are stable rule IDs shown to operators.
const (
	DetectorBruteForce       = "AUTH001"
	DetectorPasswordSpray    = "AUTH002"
	DetectorNewOrigin        = "AUTH003"
	DetectorOffHours         = "AUTH004"
	DetectorImpossibleTravel = "AUTH005"
)

// Config holds per-detector settings. None of the defaults are calibrated
// production thresholds; tune them per deployment.
type Config struct {
	BruteForce       BruteForceConfig       `yaml:"brute_force"`
	PasswordSpray    SprayConfig            `yaml:"password_spray"`
	NewOrigin        NewOriginConfig        `yaml:"new_origin"`
	OffHours         OffHoursConfig         `yaml:"off_hours"`
	ImpossibleTravel ImpossibleTravelConfig `yaml:"impossible_travel"`
}

// DefaultConfig returns starting values for every detector.
func DefaultConfig() Config {
	return Config{
		BruteForce: BruteForceConfig{
			Enabled:   true,
			Window:    2 * time.Minute,
			Threshold: 5,
			KeyBy:     KeyByTarget,
		},
		PasswordSpray: SprayConfig{
			Enabled:   true,
			Window:    10 * time.Minute,
			Threshold: 5,
		},
		NewOrigin: NewOriginConfig{
			Enabled:     true,
			MinBaseline: 3,
			Retention:   30 * 24 * time.Hour,
		},
		OffHours: OffHoursConfig{
			Enabled:   false,
			Timezone:  "UTC",
			StartHour: 7,
			EndHour:   19,
			Weekdays:  []string{"mon", "tue", "wed", "thu", "fri"},
		},
		ImpossibleTravel: ImpossibleTravelConfig{
			Enabled:       true,
			MaxSpeedKMH:   900,
			MinDistanceKM: 500,
			StateTTL:      7 * 24 * time.Hour,
		},
	}
}

// BuildDetectors instantiates every enabled detector in a fixed order.
func BuildDetectors(cfg Config) ([]Detector, error) {
	var ds []Detector
	if cfg.BruteForce.Enabled {
		d, err := NewBruteForce(cfg.BruteForce)
		if err != nil {
			return nil, err
		}
		ds = append(ds, d)
	}
	if cfg.PasswordSpray.Enabled {
		d, err := NewPasswordSpray(cfg.PasswordSpray)
		if err != nil {
			return nil, err
		}
		ds = append(ds, d)
	}
	if cfg.NewOrigin.Enabled {
		ds = append(ds, NewNewOrigin(cfg.NewOrigin))
	}
	if cfg.OffHours.Enabled {
		d, err := NewOffHours(cfg.OffHours)
		if err != nil {
			return nil, err
		}
		ds = append(ds, d)
	}
	if cfg.ImpossibleTravel.Enabled {
		d, err := NewImpossibleTravel(cfg.ImpossibleTravel)
		if err != nil {
			return nil, err
		}
		ds = append(ds, d)
	}
	return ds, nil
}

func validateWindow(id string, window time.Duration, threshold int) error {
	if window <= 0 {
		return fmt.Errorf("%s: window must be positive", id)
	}
	if threshold < 1 {
		return fmt.Errorf("%s: threshold must be at least 1", id)
	}
	return nil
}
