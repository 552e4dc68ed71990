package sampling

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTiers is returned when a tier table cannot drive the sampler
var ErrInvalidTiers = errors.New("invalid frequency tiers")

// FrequencyTier stretches the base interval once the device has been
// stationary for at least MinStationaryDuration
type FrequencyTier struct {
	MinStationaryDuration time.Duration `json:"min_stationary_duration"`
	Multiplier            float64       `json:"multiplier"`
	Label                 string        `json:"label"`
}

// DefaultTiers returns the stock tier table
func DefaultTiers() []FrequencyTier {
	return []FrequencyTier{
		{MinStationaryDuration: 0, Multiplier: 1, Label: "Normal"},
		{MinStationaryDuration: 5 * time.Minute, Multiplier: 2, Label: "Reduced"},
		{MinStationaryDuration: 15 * time.Minute, Multiplier: 4, Label: "Low"},
		{MinStationaryDuration: time.Hour, Multiplier: 8, Label: "Minimal"},
	}
}

// ValidateTiers checks that the table starts at (0, 1) and is ordered
func ValidateTiers(tiers []FrequencyTier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("%w: tier list is empty", ErrInvalidTiers)
	}
	if tiers[0].MinStationaryDuration != 0 || tiers[0].Multiplier != 1 {
		return fmt.Errorf("%w: first tier must be (0, 1), got (%s, %g)",
			ErrInvalidTiers, tiers[0].MinStationaryDuration, tiers[0].Multiplier)
	}
	for i := 1; i < len(tiers); i++ {
		prev, cur := tiers[i-1], tiers[i]
		if cur.MinStationaryDuration <= prev.MinStationaryDuration {
			return fmt.Errorf("%w: tier %d duration %s not above %s",
				ErrInvalidTiers, i, cur.MinStationaryDuration, prev.MinStationaryDuration)
		}
		if cur.Multiplier < prev.Multiplier {
			return fmt.Errorf("%w: tier %d multiplier %g below %g",
				ErrInvalidTiers, i, cur.Multiplier, prev.Multiplier)
		}
	}
	return nil
}

// SelectTier returns the index of the highest tier whose threshold has
// been reached after being stationary for elapsed
func SelectTier(tiers []FrequencyTier, elapsed time.Duration) int {
	idx := 0
	for i, tier := range tiers {
		if tier.MinStationaryDuration <= elapsed {
			idx = i
		}
	}
	return idx
}
