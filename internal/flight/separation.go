package flight

import (
	"fmt"
	"time"

	"procodus.dev/trackgate/internal/protocol"
)

// Separation reasons. Inactivity reasons are generated as "inactive_<N>h"
// where N is the whole number of hours in the gap.
const (
	ReasonNoPrevious = "no_previous_flight"
	ReasonNewDay     = "new_day"
	ReasonLanded     = "landed"
	ReasonContinue   = "continue_existing"
)

// SeparationConfig parameterizes the separation decision.
type SeparationConfig struct {
	// InactivityThreshold is the gap after which a new flight starts.
	InactivityThreshold time.Duration

	// LandingConfirmation is how long a flight must remain landed before
	// the next fix opens a new flight instead of resuming it.
	LandingConfirmation time.Duration

	// Timezone is the local timezone for calendar-date comparison.
	Timezone *time.Location
}

const (
	defaultInactivityThreshold = 3 * time.Hour
	defaultLandingConfirmation = 10 * time.Minute
)

func (c SeparationConfig) withDefaults() SeparationConfig {
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = defaultInactivityThreshold
	}
	if c.LandingConfirmation <= 0 {
		c.LandingConfirmation = defaultLandingConfirmation
	}
	if c.Timezone == nil {
		c.Timezone = time.UTC
	}
	return c
}

// ShouldStartNewFlight is the pure separation decision. Rules are
// evaluated in order and the first match wins.
func ShouldStartNewFlight(current *protocol.GpsFix, last *Flight, cfg SeparationConfig) (bool, string) {
	cfg = cfg.withDefaults()

	if last == nil || last.LastFix == nil {
		return true, ReasonNoPrevious
	}

	curLocal := current.Timestamp.In(cfg.Timezone)
	lastLocal := last.LastFix.Timestamp.In(cfg.Timezone)
	cy, cm, cd := curLocal.Date()
	ly, lm, ld := lastLocal.Date()
	if cy != ly || cm != lm || cd != ld {
		return true, ReasonNewDay
	}

	if gap := current.Timestamp.Sub(last.LastFix.Timestamp); gap > cfg.InactivityThreshold {
		return true, fmt.Sprintf("inactive_%dh", int(gap.Hours()))
	}

	if last.State == StateLanded && !last.LandedAt.IsZero() &&
		current.Timestamp.Sub(last.LandedAt) > cfg.LandingConfirmation {
		return true, ReasonLanded
	}

	return false, ReasonContinue
}
