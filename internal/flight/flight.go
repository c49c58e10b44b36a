// Package flight resolves devices against the registration store and
// assigns incoming fixes to logical flights. A flight is a time-bounded
// tracking session grouping consecutive fixes from one device under one
// owner; the separation engine decides when a new one starts.
package flight

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"procodus.dev/trackgate/internal/protocol"
)

// FlightState tracks whether a flight is still receiving fixes.
type FlightState string

const (
	StateActive FlightState = "active"
	StateLanded FlightState = "landed"
)

// Flight is one logical tracking session for a device.
type Flight struct {
	// ID is the deterministic composite identifier; repeated resolution
	// of the same logical flight yields the same ID.
	ID string

	UUID uuid.UUID

	DeviceID string
	OwnerID  string
	GroupID  string

	// LastFix is the most recent accepted fix. Under normal operation it
	// only moves forward in time.
	LastFix *protocol.GpsFix

	CreatedAt time.Time
	State     FlightState

	// LandedAt is set when the flight transitions to StateLanded.
	LandedAt time.Time
}

// reason suffixes keep the composite ID short while still encoding why
// the flight was separated from its predecessor.
var reasonSuffixes = map[string]string{
	ReasonNoPrevious: "np",
	ReasonNewDay:     "nd",
	ReasonLanded:     "ld",
}

// newFlight builds a flight for the fix. The ID is deterministic over
// device, owner, group, separation reason and the triggering fix's
// timestamp.
func newFlight(deviceID, ownerID, groupID, reason string, fix *protocol.GpsFix) *Flight {
	suffix, ok := reasonSuffixes[reason]
	if !ok {
		// Inactivity reasons carry the gap length and map to one suffix.
		suffix = "in"
	}
	id := fmt.Sprintf("%s-%s-%s-%s%s",
		deviceID, ownerID, groupID,
		suffix, fix.Timestamp.UTC().Format("20060102T150405"),
	)
	return &Flight{
		ID:        id,
		UUID:      uuid.New(),
		DeviceID:  deviceID,
		OwnerID:   ownerID,
		GroupID:   groupID,
		LastFix:   fix,
		CreatedAt: time.Now().UTC(),
		State:     StateActive,
	}
}

// RecordFix updates the flight with an accepted fix.
func (f *Flight) RecordFix(fix *protocol.GpsFix) {
	f.LastFix = fix
	if f.State == StateLanded {
		f.State = StateActive
		f.LandedAt = time.Time{}
	}
}

// MarkLanded transitions the flight to the landed state at the given time.
// Already-landed flights keep their original landing time.
func (f *Flight) MarkLanded(at time.Time) {
	if f.State == StateLanded {
		return
	}
	f.State = StateLanded
	f.LandedAt = at
}
