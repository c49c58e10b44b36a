// Package protocol implements the wire formats spoken by supported GPS
// tracker hardware: the bracket-delimited watch/text format, the
// parenthesis-delimited classic/text format, and the 0x7E-framed binary
// transport-terminal format.
//
// Handlers are stateless: bytes in, ParsedMessage out, response bytes back.
// All connection and device state lives with the caller.
package protocol

import (
	"errors"
	"time"
)

// MessageKind classifies a decoded protocol unit.
type MessageKind string

const (
	KindLocation  MessageKind = "location"
	KindHeartbeat MessageKind = "heartbeat"
	KindLogin     MessageKind = "login"
	KindAlarm     MessageKind = "alarm"
	KindBatch     MessageKind = "batch"
	KindUnknown   MessageKind = "unknown"
)

var (
	// ErrUnparseable is returned when a frame matched a handler's format
	// but its contents could not be decoded.
	ErrUnparseable = errors.New("frame contents could not be parsed")

	// ErrNoHandler is returned by the registry when no handler claims a frame.
	ErrNoHandler = errors.New("no protocol handler matched frame")
)

// GpsFix is one decoded location sample. Out-of-range coordinates are
// flagged via Valid rather than discarded so callers can count and log them.
type GpsFix struct {
	Timestamp  time.Time
	Latitude   float64
	Longitude  float64
	Altitude   float64
	Speed      float64
	Heading    float64
	Satellites int
	Battery    int
	Valid      bool
}

// CoordinatesInRange reports whether the fix lies inside
// [-90,90] latitude and [-180,180] longitude.
func (f *GpsFix) CoordinatesInRange() bool {
	return f.Latitude >= -90 && f.Latitude <= 90 &&
		f.Longitude >= -180 && f.Longitude <= 180
}

// ParsedMessage is one decoded protocol unit. It is produced per frame and
// consumed immediately; nothing here is persisted.
type ParsedMessage struct {
	// Protocol is the name of the handler that decoded the frame.
	Protocol string

	// DeviceID is the terminal identifier as sent on the wire.
	DeviceID string

	Kind MessageKind

	// Command is the protocol-level command or message ID that produced
	// this message, kept for response construction and logging.
	Command string

	// Fix is set for location and alarm messages.
	Fix *GpsFix

	// Fixes is set for batch uploads.
	Fixes []GpsFix

	// AlarmCode carries the device-reported alarm discriminator, when any.
	AlarmCode string

	// Serial is the request serial number for protocols that carry one.
	Serial uint16

	// Versioned is set when the binary protocol's 2019-version flag was
	// present; responses must mirror it.
	Versioned bool

	// Raw holds the original frame for dedup hashing and diagnostics.
	Raw []byte
}

// Handler decodes and encodes one wire format.
type Handler interface {
	// Name identifies the handler in logs and metrics.
	Name() string

	// CanHandle reports whether the frame looks like this handler's format.
	// It must be cheap: handlers are probed in registration order.
	CanHandle(frame []byte) bool

	// Parse decodes a complete frame. A nil message with a non-nil error
	// means the frame matched the format but was malformed.
	Parse(frame []byte) (*ParsedMessage, error)

	// CreateResponse builds the protocol-correct acknowledgement for msg.
	// Devices retry aggressively when no response arrives, so a response
	// is produced even for rejected messages.
	CreateResponse(msg *ParsedMessage, success bool) []byte
}
