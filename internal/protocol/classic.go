package protocol

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Classic protocol commands.
const (
	classicCmdHandshake = "BP00" // handshake / heartbeat
	classicCmdLogin     = "BP05" // login with attached location
	classicCmdLocation  = "BR00" // continuous location report
	classicCmdAlarm     = "BO01" // alarm with attached location
)

var classicDeviceID = regexp.MustCompile(`^\d{10,20}$`)

// ClassicHandler decodes the parenthesis-delimited classic/text format
// spoken by TK103-family trackers:
//
//	(deviceId,COMMAND,args...)
//
// The device ID is a 10-20 digit serial. Location payloads carry a GPRMC
// style record: date, validity, NMEA coordinates, speed and heading.
type ClassicHandler struct {
	logger *slog.Logger
}

// NewClassicHandler creates a classic/text protocol handler.
func NewClassicHandler(logger *slog.Logger) *ClassicHandler {
	return &ClassicHandler{logger: logger}
}

// Name implements Handler.
func (h *ClassicHandler) Name() string { return "classic" }

// CanHandle implements Handler.
func (h *ClassicHandler) CanHandle(frame []byte) bool {
	if len(frame) < 12 || frame[0] != '(' || frame[len(frame)-1] != ')' {
		return false
	}
	inner := string(frame[1 : len(frame)-1])
	id, _, ok := strings.Cut(inner, ",")
	return ok && classicDeviceID.MatchString(id)
}

// Parse implements Handler.
func (h *ClassicHandler) Parse(frame []byte) (*ParsedMessage, error) {
	inner := string(frame[1 : len(frame)-1])
	fields := strings.Split(inner, ",")
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: classic frame needs id and command", ErrUnparseable)
	}

	deviceID := fields[0]
	if !classicDeviceID.MatchString(deviceID) {
		return nil, fmt.Errorf("%w: device id %q is not 10-20 digits", ErrUnparseable, deviceID)
	}
	command := fields[1]

	msg := &ParsedMessage{
		Protocol: h.Name(),
		DeviceID: deviceID,
		Command:  command,
		Raw:      append([]byte(nil), frame...),
	}

	switch command {
	case classicCmdHandshake:
		msg.Kind = KindHeartbeat
		return msg, nil

	case classicCmdLogin:
		fix, err := h.parseFix(fields[2:])
		if err != nil {
			return nil, err
		}
		msg.Kind = KindLogin
		msg.Fix = fix
		return msg, nil

	case classicCmdLocation:
		fix, err := h.parseFix(fields[2:])
		if err != nil {
			return nil, err
		}
		msg.Kind = KindLocation
		msg.Fix = fix
		return msg, nil

	case classicCmdAlarm:
		// First argument is the alarm discriminator, the rest is a
		// normal location record.
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: alarm without code", ErrUnparseable)
		}
		fix, err := h.parseFix(fields[3:])
		if err != nil {
			return nil, err
		}
		msg.Kind = KindAlarm
		msg.AlarmCode = fields[2]
		msg.Fix = fix
		return msg, nil

	default:
		msg.Kind = KindUnknown
		return msg, nil
	}
}

// parseFix decodes a classic location record:
//
//	DDMMYY,A|V,lat,N|S,lon,E|W,speed,HHMMSS[,heading[,altitude]]
func (h *ClassicHandler) parseFix(fields []string) (*GpsFix, error) {
	if len(fields) < 8 {
		return nil, fmt.Errorf("%w: location record has %d fields", ErrUnparseable, len(fields))
	}

	ts, err := time.Parse("020106 150405", fields[0]+" "+fields[7])
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q %q", ErrUnparseable, fields[0], fields[7])
	}

	lat, err := nmeaToDecimal(fields[2], fields[3])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnparseable, err)
	}
	lon, err := nmeaToDecimal(fields[4], fields[5])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnparseable, err)
	}

	fix := &GpsFix{
		Timestamp: ts.UTC(),
		Latitude:  lat,
		Longitude: lon,
		Valid:     fields[1] == "A",
	}
	if !fix.CoordinatesInRange() {
		fix.Valid = false
	}

	fix.Speed, _ = strconv.ParseFloat(fields[6], 64)
	if len(fields) > 8 {
		fix.Heading, _ = strconv.ParseFloat(fields[8], 64)
	}
	if len(fields) > 9 {
		fix.Altitude, _ = strconv.ParseFloat(fields[9], 64)
	}
	return fix, nil
}

// CreateResponse implements Handler. Responses echo the device ID with the
// matching AP-series command; the success flag does not change the bytes
// because the classic format has no negative acknowledgement either.
func (h *ClassicHandler) CreateResponse(msg *ParsedMessage, _ bool) []byte {
	switch msg.Command {
	case classicCmdHandshake, classicCmdLocation:
		return []byte(fmt.Sprintf("(%sAP01HSO)", msg.DeviceID))
	case classicCmdLogin:
		return []byte(fmt.Sprintf("(%sAP05)", msg.DeviceID))
	case classicCmdAlarm:
		return []byte(fmt.Sprintf("(%sAS01%s)", msg.DeviceID, msg.AlarmCode))
	default:
		return []byte(fmt.Sprintf("(%sAP01HSO)", msg.DeviceID))
	}
}
