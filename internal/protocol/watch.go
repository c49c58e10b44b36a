package protocol

import (
	"bytes"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Watch protocol commands.
const (
	watchCmdKeepalive = "LK"  // login / heartbeat, args: steps,tumbles,battery
	watchCmdLocation  = "UD"  // live location report
	watchCmdBuffered  = "UD2" // buffered (blind-spot) location report
	watchCmdBatch     = "UDB" // count-prefixed batch of buffered reports
	watchCmdAlarm     = "AL"  // alarm with attached location
)

// WatchHandler decodes the bracket-delimited watch/text format:
//
//	[TAG*deviceId*lengthHex*command,args...]
//
// TAG is a vendor marker (3G, SG, ZJ, ...), lengthHex is the 4-digit
// uppercase hex length of the content after the final asterisk. Length
// mismatches are logged and tolerated: field hardware routinely gets
// them wrong.
type WatchHandler struct {
	logger *slog.Logger
}

// NewWatchHandler creates a watch/text protocol handler.
func NewWatchHandler(logger *slog.Logger) *WatchHandler {
	return &WatchHandler{logger: logger}
}

// Name implements Handler.
func (h *WatchHandler) Name() string { return "watch" }

// CanHandle implements Handler. A watch frame is bracket-delimited with at
// least three asterisk-separated header fields.
func (h *WatchHandler) CanHandle(frame []byte) bool {
	if len(frame) < 7 || frame[0] != '[' || frame[len(frame)-1] != ']' {
		return false
	}
	return bytes.Count(frame, []byte("*")) >= 3
}

// Parse implements Handler.
func (h *WatchHandler) Parse(frame []byte) (*ParsedMessage, error) {
	inner := string(frame[1 : len(frame)-1])

	parts := strings.SplitN(inner, "*", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: expected TAG*ID*LEN*content", ErrUnparseable)
	}
	deviceID := parts[1]
	content := parts[3]

	if declared, err := strconv.ParseUint(parts[2], 16, 32); err != nil {
		return nil, fmt.Errorf("%w: bad length field %q", ErrUnparseable, parts[2])
	} else if int(declared) != len(content) {
		h.logger.Debug("watch length field mismatch",
			"device_id", deviceID,
			"declared", declared,
			"actual", len(content),
		)
	}

	command, args, _ := strings.Cut(content, ",")

	msg := &ParsedMessage{
		Protocol: h.Name(),
		DeviceID: deviceID,
		Command:  command,
		Raw:      append([]byte(nil), frame...),
	}

	switch command {
	case watchCmdKeepalive:
		msg.Kind = KindLogin
		fields := strings.Split(args, ",")
		if len(fields) >= 3 {
			if battery, err := strconv.Atoi(fields[2]); err == nil {
				msg.Fix = &GpsFix{Battery: battery}
			}
		}
		return msg, nil

	case watchCmdLocation, watchCmdBuffered:
		fix, err := h.parseFix(strings.Split(args, ","))
		if err != nil {
			return nil, err
		}
		msg.Kind = KindLocation
		msg.Fix = fix
		return msg, nil

	case watchCmdAlarm:
		fix, err := h.parseFix(strings.Split(args, ","))
		if err != nil {
			return nil, err
		}
		msg.Kind = KindAlarm
		msg.Fix = fix
		msg.AlarmCode = "SOS"
		return msg, nil

	case watchCmdBatch:
		return h.parseBatch(msg, args)

	default:
		// Unknown commands are surfaced so the caller can ack them and
		// move on; watch hardware sends plenty of vendor extensions.
		msg.Kind = KindUnknown
		return msg, nil
	}
}

// parseFix decodes one location record:
//
//	DDMMYY,HHMMSS,A|V,lat,N|S,lon,E|W,speed,heading,altitude,satellites,gsm,battery,...
func (h *WatchHandler) parseFix(fields []string) (*GpsFix, error) {
	if len(fields) < 7 {
		return nil, fmt.Errorf("%w: location record has %d fields", ErrUnparseable, len(fields))
	}

	ts, err := time.Parse("020106 150405", fields[0]+" "+fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q %q", ErrUnparseable, fields[0], fields[1])
	}

	lat, err := nmeaToDecimal(fields[3], fields[4])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnparseable, err)
	}
	lon, err := nmeaToDecimal(fields[5], fields[6])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnparseable, err)
	}

	fix := &GpsFix{
		Timestamp: ts.UTC(),
		Latitude:  lat,
		Longitude: lon,
		Valid:     fields[2] == "A",
	}
	if !fix.CoordinatesInRange() {
		fix.Valid = false
	}

	// Trailing fields degrade gracefully: not every firmware sends them.
	if len(fields) > 7 {
		fix.Speed, _ = strconv.ParseFloat(fields[7], 64)
	}
	if len(fields) > 8 {
		fix.Heading, _ = strconv.ParseFloat(fields[8], 64)
	}
	if len(fields) > 9 {
		fix.Altitude, _ = strconv.ParseFloat(fields[9], 64)
	}
	if len(fields) > 10 {
		fix.Satellites, _ = strconv.Atoi(fields[10])
	}
	if len(fields) > 12 {
		fix.Battery, _ = strconv.Atoi(fields[12])
	}
	return fix, nil
}

// parseBatch decodes a count-prefixed batch: "<count>,<rec>;<rec>;...".
// Records that fail to parse are skipped; a count mismatch is logged but
// does not fail the batch.
func (h *WatchHandler) parseBatch(msg *ParsedMessage, args string) (*ParsedMessage, error) {
	countField, rest, ok := strings.Cut(args, ",")
	if !ok {
		return nil, fmt.Errorf("%w: batch without records", ErrUnparseable)
	}
	declared, err := strconv.Atoi(countField)
	if err != nil {
		return nil, fmt.Errorf("%w: batch count %q", ErrUnparseable, countField)
	}

	records := strings.Split(rest, ";")
	fixes := make([]GpsFix, 0, len(records))
	for _, record := range records {
		if record == "" {
			continue
		}
		fix, err := h.parseFix(strings.Split(record, ","))
		if err != nil {
			h.logger.Debug("skipping malformed batch record",
				"device_id", msg.DeviceID,
				"error", err,
			)
			continue
		}
		fixes = append(fixes, *fix)
	}

	if declared != len(fixes) {
		h.logger.Debug("batch count mismatch",
			"device_id", msg.DeviceID,
			"declared", declared,
			"decoded", len(fixes),
		)
	}
	if len(fixes) == 0 {
		return nil, fmt.Errorf("%w: batch decoded zero records", ErrUnparseable)
	}

	msg.Kind = KindBatch
	msg.Fixes = fixes
	return msg, nil
}

// CreateResponse implements Handler. The watch format has no negative
// acknowledgement; rejected messages get the same command echo so the
// device stops retransmitting.
func (h *WatchHandler) CreateResponse(msg *ParsedMessage, _ bool) []byte {
	tag := "3G"
	if len(msg.Raw) > 1 {
		if inner, _, ok := strings.Cut(string(msg.Raw[1:]), "*"); ok {
			tag = inner
		}
	}
	content := msg.Command
	return []byte(fmt.Sprintf("[%s*%s*%04X*%s]", tag, msg.DeviceID, len(content), content))
}
