package protocol

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"
)

// Binary protocol framing.
const (
	jt808Delimiter = 0x7E
	jt808Escape    = 0x7D
)

// Binary protocol message IDs.
const (
	jt808MsgHeartbeat     = 0x0002
	jt808MsgRegister      = 0x0100
	jt808MsgAuthenticate  = 0x0102
	jt808MsgLocation      = 0x0200
	jt808MsgBatchLocation = 0x0704
	jt808MsgGeneralAck    = 0x8001
	jt808MsgRegisterAck   = 0x8100
)

// Header properties word layout.
const (
	jt808BodyLenMask   = 0x03FF
	jt808FragmentFlag  = 0x2000
	jt808VersionedFlag = 0x4000
)

// JT808Handler decodes the 0x7E-delimited binary transport-terminal format.
//
// Frames are byte-stuffed in-band (0x7D 0x02 encodes 0x7E, 0x7D 0x01
// encodes 0x7D) and carry a trailing XOR checksum over everything between
// the delimiters. The terminal ID is BCD, 6 bytes in the base layout and
// 10 when the properties word carries the version flag.
type JT808Handler struct {
	logger *slog.Logger
}

// NewJT808Handler creates a binary protocol handler.
func NewJT808Handler(logger *slog.Logger) *JT808Handler {
	return &JT808Handler{logger: logger}
}

// Name implements Handler.
func (h *JT808Handler) Name() string { return "jt808" }

// CanHandle implements Handler.
func (h *JT808Handler) CanHandle(frame []byte) bool {
	return len(frame) >= 14 && frame[0] == jt808Delimiter && frame[len(frame)-1] == jt808Delimiter
}

// Parse implements Handler.
func (h *JT808Handler) Parse(frame []byte) (*ParsedMessage, error) {
	payload := jt808Unstuff(frame[1 : len(frame)-1])
	if len(payload) < 13 {
		return nil, fmt.Errorf("%w: binary frame too short after unstuffing", ErrUnparseable)
	}

	body := payload[:len(payload)-1]
	checksum := payload[len(payload)-1]
	if got := jt808Checksum(body); got != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch: got 0x%02X want 0x%02X", ErrUnparseable, got, checksum)
	}

	msgID := binary.BigEndian.Uint16(body[0:2])
	props := binary.BigEndian.Uint16(body[2:4])
	bodyLen := int(props & jt808BodyLenMask)
	versioned := props&jt808VersionedFlag != 0
	fragmented := props&jt808FragmentFlag != 0

	idLen := 6
	if versioned {
		idLen = 10
	}
	headerLen := 4 + idLen + 2
	if fragmented {
		headerLen += 4
	}
	if len(body) < headerLen {
		return nil, fmt.Errorf("%w: header truncated", ErrUnparseable)
	}

	deviceID := bcdToString(body[4 : 4+idLen])
	serial := binary.BigEndian.Uint16(body[4+idLen : 4+idLen+2])

	msgBody := body[headerLen:]
	if len(msgBody) != bodyLen {
		// Tolerated like the text formats' length fields: the checksum
		// already vouches for frame integrity.
		h.logger.Debug("binary body length mismatch",
			"device_id", deviceID,
			"declared", bodyLen,
			"actual", len(msgBody),
		)
	}

	msg := &ParsedMessage{
		Protocol:  h.Name(),
		DeviceID:  deviceID,
		Serial:    serial,
		Versioned: versioned,
		Command:   fmt.Sprintf("0x%04X", msgID),
		Raw:       append([]byte(nil), frame...),
	}

	switch msgID {
	case jt808MsgHeartbeat:
		msg.Kind = KindHeartbeat
		return msg, nil

	case jt808MsgRegister, jt808MsgAuthenticate:
		msg.Kind = KindLogin
		return msg, nil

	case jt808MsgLocation:
		fix, alarmed, alarmCode, err := h.parseLocationBody(msgBody)
		if err != nil {
			return nil, err
		}
		if alarmed {
			msg.Kind = KindAlarm
			msg.AlarmCode = alarmCode
		} else {
			msg.Kind = KindLocation
		}
		msg.Fix = fix
		return msg, nil

	case jt808MsgBatchLocation:
		return h.parseBatchBody(msg, msgBody)

	default:
		msg.Kind = KindUnknown
		return msg, nil
	}
}

// parseLocationBody decodes the fixed-width location body: 4-byte alarm
// flags, 4-byte status, latitude and longitude scaled by 1e6, altitude,
// speed scaled by 10, heading, and a 6-byte BCD timestamp.
func (h *JT808Handler) parseLocationBody(body []byte) (*GpsFix, bool, string, error) {
	if len(body) < 28 {
		return nil, false, "", fmt.Errorf("%w: location body has %d bytes, need 28", ErrUnparseable, len(body))
	}

	alarm := binary.BigEndian.Uint32(body[0:4])
	status := binary.BigEndian.Uint32(body[4:8])

	lat := float64(binary.BigEndian.Uint32(body[8:12])) / 1e6
	lon := float64(binary.BigEndian.Uint32(body[12:16])) / 1e6
	// Status bits 2 and 3 select the southern and western hemispheres.
	if status&0x04 != 0 {
		lat = -lat
	}
	if status&0x08 != 0 {
		lon = -lon
	}

	ts, err := bcdTimestamp(body[22:28])
	if err != nil {
		return nil, false, "", fmt.Errorf("%w: %s", ErrUnparseable, err)
	}

	fix := &GpsFix{
		Timestamp: ts,
		Latitude:  lat,
		Longitude: lon,
		Altitude:  float64(int16(binary.BigEndian.Uint16(body[16:18]))),
		Speed:     float64(binary.BigEndian.Uint16(body[18:20])) / 10,
		Heading:   float64(binary.BigEndian.Uint16(body[20:22])),
		Valid:     status&0x02 != 0,
	}
	if !fix.CoordinatesInRange() {
		fix.Valid = false
	}

	alarmed := alarm != 0
	alarmCode := ""
	if alarmed {
		alarmCode = fmt.Sprintf("0x%08X", alarm)
	}
	return fix, alarmed, alarmCode, nil
}

// parseBatchBody decodes a bulk upload: 2-byte record count, 1-byte type,
// then repeated 2-byte-length-prefixed location bodies.
func (h *JT808Handler) parseBatchBody(msg *ParsedMessage, body []byte) (*ParsedMessage, error) {
	if len(body) < 3 {
		return nil, fmt.Errorf("%w: batch body too short", ErrUnparseable)
	}
	declared := int(binary.BigEndian.Uint16(body[0:2]))

	fixes := make([]GpsFix, 0, declared)
	rest := body[3:]
	for len(rest) >= 2 {
		recordLen := int(binary.BigEndian.Uint16(rest[0:2]))
		rest = rest[2:]
		if recordLen > len(rest) {
			break
		}
		fix, _, _, err := h.parseLocationBody(rest[:recordLen])
		if err != nil {
			h.logger.Debug("skipping malformed batch record",
				"device_id", msg.DeviceID,
				"error", err,
			)
		} else {
			fixes = append(fixes, *fix)
		}
		rest = rest[recordLen:]
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

// CreateResponse implements Handler. Registrations get the dedicated
// register acknowledgement; everything else gets the platform general
// response echoing the request serial and message ID.
func (h *JT808Handler) CreateResponse(msg *ParsedMessage, success bool) []byte {
	result := byte(0)
	if !success {
		result = 1
	}

	if msg.Command == fmt.Sprintf("0x%04X", jt808MsgRegister) {
		body := make([]byte, 0, 3+len(msg.DeviceID))
		body = binary.BigEndian.AppendUint16(body, msg.Serial)
		body = append(body, result)
		if success {
			body = append(body, []byte(msg.DeviceID)...)
		}
		return h.encode(jt808MsgRegisterAck, msg, body)
	}

	var reqID uint16
	_, _ = fmt.Sscanf(msg.Command, "0x%04X", &reqID)
	body := make([]byte, 0, 5)
	body = binary.BigEndian.AppendUint16(body, msg.Serial)
	body = binary.BigEndian.AppendUint16(body, reqID)
	body = append(body, result)
	return h.encode(jt808MsgGeneralAck, msg, body)
}

// encode assembles header+body, appends the checksum, re-applies byte
// stuffing and wraps the result in delimiters.
func (h *JT808Handler) encode(msgID uint16, msg *ParsedMessage, body []byte) []byte {
	props := uint16(len(body)) & jt808BodyLenMask
	idLen := 6
	if msg.Versioned {
		props |= jt808VersionedFlag
		idLen = 10
	}

	buf := make([]byte, 0, 4+idLen+2+len(body)+1)
	buf = binary.BigEndian.AppendUint16(buf, msgID)
	buf = binary.BigEndian.AppendUint16(buf, props)
	buf = append(buf, stringToBCD(msg.DeviceID, idLen)...)
	buf = binary.BigEndian.AppendUint16(buf, msg.Serial)
	buf = append(buf, body...)
	buf = append(buf, jt808Checksum(buf))

	stuffed := jt808Stuff(buf)
	framed := make([]byte, 0, len(stuffed)+2)
	framed = append(framed, jt808Delimiter)
	framed = append(framed, stuffed...)
	framed = append(framed, jt808Delimiter)
	return framed
}

// jt808Unstuff undoes in-band byte stuffing.
func jt808Unstuff(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == jt808Escape && i+1 < len(data) {
			switch data[i+1] {
			case 0x02:
				out = append(out, jt808Delimiter)
				i++
				continue
			case 0x01:
				out = append(out, jt808Escape)
				i++
				continue
			}
		}
		out = append(out, data[i])
	}
	return out
}

// jt808Stuff escapes delimiter and escape bytes for transmission.
func jt808Stuff(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch b {
		case jt808Delimiter:
			out = append(out, jt808Escape, 0x02)
		case jt808Escape:
			out = append(out, jt808Escape, 0x01)
		default:
			out = append(out, b)
		}
	}
	return out
}

// jt808Checksum is the XOR of all bytes.
func jt808Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// bcdToString decodes binary-coded decimal bytes into their digit string.
func bcdToString(data []byte) string {
	out := make([]byte, 0, len(data)*2)
	for _, b := range data {
		out = append(out, '0'+(b>>4), '0'+(b&0x0F))
	}
	return string(out)
}

// stringToBCD packs a digit string into n BCD bytes, left-padding with
// zeros. Non-digit characters encode as zero nibbles.
func stringToBCD(s string, n int) []byte {
	digits := make([]byte, 0, n*2)
	for i := len(s) - 1; i >= 0 && len(digits) < n*2; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			c = '0'
		}
		digits = append(digits, c-'0')
	}
	out := make([]byte, n)
	for i := 0; i < len(digits); i++ {
		byteIdx := n - 1 - i/2
		if i%2 == 0 {
			out[byteIdx] |= digits[i]
		} else {
			out[byteIdx] |= digits[i] << 4
		}
	}
	return out
}

// bcdTimestamp decodes a 6-byte BCD YYMMDDHHMMSS timestamp.
func bcdTimestamp(data []byte) (time.Time, error) {
	if len(data) != 6 {
		return time.Time{}, fmt.Errorf("timestamp needs 6 BCD bytes, got %d", len(data))
	}
	s := bcdToString(data)
	ts, err := time.Parse("060102150405", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad BCD timestamp %q: %w", s, err)
	}
	return ts.UTC(), nil
}
