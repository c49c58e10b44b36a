package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Frame encoders used by the traffic simulator and by round-trip tests.
// They produce the exact byte layouts the corresponding handlers decode.

// EncodeWatchLocation builds a watch-format location frame for the fix.
func EncodeWatchLocation(tag, deviceID string, fix GpsFix) []byte {
	return encodeWatchFix(tag, deviceID, watchCmdLocation, fix)
}

// EncodeWatchAlarm builds a watch-format SOS alarm frame for the fix.
func EncodeWatchAlarm(tag, deviceID string, fix GpsFix) []byte {
	return encodeWatchFix(tag, deviceID, watchCmdAlarm, fix)
}

// EncodeWatchKeepalive builds a watch-format keepalive/login frame.
func EncodeWatchKeepalive(tag, deviceID string, battery int) []byte {
	content := fmt.Sprintf("%s,0,0,%d", watchCmdKeepalive, battery)
	return []byte(fmt.Sprintf("[%s*%s*%04X*%s]", tag, deviceID, len(content), content))
}

// EncodeWatchBatch builds a count-prefixed watch batch frame.
func EncodeWatchBatch(tag, deviceID string, fixes []GpsFix) []byte {
	records := make([]string, 0, len(fixes))
	for _, fix := range fixes {
		records = append(records, watchFixRecord(fix))
	}
	content := fmt.Sprintf("%s,%d,%s", watchCmdBatch, len(fixes), strings.Join(records, ";"))
	return []byte(fmt.Sprintf("[%s*%s*%04X*%s]", tag, deviceID, len(content), content))
}

func encodeWatchFix(tag, deviceID, command string, fix GpsFix) []byte {
	content := command + "," + watchFixRecord(fix)
	return []byte(fmt.Sprintf("[%s*%s*%04X*%s]", tag, deviceID, len(content), content))
}

func watchFixRecord(fix GpsFix) string {
	validity := "V"
	if fix.Valid {
		validity = "A"
	}
	lat, latHemi := decimalToNMEA(fix.Latitude, true)
	lon, lonHemi := decimalToNMEA(fix.Longitude, false)
	return fmt.Sprintf("%s,%s,%s,%s,%s,%s,%s,%.1f,%.1f,%.1f,%d,90,%d",
		fix.Timestamp.Format("020106"),
		fix.Timestamp.Format("150405"),
		validity, lat, latHemi, lon, lonHemi,
		fix.Speed, fix.Heading, fix.Altitude, fix.Satellites, fix.Battery,
	)
}

// EncodeClassicLocation builds a classic-format BR00 location frame.
func EncodeClassicLocation(deviceID string, fix GpsFix) []byte {
	validity := "V"
	if fix.Valid {
		validity = "A"
	}
	lat, latHemi := decimalToNMEA(fix.Latitude, true)
	lon, lonHemi := decimalToNMEA(fix.Longitude, false)
	return []byte(fmt.Sprintf("(%s,%s,%s,%s,%s,%s,%s,%s,%.1f,%s,%.1f,%.1f)",
		deviceID, classicCmdLocation,
		fix.Timestamp.Format("020106"),
		validity, lat, latHemi, lon, lonHemi,
		fix.Speed,
		fix.Timestamp.Format("150405"),
		fix.Heading, fix.Altitude,
	))
}

// EncodeClassicHandshake builds a classic-format BP00 handshake frame.
func EncodeClassicHandshake(deviceID string) []byte {
	return []byte(fmt.Sprintf("(%s,%s,HSO)", deviceID, classicCmdHandshake))
}

// EncodeJT808Heartbeat builds a binary heartbeat frame.
func EncodeJT808Heartbeat(deviceID string, serial uint16) []byte {
	return encodeJT808(jt808MsgHeartbeat, deviceID, serial, nil)
}

// EncodeJT808Location builds a binary location frame for the fix.
func EncodeJT808Location(deviceID string, serial uint16, fix GpsFix) []byte {
	var status uint32
	if fix.Valid {
		status |= 0x02
	}
	if fix.Latitude < 0 {
		status |= 0x04
	}
	if fix.Longitude < 0 {
		status |= 0x08
	}

	body := make([]byte, 0, 28)
	body = binary.BigEndian.AppendUint32(body, 0) // alarm flags
	body = binary.BigEndian.AppendUint32(body, status)
	body = binary.BigEndian.AppendUint32(body, uint32(math.Round(math.Abs(fix.Latitude)*1e6)))
	body = binary.BigEndian.AppendUint32(body, uint32(math.Round(math.Abs(fix.Longitude)*1e6)))
	body = binary.BigEndian.AppendUint16(body, uint16(int16(fix.Altitude)))
	body = binary.BigEndian.AppendUint16(body, uint16(math.Round(fix.Speed*10)))
	body = binary.BigEndian.AppendUint16(body, uint16(fix.Heading))
	ts := fix.Timestamp.UTC().Format("060102150405")
	body = append(body, stringToBCD(ts, 6)...)

	return encodeJT808(jt808MsgLocation, deviceID, serial, body)
}

func encodeJT808(msgID uint16, deviceID string, serial uint16, body []byte) []byte {
	props := uint16(len(body)) & jt808BodyLenMask
	idLen := 6
	if len(deviceID) > 12 {
		props |= jt808VersionedFlag
		idLen = 10
	}

	buf := make([]byte, 0, 4+idLen+2+len(body)+1)
	buf = binary.BigEndian.AppendUint16(buf, msgID)
	buf = binary.BigEndian.AppendUint16(buf, props)
	buf = append(buf, stringToBCD(deviceID, idLen)...)
	buf = binary.BigEndian.AppendUint16(buf, serial)
	buf = append(buf, body...)
	buf = append(buf, jt808Checksum(buf))

	stuffed := jt808Stuff(buf)
	framed := make([]byte, 0, len(stuffed)+2)
	framed = append(framed, jt808Delimiter)
	framed = append(framed, stuffed...)
	framed = append(framed, jt808Delimiter)
	return framed
}
