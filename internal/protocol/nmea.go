package protocol

import (
	"fmt"
	"math"
	"strconv"
)

// nmeaToDecimal converts an NMEA degree-minute coordinate (DDMM.MMMM for
// latitude, DDDMM.MMMM for longitude) to decimal degrees. The hemisphere
// sign is applied after conversion: S and W negate.
func nmeaToDecimal(value, hemisphere string) (float64, error) {
	raw, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("coordinate %q is not numeric: %w", value, err)
	}
	if raw < 0 {
		return 0, fmt.Errorf("coordinate %q is negative", value)
	}

	degrees := math.Floor(raw / 100)
	minutes := raw - degrees*100
	if minutes >= 60 {
		return 0, fmt.Errorf("coordinate %q has minutes >= 60", value)
	}

	decimal := degrees + minutes/60

	switch hemisphere {
	case "N", "E", "":
		return decimal, nil
	case "S", "W":
		return -decimal, nil
	default:
		return 0, fmt.Errorf("unknown hemisphere %q", hemisphere)
	}
}

// decimalToNMEA converts decimal degrees back to the NMEA degree-minute
// representation and its hemisphere letter. latitude selects N/S vs E/W.
func decimalToNMEA(decimal float64, latitude bool) (string, string) {
	hemi := "N"
	if latitude {
		if decimal < 0 {
			hemi = "S"
		}
	} else {
		hemi = "E"
		if decimal < 0 {
			hemi = "W"
		}
	}

	abs := math.Abs(decimal)
	degrees := math.Floor(abs)
	minutes := (abs - degrees) * 60

	width := 2
	if !latitude {
		width = 3
	}
	return fmt.Sprintf("%0*d%07.4f", width, int(degrees), minutes), hemi
}
