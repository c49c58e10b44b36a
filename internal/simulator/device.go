// Package simulator generates synthetic tracker traffic against a
// running gateway. Each simulated device dials its own TCP connection
// and speaks one of the real wire formats, so a soak run exercises the
// same code paths as field hardware.
package simulator

import (
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"procodus.dev/trackgate/internal/protocol"
)

// Supported wire formats.
const (
	ProtocolWatch   = "watch"
	ProtocolClassic = "classic"
	ProtocolJT808   = "jt808"
)

// Device is one synthetic tracker identity.
type Device struct {
	Serial   string
	Tag      string
	Protocol string
	Battery  int
}

// NewDevice fabricates a tracker identity for the wire format. Classic
// hardware uses long all-digit serials; watch and JT808 hardware use
// ten-digit ones.
func NewDevice(proto string) *Device {
	serial := gofakeit.DigitN(10)
	if proto == ProtocolClassic {
		serial = gofakeit.DigitN(12)
	}
	return &Device{
		Serial:   serial,
		Tag:      gofakeit.RandomString([]string{"3G", "SG", "ZJ"}),
		Protocol: proto,
		Battery:  50 + rand.Intn(50),
	}
}

// Track is a random-walk flight path. Heading drifts slowly with
// occasional thermals (tight turns), the way real free-flight tracks
// look.
type Track struct {
	lat      float64
	lon      float64
	altitude float64
	speed    float64
	heading  float64
	climb    float64
}

// NewTrack starts a track at a plausible launch site.
func NewTrack() *Track {
	return &Track{
		lat:      45.0 + rand.Float64()*3.0,
		lon:      6.0 + rand.Float64()*4.0,
		altitude: 800 + rand.Float64()*1500,
		speed:    25 + rand.Float64()*20,
		heading:  rand.Float64() * 360,
		climb:    (rand.Float64() - 0.5) * 2,
	}
}

// Next advances the track by elapsed and returns the fix at t.
func (tr *Track) Next(t time.Time, elapsed time.Duration) protocol.GpsFix {
	// Heading random walk; 10% chance of a thermal turn.
	tr.heading += (rand.Float64() - 0.5) * 20
	if rand.Float64() < 0.10 {
		tr.heading += 90 + rand.Float64()*180
	}
	tr.heading = math.Mod(tr.heading+360, 360)

	tr.speed += (rand.Float64() - 0.5) * 4
	tr.speed = math.Max(5, math.Min(65, tr.speed))

	// Climb trend reverses occasionally, sink between thermals.
	if rand.Float64() < 0.15 {
		tr.climb = (rand.Float64() - 0.5) * 4
	}
	tr.altitude += tr.climb * elapsed.Seconds()
	tr.altitude = math.Max(200, math.Min(4500, tr.altitude))

	// Advance position. One degree of latitude is ~111km.
	distanceKm := tr.speed * elapsed.Hours()
	rad := tr.heading * math.Pi / 180
	tr.lat += distanceKm * math.Cos(rad) / 111.0
	tr.lon += distanceKm * math.Sin(rad) / (111.0 * math.Cos(tr.lat*math.Pi/180))

	return protocol.GpsFix{
		Timestamp:  t.UTC().Truncate(time.Second),
		Latitude:   tr.lat,
		Longitude:  tr.lon,
		Altitude:   math.Round(tr.altitude),
		Speed:      math.Round(tr.speed*10) / 10,
		Heading:    math.Round(tr.heading),
		Satellites: 6 + rand.Intn(6),
		Valid:      true,
	}
}
