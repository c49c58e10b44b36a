package protocol_test

import (
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/trackgate/internal/protocol"
)

var _ = Describe("Coordinate round trips", func() {
	var (
		watch   *protocol.WatchHandler
		classic *protocol.ClassicHandler
		jt808   *protocol.JT808Handler
	)

	fix := protocol.GpsFix{
		Timestamp: time.Date(2024, 3, 15, 10, 15, 30, 0, time.UTC),
		Latitude:  46.976833,
		Longitude: 7.449861,
		Altitude:  1250,
		Speed:     32.5,
		Heading:   271,
		Valid:     true,
	}

	BeforeEach(func() {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		watch = protocol.NewWatchHandler(logger)
		classic = protocol.NewClassicHandler(logger)
		jt808 = protocol.NewJT808Handler(logger)
	})

	// The NMEA degree-minute format carries four fractional minute digits,
	// so round trips are exact to roughly 1.7e-6 degrees.
	const nmeaTolerance = 2e-6

	It("round-trips watch coordinates through encode and parse", func() {
		for _, c := range []struct{ lat, lon float64 }{
			{46.976833, 7.449861},
			{-33.868820, 151.209290},
			{22.549676, -114.082258},
			{-0.5, -0.5},
		} {
			f := fix
			f.Latitude, f.Longitude = c.lat, c.lon
			msg, err := watch.Parse(protocol.EncodeWatchLocation("3G", "9990000001", f))
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Fix.Latitude).To(BeNumerically("~", c.lat, nmeaTolerance))
			Expect(msg.Fix.Longitude).To(BeNumerically("~", c.lon, nmeaTolerance))
		}
	})

	It("round-trips classic coordinates through encode and parse", func() {
		msg, err := classic.Parse(protocol.EncodeClassicLocation("0136326514912345", fix))
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Fix.Latitude).To(BeNumerically("~", fix.Latitude, nmeaTolerance))
		Expect(msg.Fix.Longitude).To(BeNumerically("~", fix.Longitude, nmeaTolerance))
	})

	It("round-trips binary coordinates exactly to the 1e-6 grid", func() {
		msg, err := jt808.Parse(protocol.EncodeJT808Location("013800138000", 1, fix))
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Fix.Latitude).To(BeNumerically("~", fix.Latitude, 1e-9))
		Expect(msg.Fix.Longitude).To(BeNumerically("~", fix.Longitude, 1e-9))
		Expect(msg.Fix.Timestamp).To(Equal(fix.Timestamp))
	})
})
