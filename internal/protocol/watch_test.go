package protocol_test

import (
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/trackgate/internal/protocol"
)

var _ = Describe("WatchHandler", func() {
	var handler *protocol.WatchHandler

	BeforeEach(func() {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		handler = protocol.NewWatchHandler(logger)
	})

	Describe("CanHandle", func() {
		It("accepts bracket-delimited frames with header asterisks", func() {
			Expect(handler.CanHandle([]byte("[3G*9990000001*0008*LK,0,0,95]"))).To(BeTrue())
		})

		It("rejects parenthesis frames", func() {
			Expect(handler.CanHandle([]byte("(013632651491,BP00,HSO)"))).To(BeFalse())
		})

		It("rejects bracket frames without enough asterisks", func() {
			Expect(handler.CanHandle([]byte("[garbage]"))).To(BeFalse())
		})
	})

	Describe("Parse", func() {
		It("decodes a keepalive login with battery level", func() {
			msg, err := handler.Parse([]byte("[3G*9990000001*0008*LK,0,0,95]"))
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(protocol.KindLogin))
			Expect(msg.DeviceID).To(Equal("9990000001"))
			Expect(msg.Fix).NotTo(BeNil())
			Expect(msg.Fix.Battery).To(Equal(95))
		})

		It("decodes a location report with NMEA coordinates", func() {
			frame := "[3G*9990000001*0049*UD,150324,101530,A,2232.9806,N,11404.9355,E,4.5,180.0,1250.0,8,90,85]"
			msg, err := handler.Parse([]byte(frame))
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(protocol.KindLocation))

			// 22°32.9806' N = 22 + 32.9806/60, 114°04.9355' E = 114 + 4.9355/60
			Expect(msg.Fix.Latitude).To(BeNumerically("~", 22.549676666, 1e-6))
			Expect(msg.Fix.Longitude).To(BeNumerically("~", 114.082258333, 1e-6))
			Expect(msg.Fix.Valid).To(BeTrue())
			Expect(msg.Fix.Altitude).To(Equal(1250.0))
			Expect(msg.Fix.Satellites).To(Equal(8))
			Expect(msg.Fix.Battery).To(Equal(85))
			Expect(msg.Fix.Timestamp).To(Equal(time.Date(2024, 3, 15, 10, 15, 30, 0, time.UTC)))
		})

		It("applies the hemisphere sign after conversion", func() {
			frame := "[3G*9990000001*0030*UD,150324,101530,A,2232.9806,S,11404.9355,W,0,0,0]"
			msg, err := handler.Parse([]byte(frame))
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Fix.Latitude).To(BeNumerically("<", 0))
			Expect(msg.Fix.Longitude).To(BeNumerically("<", 0))
		})

		It("flags a V-validity fix as invalid without discarding it", func() {
			frame := "[3G*9990000001*0030*UD,150324,101530,V,2232.9806,N,11404.9355,E,0,0,0]"
			msg, err := handler.Parse([]byte(frame))
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Fix).NotTo(BeNil())
			Expect(msg.Fix.Valid).To(BeFalse())
		})

		It("decodes an alarm as an alarm message", func() {
			frame := "[3G*9990000001*0030*AL,150324,101530,A,2232.9806,N,11404.9355,E,0,0,0]"
			msg, err := handler.Parse([]byte(frame))
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(protocol.KindAlarm))
			Expect(msg.AlarmCode).To(Equal("SOS"))
		})

		It("decodes a count-prefixed batch", func() {
			rec1 := "150324,101530,A,2232.9806,N,11404.9355,E,4.5,180.0,1250.0"
			rec2 := "150324,101630,A,2233.0000,N,11405.0000,E,5.0,181.0,1260.0"
			frame := "[3G*9990000001*0080*UDB,2," + rec1 + ";" + rec2 + "]"
			msg, err := handler.Parse([]byte(frame))
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(protocol.KindBatch))
			Expect(msg.Fixes).To(HaveLen(2))
		})

		It("tolerates a batch count mismatch", func() {
			rec := "150324,101530,A,2232.9806,N,11404.9355,E,4.5,180.0,1250.0"
			frame := "[3G*9990000001*0050*UDB,3," + rec + "]"
			msg, err := handler.Parse([]byte(frame))
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Fixes).To(HaveLen(1))
		})

		It("surfaces unknown commands for acknowledgement", func() {
			msg, err := handler.Parse([]byte("[3G*9990000001*0008*TKQ]"))
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(protocol.KindUnknown))
			Expect(msg.Command).To(Equal("TKQ"))
		})

		It("rejects frames with a missing header field", func() {
			_, err := handler.Parse([]byte("[3G*9990000001*LK]"))
			Expect(err).To(MatchError(protocol.ErrUnparseable))
		})

		It("rejects unparseable coordinates", func() {
			frame := "[3G*9990000001*0030*UD,150324,101530,A,notanumber,N,11404.9355,E,0,0,0]"
			_, err := handler.Parse([]byte(frame))
			Expect(err).To(MatchError(protocol.ErrUnparseable))
		})
	})

	Describe("CreateResponse", func() {
		It("echoes the command with the original tag", func() {
			msg, err := handler.Parse([]byte("[SG*9990000001*0008*LK,0,0,95]"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(handler.CreateResponse(msg, true))).To(Equal("[SG*9990000001*0002*LK]"))
		})

		It("acknowledges rejected messages identically", func() {
			msg, err := handler.Parse([]byte("[3G*9990000001*0008*LK,0,0,95]"))
			Expect(err).NotTo(HaveOccurred())
			Expect(handler.CreateResponse(msg, false)).To(Equal(handler.CreateResponse(msg, true)))
		})
	})
})
