package protocol_test

import (
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/trackgate/internal/protocol"
)

var _ = Describe("ClassicHandler", func() {
	var handler *protocol.ClassicHandler

	BeforeEach(func() {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		handler = protocol.NewClassicHandler(logger)
	})

	Describe("CanHandle", func() {
		It("accepts parenthesis frames with a numeric device id", func() {
			Expect(handler.CanHandle([]byte("(013632651491,BP00,HSO)"))).To(BeTrue())
		})

		It("rejects device ids shorter than 10 digits", func() {
			Expect(handler.CanHandle([]byte("(12345,BP00,HSO)"))).To(BeFalse())
		})

		It("rejects non-numeric device ids", func() {
			Expect(handler.CanHandle([]byte("(01363265149A,BP00,HSO)"))).To(BeFalse())
		})

		It("rejects bracket frames", func() {
			Expect(handler.CanHandle([]byte("[3G*9990000001*0008*LK,0,0,95]"))).To(BeFalse())
		})
	})

	Describe("Parse", func() {
		It("decodes a handshake as heartbeat", func() {
			msg, err := handler.Parse([]byte("(013632651491,BP00,HSO)"))
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(protocol.KindHeartbeat))
			Expect(msg.DeviceID).To(Equal("013632651491"))
		})

		It("decodes a continuous location report", func() {
			frame := "(013632651491,BR00,150324,A,2232.9806,N,11404.9355,E,4.5,101530,180.0,350.0)"
			msg, err := handler.Parse([]byte(frame))
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(protocol.KindLocation))
			Expect(msg.Fix.Latitude).To(BeNumerically("~", 22.549676666, 1e-6))
			Expect(msg.Fix.Longitude).To(BeNumerically("~", 114.082258333, 1e-6))
			Expect(msg.Fix.Speed).To(Equal(4.5))
			Expect(msg.Fix.Heading).To(Equal(180.0))
			Expect(msg.Fix.Altitude).To(Equal(350.0))
			Expect(msg.Fix.Timestamp).To(Equal(time.Date(2024, 3, 15, 10, 15, 30, 0, time.UTC)))
		})

		It("decodes a login with attached location", func() {
			frame := "(013632651491,BP05,150324,A,2232.9806,N,11404.9355,E,4.5,101530)"
			msg, err := handler.Parse([]byte(frame))
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(protocol.KindLogin))
			Expect(msg.Fix).NotTo(BeNil())
		})

		It("decodes an alarm with its code", func() {
			frame := "(013632651491,BO01,2,150324,A,2232.9806,N,11404.9355,E,4.5,101530)"
			msg, err := handler.Parse([]byte(frame))
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(protocol.KindAlarm))
			Expect(msg.AlarmCode).To(Equal("2"))
		})

		It("rejects truncated location records", func() {
			_, err := handler.Parse([]byte("(013632651491,BR00,150324,A)"))
			Expect(err).To(MatchError(protocol.ErrUnparseable))
		})
	})

	Describe("CreateResponse", func() {
		It("responds to a handshake with AP01", func() {
			msg, err := handler.Parse([]byte("(013632651491,BP00,HSO)"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(handler.CreateResponse(msg, true))).To(Equal("(013632651491AP01HSO)"))
		})

		It("responds to a login with AP05", func() {
			frame := "(013632651491,BP05,150324,A,2232.9806,N,11404.9355,E,4.5,101530)"
			msg, err := handler.Parse([]byte(frame))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(handler.CreateResponse(msg, true))).To(Equal("(013632651491AP05)"))
		})

		It("acknowledges an alarm with its code", func() {
			frame := "(013632651491,BO01,2,150324,A,2232.9806,N,11404.9355,E,4.5,101530)"
			msg, err := handler.Parse([]byte(frame))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(handler.CreateResponse(msg, true))).To(Equal("(013632651491AS012)"))
		})
	})
})
