package gateway

import (
	"context"
	"encoding/json"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/trackgate/internal/protocol"
	"procodus.dev/trackgate/internal/queue"
)

// paceDelay keeps consecutive frames from one device under the
// per-device rate limit.
const paceDelay = 400 * time.Millisecond

func dialTracker() net.Conn {
	conn, err := net.DialTimeout("tcp", gatewayAddr(), 3*time.Second)
	Expect(err).NotTo(HaveOccurred())
	return conn
}

func readAck(conn net.Conn) string {
	Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
	buf := make([]byte, 0, 64)
	one := make([]byte, 1)
	for {
		_, err := conn.Read(one)
		Expect(err).NotTo(HaveOccurred())
		buf = append(buf, one[0])
		if one[0] == ']' {
			return string(buf)
		}
	}
}

func login(conn net.Conn, deviceID string) {
	_, err := conn.Write(protocol.EncodeWatchKeepalive("3G", deviceID, 95))
	Expect(err).NotTo(HaveOccurred())
	Expect(readAck(conn)).To(ContainSubstring("*LK]"))
}

func drainQueue(channel string) []queue.Item {
	items, err := testQueue.DequeueBatch(context.Background(), channel, 100)
	Expect(err).NotTo(HaveOccurred())
	return items
}

var _ = Describe("Gateway E2E", func() {
	BeforeEach(func() {
		Expect(testQueue.Clear(context.Background(), queue.ChannelLive)).To(Succeed())
		Expect(testQueue.Clear(context.Background(), queue.ChannelUpload)).To(Succeed())
	})

	Describe("live ingest", func() {
		It("carries a registered device's fix onto the live queue with its flight identity", func() {
			conn := dialTracker()
			defer conn.Close()
			login(conn, registeredDevice)
			time.Sleep(paceDelay)

			fix := protocol.GpsFix{
				Timestamp: time.Now().UTC().Truncate(time.Second),
				Latitude:  46.547222,
				Longitude: 7.983333,
				Altitude:  2100,
				Speed:     38.0,
				Valid:     true,
			}
			_, err := conn.Write(protocol.EncodeWatchLocation("3G", registeredDevice, fix))
			Expect(err).NotTo(HaveOccurred())
			Expect(readAck(conn)).To(ContainSubstring("*UD]"))

			var items []queue.Item
			Eventually(func() int {
				items = append(items, drainQueue(queue.ChannelLive)...)
				return len(items)
			}, 5*time.Second).Should(Equal(1))

			point := items[0].Points[0]
			Expect(point.DeviceID).To(Equal(registeredDevice))
			Expect(point.OwnerID).To(Equal(registeredOwner))
			Expect(point.GroupID).To(Equal(registeredGroup))
			Expect(point.FlightID).To(ContainSubstring(registeredDevice + "-" + registeredOwner))
			Expect(point.Fix.Latitude).To(BeNumerically("~", 46.547222, 1e-4))
			Expect(point.Fix.Longitude).To(BeNumerically("~", 7.983333, 1e-4))
		})

		It("routes buffered batches to the upload queue", func() {
			conn := dialTracker()
			defer conn.Close()
			login(conn, registeredDevice)
			time.Sleep(paceDelay)

			base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
			fixes := make([]protocol.GpsFix, 0, 3)
			for i := 0; i < 3; i++ {
				fixes = append(fixes, protocol.GpsFix{
					Timestamp: base.Add(time.Duration(i) * 10 * time.Second),
					Latitude:  46.5 + float64(i)*0.001,
					Longitude: 7.98 + float64(i)*0.001,
					Valid:     true,
				})
			}
			_, err := conn.Write(protocol.EncodeWatchBatch("3G", registeredDevice, fixes))
			Expect(err).NotTo(HaveOccurred())
			Expect(readAck(conn)).To(ContainSubstring("*UDB]"))

			var items []queue.Item
			Eventually(func() int {
				items = append(items, drainQueue(queue.ChannelUpload)...)
				return len(items)
			}, 5*time.Second).Should(Equal(1))
			Expect(items[0].Count).To(Equal(3))
			Expect(items[0].Priority).To(Equal(queue.PriorityUpload))
		})

		It("acknowledges retransmissions without queueing them twice", func() {
			conn := dialTracker()
			defer conn.Close()
			login(conn, registeredDevice)
			time.Sleep(paceDelay)

			fix := protocol.GpsFix{
				Timestamp: time.Now().UTC().Truncate(time.Second),
				Latitude:  46.6,
				Longitude: 7.9,
				Valid:     true,
			}
			frame := protocol.EncodeWatchLocation("3G", registeredDevice, fix)

			_, err := conn.Write(frame)
			Expect(err).NotTo(HaveOccurred())
			Expect(readAck(conn)).To(ContainSubstring("*UD]"))
			time.Sleep(paceDelay)

			// Same bytes again: the device did not hear the ack.
			_, err = conn.Write(frame)
			Expect(err).NotTo(HaveOccurred())
			Expect(readAck(conn)).To(ContainSubstring("*UD]"))

			time.Sleep(time.Second)
			Expect(drainQueue(queue.ChannelLive)).To(HaveLen(1))
		})

		It("never queues fixes from unregistered devices", func() {
			conn := dialTracker()
			defer conn.Close()
			login(conn, "8880000002")
			time.Sleep(paceDelay)

			fix := protocol.GpsFix{
				Timestamp: time.Now().UTC().Truncate(time.Second),
				Latitude:  46.5,
				Longitude: 8.0,
				Valid:     true,
			}
			_, err := conn.Write(protocol.EncodeWatchLocation("3G", "8880000002", fix))
			Expect(err).NotTo(HaveOccurred())
			Expect(readAck(conn)).To(ContainSubstring("*UD]"))

			time.Sleep(time.Second)
			Expect(drainQueue(queue.ChannelLive)).To(BeEmpty())
		})
	})

	Describe("alarm fan-out", func() {
		It("publishes SOS events to the alarm exchange", func() {
			// Bind a fresh queue to the fanout exchange before raising
			// the alarm.
			mqConn, err := amqp.Dial(rabbitmqURL)
			Expect(err).NotTo(HaveOccurred())
			defer mqConn.Close()
			ch, err := mqConn.Channel()
			Expect(err).NotTo(HaveOccurred())
			defer ch.Close()

			Expect(ch.ExchangeDeclare("trackgate.alarms", "fanout", true, false, false, false, nil)).To(Succeed())
			q, err := ch.QueueDeclare("", false, true, true, false, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(ch.QueueBind(q.Name, "", "trackgate.alarms", false, nil)).To(Succeed())
			deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
			Expect(err).NotTo(HaveOccurred())

			conn := dialTracker()
			defer conn.Close()
			login(conn, registeredDevice)
			time.Sleep(paceDelay)

			fix := protocol.GpsFix{
				Timestamp: time.Now().UTC().Truncate(time.Second),
				Latitude:  46.55,
				Longitude: 7.95,
				Valid:     true,
			}
			_, err = conn.Write(protocol.EncodeWatchAlarm("3G", registeredDevice, fix))
			Expect(err).NotTo(HaveOccurred())
			Expect(readAck(conn)).To(ContainSubstring("*AL]"))

			var delivery amqp.Delivery
			Eventually(deliveries, 10*time.Second).Should(Receive(&delivery))

			var event map[string]any
			Expect(json.Unmarshal(delivery.Body, &event)).To(Succeed())
			Expect(event["device_id"]).To(Equal(registeredDevice))
			Expect(event["code"]).To(Equal("SOS"))
		})
	})
})
