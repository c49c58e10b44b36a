package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"

	"procodus.dev/trackgate/internal/flight"
	"procodus.dev/trackgate/internal/protocol"
	"procodus.dev/trackgate/internal/server"
)

const testSecret = "test-secret"

// memoryStore is an in-memory RegistrationStore for gateway tests.
type memoryStore struct {
	mu   sync.Mutex
	regs map[string]*flight.DeviceRegistration
}

func newMemoryStore() *memoryStore {
	return &memoryStore{regs: make(map[string]*flight.DeviceRegistration)}
}

func (m *memoryStore) add(reg *flight.DeviceRegistration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[reg.DeviceID] = reg
}

func (m *memoryStore) FindActiveRegistration(_ context.Context, deviceID string) (*flight.DeviceRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[deviceID]
	if !ok || !reg.Active {
		return nil, flight.ErrRegistrationNotFound
	}
	copied := *reg
	return &copied, nil
}

func (m *memoryStore) DeactivateRegistration(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg, ok := m.regs[deviceID]; ok {
		reg.Active = false
	}
	return nil
}

func signToken(ownerID string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &flight.SessionClaims{
		OwnerID: ownerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	Expect(err).NotTo(HaveOccurred())
	return signed
}

func freePort() int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	port := l.Addr().(*net.TCPAddr).Port
	Expect(l.Close()).To(Succeed())
	return port
}

// readTextFrame reads one bracket-delimited response.
func readTextFrame(conn net.Conn) string {
	Expect(conn.SetReadDeadline(time.Now().Add(3 * time.Second))).To(Succeed())
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

var _ = Describe("Server", func() {
	var (
		logger *slog.Logger
		mr     *miniredis.Miniredis
		client *redis.Client
		store  *memoryStore
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		store = newMemoryStore()
	})

	AfterEach(func() {
		Expect(client.Close()).To(Succeed())
		mr.Close()
	})

	newGateway := func(port int) *server.Server {
		srv, err := server.NewServer(&server.ServerConfig{
			Logger:      logger,
			ListenHost:  "127.0.0.1",
			ListenPort:  port,
			TokenSecret: testSecret,
			RedisClient: client,
			Store:       store,
		})
		Expect(err).NotTo(HaveOccurred())
		return srv
	}

	dialGateway := func(port int) net.Conn {
		var conn net.Conn
		Eventually(func() error {
			var err error
			conn, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
			return err
		}, 3*time.Second, 50*time.Millisecond).Should(Succeed())
		return conn
	}

	Describe("NewServer", func() {
		It("requires a listen port", func() {
			_, err := server.NewServer(&server.ServerConfig{
				Logger:      logger,
				TokenSecret: testSecret,
				RedisClient: client,
				Store:       store,
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("listen port"))
		})

		It("requires a token secret", func() {
			_, err := server.NewServer(&server.ServerConfig{
				Logger:      logger,
				ListenPort:  9000,
				RedisClient: client,
				Store:       store,
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("token secret"))
		})
	})

	Describe("ingest", func() {
		It("acknowledges a login and queues a registered device's fix", func() {
			store.add(&flight.DeviceRegistration{
				DeviceID:     "9990000001",
				OwnerID:      "pilot-7",
				GroupID:      "race-12",
				SessionToken: signToken("pilot-7"),
				Active:       true,
				ExpiresAt:    time.Now().Add(24 * time.Hour),
			})

			port := freePort()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- newGateway(port).Run(ctx) }()

			conn := dialGateway(port)
			defer conn.Close()

			_, err := conn.Write([]byte("[3G*9990000001*0008*LK,0,0,95]"))
			Expect(err).NotTo(HaveOccurred())
			Expect(readTextFrame(conn)).To(Equal("[3G*9990000001*0002*LK]"))

			// Stay under the per-device message rate.
			time.Sleep(400 * time.Millisecond)

			fix := protocol.GpsFix{
				Timestamp: time.Now().UTC().Truncate(time.Second),
				Latitude:  46.547222,
				Longitude: 7.983333,
				Altitude:  2100,
				Speed:     42.5,
				Valid:     true,
			}
			_, err = conn.Write(protocol.EncodeWatchLocation("3G", "9990000001", fix))
			Expect(err).NotTo(HaveOccurred())
			Expect(readTextFrame(conn)).To(Equal("[3G*9990000001*0002*UD]"))

			Eventually(func() (int64, error) {
				return client.ZCard(context.Background(), "trackgate:queue:live").Result()
			}, 3*time.Second).Should(Equal(int64(1)))

			cancel()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})

		It("acknowledges but never forwards an unregistered device", func() {
			port := freePort()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- newGateway(port).Run(ctx) }()

			conn := dialGateway(port)
			defer conn.Close()

			_, err := conn.Write([]byte("[3G*8880000002*0009*LK,0,0,80]"))
			Expect(err).NotTo(HaveOccurred())
			Expect(readTextFrame(conn)).To(Equal("[3G*8880000002*0002*LK]"))

			time.Sleep(400 * time.Millisecond)

			fix := protocol.GpsFix{
				Timestamp: time.Now().UTC().Truncate(time.Second),
				Latitude:  46.5,
				Longitude: 8.0,
				Valid:     true,
			}
			_, err = conn.Write(protocol.EncodeWatchLocation("3G", "8880000002", fix))
			Expect(err).NotTo(HaveOccurred())
			// Transport-level acknowledgement stops device-side retry
			// loops even though the point is rejected.
			Expect(readTextFrame(conn)).To(Equal("[3G*8880000002*0002*UD]"))

			Consistently(func() (int64, error) {
				return client.ZCard(context.Background(), "trackgate:queue:live").Result()
			}, 500*time.Millisecond).Should(BeZero())

			cancel()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})

		It("answers a rate-limited message with a failure response", func() {
			store.add(&flight.DeviceRegistration{
				DeviceID:     "9990000001",
				OwnerID:      "pilot-7",
				GroupID:      "race-12",
				SessionToken: signToken("pilot-7"),
				Active:       true,
				ExpiresAt:    time.Now().Add(24 * time.Hour),
			})

			port := freePort()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- newGateway(port).Run(ctx) }()

			conn := dialGateway(port)
			defer conn.Close()

			_, err := conn.Write([]byte("[3G*9990000001*0008*LK,0,0,95]"))
			Expect(err).NotTo(HaveOccurred())
			Expect(readTextFrame(conn)).To(Equal("[3G*9990000001*0002*LK]"))

			// Well inside the per-device minimum interval. Trackers treat
			// a missing response as a dead link and reconnect, so the
			// excess frame must still be answered.
			fix := protocol.GpsFix{
				Timestamp: time.Now().UTC().Truncate(time.Second),
				Latitude:  46.547222,
				Longitude: 7.983333,
				Valid:     true,
			}
			_, err = conn.Write(protocol.EncodeWatchLocation("3G", "9990000001", fix))
			Expect(err).NotTo(HaveOccurred())
			Expect(readTextFrame(conn)).To(Equal("[3G*9990000001*0002*UD]"))

			// The response is transport-level only; nothing is queued.
			Consistently(func() (int64, error) {
				return client.ZCard(context.Background(), "trackgate:queue:live").Result()
			}, 500*time.Millisecond).Should(BeZero())

			cancel()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})

		It("drops frames with control-character injection", func() {
			port := freePort()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- newGateway(port).Run(ctx) }()

			conn := dialGateway(port)
			defer conn.Close()

			_, err := conn.Write([]byte("[3G*999*0004*LK\x01,]"))
			Expect(err).NotTo(HaveOccurred())

			// No response, no queued data.
			Expect(conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))).To(Succeed())
			one := make([]byte, 1)
			_, readErr := conn.Read(one)
			Expect(readErr).To(HaveOccurred())

			cancel()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})
	})

	Describe("ops endpoint", func() {
		It("reports aggregate ingest counters on /status", func() {
			store.add(&flight.DeviceRegistration{
				DeviceID:     "9990000001",
				OwnerID:      "pilot-7",
				GroupID:      "race-12",
				SessionToken: signToken("pilot-7"),
				Active:       true,
				ExpiresAt:    time.Now().Add(24 * time.Hour),
			})

			port := freePort()
			opsPort := freePort()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() {
				srv, err := server.NewServer(&server.ServerConfig{
					Logger:      logger,
					ListenHost:  "127.0.0.1",
					ListenPort:  port,
					OpsPort:     opsPort,
					TokenSecret: testSecret,
					RedisClient: client,
					Store:       store,
				})
				if err != nil {
					done <- err
					return
				}
				done <- srv.Run(ctx)
			}()

			conn := dialGateway(port)
			defer conn.Close()

			_, err := conn.Write([]byte("[3G*9990000001*0008*LK,0,0,95]"))
			Expect(err).NotTo(HaveOccurred())
			Expect(readTextFrame(conn)).To(Equal("[3G*9990000001*0002*LK]"))

			time.Sleep(400 * time.Millisecond)

			fix := protocol.GpsFix{
				Timestamp: time.Now().UTC().Truncate(time.Second),
				Latitude:  46.547222,
				Longitude: 7.983333,
				Valid:     true,
			}
			_, err = conn.Write(protocol.EncodeWatchLocation("3G", "9990000001", fix))
			Expect(err).NotTo(HaveOccurred())
			Expect(readTextFrame(conn)).To(Equal("[3G*9990000001*0002*UD]"))

			var status struct {
				ActiveConnections int    `json:"active_connections"`
				MessagesReceived  uint64 `json:"messages_received"`
				ValidLocations    uint64 `json:"valid_locations"`
			}
			Eventually(func() (uint64, error) {
				resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/status", opsPort))
				if err != nil {
					return 0, err
				}
				defer resp.Body.Close()
				if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
					return 0, err
				}
				return status.ValidLocations, nil
			}, 3*time.Second).Should(Equal(uint64(1)))
			Expect(status.MessagesReceived).To(Equal(uint64(2)))
			Expect(status.ActiveConnections).To(Equal(1))

			cancel()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})
	})

	Describe("lifecycle", func() {
		It("stops cleanly without leaking session goroutines", func() {
			store.add(&flight.DeviceRegistration{
				DeviceID:     "9990000001",
				OwnerID:      "pilot-7",
				GroupID:      "race-12",
				SessionToken: signToken("pilot-7"),
				Active:       true,
				ExpiresAt:    time.Now().Add(24 * time.Hour),
			})
			opt := goleak.IgnoreCurrent()

			port := freePort()
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- newGateway(port).Run(ctx) }()

			conn := dialGateway(port)
			_, err := conn.Write([]byte("[3G*9990000001*0008*LK,0,0,95]"))
			Expect(err).NotTo(HaveOccurred())
			Expect(readTextFrame(conn)).To(Equal("[3G*9990000001*0002*LK]"))
			Expect(conn.Close()).To(Succeed())

			cancel()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
			Eventually(func() error {
				return goleak.Find(opt)
			}, 5*time.Second).Should(Succeed())
		})
	})
})
