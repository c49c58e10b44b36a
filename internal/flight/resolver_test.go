package flight_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/trackgate/internal/flight"
)

const testSecret = "test-secret"

// memoryStore is an in-memory RegistrationStore for resolver tests.
type memoryStore struct {
	mu          sync.Mutex
	regs        map[string]*flight.DeviceRegistration
	deactivated []string
	failWith    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{regs: make(map[string]*flight.DeviceRegistration)}
}

func (s *memoryStore) FindActiveRegistration(_ context.Context, deviceID string) (*flight.DeviceRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	reg, ok := s.regs[deviceID]
	if !ok || !reg.Active {
		return nil, flight.ErrRegistrationNotFound
	}
	copied := *reg
	return &copied, nil
}

func (s *memoryStore) DeactivateRegistration(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivated = append(s.deactivated, deviceID)
	if reg, ok := s.regs[deviceID]; ok {
		reg.Active = false
	}
	return nil
}

func (s *memoryStore) put(deviceID, ownerID string, expiresAt time.Time) {
	token := signToken(ownerID, expiresAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[deviceID] = &flight.DeviceRegistration{
		DeviceID:     deviceID,
		OwnerID:      ownerID,
		GroupID:      "race-1",
		SessionToken: token,
		Active:       true,
		ExpiresAt:    expiresAt,
	}
}

func signToken(ownerID string, expiresAt time.Time) string {
	claims := flight.SessionClaims{
		OwnerID: ownerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	Expect(err).NotTo(HaveOccurred())
	return token
}

// forgetRecorder records Forget calls from the resolver.
type forgetRecorder struct {
	mu     sync.Mutex
	forgot []string
}

func (f *forgetRecorder) Forget(deviceID string) {
	f.mu.Lock()
	f.forgot = append(f.forgot, deviceID)
	f.mu.Unlock()
}

var _ = Describe("Resolver", func() {
	var (
		store    *memoryStore
		recorder *forgetRecorder
		resolver *flight.Resolver
		ctx      context.Context
	)

	future := time.Now().Add(24 * time.Hour)

	BeforeEach(func() {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		store = newMemoryStore()
		recorder = &forgetRecorder{}
		ctx = context.Background()

		var err error
		resolver, err = flight.NewResolver(&flight.ResolverConfig{
			Logger:      logger,
			Store:       store,
			TokenSecret: testSecret,
			// Revalidate on every use so the specs below observe store
			// changes immediately.
			RevalidateAfter: time.Nanosecond,
			Invalidators:    []flight.Invalidator{recorder},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewResolver", func() {
		It("requires a store", func() {
			_, err := flight.NewResolver(&flight.ResolverConfig{
				Logger:      slog.Default(),
				TokenSecret: testSecret,
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("store"))
		})

		It("requires a token secret", func() {
			_, err := flight.NewResolver(&flight.ResolverConfig{
				Logger: slog.Default(),
				Store:  store,
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("secret"))
		})
	})

	Describe("Resolve", func() {
		It("resolves a registered device", func() {
			store.put("9990000001", "pilot-1", future)
			reg, err := resolver.Resolve(ctx, "9990000001")
			Expect(err).NotTo(HaveOccurred())
			Expect(reg.OwnerID).To(Equal("pilot-1"))
			Expect(reg.GroupID).To(Equal("race-1"))
		})

		It("rejects an unknown device", func() {
			_, err := resolver.Resolve(ctx, "0000000000")
			Expect(err).To(MatchError(flight.ErrDeviceNotRegistered))
		})

		It("tolerates leading-zero serial variants", func() {
			store.put("9990000001", "pilot-1", future)
			reg, err := resolver.Resolve(ctx, "009990000001")
			Expect(err).NotTo(HaveOccurred())
			Expect(reg.DeviceID).To(Equal("9990000001"))
		})

		It("rejects and deactivates an expired registration", func() {
			store.put("9990000001", "pilot-1", time.Now().Add(-time.Hour))
			_, err := resolver.Resolve(ctx, "9990000001")
			Expect(err).To(MatchError(flight.ErrRegistrationExpired))
			Expect(store.deactivated).To(ContainElement("9990000001"))
		})

		It("rejects a token signed for a different owner", func() {
			store.put("9990000001", "pilot-1", future)
			store.mu.Lock()
			store.regs["9990000001"].SessionToken = signToken("someone-else", future)
			store.mu.Unlock()

			_, err := resolver.Resolve(ctx, "9990000001")
			Expect(err).To(MatchError(flight.ErrBadSessionToken))
		})

		It("rejects a tampered token", func() {
			store.put("9990000001", "pilot-1", future)
			store.mu.Lock()
			store.regs["9990000001"].SessionToken += "x"
			store.mu.Unlock()

			_, err := resolver.Resolve(ctx, "9990000001")
			Expect(err).To(MatchError(flight.ErrBadSessionToken))
		})

		It("invalidates derived state when the owner changes", func() {
			store.put("9990000001", "pilot-1", future)
			_, err := resolver.Resolve(ctx, "9990000001")
			Expect(err).NotTo(HaveOccurred())

			_, _, err = resolver.ResolveFlight(ctx, "9990000001", fixAt(time.Now()))
			Expect(err).NotTo(HaveOccurred())
			Expect(resolver.FlightFor("9990000001")).NotTo(BeNil())

			store.put("9990000001", "pilot-2", future)
			reg, err := resolver.Resolve(ctx, "9990000001")
			Expect(err).NotTo(HaveOccurred())
			Expect(reg.OwnerID).To(Equal("pilot-2"))
			Expect(resolver.FlightFor("9990000001")).To(BeNil())
			Expect(recorder.forgot).To(ContainElement("9990000001"))
		})

		It("serves the cached registration through transient store failures", func() {
			resolver2, err := flight.NewResolver(&flight.ResolverConfig{
				Logger:          slog.Default(),
				Store:           store,
				TokenSecret:     testSecret,
				RevalidateAfter: time.Nanosecond,
				CacheTTL:        time.Hour,
			})
			Expect(err).NotTo(HaveOccurred())

			store.put("9990000001", "pilot-1", future)
			_, err = resolver2.Resolve(ctx, "9990000001")
			Expect(err).NotTo(HaveOccurred())

			store.mu.Lock()
			store.failWith = context.DeadlineExceeded
			store.mu.Unlock()

			reg, err := resolver2.Resolve(ctx, "9990000001")
			Expect(err).NotTo(HaveOccurred())
			Expect(reg.OwnerID).To(Equal("pilot-1"))
		})
	})

	Describe("ResolveFlight", func() {
		t0 := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

		BeforeEach(func() {
			store.put("9990000001", "pilot-1", future)
		})

		It("creates a flight for the first fix", func() {
			fl, reason, err := resolver.ResolveFlight(ctx, "9990000001", fixAt(t0))
			Expect(err).NotTo(HaveOccurred())
			Expect(reason).To(Equal(flight.ReasonNoPrevious))
			Expect(fl.OwnerID).To(Equal("pilot-1"))
			Expect(fl.ID).To(ContainSubstring("9990000001-pilot-1-race-1"))
		})

		It("continues the flight for a fix shortly after", func() {
			first, _, err := resolver.ResolveFlight(ctx, "9990000001", fixAt(t0))
			Expect(err).NotTo(HaveOccurred())

			second, reason, err := resolver.ResolveFlight(ctx, "9990000001", fixAt(t0.Add(time.Minute)))
			Expect(err).NotTo(HaveOccurred())
			Expect(reason).To(Equal(flight.ReasonContinue))
			Expect(second.ID).To(Equal(first.ID))
			Expect(second.LastFix.Timestamp).To(Equal(t0.Add(time.Minute)))
		})

		It("does not rewind the last fix on a late retransmission", func() {
			_, _, err := resolver.ResolveFlight(ctx, "9990000001", fixAt(t0))
			Expect(err).NotTo(HaveOccurred())
			fl, _, err := resolver.ResolveFlight(ctx, "9990000001", fixAt(t0.Add(time.Minute)))
			Expect(err).NotTo(HaveOccurred())

			fl, _, err = resolver.ResolveFlight(ctx, "9990000001", fixAt(t0.Add(30*time.Second)))
			Expect(err).NotTo(HaveOccurred())
			Expect(fl.LastFix.Timestamp).To(Equal(t0.Add(time.Minute)))
		})

		It("never queues a fix for an unregistered device", func() {
			_, _, err := resolver.ResolveFlight(ctx, "1112223334", fixAt(t0))
			Expect(err).To(MatchError(flight.ErrDeviceNotRegistered))
		})
	})
})
