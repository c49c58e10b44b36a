package flight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"procodus.dev/trackgate/internal/protocol"
)

var (
	// ErrDeviceNotRegistered is returned for serials with no active
	// registration under any lookup variant.
	ErrDeviceNotRegistered = errors.New("device is not registered")

	// ErrRegistrationExpired is returned when the registration or its
	// session token has expired; the store row is deactivated.
	ErrRegistrationExpired = errors.New("device registration has expired")

	// ErrBadSessionToken is returned when the embedded session token
	// fails verification.
	ErrBadSessionToken = errors.New("session token verification failed")
)

// SessionClaims is the payload of the signed session token embedded in a
// registration.
type SessionClaims struct {
	OwnerID string `json:"owner_id"`
	jwt.RegisteredClaims
}

// Invalidator receives device-scoped invalidation when a device is
// detected to have changed owners. The protocol registry and the
// validator's dedup history both implement it.
type Invalidator interface {
	Forget(deviceID string)
}

// Registration is the resolved, verified view of a device registration.
type Registration struct {
	DeviceID  string
	OwnerID   string
	GroupID   string
	ExpiresAt time.Time
}

// ResolverConfig holds the configuration for the Resolver.
type ResolverConfig struct {
	Logger *slog.Logger
	Store  RegistrationStore

	// TokenSecret verifies the HMAC-signed session tokens.
	TokenSecret string

	// CacheTTL bounds how long a positive result may be served without
	// any successful revalidation.
	CacheTTL time.Duration

	// RevalidateAfter is the age at which a cached entry is re-checked
	// against the store on next use.
	RevalidateAfter time.Duration

	// LookupTimeout bounds each store round trip.
	LookupTimeout time.Duration

	Separation SeparationConfig

	// Invalidators are notified when a device's derived state must be
	// dropped.
	Invalidators []Invalidator
}

const (
	defaultCacheTTL        = 10 * time.Minute
	defaultRevalidateAfter = 2 * time.Minute
	defaultLookupTimeout   = 5 * time.Second
)

// Resolver validates devices against the registration store and assigns
// fixes to flights.
type Resolver struct {
	logger          *slog.Logger
	store           RegistrationStore
	secret          []byte
	cacheTTL        time.Duration
	revalidateAfter time.Duration
	lookupTimeout   time.Duration
	separation      SeparationConfig
	invalidators    []Invalidator

	mu      sync.Mutex
	cache   map[string]*cacheEntry
	flights map[string]*Flight
}

type cacheEntry struct {
	reg       *Registration
	refreshed time.Time
}

// NewResolver creates a Resolver.
func NewResolver(cfg *ResolverConfig) (*Resolver, error) {
	if cfg == nil {
		return nil, errors.New("resolver config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("registration store cannot be nil")
	}
	if cfg.TokenSecret == "" {
		return nil, errors.New("token secret cannot be empty")
	}

	r := &Resolver{
		logger:          cfg.Logger,
		store:           cfg.Store,
		secret:          []byte(cfg.TokenSecret),
		cacheTTL:        cfg.CacheTTL,
		revalidateAfter: cfg.RevalidateAfter,
		lookupTimeout:   cfg.LookupTimeout,
		separation:      cfg.Separation.withDefaults(),
		invalidators:    cfg.Invalidators,
		cache:           make(map[string]*cacheEntry),
		flights:         make(map[string]*Flight),
	}
	if r.cacheTTL <= 0 {
		r.cacheTTL = defaultCacheTTL
	}
	if r.revalidateAfter <= 0 {
		r.revalidateAfter = defaultRevalidateAfter
	}
	if r.lookupTimeout <= 0 {
		r.lookupTimeout = defaultLookupTimeout
	}
	return r, nil
}

// Resolve validates a device serial and returns its registration.
// Positive results are cached; entries older than the revalidation
// interval are re-checked against the store, and a detected owner change
// invalidates all state derived for the device.
func (r *Resolver) Resolve(ctx context.Context, deviceID string) (*Registration, error) {
	now := time.Now()

	r.mu.Lock()
	entry := r.cache[deviceID]
	r.mu.Unlock()

	if entry != nil && now.Sub(entry.refreshed) < r.revalidateAfter {
		return entry.reg, nil
	}

	fresh, err := r.lookup(ctx, deviceID)
	if err != nil {
		if entry != nil && now.Sub(entry.refreshed) < r.cacheTTL &&
			!errors.Is(err, ErrDeviceNotRegistered) &&
			!errors.Is(err, ErrRegistrationExpired) &&
			!errors.Is(err, ErrBadSessionToken) {
			// Transient store failure: keep serving the cached result
			// until the TTL runs out so a stalled registry does not take
			// down ingest.
			r.logger.Warn("registry revalidation failed, serving cached registration",
				"device_id", deviceID,
				"error", err,
			)
			return entry.reg, nil
		}
		r.dropDevice(deviceID)
		return nil, err
	}

	if entry != nil && entry.reg.OwnerID != fresh.OwnerID {
		// A reassigned device must not inherit the previous owner's
		// flight or any other derived identity state.
		r.logger.Info("device owner changed, invalidating derived state",
			"device_id", deviceID,
			"previous_owner", entry.reg.OwnerID,
			"new_owner", fresh.OwnerID,
		)
		r.dropDevice(deviceID)
	}

	r.mu.Lock()
	r.cache[deviceID] = &cacheEntry{reg: fresh, refreshed: now}
	r.mu.Unlock()
	return fresh, nil
}

// lookup queries the store across serial variants and verifies the
// session token.
func (r *Resolver) lookup(ctx context.Context, deviceID string) (*Registration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	var (
		reg *DeviceRegistration
		err error
	)
	for _, variant := range serialVariants(deviceID) {
		reg, err = r.store.FindActiveRegistration(ctx, variant)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrRegistrationNotFound) {
			return nil, fmt.Errorf("registration store: %w", err)
		}
	}
	if reg == nil {
		return nil, ErrDeviceNotRegistered
	}

	if time.Now().After(reg.ExpiresAt) {
		r.deactivate(ctx, reg.DeviceID)
		return nil, ErrRegistrationExpired
	}

	claims, err := r.verifyToken(reg.SessionToken)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			r.deactivate(ctx, reg.DeviceID)
			return nil, ErrRegistrationExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrBadSessionToken, err)
	}
	if claims.OwnerID != reg.OwnerID {
		return nil, fmt.Errorf("%w: token owner mismatch", ErrBadSessionToken)
	}

	return &Registration{
		DeviceID:  reg.DeviceID,
		OwnerID:   reg.OwnerID,
		GroupID:   reg.GroupID,
		ExpiresAt: reg.ExpiresAt,
	}, nil
}

func (r *Resolver) verifyToken(token string) (*SessionClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func (r *Resolver) deactivate(ctx context.Context, deviceID string) {
	if err := r.store.DeactivateRegistration(ctx, deviceID); err != nil {
		r.logger.Error("failed to deactivate expired registration",
			"device_id", deviceID,
			"error", err,
		)
	}
}

// dropDevice removes every piece of state derived for a device:
// registration cache, flight, and whatever the invalidators hold.
func (r *Resolver) dropDevice(deviceID string) {
	r.mu.Lock()
	delete(r.cache, deviceID)
	delete(r.flights, deviceID)
	r.mu.Unlock()

	for _, inv := range r.invalidators {
		inv.Forget(deviceID)
	}
}

// ResolveFlight validates the device and assigns the fix to a flight,
// creating one when the separation engine says so. The returned reason is
// one of the separation reasons.
func (r *Resolver) ResolveFlight(ctx context.Context, deviceID string, fix *protocol.GpsFix) (*Flight, string, error) {
	reg, err := r.Resolve(ctx, deviceID)
	if err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	last := r.flights[deviceID]
	start, reason := ShouldStartNewFlight(fix, last, r.separation)
	if start {
		fl := newFlight(deviceID, reg.OwnerID, reg.GroupID, reason, fix)
		r.flights[deviceID] = fl
		r.logger.Info("started new flight",
			"device_id", deviceID,
			"flight_id", fl.ID,
			"reason", reason,
		)
		return fl, reason, nil
	}

	// LastFix only moves forward; late-arriving retransmissions must not
	// rewind it.
	if last.LastFix == nil || !fix.Timestamp.Before(last.LastFix.Timestamp) {
		last.RecordFix(fix)
	}
	return last, reason, nil
}

// FlightFor returns the device's current flight, or nil.
func (r *Resolver) FlightFor(deviceID string) *Flight {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flights[deviceID]
}

// MarkLanded marks the device's current flight as landed. Downstream
// scoring reports landings back through the operational surface.
func (r *Resolver) MarkLanded(deviceID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fl := r.flights[deviceID]; fl != nil {
		fl.MarkLanded(at)
	}
}
