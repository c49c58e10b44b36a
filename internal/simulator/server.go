package simulator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"procodus.dev/trackgate/internal/protocol"
)

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// Target is the gateway address, host:port
	Target string
	// DeviceCount is the number of concurrent simulated devices
	DeviceCount int
	// Interval is the time between location reports per device
	Interval time.Duration
	// Protocol selects the wire format: watch, classic, jt808, or mixed
	Protocol string
	// BatchChance is the probability a watch device sends a buffered
	// batch instead of a live fix
	BatchChance float64
}

var (
	errInvalidDeviceCount = errors.New("device count must be greater than 0")
	errInvalidInterval    = errors.New("interval must be greater than 0")
	errLoggerRequired     = errors.New("logger is required")
	errTargetRequired     = errors.New("target address is required")
)

// Server manages the simulated device fleet.
type Server struct {
	logger  *slog.Logger
	config  *ServerConfig
	devices []*Device
	wg      sync.WaitGroup
}

// NewServer creates a new simulator server with the given configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}
	if cfg.Target == "" {
		return nil, errTargetRequired
	}
	if cfg.DeviceCount <= 0 {
		return nil, errInvalidDeviceCount
	}
	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	protocols := []string{ProtocolWatch, ProtocolClassic, ProtocolJT808}
	s := &Server{
		logger:  cfg.Logger,
		config:  cfg,
		devices: make([]*Device, 0, cfg.DeviceCount),
	}
	for i := 0; i < cfg.DeviceCount; i++ {
		proto := cfg.Protocol
		if proto == "" || proto == "mixed" {
			proto = protocols[i%len(protocols)]
		}
		device := NewDevice(proto)
		s.devices = append(s.devices, device)
		s.logger.Info("created simulated device",
			"device_id", device.Serial,
			"protocol", device.Protocol,
		)
	}
	return s, nil
}

// Run starts all devices and blocks until shutdown signal is received.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	for i, device := range s.devices {
		s.wg.Add(1)
		go s.runDevice(ctx, i, device)
	}

	s.logger.Info("simulator started",
		"device_count", len(s.devices),
		"target", s.config.Target,
		"interval", s.config.Interval,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.logger.Info("waiting for devices to shut down...")
	s.wg.Wait()
	s.logger.Info("simulator stopped")
	return nil
}

// runDevice keeps one device alive: dial, log in, report on the tick,
// redial on failure the way field hardware does.
func (s *Server) runDevice(ctx context.Context, id int, device *Device) {
	defer s.wg.Done()

	deviceLogger := s.logger.With(
		slog.Int("device", id),
		slog.String("device_id", device.Serial),
	)
	track := NewTrack()

	for ctx.Err() == nil {
		if err := s.fly(ctx, device, track, deviceLogger); err != nil && ctx.Err() == nil {
			deviceLogger.Info("connection lost, redialing",
				"error", err,
			)
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
		}
	}
	deviceLogger.Info("device shutting down")
}

// fly runs one connection's lifetime for the device.
func (s *Server) fly(ctx context.Context, device *Device, track *Track, logger *slog.Logger) error {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", s.config.Target)
	if err != nil {
		return err
	}
	defer conn.Close()

	// The gateway's responses only need to be drained.
	go func() {
		_, _ = io.Copy(io.Discard, conn)
	}()

	var serial uint16
	if _, err := conn.Write(s.loginFrame(device, &serial)); err != nil {
		return err
	}
	logger.Debug("device logged in", "protocol", device.Protocol)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			frame := s.locationFrame(device, track, now, now.Sub(last), &serial)
			last = now
			if _, err := conn.Write(frame); err != nil {
				return err
			}
		}
	}
}

func (s *Server) loginFrame(device *Device, serial *uint16) []byte {
	switch device.Protocol {
	case ProtocolClassic:
		return protocol.EncodeClassicHandshake(device.Serial)
	case ProtocolJT808:
		*serial++
		return protocol.EncodeJT808Heartbeat(device.Serial, *serial)
	default:
		return protocol.EncodeWatchKeepalive(device.Tag, device.Serial, device.Battery)
	}
}

func (s *Server) locationFrame(device *Device, track *Track, now time.Time, elapsed time.Duration, serial *uint16) []byte {
	fix := track.Next(now, elapsed)
	fix.Battery = device.Battery

	switch device.Protocol {
	case ProtocolClassic:
		return protocol.EncodeClassicLocation(device.Serial, fix)
	case ProtocolJT808:
		*serial++
		return protocol.EncodeJT808Location(device.Serial, *serial, fix)
	default:
		if s.config.BatchChance > 0 && rand.Float64() < s.config.BatchChance {
			backfill := []protocol.GpsFix{fix}
			return protocol.EncodeWatchBatch(device.Tag, device.Serial, backfill)
		}
		return protocol.EncodeWatchLocation(device.Tag, device.Serial, fix)
	}
}
