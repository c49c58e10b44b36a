package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"procodus.dev/trackgate/internal/alarm"
	"procodus.dev/trackgate/internal/flight"
	"procodus.dev/trackgate/internal/guard"
	"procodus.dev/trackgate/internal/protocol"
	"procodus.dev/trackgate/internal/queue"
	"procodus.dev/trackgate/pkg/metrics"
)

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// ListenHost and ListenPort are the TCP ingest bind address.
	ListenHost string
	ListenPort int

	// OpsPort serves /healthz, /status and /metrics. Zero disables the
	// operational endpoint.
	OpsPort int

	// RedisAddr backs the priority queue.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Registration store (postgres) configuration.
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// TokenSecret verifies registration session tokens.
	TokenSecret string

	// RabbitMQURL enables alarm fan-out when set.
	RabbitMQURL   string
	AlarmExchange string

	// Session tuning. Zero values take the documented defaults.
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	MaxBuffer         int
	MaxConnections    int
	MaxPerIP          int

	// Supervised restart policy: when the error-rate monitor sees more
	// than ErrorRateThreshold errors inside ErrorRateWindow, the
	// listener is drained and re-bound, at most MaxRestarts times.
	ErrorRateThreshold uint64
	ErrorRateWindow    time.Duration
	MaxRestarts        int

	// Injection points for tests. When nil they are built from the
	// fields above.
	RedisClient *redis.Client
	Store       flight.RegistrationStore
	Alarms      *alarm.Publisher

	// Metric collectors, registered once by the caller.
	Metrics      *metrics.IngestMetrics
	QueueMetrics *metrics.QueueMetrics
	AlarmMetrics *metrics.AlarmMetrics
}

const (
	defaultErrorRateThreshold = 100
	defaultErrorRateWindow    = 10 * time.Second
	defaultMaxRestarts        = 3
)

var errRestartsExhausted = errors.New("supervised restart attempts exhausted")

// Server is the TCP ingest gateway: listener, admission control, session
// supervision, and the operational HTTP surface.
type Server struct {
	logger  *slog.Logger
	config  *ServerConfig
	manager *ConnManager
	pipe    *pipeline
	ops     *opsServer

	mu       sync.Mutex
	sessions map[*Session]struct{}
	listener net.Listener

	restartCh chan struct{}
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.ListenPort <= 0 {
		return nil, errors.New("listen port must be positive")
	}
	if cfg.RedisClient == nil && cfg.RedisAddr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if cfg.Store == nil {
		if cfg.DBHost == "" {
			return nil, errors.New("database host cannot be empty")
		}
		if cfg.DBPort <= 0 {
			return nil, errors.New("database port must be positive")
		}
		if cfg.DBUser == "" {
			return nil, errors.New("database user cannot be empty")
		}
		if cfg.DBName == "" {
			return nil, errors.New("database name cannot be empty")
		}
	}
	if cfg.TokenSecret == "" {
		return nil, errors.New("token secret cannot be empty")
	}
	if cfg.ErrorRateThreshold == 0 {
		cfg.ErrorRateThreshold = defaultErrorRateThreshold
	}
	if cfg.ErrorRateWindow <= 0 {
		cfg.ErrorRateWindow = defaultErrorRateWindow
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = defaultMaxRestarts
	}

	return &Server{
		logger:    cfg.Logger,
		config:    cfg,
		sessions:  make(map[*Session]struct{}),
		restartCh: make(chan struct{}, 1),
	}, nil
}

// Run starts the gateway and blocks until shutdown or a fatal error.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting ingest gateway")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			s.logger.Info("received shutdown signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.initComponents(ctx); err != nil {
		return err
	}
	defer s.shutdownComponents()

	if s.config.OpsPort > 0 {
		s.ops = newOpsServer(s, s.config.OpsPort)
		go s.ops.run(ctx)
	}

	go s.monitorErrorRate(ctx)

	// Supervised listener loop: a restart request drains connections
	// and re-binds; the bound is on restarts, not on uptime.
	restarts := 0
	for {
		err := s.serve(ctx)
		if ctx.Err() != nil {
			s.logger.Info("ingest gateway stopped")
			return nil
		}
		if err != nil {
			return err
		}

		restarts++
		if restarts > s.config.MaxRestarts {
			s.logger.Error("restart budget exhausted, giving up",
				"restarts", restarts-1,
			)
			return errRestartsExhausted
		}
		s.logger.Warn("supervised restart",
			"attempt", restarts,
			"max", s.config.MaxRestarts,
		)
		if s.pipe.metrics != nil {
			s.pipe.metrics.ServerRestarts.Inc()
		}
	}
}

// initComponents builds the processing pipeline from configuration,
// honoring any injected test doubles.
func (s *Server) initComponents(ctx context.Context) error {
	cfg := s.config

	client := cfg.RedisClient
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
	}

	q, err := queue.New(&queue.Config{
		Logger:  s.logger,
		Client:  client,
		Metrics: cfg.QueueMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}

	store := cfg.Store
	if store == nil {
		store, err = flight.NewGormStore(&flight.StoreConfig{
			Logger:   s.logger,
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			DBName:   cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize registration store: %w", err)
		}
	}

	validator := guard.NewValidator(&guard.ValidatorConfig{
		Logger:         s.logger,
		MaxMessageSize: cfg.MaxBuffer,
	})
	limiter := guard.NewRateLimiter(&guard.RateLimiterConfig{Logger: s.logger})
	registry := protocol.NewRegistry(s.logger,
		protocol.NewWatchHandler(s.logger),
		protocol.NewClassicHandler(s.logger),
		protocol.NewJT808Handler(s.logger),
	)

	resolver, err := flight.NewResolver(&flight.ResolverConfig{
		Logger:      s.logger,
		Store:       store,
		TokenSecret: cfg.TokenSecret,
		// A reassigned device must change protocol identity too.
		Invalidators: []flight.Invalidator{validator, registry},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize resolver: %w", err)
	}

	alarms := cfg.Alarms
	if alarms == nil && cfg.RabbitMQURL != "" {
		alarms, err = alarm.NewPublisher(&alarm.PublisherConfig{
			Logger:   s.logger,
			URL:      cfg.RabbitMQURL,
			Exchange: cfg.AlarmExchange,
			Metrics:  cfg.AlarmMetrics,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize alarm publisher: %w", err)
		}
	}

	s.pipe = &pipeline{
		logger:    s.logger,
		registry:  registry,
		validator: validator,
		limiter:   limiter,
		resolver:  resolver,
		queue:     q,
		alarms:    alarms,
		metrics:   cfg.Metrics,
	}
	s.manager = NewConnManager(&ConnManagerConfig{
		Logger:         s.logger,
		MaxConnections: cfg.MaxConnections,
		MaxPerIP:       cfg.MaxPerIP,
		Metrics:        cfg.Metrics,
	})
	return nil
}

func (s *Server) shutdownComponents() {
	if s.pipe != nil && s.pipe.alarms != nil {
		if err := s.pipe.alarms.Close(); err != nil {
			s.logger.Error("failed to close alarm publisher", "error", err)
		}
	}
}

// serve binds the listener and accepts until the context is canceled or
// a restart is requested. A nil return means a restart was requested.
func (s *Server) serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.ListenHost, s.config.ListenPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("listening for trackers", "address", addr)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-serveCtx.Done():
		case <-s.restartCh:
			cancel()
		}
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.drainSessions()
			if serveCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		s.handleConn(serveCtx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		ip = conn.RemoteAddr().String()
	}
	ok, reason := s.manager.Acquire(ip)
	if !ok {
		s.logger.Info("rejecting connection",
			"ip", ip,
			"reason", reason,
		)
		if s.pipe.metrics != nil {
			s.pipe.metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
		}
		_ = conn.Close()
		return
	}
	if s.pipe.metrics != nil {
		s.pipe.metrics.ConnectionsAccepted.Inc()
	}

	sess := newSession(conn, s.manager, s.pipe,
		s.config.IdleTimeout, s.config.HeartbeatInterval, s.config.MaxBuffer)
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
		}()
		sess.Run(ctx)
	}()
}

// drainSessions closes every live session and waits briefly for their
// goroutines to release their slots.
func (s *Server) drainSessions() {
	s.mu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		_ = sess.conn.Close()
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		remaining := len(s.sessions)
		s.mu.Unlock()
		if remaining == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// monitorErrorRate samples the pipeline error counter and requests a
// supervised restart when the rate is beyond what dropping individual
// frames can explain.
func (s *Server) monitorErrorRate(ctx context.Context) {
	ticker := time.NewTicker(s.config.ErrorRateWindow)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := s.pipe.errorCount.Load()
			delta := current - last
			last = current
			if delta > s.config.ErrorRateThreshold {
				s.logger.Error("sustained error rate, requesting restart",
					"errors", delta,
					"window", s.config.ErrorRateWindow,
				)
				select {
				case s.restartCh <- struct{}{}:
				default:
				}
			}
		}
	}
}

// diagnostics snapshots every live session for the status endpoint.
func (s *Server) diagnostics() []Diagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Diagnostics, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess.diagnostics())
	}
	return out
}
