package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"procodus.dev/trackgate/internal/alarm"
	"procodus.dev/trackgate/internal/flight"
	"procodus.dev/trackgate/internal/guard"
	"procodus.dev/trackgate/internal/protocol"
	"procodus.dev/trackgate/internal/queue"
	"procodus.dev/trackgate/pkg/metrics"
)

// Session states.
const (
	stateConnected int32 = iota
	stateActive
	stateClosed
)

const (
	defaultIdleTimeout       = 300 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultMaxBuffer         = 8 * 1024

	// Frames parsed but not yet processed for one connection. The read
	// loop blocks once the worker falls this far behind.
	dispatchDepth = 64

	readChunkSize = 1024
)

// pipeline bundles the shared processing components every session uses.
type pipeline struct {
	logger    *slog.Logger
	registry  *protocol.Registry
	validator *guard.Validator
	limiter   *guard.RateLimiter
	resolver  *flight.Resolver
	queue     *queue.Queue
	alarms    *alarm.Publisher
	metrics   *metrics.IngestMetrics

	// Aggregate counters surfaced on /status alongside the prometheus
	// series.
	messagesReceived atomic.Uint64
	validLocations   atomic.Uint64
	errorCount       atomic.Uint64
}

// Session owns one TCP connection: its buffer, framing, dispatch, and
// timers. The read loop and the dispatch worker run concurrently; frames
// are processed and answered strictly in arrival order.
type Session struct {
	logger  *slog.Logger
	conn    net.Conn
	manager *ConnManager
	pipe    *pipeline
	ip      string

	idleTimeout       time.Duration
	heartbeatInterval time.Duration
	maxBuffer         int

	state        atomic.Int32
	deviceID     atomic.Value // string
	msgCount     atomic.Uint64
	lastActivity atomic.Int64 // unix nanos

	frames chan []byte

	writeMu sync.Mutex

	// heartbeat replays the last login acknowledgement to keep NAT and
	// firewall state alive. Set by the worker after a successful login.
	heartbeatMu     sync.Mutex
	heartbeatFrame  []byte
	heartbeatCancel context.CancelFunc
}

func newSession(conn net.Conn, manager *ConnManager, pipe *pipeline, idleTimeout, heartbeatInterval time.Duration, maxBuffer int) *Session {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	if maxBuffer <= 0 {
		maxBuffer = defaultMaxBuffer
	}
	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		ip = conn.RemoteAddr().String()
	}
	s := &Session{
		logger:            pipe.logger.With("remote", conn.RemoteAddr().String()),
		conn:              conn,
		manager:           manager,
		pipe:              pipe,
		ip:                ip,
		idleTimeout:       idleTimeout,
		heartbeatInterval: heartbeatInterval,
		maxBuffer:         maxBuffer,
		frames:            make(chan []byte, dispatchDepth),
	}
	s.deviceID.Store("")
	s.touch()
	return s
}

// Run reads the connection until it closes or the context is canceled.
// It blocks; the caller runs it in the connection's own goroutine.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close()

	if tcp, ok := s.conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	var workerDone sync.WaitGroup
	workerDone.Add(1)
	go func() {
		defer workerDone.Done()
		s.dispatchWorker(ctx)
	}()

	// Closing the socket is what actually unblocks a pending Read.
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	s.readLoop(ctx)
	cancel()
	close(s.frames)
	workerDone.Wait()
}

// readLoop appends received bytes to the bounded buffer and peels off
// complete frames. The idle watchdog rides on the read deadline.
func (s *Session) readLoop(ctx context.Context) {
	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			return
		}
		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.touch()
			buf = append(buf, chunk[:n]...)
			if len(buf) > s.maxBuffer {
				s.logger.Warn("receive buffer overflow, closing connection",
					"buffered", len(buf),
					"limit", s.maxBuffer,
				)
				if s.pipe.metrics != nil {
					s.pipe.metrics.ValidationDrops.WithLabelValues("buffer_overflow").Inc()
				}
				s.pipe.errorCount.Add(1)
				return
			}
			buf = s.drainFrames(ctx, buf)
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				s.logger.Info("idle timeout, closing connection",
					"device_id", s.DeviceID(),
					"idle", s.idleTimeout,
				)
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Info("read failed, closing connection", "error", err)
			}
			return
		}
	}
}

// drainFrames extracts every complete frame from buf and queues them for
// the worker, returning the unconsumed remainder.
func (s *Session) drainFrames(ctx context.Context, buf []byte) []byte {
	for {
		frame, rest, ok := nextFrame(buf)
		buf = rest
		if !ok {
			return buf
		}
		if len(frame) == 0 {
			continue
		}
		select {
		case s.frames <- frame:
		case <-ctx.Done():
			return buf
		}
	}
}

// nextFrame scans for the first complete frame. The closing delimiter
// depends on the opening byte: brackets close brackets, parentheses close
// parentheses, 0x7E closes 0x7E, anything else runs to a newline.
func nextFrame(buf []byte) (frame, rest []byte, ok bool) {
	// Leading line noise between frames is common on flaky links.
	start := 0
	for start < len(buf) && (buf[start] == '\r' || buf[start] == '\n' || buf[start] == ' ' || buf[start] == 0x00) {
		start++
	}
	buf = buf[start:]
	if len(buf) == 0 {
		return nil, buf, false
	}

	var end int
	switch buf[0] {
	case '[':
		end = bytes.IndexByte(buf, ']')
	case '(':
		end = bytes.IndexByte(buf, ')')
	case 0x7E:
		if i := bytes.IndexByte(buf[1:], 0x7E); i >= 0 {
			end = i + 1
		} else {
			end = -1
		}
	default:
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			frame = bytes.TrimRight(buf[:i], "\r")
			return frame, buf[i+1:], true
		}
		return nil, buf, false
	}
	if end < 0 {
		return nil, buf, false
	}
	return buf[:end+1], buf[end+1:], true
}

// dispatchWorker processes frames one at a time so responses go out in
// the order their requests arrived.
func (s *Session) dispatchWorker(ctx context.Context) {
	for frame := range s.frames {
		s.process(ctx, frame)
	}
}

func (s *Session) process(ctx context.Context, frame []byte) {
	pm := s.pipe.metrics

	verdict, reason := s.pipe.validator.Check(frame)
	switch verdict {
	case guard.VerdictClose:
		s.logger.Warn("corrupt frame, closing connection", "reason", reason)
		if pm != nil {
			pm.ValidationDrops.WithLabelValues(reason).Inc()
		}
		s.pipe.errorCount.Add(1)
		_ = s.conn.Close()
		return
	case guard.VerdictDrop:
		s.logger.Info("dropping frame", "reason", reason)
		if pm != nil {
			pm.ValidationDrops.WithLabelValues(reason).Inc()
		}
		s.pipe.errorCount.Add(1)
		return
	}

	msg, handler, err := s.pipe.registry.Decode(frame, s.DeviceID())
	if err != nil {
		s.logger.Info("unparseable frame",
			"error", err,
			"size", len(frame),
		)
		if pm != nil {
			name := "unknown"
			if handler != nil {
				name = handler.Name()
			}
			pm.ParseFailures.WithLabelValues(name).Inc()
		}
		s.pipe.errorCount.Add(1)
		return
	}

	s.msgCount.Add(1)
	s.pipe.messagesReceived.Add(1)
	if pm != nil {
		pm.MessagesReceived.WithLabelValues(msg.Protocol, string(msg.Kind)).Inc()
	}
	if s.DeviceID() == "" && msg.DeviceID != "" {
		s.deviceID.Store(msg.DeviceID)
	}

	// Retransmissions get the acknowledgement again but are not
	// processed twice.
	if s.pipe.validator.IsDuplicate(msg.DeviceID, frame) {
		if pm != nil {
			pm.DuplicateFrames.Inc()
		}
		s.respond(handler.CreateResponse(msg, true))
		return
	}

	if allowed, why := s.pipe.limiter.Allow(msg.DeviceID); !allowed {
		s.logger.Info("rate limited",
			"device_id", msg.DeviceID,
			"reason", why,
		)
		if pm != nil {
			pm.RateLimited.Inc()
		}
		// Devices retry on a failure ack; silence would make them
		// reconnect instead.
		s.respond(handler.CreateResponse(msg, false))
		return
	}

	switch msg.Kind {
	case protocol.KindLogin:
		s.state.Store(stateActive)
		resp := handler.CreateResponse(msg, true)
		s.respond(resp)
		s.startHeartbeat(ctx, resp)
	case protocol.KindHeartbeat:
		s.respond(handler.CreateResponse(msg, true))
	case protocol.KindLocation, protocol.KindBatch:
		ok := s.forward(ctx, msg)
		s.respond(handler.CreateResponse(msg, ok))
	case protocol.KindAlarm:
		s.raiseAlarm(ctx, msg)
		s.respond(handler.CreateResponse(msg, true))
	default:
		s.logger.Info("unrecognized command",
			"protocol", msg.Protocol,
			"command", msg.Command,
		)
		s.respond(handler.CreateResponse(msg, false))
	}
}

// forward resolves the fixes onto flights and enqueues them. Returns
// false only for transport-worthy failures; authorization rejections are
// acknowledged so the device stops retrying, but nothing is forwarded.
func (s *Session) forward(ctx context.Context, msg *protocol.ParsedMessage) bool {
	fixes := msg.Fixes
	if msg.Fix != nil {
		fixes = []protocol.GpsFix{*msg.Fix}
	}
	if len(fixes) == 0 {
		return true
	}
	pm := s.pipe.metrics

	points := make([]queue.Point, 0, len(fixes))
	for i := range fixes {
		fix := &fixes[i]
		if !fix.Valid || !fix.CoordinatesInRange() {
			if pm != nil {
				pm.InvalidLocations.Inc()
			}
			continue
		}
		fl, _, err := s.pipe.resolver.ResolveFlight(ctx, msg.DeviceID, fix)
		if err != nil {
			if errors.Is(err, flight.ErrDeviceNotRegistered) ||
				errors.Is(err, flight.ErrRegistrationExpired) ||
				errors.Is(err, flight.ErrBadSessionToken) {
				s.logger.Info("rejecting fix from unauthorized device",
					"device_id", msg.DeviceID,
					"error", err,
				)
				if pm != nil {
					pm.ValidationDrops.WithLabelValues("unauthorized").Inc()
				}
				return true
			}
			s.logger.Error("flight resolution failed",
				"device_id", msg.DeviceID,
				"error", err,
			)
			s.pipe.errorCount.Add(1)
			return false
		}
		points = append(points, queue.Point{
			DeviceID:   msg.DeviceID,
			FlightID:   fl.ID,
			FlightUUID: fl.UUID.String(),
			OwnerID:    fl.OwnerID,
			GroupID:    fl.GroupID,
			Fix:        *fix,
		})
		s.pipe.validLocations.Add(1)
		if pm != nil {
			pm.ValidLocations.Inc()
		}
	}
	if len(points) == 0 {
		return true
	}

	channel, priority := queue.ChannelLive, queue.PriorityLive
	if msg.Kind == protocol.KindBatch {
		channel, priority = queue.ChannelUpload, queue.PriorityUpload
	}
	if err := s.pipe.queue.Enqueue(ctx, channel, queue.NewItem(channel, points, priority)); err != nil {
		s.logger.Error("enqueue failed",
			"device_id", msg.DeviceID,
			"points", len(points),
			"error", err,
		)
		s.pipe.errorCount.Add(1)
		return false
	}
	return true
}

// raiseAlarm publishes the alarm event and forwards any embedded fix.
func (s *Session) raiseAlarm(ctx context.Context, msg *protocol.ParsedMessage) {
	event := alarm.Event{
		DeviceID:   msg.DeviceID,
		Protocol:   msg.Protocol,
		Code:       msg.AlarmCode,
		Fix:        msg.Fix,
		ReceivedAt: time.Now().UTC(),
	}
	if fl := s.pipe.resolver.FlightFor(msg.DeviceID); fl != nil {
		event.OwnerID = fl.OwnerID
		event.GroupID = fl.GroupID
	}
	if s.pipe.alarms != nil {
		s.pipe.alarms.Publish(event)
	}
	s.logger.Warn("device alarm",
		"device_id", msg.DeviceID,
		"code", msg.AlarmCode,
	)
	if msg.Fix != nil {
		s.forward(ctx, msg)
	}
}

func (s *Session) respond(resp []byte) {
	if len(resp) == 0 {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := s.conn.Write(resp); err != nil {
		s.logger.Info("response write failed", "error", err)
	}
}

// startHeartbeat begins the post-login keep-alive ticks. Repeated logins
// restart the timer with the fresh acknowledgement frame.
func (s *Session) startHeartbeat(ctx context.Context, frame []byte) {
	if len(frame) == 0 {
		return
	}
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()

	s.heartbeatFrame = frame
	if s.heartbeatCancel != nil {
		return
	}
	hbCtx, cancel := context.WithCancel(ctx)
	s.heartbeatCancel = cancel

	go func() {
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				s.heartbeatMu.Lock()
				hb := s.heartbeatFrame
				s.heartbeatMu.Unlock()
				s.respond(hb)
			}
		}
	}()
}

// close tears the session down: timers canceled, socket closed, slot and
// rate-limit state released.
func (s *Session) close() {
	s.state.Store(stateClosed)
	s.heartbeatMu.Lock()
	if s.heartbeatCancel != nil {
		s.heartbeatCancel()
		s.heartbeatCancel = nil
	}
	s.heartbeatMu.Unlock()

	_ = s.conn.Close()
	s.manager.Release(s.ip)
	if id := s.DeviceID(); id != "" {
		s.pipe.limiter.Clear(id)
	}
	s.logger.Info("connection closed",
		"device_id", s.DeviceID(),
		"messages", s.msgCount.Load(),
	)
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// DeviceID returns the device identity learned from the first decoded
// frame, or empty.
func (s *Session) DeviceID() string {
	id, _ := s.deviceID.Load().(string)
	return id
}

// Diagnostics describes one live connection for the status endpoint.
type Diagnostics struct {
	RemoteAddr   string    `json:"remote_addr"`
	DeviceID     string    `json:"device_id,omitempty"`
	Messages     uint64    `json:"messages"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *Session) diagnostics() Diagnostics {
	return Diagnostics{
		RemoteAddr:   s.conn.RemoteAddr().String(),
		DeviceID:     s.DeviceID(),
		Messages:     s.msgCount.Load(),
		LastActivity: time.Unix(0, s.lastActivity.Load()).UTC(),
	}
}
