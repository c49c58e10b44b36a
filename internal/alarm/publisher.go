// Package alarm fans SOS and device alerts out to RabbitMQ so downstream
// notifiers (SMS, push, dashboards) react without the gateway knowing who
// they are. The publisher reconnects on its own and never blocks the
// ingest path: events are handed off through a bounded buffer and dropped
// with a log line when the buffer is full.
package alarm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/trackgate/internal/protocol"
	"procodus.dev/trackgate/pkg/metrics"
)

const (
	// When reconnecting to the broker after a connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Initial backoff delay for publish retries.
	initialBackoff = 100 * time.Millisecond

	// Maximum backoff delay for publish retries.
	maxBackoff = 10 * time.Second

	backoffMultiplier = 2

	// Maximum number of publish attempts before an event is dropped.
	maxPublishAttempts = 5

	defaultExchange   = "trackgate.alarms"
	defaultBufferSize = 256
)

var (
	errNotConnected  = errors.New("not connected to the broker")
	errAlreadyClosed = errors.New("already closed: not connected to the broker")
)

// Event is one alarm raised by a device, enriched with the identity the
// gateway resolved for it.
type Event struct {
	DeviceID   string           `json:"device_id"`
	OwnerID    string           `json:"owner_id,omitempty"`
	GroupID    string           `json:"group_id,omitempty"`
	Protocol   string           `json:"protocol"`
	Code       string           `json:"code"`
	Fix        *protocol.GpsFix `json:"fix,omitempty"`
	ReceivedAt time.Time        `json:"received_at"`
}

// PublisherConfig holds the configuration for the Publisher.
type PublisherConfig struct {
	Logger *slog.Logger

	// URL is the AMQP broker address.
	URL string

	// Exchange is the fanout exchange alarm events are published to.
	// Defaults to "trackgate.alarms".
	Exchange string

	// BufferSize bounds the number of events waiting for the broker.
	// Defaults to 256.
	BufferSize int

	// Metrics is the optional Prometheus metrics collector.
	Metrics *metrics.AlarmMetrics
}

// Publisher is a RabbitMQ alarm publisher with automatic reconnection.
type Publisher struct {
	m               *sync.Mutex
	logger          *slog.Logger
	url             string
	exchange        string
	connection      *amqp.Connection
	channel         *amqp.Channel
	pending         chan Event
	done            chan struct{}
	workerDone      chan struct{}
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	isReady         bool
	metrics         *metrics.AlarmMetrics
}

// NewPublisher creates a Publisher and starts its connection and dispatch
// loops. Events published before the first successful connection wait in
// the buffer.
func NewPublisher(cfg *PublisherConfig) (*Publisher, error) {
	if cfg == nil {
		return nil, errors.New("publisher config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.URL == "" {
		return nil, errors.New("broker URL cannot be empty")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = defaultExchange
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	p := &Publisher{
		m:          &sync.Mutex{},
		logger:     cfg.Logger,
		url:        cfg.URL,
		exchange:   exchange,
		pending:    make(chan Event, bufferSize),
		done:       make(chan struct{}),
		workerDone: make(chan struct{}),
		metrics:    cfg.Metrics,
	}
	go p.handleReconnect()
	go p.dispatch()
	return p, nil
}

// Publish hands an event to the dispatch worker. It never blocks: when
// the buffer is full the event is dropped and counted, because a slow
// broker must not slow the ingest path.
func (p *Publisher) Publish(event Event) {
	select {
	case p.pending <- event:
	default:
		p.logger.Warn("alarm buffer full, dropping event",
			"device_id", event.DeviceID,
			"code", event.Code,
		)
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues("buffer_full").Inc()
		}
	}
}

// dispatch drains the buffer one event at a time, retrying each with
// exponential backoff until it is confirmed or abandoned.
func (p *Publisher) dispatch() {
	defer close(p.workerDone)
	for {
		select {
		case <-p.done:
			return
		case event := <-p.pending:
			if err := p.push(event); err != nil {
				p.logger.Error("dropping alarm event",
					"device_id", event.DeviceID,
					"code", event.Code,
					"error", err,
				)
				if p.metrics != nil {
					p.metrics.PublishFailures.WithLabelValues("max_retries_exceeded").Inc()
				}
				continue
			}
			if p.metrics != nil {
				p.metrics.AlarmsPublished.Inc()
			}
		}
	}
}

// push publishes one event and waits for broker confirmation, backing off
// exponentially while the broker is away.
func (p *Publisher) push(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	backoff := initialBackoff
	for attempt := 0; attempt < maxPublishAttempts; attempt++ {
		p.m.Lock()
		ready := p.isReady
		p.m.Unlock()

		if !ready {
			select {
			case <-p.done:
				return errNotConnected
			case <-time.After(backoff):
				backoff = nextBackoff(backoff)
				continue
			}
		}

		if err := p.unsafePush(payload); err != nil {
			p.logger.Error("publish failed, retrying",
				"error", err,
				"backoff", backoff,
			)
			select {
			case <-p.done:
				return err
			case <-time.After(backoff):
				backoff = nextBackoff(backoff)
				continue
			}
		}

		select {
		case <-p.done:
			return errNotConnected
		case confirm := <-p.notifyConfirm:
			if confirm.Ack {
				return nil
			}
			p.logger.Warn("publish not acknowledged, retrying",
				"delivery_tag", confirm.DeliveryTag,
			)
		case <-time.After(maxBackoff):
			p.logger.Warn("publish confirmation timed out, retrying")
		}
		backoff = nextBackoff(backoff)
	}
	return errors.New("maximum publish attempts exceeded")
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * backoffMultiplier
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// unsafePush publishes without waiting for confirmation.
func (p *Publisher) unsafePush(payload []byte) error {
	p.m.Lock()
	if !p.isReady {
		p.m.Unlock()
		return errNotConnected
	}
	ch := p.channel
	p.m.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return ch.PublishWithContext(
		ctx,
		p.exchange,
		"",    // Routing key, ignored by fanout
		false, // Mandatory
		false, // Immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        payload,
		},
	)
}

// handleReconnect waits for a connection error on notifyConnClose, and
// then continuously attempts to reconnect.
func (p *Publisher) handleReconnect() {
	for {
		p.m.Lock()
		p.isReady = false
		p.m.Unlock()

		p.logger.Info("attempting to connect to broker")
		if p.metrics != nil {
			p.metrics.ReconnectAttempts.Inc()
		}

		conn, err := p.connect()
		if err != nil {
			p.logger.Error("failed to connect, retrying", "error", err)
			select {
			case <-p.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := p.handleReInit(conn); done {
			return
		}
	}
}

func (p *Publisher) connect() (*amqp.Connection, error) {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		if p.metrics != nil {
			p.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	p.m.Lock()
	p.connection = conn
	p.notifyConnClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(p.notifyConnClose)
	p.m.Unlock()

	p.logger.Info("connected to broker")
	if p.metrics != nil {
		p.metrics.ConnectionStatus.Set(1)
	}
	return conn, nil
}

// handleReInit waits for a channel error and then continuously attempts
// to re-initialize the channel.
func (p *Publisher) handleReInit(conn *amqp.Connection) bool {
	for {
		p.m.Lock()
		p.isReady = false
		p.m.Unlock()

		if err := p.init(conn); err != nil {
			p.logger.Error("failed to initialize channel, retrying", "error", err)
			select {
			case <-p.done:
				return true
			case <-p.notifyConnClose:
				p.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-p.done:
			return true
		case <-p.notifyConnClose:
			p.logger.Info("connection closed, reconnecting")
			return false
		case <-p.notifyChanClose:
			p.logger.Info("channel closed, re-running init")
		}
	}
}

// init opens a confirmed channel and declares the fanout exchange.
func (p *Publisher) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(
		p.exchange,
		"fanout",
		true,  // Durable
		false, // Auto-delete
		false, // Internal
		false, // No-wait
		nil,   // Arguments
	); err != nil {
		return err
	}

	p.m.Lock()
	p.channel = ch
	p.notifyChanClose = make(chan *amqp.Error, 1)
	p.notifyConfirm = make(chan amqp.Confirmation, 1)
	ch.NotifyClose(p.notifyChanClose)
	ch.NotifyPublish(p.notifyConfirm)
	p.isReady = true
	p.m.Unlock()

	p.logger.Info("alarm publisher ready", "exchange", p.exchange)
	return nil
}

// Close shuts down the dispatch worker, the channel, and the connection.
// Events still in the buffer are discarded.
func (p *Publisher) Close() error {
	p.m.Lock()
	select {
	case <-p.done:
		p.m.Unlock()
		return errAlreadyClosed
	default:
	}
	close(p.done)
	p.m.Unlock()

	<-p.workerDone

	p.m.Lock()
	defer p.m.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			return err
		}
	}
	if p.connection != nil {
		if err := p.connection.Close(); err != nil {
			return err
		}
	}
	p.isReady = false

	if p.metrics != nil {
		p.metrics.ConnectionStatus.Set(0)
	}
	return nil
}
