package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrManagerClosed is returned when a channel is requested after Close
var ErrManagerClosed = errors.New("rabbitmq manager is closed")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host              string
	Port              int
	User              string
	Password          string
	VHost             string
	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
}

// URL builds the AMQP connection string
func (c *Config) URL() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", c.User, c.Password, c.Host, c.Port, vhost)
}

// Channel is the part of *amqp.Channel the job queue code relies on.
// Channels are cheap: open one per operation or per consumer and never
// share it between goroutines.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Ack(tag uint64, multiple bool) error
	Reject(tag uint64, requeue bool) error
	Close() error
}

// Conn is a broker connection able to open channels
type Conn interface {
	OpenChannel() (Channel, error)
	IsClosed() bool
	Close() error
}

// DialFunc opens a broker connection
type DialFunc func(url string, cfg amqp.Config) (Conn, error)

// amqpConn adapts *amqp.Connection to Conn
type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) OpenChannel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP is the production DialFunc
func DialAMQP(url string, cfg amqp.Config) (Conn, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConn{Connection: conn}, nil
}

// Manager owns the two long-lived broker connections: one for consumers
// (in) and one for producers (out). Both are dialed lazily on first use
// and redialed when found closed.
type Manager struct {
	config *Config
	logger *slog.Logger
	dial   DialFunc

	mu     sync.Mutex
	in     Conn
	out    Conn
	closed bool
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithDialer replaces the AMQP dialer, mainly for tests
func WithDialer(dial DialFunc) ManagerOption {
	return func(m *Manager) {
		m.dial = dial
	}
}

// NewManager creates a new broker manager. No connection is opened here.
func NewManager(config *Config, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		config: config,
		logger: logger,
		dial:   DialAMQP,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenInChannel opens a channel on the consumer connection
func (m *Manager) OpenInChannel() (Channel, error) {
	return m.openChannel(&m.in, "in")
}

// OpenOutChannel opens a channel on the producer connection
func (m *Manager) OpenOutChannel() (Channel, error) {
	return m.openChannel(&m.out, "out")
}

func (m *Manager) openChannel(slot *Conn, role string) (Channel, error) {
	conn, err := m.connection(slot, role)
	if err != nil {
		return nil, err
	}

	ch, err := conn.OpenChannel()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s channel: %w", role, err)
	}
	return ch, nil
}

// connection returns the live connection in slot, dialing when needed
func (m *Manager) connection(slot *Conn, role string) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if *slot != nil && !(*slot).IsClosed() {
		return *slot, nil
	}

	conn, err := m.dialWithRetry(role)
	if err != nil {
		return nil, err
	}
	*slot = conn
	return conn, nil
}

// dialWithRetry dials the broker with exponential backoff
func (m *Manager) dialWithRetry(role string) (Conn, error) {
	attempts := m.config.RetryAttempts
	if attempts <= 0 {
		attempts = 5
	}

	policy := backoff.NewExponentialBackOff()
	if m.config.RetryInterval > 0 {
		policy.InitialInterval = m.config.RetryInterval
	}
	policy.MaxElapsedTime = 0

	amqpConfig := amqp.Config{
		Heartbeat: m.config.Heartbeat,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": "jobq-" + role,
		},
	}
	if m.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(m.config.ConnectionTimeout)
	}

	var conn Conn
	operation := func() error {
		var err error
		conn, err = m.dial(m.config.URL(), amqpConfig)
		return err
	}
	notify := func(err error, next time.Duration) {
		m.logger.Warn("Failed to connect to RabbitMQ, retrying",
			slog.String("connection", role),
			slog.Duration("retry_after", next),
			slog.Any("error", err),
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithMaxRetries(policy, uint64(attempts-1)), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	m.logger.Info("Connected to RabbitMQ",
		slog.String("connection", role),
		slog.String("host", m.config.Host),
		slog.Int("port", m.config.Port),
	)
	return conn, nil
}

// WithOutChannel runs fn on a fresh producer channel. The channel is
// closed gracefully when fn succeeds and aborted when it fails, so no
// exit path leaks it.
func (m *Manager) WithOutChannel(fn func(ch Channel) error) (err error) {
	ch, err := m.OpenOutChannel()
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			AbortChannel(ch, m.logger)
			return
		}
		if cerr := ch.Close(); cerr != nil {
			err = fmt.Errorf("failed to close channel: %w", cerr)
		}
	}()

	return fn(ch)
}

// AbortChannel closes ch after a failure; close errors are only logged
func AbortChannel(ch Channel, logger *slog.Logger) {
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		logger.Debug("Error aborting RabbitMQ channel", slog.Any("error", err))
	}
}

// IsConnected reports whether both connections are currently open
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.in != nil && !m.in.IsClosed() && m.out != nil && !m.out.IsClosed()
}

// Close closes both connections. Further channel requests fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	m.logger.Info("Closing RabbitMQ connections")

	var errs []error
	for _, c := range []struct {
		role string
		conn Conn
	}{{"in", m.in}, {"out", m.out}} {
		if c.conn == nil || c.conn.IsClosed() {
			continue
		}
		if err := c.conn.Close(); err != nil {
			m.logger.Error("Failed to close RabbitMQ connection",
				slog.String("connection", c.role),
				slog.Any("error", err),
			)
			errs = append(errs, err)
		}
	}
	m.in, m.out = nil, nil

	return errors.Join(errs...)
}
