package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	engine "github.com/koscakluka/voicelink/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultQoS            byte = 1
	DefaultConnectTimeout      = 10 * time.Second
	DefaultDisconnectWait      = 250 * time.Millisecond
)

// LinkObserver is told when the broker connection comes and goes.
// [engine.Engine] implements it.
type LinkObserver interface {
	NetConnected() error
	NetDisconnected() error
}

type Config struct {
	// Broker is a paho broker address, e.g. tcp://localhost:1883.
	Broker   string
	ClientID string
	Username string
	Password string

	QoS            byte
	ConnectTimeout time.Duration
}

// Channel carries channel data over an MQTT broker. It is the engine's
// publisher and subscriber.
type Channel struct {
	cfg    Config
	client paho.Client

	mu            sync.Mutex
	observer      LinkObserver
	subscriptions map[string]paho.MessageHandler
	closed        bool
}

type Option func(*Channel)

// WithLinkObserver reports connection changes to observer.
func WithLinkObserver(observer LinkObserver) Option {
	return func(c *Channel) { c.observer = observer }
}

// WithClient replaces the paho client built from the config.
func WithClient(client paho.Client) Option {
	return func(c *Channel) {
		if client != nil {
			c.client = client
		}
	}
}

func New(cfg Config, opts ...Option) (*Channel, error) {
	cfg.Broker = strings.TrimSpace(cfg.Broker)
	if cfg.Broker == "" {
		return nil, fmt.Errorf("%w: mqtt broker is required", engine.ErrConfig)
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("%w: mqtt qos %d out of range", engine.ErrConfig, cfg.QoS)
	}
	if cfg.QoS == 0 {
		cfg.QoS = DefaultQoS
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "voicelink-" + uuid.NewString()
	}

	c := &Channel{
		cfg:           cfg,
		subscriptions: map[string]paho.MessageHandler{},
	}

	options := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	c.client = paho.NewClient(options)

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Observe sets the link observer after construction, for observers that
// need the channel to be built first.
func (c *Channel) Observe(observer LinkObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = observer
}

// Connect dials the broker. Later reconnects are handled by paho and
// reported to the link observer.
func (c *Channel) Connect(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "connect mqtt")
	defer span.End()
	span.SetAttributes(attribute.String("mqtt.broker", c.cfg.Broker))

	if err := wait(ctx, c.client.Connect(), c.cfg.ConnectTimeout); err != nil {
		err = fmt.Errorf("%w: connecting to %s: %w", engine.ErrTransport, c.cfg.Broker, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Channel) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, span := tracer.Start(ctx, "publish channel data")
	defer span.End()
	span.SetAttributes(
		attribute.String("mqtt.topic", topic),
		attribute.Int("mqtt.payload_size", len(payload)),
	)

	if !c.client.IsConnectionOpen() {
		err := fmt.Errorf("%w: mqtt connection is not open", engine.ErrTransport)
		span.RecordError(err)
		return err
	}

	if err := wait(ctx, c.client.Publish(topic, c.cfg.QoS, false, payload), c.cfg.ConnectTimeout); err != nil {
		err = fmt.Errorf("%w: publishing to %s: %w", engine.ErrTransport, topic, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Subscribe registers handler for topic. The subscription is renewed on
// every reconnect until unsubscribe is called.
func (c *Channel) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (func() error, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("%w: mqtt subscribe topic is empty", engine.ErrConfig)
	}

	onMessage := func(_ paho.Client, msg paho.Message) {
		handler(msg.Payload())
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: mqtt channel is closed", engine.ErrClosed)
	}
	c.subscriptions[topic] = onMessage
	c.mu.Unlock()

	if c.client.IsConnectionOpen() {
		if err := wait(ctx, c.client.Subscribe(topic, c.cfg.QoS, onMessage), c.cfg.ConnectTimeout); err != nil {
			c.mu.Lock()
			delete(c.subscriptions, topic)
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: subscribing to %s: %w", engine.ErrTransport, topic, err)
		}
	} else {
		logger.Debug("mqtt not connected, subscription deferred to connect", "topic", topic)
	}

	var once sync.Once
	unsubscribe := func() error {
		var err error
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscriptions, topic)
			c.mu.Unlock()

			if !c.client.IsConnectionOpen() {
				return
			}
			if waitErr := wait(context.Background(), c.client.Unsubscribe(topic), c.cfg.ConnectTimeout); waitErr != nil {
				err = fmt.Errorf("%w: unsubscribing from %s: %w", engine.ErrTransport, topic, waitErr)
			}
		})
		return err
	}
	return unsubscribe, nil
}

// Close disconnects from the broker. Pending subscriptions are dropped.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subscriptions = map[string]paho.MessageHandler{}
	c.mu.Unlock()

	if c.client.IsConnected() {
		c.client.Disconnect(uint(DefaultDisconnectWait / time.Millisecond))
	}
	return nil
}

func (c *Channel) onConnect(client paho.Client) {
	c.mu.Lock()
	observer := c.observer
	subscriptions := make(map[string]paho.MessageHandler, len(c.subscriptions))
	for topic, handler := range c.subscriptions {
		subscriptions[topic] = handler
	}
	c.mu.Unlock()

	logger.Info("mqtt connected", "broker", c.cfg.Broker, "subscriptions", len(subscriptions))

	var errs []error
	for topic, handler := range subscriptions {
		if err := wait(context.Background(), client.Subscribe(topic, c.cfg.QoS, handler), c.cfg.ConnectTimeout); err != nil {
			errs = append(errs, fmt.Errorf("subscribing to %s: %w", topic, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error("failed to renew mqtt subscriptions", "error", err)
	}

	if observer != nil {
		if err := observer.NetConnected(); err != nil {
			logger.Warn("failed to report link up", "error", err)
		}
	}
}

func (c *Channel) onConnectionLost(_ paho.Client, reason error) {
	c.mu.Lock()
	observer := c.observer
	c.mu.Unlock()

	logger.Warn("mqtt connection lost", "broker", c.cfg.Broker, "error", reason)
	if observer != nil {
		if err := observer.NetDisconnected(); err != nil {
			logger.Warn("failed to report link down", "error", err)
		}
	}
}

// wait blocks until token completes, ctx is done or timeout passes.
func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: mqtt operation did not complete in %s", engine.ErrTimeout, timeout)
	}
}
