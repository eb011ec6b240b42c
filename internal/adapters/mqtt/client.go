package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Options configures the MQTT client.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLSCA     string
	TLSCert   string
	TLSKey    string
	Timeout   time.Duration
	Retry     time.Duration
	Logger    *zap.Logger
	Debug     bool

	// WillTopic receives WillPayload (retained) when the connection is lost.
	WillTopic   string
	WillPayload string
}

// Handler receives a message payload.
type Handler func(topic string, payload []byte)

// Client wraps an MQTT connection. Subscriptions are restored after a
// reconnect.
type Client struct {
	client  paho.Client
	log     *zap.Logger
	debug   bool
	timeout time.Duration

	mu   sync.Mutex
	subs map[string]Handler
}

// Dial connects to the broker, retrying until ctx is done.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Retry == 0 {
		opts.Retry = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Client{
		log:     opts.Logger,
		debug:   opts.Debug,
		timeout: opts.Timeout,
		subs:    map[string]Handler{},
	}

	clientOpts := paho.NewClientOptions().AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetConnectTimeout(opts.Timeout)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetOnConnectHandler(c.resubscribe)
	clientOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.log.Warn("mqtt connection lost", zap.Error(err))
	})
	if opts.WillTopic != "" {
		clientOpts.SetWill(opts.WillTopic, opts.WillPayload, 1, true)
	}
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	tlsConfig, err := TLSConfig(opts.TLSCA, opts.TLSCert, opts.TLSKey)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}

	c.client = paho.NewClient(clientOpts)
	for {
		token := c.client.Connect()
		if !token.WaitTimeout(opts.Timeout) {
			err = fmt.Errorf("connect %s: timeout", opts.BrokerURL)
		} else {
			err = token.Error()
		}
		if err == nil {
			return c, nil
		}
		c.log.Warn("mqtt connect failed", zap.String("broker", opts.BrokerURL), zap.Duration("retry_in", opts.Retry), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.Retry):
		}
	}
}

// Publish publishes a raw payload at QoS 1.
func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	if c.debug {
		c.log.Debug("mqtt publish", zap.String("topic", topic), zap.Int("bytes", len(payload)), zap.String("payload", truncatePayload(payload)))
	}
	token := c.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return token.Error()
}

// PublishJSON marshals v and publishes it.
func (c *Client) PublishJSON(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	return c.Publish(topic, retained, payload)
}

// Subscribe registers handler for topic.
func (c *Client) Subscribe(topic string, handler Handler) error {
	if c.debug {
		c.log.Debug("mqtt subscribe", zap.String("topic", topic))
	}
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()
	token := c.client.Subscribe(topic, 1, c.wrap(handler))
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	return token.Error()
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
	token := c.client.Unsubscribe(topic)
	token.WaitTimeout(c.timeout)
	return token.Error()
}

// Close disconnects, allowing in-flight work a short grace period.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

func (c *Client) wrap(handler Handler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		if c.debug {
			c.log.Debug("mqtt message", zap.String("topic", msg.Topic()), zap.Int("bytes", len(msg.Payload())), zap.String("payload", truncatePayload(msg.Payload())))
		}
		handler(msg.Topic(), msg.Payload())
	}
}

func (c *Client) resubscribe(client paho.Client) {
	c.mu.Lock()
	subs := make(map[string]Handler, len(c.subs))
	for topic, h := range c.subs {
		subs[topic] = h
	}
	c.mu.Unlock()
	for topic, h := range subs {
		if token := client.Subscribe(topic, 1, c.wrap(h)); token.WaitTimeout(c.timeout) && token.Error() != nil {
			c.log.Warn("mqtt resubscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}

func truncatePayload(payload []byte) string {
	const max = 2048
	if len(payload) <= max {
		return string(payload)
	}
	return string(payload[:max]) + "..."
}
