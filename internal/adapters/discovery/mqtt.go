package discovery

import (
	"sync"

	"github.com/mikey-austin/spotd/internal/adapters/mqtt"
	"github.com/mikey-austin/spotd/pkg/spot"
	"go.uber.org/zap"
)

// Subscriber is the part of the MQTT client the source needs.
type Subscriber interface {
	Subscribe(topic string, handler mqtt.Handler) error
	Unsubscribe(topic string) error
}

// MQTT receives credential sets published by a relay on the device's
// credentials topic. The stream stays open until Close.
type MQTT struct {
	log    *zap.Logger
	client Subscriber
	topic  string

	mu     sync.Mutex
	ch     chan spot.Credentials
	closed bool
}

// NewMQTT subscribes to the credentials topic for device.
func NewMQTT(log *zap.Logger, client Subscriber, topicBase, device string) (*MQTT, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if topicBase == "" {
		topicBase = spot.BaseTopic
	}
	m := &MQTT{
		log:    log,
		client: client,
		topic:  spot.TopicCredentials(topicBase, device),
		ch:     make(chan spot.Credentials, 4),
	}
	if err := client.Subscribe(m.topic, m.handle); err != nil {
		return nil, err
	}
	log.Info("waiting for credentials", zap.String("topic", m.topic))
	return m, nil
}

func (m *MQTT) handle(topic string, payload []byte) {
	creds, err := spot.DecodeCredentials(payload)
	if err != nil {
		m.log.Warn("ignoring credential message", zap.String("topic", topic), zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.ch <- creds:
	default:
		m.log.Warn("credential queue full, dropping", zap.String("username", creds.Username))
	}
}

func (m *MQTT) Credentials() <-chan spot.Credentials {
	return m.ch
}

// Close unsubscribes and ends the stream.
func (m *MQTT) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.ch)
	m.mu.Unlock()
	return m.client.Unsubscribe(m.topic)
}
