package mqttpublisher

import (
	"context"
	"fmt"
	"time"

	"github.com/mikey-austin/spotd/internal/events"
	"github.com/mikey-austin/spotd/pkg/spot"
	"go.uber.org/zap"
)

// publisher abstracts the MQTT client.
type publisher interface {
	Publish(topic string, retained bool, payload []byte) error
	PublishJSON(topic string, retained bool, v any) error
}

// Config configures the state publisher.
type Config struct {
	TopicBase string // MQTT topic base (e.g. "spotd/v1")
	Device    string // Device id used in topics
	// Heartbeat republishes the retained state this often. Zero disables it.
	Heartbeat time.Duration
}

// Module mirrors player events onto MQTT: a retained state document per
// device and one message per event.
type Module struct {
	log    *zap.Logger
	client publisher
	events *events.Broadcaster[spot.PlayerEvent]
	config Config
	now    func() time.Time

	state spot.PlaybackState
	// started is when playback last (re)started at state.PositionMS.
	started time.Time
}

// NewModule creates a state publisher.
func NewModule(log *zap.Logger, client publisher, bus *events.Broadcaster[spot.PlayerEvent], cfg Config) (*Module, error) {
	if client == nil {
		return nil, fmt.Errorf("mqtt client is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event broadcaster is required")
	}
	if cfg.Device == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if cfg.TopicBase == "" {
		cfg.TopicBase = spot.BaseTopic
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Module{
		log:    log.With(zap.String("module", "mqtt_publisher")),
		client: client,
		events: bus,
		config: cfg,
		now:    time.Now,
		state:  spot.PlaybackState{Device: cfg.Device, Status: "stopped"},
	}, nil
}

// Run publishes until ctx is cancelled or the broadcaster closes.
func (m *Module) Run(ctx context.Context) error {
	sub := m.events.Subscribe()
	defer sub.Close()

	availability := spot.TopicAvailability(m.config.TopicBase, m.config.Device)
	if err := m.client.Publish(availability, true, []byte(spot.Online)); err != nil {
		m.log.Warn("publish availability failed", zap.Error(err))
	}
	defer func() {
		if err := m.client.Publish(availability, true, []byte(spot.Offline)); err != nil {
			m.log.Debug("publish offline failed", zap.Error(err))
		}
	}()
	m.publishState()

	var heartbeat <-chan time.Time
	if m.config.Heartbeat > 0 {
		ticker := time.NewTicker(m.config.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	m.log.Info("publishing player state",
		zap.String("device", m.config.Device),
		zap.String("topic", spot.TopicState(m.config.TopicBase, m.config.Device)),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if n := sub.Lagged(); n > 0 {
				m.log.Warn("state publisher lagging", zap.Uint64("dropped", n))
			}
			m.handleEvent(ev)
		case <-heartbeat:
			m.publishState()
		}
	}
}

func (m *Module) handleEvent(ev spot.PlayerEvent) {
	if m.apply(ev) {
		m.publishState()
	}
	msg := spot.EventMessage{Device: m.config.Device, Event: ev, TS: m.now().Unix()}
	if err := m.client.PublishJSON(spot.TopicEvents(m.config.TopicBase, m.config.Device), false, msg); err != nil {
		m.log.Debug("publish event failed", zap.Error(err))
	}
}

// apply folds ev into the retained state and reports whether it changed.
func (m *Module) apply(ev spot.PlayerEvent) bool {
	prev := m.state
	now := m.now()
	if pos, ok := ev.Position(); ok {
		m.state.PositionMS = pos
		m.started = now
	}
	if ev.DurationMS > 0 {
		m.state.DurationMS = ev.DurationMS
	}

	switch ev.Kind {
	case spot.EventStarted, spot.EventPlaying:
		if m.state.Status != "playing" {
			m.started = now
		}
		m.state.Status = "playing"
		if ev.TrackID != "" {
			m.state.TrackID = ev.TrackID
		}
	case spot.EventPaused:
		if _, ok := ev.Position(); !ok {
			m.state.PositionMS = m.position(now)
		}
		m.state.Status = "paused"
		if ev.TrackID != "" {
			m.state.TrackID = ev.TrackID
		}
	case spot.EventStopped:
		m.state.Status = "stopped"
		m.state.PositionMS = 0
	case spot.EventChanged:
		m.state.TrackID = ev.TrackID
		m.state.PositionMS = 0
		m.started = now
	case spot.EventVolumeSet:
		m.state.Volume = ev.Volume
	}
	return m.state != prev
}

// position extrapolates the playhead while playing.
func (m *Module) position(now time.Time) int64 {
	pos := m.state.PositionMS
	if m.state.Status == "playing" && !m.started.IsZero() {
		pos += now.Sub(m.started).Milliseconds()
	}
	if m.state.DurationMS > 0 && pos > m.state.DurationMS {
		pos = m.state.DurationMS
	}
	return pos
}

func (m *Module) publishState() {
	now := m.now()
	state := m.state
	state.PositionMS = m.position(now)
	state.TS = now.Unix()
	if err := m.client.PublishJSON(spot.TopicState(m.config.TopicBase, m.config.Device), true, state); err != nil {
		m.log.Debug("publish state failed", zap.Error(err))
	}
}
