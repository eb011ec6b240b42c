package mqttpublisher

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mikey-austin/spotd/internal/adapters/mqtt"
	"github.com/mikey-austin/spotd/internal/events"
	embeddedmqtt "github.com/mikey-austin/spotd/internal/modules/embedded_mqtt"
	"github.com/mikey-austin/spotd/pkg/spot"
	"go.uber.org/zap"
)

type publishedMessage struct {
	Topic    string
	Payload  []byte
	Retained bool
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMessage
}

func (f *fakePublisher) Publish(topic string, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{Topic: topic, Payload: payload, Retained: retained})
	return nil
}

func (f *fakePublisher) PublishJSON(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.Publish(topic, retained, payload)
}

func (f *fakePublisher) byTopic(topic string) []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedMessage
	for _, msg := range f.published {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func lastState(t *testing.T, pub *fakePublisher) spot.PlaybackState {
	t.Helper()
	msgs := pub.byTopic(spot.TopicState("spotd/v1", "dev1"))
	if len(msgs) == 0 {
		t.Fatalf("no state published")
	}
	last := msgs[len(msgs)-1]
	if !last.Retained {
		t.Fatalf("expected retained state")
	}
	var state spot.PlaybackState
	if err := json.Unmarshal(last.Payload, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return state
}

func TestNewModuleValidates(t *testing.T) {
	bus := events.NewBroadcaster[spot.PlayerEvent](0)
	if _, err := NewModule(nil, nil, bus, Config{Device: "d"}); err == nil {
		t.Fatalf("expected client error")
	}
	if _, err := NewModule(nil, &fakePublisher{}, nil, Config{Device: "d"}); err == nil {
		t.Fatalf("expected broadcaster error")
	}
	if _, err := NewModule(nil, &fakePublisher{}, bus, Config{}); err == nil {
		t.Fatalf("expected device error")
	}
}

func TestApplyTracksPlayback(t *testing.T) {
	bus := events.NewBroadcaster[spot.PlayerEvent](0)
	pub := &fakePublisher{}
	m, err := NewModule(zap.NewNop(), pub, bus, Config{TopicBase: "spotd/v1", Device: "dev1"})
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	now := time.Unix(2000, 0)
	m.now = func() time.Time { return now }

	start := spot.Started("t1", 1000)
	start.DurationMS = 60000
	m.handleEvent(start)
	now = now.Add(4 * time.Second)
	m.handleEvent(spot.PlayerEvent{Kind: spot.EventPaused, TrackID: "t1"})

	state := lastState(t, pub)
	if state.Status != "paused" || state.TrackID != "t1" || state.PositionMS != 5000 || state.DurationMS != 60000 {
		t.Fatalf("unexpected state %+v", state)
	}

	m.handleEvent(spot.PlayerEvent{Kind: spot.EventVolumeSet, Volume: 100})
	m.handleEvent(spot.PlayerEvent{Kind: spot.EventChanged, TrackID: "t2", OldTrackID: "t1"})
	state = lastState(t, pub)
	if state.TrackID != "t2" || state.Volume != 100 || state.PositionMS != 0 {
		t.Fatalf("unexpected state %+v", state)
	}

	evts := pub.byTopic(spot.TopicEvents("spotd/v1", "dev1"))
	if len(evts) != 4 || evts[0].Retained {
		t.Fatalf("expected 4 non-retained events, got %d", len(evts))
	}
	var msg spot.EventMessage
	if err := json.Unmarshal(evts[3].Payload, &msg); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if msg.Device != "dev1" || msg.Event.Kind != spot.EventChanged || msg.Event.OldTrackID != "t1" {
		t.Fatalf("unexpected event %+v", msg)
	}
}

func TestRepeatedEventDoesNotRepublishState(t *testing.T) {
	bus := events.NewBroadcaster[spot.PlayerEvent](0)
	pub := &fakePublisher{}
	m, _ := NewModule(nil, pub, bus, Config{TopicBase: "spotd/v1", Device: "dev1"})
	m.now = func() time.Time { return time.Unix(10, 0) }

	m.handleEvent(spot.PlayerEvent{Kind: spot.EventStopped})
	m.handleEvent(spot.PlayerEvent{Kind: spot.EventStopped})
	if got := len(pub.byTopic(spot.TopicState("spotd/v1", "dev1"))); got != 0 {
		t.Fatalf("expected no state for an unchanged stop, got %d", got)
	}
}

func TestRunPublishesAvailability(t *testing.T) {
	bus := events.NewBroadcaster[spot.PlayerEvent](0)
	pub := &fakePublisher{}
	m, _ := NewModule(nil, pub, bus, Config{TopicBase: "spotd/v1", Device: "dev1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	topic := spot.TopicState("spotd/v1", "dev1")
	deadline := time.Now().Add(2 * time.Second)
	for len(pub.byTopic(topic)) == 0 || bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("publisher did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(spot.Started("t9", 0))
	for len(pub.byTopic(spot.TopicEvents("spotd/v1", "dev1"))) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event not published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	avail := pub.byTopic(spot.TopicAvailability("spotd/v1", "dev1"))
	if len(avail) != 2 || string(avail[0].Payload) != spot.Online || string(avail[1].Payload) != spot.Offline || !avail[1].Retained {
		t.Fatalf("unexpected availability %+v", avail)
	}
}

func TestPublishThroughEmbeddedBroker(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	broker, err := embeddedmqtt.NewModule(nil, embeddedmqtt.Config{Listen: addr, AllowAnonymous: true})
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = broker.Run(ctx) }()

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	pubClient, err := mqtt.Dial(dialCtx, mqtt.Options{BrokerURL: broker.URL(), ClientID: "pub", Retry: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial publisher: %v", err)
	}
	defer pubClient.Close()
	subClient, err := mqtt.Dial(dialCtx, mqtt.Options{BrokerURL: broker.URL(), ClientID: "sub", Retry: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial subscriber: %v", err)
	}
	defer subClient.Close()

	received := make(chan []byte, 8)
	if err := subClient.Subscribe(spot.TopicEvents("spotd/v1", "dev1"), func(_ string, payload []byte) {
		received <- payload
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus := events.NewBroadcaster[spot.PlayerEvent](0)
	m, err := NewModule(nil, pubClient, bus, Config{TopicBase: "spotd/v1", Device: "dev1"})
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	go func() { _ = m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("publisher did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(spot.PlayerEvent{Kind: spot.EventStopped, TrackID: "t1"})

	select {
	case payload := <-received:
		var msg spot.EventMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Event.Kind != spot.EventStopped || msg.Event.TrackID != "t1" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for event message")
	}
}
