package mpris

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/mikey-austin/spotd/internal/adapters/clock"
	"github.com/mikey-austin/spotd/internal/adapters/webapi"
	"github.com/mikey-austin/spotd/internal/core"
	"github.com/mikey-austin/spotd/internal/events"
	"github.com/mikey-austin/spotd/internal/modules/token"
	"github.com/mikey-austin/spotd/internal/ports"
	"github.com/mikey-austin/spotd/pkg/spot"
)

const testTrack = "6rqhFgbbKwnb9MLmUQDhG6"

type signal struct {
	name   string
	values []interface{}
}

type fakeBus struct {
	mu      sync.Mutex
	exports map[string]interface{}
	signals []signal
	emitted chan signal
	named   chan struct{}
	closed  bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		exports: map[string]interface{}{},
		emitted: make(chan signal, 32),
		named:   make(chan struct{}),
	}
}

func (b *fakeBus) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exports[iface] = v
	return nil
}

func (b *fakeBus) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	sig := signal{name: name, values: values}
	b.mu.Lock()
	b.signals = append(b.signals, sig)
	b.mu.Unlock()
	b.emitted <- sig
	return nil
}

func (b *fakeBus) RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	close(b.named)
	return dbus.RequestNameReplyPrimaryOwner, nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) export(iface string) interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exports[iface]
}

func (b *fakeBus) next(t *testing.T) signal {
	t.Helper()
	select {
	case sig := <-b.emitted:
		return sig
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for signal")
	}
	return signal{}
}

type fakeAPI struct {
	mu       sync.Mutex
	calls    []string
	playback *webapi.Playback
	err      error
	tokens   []string
}

func (f *fakeAPI) record(format string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.err
}

func (f *fakeAPI) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) SetToken(token spot.AccessToken) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token.Token)
	f.mu.Unlock()
}

func (f *fakeAPI) DeviceByName(ctx context.Context, name string) (webapi.Device, error) {
	return webapi.Device{ID: "dev-" + name, Name: name}, nil
}

func (f *fakeAPI) CurrentPlayback(ctx context.Context) (*webapi.Playback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.playback == nil {
		return nil, webapi.ErrNoActivePlayback
	}
	pb := *f.playback
	return &pb, nil
}

func (f *fakeAPI) Seek(ctx context.Context, deviceID string, positionMS int64) error {
	return f.record("seek %s %d", deviceID, positionMS)
}

func (f *fakeAPI) Next(ctx context.Context, deviceID string) error {
	return f.record("next %s", deviceID)
}

func (f *fakeAPI) TransferPlayback(ctx context.Context, deviceID string, play bool) error {
	return f.record("transfer %s %t", deviceID, play)
}

func (f *fakeAPI) PlayURIs(ctx context.Context, deviceID string, uris []string) error {
	return f.record("play_uris %s %s", deviceID, strings.Join(uris, ","))
}

func (f *fakeAPI) PlayContext(ctx context.Context, deviceID string, contextURI string) error {
	return f.record("play_context %s %s", deviceID, contextURI)
}

func (f *fakeAPI) SetVolume(ctx context.Context, deviceID string, percent int) error {
	return f.record("volume %d", percent)
}

func (f *fakeAPI) SetShuffle(ctx context.Context, deviceID string, state bool) error {
	return f.record("shuffle %t", state)
}

func (f *fakeAPI) SetRepeat(ctx context.Context, deviceID string, state string) error {
	return f.record("repeat %s", state)
}

type fakeHandle struct {
	mu     sync.Mutex
	calls  []string
	volume uint16
}

func (h *fakeHandle) record(name string) {
	h.mu.Lock()
	h.calls = append(h.calls, name)
	h.mu.Unlock()
}

func (h *fakeHandle) recorded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *fakeHandle) Shutdown() { h.record("shutdown") }
func (h *fakeHandle) Play() { h.record("play") }
func (h *fakeHandle) Pause() { h.record("pause") }
func (h *fakeHandle) PlayPause() { h.record("playpause") }
func (h *fakeHandle) Next() { h.record("next") }
func (h *fakeHandle) Prev() { h.record("prev") }
func (h *fakeHandle) VolumeUp() { h.record("volume_up") }
func (h *fakeHandle) VolumeDown() { h.record("volume_down") }
func (h *fakeHandle) Volume() uint16 { return h.volume }

type fakeSession struct {
	mu      sync.Mutex
	calls   int
	results []error
	expires time.Duration
}

func (s *fakeSession) RequestToken(ctx context.Context, clientID string, scopes []string) (ports.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) > 0 {
		err := s.results[0]
		s.results = s.results[1:]
		if err != nil {
			return ports.Token{}, err
		}
	}
	expires := s.expires
	if expires == 0 {
		expires = time.Hour
	}
	return ports.Token{AccessToken: fmt.Sprintf("tok%d", s.calls), ExpiresIn: expires}, nil
}

func (s *fakeSession) requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	server  *Server
	bus     *fakeBus
	api     *fakeAPI
	handle  *fakeHandle
	session *fakeSession
	clock   *clock.Fixed
	events  *events.Broadcaster[spot.PlayerEvent]
	done    chan error
	cancel  context.CancelFunc
}

func startHarness(t *testing.T, session *fakeSession) *harness {
	t.Helper()
	h := &harness{
		bus:     newFakeBus(),
		api:     &fakeAPI{},
		handle:  &fakeHandle{volume: 32768},
		session: session,
		clock:   &clock.Fixed{T: time.Unix(1_700_000_000, 0)},
		events:  events.NewBroadcaster[spot.PlayerEvent](16),
		done:    make(chan error, 1),
	}
	server, err := NewServer(nil, Config{DeviceName: "kitchen", ClientID: "client", CallTimeout: 2 * time.Second}, Deps{
		Session: session,
		Handle:  h.handle,
		Events:  h.events.Subscribe(),
		Dial:    func() (Bus, error) { return h.bus, nil },
		NewAPI:  func(spot.AccessToken) API { return h.api },
		Clock:   h.clock,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	h.server = server

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- server.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) published(t *testing.T) {
	t.Helper()
	select {
	case <-h.bus.named:
	case <-time.After(2 * time.Second):
		t.Fatalf("surface never published")
	}
}

func (h *harness) player() *playerObject {
	return h.bus.export(ifacePlayer).(*playerObject)
}

func (h *harness) properties() *propertiesObject {
	return h.bus.export(ifaceProperties).(*propertiesObject)
}

func (h *harness) setPlayback(progressMS, durationMS int64) {
	h.api.mu.Lock()
	h.api.playback = &webapi.Playback{
		Device:     webapi.Device{ID: "dev1"},
		ProgressMS: progressMS,
		IsPlaying:  true,
		Item:       &webapi.Item{ID: testTrack, Type: "track", Name: "Song", DurationMS: durationMS},
	}
	h.api.mu.Unlock()
}

func expectCalls(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, got)
		}
	}
}

func TestStartedThenPausedEmitsChangesAndSeeked(t *testing.T) {
	h := startHarness(t, &fakeSession{})
	h.published(t)

	h.events.Publish(spot.Started("t1", 5000))
	h.events.Publish(spot.PlayerEvent{Kind: spot.EventPaused, TrackID: "t1"})

	first := h.bus.next(t)
	if first.name != signalChanged {
		t.Fatalf("expected properties changed, got %s", first.name)
	}
	changed := first.values[1].(map[string]dbus.Variant)
	if changed["PlaybackStatus"].Value() != StatusPlaying {
		t.Fatalf("expected Playing, got %v", changed)
	}
	if invalidated := first.values[2].([]string); len(invalidated) != 1 || invalidated[0] != "Metadata" {
		t.Fatalf("expected metadata invalidated, got %v", invalidated)
	}

	seeked := h.bus.next(t)
	if seeked.name != signalSeeked || seeked.values[0].(int64) != 5_000_000 {
		t.Fatalf("expected seeked 5000000, got %+v", seeked)
	}

	second := h.bus.next(t)
	changed = second.values[1].(map[string]dbus.Variant)
	if second.name != signalChanged || changed["PlaybackStatus"].Value() != StatusPaused {
		t.Fatalf("expected Paused change, got %+v", second)
	}
	if _, ok := changed["Volume"]; ok {
		t.Fatalf("volume did not change: %v", changed)
	}
}

func TestTrackChangeSendsMetadataInline(t *testing.T) {
	h := startHarness(t, &fakeSession{})
	h.published(t)
	h.setPlayback(0, 200_000)

	h.events.Publish(spot.Started(testTrack, 0))

	first := h.bus.next(t)
	if invalidated := first.values[2].([]string); len(invalidated) != 1 || invalidated[0] != "Metadata" {
		t.Fatalf("expected metadata invalidated first, got %v", invalidated)
	}
	if seeked := h.bus.next(t); seeked.name != signalSeeked {
		t.Fatalf("expected seeked, got %s", seeked.name)
	}
	follow := h.bus.next(t)
	changed := follow.values[1].(map[string]dbus.Variant)
	meta, ok := changed["Metadata"].Value().(map[string]dbus.Variant)
	if follow.name != signalChanged || !ok {
		t.Fatalf("expected inline metadata, got %+v", follow)
	}
	if meta["mpris:trackid"].Value() != trackPath(testTrack) || meta["xesam:title"].Value() != "Song" {
		t.Fatalf("unexpected metadata %v", meta)
	}
}

func TestStaleMetadataIsNotSent(t *testing.T) {
	h := startHarness(t, &fakeSession{})
	h.published(t)
	h.setPlayback(0, 200_000)

	h.events.Publish(spot.PlayerEvent{Kind: spot.EventChanged, TrackID: "4uLU6hMCjMI75M1A2tKUQC"})

	first := h.bus.next(t)
	if invalidated := first.values[2].([]string); len(invalidated) != 1 || invalidated[0] != "Metadata" {
		t.Fatalf("expected metadata invalidated, got %v", invalidated)
	}
	select {
	case extra := <-h.bus.emitted:
		t.Fatalf("metadata for another item must not be sent: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIdenticalObservationIsNotRepeated(t *testing.T) {
	h := startHarness(t, &fakeSession{})
	h.published(t)

	h.events.Publish(spot.PlayerEvent{Kind: spot.EventPlaying, TrackID: "t1"})
	h.events.Publish(spot.PlayerEvent{Kind: spot.EventPlaying, TrackID: "t1"})
	h.events.Publish(spot.PlayerEvent{Kind: spot.EventVolumeSet, Volume: 100})

	h.bus.next(t)
	last := h.bus.next(t)
	changed := last.values[1].(map[string]dbus.Variant)
	if _, ok := changed["Volume"]; !ok {
		t.Fatalf("expected volume change second, got %v", changed)
	}
	select {
	case extra := <-h.bus.emitted:
		t.Fatalf("unexpected signal %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOpenURIMalformed(t *testing.T) {
	h := startHarness(t, &fakeSession{})
	h.published(t)

	derr := h.player().OpenUri("spotify:nonsense")
	if derr == nil || derr.Name != errNameInvalid {
		t.Fatalf("expected invalid args, got %v", derr)
	}
	if calls := h.api.recorded(); len(calls) != 0 {
		t.Fatalf("expected no api calls, got %v", calls)
	}
}

func TestOpenURIRoutesByKind(t *testing.T) {
	h := startHarness(t, &fakeSession{})
	h.published(t)

	if derr := h.player().OpenUri("spotify:track:" + testTrack); derr != nil {
		t.Fatalf("open track: %v", derr)
	}
	if derr := h.player().OpenUri("https://open.spotify.com/album/" + testTrack); derr != nil {
		t.Fatalf("open album: %v", derr)
	}
	expectCalls(t, h.api.recorded(),
		"play_uris dev-kitchen spotify:track:"+testTrack,
		"play_context dev-kitchen spotify:album:"+testTrack,
	)
}

func TestSeekPastEndSkips(t *testing.T) {
	h := startHarness(t, &fakeSession{})
	h.published(t)
	h.setPlayback(190_000, 200_000)

	if derr := h.player().Seek(20_000_000); derr != nil {
		t.Fatalf("seek: %v", derr)
	}
	expectCalls(t, h.api.recorded(), "next dev1")
}

func TestSeekBeforeStartClamps(t *testing.T) {
	h := startHarness(t, &fakeSession{})
	h.published(t)
	h.setPlayback(3_000, 200_000)

	if derr := h.player().Seek(-10_000_000); derr != nil {
		t.Fatalf("seek: %v", derr)
	}
	if derr := h.player().Seek(2_000_000); derr != nil {
		t.Fatalf("seek: %v", derr)
	}
	expectCalls(t, h.api.recorded(), "seek dev1 0", "seek dev1 5000")
}

func TestSetPosition(t *testing.T) {
	h := startHarness(t, &fakeSession{})
	h.published(t)
	h.setPlayback(0, 200_000)
	player := h.player()

	if derr := player.SetPosition(trackPath("other"), 1_000_000); derr != nil {
		t.Fatalf("set position: %v", derr)
	}
	if derr := player.SetPosition(trackPath(testTrack), 300_000_000); derr != nil {
		t.Fatalf("set position: %v", derr)
	}
	if derr := player.SetPosition(trackPath(testTrack), -1); derr != nil {
		t.Fatalf("set position: %v", derr)
	}
	if derr := player.SetPosition(trackPath(testTrack), 42_000_000); derr != nil {
		t.Fatalf("set position: %v", derr)
	}
	expectCalls(t, h.api.recorded(), "seek dev1 42000")
}

func TestHandleCommands(t *testing.T) {
	h := startHarness(t, &fakeSession{})
	h.published(t)
	player := h.player()
	controls := h.bus.export(ifaceControls).(*controlsObject)

	for _, call := range []func() *dbus.Error{
		player.Play, player.Pause, player.PlayPause, player.Stop, player.Next, player.Previous,
		controls.VolumeUp, controls.VolumeDown,
	} {
		if derr := call(); derr != nil {
			t.Fatalf("command: %v", derr)
		}
	}
	expectCalls(t, h.handle.recorded(),
		"play", "pause", "playpause", "pause", "next", "prev", "volume_up", "volume_down")

	if derr := controls.TransferPlayback(); derr != nil {
		t.Fatalf("transfer: %v", derr)
	}
	expectCalls(t, h.api.recorded(), "transfer dev-kitchen true")
}

func TestProperties(t *testing.T) {
	h := startHarness(t, &fakeSession{})
	h.published(t)
	h.setPlayback(1_500, 200_000)
	props := h.properties()

	all, derr := props.GetAll(ifacePlayer)
	if derr != nil {
		t.Fatalf("get all: %v", derr)
	}
	if all["PlaybackStatus"].Value() != StatusPlaying || all["Position"].Value().(int64) != 1_500_000 {
		t.Fatalf("unexpected properties %v", all)
	}
	meta := all["Metadata"].Value().(map[string]dbus.Variant)
	if meta["mpris:trackid"].Value() != trackPath(testTrack) || meta["mpris:length"].Value().(int64) != 200_000_000 {
		t.Fatalf("unexpected metadata %v", meta)
	}

	vol, derr := props.Get(ifacePlayer, "Volume")
	if derr != nil || vol.Value().(float64) != volumeFraction(32768) {
		t.Fatalf("unexpected volume %v %v", vol, derr)
	}
	schemes, derr := props.Get(ifaceRoot, "SupportedUriSchemes")
	if derr != nil || schemes.Value().([]string)[0] != "spotify" {
		t.Fatalf("unexpected schemes %v %v", schemes, derr)
	}
	if _, derr := props.Get("org.example.Nope", "X"); derr == nil || derr.Name != errNameUnknownIf {
		t.Fatalf("expected unknown interface, got %v", derr)
	}

	if derr := props.Set(ifacePlayer, "Rate", dbus.MakeVariant(2.0)); derr == nil || derr.Name != errNameReadOnly {
		t.Fatalf("expected read only, got %v", derr)
	}
	if derr := props.Set(ifacePlayer, "Volume", dbus.MakeVariant(0.5)); derr != nil {
		t.Fatalf("set volume: %v", derr)
	}
	if derr := props.Set(ifacePlayer, "LoopStatus", dbus.MakeVariant("Playlist")); derr != nil {
		t.Fatalf("set loop: %v", derr)
	}
	expectCalls(t, h.api.recorded(), "volume 50", "repeat context")
}

func TestAPIErrorsBecomeMethodErrors(t *testing.T) {
	h := startHarness(t, &fakeSession{})
	h.published(t)
	h.api.mu.Lock()
	h.api.err = errors.New("boom")
	h.api.mu.Unlock()

	derr := h.player().Seek(1)
	if derr == nil || derr.Name != errNameGeneric {
		t.Fatalf("expected generic error, got %v", derr)
	}
	if derr := h.player().Play(); derr != nil {
		t.Fatalf("surface should keep serving: %v", derr)
	}
}

func TestInitialTokenFailureEndsSurface(t *testing.T) {
	cause := errors.New("no grant")
	h := startHarness(t, &fakeSession{results: []error{cause}})

	select {
	case err := <-h.done:
		if !errors.Is(err, token.ErrTerminated) || !errors.Is(err, cause) {
			t.Fatalf("expected terminated error, got %v", err)
		}
		if !core.IsKind(err, core.KindCredential) {
			t.Fatalf("expected credential error, got kind %v", core.KindOf(err))
		}
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatalf("surface did not exit")
	}
	if h.bus.export(ifacePlayer) != nil {
		t.Fatalf("surface should not have been published")
	}
}

func TestShortLivedInitialGrantEndsSurface(t *testing.T) {
	h := startHarness(t, &fakeSession{expires: time.Nanosecond})

	select {
	case err := <-h.done:
		if !errors.Is(err, token.ErrShortLived) {
			t.Fatalf("expected short-lived error, got %v", err)
		}
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatalf("surface did not exit")
	}
	if n := h.session.requests(); n != 1 {
		t.Fatalf("expected a single token request, got %d", n)
	}
}

func TestShortLivedRefreshDoesNotSpin(t *testing.T) {
	h := startHarness(t, &fakeSession{})
	h.published(t)
	h.setPlayback(0, 200_000)

	h.session.mu.Lock()
	h.session.expires = time.Nanosecond
	h.session.mu.Unlock()
	h.clock.Advance(2 * time.Hour)

	derr := h.player().Seek(1_000_000)
	if derr == nil || derr.Name != errNameNoToken {
		t.Fatalf("expected token unavailable, got %v", derr)
	}
	time.Sleep(100 * time.Millisecond)
	if n := h.session.requests(); n != 2 {
		t.Fatalf("expected refresh to back off, got %d requests", n)
	}
}

func TestExpiredTokenRefreshesBeforeServing(t *testing.T) {
	h := startHarness(t, &fakeSession{})
	h.published(t)
	h.setPlayback(0, 200_000)

	h.clock.Advance(2 * time.Hour)
	if derr := h.player().Seek(1_000_000); derr != nil {
		t.Fatalf("seek: %v", derr)
	}
	if n := h.session.requests(); n != 2 {
		t.Fatalf("expected a refresh, got %d requests", n)
	}
	h.api.mu.Lock()
	tokens := append([]string(nil), h.api.tokens...)
	h.api.mu.Unlock()
	if len(tokens) != 1 || tokens[0] != "tok2" {
		t.Fatalf("expected token replaced in place, got %v", tokens)
	}
	expectCalls(t, h.api.recorded(), "seek dev1 1000")
}

func TestRefreshFailureReportsTokenUnavailable(t *testing.T) {
	h := startHarness(t, &fakeSession{results: []error{nil, errors.New("transient")}})
	h.published(t)
	h.setPlayback(0, 200_000)

	h.clock.Advance(2 * time.Hour)
	derr := h.player().Seek(1_000_000)
	if derr == nil || derr.Name != errNameNoToken {
		t.Fatalf("expected token unavailable, got %v", derr)
	}
	if derr := h.player().Play(); derr != nil {
		t.Fatalf("handle commands need no token: %v", derr)
	}
	if derr := h.player().Seek(1_000_000); derr == nil || derr.Name != errNameNoToken {
		t.Fatalf("expected token unavailable while retry pending, got %v", derr)
	}
	if calls := h.api.recorded(); len(calls) != 0 {
		t.Fatalf("expected no api calls, got %v", calls)
	}
}
