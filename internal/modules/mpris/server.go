package mpris

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/mikey-austin/spotd/internal/adapters/clock"
	"github.com/mikey-austin/spotd/internal/adapters/webapi"
	"github.com/mikey-austin/spotd/internal/core"
	"github.com/mikey-austin/spotd/internal/events"
	"github.com/mikey-austin/spotd/internal/modules/token"
	"github.com/mikey-austin/spotd/internal/ports"
	"github.com/mikey-austin/spotd/pkg/spot"
	"go.uber.org/zap"
)

var (
	// ErrTokenUnavailable is returned to IPC callers while no usable token is held.
	ErrTokenUnavailable = errors.New("access token unavailable")
	errStopped          = errors.New("control surface stopped")
	errCallTimeout      = errors.New("control surface busy")
)

// API is the Web API surface the control surface drives. *webapi.Client
// satisfies it.
type API interface {
	SetToken(token spot.AccessToken)
	DeviceByName(ctx context.Context, name string) (webapi.Device, error)
	CurrentPlayback(ctx context.Context) (*webapi.Playback, error)
	Seek(ctx context.Context, deviceID string, positionMS int64) error
	Next(ctx context.Context, deviceID string) error
	TransferPlayback(ctx context.Context, deviceID string, play bool) error
	PlayURIs(ctx context.Context, deviceID string, uris []string) error
	PlayContext(ctx context.Context, deviceID string, contextURI string) error
	SetVolume(ctx context.Context, deviceID string, percent int) error
	SetShuffle(ctx context.Context, deviceID string, state bool) error
	SetRepeat(ctx context.Context, deviceID string, state string) error
}

// APIFactory builds an API client from the first token.
type APIFactory func(token spot.AccessToken) API

// Config configures the control surface.
type Config struct {
	DeviceName   string
	ClientID     string
	Scopes       []string
	BusName      string
	Identity     string
	DesktopEntry string
	CallTimeout  time.Duration
}

// Deps are the collaborators of one surface instance, bound to one session
// and one remote-control handle.
type Deps struct {
	Session token.Requester
	Handle  ports.RemoteControl
	Events  *events.Subscription[spot.PlayerEvent]
	Dial    BusDialer
	NewAPI  APIFactory
	Clock   ports.Clock
}

type request struct {
	name       string
	needsToken bool
	run        func(ctx context.Context) (any, error)
	reply      chan response
}

type response struct {
	value any
	err   error
}

type metadataResult struct {
	trackID  string
	playback *webapi.Playback
	err      error
}

// Server publishes the MPRIS control surface once a token is available and
// mirrors player events into property change signals. All state is owned by
// the goroutine running Run; IPC calls reach it through the request channel.
type Server struct {
	log    *zap.Logger
	config Config
	deps   Deps

	broker   *token.Broker
	api      API
	bus      Bus
	state    SurfaceState
	events   <-chan spot.PlayerEvent
	requests chan request
	metadata chan metadataResult
	done     chan struct{}
	deferred []request
	timer    *time.Timer
}

// NewServer creates a control surface. Nothing is published until Run has
// obtained a token.
func NewServer(log *zap.Logger, cfg Config, deps Deps) (*Server, error) {
	if deps.Session == nil || deps.Handle == nil || deps.Events == nil {
		return nil, errors.New("session, handle and events are required")
	}
	if deps.Dial == nil {
		deps.Dial = SessionBus
	}
	if deps.NewAPI == nil {
		return nil, errors.New("api factory required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Clock{}
	}
	if cfg.BusName == "" {
		cfg.BusName = fmt.Sprintf("org.mpris.MediaPlayer2.spotd.instance%d", os.Getpid())
	}
	if cfg.Identity == "" {
		cfg.Identity = "spotd"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Server{
		log:      log,
		config:   cfg,
		deps:     deps,
		broker:   token.NewBroker(deps.Session, deps.Clock, cfg.ClientID, cfg.Scopes),
		state:    SurfaceState{Status: StatusStopped, Volume: deps.Handle.Volume()},
		events:   deps.Events.C(),
		requests: make(chan request),
		metadata: make(chan metadataResult, 1),
		done:     make(chan struct{}),
	}, nil
}

// Run acquires a token, publishes the surface and serves it until ctx is
// cancelled. It returns an error only when the initial token request or the
// bus registration fails; the caller must treat that as fatal to the surface
// alone.
func (s *Server) Run(ctx context.Context) error {
	defer s.shutdown()

	s.broker.Need(ctx)
	for {
		if s.broker.State() == token.Refreshing {
			select {
			case <-ctx.Done():
				return nil
			case res := <-s.broker.Results():
				if err := s.handleToken(ctx, res); err != nil {
					return err
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.timerC():
			s.timer = nil
			s.broker.Need(ctx)
		case req := <-s.requests:
			s.serve(ctx, req)
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			s.observe(ctx, ev)
		case res := <-s.metadata:
			s.onMetadata(res)
		}
	}
}

func (s *Server) handleToken(ctx context.Context, res token.Result) error {
	switch s.broker.Handle(res) {
	case token.ActionBuildSurface:
		s.api = s.deps.NewAPI(res.Token)
		if err := s.publish(); err != nil {
			return core.WrapError(core.KindTransport, "publish control surface", err)
		}
		s.broker.SurfaceBuilt()
		s.log.Info("control surface published", zap.String("bus_name", s.config.BusName))
		s.scheduleRefresh()
		s.flushDeferred(ctx)
	case token.ActionReplaceToken:
		s.api.SetToken(res.Token)
		s.log.Debug("access token refreshed", zap.Time("expires_at", res.Token.ExpiresAt))
		s.scheduleRefresh()
		s.flushDeferred(ctx)
	case token.ActionRetry:
		delay := s.broker.NextRetry()
		s.log.Warn("access token refresh failed", zap.Duration("retry_in", delay), zap.Error(res.Err))
		s.schedule(delay)
		s.failDeferred(ErrTokenUnavailable)
	case token.ActionTerminate:
		return core.WrapError(core.KindCredential, "access token", s.broker.Err(res.Err))
	}
	return nil
}

func (s *Server) publish() error {
	bus, err := s.deps.Dial()
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}

	root := &rootObject{s: s}
	player := &playerObject{s: s}
	controls := &controlsObject{s: s}
	props := &propertiesObject{s: s}
	exports := []struct {
		v     interface{}
		iface string
	}{
		{root, ifaceRoot},
		{player, ifacePlayer},
		{controls, ifaceControls},
		{props, ifaceProperties},
		{introspect.NewIntrospectable(introspection(root, player, controls)), ifaceIntrospect},
	}
	for _, e := range exports {
		if err := bus.Export(e.v, objectPath, e.iface); err != nil {
			_ = bus.Close()
			return fmt.Errorf("export %s: %w", e.iface, err)
		}
	}

	reply, err := bus.RequestName(s.config.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		_ = bus.Close()
		return fmt.Errorf("request name %s: %w", s.config.BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		_ = bus.Close()
		return fmt.Errorf("name %s already owned", s.config.BusName)
	}
	s.bus = bus
	return nil
}

func (s *Server) serve(ctx context.Context, req request) {
	if !req.needsToken {
		s.dispatch(ctx, req)
		return
	}
	if _, ok := s.broker.Token(); ok {
		s.dispatch(ctx, req)
		return
	}
	if s.broker.State() == token.Ready {
		// held token expired before the scheduled refresh fired
		s.stopTimer()
		s.broker.Need(ctx)
		s.deferred = append(s.deferred, req)
		return
	}
	req.reply <- response{err: ErrTokenUnavailable}
}

func (s *Server) dispatch(ctx context.Context, req request) {
	go func() {
		callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()
		v, err := req.run(callCtx)
		req.reply <- response{value: v, err: err}
	}()
}

func (s *Server) flushDeferred(ctx context.Context) {
	pending := s.deferred
	s.deferred = nil
	for _, req := range pending {
		s.dispatch(ctx, req)
	}
}

func (s *Server) failDeferred(err error) {
	pending := s.deferred
	s.deferred = nil
	for _, req := range pending {
		req.reply <- response{err: err}
	}
}

func (s *Server) observe(ctx context.Context, ev spot.PlayerEvent) {
	if lagged := s.deps.Events.Lagged(); lagged > 0 {
		s.log.Warn("control surface lagging behind player events", zap.Uint64("dropped", lagged))
	}
	next, changes := Observe(s.state, ev)
	s.state = next
	if changes.Any() {
		s.emitChanges(next, changes)
	}
	if changes.Track && next.TrackID != "" {
		s.fetchMetadata(ctx, next.TrackID)
	}
	if ev.Kind == spot.EventStarted {
		if pos, ok := ev.Position(); ok {
			if err := s.bus.Emit(objectPath, signalSeeked, pos*1000); err != nil {
				s.log.Warn("emit seeked failed", zap.Error(err))
			}
		}
	}
}

func (s *Server) emitChanges(next SurfaceState, changes Changes) {
	changed := map[string]dbus.Variant{}
	invalidated := []string{}
	if changes.Status {
		changed["PlaybackStatus"] = dbus.MakeVariant(next.Status)
	}
	if changes.Volume {
		changed["Volume"] = dbus.MakeVariant(volumeFraction(next.Volume))
	}
	if changes.Track {
		invalidated = append(invalidated, "Metadata")
	}
	if err := s.bus.Emit(objectPath, signalChanged, ifacePlayer, changed, invalidated); err != nil {
		s.log.Warn("emit properties changed failed", zap.Error(err))
	}
}

// fetchMetadata looks up the new item so its Metadata can follow the
// invalidation inline. Skipped while no usable token is held.
func (s *Server) fetchMetadata(ctx context.Context, trackID string) {
	if _, ok := s.broker.Token(); !ok || s.api == nil {
		return
	}
	api := s.api
	go func() {
		callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()
		pb, err := api.CurrentPlayback(callCtx)
		select {
		case s.metadata <- metadataResult{trackID: trackID, playback: pb, err: err}:
		case <-s.done:
		}
	}()
}

func (s *Server) onMetadata(res metadataResult) {
	if res.trackID != s.state.TrackID || s.bus == nil {
		return
	}
	if res.err != nil {
		s.log.Debug("metadata lookup failed", zap.String("track_id", res.trackID), zap.Error(res.err))
		return
	}
	// the service can lag behind the player; only a matching item is sent
	if res.playback == nil || res.playback.Item == nil || res.playback.Item.ID != res.trackID {
		return
	}
	changed := map[string]dbus.Variant{"Metadata": dbus.MakeVariant(metadata(res.playback))}
	if err := s.bus.Emit(objectPath, signalChanged, ifacePlayer, changed, []string{}); err != nil {
		s.log.Warn("emit properties changed failed", zap.Error(err))
	}
}

// call submits an IPC request to the loop and waits for its reply.
func (s *Server) call(name string, needsToken bool, run func(ctx context.Context) (any, error)) (any, *dbus.Error) {
	req := request{name: name, needsToken: needsToken, run: run, reply: make(chan response, 1)}
	timeout := time.NewTimer(s.config.CallTimeout)
	defer timeout.Stop()

	select {
	case s.requests <- req:
	case <-s.done:
		return nil, toDBusError(errStopped)
	case <-timeout.C:
		return nil, toDBusError(errCallTimeout)
	}

	select {
	case resp := <-req.reply:
		if resp.err != nil {
			s.log.Debug("ipc call failed", zap.String("method", name), zap.Error(resp.err))
			return nil, toDBusError(resp.err)
		}
		return resp.value, nil
	case <-s.done:
		return nil, toDBusError(errStopped)
	case <-timeout.C:
		return nil, toDBusError(errCallTimeout)
	}
}

func (s *Server) scheduleRefresh() {
	s.schedule(s.broker.RefreshIn())
}

func (s *Server) schedule(d time.Duration) {
	s.stopTimer()
	s.timer = time.NewTimer(d)
}

func (s *Server) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Server) timerC() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.C
}

func (s *Server) shutdown() {
	s.stopTimer()
	s.broker.Close()
	s.failDeferred(errStopped)
	close(s.done)
	s.deps.Events.Close()
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.log.Debug("close bus", zap.Error(err))
		}
		s.bus = nil
	}
}

func toDBusError(err error) *dbus.Error {
	switch {
	case errors.Is(err, ErrTokenUnavailable):
		return dbus.NewError(errNameNoToken, []interface{}{err.Error()})
	case errors.Is(err, spot.ErrInvalidURI):
		return dbus.NewError(errNameInvalid, []interface{}{err.Error()})
	default:
		return dbus.NewError(errNameGeneric, []interface{}{err.Error()})
	}
}
