package connection

import (
	"context"
	"errors"
	"os"

	"github.com/mikey-austin/spotd/internal/core"
	"github.com/mikey-austin/spotd/internal/events"
	"github.com/mikey-austin/spotd/internal/modules/hook"
	"github.com/mikey-austin/spotd/internal/ports"
	"github.com/mikey-austin/spotd/pkg/spot"
	"go.uber.org/zap"
)

// Config is passed through to the collaborators built for each session.
type Config struct {
	Session ports.SessionConfig
	Player  ports.PlayerConfig
	Control ports.ControlConfig
}

// Surface is a control surface bound to one session and handle.
type Surface interface {
	Run(ctx context.Context) error
}

// SurfaceFactory builds a control surface. The surface owns events and must
// close it when it stops.
type SurfaceFactory func(session ports.Session, handle ports.RemoteControl, events *events.Subscription[spot.PlayerEvent]) (Surface, error)

// MixerFactory builds the mixer for a new session.
type MixerFactory func() (ports.Mixer, error)

// Deps are the supervisor's collaborators. Cache and Surface are optional.
type Deps struct {
	Discovery ports.DiscoveryStream
	Backend   ports.Backend
	Mixer     MixerFactory
	Cache     ports.CredentialCache
	Hook      *hook.Runner
	Events    *events.Broadcaster[spot.PlayerEvent]
	Surface   SurfaceFactory
	Interrupt <-chan os.Signal
}

type connectResult struct {
	attempt uint64
	creds   spot.Credentials
	session ports.Session
	err     error
}

type taskResult struct {
	generation uint64
	err        error
}

type surfaceResult struct {
	generation uint64
	err        error
}

// live is one connected session with its handle.
type live struct {
	generation uint64
	session    ports.Session
	player     ports.Player
	handle     ports.RemoteControl
	cancel     context.CancelFunc
	done       bool
}

// Supervisor keeps at most one remote-control handle alive. All loop state is
// owned by the goroutine running Run.
type Supervisor struct {
	log    *zap.Logger
	config Config
	deps   Deps

	attempt       uint64
	cancelConnect context.CancelFunc
	generation    uint64
	current       *live
	retired       map[uint64]*live
	shuttingDown  bool
	// closed once the most recently started surface has stopped
	surfaceDone <-chan struct{}

	connects chan connectResult
	tasks    chan taskResult
	surfaces chan surfaceResult
}

// NewSupervisor validates deps and creates a supervisor.
func NewSupervisor(log *zap.Logger, cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Discovery == nil || deps.Backend == nil || deps.Mixer == nil {
		return nil, errors.New("discovery, backend and mixer are required")
	}
	if deps.Events == nil {
		deps.Events = events.NewBroadcaster[spot.PlayerEvent](events.DefaultBuffer)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Hook == nil {
		deps.Hook = hook.NewRunner(log, hook.Config{})
	}
	return &Supervisor{
		log:      log,
		config:   cfg,
		deps:     deps,
		retired:  map[uint64]*live{},
		connects: make(chan connectResult),
		tasks:    make(chan taskResult),
		surfaces: make(chan surfaceResult),
	}, nil
}

// Run drives the daemon until an interrupt arrives with no handle present or
// the live handle's task completes. The task's error is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.teardown()

	sub := s.deps.Events.Subscribe()
	defer sub.Close()

	discovery := s.deps.Discovery.Credentials()
	playerEvents := sub.C()
	for {
		select {
		case <-ctx.Done():
			return nil
		case creds, ok := <-discovery:
			if !ok {
				s.log.Info("discovery stream ended")
				discovery = nil
				continue
			}
			s.onCredentials(ctx, creds)
		case res := <-s.connects:
			s.onConnect(ctx, res)
		case res := <-s.tasks:
			if done, err := s.onTask(res); done {
				return err
			}
		case ev, ok := <-playerEvents:
			if !ok {
				playerEvents = nil
				continue
			}
			s.onEvent(sub, ev)
		case res := <-s.deps.Hook.Exited():
			s.deps.Hook.Reap(res)
		case res := <-s.surfaces:
			if res.err != nil {
				s.log.Warn("control surface stopped",
					zap.Uint64("generation", res.generation),
					zap.Stringer("kind", core.KindOf(res.err)),
					zap.Error(res.err),
				)
			}
		case sig := <-s.deps.Interrupt:
			if s.shuttingDown {
				s.log.Info("already shutting down, ignoring signal", zap.Stringer("signal", sig))
				continue
			}
			if s.current == nil {
				s.log.Info("interrupted with no session, exiting", zap.Stringer("signal", sig))
				return nil
			}
			s.log.Info("shutting down remote control", zap.Stringer("signal", sig))
			s.current.handle.Shutdown()
			s.shuttingDown = true
		}
	}
}

func (s *Supervisor) onCredentials(ctx context.Context, creds spot.Credentials) {
	if s.shuttingDown {
		s.log.Info("ignoring credentials during shutdown", zap.String("username", creds.Username))
		return
	}
	if !creds.Valid() {
		s.log.Warn("discovery delivered incomplete credentials")
		return
	}
	if s.current != nil {
		s.log.Info("superseding session", zap.Uint64("generation", s.current.generation))
		s.retire(s.current)
		s.current = nil
	}
	if s.cancelConnect != nil {
		s.cancelConnect()
	}

	s.attempt++
	attempt := s.attempt
	connectCtx, cancel := context.WithCancel(ctx)
	s.cancelConnect = cancel
	s.log.Info("connecting", zap.String("username", creds.Username), zap.Uint64("attempt", attempt))

	go func() {
		session, err := s.deps.Backend.Connect(connectCtx, s.config.Session, creds, s.deps.Cache)
		select {
		case s.connects <- connectResult{attempt: attempt, creds: creds, session: session, err: err}:
		case <-ctx.Done():
			if session != nil {
				session.Close()
			}
		}
	}()
}

func (s *Supervisor) onConnect(ctx context.Context, res connectResult) {
	if res.attempt != s.attempt {
		if res.session != nil {
			res.session.Close()
		}
		return
	}
	s.cancelConnect()
	s.cancelConnect = nil
	if res.err != nil {
		s.log.Warn("connect failed",
			zap.String("username", res.creds.Username),
			zap.Error(core.WrapError(core.KindTransport, "connect", res.err)),
		)
		return
	}
	if s.shuttingDown {
		res.session.Close()
		return
	}

	if s.deps.Cache != nil {
		if err := s.deps.Cache.SaveCredentials(res.creds); err != nil {
			s.log.Warn("cache credentials failed", zap.Error(err))
		}
	}
	if err := s.bringUp(ctx, res.session); err != nil {
		s.log.Error("session setup failed", zap.Error(err))
		res.session.Close()
	}
}

func (s *Supervisor) bringUp(ctx context.Context, session ports.Session) error {
	mixer, err := s.deps.Mixer()
	if err != nil {
		return core.WrapError(core.KindTransport, "open mixer", err)
	}
	volume := mixer.Volume()
	if s.deps.Cache != nil {
		if cached, ok := s.deps.Cache.Volume(); ok {
			volume = cached
			if err := mixer.SetVolume(cached); err != nil {
				s.log.Warn("restore cached volume failed", zap.Error(err))
			}
		}
	}

	player, playerEvents, err := s.deps.Backend.NewPlayer(s.config.Player, session, mixer.AudioFilter())
	if err != nil {
		return core.WrapError(core.KindTransport, "create player", err)
	}
	control := s.config.Control
	control.InitialVolume = volume
	handle, task, err := s.deps.Backend.NewRemoteControl(control, session, player, mixer)
	if err != nil {
		player.Stop()
		return core.WrapError(core.KindTransport, "create remote control", err)
	}

	s.generation++
	liveCtx, cancel := context.WithCancel(ctx)
	l := &live{
		generation: s.generation,
		session:    session,
		player:     player,
		handle:     handle,
		cancel:     cancel,
	}
	s.current = l
	s.log.Info("session online",
		zap.String("username", session.Username()),
		zap.Uint64("generation", l.generation),
		zap.Uint16("volume", volume),
	)

	// subscribe the surface before the pump starts so it sees every event
	if s.deps.Surface != nil {
		s.startSurface(ctx, liveCtx, l)
	}
	go pump(liveCtx, playerEvents, s.deps.Events)
	go func(gen uint64) {
		err := task()
		select {
		case s.tasks <- taskResult{generation: gen, err: err}:
		case <-ctx.Done():
		}
	}(l.generation)
	return nil
}

func (s *Supervisor) startSurface(ctx, liveCtx context.Context, l *live) {
	sub := s.deps.Events.Subscribe()
	surface, err := s.deps.Surface(l.session, l.handle, sub)
	if err != nil {
		sub.Close()
		s.log.Warn("control surface unavailable", zap.Error(err))
		return
	}
	// a surface claims the same bus name as its predecessor, so it starts
	// only after the previous one has released it
	prev := s.surfaceDone
	done := make(chan struct{})
	s.surfaceDone = done
	go func(gen uint64) {
		if prev != nil {
			select {
			case <-prev:
			case <-liveCtx.Done():
				sub.Close()
				<-prev
				close(done)
				return
			}
		}
		err := surface.Run(liveCtx)
		close(done)
		select {
		case s.surfaces <- surfaceResult{generation: gen, err: err}:
		case <-ctx.Done():
		}
	}(l.generation)
}

func (s *Supervisor) onTask(res taskResult) (bool, error) {
	if s.current == nil || res.generation != s.current.generation {
		if old, ok := s.retired[res.generation]; ok {
			delete(s.retired, res.generation)
			old.done = true
			s.release(old)
		}
		return false, nil
	}
	s.current.done = true
	if res.err != nil {
		s.log.Error("remote control task failed", zap.Error(res.err))
		return true, core.WrapError(core.KindFatal, "remote control task", res.err)
	}
	s.log.Info("remote control session ended")
	return true, nil
}

func (s *Supervisor) onEvent(sub *events.Subscription[spot.PlayerEvent], ev spot.PlayerEvent) {
	if lagged := sub.Lagged(); lagged > 0 {
		s.log.Warn("supervisor lagging behind player events", zap.Uint64("dropped", lagged))
	}
	if ev.Kind == spot.EventVolumeSet && s.deps.Cache != nil {
		if err := s.deps.Cache.SaveVolume(ev.Volume); err != nil {
			s.log.Debug("cache volume failed", zap.Error(err))
		}
	}
	s.deps.Hook.Trigger(ev)
}

// retire requests shutdown of a superseded handle without waiting for it.
func (s *Supervisor) retire(l *live) {
	l.cancel()
	l.handle.Shutdown()
	s.retired[l.generation] = l
}

func (s *Supervisor) release(l *live) {
	l.cancel()
	l.player.Stop()
	l.session.Close()
}

func (s *Supervisor) teardown() {
	if s.cancelConnect != nil {
		s.cancelConnect()
		s.cancelConnect = nil
	}
	if s.current != nil {
		if !s.current.done {
			s.current.handle.Shutdown()
		}
		s.release(s.current)
		s.current = nil
	}
	for gen, l := range s.retired {
		s.release(l)
		delete(s.retired, gen)
	}
}

func pump(ctx context.Context, in <-chan spot.PlayerEvent, out *events.Broadcaster[spot.PlayerEvent]) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			out.Publish(ev)
		}
	}
}
