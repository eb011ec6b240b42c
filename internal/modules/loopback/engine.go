package loopback

import (
	"sync"
	"time"

	"github.com/mikey-austin/spotd/internal/ports"
	"github.com/mikey-austin/spotd/pkg/spot"
	"go.uber.org/zap"
)

type status int

const (
	stopped status = iota
	playing
	paused
)

// Player is an in-process playback engine. It never decodes audio; it walks
// its queue and reports transitions as player events.
type Player struct {
	log      *zap.Logger
	queue    *Queue
	duration time.Duration
	now      func() time.Time

	mu       sync.Mutex
	events   chan spot.PlayerEvent
	closed   bool
	status   status
	track    string
	offset   time.Duration
	resumeAt time.Time
}

// NewPlayer creates a stopped player and the channel it reports on.
func NewPlayer(log *zap.Logger, queue *Queue, duration time.Duration) (*Player, <-chan spot.PlayerEvent) {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Player{
		log:      log,
		queue:    queue,
		duration: duration,
		now:      time.Now,
		events:   make(chan spot.PlayerEvent, 64),
	}
	return p, p.events
}

// Stop ends playback and closes the event channel.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.status != stopped {
		p.status = stopped
		p.emitLocked(spot.PlayerEvent{Kind: spot.EventStopped, TrackID: p.track})
	}
	p.closed = true
	close(p.events)
}

// Play resumes a paused track or starts the current queue entry.
func (p *Player) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.status {
	case playing:
		return
	case paused:
		p.status = playing
		p.resumeAt = p.now()
		p.emitLocked(spot.PlayerEvent{Kind: spot.EventPlaying, TrackID: p.track, PositionMS: p.positionLocked(), DurationMS: p.duration.Milliseconds()})
		return
	}
	track, err := p.queue.Current()
	if err != nil {
		p.log.Debug("nothing to play", zap.Error(err))
		return
	}
	p.startLocked(track, "")
}

// Pause holds the current position.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != playing {
		return
	}
	p.offset += p.now().Sub(p.resumeAt)
	p.status = paused
	p.emitLocked(spot.PlayerEvent{Kind: spot.EventPaused, TrackID: p.track, PositionMS: p.positionLocked(), DurationMS: p.duration.Milliseconds()})
}

// PlayPause toggles between playing and paused.
func (p *Player) PlayPause() {
	p.mu.Lock()
	current := p.status
	p.mu.Unlock()
	if current == playing {
		p.Pause()
		return
	}
	p.Play()
}

// Skip moves forward, stopping at the end of a non-repeating queue.
func (p *Player) Skip() {
	track, ok := p.queue.Next()
	p.mu.Lock()
	defer p.mu.Unlock()
	if !ok {
		if p.status != stopped {
			p.status = stopped
			p.emitLocked(spot.PlayerEvent{Kind: spot.EventStopped, TrackID: p.track})
		}
		return
	}
	p.startLocked(track, p.track)
}

// Back restarts from the previous entry.
func (p *Player) Back() {
	track, ok := p.queue.Prev()
	if !ok {
		track, _ = p.queue.Current()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if track == "" {
		return
	}
	p.startLocked(track, p.track)
}

// VolumeSet reports a volume change.
func (p *Player) VolumeSet(volume uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitLocked(spot.PlayerEvent{Kind: spot.EventVolumeSet, Volume: volume})
}

func (p *Player) startLocked(track string, previous string) {
	wasStopped := p.status == stopped
	p.status = playing
	p.track = track
	p.offset = 0
	p.resumeAt = p.now()
	if previous != "" && previous != track && !wasStopped {
		p.emitLocked(spot.PlayerEvent{Kind: spot.EventChanged, TrackID: track, OldTrackID: previous})
	}
	ev := spot.Started(track, 0)
	ev.DurationMS = p.duration.Milliseconds()
	p.emitLocked(ev)
	p.emitLocked(spot.PlayerEvent{Kind: spot.EventPlaying, TrackID: track, PositionMS: p.positionLocked(), DurationMS: ev.DurationMS})
}

func (p *Player) positionLocked() *int64 {
	pos := p.offset
	if p.status == playing {
		pos += p.now().Sub(p.resumeAt)
	}
	if p.duration > 0 && pos > p.duration {
		pos = p.duration
	}
	ms := pos.Milliseconds()
	return &ms
}

func (p *Player) emitLocked(ev spot.PlayerEvent) {
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.log.Warn("player event dropped", zap.String("kind", string(ev.Kind)))
	}
}

// Handle is the loopback remote-control presence. Commands apply to the
// player directly; the task ends when Shutdown is called.
type Handle struct {
	player *Player
	mixer  ports.Mixer
	step   uint16

	once sync.Once
	done chan struct{}
}

// NewHandle binds a handle to a player and mixer and applies the initial
// volume.
func NewHandle(cfg ports.ControlConfig, player *Player, mixer ports.Mixer) (*Handle, ports.Task) {
	steps := cfg.VolumeSteps
	if steps <= 0 {
		steps = 64
	}
	h := &Handle{
		player: player,
		mixer:  mixer,
		step:   uint16(65535 / steps),
		done:   make(chan struct{}),
	}
	if mixer != nil && mixer.Volume() != cfg.InitialVolume {
		_ = mixer.SetVolume(cfg.InitialVolume)
	}
	return h, func() error {
		<-h.done
		return nil
	}
}

func (h *Handle) Shutdown() {
	h.once.Do(func() { close(h.done) })
}

func (h *Handle) Play()      { h.player.Play() }
func (h *Handle) Pause()     { h.player.Pause() }
func (h *Handle) PlayPause() { h.player.PlayPause() }
func (h *Handle) Next()      { h.player.Skip() }
func (h *Handle) Prev()      { h.player.Back() }

func (h *Handle) VolumeUp() {
	v := h.Volume()
	if v > 65535-h.step {
		h.setVolume(65535)
		return
	}
	h.setVolume(v + h.step)
}

func (h *Handle) VolumeDown() {
	v := h.Volume()
	if v < h.step {
		h.setVolume(0)
		return
	}
	h.setVolume(v - h.step)
}

func (h *Handle) Volume() uint16 {
	if h.mixer == nil {
		return 0
	}
	return h.mixer.Volume()
}

func (h *Handle) setVolume(v uint16) {
	if h.mixer == nil {
		return
	}
	if err := h.mixer.SetVolume(v); err != nil {
		h.player.log.Warn("set volume failed", zap.Error(err))
		return
	}
	h.player.VolumeSet(v)
}
