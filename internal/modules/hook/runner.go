package hook

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mikey-austin/spotd/internal/core"
	"github.com/mikey-austin/spotd/pkg/spot"
	"go.uber.org/zap"
)

// Hook event vocabulary exposed as PLAYER_EVENT.
const (
	EventChange = "change"
	EventStart  = "start"
	EventStop   = "stop"
)

const (
	defaultShell   = "/bin/sh"
	maxStderrBytes = 4096
)

// Config configures the hook runner.
type Config struct {
	Command string
	Shell   string
}

// Result describes a finished hook process.
type Result struct {
	Event    string
	PID      int
	ExitCode int
	Err      error
	Stderr   string
	Duration time.Duration
}

// Success reports whether the hook exited cleanly.
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

type process struct {
	event string
	pid   int
	done  chan Result
}

// Runner runs the configured hook with at most one live process. It is owned
// by a single goroutine; the owner selects on Exited and calls Reap.
type Runner struct {
	log     *zap.Logger
	config  Config
	running *process
}

// NewRunner creates a hook runner. An empty command disables it.
func NewRunner(log *zap.Logger, cfg Config) *Runner {
	if strings.TrimSpace(cfg.Shell) == "" {
		cfg.Shell = defaultShell
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{log: log, config: cfg}
}

// Enabled reports whether a hook command is configured.
func (r *Runner) Enabled() bool {
	return strings.TrimSpace(r.config.Command) != ""
}

// Busy reports whether a hook process occupies the slot.
func (r *Runner) Busy() bool {
	return r.running != nil
}

// Exited delivers the running hook's result. It returns nil while idle so a
// select case on it never fires.
func (r *Runner) Exited() <-chan Result {
	if r.running == nil {
		return nil
	}
	return r.running.done
}

// Trigger spawns the hook for ev when a command is configured, the slot is
// free and the event kind is hooked. Events arriving while a hook runs are
// dropped, not queued.
func (r *Runner) Trigger(ev spot.PlayerEvent) bool {
	if !r.Enabled() {
		return false
	}
	kind, env, ok := Environment(ev)
	if !ok {
		return false
	}
	if r.running != nil {
		r.log.Debug("hook busy, dropping event", zap.String("event", kind), zap.Int("pid", r.running.pid))
		return false
	}

	proc, err := r.spawn(kind, env)
	if err != nil {
		r.log.Error("hook spawn failed",
			zap.String("command", r.config.Command),
			zap.String("event", kind),
			zap.Error(core.WrapError(core.KindSubprocess, "spawn hook", err)),
		)
		return false
	}
	r.running = proc
	r.log.Debug("hook started", zap.String("event", kind), zap.Int("pid", proc.pid))
	return true
}

// Reap frees the slot after the hook exits and logs the outcome.
func (r *Runner) Reap(res Result) {
	r.running = nil
	if res.Success() {
		r.log.Info("hook finished",
			zap.String("event", res.Event),
			zap.Int("pid", res.PID),
			zap.Duration("duration", res.Duration),
		)
		return
	}
	r.log.Warn("hook failed",
		zap.String("command", r.config.Command),
		zap.String("event", res.Event),
		zap.Int("pid", res.PID),
		zap.Int("exit_code", res.ExitCode),
		zap.String("stderr", res.Stderr),
		zap.Error(res.Err),
	)
}

func (r *Runner) spawn(kind string, env []string) (*process, error) {
	cmd := exec.Command(r.config.Shell, "-c", r.config.Command)
	cmd.Env = append(os.Environ(), env...)
	stderr := &limitedBuffer{max: maxStderrBytes}
	cmd.Stderr = stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	proc := &process{event: kind, pid: cmd.Process.Pid, done: make(chan Result, 1)}
	go func() {
		err := cmd.Wait()
		res := Result{
			Event:    kind,
			PID:      proc.pid,
			Stderr:   strings.TrimSpace(stderr.String()),
			Duration: time.Since(started),
		}
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		default:
			res.ExitCode = -1
			res.Err = err
		}
		proc.done <- res
	}()
	return proc, nil
}

// Environment maps an event to the hook vocabulary and its variables.
// TRACK_ID is always set; OLD_TRACK_ID only for change.
func Environment(ev spot.PlayerEvent) (string, []string, bool) {
	switch ev.Kind {
	case spot.EventChanged:
		return EventChange, []string{
			"PLAYER_EVENT=" + EventChange,
			"TRACK_ID=" + ev.TrackID,
			"OLD_TRACK_ID=" + ev.OldTrackID,
		}, true
	case spot.EventStarted:
		return EventStart, []string{
			"PLAYER_EVENT=" + EventStart,
			"TRACK_ID=" + ev.TrackID,
		}, true
	case spot.EventStopped:
		return EventStop, []string{
			"PLAYER_EVENT=" + EventStop,
			"TRACK_ID=" + ev.TrackID,
		}, true
	default:
		return "", nil, false
	}
}

type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
