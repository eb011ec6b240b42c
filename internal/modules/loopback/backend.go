// Package loopback is a self-contained protocol backend. Sessions are local,
// the player walks a configured track queue without producing audio and the
// remote-control handle applies commands directly. It lets the daemon, its
// control surface and hooks run end to end without a network service.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mikey-austin/spotd/internal/adapters/backend"
	"github.com/mikey-austin/spotd/internal/adapters/idgen"
	"github.com/mikey-austin/spotd/internal/ports"
	"github.com/mikey-austin/spotd/pkg/spot"
	"go.uber.org/zap"
)

// Name is the registry name of this backend.
const Name = "loopback"

const (
	defaultDuration = 3 * time.Minute
	defaultTokenTTL = time.Hour
)

func init() {
	backend.Register(Name, func(opts backend.Options) (ports.Backend, error) {
		cfg, err := ParseParams(opts.Params)
		if err != nil {
			return nil, err
		}
		return New(opts.Logger, cfg), nil
	})
}

// Config controls the loopback backend.
type Config struct {
	Tracks   []string
	Repeat   bool
	Autoplay bool
	Duration time.Duration
	TokenTTL time.Duration
}

// ParseParams reads backend parameters: tracks (comma separated URIs,
// queued by id), repeat, autoplay, duration and token_ttl.
func ParseParams(params map[string]string) (Config, error) {
	cfg := Config{Duration: defaultDuration, TokenTTL: defaultTokenTTL}
	if raw := strings.TrimSpace(params["tracks"]); raw != "" {
		for _, item := range strings.Split(raw, ",") {
			uri, err := spot.ParseURI(item)
			if err != nil {
				return Config{}, err
			}
			if !uri.Playable() {
				return Config{}, fmt.Errorf("%s is not a track or episode", uri)
			}
			cfg.Tracks = append(cfg.Tracks, uri.ID)
		}
	}
	if raw := params["repeat"]; raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("repeat: %w", err)
		}
		cfg.Repeat = v
	}
	if raw := params["autoplay"]; raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("autoplay: %w", err)
		}
		cfg.Autoplay = v
	}
	if raw := params["duration"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid duration %q", raw)
		}
		cfg.Duration = d
	}
	if raw := params["token_ttl"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid token_ttl %q", raw)
		}
		cfg.TokenTTL = d
	}
	return cfg, nil
}

// Backend implements ports.Backend.
type Backend struct {
	log   *zap.Logger
	cfg   Config
	idgen idgen.Generator
}

// New creates a loopback backend.
func New(log *zap.Logger, cfg Config) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Duration <= 0 {
		cfg.Duration = defaultDuration
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	return &Backend{log: log.With(zap.String("backend", Name)), cfg: cfg}
}

type session struct {
	username string
	ttl      time.Duration
	ids      idgen.Generator

	closed chan struct{}
}

func (s *session) Username() string {
	return s.username
}

func (s *session) RequestToken(ctx context.Context, clientID string, scopes []string) (ports.Token, error) {
	select {
	case <-s.closed:
		return ports.Token{}, errors.New("session closed")
	case <-ctx.Done():
		return ports.Token{}, ctx.Err()
	default:
	}
	return ports.Token{
		AccessToken: "loopback-" + s.ids.NewID(),
		ExpiresIn:   s.ttl,
		Scopes:      append([]string(nil), scopes...),
	}, nil
}

func (s *session) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

// Connect accepts any valid credential set.
func (b *Backend) Connect(ctx context.Context, cfg ports.SessionConfig, creds spot.Credentials, cache ports.CredentialCache) (ports.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !creds.Valid() {
		return nil, errors.New("invalid credentials")
	}
	b.log.Info("session opened", zap.String("username", creds.Username), zap.String("device", cfg.DeviceName))
	return &session{username: creds.Username, ttl: b.cfg.TokenTTL, ids: b.idgen, closed: make(chan struct{})}, nil
}

func (b *Backend) NewPlayer(cfg ports.PlayerConfig, session ports.Session, filter ports.AudioFilter) (ports.Player, <-chan spot.PlayerEvent, error) {
	player, events := NewPlayer(b.log, NewQueue(b.cfg.Tracks, b.cfg.Repeat), b.cfg.Duration)
	return player, events, nil
}

func (b *Backend) NewRemoteControl(cfg ports.ControlConfig, session ports.Session, player ports.Player, mixer ports.Mixer) (ports.RemoteControl, ports.Task, error) {
	p, ok := player.(*Player)
	if !ok {
		return nil, nil, fmt.Errorf("loopback handle requires a loopback player, got %T", player)
	}
	h, task := NewHandle(cfg, p, mixer)
	if b.cfg.Autoplay {
		h.Play()
	}
	return h, task, nil
}
