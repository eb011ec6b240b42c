package mixer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mikey-austin/spotd/internal/ports"
	"go.uber.org/zap"
)

// Mixer kinds selectable by configuration.
const (
	KindSoftVol   = "softvol"
	KindSnapcast  = "snapcast"
	KindGStreamer = "gstreamer"
)

// Config selects and configures a mixer.
type Config struct {
	Kind      string
	Mapping   Mapping
	DBRange   float64
	Snapcast  SnapcastConfig
	GStreamer GStreamerConfig
}

// SnapcastConfig addresses one client on a Snapcast server.
type SnapcastConfig struct {
	URL      string
	ClientID string
	Timeout  time.Duration
}

// GStreamerConfig describes the output pipeline whose volume element is driven.
type GStreamerConfig struct {
	Pipeline string
	Element  string
}

// New builds the configured mixer.
func New(ctx context.Context, log *zap.Logger, cfg Config) (ports.Mixer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Kind {
	case "", KindSoftVol:
		return NewSoftVolume(cfg.Mapping, cfg.DBRange), nil
	case KindSnapcast:
		s, err := NewSnapcast(ctx, log, cfg.Snapcast)
		if err != nil {
			return nil, err
		}
		return s, nil
	case KindGStreamer:
		g, err := NewGStreamer(cfg.GStreamer)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown mixer %q", cfg.Kind)
	}
}

// Factory returns a constructor that builds the mixer on first use and hands
// the same instance to every later session.
func Factory(ctx context.Context, log *zap.Logger, cfg Config) func() (ports.Mixer, error) {
	var (
		mu    sync.Mutex
		mixer ports.Mixer
	)
	return func() (ports.Mixer, error) {
		mu.Lock()
		defer mu.Unlock()
		if mixer != nil {
			return mixer, nil
		}
		m, err := New(ctx, log, cfg)
		if err != nil {
			return nil, err
		}
		mixer = m
		return mixer, nil
	}
}

func percentOf(v uint16) int {
	return (int(v)*100 + 32767) / 65535
}

func fromPercent(p int) uint16 {
	switch {
	case p <= 0:
		return 0
	case p >= 100:
		return 65535
	default:
		return uint16((p*65535 + 50) / 100)
	}
}
