package mixer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/mikey-austin/spotd/internal/ports"
	"go.uber.org/zap"
)

type snapVolume struct {
	Percent int  `json:"percent"`
	Muted   bool `json:"muted"`
}

type snapClient struct {
	ID     string `json:"id"`
	Config struct {
		Name   string     `json:"name"`
		Volume snapVolume `json:"volume"`
	} `json:"config"`
	Host struct {
		Name string `json:"name"`
		MAC  string `json:"mac"`
	} `json:"host"`
}

type snapStatus struct {
	Server struct {
		Groups []struct {
			Clients []snapClient `json:"clients"`
		} `json:"groups"`
	} `json:"server"`
}

// Snapcast drives the volume of one Snapcast client. The daemon's own output
// is left untouched.
type Snapcast struct {
	log      *zap.Logger
	rpc      *rpcClient
	clientID atomic.Pointer[string]
	timeout  time.Duration
	volume   atomic.Uint32
}

// NewSnapcast connects to the server and resolves the client by id, name or
// host name. An empty ClientID selects the client named after this host.
func NewSnapcast(ctx context.Context, log *zap.Logger, cfg SnapcastConfig) (*Snapcast, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("snapcast mixer requires a server url")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ClientID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("snapcast client: %w", err)
		}
		cfg.ClientID = host
	}

	s := &Snapcast{log: log, timeout: cfg.Timeout}
	rpc, err := dialRPC(ctx, log, cfg.URL, s.onNotification)
	if err != nil {
		return nil, err
	}
	s.rpc = rpc

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	raw, err := rpc.call(callCtx, "Server.GetStatus", nil)
	if err != nil {
		_ = rpc.close()
		return nil, fmt.Errorf("snapcast status: %w", err)
	}
	var status snapStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		_ = rpc.close()
		return nil, fmt.Errorf("decode snapcast status: %w", err)
	}

	for _, g := range status.Server.Groups {
		for _, c := range g.Clients {
			if c.ID == cfg.ClientID || c.Config.Name == cfg.ClientID || c.Host.Name == cfg.ClientID {
				id := c.ID
				s.clientID.Store(&id)
				s.volume.Store(uint32(fromPercent(c.Config.Volume.Percent)))
				log.Info("snapcast mixer bound", zap.String("client", c.ID), zap.Int("percent", c.Config.Volume.Percent))
				return s, nil
			}
		}
	}
	_ = rpc.close()
	return nil, fmt.Errorf("snapcast client %q not found", cfg.ClientID)
}

func (s *Snapcast) client() string {
	if id := s.clientID.Load(); id != nil {
		return *id
	}
	return ""
}

func (s *Snapcast) Volume() uint16 {
	return uint16(s.volume.Load())
}

func (s *Snapcast) SetVolume(volume uint16) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	params := map[string]any{
		"id":     s.client(),
		"volume": snapVolume{Percent: percentOf(volume)},
	}
	if _, err := s.rpc.call(ctx, "Client.SetVolume", params); err != nil {
		return fmt.Errorf("snapcast set volume: %w", err)
	}
	s.volume.Store(uint32(volume))
	return nil
}

// AudioFilter is nil; the Snapcast client applies the volume.
func (s *Snapcast) AudioFilter() ports.AudioFilter {
	return nil
}

// Close disconnects from the server.
func (s *Snapcast) Close() error {
	return s.rpc.close()
}

func (s *Snapcast) onNotification(method string, params json.RawMessage) {
	if method != "Client.OnVolumeChanged" {
		return
	}
	var change struct {
		ID     string     `json:"id"`
		Volume snapVolume `json:"volume"`
	}
	if err := json.Unmarshal(params, &change); err != nil || change.ID != s.client() {
		return
	}
	s.volume.Store(uint32(fromPercent(change.Volume.Percent)))
	s.log.Debug("snapcast volume changed", zap.Int("percent", change.Volume.Percent))
}
