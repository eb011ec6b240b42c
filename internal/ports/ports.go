package ports

import (
	"context"
	"time"

	"github.com/mikey-austin/spotd/pkg/spot"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// DiscoveryStream yields credential sets for the lifetime of the daemon.
type DiscoveryStream interface {
	Credentials() <-chan spot.Credentials
	Close() error
}

// SessionConfig is passed through to the session protocol.
type SessionConfig struct {
	DeviceID   string
	DeviceName string
	DeviceType string
	Proxy      string
	APPort     int
}

// Token is the raw grant returned by a session token request.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
	Scopes      []string
}

// Session is an authenticated connection to the remote service.
type Session interface {
	Username() string
	RequestToken(ctx context.Context, clientID string, scopes []string) (Token, error)
	Close()
}

// Connector establishes sessions.
type Connector interface {
	Connect(ctx context.Context, cfg SessionConfig, creds spot.Credentials, cache CredentialCache) (Session, error)
}

// AudioFilter scales decoded samples in place; software mixers provide one.
type AudioFilter interface {
	Modify(samples []float64)
}

// Mixer controls output volume on a 0..65535 scale.
type Mixer interface {
	Volume() uint16
	SetVolume(volume uint16) error
	AudioFilter() AudioFilter
}

// PlayerConfig is passed through to the playback engine.
type PlayerConfig struct {
	Bitrate       int
	Normalisation bool
	Gapless       bool
	AudioBackend  string
	AudioDevice   string
}

// Player is the playback engine bound to one session.
type Player interface {
	Stop()
}

// PlayerFactory builds playback engines. The returned event channel is
// closed when the player stops producing events.
type PlayerFactory interface {
	NewPlayer(cfg PlayerConfig, session Session, filter AudioFilter) (Player, <-chan spot.PlayerEvent, error)
}

// ControlConfig describes how the device advertises itself.
type ControlConfig struct {
	DeviceName    string
	DeviceType    string
	InitialVolume uint16
	VolumeSteps   int
	HasVolumeCtrl bool
}

// RemoteControl is the daemon's presence in the remote-control fabric.
// Commands are fire-and-forget.
type RemoteControl interface {
	Shutdown()
	Play()
	Pause()
	PlayPause()
	Next()
	Prev()
	VolumeUp()
	VolumeDown()
	Volume() uint16
}

// Task runs until the remote-control protocol session ends. A nil error means
// the handle shut down gracefully.
type Task func() error

// RemoteControlFactory builds a handle and the task that drives it.
type RemoteControlFactory interface {
	NewRemoteControl(cfg ControlConfig, session Session, player Player, mixer Mixer) (RemoteControl, Task, error)
}

// Backend bundles the protocol collaborators a daemon needs.
type Backend interface {
	Connector
	PlayerFactory
	RemoteControlFactory
}

// CredentialCache persists reusable credentials and the last volume.
type CredentialCache interface {
	Credentials() (spot.Credentials, bool, error)
	SaveCredentials(creds spot.Credentials) error
	Volume() (uint16, bool)
	SaveVolume(volume uint16) error
}
