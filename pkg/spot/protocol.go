package spot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// BaseTopic is the default MQTT topic prefix for published state.
const BaseTopic = "spotd/v1"

// Credentials is one credential set delivered by a discovery source.
type Credentials struct {
	Username string `json:"username"`
	AuthType string `json:"authType"`
	AuthData []byte `json:"authData"`
}

// Valid reports whether the credential set can be used for a connect attempt.
func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.Username) != "" && len(c.AuthData) > 0
}

// EventKind names a playback transition.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventChanged   EventKind = "changed"
	EventPlaying   EventKind = "playing"
	EventPaused    EventKind = "paused"
	EventStopped   EventKind = "stopped"
	EventVolumeSet EventKind = "volume_set"
)

// PlayerEvent is emitted by the playback engine on each transition.
type PlayerEvent struct {
	Kind       EventKind `json:"kind"`
	TrackID    string    `json:"trackId,omitempty"`
	OldTrackID string    `json:"oldTrackId,omitempty"`
	PositionMS *int64    `json:"positionMs,omitempty"`
	DurationMS int64     `json:"durationMs,omitempty"`
	Volume     uint16    `json:"volume,omitempty"`
}

// Position returns the reported position, if any.
func (e PlayerEvent) Position() (int64, bool) {
	if e.PositionMS == nil {
		return 0, false
	}
	return *e.PositionMS, true
}

// Started builds a start event with a position.
func Started(trackID string, positionMS int64) PlayerEvent {
	return PlayerEvent{Kind: EventStarted, TrackID: trackID, PositionMS: &positionMS}
}

// AccessToken is a bearer credential for the Web API.
type AccessToken struct {
	Token     string    `json:"accessToken"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewAccessToken builds a token expiring expiresIn after now.
func NewAccessToken(token string, scopes []string, expiresIn time.Duration, now time.Time) AccessToken {
	return AccessToken{Token: token, Scopes: scopes, ExpiresAt: now.Add(expiresIn)}
}

// Expired reports whether the token is unusable at now, treating the last
// margin before expiry as expired.
func (t AccessToken) Expired(now time.Time, margin time.Duration) bool {
	if t.Token == "" {
		return true
	}
	return !now.Add(margin).Before(t.ExpiresAt)
}

// PlaybackState is the retained state published for home automation.
type PlaybackState struct {
	Device     string `json:"device"`
	Status     string `json:"status"`
	TrackID    string `json:"trackId,omitempty"`
	PositionMS int64  `json:"positionMs"`
	DurationMS int64  `json:"durationMs,omitempty"`
	Volume     uint16 `json:"volume"`
	TS         int64  `json:"ts"`
}

// EventMessage wraps a player event for the events topic.
type EventMessage struct {
	Device string      `json:"device"`
	Event  PlayerEvent `json:"event"`
	TS     int64       `json:"ts"`
}

// DecodeCredentials parses a credential payload from a discovery topic.
func DecodeCredentials(payload []byte) (Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(payload, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	if !creds.Valid() {
		return Credentials{}, errors.New("username and authData are required")
	}
	if creds.AuthType == "" {
		creds.AuthType = "stored"
	}
	return creds, nil
}

// TopicState builds the retained state topic for a device.
func TopicState(topicBase, device string) string {
	return fmt.Sprintf("%s/device/%s/state", topicBase, device)
}

// TopicEvents builds the events topic for a device.
func TopicEvents(topicBase, device string) string {
	return fmt.Sprintf("%s/device/%s/evt", topicBase, device)
}

// TopicAvailability builds the retained online/offline topic for a device.
func TopicAvailability(topicBase, device string) string {
	return fmt.Sprintf("%s/device/%s/availability", topicBase, device)
}

// Availability payloads.
const (
	Online  = "online"
	Offline = "offline"
)

// TopicCredentials builds the topic a discovery relay publishes credentials on.
func TopicCredentials(topicBase, device string) string {
	return fmt.Sprintf("%s/device/%s/credentials", topicBase, device)
}
