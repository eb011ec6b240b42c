package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mikey-austin/spotd/internal/core"
	"github.com/mikey-austin/spotd/pkg/spot"
	"go.uber.org/zap"
)

// DefaultBaseURL is the public Web API endpoint.
const DefaultBaseURL = "https://api.spotify.com/v1"

var (
	// ErrUnauthorized means the bearer token was rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrDeviceNotFound means the target device is unknown or inactive.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrNoActivePlayback means nothing is currently playing.
	ErrNoActivePlayback = errors.New("no active playback")
)

// APIError is a non-success response from the Web API.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("web api %d: %s", e.Status, e.Message)
}

// Options configures the client.
type Options struct {
	BaseURL      string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *zap.Logger
}

// Client calls the Web API with a replaceable bearer token.
type Client struct {
	http *retryablehttp.Client
	base string

	mu    sync.RWMutex
	token spot.AccessToken
}

// New creates a client authorised by token.
func New(token spot.AccessToken, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = opts.Timeout
	rc.RetryMax = 3
	if opts.RetryMax > 0 {
		rc.RetryMax = opts.RetryMax
	}
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	rc.Logger = leveledLogger{log: opts.Logger.Sugar()}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{http: rc, base: opts.BaseURL, token: token}
}

// SetToken replaces the bearer token in place.
func (c *Client) SetToken(token spot.AccessToken) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() spot.AccessToken {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Devices lists the user's available devices.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var out struct {
		Devices []Device `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/me/player/devices", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// DeviceByName finds a device by its advertised name.
func (c *Client) DeviceByName(ctx context.Context, name string) (Device, error) {
	devices, err := c.Devices(ctx)
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if d.Name == name {
			return d, nil
		}
	}
	return Device{}, core.WrapError(core.KindAPI, "find device "+name, ErrDeviceNotFound)
}

// CurrentPlayback returns the playback state, or ErrNoActivePlayback.
func (c *Client) CurrentPlayback(ctx context.Context) (*Playback, error) {
	var out Playback
	q := url.Values{"additional_types": {"track,episode"}}
	found, err := c.doFound(ctx, http.MethodGet, "/me/player", q, nil, &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, core.WrapError(core.KindAPI, "current playback", ErrNoActivePlayback)
	}
	return &out, nil
}

// Seek moves playback of the device to positionMS.
func (c *Client) Seek(ctx context.Context, deviceID string, positionMS int64) error {
	q := withDevice(url.Values{"position_ms": {strconv.FormatInt(positionMS, 10)}}, deviceID)
	return c.do(ctx, http.MethodPut, "/me/player/seek", q, nil, nil)
}

// Next skips to the next item.
func (c *Client) Next(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPost, "/me/player/next", withDevice(url.Values{}, deviceID), nil, nil)
}

// Previous skips to the previous item.
func (c *Client) Previous(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPost, "/me/player/previous", withDevice(url.Values{}, deviceID), nil, nil)
}

// TransferPlayback moves playback to deviceID.
func (c *Client) TransferPlayback(ctx context.Context, deviceID string, play bool) error {
	body := map[string]any{"device_ids": []string{deviceID}, "play": play}
	return c.do(ctx, http.MethodPut, "/me/player", nil, body, nil)
}

// PlayURIs starts the given items on deviceID.
func (c *Client) PlayURIs(ctx context.Context, deviceID string, uris []string) error {
	body := map[string]any{"uris": uris}
	return c.do(ctx, http.MethodPut, "/me/player/play", withDevice(url.Values{}, deviceID), body, nil)
}

// PlayContext starts an album, playlist, artist or show on deviceID.
func (c *Client) PlayContext(ctx context.Context, deviceID string, contextURI string) error {
	body := map[string]any{"context_uri": contextURI}
	return c.do(ctx, http.MethodPut, "/me/player/play", withDevice(url.Values{}, deviceID), body, nil)
}

// SetVolume sets the volume of deviceID, 0..100.
func (c *Client) SetVolume(ctx context.Context, deviceID string, percent int) error {
	q := withDevice(url.Values{"volume_percent": {strconv.Itoa(percent)}}, deviceID)
	return c.do(ctx, http.MethodPut, "/me/player/volume", q, nil, nil)
}

// SetShuffle toggles shuffle on deviceID.
func (c *Client) SetShuffle(ctx context.Context, deviceID string, state bool) error {
	q := withDevice(url.Values{"state": {strconv.FormatBool(state)}}, deviceID)
	return c.do(ctx, http.MethodPut, "/me/player/shuffle", q, nil, nil)
}

// SetRepeat sets the repeat mode (off, track, context) on deviceID.
func (c *Client) SetRepeat(ctx context.Context, deviceID string, state string) error {
	q := withDevice(url.Values{"state": {state}}, deviceID)
	return c.do(ctx, http.MethodPut, "/me/player/repeat", q, nil, nil)
}

func withDevice(q url.Values, deviceID string) url.Values {
	if deviceID != "" {
		q.Set("device_id", deviceID)
	}
	return q
}

func (c *Client) do(ctx context.Context, method string, path string, q url.Values, body any, out any) error {
	_, err := c.doFound(ctx, method, path, q, body, out)
	return err
}

// doFound performs a request; a 204 response reports found=false.
func (c *Client) doFound(ctx context.Context, method string, path string, q url.Values, body any, out any) (bool, error) {
	op := method + " " + path
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("marshal %s: %w", op, err)
		}
	}

	var reqBody any
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return false, fmt.Errorf("build %s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token().Token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, core.WrapError(core.KindAPI, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, core.WrapError(core.KindAPI, op, err)
	}
	if resp.StatusCode >= 300 {
		return false, core.WrapError(core.KindAPI, op, statusError(resp.StatusCode, data))
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, core.WrapError(core.KindAPI, op, fmt.Errorf("decode response: %w", err))
	}
	return true, nil
}

func statusError(status int, data []byte) error {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != nil && envelope.Error.Message != "" {
		apiErr.Message = envelope.Error.Message
	}
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrUnauthorized, apiErr)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrDeviceNotFound, apiErr)
	default:
		return apiErr
	}
}

type leveledLogger struct {
	log *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warnw(msg, kv...) }
