//go:build !gstreamer

package mixer

import (
	"errors"

	"github.com/mikey-austin/spotd/internal/ports"
)

var errNoGStreamer = errors.New("gstreamer build tag not enabled")

// GStreamer is a stub when the gstreamer tag is not enabled.
type GStreamer struct{}

// NewGStreamer returns an error when the gstreamer build tag is missing.
func NewGStreamer(cfg GStreamerConfig) (*GStreamer, error) {
	return nil, errNoGStreamer
}

func (g *GStreamer) Volume() uint16 { return 0 }
func (g *GStreamer) SetVolume(volume uint16) error { return errNoGStreamer }
func (g *GStreamer) AudioFilter() ports.AudioFilter { return nil }
func (g *GStreamer) Close() error { return nil }
