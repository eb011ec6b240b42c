//go:build gstreamer

package mixer

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/go-gst/go-gst/gst"
	"github.com/mikey-austin/spotd/internal/ports"
)

var gstInitOnce sync.Once

// GStreamer drives the volume property of a named element in an output
// pipeline, e.g. "pulsesrc ! volume name=volume ! autoaudiosink".
type GStreamer struct {
	mu       sync.Mutex
	pipeline *gst.Pipeline
	element  *gst.Element
	volume   uint16
}

// NewGStreamer launches the pipeline and looks up the volume element.
func NewGStreamer(cfg GStreamerConfig) (*GStreamer, error) {
	if strings.TrimSpace(cfg.Pipeline) == "" {
		return nil, errors.New("gstreamer mixer requires a pipeline")
	}
	if cfg.Element == "" {
		cfg.Element = "volume"
	}
	gstInitOnce.Do(func() {
		gst.Init(nil)
	})

	pipeline, err := gst.NewPipelineFromString(cfg.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	element, err := pipeline.GetElementByName(cfg.Element)
	if err != nil {
		return nil, fmt.Errorf("volume element %q: %w", cfg.Element, err)
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}
	return &GStreamer{pipeline: pipeline, element: element, volume: math.MaxUint16}, nil
}

func (g *GStreamer) Volume() uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.volume
}

func (g *GStreamer) SetVolume(volume uint16) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.element.SetProperty("volume", float64(volume)/math.MaxUint16); err != nil {
		return err
	}
	g.volume = volume
	return nil
}

func (g *GStreamer) AudioFilter() ports.AudioFilter {
	return nil
}

// Close stops the pipeline.
func (g *GStreamer) Close() error {
	return g.pipeline.SetState(gst.StateNull)
}
