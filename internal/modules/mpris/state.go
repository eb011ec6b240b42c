package mpris

import "github.com/mikey-austin/spotd/pkg/spot"

// MPRIS playback status values.
const (
	StatusPlaying = "Playing"
	StatusPaused  = "Paused"
	StatusStopped = "Stopped"
)

// SurfaceState is the last observed playback triple. Only the event loop
// mutates it.
type SurfaceState struct {
	TrackID string
	Status  string
	Volume  uint16
}

// Changes flags which observable properties differ between two states.
type Changes struct {
	Status bool
	Track  bool
	Volume bool
}

// Any reports whether anything changed.
func (c Changes) Any() bool {
	return c.Status || c.Track || c.Volume
}

// Observe folds an event into prev and returns the new state together with
// what changed.
func Observe(prev SurfaceState, ev spot.PlayerEvent) (SurfaceState, Changes) {
	next := prev
	switch ev.Kind {
	case spot.EventStarted, spot.EventPlaying:
		next.Status = StatusPlaying
		if ev.TrackID != "" {
			next.TrackID = ev.TrackID
		}
	case spot.EventPaused:
		next.Status = StatusPaused
		if ev.TrackID != "" {
			next.TrackID = ev.TrackID
		}
	case spot.EventStopped:
		next.Status = StatusStopped
	case spot.EventChanged:
		next.TrackID = ev.TrackID
	case spot.EventVolumeSet:
		next.Volume = ev.Volume
	}
	return next, Diff(prev, next)
}

// Diff compares two observations.
func Diff(prev, next SurfaceState) Changes {
	return Changes{
		Status: prev.Status != next.Status,
		Track:  prev.TrackID != next.TrackID,
		Volume: prev.Volume != next.Volume,
	}
}

// volumeFraction maps the mixer scale onto MPRIS's 0..1.
func volumeFraction(v uint16) float64 {
	return float64(v) / 65535
}

// volumePercent maps an MPRIS volume onto the Web API's 0..100 scale.
func volumePercent(v float64) int {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 100
	default:
		return int(v*100 + 0.5)
	}
}
