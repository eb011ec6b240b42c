package mixer

import (
	"math"
	"sync/atomic"

	"github.com/mikey-austin/spotd/internal/ports"
)

// Mapping translates the 0..65535 volume into a gain.
type Mapping string

const (
	MappingLinear Mapping = "linear"
	MappingLog    Mapping = "log"
)

// DefaultDBRange is the attenuation range of the log mapping.
const DefaultDBRange = 60.0

// SoftVolume scales decoded samples in process.
type SoftVolume struct {
	volume  atomic.Uint32
	mapping Mapping
	dbRange float64
}

// NewSoftVolume creates a software mixer at full volume.
func NewSoftVolume(mapping Mapping, dbRange float64) *SoftVolume {
	if mapping == "" {
		mapping = MappingLog
	}
	if dbRange <= 0 {
		dbRange = DefaultDBRange
	}
	s := &SoftVolume{mapping: mapping, dbRange: dbRange}
	s.volume.Store(math.MaxUint16)
	return s
}

func (s *SoftVolume) Volume() uint16 {
	return uint16(s.volume.Load())
}

func (s *SoftVolume) SetVolume(volume uint16) error {
	s.volume.Store(uint32(volume))
	return nil
}

func (s *SoftVolume) AudioFilter() ports.AudioFilter {
	return softFilter{s: s}
}

// Gain returns the sample multiplier for the current volume.
func (s *SoftVolume) Gain() float64 {
	v := s.Volume()
	switch {
	case v == 0:
		return 0
	case v == math.MaxUint16:
		return 1
	}
	x := float64(v) / math.MaxUint16
	if s.mapping == MappingLinear {
		return x
	}
	db := s.dbRange * (x - 1)
	return math.Pow(10, db/20)
}

type softFilter struct {
	s *SoftVolume
}

func (f softFilter) Modify(samples []float64) {
	gain := f.s.Gain()
	if gain == 1 {
		return
	}
	for i := range samples {
		samples[i] *= gain
	}
}
