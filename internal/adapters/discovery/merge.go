package discovery

import (
	"errors"
	"sync"

	"github.com/mikey-austin/spotd/internal/ports"
	"github.com/mikey-austin/spotd/pkg/spot"
)

// Merged interleaves several sources. It ends once every source has ended.
type Merged struct {
	sources []ports.DiscoveryStream
	ch      chan spot.Credentials
}

// Merge combines sources into one stream.
func Merge(sources ...ports.DiscoveryStream) *Merged {
	m := &Merged{sources: sources, ch: make(chan spot.Credentials)}
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(in <-chan spot.Credentials) {
			defer wg.Done()
			for creds := range in {
				m.ch <- creds
			}
		}(src.Credentials())
	}
	go func() {
		wg.Wait()
		close(m.ch)
	}()
	return m
}

func (m *Merged) Credentials() <-chan spot.Credentials {
	return m.ch
}

// Close closes every source.
func (m *Merged) Close() error {
	var errs []error
	for _, src := range m.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
