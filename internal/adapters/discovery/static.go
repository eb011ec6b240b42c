package discovery

import (
	"github.com/mikey-austin/spotd/internal/ports"
	"github.com/mikey-austin/spotd/pkg/spot"
)

// Static emits a fixed list of credential sets once, then ends.
type Static struct {
	ch chan spot.Credentials
}

// NewStatic creates a source for creds. Invalid sets are skipped.
func NewStatic(creds ...spot.Credentials) *Static {
	ch := make(chan spot.Credentials, len(creds))
	for _, c := range creds {
		if c.Valid() {
			ch <- c
		}
	}
	close(ch)
	return &Static{ch: ch}
}

// FromCache emits the cached credential set, if any.
func FromCache(cache ports.CredentialCache) (*Static, error) {
	creds, ok, err := cache.Credentials()
	if err != nil {
		return nil, err
	}
	if !ok {
		return NewStatic(), nil
	}
	return NewStatic(creds), nil
}

func (s *Static) Credentials() <-chan spot.Credentials {
	return s.ch
}

func (s *Static) Close() error {
	return nil
}
