package spot

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ItemKind is the type segment of a catalogue URI.
type ItemKind string

const (
	KindTrack    ItemKind = "track"
	KindEpisode  ItemKind = "episode"
	KindAlbum    ItemKind = "album"
	KindPlaylist ItemKind = "playlist"
	KindArtist   ItemKind = "artist"
	KindShow     ItemKind = "show"
)

// ErrInvalidURI is returned for URIs that do not name a catalogue item.
var ErrInvalidURI = errors.New("invalid uri")

const base62 = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// URI identifies a catalogue item.
type URI struct {
	Kind ItemKind
	ID   string
}

// String renders the canonical spotify:<kind>:<id> form.
func (u URI) String() string {
	return fmt.Sprintf("spotify:%s:%s", u.Kind, u.ID)
}

// Playable reports whether the item is played directly rather than as a context.
func (u URI) Playable() bool {
	return u.Kind == KindTrack || u.Kind == KindEpisode
}

// ParseURI accepts spotify:<kind>:<id>, the legacy
// spotify:user:<name>:playlist:<id> form and open.spotify.com links.
func ParseURI(raw string) (URI, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "spotify:") {
		parts := strings.Split(raw, ":")
		switch {
		case len(parts) == 3:
			return newURI(parts[1], parts[2])
		case len(parts) == 5 && parts[1] == "user":
			return newURI(parts[3], parts[4])
		}
		return URI{}, fmt.Errorf("%w: %q", ErrInvalidURI, raw)
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host != "open.spotify.com" {
		return URI{}, fmt.Errorf("%w: %q", ErrInvalidURI, raw)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) >= 2 && strings.HasPrefix(segments[0], "intl-") {
		segments = segments[1:]
	}
	if len(segments) != 2 {
		return URI{}, fmt.Errorf("%w: %q", ErrInvalidURI, raw)
	}
	return newURI(segments[0], segments[1])
}

func newURI(kind string, id string) (URI, error) {
	k := ItemKind(kind)
	switch k {
	case KindTrack, KindEpisode, KindAlbum, KindPlaylist, KindArtist, KindShow:
	default:
		return URI{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidURI, kind)
	}
	if !ValidID(id) {
		return URI{}, fmt.Errorf("%w: bad id %q", ErrInvalidURI, id)
	}
	return URI{Kind: k, ID: id}, nil
}

// ValidID reports whether id is a 22 character base62 identifier.
func ValidID(id string) bool {
	if len(id) != 22 {
		return false
	}
	for _, r := range id {
		if !strings.ContainsRune(base62, r) {
			return false
		}
	}
	return true
}
