package webapi

import "strings"

// Device is a playback device known to the Web API.
type Device struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	IsActive      bool   `json:"is_active"`
	VolumePercent *int   `json:"volume_percent"`
}

// Image is a cover art variant.
type Image struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Artist is a track artist.
type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Album is the album a track belongs to.
type Album struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Artists []Artist `json:"artists"`
	Images  []Image  `json:"images"`
}

// Show is the podcast an episode belongs to.
type Show struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Publisher string  `json:"publisher"`
	Images    []Image `json:"images"`
}

// Item is the currently playing track or episode.
type Item struct {
	ID          string   `json:"id"`
	URI         string   `json:"uri"`
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	DurationMS  int64    `json:"duration_ms"`
	TrackNumber int      `json:"track_number"`
	DiscNumber  int      `json:"disc_number"`
	Popularity  int      `json:"popularity"`
	Artists     []Artist `json:"artists"`
	Album       *Album   `json:"album,omitempty"`
	Show        *Show    `json:"show,omitempty"`
	Images      []Image  `json:"images,omitempty"`
}

// ArtistNames returns the names of the item's artists.
func (i Item) ArtistNames() []string {
	names := make([]string, 0, len(i.Artists))
	for _, a := range i.Artists {
		names = append(names, a.Name)
	}
	if len(names) == 0 && i.Show != nil && i.Show.Publisher != "" {
		names = append(names, i.Show.Publisher)
	}
	return names
}

// ArtURL returns the largest cover image, if any.
func (i Item) ArtURL() string {
	images := i.Images
	if i.Album != nil && len(i.Album.Images) > 0 {
		images = i.Album.Images
	} else if i.Show != nil && len(i.Show.Images) > 0 {
		images = i.Show.Images
	}
	best := Image{}
	for _, img := range images {
		if img.Width >= best.Width {
			best = img
		}
	}
	return best.URL
}

// Playback is the current playback state.
type Playback struct {
	Device       Device `json:"device"`
	ProgressMS   int64  `json:"progress_ms"`
	IsPlaying    bool   `json:"is_playing"`
	ShuffleState bool   `json:"shuffle_state"`
	RepeatState  string `json:"repeat_state"`
	Item         *Item  `json:"item"`
}

// Status maps the playback state to an MPRIS playback status.
func (p *Playback) Status() string {
	switch {
	case p == nil || p.Item == nil:
		return "Stopped"
	case p.IsPlaying:
		return "Playing"
	default:
		return "Paused"
	}
}

// LoopStatus maps the repeat state to an MPRIS loop status.
func (p *Playback) LoopStatus() string {
	switch strings.ToLower(p.RepeatState) {
	case "track":
		return "Track"
	case "context":
		return "Playlist"
	default:
		return "None"
	}
}
