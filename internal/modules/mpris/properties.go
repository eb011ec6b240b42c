package mpris

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/mikey-austin/spotd/internal/adapters/webapi"
)

var rootProperties = []introspect.Property{
	{Name: "CanQuit", Type: "b", Access: "read"},
	{Name: "CanRaise", Type: "b", Access: "read"},
	{Name: "HasTrackList", Type: "b", Access: "read"},
	{Name: "Identity", Type: "s", Access: "read"},
	{Name: "DesktopEntry", Type: "s", Access: "read"},
	{Name: "SupportedUriSchemes", Type: "as", Access: "read"},
	{Name: "SupportedMimeTypes", Type: "as", Access: "read"},
}

var playerProperties = []introspect.Property{
	{Name: "PlaybackStatus", Type: "s", Access: "read"},
	{Name: "LoopStatus", Type: "s", Access: "readwrite"},
	{Name: "Rate", Type: "d", Access: "read"},
	{Name: "Shuffle", Type: "b", Access: "readwrite"},
	{Name: "Metadata", Type: "a{sv}", Access: "read"},
	{Name: "Volume", Type: "d", Access: "readwrite"},
	{Name: "Position", Type: "x", Access: "read"},
	{Name: "MinimumRate", Type: "d", Access: "read"},
	{Name: "MaximumRate", Type: "d", Access: "read"},
	{Name: "CanGoNext", Type: "b", Access: "read"},
	{Name: "CanGoPrevious", Type: "b", Access: "read"},
	{Name: "CanPlay", Type: "b", Access: "read"},
	{Name: "CanPause", Type: "b", Access: "read"},
	{Name: "CanSeek", Type: "b", Access: "read"},
	{Name: "CanControl", Type: "b", Access: "read"},
}

// remoteProperties are read through the Web API and need a token.
var remoteProperties = map[string]bool{
	"PlaybackStatus": true,
	"LoopStatus":     true,
	"Shuffle":        true,
	"Metadata":       true,
	"Position":       true,
}

func introspection(root, player, controls interface{}) *introspect.Node {
	return &introspect.Node{
		Name: string(objectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{Name: ifaceRoot, Methods: introspect.Methods(root), Properties: rootProperties},
			{
				Name:       ifacePlayer,
				Methods:    introspect.Methods(player),
				Properties: playerProperties,
				Signals: []introspect.Signal{{
					Name: "Seeked",
					Args: []introspect.Arg{{Name: "Position", Type: "x", Direction: "out"}},
				}},
			},
			{Name: ifaceControls, Methods: introspect.Methods(controls)},
		},
	}
}

func knownProperty(props []introspect.Property, name string) (introspect.Property, bool) {
	for _, p := range props {
		if p.Name == name {
			return p, true
		}
	}
	return introspect.Property{}, false
}

func (s *Server) rootValues() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"CanQuit":             dbus.MakeVariant(false),
		"CanRaise":            dbus.MakeVariant(false),
		"HasTrackList":        dbus.MakeVariant(false),
		"Identity":            dbus.MakeVariant(s.config.Identity),
		"DesktopEntry":        dbus.MakeVariant(s.config.DesktopEntry),
		"SupportedUriSchemes": dbus.MakeVariant([]string{"spotify"}),
		"SupportedMimeTypes":  dbus.MakeVariant([]string{}),
	}
}

// localValues are the player properties answered without the Web API.
func (s *Server) localValues() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Volume":        dbus.MakeVariant(volumeFraction(s.deps.Handle.Volume())),
		"Rate":          dbus.MakeVariant(1.0),
		"MinimumRate":   dbus.MakeVariant(1.0),
		"MaximumRate":   dbus.MakeVariant(1.0),
		"CanGoNext":     dbus.MakeVariant(true),
		"CanGoPrevious": dbus.MakeVariant(true),
		"CanPlay":       dbus.MakeVariant(true),
		"CanPause":      dbus.MakeVariant(true),
		"CanSeek":       dbus.MakeVariant(true),
		"CanControl":    dbus.MakeVariant(true),
	}
}

func remoteValues(pb *webapi.Playback) map[string]dbus.Variant {
	if pb == nil {
		pb = &webapi.Playback{}
	}
	return map[string]dbus.Variant{
		"PlaybackStatus": dbus.MakeVariant(pb.Status()),
		"LoopStatus":     dbus.MakeVariant(pb.LoopStatus()),
		"Shuffle":        dbus.MakeVariant(pb.ShuffleState),
		"Metadata":       dbus.MakeVariant(metadata(pb)),
		"Position":       dbus.MakeVariant(pb.ProgressMS * 1000),
	}
}

func metadata(pb *webapi.Playback) map[string]dbus.Variant {
	if pb == nil || pb.Item == nil {
		return map[string]dbus.Variant{"mpris:trackid": dbus.MakeVariant(noTrackPath)}
	}
	item := pb.Item
	m := map[string]dbus.Variant{
		"mpris:trackid": dbus.MakeVariant(trackPath(item.ID)),
		"mpris:length":  dbus.MakeVariant(item.DurationMS * 1000),
		"xesam:title":   dbus.MakeVariant(item.Name),
		"xesam:artist":  dbus.MakeVariant(item.ArtistNames()),
		"xesam:url":     dbus.MakeVariant("https://open.spotify.com/" + item.Type + "/" + item.ID),
	}
	switch {
	case item.Album != nil:
		m["xesam:album"] = dbus.MakeVariant(item.Album.Name)
		artists := make([]string, 0, len(item.Album.Artists))
		for _, a := range item.Album.Artists {
			artists = append(artists, a.Name)
		}
		m["xesam:albumArtist"] = dbus.MakeVariant(artists)
	case item.Show != nil:
		m["xesam:album"] = dbus.MakeVariant(item.Show.Name)
	}
	if art := item.ArtURL(); art != "" {
		m["mpris:artUrl"] = dbus.MakeVariant(art)
	}
	if item.TrackNumber > 0 {
		m["xesam:trackNumber"] = dbus.MakeVariant(int32(item.TrackNumber))
	}
	if item.DiscNumber > 0 {
		m["xesam:discNumber"] = dbus.MakeVariant(int32(item.DiscNumber))
	}
	if item.Popularity > 0 {
		m["xesam:autoRating"] = dbus.MakeVariant(float64(item.Popularity) / 100)
	}
	return m
}

func (s *Server) playback(ctx context.Context) (*webapi.Playback, error) {
	pb, err := s.api.CurrentPlayback(ctx)
	if errors.Is(err, webapi.ErrNoActivePlayback) {
		return nil, nil
	}
	return pb, err
}

// values answers Get/GetAll. Web API backed properties are only fetched when
// remote is set.
func (s *Server) values(iface string, remote bool) (map[string]dbus.Variant, *dbus.Error) {
	switch iface {
	case ifaceRoot:
		v, derr := s.call("GetAll", false, func(context.Context) (any, error) {
			return s.rootValues(), nil
		})
		if derr != nil {
			return nil, derr
		}
		return v.(map[string]dbus.Variant), nil
	case ifacePlayer:
		v, derr := s.call("GetAll", remote, func(ctx context.Context) (any, error) {
			values := s.localValues()
			if !remote {
				return values, nil
			}
			pb, err := s.playback(ctx)
			if err != nil {
				return nil, err
			}
			for k, rv := range remoteValues(pb) {
				values[k] = rv
			}
			return values, nil
		})
		if derr != nil {
			return nil, derr
		}
		return v.(map[string]dbus.Variant), nil
	case ifaceControls:
		return map[string]dbus.Variant{}, nil
	default:
		return nil, dbus.NewError(errNameUnknownIf, []interface{}{iface})
	}
}

func repeatState(loop string) (string, bool) {
	switch loop {
	case "None":
		return "off", true
	case "Track":
		return "track", true
	case "Playlist":
		return "context", true
	default:
		return "", false
	}
}
