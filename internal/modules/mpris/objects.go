package mpris

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/mikey-austin/spotd/pkg/spot"
)

// rootObject implements org.mpris.MediaPlayer2.
type rootObject struct{ s *Server }

func (r *rootObject) Raise() *dbus.Error { return nil }

func (r *rootObject) Quit() *dbus.Error { return nil }

// playerObject implements org.mpris.MediaPlayer2.Player.
type playerObject struct{ s *Server }

func (p *playerObject) Play() *dbus.Error {
	return p.s.handleCommand("Play", p.s.deps.Handle.Play)
}

func (p *playerObject) Pause() *dbus.Error {
	return p.s.handleCommand("Pause", p.s.deps.Handle.Pause)
}

func (p *playerObject) PlayPause() *dbus.Error {
	return p.s.handleCommand("PlayPause", p.s.deps.Handle.PlayPause)
}

// Stop pauses; the remote-control fabric has no stopped state to enter.
func (p *playerObject) Stop() *dbus.Error {
	return p.s.handleCommand("Stop", p.s.deps.Handle.Pause)
}

func (p *playerObject) Next() *dbus.Error {
	return p.s.handleCommand("Next", p.s.deps.Handle.Next)
}

func (p *playerObject) Previous() *dbus.Error {
	return p.s.handleCommand("Previous", p.s.deps.Handle.Prev)
}

func (p *playerObject) Seek(offset int64) *dbus.Error {
	_, derr := p.s.call("Seek", true, func(ctx context.Context) (any, error) {
		return nil, p.s.seek(ctx, offset)
	})
	return derr
}

func (p *playerObject) SetPosition(trackID dbus.ObjectPath, position int64) *dbus.Error {
	_, derr := p.s.call("SetPosition", true, func(ctx context.Context) (any, error) {
		return nil, p.s.setPosition(ctx, trackID, position)
	})
	return derr
}

func (p *playerObject) OpenUri(uri string) *dbus.Error {
	parsed, err := spot.ParseURI(uri)
	if err != nil {
		return dbus.NewError(errNameInvalid, []interface{}{err.Error()})
	}
	_, derr := p.s.call("OpenUri", true, func(ctx context.Context) (any, error) {
		return nil, p.s.openURI(ctx, parsed)
	})
	return derr
}

// controlsObject implements org.spotd.Controls.
type controlsObject struct{ s *Server }

func (c *controlsObject) TransferPlayback() *dbus.Error {
	_, derr := c.s.call("TransferPlayback", true, c.s.transferPlayback)
	return derr
}

func (c *controlsObject) VolumeUp() *dbus.Error {
	return c.s.handleCommand("VolumeUp", c.s.deps.Handle.VolumeUp)
}

func (c *controlsObject) VolumeDown() *dbus.Error {
	return c.s.handleCommand("VolumeDown", c.s.deps.Handle.VolumeDown)
}

// propertiesObject implements org.freedesktop.DBus.Properties.
type propertiesObject struct{ s *Server }

func (p *propertiesObject) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	values, derr := p.s.values(iface, iface == ifacePlayer && remoteProperties[name])
	if derr != nil {
		return dbus.Variant{}, derr
	}
	v, ok := values[name]
	if !ok {
		return dbus.Variant{}, dbus.NewError(errNameUnknownPr, []interface{}{name})
	}
	return v, nil
}

func (p *propertiesObject) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	return p.s.values(iface, iface == ifacePlayer)
}

func (p *propertiesObject) Set(iface, name string, value dbus.Variant) *dbus.Error {
	var props []introspect.Property
	switch iface {
	case ifaceRoot:
		props = rootProperties
	case ifacePlayer:
		props = playerProperties
	default:
		return dbus.NewError(errNameUnknownIf, []interface{}{iface})
	}
	desc, ok := knownProperty(props, name)
	if !ok {
		return dbus.NewError(errNameUnknownPr, []interface{}{name})
	}
	if desc.Access != "readwrite" {
		return dbus.NewError(errNameReadOnly, []interface{}{name})
	}

	s := p.s
	switch name {
	case "Volume":
		v, ok := value.Value().(float64)
		if !ok {
			return dbus.NewError(errNameInvalid, []interface{}{"Volume must be a double"})
		}
		_, derr := s.call("SetVolume", true, func(ctx context.Context) (any, error) {
			return nil, s.api.SetVolume(ctx, "", volumePercent(v))
		})
		return derr
	case "Shuffle":
		v, ok := value.Value().(bool)
		if !ok {
			return dbus.NewError(errNameInvalid, []interface{}{"Shuffle must be a boolean"})
		}
		_, derr := s.call("SetShuffle", true, func(ctx context.Context) (any, error) {
			return nil, s.api.SetShuffle(ctx, "", v)
		})
		return derr
	case "LoopStatus":
		v, _ := value.Value().(string)
		state, ok := repeatState(v)
		if !ok {
			return dbus.NewError(errNameInvalid, []interface{}{"unknown loop status " + v})
		}
		_, derr := s.call("SetRepeat", true, func(ctx context.Context) (any, error) {
			return nil, s.api.SetRepeat(ctx, "", state)
		})
		return derr
	}
	return dbus.NewError(errNameReadOnly, []interface{}{name})
}

func (s *Server) handleCommand(name string, fn func()) *dbus.Error {
	_, derr := s.call(name, false, func(context.Context) (any, error) {
		fn()
		return nil, nil
	})
	return derr
}

// seek moves the current item by offset microseconds. Seeking past the end
// skips to the next item; seeking before the start restarts it.
func (s *Server) seek(ctx context.Context, offset int64) error {
	pb, err := s.playback(ctx)
	if err != nil || pb == nil || pb.Item == nil {
		return err
	}
	target := pb.ProgressMS + offset/1000
	if target > pb.Item.DurationMS {
		return s.api.Next(ctx, pb.Device.ID)
	}
	if target < 0 {
		target = 0
	}
	return s.api.Seek(ctx, pb.Device.ID, target)
}

// setPosition is a no-op unless trackID names the current item and position
// lies within it.
func (s *Server) setPosition(ctx context.Context, trackID dbus.ObjectPath, position int64) error {
	pb, err := s.playback(ctx)
	if err != nil || pb == nil || pb.Item == nil {
		return err
	}
	if trackPath(pb.Item.ID) != trackID {
		return nil
	}
	if position < 0 || position > pb.Item.DurationMS*1000 {
		return nil
	}
	return s.api.Seek(ctx, pb.Device.ID, position/1000)
}

func (s *Server) openURI(ctx context.Context, uri spot.URI) error {
	dev, err := s.api.DeviceByName(ctx, s.config.DeviceName)
	if err != nil {
		return err
	}
	if uri.Playable() {
		return s.api.PlayURIs(ctx, dev.ID, []string{uri.String()})
	}
	return s.api.PlayContext(ctx, dev.ID, uri.String())
}

func (s *Server) transferPlayback(ctx context.Context) (any, error) {
	dev, err := s.api.DeviceByName(ctx, s.config.DeviceName)
	if err != nil {
		return nil, err
	}
	return nil, s.api.TransferPlayback(ctx, dev.ID, true)
}
