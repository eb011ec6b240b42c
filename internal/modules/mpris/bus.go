package mpris

import (
	"github.com/godbus/dbus/v5"
)

const (
	objectPath       = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	noTrackPath      = dbus.ObjectPath("/org/mpris/MediaPlayer2/TrackList/NoTrack")
	trackPathPrefix  = "/org/spotd/track/"
	ifaceRoot        = "org.mpris.MediaPlayer2"
	ifacePlayer      = "org.mpris.MediaPlayer2.Player"
	ifaceControls    = "org.spotd.Controls"
	ifaceProperties  = "org.freedesktop.DBus.Properties"
	ifaceIntrospect  = "org.freedesktop.DBus.Introspectable"
	signalChanged    = ifaceProperties + ".PropertiesChanged"
	signalSeeked     = ifacePlayer + ".Seeked"
	errNameGeneric   = "org.mpris.MediaPlayer2.spotd.Error"
	errNameNoToken   = "org.mpris.MediaPlayer2.spotd.TokenUnavailable"
	errNameInvalid   = "org.freedesktop.DBus.Error.InvalidArgs"
	errNameReadOnly  = "org.freedesktop.DBus.Error.PropertyReadOnly"
	errNameUnknownIf = "org.freedesktop.DBus.Error.UnknownInterface"
	errNameUnknownPr = "org.freedesktop.DBus.Error.UnknownProperty"
)

// Bus is the subset of *dbus.Conn the surface uses.
type Bus interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	Close() error
}

// BusDialer opens the bus connection the surface is published on.
type BusDialer func() (Bus, error)

// SessionBus dials the user's session bus.
func SessionBus() (Bus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// SystemBus dials the system bus, for headless installs.
func SystemBus() (Bus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func trackPath(id string) dbus.ObjectPath {
	if id == "" {
		return noTrackPath
	}
	return dbus.ObjectPath(trackPathPrefix + id)
}
