package backend

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mikey-austin/spotd/internal/ports"
	"github.com/mikey-austin/spotd/pkg/spot"
)

type nopBackend struct{}

func (nopBackend) Connect(context.Context, ports.SessionConfig, spot.Credentials, ports.CredentialCache) (ports.Session, error) {
	return nil, errors.New("not implemented")
}

func (nopBackend) NewPlayer(ports.PlayerConfig, ports.Session, ports.AudioFilter) (ports.Player, <-chan spot.PlayerEvent, error) {
	return nil, nil, errors.New("not implemented")
}

func (nopBackend) NewRemoteControl(ports.ControlConfig, ports.Session, ports.Player, ports.Mixer) (ports.RemoteControl, ports.Task, error) {
	return nil, nil, errors.New("not implemented")
}

func TestRegisterOpen(t *testing.T) {
	var got Options
	Register("test-nop", func(opts Options) (ports.Backend, error) {
		got = opts
		return nopBackend{}, nil
	})
	defer unregister("test-nop")

	b, err := Open("test-nop", Options{Params: map[string]string{"ap-port": "443"}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := b.(nopBackend); !ok {
		t.Fatalf("unexpected backend %T", b)
	}
	if got.Logger == nil || got.Params["ap-port"] != "443" {
		t.Fatalf("unexpected options %+v", got)
	}
	found := false
	for _, name := range Names() {
		if name == "test-nop" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected test-nop in %v", Names())
	}
}

func TestOpenUnknown(t *testing.T) {
	_, err := Open("missing", Options{})
	if err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Fatalf("expected unknown backend error, got %v", err)
	}
}

func TestOpenError(t *testing.T) {
	Register("test-broken", func(Options) (ports.Backend, error) {
		return nil, errors.New("no audio device")
	})
	defer unregister("test-broken")

	if _, err := Open("test-broken", Options{}); err == nil || !strings.Contains(err.Error(), "no audio device") {
		t.Fatalf("expected opener error, got %v", err)
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	open := func(Options) (ports.Backend, error) { return nopBackend{}, nil }
	Register("test-dup", open)
	defer unregister("test-dup")
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	Register("test-dup", open)
}
