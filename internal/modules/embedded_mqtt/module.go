package embeddedmqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mikey-austin/spotd/internal/adapters/mqtt"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"go.uber.org/zap"
)

// DefaultListen is the loopback listener used when none is configured.
const DefaultListen = "127.0.0.1:1883"

// Config configures the in-process broker the state publisher and the mqtt
// discovery source can connect to.
type Config struct {
	Listen         string
	AllowAnonymous bool
	Username       string
	Password       string
	TLSCA          string
	TLSCert        string
	TLSKey         string
}

// TLSEnabled reports whether the listener serves TLS.
func (c Config) TLSEnabled() bool {
	return c.TLSCert != "" || c.TLSKey != "" || c.TLSCA != ""
}

// Module runs the embedded broker until its context ends.
type Module struct {
	log    *zap.Logger
	server *mochi.Server
	config Config
}

// NewModule creates the broker. Either anonymous access or a username must be
// configured.
func NewModule(log *zap.Logger, cfg Config) (*Module, error) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = DefaultListen
	}
	if log == nil {
		log = zap.NewNop()
	}
	server, err := newServer(log, cfg)
	if err != nil {
		return nil, err
	}
	return &Module{log: log, server: server, config: cfg}, nil
}

// URL is the broker URL clients should dial.
func (m *Module) URL() string {
	return BrokerURL(m.config.Listen, m.config.TLSEnabled())
}

// Run serves until ctx is cancelled.
func (m *Module) Run(ctx context.Context) error {
	listenerConfig := listeners.Config{ID: "spotd-tcp", Address: m.config.Listen}
	if m.config.TLSEnabled() {
		tlsConfig, err := mqtt.TLSConfig(m.config.TLSCA, m.config.TLSCert, m.config.TLSKey)
		if err != nil {
			return err
		}
		listenerConfig.TLSConfig = tlsConfig
	}
	if err := m.server.AddListener(listeners.NewTCP(listenerConfig)); err != nil {
		return fmt.Errorf("listen %s: %w", m.config.Listen, err)
	}

	if err := m.server.Serve(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	m.log.Info("embedded broker listening", zap.String("url", m.URL()))

	<-ctx.Done()
	return m.server.Close()
}

func newServer(log *zap.Logger, cfg Config) (*mochi.Server, error) {
	server := mochi.New(&mochi.Options{InlineClient: true, Logger: newSlogLogger(log)})

	switch {
	case cfg.AllowAnonymous:
		if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
			return nil, err
		}
	case cfg.Username != "":
		ledger := &auth.Ledger{
			Auth: auth.AuthRules{{Username: auth.RString(cfg.Username), Password: auth.RString(cfg.Password), Allow: true}},
			ACL:  auth.ACLRules{{Username: auth.RString(cfg.Username), Filters: auth.Filters{auth.RString("#"): auth.ReadWrite}}},
		}
		if err := server.AddHook(new(auth.Hook), &auth.Options{Ledger: ledger}); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("embedded mqtt requires allow_anonymous or username")
	}
	return server, nil
}

// BrokerURL returns the broker URL for a listen address.
func BrokerURL(listen string, tlsEnabled bool) string {
	scheme := "mqtt"
	if tlsEnabled {
		scheme = "mqtts"
	}
	return fmt.Sprintf("%s://%s", scheme, listen)
}
