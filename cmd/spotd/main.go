package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikey-austin/spotd/internal/adapters/backend"
	"github.com/mikey-austin/spotd/internal/adapters/cache"
	"github.com/mikey-austin/spotd/internal/adapters/discovery"
	"github.com/mikey-austin/spotd/internal/adapters/idgen"
	"github.com/mikey-austin/spotd/internal/adapters/mixer"
	"github.com/mikey-austin/spotd/internal/adapters/mqtt"
	"github.com/mikey-austin/spotd/internal/adapters/webapi"
	"github.com/mikey-austin/spotd/internal/core"
	"github.com/mikey-austin/spotd/internal/events"
	"github.com/mikey-austin/spotd/internal/modules/connection"
	embeddedmqtt "github.com/mikey-austin/spotd/internal/modules/embedded_mqtt"
	"github.com/mikey-austin/spotd/internal/modules/hook"
	_ "github.com/mikey-austin/spotd/internal/modules/loopback"
	"github.com/mikey-austin/spotd/internal/modules/mpris"
	mqttpublisher "github.com/mikey-austin/spotd/internal/modules/mqtt_publisher"
	"github.com/mikey-austin/spotd/internal/ports"
	"github.com/mikey-austin/spotd/internal/spotd"
	"github.com/mikey-austin/spotd/pkg/spot"
)

type flags struct {
	configPath  string
	deviceName  string
	backend     string
	logLevel    string
	logFormat   string
	logOutput   string
	logUTC      bool
	logColor    bool
	onEvent     string
	noMPRIS     bool
	printConfig bool
	dryRun      bool
}

func main() {
	root := newRootCommand(os.Stdout)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(core.ExitCode(err))
	}
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "spotd",
		Short:         "Remote-controllable media daemon with MPRIS and event hooks",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(f)
			if err != nil {
				return err
			}
			if f.printConfig {
				return printResolvedConfig(stdout, cfg)
			}
			if f.dryRun {
				return nil
			}
			return run(cfg)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return core.WrapError(core.KindUsage, "flags", err)
	})

	defaultConfig, err := spotd.DefaultConfigPath()
	if err != nil {
		defaultConfig = ""
	}
	fs := root.Flags()
	fs.StringVarP(&f.configPath, "config", "c", defaultConfig, "config file path (.toml, .yaml)")
	fs.StringVarP(&f.deviceName, "device-name", "n", "", "advertised device name override")
	fs.StringVar(&f.backend, "backend", "", fmt.Sprintf("protocol backend override %v", backend.Names()))
	fs.StringVar(&f.logLevel, "log-level", "", "log level override (debug|info|warn|error)")
	fs.StringVar(&f.logFormat, "log-format", "", "log format override (console|json)")
	fs.StringVar(&f.logOutput, "log-output", "", "log output override (stdout|stderr)")
	fs.BoolVar(&f.logUTC, "log-utc", false, "use UTC timestamps in logs")
	fs.BoolVar(&f.logColor, "log-color", false, "enable colored log output (console only)")
	fs.StringVar(&f.onEvent, "on-event", "", "command run through the shell on playback events")
	fs.BoolVar(&f.noMPRIS, "no-mpris", false, "disable the MPRIS control surface")
	fs.BoolVar(&f.printConfig, "print-config", false, "print resolved config and exit")
	fs.BoolVar(&f.dryRun, "dry-run", false, "validate config and exit")
	return root
}

func resolveConfig(f flags) (spotd.Config, error) {
	cfg, err := spotd.LoadConfig(f.configPath)
	if err != nil {
		return spotd.Config{}, core.WrapError(core.KindConfig, "load config", err)
	}
	applyOverrides(&cfg, f)
	if err := cfg.Validate(); err != nil {
		return spotd.Config{}, core.WrapError(core.KindConfig, "validate config", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *spotd.Config, f flags) {
	if f.deviceName != "" {
		cfg.Server.DeviceName = f.deviceName
	}
	if f.backend != "" {
		cfg.Server.Backend = f.backend
	}
	if f.logLevel != "" {
		cfg.Server.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Server.LogFormat = f.logFormat
	}
	if f.logOutput != "" {
		cfg.Server.LogOutput = f.logOutput
	}
	if f.logUTC {
		cfg.Server.LogUTC = true
	}
	if f.logColor {
		cfg.Server.LogColor = true
	}
	if f.onEvent != "" {
		cfg.Hook.OnEvent = f.onEvent
	}
	if f.noMPRIS {
		cfg.MPRIS.Enabled = false
	}
	if cfg.MQTT.Broker == "" && cfg.MQTT.Embedded.Enabled {
		cfg.MQTT.Broker = embeddedBrokerURL(*cfg)
	}
	cfg.ApplyDefaults()
}

func run(cfg spotd.Config) error {
	logger := spotd.NewLogger(spotd.LogConfig{
		Level:  cfg.Server.LogLevel,
		Format: cfg.Server.LogFormat,
		Output: cfg.Server.LogOutput,
		UTC:    cfg.Server.LogUTC,
		Color:  cfg.Server.LogColor,
	})
	defer func() { _ = logger.Sync() }()

	// The connection loop owns SIGINT/SIGTERM: the first one shuts the
	// session down gracefully.
	interrupt := make(chan os.Signal, 2)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("spotd starting",
		zap.String("device_name", cfg.Server.DeviceName),
		zap.String("backend", cfg.Server.Backend),
		zap.String("mixer", cfg.Mixer.Kind),
		zap.Bool("mpris", cfg.MPRIS.Enabled),
		zap.Bool("hook", cfg.Hook.OnEvent != ""),
		zap.String("broker", cfg.MQTT.Broker),
	)

	if cfg.MQTT.Embedded.Enabled {
		if err := startEmbeddedBroker(ctx, cfg, logger, cancel); err != nil {
			return core.WrapError(core.KindTransport, "embedded mqtt", err)
		}
	}

	var client *mqtt.Client
	if cfg.MQTT.PublishState || cfg.Discovery.MQTT {
		var err error
		client, err = mqtt.Dial(ctx, mqtt.Options{
			BrokerURL:   cfg.MQTT.Broker,
			ClientID:    "spotd-" + idgen.DeviceID(cfg.Server.DeviceName)[:12],
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TLSCA:       cfg.MQTT.TLSCA,
			TLSCert:     cfg.MQTT.TLSCert,
			TLSKey:      cfg.MQTT.TLSKey,
			Timeout:     5 * time.Second,
			Logger:      logger.With(zap.String("module", "mqtt")),
			Debug:       cfg.Server.LogLevel == "debug",
			WillTopic:   spot.TopicAvailability(cfg.MQTT.TopicBase, idgen.DeviceID(cfg.Server.DeviceName)),
			WillPayload: spot.Offline,
		})
		if err != nil {
			return core.WrapError(core.KindTransport, "mqtt connect", err)
		}
		defer client.Close()
	}

	modules, cleanup, err := buildModules(ctx, cfg, client, logger, interrupt)
	if err != nil {
		return err
	}
	defer cleanup()

	supervisor := spotd.Supervisor{Logger: logger}
	if err := supervisor.Run(ctx, modules); err != nil {
		logger.Error("spotd exited", zap.Error(err))
		return err
	}
	logger.Info("spotd stopped")
	return nil
}

func buildModules(ctx context.Context, cfg spotd.Config, client *mqtt.Client, logger *zap.Logger, interrupt <-chan os.Signal) ([]spotd.ModuleRunner, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Debug("cleanup", zap.Error(err))
			}
		}
	}
	fail := func(kind core.Kind, op string, err error) ([]spotd.ModuleRunner, func(), error) {
		cleanup()
		return nil, nil, core.WrapError(kind, op, err)
	}

	deviceID := idgen.DeviceID(cfg.Server.DeviceName)

	var credCache ports.CredentialCache
	if !cfg.Cache.Disabled {
		file, err := cache.NewFile(cfg.Cache.Dir)
		if err != nil {
			return fail(core.KindConfig, "open cache", err)
		}
		credCache = file
		if cfg.Cache.Keyring {
			credCache = cache.NewKeyring(deviceID, file)
		}
	}

	be, err := backend.Open(cfg.Server.Backend, backend.Options{
		Logger: logger.With(zap.String("module", "backend")),
		Params: cfg.Server.BackendParams,
	})
	if err != nil {
		return fail(core.KindConfig, "open backend", err)
	}

	var sources []ports.DiscoveryStream
	if creds, ok := cfg.StaticCredentials(); ok {
		sources = append(sources, discovery.NewStatic(creds))
	}
	if cfg.Discovery.UseCache && credCache != nil {
		cached, err := discovery.FromCache(credCache)
		if err != nil {
			logger.Warn("cached credentials unreadable", zap.Error(err))
		} else {
			sources = append(sources, cached)
		}
	}
	if cfg.Discovery.MQTT && client != nil {
		src, err := discovery.NewMQTT(logger.With(zap.String("module", "discovery")), client, cfg.MQTT.TopicBase, deviceID)
		if err != nil {
			return fail(core.KindTransport, "mqtt discovery", err)
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		logger.Warn("no discovery source configured; waiting for nothing")
	}
	stream := discovery.Merge(sources...)
	closers = append(closers, stream.Close)

	bus := events.NewBroadcaster[spot.PlayerEvent](events.DefaultBuffer)
	closers = append(closers, func() error { bus.Close(); return nil })

	var surface connection.SurfaceFactory
	if cfg.MPRIS.Enabled {
		surface = surfaceFactory(cfg, logger.With(zap.String("module", "mpris")))
	}

	sup, err := connection.NewSupervisor(logger.With(zap.String("module", "connection")), connection.Config{
		Session: ports.SessionConfig{
			DeviceID:   deviceID,
			DeviceName: cfg.Server.DeviceName,
			DeviceType: cfg.Server.DeviceType,
			Proxy:      cfg.Session.Proxy,
			APPort:     cfg.Session.APPort,
		},
		Player: ports.PlayerConfig{
			Bitrate:       cfg.Session.Bitrate,
			Normalisation: cfg.Session.Normalisation,
			Gapless:       cfg.Session.Gapless,
			AudioBackend:  cfg.Session.AudioBackend,
			AudioDevice:   cfg.Session.AudioDevice,
		},
		Control: ports.ControlConfig{
			DeviceName:    cfg.Server.DeviceName,
			DeviceType:    cfg.Server.DeviceType,
			VolumeSteps:   cfg.Session.VolumeSteps,
			HasVolumeCtrl: true,
		},
	}, connection.Deps{
		Discovery: stream,
		Backend:   be,
		Mixer:     mixer.Factory(ctx, logger.With(zap.String("module", "mixer")), cfg.MixerSettings()),
		Cache:     credCache,
		Hook:      hook.NewRunner(logger.With(zap.String("module", "hook")), hook.Config{Command: cfg.Hook.OnEvent, Shell: cfg.Hook.Shell}),
		Events:    bus,
		Surface:   surface,
		Interrupt: interrupt,
	})
	if err != nil {
		return fail(core.KindConfig, "connection supervisor", err)
	}

	modules := []spotd.ModuleRunner{{Name: "connection", Run: sup.Run, Primary: true}}

	if cfg.MQTT.PublishState && client != nil {
		var heartbeat time.Duration
		if cfg.MQTT.HeartbeatMS > 0 {
			heartbeat = time.Duration(cfg.MQTT.HeartbeatMS) * time.Millisecond
		}
		pub, err := mqttpublisher.NewModule(logger, client, bus, mqttpublisher.Config{
			TopicBase: cfg.MQTT.TopicBase,
			Device:    deviceID,
			Heartbeat: heartbeat,
		})
		if err != nil {
			return fail(core.KindConfig, "state publisher", err)
		}
		modules = append(modules, spotd.ModuleRunner{Name: "mqtt_publisher", Run: pub.Run})
	}
	return modules, cleanup, nil
}

func surfaceFactory(cfg spotd.Config, logger *zap.Logger) connection.SurfaceFactory {
	dial := mpris.SessionBus
	if cfg.MPRIS.Bus == "system" {
		dial = mpris.SystemBus
	}
	apiOpts := webapi.Options{
		BaseURL: cfg.MPRIS.APIBaseURL,
		Logger:  logger.With(zap.String("component", "webapi")),
	}
	return func(session ports.Session, handle ports.RemoteControl, sub *events.Subscription[spot.PlayerEvent]) (connection.Surface, error) {
		server, err := mpris.NewServer(logger, mpris.Config{
			DeviceName:   cfg.Server.DeviceName,
			ClientID:     cfg.MPRIS.ClientID,
			BusName:      cfg.MPRIS.BusName,
			Identity:     cfg.MPRIS.Identity,
			DesktopEntry: cfg.MPRIS.DesktopEntry,
			CallTimeout:  time.Duration(cfg.MPRIS.CallTimeoutMS) * time.Millisecond,
		}, mpris.Deps{
			Session: session,
			Handle:  handle,
			Events:  sub,
			Dial:    dial,
			NewAPI: func(token spot.AccessToken) mpris.API {
				return webapi.New(token, apiOpts)
			},
		})
		if err != nil {
			return nil, err
		}
		return server, nil
	}
}

// printResolvedConfig writes the effective configuration as TOML with secrets
// masked.
func printResolvedConfig(w io.Writer, cfg spotd.Config) error {
	masked := cfg
	if masked.Discovery.AuthData != "" {
		masked.Discovery.AuthData = "********"
	}
	if masked.MQTT.Password != "" {
		masked.MQTT.Password = "********"
	}
	if masked.MQTT.Embedded.Password != "" {
		masked.MQTT.Embedded.Password = "********"
	}
	return toml.NewEncoder(w).Encode(masked)
}

func embeddedBrokerURL(cfg spotd.Config) string {
	listen := cfg.MQTT.Embedded.Listen
	if listen == "" {
		listen = embeddedmqtt.DefaultListen
	}
	tlsEnabled := cfg.MQTT.Embedded.TLSCert != "" || cfg.MQTT.Embedded.TLSKey != "" || cfg.MQTT.Embedded.TLSCA != ""
	return embeddedmqtt.BrokerURL(listen, tlsEnabled)
}

func startEmbeddedBroker(ctx context.Context, cfg spotd.Config, logger *zap.Logger, cancel context.CancelFunc) error {
	emb := cfg.MQTT.Embedded
	mod, err := embeddedmqtt.NewModule(logger.With(zap.String("module", "embedded_mqtt")), embeddedmqtt.Config{
		Listen:         emb.Listen,
		AllowAnonymous: emb.AllowAnonymous,
		Username:       emb.Username,
		Password:       emb.Password,
		TLSCA:          emb.TLSCA,
		TLSCert:        emb.TLSCert,
		TLSKey:         emb.TLSKey,
	})
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- mod.Run(ctx)
	}()
	go func() {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("embedded mqtt exited", zap.Error(err))
			cancel()
		}
	}()

	listen := emb.Listen
	if listen == "" {
		listen = embeddedmqtt.DefaultListen
	}
	return waitForListen(listen, 3*time.Second)
}

func waitForListen(listen string, timeout time.Duration) error {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, port)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("embedded mqtt not ready at %s", addr)
}
