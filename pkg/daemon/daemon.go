package daemon

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/volute/volute/pkg/api"
	"github.com/volute/volute/pkg/client"
	"github.com/volute/volute/pkg/connector"
	"github.com/volute/volute/pkg/delivery"
	"github.com/volute/volute/pkg/events"
	"github.com/volute/volute/pkg/log"
	"github.com/volute/volute/pkg/logrotate"
	"github.com/volute/volute/pkg/mind"
	"github.com/volute/volute/pkg/registry"
	"github.com/volute/volute/pkg/restart"
	"github.com/volute/volute/pkg/routing"
	"github.com/volute/volute/pkg/schedule"
	"github.com/volute/volute/pkg/sleep"
	"github.com/volute/volute/pkg/statefile"
	"github.com/volute/volute/pkg/storage"
	"github.com/volute/volute/pkg/types"
)

const shutdownGrace = 10 * time.Second

// daemonInfo is the daemon.json fingerprint. A second daemon instance
// refuses to delete files whose content it did not write.
type daemonInfo struct {
	Port     int    `json:"port"`
	Hostname string `json:"hostname"`
	Token    string `json:"token"`
}

// Daemon is the composition root. It owns every manager, the HTTP server,
// and the startup and shutdown sequences.
type Daemon struct {
	cfg  Config
	home types.Home

	bus        *events.Bus
	store      *storage.BoltStore
	registry   *registry.Registry
	tracker    *restart.Tracker
	delivery   *delivery.Manager
	minds      *mind.Manager
	connectors *connector.Manager
	scheduler  *schedule.Scheduler
	sleep      *sleep.Manager
	server     *api.Server
	webhook    *events.WebhookForwarder
	logW       *logrotate.Writer

	token    string
	eventSub *events.Subscription

	shutdownOnce sync.Once
}

// New wires the managers together. It does not bind the port or touch the
// PID file; Run does that.
func New(cfg Config) (*Daemon, error) {
	cfg.ApplyDefaults()
	home := types.Home{Root: cfg.Home}

	if err := os.MkdirAll(home.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create home %s: %w", home.Root, err)
	}

	logW, err := logrotate.Open(home.DaemonLogFile())
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: true,
		Output:     io.MultiWriter(os.Stdout, logW),
	})

	reg, err := registry.Open(home, cfg.PortMin, cfg.PortMax)
	if err != nil {
		logW.Close()
		return nil, err
	}

	store, err := storage.NewBoltStore(home.DatabaseFile())
	if err != nil {
		logW.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	token := cfg.Token
	if token == "" {
		token = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	d := &Daemon{
		cfg:      cfg,
		home:     home,
		registry: reg,
		store:    store,
		logW:     logW,
		token:    token,
	}

	d.bus = events.NewBus()
	d.tracker = restart.NewTracker(home.CrashAttemptsFile(), restart.Config{})

	cli := client.New()
	d.minds = mind.NewManager(mind.Config{
		Home:          home,
		Registry:      reg,
		Bus:           d.bus,
		Tracker:       d.tracker,
		Client:        cli,
		ServerCommand: cfg.ServerCommand,
		Isolation:     cfg.Isolation,
	})

	d.delivery = delivery.New(delivery.Config{
		Home:   home,
		Loader: routing.NewLoader(home),
		Poster: delivery.NewClientPoster(cli),
		Store:  store,
		Ports:  d.minds.Port,
		Bus:    d.bus,
	})
	d.minds.SetPendingClearer(d.delivery.ClearPending)

	d.scheduler = schedule.New(home, d.delivery, d.minds.DecorateCommand)
	d.sleep = sleep.New(home, d.bus, store, d.delivery, d.minds)
	d.delivery.SetSleeper(d.sleep)

	d.connectors = connector.NewManager(connector.Config{
		Home:      home,
		DaemonURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Port),
		Token:     token,
	})

	if cfg.Webhook.URL != "" {
		d.webhook = events.NewWebhookForwarder(d.bus, cfg.Webhook.URL, cfg.Webhook.Token)
	}

	d.server = api.NewServer(api.Deps{
		Home:       home,
		Registry:   reg,
		Minds:      d.minds,
		Delivery:   d.delivery,
		Connectors: d.connectors,
		Sleep:      d.sleep,
		Client:     cli,
		Token:      token,
	})

	return d, nil
}

// Token returns the API bearer token in effect.
func (d *Daemon) Token() string { return d.token }

// Run binds the API port, writes the PID and config files, starts every
// manager, autostarts minds, and blocks until a signal or a fatal server
// error. A port collision returns an error before any state file is
// touched, so an already-running daemon's files survive intact.
func (d *Daemon) Run(ctx context.Context) error {
	logger := log.WithComponent("daemon")

	addr := fmt.Sprintf("127.0.0.1:%d", d.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("cannot bind API port, is another daemon running?")
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	if err := d.writeRuntimeFiles(); err != nil {
		listener.Close()
		return err
	}

	d.bus.Start()
	d.eventSub = d.bus.Subscribe(d.onEvent)
	d.scheduler.Start()
	d.sleep.Start()

	d.autostart(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.server.Serve(listener) }()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Int("port", d.cfg.Port).Str("home", d.home.Root).Msg("daemon running")

	select {
	case <-sigCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("API server failed")
			d.Shutdown()
			return err
		}
	}

	d.Shutdown()
	return nil
}

// autostart brings up every mind whose desired state is running. Connectors
// follow from the mind_started event. Start failures are logged; the crash
// tracker decides when to give up and clear the flag.
func (d *Daemon) autostart(ctx context.Context) {
	for _, m := range d.registry.List() {
		d.sleep.Register(m.Name)
		if !m.Running {
			continue
		}
		if d.sleep.IsSleeping(m.Name) {
			log.WithMind(m.Name).Info().Msg("mind is sleeping, not autostarting")
			continue
		}
		if err := d.minds.StartMind(ctx, m.Name); err != nil {
			log.WithMind(m.Name).Error().Err(err).Msg("autostart failed")
		}
	}
}

// onEvent keeps schedules and connectors in step with mind lifecycle.
// Crash exits keep their schedules so a restart resumes them without a
// reload.
func (d *Daemon) onEvent(e *events.Event) {
	switch e.Type {
	case events.EventMindStarted:
		if err := d.scheduler.LoadSchedules(e.Mind); err != nil {
			log.WithMind(e.Mind).Debug().Err(err).Msg("no schedules loaded")
		}
		// Connectors follow the base mind, regardless of how the start was
		// initiated. startOne skips connectors that are already up.
		if base, variant := types.SplitName(e.Mind); variant == "" {
			if rec, ok := d.registry.Get(base); ok {
				d.connectors.StartConnectors(base, rec.Dir, rec.Port)
			}
		}
	case events.EventMindStopped:
		if e.Fields["reason"] != "crash" {
			d.scheduler.UnloadSchedules(e.Mind)
		}
	}
}

func (d *Daemon) writeRuntimeFiles() error {
	pid := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(d.home.DaemonPIDFile(), []byte(pid), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	hostname, _ := os.Hostname()
	info := daemonInfo{Port: d.cfg.Port, Hostname: hostname, Token: d.token}
	if err := statefile.Save(d.home.DaemonConfigFile(), &info); err != nil {
		return fmt.Errorf("write daemon config: %w", err)
	}
	if err := os.Chmod(d.home.DaemonConfigFile(), 0o600); err != nil {
		return fmt.Errorf("restrict daemon config: %w", err)
	}
	return nil
}

// Shutdown is the single shutdown path and is safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		logger := log.WithComponent("daemon")
		logger.Info().Msg("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		d.scheduler.Stop()
		if err := d.scheduler.Save(); err != nil {
			logger.Warn().Err(err).Msg("scheduler state save failed")
		}
		d.sleep.Stop()

		d.delivery.Dispose(ctx)

		d.connectors.StopAll()
		if err := d.minds.StopAll(ctx); err != nil {
			logger.Warn().Err(err).Msg("mind shutdown incomplete")
		}
		d.tracker.ClearAll()

		if err := d.server.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("API server shutdown failed")
		}

		if d.webhook != nil {
			d.webhook.Close()
		}
		if d.eventSub != nil {
			d.eventSub.Unsubscribe()
		}
		d.bus.Stop()

		if err := d.store.Close(); err != nil {
			logger.Warn().Err(err).Msg("database close failed")
		}

		d.removeRuntimeFiles()
		logger.Info().Msg("shutdown complete")
		d.logW.Close()
	})
}

// removeRuntimeFiles unlinks daemon.pid and daemon.json only when their
// content still matches what this process wrote. A newer daemon's files
// are left alone.
func (d *Daemon) removeRuntimeFiles() {
	pidPath := d.home.DaemonPIDFile()
	if raw, err := os.ReadFile(pidPath); err == nil {
		if strings.TrimSpace(string(raw)) == strconv.Itoa(os.Getpid()) {
			os.Remove(pidPath)
		}
	}

	cfgPath := d.home.DaemonConfigFile()
	var info daemonInfo
	if err := statefile.Load(cfgPath, &info); err == nil {
		if info.Token == d.token && info.Port == d.cfg.Port {
			os.Remove(cfgPath)
		}
	}
}
