package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skobkin/espdeploy/internal/bus"
	"github.com/skobkin/espdeploy/internal/config"
	"github.com/skobkin/espdeploy/internal/connectors"
	"github.com/skobkin/espdeploy/internal/console"
	"github.com/skobkin/espdeploy/internal/dashboard"
	"github.com/skobkin/espdeploy/internal/device"
	"github.com/skobkin/espdeploy/internal/domain"
	"github.com/skobkin/espdeploy/internal/logging"
	"github.com/skobkin/espdeploy/internal/notifications"
	"github.com/skobkin/espdeploy/internal/persistence"
	"github.com/skobkin/espdeploy/internal/transport"
	"github.com/skobkin/espdeploy/internal/upload"
)

const shutdownFlushTimeout = 5 * time.Second

// Options tune runtime initialization for a single invocation.
type Options struct {
	// ConfigFile overrides the default config location.
	ConfigFile string
	// Override is applied to the loaded config before validation (CLI flags).
	Override func(*config.AppConfig)
	// NoHistory skips opening the history database.
	NoHistory bool
	// Sender replaces the desktop notification backend.
	Sender notifications.Sender
}

type Runtime struct {
	mu sync.RWMutex

	Ctx    context.Context
	cancel context.CancelFunc

	// Background services outlive an interrupted command so its summary is still stored.
	bgCtx    context.Context
	bgCancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	DB         *sql.DB

	DeployRepo  *persistence.DeployRepo
	WriterQueue *persistence.WriterQueue

	Notifications *NotificationService

	closeOnce sync.Once
}

func Initialize(parent context.Context, opts Options) (*Runtime, error) {
	paths, err := ResolvePaths(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(&cfg)
		cfg.FillMissingDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(parent))
	rt := &Runtime{
		Ctx:      ctx,
		cancel:   cancel,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
		Paths:    paths,
		Config:   cfg,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		bgCancel()

		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Debug("starting espdeploy runtime", "version", BuildVersion(), "build_date", BuildDateYMD(), "config", paths.ConfigFile)

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b

	if !opts.NoHistory {
		if err := rt.openHistory(bgCtx); err != nil {
			_ = rt.Close()

			return nil, err
		}
	}

	sender := opts.Sender
	if sender == nil {
		sender = notifications.NewDesktopSender(Name, logMgr.Logger("notifications"))
	}
	rt.Notifications = NewNotificationService(b, rt.CurrentConfig, sender, logMgr.Logger("app.notifications"))
	rt.Notifications.Start(bgCtx)

	return rt, nil
}

func (r *Runtime) openHistory(ctx context.Context) error {
	db, err := persistence.Open(ctx, r.Paths.DBFile)
	if err != nil {
		return err
	}
	r.DB = db
	r.DeployRepo = persistence.NewDeployRepo(db)

	if pruned, err := persistence.PruneHistory(ctx, db, HistoryKeep); err != nil {
		slog.Warn("prune deploy history", "error", err)
	} else if pruned > 0 {
		slog.Debug("pruned deploy history", "sessions", pruned)
	}

	writerQueue := persistence.NewWriterQueue(r.LogManager.Logger("persistence"), 0)
	writerQueue.Start(ctx)
	r.WriterQueue = writerQueue
	domain.StartPersistenceProjection(ctx, r.Bus, writerQueue, r.DeployRepo)

	return nil
}

func (r *Runtime) Logger(component string) *slog.Logger {
	return r.LogManager.Logger(component)
}

func (r *Runtime) CurrentConfig() config.AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.Config
}

// SaveConfig persists cfg to the config file and applies its logging section.
func (r *Runtime) SaveConfig(cfg config.AppConfig) error {
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if err := config.Save(r.Paths.ConfigFile, cfg); err != nil {
		r.mu.Unlock()

		return err
	}
	r.Config = cfg
	r.mu.Unlock()

	return r.LogManager.Configure(cfg.Logging, r.Paths.LogFile)
}

func (r *Runtime) NewProber() *device.Prober {
	p := device.NewProber(r.Logger("device.probe"))
	p.UserAgent = UserAgent()

	return p
}

func (r *Runtime) NewRestartDetector() *device.RestartDetector {
	return device.NewRestartDetector(r.Logger("device.restart"), r.Bus, r.NewProber().Probe)
}

func (r *Runtime) RestartOptions() device.RestartOptions {
	return RestartOptionsFromConfig(r.CurrentConfig().Restart)
}

// NewCoordinator wires the HTTP sender, the WebSocket progress channel and the
// restart detector into an upload coordinator.
func (r *Runtime) NewCoordinator() *upload.Coordinator {
	cfg := r.CurrentConfig()
	sender := upload.NewHTTPSender(r.Logger("upload.sender"), cfg.Upload.RequestTimeout())
	sender.UserAgent = UserAgent()

	return upload.NewCoordinator(
		r.Logger("upload"),
		r.Bus,
		sender,
		upload.WebSocketProgress(r.Logger("progress"), r.Bus, cfg.Upload.ProgressConnectTimeout()),
		r.NewRestartDetector(),
		RestartOptionsFromConfig(cfg.Restart),
	)
}

func (r *Runtime) NewDeployer() *Deployer {
	return NewDeployer(r.Logger("deploy"), r.NewCoordinator())
}

// NewDashboardClient builds a keepalive client dialing with gorilla/websocket.
func (r *Runtime) NewDashboardClient() *dashboard.Client {
	cfg := r.CurrentConfig()
	header := http.Header{}
	header.Set("User-Agent", UserAgent())
	dialer := dashboard.GorillaDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Upload.ProgressConnectTimeout(),
		},
		Header: header,
	}

	return dashboard.NewClient(r.Logger("dashboard"), r.Bus, dialer, DashboardOptionsFromConfig(cfg.Dashboard))
}

// NewConsoleMonitor opens the configured serial console. Empty arguments fall back to config.
func (r *Runtime) NewConsoleMonitor(port string, baud int) (*console.Monitor, error) {
	cfg := r.CurrentConfig().Serial
	if port = strings.TrimSpace(port); port == "" {
		port = cfg.Port
	}
	if baud <= 0 {
		baud = cfg.Baud
	}
	if port == "" {
		return nil, errors.New("serial port is not set: pass --port or set serial.port in config")
	}

	return console.NewMonitor(r.Logger("console"), r.Bus, transport.NewSerialTransport(port, baud)), nil
}

func (r *Runtime) History(ctx context.Context, limit int) ([]domain.DeploySession, error) {
	if r.DeployRepo == nil {
		return nil, errors.New("history database is not open")
	}

	return r.DeployRepo.ListRecent(ctx, limit)
}

func (r *Runtime) ClearHistory(ctx context.Context) error {
	if r.DB == nil {
		return errors.New("history database is not open")
	}
	if err := persistence.ClearDatabase(ctx, r.DB); err != nil {
		return err
	}
	slog.Info("deploy history cleared")

	return nil
}

// Close waits for pending history writes, then stops background work and releases resources.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		if r.WriterQueue != nil && r.Bus != nil {
			r.flushHistory()
		}
		if r.cancel != nil {
			r.cancel()
		}
		if r.bgCancel != nil {
			r.bgCancel()
		}
		if r.WriterQueue != nil {
			<-r.WriterQueue.Done()
		}
		if r.Bus != nil {
			r.Bus.Close()
		}
		if r.DB != nil {
			_ = r.DB.Close()
		}
		if r.LogManager != nil {
			_ = r.LogManager.Close()
		}
	})

	return nil
}

func (r *Runtime) flushHistory() {
	done := make(chan struct{})
	r.Bus.Publish(connectors.TopicSessionStatus, domain.FlushRequest{Done: done})

	select {
	case <-done:
	case <-time.After(shutdownFlushTimeout):
		slog.Warn("timed out waiting for deploy history writes")
	}
}

func RestartOptionsFromConfig(c config.RestartConfig) device.RestartOptions {
	return device.RestartOptions{
		Budget:          config.Millis(c.BudgetMS),
		PollInterval:    config.Millis(c.PollIntervalMS),
		InitialTimeout:  config.Millis(c.InitialProbeTimeoutMS),
		OfflineAttempts: c.OfflineAttempts,
		OfflineInterval: config.Millis(c.OfflineIntervalMS),
		OfflineTimeout:  config.Millis(c.OfflineProbeTimeoutMS),
		OnlineTimeout:   config.Millis(c.ProbeTimeoutMS),
	}
}

func DashboardOptionsFromConfig(c config.DashboardConfig) dashboard.Options {
	return dashboard.Options{
		PingInterval:   c.PingInterval(),
		PongTimeout:    c.PongTimeout(),
		ReconnectDelay: c.ReconnectDelay(),
	}
}
