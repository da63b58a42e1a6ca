// Package bootstrap wires all dependencies and starts the application.
// Configuration comes from a YAML file (hot-reloaded when present) or from
// QUOTAGATE_* environment variables.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/artpar/quotagate/adapters/clock"
	"github.com/artpar/quotagate/adapters/hasher"
	apihttp "github.com/artpar/quotagate/adapters/http"
	"github.com/artpar/quotagate/adapters/idgen"
	"github.com/artpar/quotagate/adapters/memory"
	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/adapters/remote"
	"github.com/artpar/quotagate/adapters/sqlite"
	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/config"
	"github.com/artpar/quotagate/core/events"
	"github.com/artpar/quotagate/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// App represents the running application.
type App struct {
	Logger zerolog.Logger
	// Config is the configuration the app was started with. Reloads are
	// applied to the services, not to this field.
	Config     *config.Config
	DB         *sqlite.DB // nil with the memory driver
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Registry   *prometheus.Registry

	Gate     *app.Gate
	Rollover *app.RolloverService
	Catalog  *app.CachedCatalog
	Counters ports.CounterStore
	Records  ports.RecordStore
	Events   ports.EventLog
	Bus      *events.Bus
	Stream   *apihttp.StreamHub
	History  *HistoryWriter

	holder       *config.Holder
	seeder       planSeeder
	logCloser    io.Closer
	version      string
	shutdownOnce sync.Once
}

// Options configure New.
type Options struct {
	// ConfigPath is the YAML config file. When it does not exist the
	// configuration is read from the environment.
	ConfigPath string
	Version    string
	// LogOutput overrides stdout for logs (tests).
	LogOutput io.Writer
}

// New creates and initializes the application without starting it.
func New(opts Options) (*App, error) {
	a := &App{version: opts.Version}

	var cfg *config.Config
	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
			holder, err := config.NewHolder(opts.ConfigPath, bootLogger)
			if err != nil {
				return nil, err
			}
			a.holder = holder
			cfg = holder.Get()
		}
	}
	if cfg == nil {
		var err error
		cfg, err = config.LoadFromEnv()
		if err != nil {
			return nil, err
		}
	}
	a.Config = cfg

	logOut := opts.LogOutput
	if logOut == nil {
		logOut = os.Stdout
	}
	a.Logger, a.logCloser = NewLogger(cfg.Logging, logOut)
	if a.holder != nil {
		a.holder.SetLogger(a.Logger)
	}
	a.Logger.Info().Str("version", opts.Version).Msg("initializing quotagate")

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewWithRegistry(a.Registry)

	if err := a.init(context.Background()); err != nil {
		a.Shutdown()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config
	clk := clock.Real{}

	if err := a.initStorage(ctx, clk); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	base, err := a.initCatalog(ctx, clk)
	if err != nil {
		return fmt.Errorf("init catalog: %w", err)
	}
	a.Catalog = app.NewCachedCatalog(base, cfg.Catalog.TTL, a.Logger)

	a.Bus = events.NewBus(idgen.UUID{}, clk, a.Logger)
	a.History = NewHistoryWriter(a.Events, 100, time.Second, a.Logger)
	a.Stream = apihttp.NewStreamHub(a.Logger, a.Metrics)
	a.Bus.Subscribe("transition.*", a.History.HandleEvent)
	a.Bus.Subscribe("transition.*", a.Stream.HandleEvent)

	a.Gate, err = app.NewGate(app.GateDeps{
		Counters:  a.Counters,
		Records:   a.Records,
		Catalog:   a.Catalog,
		Publisher: a.Bus,
		Clock:     clk,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
	}, GateConfig(cfg))
	if err != nil {
		return fmt.Errorf("init gate: %w", err)
	}

	a.Rollover = app.NewRolloverService(app.RolloverDeps{
		Counters: a.Counters,
		Gate:     a.Gate,
		Clock:    clk,
		Metrics:  a.Metrics,
		Logger:   a.Logger,
	})

	a.initHTTPServer()

	if a.holder != nil {
		a.holder.OnChange(a.applyConfig)
		a.holder.OnError(func(err error) {
			a.Metrics.RecordConfigReload(err)
		})
	}
	return nil
}

func (a *App) initStorage(ctx context.Context, clk ports.Clock) error {
	cfg := a.Config.Database
	if cfg.Driver == "memory" {
		a.Counters = memory.NewCounterStore(memory.CounterStoreConfig{Clock: clk})
		a.Records = memory.NewRecordStore(0)
		a.Events = memory.NewEventLog(0)
		a.Logger.Warn().Msg("using in-memory storage, state is lost on restart")
		return nil
	}

	db, err := sqlite.OpenDriver(cfg.Driver, cfg.DSN)
	if err != nil {
		return err
	}
	if err := db.MigrateContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	a.DB = db
	a.Counters = sqlite.NewCounterStore(db, clk)
	a.Records = sqlite.NewRecordStore(db)
	a.Events = sqlite.NewEventLog(db)
	a.Logger.Info().Str("driver", cfg.Driver).Str("dsn", cfg.DSN).Msg("database initialized")
	return nil
}

func (a *App) initCatalog(ctx context.Context, clk ports.Clock) (ports.PlanCatalog, error) {
	cfg := a.Config.Catalog
	if cfg.Mode == "remote" {
		client := remote.NewClient(remote.ClientConfig{
			BaseURL: cfg.Remote.URL,
			APIKey:  cfg.Remote.APIKey,
			Timeout: cfg.Remote.Timeout,
			Headers: cfg.Remote.Headers,
		})
		a.Logger.Info().Str("url", cfg.Remote.URL).Msg("using remote plan catalog")
		return remote.NewPlanCatalog(client), nil
	}

	if a.DB != nil {
		store := sqlite.NewPlanStore(a.DB, clk)
		a.seeder = sqlitePlanSeeder{store: store}
	} else {
		a.seeder = memoryPlanSeeder{catalog: memory.NewPlanCatalog(cfg.DefaultPlan)}
	}
	if err := seedPlans(ctx, a.seeder, cfg); err != nil {
		return nil, err
	}
	a.Logger.Info().Int("plans", len(cfg.Plans)).Int("accounts", len(cfg.Accounts)).Msg("local plan catalog loaded")
	return a.seeder.Catalog(), nil
}

func (a *App) initHTTPServer() {
	cfg := a.Config

	var health *apihttp.HealthHandler
	if a.DB != nil {
		health = apihttp.NewHealthHandler(a.DB)
	} else {
		health = apihttp.NewHealthHandler(nil)
	}

	handler := apihttp.NewHandler(apihttp.HandlerDeps{
		Gate:     a.Gate,
		Rollover: a.Rollover,
		Counters: a.Counters,
		Events:   a.Events,
		Logger:   a.Logger,
	})

	routerCfg := apihttp.RouterConfig{
		Version:        a.version,
		EnableOpenAPI:  cfg.OpenAPI.Enabled,
		Stream:         a.Stream,
		RequestTimeout: cfg.Server.WriteTimeout,
	}
	if cfg.Metrics.Enabled {
		routerCfg.Metrics = a.Metrics
		routerCfg.MetricsPath = cfg.Metrics.Path
		routerCfg.Gatherer = a.Registry
	}
	if cfg.Admin.TokenHash != "" {
		routerCfg.AdminTokenHash = []byte(cfg.Admin.TokenHash)
		routerCfg.Hasher = hasher.NewBcrypt(0)
	}

	router := apihttp.NewRouter(handler, health, a.Logger, routerCfg)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	a.HTTPServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		// no WriteTimeout: event streams are long-lived
	}
	a.Logger.Info().Str("addr", addr).Msg("http server configured")
}

// GateConfig maps the engine section to the gate configuration.
func GateConfig(cfg *config.Config) app.GateConfig {
	e := cfg.Engine
	return app.GateConfig{
		Thresholds:     e.Thresholds(),
		GraceDuration:  e.GraceDuration,
		FailMode:       app.FailMode(e.FailMode),
		StrictMetrics:  e.StrictMetrics,
		MinSampleRate:  e.MinSampleRate,
		CheckTimeout:   e.CheckTimeout,
		StatusCacheTTL: e.StatusCacheTTL,
		LockShards:     e.LockShards,
	}
}

// applyConfig applies a reloaded configuration to the running services.
func (a *App) applyConfig(cfg *config.Config) {
	a.Metrics.RecordConfigReload(nil)

	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if err := a.Gate.UpdateConfig(GateConfig(cfg)); err != nil {
		a.Logger.Error().Err(err).Msg("rejected engine config")
	}

	a.Catalog.SetTTL(cfg.Catalog.TTL)
	if a.seeder != nil {
		if err := seedPlans(context.Background(), a.seeder, cfg.Catalog); err != nil {
			a.Logger.Error().Err(err).Msg("failed to reload plans")
		}
	}
	a.Catalog.Purge()
}

// Run starts the HTTP server and background jobs and blocks until a
// termination signal arrives or the server fails.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext is Run with a caller-controlled lifetime.
func (a *App) RunContext(ctx context.Context) error {
	if a.holder != nil {
		if err := a.holder.WatchFile(); err != nil {
			a.Logger.Warn().Err(err).Msg("config file watch disabled")
		}
		a.holder.WatchSignals()
	}

	if a.Config.Rollover.Enabled {
		if err := a.Rollover.Start(ctx, a.Config.Rollover.Schedule); err != nil {
			return fmt.Errorf("start rollover: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.Logger.Info().Msg("shutting down")
		return a.Shutdown()
	})
	return g.Wait()
}

// Shutdown gracefully stops the application. It is safe to call on a
// partially initialized App.
func (a *App) Shutdown() error {
	a.shutdownOnce.Do(a.shutdown)
	return nil
}

func (a *App) shutdown() {
	timeout := 30 * time.Second
	if a.Config != nil && a.Config.Server.ShutdownTimeout > 0 {
		timeout = a.Config.Server.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.holder != nil {
		a.holder.Stop()
	}
	if a.Rollover != nil {
		a.Rollover.Stop()
	}
	if a.Stream != nil {
		a.Stream.Close()
	}
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("history writer close error")
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}
