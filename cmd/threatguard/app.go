package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/caasmo/threatguard/admin"
	"github.com/caasmo/threatguard/alert"
	"github.com/caasmo/threatguard/cache"
	"github.com/caasmo/threatguard/cache/ristretto"
	"github.com/caasmo/threatguard/config"
	"github.com/caasmo/threatguard/core/prerouter"
	"github.com/caasmo/threatguard/detector"
	"github.com/caasmo/threatguard/ledger"
	badgerstore "github.com/caasmo/threatguard/ledger/badger"
	"github.com/caasmo/threatguard/ledger/jsonfile"
	"github.com/caasmo/threatguard/ledger/zombiezen"
	"github.com/caasmo/threatguard/logger"
	"github.com/caasmo/threatguard/maintenance"
	"github.com/caasmo/threatguard/notify"
	"github.com/caasmo/threatguard/notify/discord"
	"github.com/caasmo/threatguard/notify/mail"
	"github.com/caasmo/threatguard/notify/webhook"
	"github.com/caasmo/threatguard/proxy"
	"github.com/caasmo/threatguard/server"
)

const ledgerLoadTimeout = 30 * time.Second

// app holds every component of a running engine.
type app struct {
	// provider holds the effective configuration; SIGHUP replaces it.
	provider *config.Provider
	logger   *slog.Logger
	sink     *logger.Sink
	registry *prometheus.Registry

	ledger    *ledger.Ledger
	detector  *detector.Detector
	cooldown  cache.Cache[string, time.Time]
	alerts    *alert.Dispatcher
	scheduler *maintenance.Scheduler
	handler   http.Handler
	admin     *admin.API

	// closers release storage after the server stopped, in order.
	closers []func() error
}

// newApp wires the engine from cfg. On error every resource opened so far
// is released.
func newApp(cfg *config.Config, log *slog.Logger, sink *logger.Sink) (a *app, err error) {
	a = &app{
		provider: config.NewProvider(cfg),
		logger:   log,
		sink:     sink,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := a.openStore()
	if err != nil {
		return a, err
	}
	a.ledger = ledger.New(store, log)
	loadCtx, cancel := context.WithTimeout(context.Background(), ledgerLoadTimeout)
	if _, err := a.ledger.Load(loadCtx); err != nil {
		// an unreadable snapshot means starting with an empty ledger
		log.Error("failed to load block ledger, starting empty", "backend", cfg.Ledger.Backend, "error", err)
	}
	cancel()

	var alerter detector.Alerter
	if cfg.Alert.Activated {
		n, err := buildNotifier(cfg.Notifier, log)
		if err != nil {
			return a, err
		}
		a.cooldown, err = ristretto.New[time.Time]("small")
		if err != nil {
			return a, fmt.Errorf("alert cooldown cache: %w", err)
		}
		a.alerts = alert.NewDispatcher(cfg.Alert, n, a.cooldown, log)
		alerter = a.alerts
	}

	a.detector, err = detector.New(cfg, a.ledger, alerter, log)
	if err != nil {
		return a, err
	}

	if cfg.Maintenance.Activated {
		a.scheduler = maintenance.NewScheduler(cfg.Maintenance, a.ledger, a.detector.Tracker(), log)
	}

	a.handler, err = a.buildHandler()
	if err != nil {
		return a, err
	}

	if cfg.Admin.Activated {
		var opts []admin.Option
		if a.scheduler != nil {
			opts = append(opts, admin.WithSweeper(a.scheduler))
		}
		if cfg.Metrics.Activated {
			opts = append(opts, admin.WithMetrics(cfg.Metrics.Endpoint, a.registry))
		}
		a.admin, err = admin.New(a.detector, []byte(cfg.Admin.JwtSecret), log, opts...)
		if err != nil {
			return a, err
		}
	}
	return a, nil
}

func (a *app) openStore() (ledger.Store, error) {
	cfg := a.provider.Get()
	path := cfg.Ledger.Path
	switch cfg.Ledger.Backend {
	case config.LedgerBackendMemory:
		return ledger.NewMemoryStore(), nil
	case config.LedgerBackendFile:
		return jsonfile.New(path, a.logger), nil
	case config.LedgerBackendSqlite:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		pool, err := zombiezen.NewPool(path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		return zombiezen.New(context.Background(), pool)
	case config.LedgerBackendBadger:
		db, err := badgerstore.Open(path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return badgerstore.New(db, a.logger), nil
	default:
		return nil, fmt.Errorf("ledger: unknown backend %q", cfg.Ledger.Backend)
	}
}

// buildNotifier fans out to every activated sink. None activated yields a
// notifier that discards.
func buildNotifier(cfg config.Notifier, log *slog.Logger) (notify.Notifier, error) {
	var sinks []notify.Notifier
	if cfg.Discord.Activated {
		n, err := discord.New(cfg.Discord, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, n)
	}
	for _, wh := range cfg.Webhook {
		n, err := webhook.New(wh, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, n)
	}
	if cfg.Mail.Activated {
		n, err := mail.New(cfg.Mail, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, n)
	}

	switch len(sinks) {
	case 0:
		log.Warn("alerts activated but no notifier configured, alerts are only logged")
		return notify.NewNilNotifier(), nil
	case 1:
		return sinks[0], nil
	default:
		return notify.NewMultiNotifier(sinks...), nil
	}
}

// buildHandler assembles the inbound chain in front of the upstream proxy.
func (a *app) buildHandler() (http.Handler, error) {
	cfg := a.provider.Get()
	px, err := proxy.New(cfg.Server.Upstream, a.logger)
	if err != nil {
		return nil, err
	}
	proxyHeader := cfg.Server.ClientIpProxyHeader

	chain := prerouter.NewChain(px).WithMiddleware(
		prerouter.NewRecorder().Execute,
		prerouter.NewRequestLog(a.logger, proxyHeader).Execute,
	)
	if cfg.Metrics.Activated {
		chain.WithMiddleware(prerouter.NewMetrics(a.logger, a.registry).Execute)
	}
	chain.WithMiddleware(
		prerouter.NewThreatGuard(a.detector, proxyHeader, a.logger, a.registry).Execute,
		prerouter.NewBlockRequestBody(cfg.BlockRequestBody).Execute,
	)
	return chain.Handler(), nil
}

// newServer registers listeners and daemons. SIGHUP runs reload.
func (a *app) newServer() *server.Server {
	cfg := a.provider.Get()
	srv := server.NewServer(cfg.Server, a.handler, a.logger, a.reload)
	if a.admin != nil {
		srv.AddListener("admin", cfg.Admin.Addr, a.admin)
	}
	if a.alerts != nil {
		srv.AddDaemon(a.alerts)
	}
	if a.scheduler != nil {
		srv.AddDaemon(a.scheduler)
	}
	srv.OnShutdown(func() {
		if err := a.close(); err != nil {
			a.logger.Error("error releasing resources", "error", err)
		}
	})
	return srv
}

// reload flushes a stale ledger snapshot, rotates the log file and
// replaces the provider's configuration with the re-read file. An invalid
// file keeps the current configuration.
func (a *app) reload() error {
	a.ledger.Flush()
	if err := a.sink.Rotate(); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}

	src := a.provider.Get().Source
	if src == "" {
		return nil
	}
	cfg, err := config.Load(src, a.logger)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	a.provider.Update(cfg)
	a.applyLive()
	a.logger.Info("configuration reloaded", "path", src)
	return nil
}

// applyLive applies the settings that take effect without a restart from
// the provider's current configuration. Everything else is read once at
// startup.
func (a *app) applyLive() {
	cfg := a.provider.Get()
	a.sink.SetLevel(cfg.Log.Level.Level)
}

// close flushes the ledger and releases storage, the cooldown cache and
// the log file.
func (a *app) close() error {
	if a.ledger != nil {
		a.ledger.Flush()
	}
	if a.cooldown != nil {
		a.cooldown.Close()
	}
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
