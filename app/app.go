// Package app wires the configured stores, browser, broker and servers into one worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"

	"github.com/commission-vm/apperr"
	"github.com/commission-vm/blob"
	"github.com/commission-vm/browser"
	"github.com/commission-vm/config"
	"github.com/commission-vm/logging"
	"github.com/commission-vm/otp"
	"github.com/commission-vm/runner"
	"github.com/commission-vm/scrapers"
	"github.com/commission-vm/server"
	"github.com/commission-vm/session"
	"github.com/commission-vm/sites"
	"github.com/commission-vm/store"
)

// App is a fully wired worker. Close releases the stores and connections it opened.
type App struct {
	Config *config.Config
	Logger *log.Logger
	Store  store.Store
	Sites  *sites.Catalog
	Broker *otp.Broker
	Hub    *server.Hub
	Runner *runner.Runner

	closers []func() error
}

// New opens everything cfg names. Redis is optional; without it OTP keys and batch locks
// stay in process.
func New(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	catalog := sites.Default()
	if cfg.Sites.OverridesFile != "" {
		merged, err := sites.LoadOverrides(catalog, cfg.Sites.OverridesFile)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfiguration, "load site overrides", err)
		}
		catalog = merged
	}
	a.Sites = catalog

	db, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.Store = db
	a.closers = append(a.closers, db.Close)

	var keys otp.KeyStore = otp.NewMemoryKeys(cfg.OTP.KeyTTL.Std())
	var locker runner.Locker = runner.NewLocalLocker()
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis %s: %w", cfg.Redis.Addr, err)
		}
		// External writers use the bare otp_{job}_{site} key names.
		keys = otp.NewRedisKeys(rdb, "", cfg.OTP.KeyTTL.Std())
		locker = runner.NewRedisLocker(rdb, "")
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("using redis for OTP keys and batch locks")
	}

	blobs, err := blob.New(cfg.Blob)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "open blob store", err)
	}

	a.Hub = server.NewHub(nil, logger)
	a.Broker = otp.New(otp.Options{
		Records:      db,
		Keys:         keys,
		Notifier:     a.Hub,
		Logger:       logger,
		PollInterval: cfg.OTP.PollInterval.Std(),
		Timeout:      cfg.OTP.Timeout.Std(),
	})
	a.Hub.SetBroker(a.Broker)

	downloadDir, err := filepath.Abs(cfg.Browser.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("resolve download dir: %w", err)
	}
	launcher := browser.NewChromeLauncher(browser.Options{
		// Debug runs headful so the operator can watch the portal.
		Headless:  cfg.Browser.Headless && !cfg.Browser.Debug,
		Debug:     cfg.Browser.Debug,
		UserAgent: cfg.Browser.UserAgent,
		Locale:    cfg.Browser.Locale,
		Timeout:   cfg.Browser.NavTimeout.Std(),
	}, logger)

	orch := &session.Orchestrator{
		Launcher:    launcher,
		Adapters:    scrapers.NewRegistry(),
		OTP:         a.Broker,
		Blob:        blobs,
		Jobs:        db,
		Snapshots:   &browser.Snapshotter{Dir: filepath.Join(downloadDir, "diagnostics"), Logger: logger},
		Notifier:    a.Hub,
		Logger:      logger,
		DownloadDir: downloadDir,
		OtpTimeout:  cfg.OTP.Timeout.Std(),
	}

	var creds store.CredentialSource = db
	if cfg.Credentials.MappingFile != "" {
		m, err := store.LoadMappingFile(cfg.Credentials.MappingFile)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindCredential, "load credentials mapping", err)
		}
		creds = m
	}

	a.Runner = &runner.Runner{
		Jobs:        db,
		Otps:        db,
		Credentials: creds,
		Sites:       catalog,
		Session:     orch,
		Locker:      locker,
		Notifier:    a.Hub,
		Logger:      logger,
		HandleOTP:   cfg.OTP.Handle,
	}

	ok = true
	return a, nil
}

// OpenStore opens the backend named by cfg.Backend. Postgres is migrated on open.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *log.Logger) (store.Store, error) {
	logger = logging.Component(logger, "store")
	switch cfg.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "", "badger":
		return store.OpenBadger(cfg.BadgerPath, logger)
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.PostgresDSN, cfg.MaxConns, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	}
	return nil, apperr.Configuration("open store", "unknown store backend %q", cfg.Backend)
}

// Serve runs the gRPC exchange, the HTTP endpoints and the websocket hub until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", ":"+a.Config.Server.GRPCPort)
	if err != nil {
		return fmt.Errorf("failed to listen on grpc port %s: %w", a.Config.Server.GRPCPort, err)
	}
	httpLis, err := net.Listen("tcp", ":"+a.Config.Server.HTTPPort)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("failed to listen on http port %s: %w", a.Config.Server.HTTPPort, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.Hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		gs := server.NewGRPCServer(&server.OTPExchange{Broker: a.Broker, Logger: a.Logger})
		if errs[0] = server.ServeGRPC(ctx, gs, grpcLis, a.Logger); errs[0] != nil {
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if errs[1] = server.ServeHTTP(ctx, server.NewHTTPHandler(a.Hub), httpLis, a.Logger); errs[1] != nil {
			cancel()
		}
	}()
	wg.Wait()
	return errors.Join(errs...)
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
