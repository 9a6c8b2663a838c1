package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"flowdeck-auth/internal/auth"
	"flowdeck-auth/internal/calendar"
	"flowdeck-auth/internal/config"
	"flowdeck-auth/internal/storage"
	"flowdeck-auth/internal/worker"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// taskQueue accepts calendar syncs for background processing.
type taskQueue interface {
	Enqueue(ev calendar.TaskEvent) bool
	Stats() worker.PoolStats
}

// database is the part of the user store the application manages directly.
type database interface {
	Ping(ctx context.Context) error
	GetMigrationStatus(ctx context.Context) (storage.MigrationStatus, error)
	Close() error
}

// Application holds all the major components of the service.
type Application struct {
	Config        *config.Config
	Logger        *logrus.Logger
	Storage       database
	Auth          *auth.OAuthManager
	Calendar      calendar.EventWriter
	Dispatcher    taskQueue
	HttpServer    *http.Server
	MetricsServer *http.Server

	validate   *validator.Validate
	dispatcher *calendar.Dispatcher
}

// New creates and initializes a new Application instance.
func New(cfg *config.Config, logger *logrus.Logger) (*Application, error) {
	if logger == nil {
		logger = NewLogger(cfg.LogLevel, nil)
	}

	// Setup: Database
	key, err := cfg.Key()
	if err != nil {
		return nil, err
	}
	dbCfg := storage.DefaultConfig()
	dbCfg.Path = cfg.DBPath
	dbCfg.EncryptionKey = key
	store, err := storage.OpenDatabase(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open user store: %w", err)
	}
	if status, err := store.GetMigrationStatus(context.Background()); err == nil {
		logger.WithField("schema_version", status.Version).Info("user store ready")
	}

	// Setup: Google clients. A zero timeout leaves outbound calls bounded
	// only by the request context.
	googleClient := &http.Client{Timeout: cfg.Google.HTTPTimeout.Duration}

	oauthManager := auth.NewOAuthManager(authSettings(cfg), store, googleClient,
		auth.WithStateStore(auth.NewInMemoryStateStore(auth.WithTTL(cfg.StateTTL.Duration))),
		auth.WithLogger(logger),
	)

	syncOpts := []calendar.SyncOption{
		calendar.WithHTTPClient(googleClient),
		calendar.WithRateLimit(cfg.Calendar.RequestsPerSecond, cfg.Calendar.Burst),
		calendar.WithSyncLogger(logger),
	}
	if cfg.Google.CalendarAPIBase != "" {
		syncOpts = append(syncOpts, calendar.WithEndpoint(cfg.Google.CalendarAPIBase))
	}
	syncService := calendar.NewSyncService(store, oauthManager.Tokens(), syncOpts...)

	// Setup: background sync
	dispatcher := calendar.NewDispatcher(syncService, calendar.DispatcherConfig{
		Workers:   cfg.Calendar.Workers,
		QueueSize: cfg.Calendar.QueueSize,
	}, logger)

	app := &Application{
		Config:     cfg,
		Logger:     logger,
		Storage:    store,
		Auth:       oauthManager,
		Calendar:   syncService,
		Dispatcher: dispatcher,
		dispatcher: dispatcher,
	}

	// Setup: HTTP Server for metrics
	if cfg.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		app.MetricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	// Setup: Main HTTP Server
	app.HttpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return app, nil
}

func authSettings(cfg *config.Config) auth.Settings {
	g := cfg.Google
	return auth.Settings{
		ClientID:             g.ClientID,
		ClientSecret:         g.ClientSecret,
		RedirectURI:          g.RedirectURI,
		Scope:                g.Scope,
		AuthorizationURI:     g.AuthorizationURI,
		TokenURI:             g.TokenURI,
		TokenInfoURI:         g.TokenInfoURI,
		CalendarRedirectURI:  g.CalendarRedirectURI,
		CalendarScope:        g.CalendarScope,
		RequireVerifiedEmail: g.RequireVerifiedEmail,
	}
}

// routes registers every endpoint on a method-aware mux.
func (a *Application) routes() http.Handler {
	if a.validate == nil {
		a.validate = validator.New()
	}

	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, a.instrument(pattern, h))
	}

	handle("GET /oauth/google/start", a.handleGoogleStart)
	handle("GET /oauth/google/callback", a.handleGoogleCallback)
	handle("GET /oauth/google/calendar/start", a.handleCalendarStart)
	handle("GET /oauth/google/calendar/callback", a.handleCalendarCallback)
	handle("POST /calendar/google/sync-task", a.handleSyncTask)
	handle("POST /calendar/google/sync-task/async", a.handleSyncTaskAsync)
	handle("GET /healthz", a.handleHealth)
	handle("GET /readyz", a.handleReady)

	return a.withRequestID(a.recoverPanics(mux))
}

// Start binds the listeners and serves in the background. Bind failures are
// returned; later serve errors are logged.
func (a *Application) Start(ctx context.Context) error {
	a.Logger.Info("Starting application services...")

	if a.MetricsServer != nil {
		if err := a.serve(a.MetricsServer, "metrics"); err != nil {
			return err
		}
	}
	return a.serve(a.HttpServer, "http")
}

func (a *Application) serve(srv *http.Server, name string) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for %s server on %s: %w", name, srv.Addr, err)
	}
	a.Logger.WithField("addr", ln.Addr().String()).Infof("Starting %s server", name)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.WithError(err).Errorf("%s server stopped unexpectedly", name)
		}
	}()
	return nil
}

// Stop gracefully shuts down the application's services.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.Info("Stopping application services...")

	timeout := 5 * time.Second
	if a.Config != nil && a.Config.ShutdownTimeout.Duration > 0 {
		timeout = a.Config.ShutdownTimeout.Duration
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Both servers drain in parallel under the same deadline.
	var g errgroup.Group
	for name, srv := range map[string]*http.Server{"HTTP": a.HttpServer, "Metrics": a.MetricsServer} {
		if srv == nil {
			continue
		}
		g.Go(func() error {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.Logger.WithError(err).Errorf("%s server shutdown error", name)
				return err
			}
			return nil
		})
	}

	var errs []error
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	// Queued syncs finish before the store they read from closes.
	if a.dispatcher != nil {
		a.dispatcher.Stop()
		if failures := a.dispatcher.Failures(); len(failures) > 0 {
			a.Logger.WithField("failures", len(failures)).Warn("Background calendar syncs failed during this run")
		}
		a.Logger.Info("Calendar dispatcher stopped.")
	}

	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.Logger.WithError(err).Error("Error closing database")
			errs = append(errs, err)
		}
	}

	a.Logger.Info("Application stopped gracefully.")
	return errors.Join(errs...)
}
