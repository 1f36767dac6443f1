// Package app wires presencehub components together and owns their
// startup and shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"presencehub/internal/api"
	"presencehub/internal/config"
	"presencehub/internal/database"
	"presencehub/internal/heartbeat"
	"presencehub/internal/hub"
	"presencehub/internal/lesson"
	"presencehub/internal/metrics"
	"presencehub/internal/presence"
	"presencehub/internal/relay"
	"presencehub/internal/router"
	"presencehub/internal/websocket"
	pkgdatabase "presencehub/pkg/database"
	"presencehub/pkg/interfaces"
)

// Application coordinates all system components
type Application struct {
	config     *config.Config
	store      *database.Manager
	registry   *websocket.Registry
	presence   *presence.Synchronizer
	lessons    *lesson.Coordinator
	relay      *relay.Relay
	hub        *hub.Hub
	router     *router.Router
	httpServer *http.Server

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// OpenStore opens the SQLite store and applies migrations. The CLI uses it
// directly for maintenance commands.
func OpenStore(cfg *config.Config) (*database.Manager, error) {
	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}

	store, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	if err := pkgdatabase.NewMigrationManager(store.GetDB(), dbConfig.MigrationsPath).ApplyMigrations(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	log.Println("Database migrations applied successfully")
	return store, nil
}

// NewApplication creates every component in dependency order:
// store → registry → presence → lessons (+relay) → hub → router → HTTP.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	var (
		m              *metrics.Metrics
		metricsHandler http.Handler
		metricsPath    string
	)
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		reg, recorder := metrics.NewRegistry()
		m = recorder
		metricsHandler = metrics.HandlerFor(reg)
		metricsPath = cfg.Metrics.Path
	}

	registry := websocket.NewRegistry()
	registry.SetMetrics(m)

	presenceSync := presence.NewSynchronizer(store, registry, registry, m, presence.Config{
		WriteTimeout: cfg.Presence.WriteTimeout,
	})

	// Lesson events and chat fan out to other instances when a relay is configured.
	var classroom interfaces.Broadcaster = registry
	var lessonRelay *relay.Relay
	if cfg.Relay.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		lessonRelay, err = relay.New(ctx, relay.Config{
			Addr:     cfg.Relay.Addr,
			Password: cfg.Relay.Password,
			DB:       cfg.Relay.DB,
			Channel:  cfg.Relay.Channel,
		}, registry, m)
		cancel()
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		classroom = lessonRelay
	}

	coordinator := lesson.NewCoordinator(store, classroom, m, lesson.Config{
		MaxDurationMinutes: cfg.Lesson.MaxDurationMinutes,
	})

	monitor := heartbeat.NewMonitor(heartbeat.Config{
		Interval:    cfg.WebSocket.PingInterval,
		PingTimeout: cfg.WebSocket.PingTimeout,
	}, m)

	messageHub := hub.NewHub(registry, presenceSync, coordinator, monitor, store, m, hub.Config{
		ReconcileInterval: cfg.Presence.ReconcileInterval,
	})

	// Expiry callbacks run on the hub loop; once the hub is gone they run inline.
	coordinator.SetDispatcher(func(f func()) {
		if err := messageHub.Enqueue(f); err != nil {
			f()
		}
	})

	messageRouter := router.NewRouter(messageHub, coordinator, classroom, m, router.Config{
		RateLimit:  cfg.WebSocket.RateLimit,
		RateWindow: cfg.WebSocket.RateWindow,
	})

	wsHandler := websocket.NewHandler(messageHub, messageRouter, websocket.HandlerConfig{
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	apiServer := api.NewServer(store, messageHub, coordinator, api.Config{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		WebSocket:      http.HandlerFunc(wsHandler.HandleWebSocket),
		Metrics:        metricsHandler,
		MetricsPath:    metricsPath,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		store:      store,
		registry:   registry,
		presence:   presenceSync,
		lessons:    coordinator,
		relay:      lessonRelay,
		hub:        messageHub,
		router:     messageRouter,
		httpServer: httpServer,
	}, nil
}

// Start clears stale presence, starts background work and begins serving.
// It returns once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	resetCtx, cancelReset := context.WithTimeout(ctx, app.config.Database.Timeout)
	err := app.presence.ResetStore(resetCtx)
	cancelReset()
	if err != nil {
		return fmt.Errorf("failed to reset presence: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	runCtx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	app.presence.Start()
	if err := app.hub.Start(runCtx); err != nil {
		cancel()
		_ = listener.Close()
		return fmt.Errorf("failed to start hub: %w", err)
	}

	if app.relay != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			if err := app.relay.Run(runCtx); err != nil {
				log.Printf("Relay stopped: %v", err)
			}
		}()
	}

	app.wg.Add(1)
	go app.cleanupRateLimits(runCtx)

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	log.Printf("presencehub listening on %s", listener.Addr())
	return nil
}

func (app *Application) cleanupRateLimits(ctx context.Context) {
	defer app.wg.Done()

	ticker := time.NewTicker(app.config.WebSocket.RateWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.router.RateLimiter().Cleanup()
		}
	}
}

// Stop shuts down in reverse order. Lesson timers are cancelled without
// broadcasting and every user is left inactive in the store.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down presencehub")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		log.Printf("Hub shutdown error: %v", err)
	}
	// Hijacked websocket connections are not covered by Shutdown.
	for _, conn := range app.registry.Connections() {
		_ = conn.Close()
	}

	app.lessons.Shutdown()

	if app.cancel != nil {
		app.cancel()
	}
	app.wg.Wait()

	app.presence.Stop()
	if err := app.presence.ResetStore(ctx); err != nil {
		log.Printf("Failed to clear presence on shutdown: %v", err)
	}

	if app.relay != nil {
		if err := app.relay.Close(); err != nil {
			log.Printf("Relay close error: %v", err)
		}
	}

	if err := app.store.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
	}

	log.Printf("presencehub shutdown complete")
	return nil
}

// GetAddr returns the bound address once started, else the configured one.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Store exposes the user store for seeding and maintenance.
func (app *Application) Store() *database.Manager {
	return app.store
}
