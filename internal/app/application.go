// Package app wires every component into one runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"discosync/internal/api"
	"discosync/internal/config"
	"discosync/internal/database"
	"discosync/internal/hub"
	"discosync/internal/router"
	"discosync/internal/session"
	"discosync/internal/telemetry"
	"discosync/internal/websocket"
	pkgdatabase "discosync/pkg/database"
	"discosync/pkg/types"
)

// MaintenanceInterval is how often idle rate limiter entries are reclaimed.
const MaintenanceInterval = time.Minute

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	log        zerolog.Logger
	dbManager  *database.Manager
	sessions   *session.Registry
	sockets    *websocket.Registry
	router     *router.Router
	hub        *hub.Hub
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Sessions → Hub → Router → Sockets → API → HTTP
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Database manager (feature flags + lifecycle audit log); migrations run on open
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.WriteTimeout = cfg.Database.Timeout

	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
	defer cancel()
	if err := dbManager.EnsureFeatureFlags(ctx, featureDefaults(cfg.Features)); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to seed feature flags: %w", err)
	}

	// STEP 2: Session registry, the single owner of live playback state
	sessions := session.NewRegistry(logger)

	// STEP 3: Notification hub; HasLiveSession answers new subscribers
	messageHub := hub.NewHub(sessions, logger)

	// STEP 4: Command processor
	messageRouter := router.NewRouter(sessions, messageHub, dbManager, logger,
		router.WithTracer(telemetry.Tracer()),
		router.WithRateLimit(cfg.Sync.CommandRateLimit),
	)

	// STEP 5: Socket tracking and the upgrade handler
	sockets := websocket.NewRegistry()
	wsHandler := websocket.NewHandler(
		sockets,
		sessions,
		messageRouter,
		messageHub,
		dbManager,
		websocket.HandlerConfigFrom(cfg),
		logger,
	)

	// STEP 6: REST + socket routes on one router
	apiServer := api.NewServer(sessions, dbManager, sockets, messageHub, wsHandler, logger)

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		log:        logger.With().Str("component", "app").Logger(),
		dbManager:  dbManager,
		sessions:   sessions,
		sockets:    sockets,
		router:     messageRouter,
		hub:        messageHub,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

func featureDefaults(f config.FeaturesConfig) map[string]bool {
	return map[string]bool{
		types.FeatureAudioService:     f.AudioServiceEnabled,
		types.FeatureVideoService:     f.VideoServiceEnabled,
		types.FeatureStreamingService: f.StreamingServiceEnabled,
	}
}

// Start begins application execution
// FUNCTIONAL DISCOVERY: Hub starts first so no lifecycle event is lost, then the
// listener is bound synchronously so address errors surface here
func (app *Application) Start(ctx context.Context) error {
	app.log.Info().Str("addr", app.httpServer.Addr).Msg("starting discosync")

	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start notification hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	app.mu.Lock()
	app.listener = listener
	app.cancel = cancel
	app.mu.Unlock()

	app.wg.Add(2)
	go func() {
		defer app.wg.Done()
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.log.Error().Err(err).Msg("http server stopped")
		}
	}()
	go func() {
		defer app.wg.Done()
		app.maintain(runCtx)
	}()

	app.log.Info().Str("addr", listener.Addr().String()).Msg("discosync started")
	return nil
}

// maintain reclaims idle per-connection rate limiters until ctx is done.
func (app *Application) maintain(ctx context.Context) {
	ticker := time.NewTicker(MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := app.router.Cleanup(); n > 0 {
				app.log.Debug().Int("removed", n).Msg("reclaimed idle rate limiters")
			}
		}
	}
}

// Stop gracefully shuts down the application
// ARCHITECTURAL DISCOVERY: Reverse dependency order: HTTP → sockets → sessions →
// hub → pending audit writes → database
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info().Msg("shutting down discosync")

	app.mu.Lock()
	cancel := app.cancel
	app.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	// STEP 1: Stop accepting new connections; hijacked sockets are not covered
	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.log.Warn().Err(err).Msg("http server shutdown error")
	}

	// STEP 2: Close every open socket; handlers run their own Leave
	if n := app.sockets.CloseAll(); n > 0 {
		app.log.Info().Int("sockets", n).Msg("closed open sockets")
	}
	app.sessions.Shutdown()

	// STEP 3: Flush pending notifications
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.log.Warn().Err(err).Msg("notification hub shutdown error")
	}

	// STEP 4: Let in-flight audit writes land before the store closes
	app.router.Wait()
	app.wg.Wait()

	if err := app.dbManager.Close(); err != nil {
		app.log.Warn().Err(err).Msg("database shutdown error")
	}

	app.log.Info().Msg("discosync shutdown complete")
	return nil
}

// GetAddr returns the bound listener address once started, the configured one before.
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the routed HTTP handler.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}
