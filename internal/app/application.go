package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"roomrelay/internal/api"
	"roomrelay/internal/archive"
	"roomrelay/internal/config"
	"roomrelay/internal/identity"
	"roomrelay/internal/ratelimit"
	"roomrelay/internal/room"
	"roomrelay/internal/session"
	"roomrelay/internal/websocket"
	pkgdatabase "roomrelay/pkg/database"
	"roomrelay/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	base       zerolog.Logger
	logger     zerolog.Logger
	registry   *room.Registry
	resolver   *identity.Resolver
	store      *archive.Store      // nil when archiving is disabled
	dispatcher *archive.Dispatcher // nil when archiving is disabled
	wsHandler  *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	errCh    chan error
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Archive → Registry → Identity → WebSocket → API → HTTP
func NewApplication(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{
		config: cfg,
		base:   logger,
		logger: logger.With().Str("component", "app").Logger(),
		errCh:  make(chan error, 1),
	}

	// STEP 1: Archive store and dispatcher, only when enabled
	if cfg.Archive.Enabled {
		dbConfig := pkgdatabase.DefaultConfig()
		dbConfig.DatabasePath = cfg.Archive.Path

		store, err := archive.NewStore(ctx, dbConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archive store: %w", err)
		}
		dispatcher, err := archive.NewDispatcher(store, cfg.Archive.BufferSize, logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to initialize archive dispatcher: %w", err)
		}
		app.store = store
		app.dispatcher = dispatcher
	}

	// STEP 2: Room registry and identity resolver, shared by every session
	app.registry = room.NewRegistry(logger)
	app.resolver = identity.NewResolver(cfg.Auth.Secret, identity.WithLogger(logger))
	if cfg.Auth.Secret == "" {
		app.logger.Warn().Msg("no auth secret configured; tokens will be rejected and only anonymous joins succeed")
	}

	// STEP 3: WebSocket handler building one session per connection
	wsHandler, err := websocket.NewHandler(app.newSession, websocket.HandlerConfig{
		Connection: websocket.Options{
			BufferSize:    cfg.WebSocket.BufferSize,
			WriteTimeout:  cfg.WebSocket.WriteTimeout.Duration(),
			PingInterval:  cfg.WebSocket.PingInterval.Duration(),
			ReadTimeout:   cfg.WebSocket.ReadTimeout.Duration(),
			MaxFrameBytes: cfg.WebSocket.MaxFrameBytes,
		},
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		HandshakeRate:  cfg.WebSocket.HandshakeRate,
		HandshakeBurst: cfg.WebSocket.HandshakeBurst,
	}, logger)
	if err != nil {
		app.closeArchive()
		return nil, fmt.Errorf("failed to initialize websocket handler: %w", err)
	}
	app.wsHandler = wsHandler

	// STEP 4: Read-only HTTP API
	apiDeps := api.Deps{
		Rooms:       app.registry,
		Connections: wsHandler,
		Logger:      logger,
	}
	if app.store != nil {
		apiDeps.Archive = app.store
		apiDeps.Dispatcher = app.dispatcher
	}
	app.apiServer = api.NewServer(apiDeps)

	// STEP 5: HTTP server with both API and WebSocket endpoints
	mux := http.NewServeMux()
	mux.Handle("/api/", app.apiServer)
	mux.Handle("/health", app.apiServer)
	mux.HandleFunc(cfg.WebSocket.Path, wsHandler.HandleWebSocket)

	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Address(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout.Duration(),
		WriteTimeout: cfg.HTTP.WriteTimeout.Duration(),
	}

	return app, nil
}

// newSession is the websocket.SessionFactory: each connection gets its own
// limiter and shares the registry, resolver and archiver.
func (app *Application) newSession(peer interfaces.Peer) (websocket.FrameHandler, error) {
	limiter, err := ratelimit.New(app.limiterConfig())
	if err != nil {
		return nil, err
	}

	var archiver interfaces.Archiver = interfaces.NopArchiver{}
	if app.dispatcher != nil {
		archiver = app.dispatcher
	}

	return session.New(session.Deps{
		Peer:     peer,
		Rooms:    app.registry,
		Resolver: app.resolver,
		Limiter:  limiter,
		Archiver: archiver,
		Logger:   app.base,
	}, session.Config{
		MaxMessageLength: app.config.Chat.MaxMessageLength,
		AllowRejoin:      app.config.Chat.AllowRejoin,
	}), nil
}

func (app *Application) limiterConfig() ratelimit.Config {
	l := app.config.Limiter
	return ratelimit.Config{
		Policy:            l.Policy,
		Capacity:          l.Capacity,
		BaseRate:          l.BaseRate,
		PenaltyMultiplier: l.PenaltyMultiplier,
		MaxPenalty:        l.MaxPenalty,
		PenaltyDuration:   l.PenaltyDuration.Duration(),
		FailureThreshold:  l.FailureThreshold,
		WindowLimit:       l.WindowLimit,
		WindowSize:        l.WindowSize.Duration(),
	}
}

// Start begins application execution
// The archive dispatcher starts first so no chat event is dropped, then the
// listener is bound before returning so Addr is valid.
func (app *Application) Start(ctx context.Context) error {
	if app.dispatcher != nil {
		// Stop owns the dispatcher lifetime so events raised during shutdown
		// are still written.
		if err := app.dispatcher.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("failed to start archive dispatcher: %w", err)
		}
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		if app.dispatcher != nil {
			_ = app.dispatcher.Stop()
		}
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.mu.Lock()
	app.listener = listener
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	app.logger.Info().
		Str("addr", listener.Addr().String()).
		Str("ws_path", app.config.WebSocket.Path).
		Str("limiter", app.config.Limiter.Policy).
		Bool("archive", app.dispatcher != nil).
		Msg("roomrelay started")
	return nil
}

// Errors delivers a fatal server error after Start.
func (app *Application) Errors() <-chan error {
	return app.errCh
}

// Addr returns the bound listener address, or the configured one before Start.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → WebSocket sessions → Archive
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down roomrelay")

	var errs []error

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// STEP 2: Close hijacked WebSocket connections; sessions leave their rooms
	if err := app.wsHandler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
	}

	// STEP 3: Flush queued archive events and close the database
	if app.dispatcher != nil {
		if err := app.dispatcher.Stop(); err != nil && !errors.Is(err, archive.ErrDispatcherNotRunning) {
			errs = append(errs, fmt.Errorf("archive dispatcher: %w", err))
		}
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archive store: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		app.logger.Error().Err(err).Msg("shutdown completed with errors")
		return err
	}
	app.logger.Info().Msg("roomrelay shutdown complete")
	return nil
}

func (app *Application) closeArchive() {
	if app.store != nil {
		_ = app.store.Close()
	}
}
