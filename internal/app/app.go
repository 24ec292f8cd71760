package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"raidline/internal/clock"
	"raidline/internal/config"
	"raidline/internal/controller"
	"raidline/internal/db"
	"raidline/internal/gateway"
	"raidline/internal/migrate"
	"raidline/internal/notifier"
	"raidline/internal/ports"
	"raidline/internal/prompt"
	"raidline/internal/render"
	"raidline/internal/repo"
	"raidline/internal/server"
)

const shutdownTimeout = 5 * time.Second

// App wires the raid controller to its store, gateway and HTTP surface.
type App struct {
	Config     *config.Config
	Log        zerolog.Logger
	DB         *sql.DB
	Repo       repo.Repo
	Gateway    ports.Gateway
	Broker     *prompt.Broker
	Controller *controller.Controller

	// memory is set when the in-process gateway is configured; its signals are consumed directly.
	memory *gateway.Memory
}

// Open opens the workspace database, applies migrations and builds every component. Nothing
// runs until Serve is called.
func Open(workspace string, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &App{Config: cfg, Log: logger, DB: conn, Repo: repo.New(conn)}

	switch cfg.Gateway.Kind {
	case "webhook":
		a.Gateway = gateway.NewWebhook(gateway.WebhookConfig{
			URL:     cfg.Gateway.URL,
			Secret:  cfg.Gateway.Secret,
			Timeout: cfg.Gateway.Timeout,
		}, logger)
	default:
		a.memory = gateway.NewMemory()
		a.Gateway = a.memory
	}

	clk := clock.Real{}
	text := render.Text{}
	a.Broker = prompt.NewBroker(a.Gateway, text, clk, logger.With().Str("component", "prompt").Logger())
	reminder := notifier.New(a.Gateway, a.Repo, text, clk, logger.With().Str("component", "notifier").Logger())

	communities := make([]controller.Community, 0, len(cfg.Communities))
	for _, cm := range cfg.Communities {
		communities = append(communities, controller.Community{ID: cm.ID, Channel: cm.Channel, Share: cm.Share})
	}
	a.Controller = controller.New(controller.Config{
		Store:           a.Repo,
		Gateway:         a.Gateway,
		Identity:        a.Repo,
		Asker:           a.Broker,
		Renderer:        text,
		Reminder:        reminder,
		Clock:           clk,
		Log:             logger,
		Communities:     communities,
		GracePeriod:     cfg.Raids.GracePeriod,
		WarningLead:     cfg.Raids.WarningLead,
		QuestionTimeout: cfg.Raids.QuestionTimeout,
		PersistRetry:    cfg.Raids.PersistRetry,
		PersistRetryMax: cfg.Raids.PersistRetryMax,
	})
	return a, nil
}

// Handler builds the HTTP API for the app.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Raids:     a.Controller,
		Questions: a.Broker,
		Identity:  a.Repo,
		Events:    a.Repo,
		BasePath:  a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:    a.Config.Server.JWTSecret,
			SignalSecret: a.Config.Server.SignalSecret,
		},
		Logger: a.Log,
	})
}

// Serve recovers persisted raids, then serves the API on addr until ctx is cancelled. Flows
// are stopped on return; their raids stay persisted for the next start.
func (a *App) Serve(ctx context.Context, addr string) error {
	if _, err := a.Controller.Recover(ctx); err != nil {
		return fmt.Errorf("recover raids: %w", err)
	}

	if a.memory != nil {
		go a.Controller.Listen(ctx, a.memory.Signals())
	}

	handler, err := a.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		a.Log.Info().Str("addr", addr).Str("base_path", a.Config.Server.BasePath).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.Log.Info().Msg("shutting down HTTP server")
	case err := <-errCh:
		if err != nil {
			a.Controller.Shutdown()
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	a.Controller.Shutdown()
	a.Log.Info().Msg("server shutdown complete")
	return nil
}

// Close releases the database. Call after Serve returned.
func (a *App) Close() error {
	return a.DB.Close()
}
