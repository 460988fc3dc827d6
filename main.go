// Command kanban-sync serves boards, columns and cards over HTTP together with
// a websocket feed of every committed row change.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/CrowderSoup/kanban-sync/database"
	"github.com/CrowderSoup/kanban-sync/handlers"
	"github.com/CrowderSoup/kanban-sync/services"
)

func main() {
	var (
		addr    = flag.String("addr", "", "listen address, overrides HTTP_HOST and HTTP_PORT")
		seed    = flag.String("seed", "", "JSONC file of boards to import on start")
		envFile = flag.String("env-file", ".env", "dotenv file to load")
	)
	flag.Parse()

	cfg, err := LoadConfig(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger := NewLogger(cfg.Env, os.Stdout)
	logger.Info().Str("env", cfg.Env).Msg("read env")

	if err := run(cfg, *addr, *seed, logger); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

func run(cfg *Config, addr, seed string, logger zerolog.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.Open(ctx, cfg.database(), logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	if seed != "" {
		boards, err := db.SeedFile(ctx, seed)
		if err != nil {
			return err
		}
		logger.Info().Int("boards", len(boards)).Str("file", seed).Msg("seeded boards")
	}

	// Committed changes fan out to websocket subscribers
	hub := services.NewHub(cfg.hub(), logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)
	db.OnChange(hub.Publish)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"Content-Type"},
	})

	if addr == "" {
		addr = cfg.HTTP.Addr()
	}
	server := &http.Server{
		Addr:        addr,
		Handler:     c.Handler(handlers.NewRouter(db, hub, logger)),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("setting up http server")
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to listen and serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// Shutdown does not wait for hijacked websocket connections; stopping the hub closes them.
	err = server.Shutdown(shutdownCtx)
	stopHub()
	if err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	logger.Info().Msg("shut down http server")
	return nil
}
