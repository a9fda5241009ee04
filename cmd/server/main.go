/*
main.go - Credit ledger server entry point

PURPOSE:
  Initializes and starts the credit ledger service: configuration,
  storage, engine, background sweeper, HTTP server, graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (defaults + optional TOML file)
  3. Open SQLite store
  4. Build the ledger engine and HTTP handler
  5. Start the background sweeper and the server

COMMAND-LINE FLAGS:
  -config  Path to TOML config file (optional)
  -listen  Listen address override (default from config, :8080)
  -db      SQLite database path override
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper, close the database
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("open database")
	}
	defer store.Close()

	ledger := credit.NewLedger(store, cfg.Settings())
	handler := api.NewHandler(ledger)
	router := api.NewRouter(handler, cfg.Server.CORSOrigins)

	sweeper := api.NewSweeper(ledger)
	if cfg.Sweeper.Enabled {
		interval, err := cfg.SweepInterval()
		if err != nil {
			log.Fatal().Err(err).Msg("sweeper configuration")
		}
		sweeper.Interval = interval
		sweeper.BatchSize = cfg.Sweeper.BatchSize
		sweeper.Start()
		defer sweeper.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Listen).Str("db", cfg.Database.Path).Msg("credit ledger listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
}
