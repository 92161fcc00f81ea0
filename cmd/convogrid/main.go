// ABOUTME: Entry point for the convogrid conversation gateway
// ABOUTME: Wires the store, auth chain, dispatcher pool, and HTTP surface

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/convogrid/convogrid/internal/api"
	"github.com/convogrid/convogrid/internal/auth"
	"github.com/convogrid/convogrid/internal/channel"
	"github.com/convogrid/convogrid/internal/config"
	"github.com/convogrid/convogrid/internal/dedupe"
	"github.com/convogrid/convogrid/internal/dispatch"
	"github.com/convogrid/convogrid/internal/engine"
	"github.com/convogrid/convogrid/internal/grant"
	"github.com/convogrid/convogrid/internal/session"
	"github.com/convogrid/convogrid/internal/store"
	"github.com/convogrid/convogrid/internal/webhook"
	"github.com/convogrid/convogrid/internal/widget"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: convogrid <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the gateway server")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "convogrid.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// A missing .env is fine; explicit environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging)
	logger := slog.Default()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := channel.NewRegistry(st, logger)
	signer := grant.NewSigner([]byte(cfg.Auth.CookieSecret), cfg.Auth.CookieMaxAge, st)
	machine := session.NewMachine(st, logger)

	responder := engine.WithRetry(engine.Echo{}, engine.DefaultRetryPolicy, logger)
	dispatcher := dispatch.New(st, responder, logger)
	pool := dispatch.NewPool(dispatcher, st, cfg.Workers.Count, cfg.Workers.QueueSize, logger)
	defer pool.Close()

	resolver := session.NewResolver(st, pool, logger)

	dedupeTTL := cfg.Webhooks.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = time.Hour
	}
	dedupeSize := cfg.Webhooks.DedupeMaxSize
	if dedupeSize <= 0 {
		dedupeSize = 10000
	}
	deduper := dedupe.New(dedupeTTL, dedupeSize)
	defer deduper.Close()

	widgetAuth := widget.NewAuthenticator(st, logger)
	apiKeys := auth.NewAPIKeyAuthenticator(st, logger)
	embedAuth := auth.NewEmbedAuthenticator(widgetAuth, st, logger)

	apiServer := api.NewServer(st, registry, resolver, machine, signer, pool, cfg.Workers.AwaitTimeout, logger)
	webhooks := webhook.NewHandler(st, resolver, machine, pool, deduper, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	webhooks.Routes(r)
	apiServer.Routes(r, apiKeys, embedAuth)

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("convogrid listening", "addr", cfg.Server.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}
