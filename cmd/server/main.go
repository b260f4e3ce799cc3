package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/msgshield/intake-api/internal/auth"
	"github.com/msgshield/intake-api/internal/config"
	"github.com/msgshield/intake-api/internal/db"
	"github.com/msgshield/intake-api/internal/httpapi"
	"github.com/msgshield/intake-api/internal/queue"
	"github.com/msgshield/intake-api/internal/ratelimit"
	"github.com/msgshield/intake-api/internal/store"
	"github.com/msgshield/intake-api/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "intake-api").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Pretty logging for local dev
	if cfg.Dev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	// Persistence: postgres when configured, in-memory otherwise. The
	// in-memory store is for local development only.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()
		st = store.NewPG(pool)
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
		st = store.NewMem()
	}

	// Rate-limit counter: shared via redis when configured, otherwise
	// per-process.
	var limiter ratelimit.Counter = ratelimit.NewLocal()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		limiter = ratelimit.NewRedis(rdb)
	}

	// Delivery queue: NATS fans submissions out across replicas; without
	// it an in-process channel feeds the local worker.
	var q queue.Queue
	if cfg.NATSURL != "" {
		q, err = queue.NewNATS(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to nats")
		}
	} else {
		q = queue.NewChan(256, 2)
	}

	w := worker.New(st, st, worker.Options{
		UpstreamURL:  cfg.UpstreamURL,
		PollInterval: cfg.PollInterval(),
		MaxAttempts:  cfg.OutboxMaxAttempts,
		Queue:        q,
	})
	if err := w.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start delivery worker")
	}

	verifier := &auth.Verifier{
		Secret:       cfg.JWTSecret,
		StaticTokens: cfg.AuthTokens,
		Tokens:       st,
	}
	if cfg.JWTPublicKey != "" {
		pub, err := auth.ParseRSAPublicKey(cfg.JWTPublicKey)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid AUTH_JWT_PUBLIC_KEY")
		}
		verifier.PublicKey = pub
	}

	srv := &httpapi.Server{
		Store:    st,
		Cfg:      cfg,
		Verifier: verifier,
		Limiter:   limiter,
		Queue:     q,
		StartedAt: time.Now(),
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	w.Stop()
	w.Close()

	log.Info().Msg("server stopped")
}
