/*
Package main is the entry point for the note relay server.

It is responsible for loading configuration, initializing the global logging system,
opening the durable store, starting the relay hub and its background workers,
setting up the HTTP server, and gracefully handling operating system interrupt
signals (SIGINT, SIGTERM) to ensure a smooth server shutdown.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"noterelay/internal/app/db"
	"noterelay/internal/app/docpresence"
	"noterelay/internal/app/mongostore"
	"noterelay/internal/app/presencemirror"
	"noterelay/internal/app/relay"
	"noterelay/internal/app/store"
	"noterelay/internal/configs"
	"noterelay/internal/handler"
	"noterelay/internal/pkg/auth/jwt"
	"noterelay/internal/pkg/logx"
)

func main() {
	// Load configuration from environment variables
	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize global logger
	logx.InitGlobalLogger(cfg.IsDevelopment())
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("store_driver", cfg.StoreDriver).
		Str("membership_policy", cfg.MembershipPolicy).
		Dur("typing_timeout", cfg.TypingTimeout).
		Dur("presence_stale_after", cfg.PresenceStaleAfter).
		Bool("redis_mirror", cfg.RedisURL != "").
		Msg("Configuration loaded successfully")

	// Create a context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logx.Fatal(err, "Failed to open durable store", "driver", cfg.StoreDriver)
	}

	verifier, closeVerifier, err := newVerifier(cfg)
	if err != nil {
		logx.Fatal(err, "Failed to initialize token verifier")
	}

	policy, err := relay.ParsePolicy(cfg.MembershipPolicy)
	if err != nil {
		logx.Fatal(err, "Invalid membership policy")
	}

	// Background workers outlive the signal context so they can drain after the server stops.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	var mirror presencemirror.Mirror = presencemirror.Nop{}
	if cfg.RedisURL != "" {
		m, err := presencemirror.Connect(ctx, cfg.RedisURL, presencemirror.DefaultTTL)
		if err != nil {
			logx.Fatal(err, "Failed to connect presence mirror")
		}
		mirror = m
		workers.Go(func() { m.Run(workerCtx) })
	}

	if cfg.PresenceStaleAfter > 0 {
		reaper := docpresence.NewReaper(st, cfg.PresenceStaleAfter, cfg.PresenceReapInterval)
		workers.Go(func() { reaper.Run(workerCtx) })
	}

	// Initialize the relay hub
	hub := relay.NewHub(relay.WithTypingTimeout(cfg.TypingTimeout), relay.WithMirror(mirror))
	hubCtx, cancelHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	rl := relay.New(hub, st, relay.Options{Policy: policy, StoreTimeout: cfg.StoreTimeout})

	// Setup HTTP server and routes
	router := handler.Router(&handler.AppDeps{
		Config:        cfg,
		Relay:         rl,
		Verifier:      verifier,
		Conversations: st,
		Presence:      st,
	})

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logx.Info(fmt.Sprintf("Note relay starting on http://localhost%s", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Fatal(err, "Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server with a timeout of 5 seconds.
	<-ctx.Done()
	logx.Info("Received shutdown signal. Starting graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logx.Error(err, "Server forced to shutdown")
	}

	// Closing the hub ends every live session; their pumps exit on their own.
	cancelHub()
	<-hub.Done()

	cancelWorkers()
	workers.Wait()

	closeVerifier()

	if err := st.Close(shutdownCtx); err != nil {
		logx.Error(err, "Failed to close durable store")
	}

	logx.Info("Server gracefully stopped.")
}

// openStore connects the durable store selected by STORE_DRIVER.
func openStore(ctx context.Context, cfg *configs.AppConfig) (store.Store, error) {
	switch cfg.StoreDriver {
	case configs.StoreDriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		return db.NewStore(pool), nil

	case configs.StoreDriverMongo:
		s, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return s, nil

	case configs.StoreDriverMemory:
		logx.Warn("Using the in-memory store; all conversations are lost on restart.")
		return store.NewMemory(), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// newVerifier prefers a JWKS endpoint when one is configured and falls back to the
// shared HMAC secret.
func newVerifier(cfg *configs.AppConfig) (jwt.Verifier, func(), error) {
	if cfg.JWKSURL != "" {
		v, err := jwt.NewJWKSVerifier(cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return nil, nil, err
		}
		return v, v.Close, nil
	}

	return jwt.NewHMACVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience), func() {}, nil
}
