package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"langapp-coordinator/internal/api"
	"langapp-coordinator/internal/api/handlers"
	"langapp-coordinator/internal/auth"
	"langapp-coordinator/internal/config"
	"langapp-coordinator/internal/coordinator"
	"langapp-coordinator/internal/history"
	"langapp-coordinator/internal/logging"
	"langapp-coordinator/internal/match"
	"langapp-coordinator/internal/queue"
	"langapp-coordinator/internal/ratelimit"
	"langapp-coordinator/internal/sessions"
	"langapp-coordinator/internal/storage"
)

func main() {
	// .env is optional; real deployments use the environment
	_ = godotenv.Load()

	cfg := config.MustLoad()
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	ctx := context.Background()

	// Initialize storage
	store, err := storage.NewStorage(ctx, storage.Options{
		DatabaseURL: cfg.Database.URL,
		Pool: storage.PoolOptions{
			MaxConns:        int32(cfg.Database.MaxConnections),
			MaxConnIdleTime: cfg.Database.MaxIdleTime,
			MaxConnLifetime: cfg.Database.MaxLifetime,
		},
		RedisURL:      cfg.Redis.URL,
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	if err := store.DB.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}

	// Session history goes through asynq
	var recorder history.Recorder = history.Nop{}
	var worker *history.Worker
	if cfg.History.Enabled {
		redisOpt, err := history.RedisOpt(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid redis configuration for history")
		}
		asynqRecorder := history.NewAsynqRecorder(redisOpt, logging.Component("history"))
		defer asynqRecorder.Close()
		recorder = asynqRecorder

		worker = history.NewWorker(redisOpt, cfg.History.Concurrency, store.DB, logging.Component("history-worker"))
		if err := worker.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start history worker")
		}
	}

	// Authentication
	authenticator := auth.NewAuthenticator(auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer), store)

	// Transport
	wsManager := sessions.NewWSManager(sessions.WSConfig{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		AuthTimeout:     cfg.Auth.Timeout,
		MaxAuthAttempts: cfg.Auth.MaxAttempts,
	}, authenticator, logging.Component("websocket"))

	// Matching and sessions
	queueManager := queue.NewManager(queue.Config{
		BucketCapacity:   cfg.Queue.BucketCapacity,
		MaxWait:          cfg.Queue.MaxWait,
		MatchingInterval: cfg.Queue.MatchingInterval,
		SweepLimit:       cfg.Queue.SweepLimit,
	}, queue.Scorer{AgeWeight: cfg.Scoring.AgeWeight, ProficiencyWeight: cfg.Scoring.ProficiencyWeight})
	processor := queue.NewProcessor(queueManager, cfg.Queue.MatchingInterval, cfg.Queue.CleanupInterval, logging.Component("queue"))

	negotiator := match.NewNegotiator(match.Config{
		Timeout:   cfg.Negotiation.Timeout,
		Retention: cfg.Negotiation.Retention,
	}, wsManager, logging.Component("negotiator"))

	registry := sessions.NewRegistry(sessions.RegistryConfig{
		IdleTimeout: cfg.Session.IdleTimeout,
		Retention:   cfg.Session.Retention,
	})

	limiter := ratelimit.New(ratelimit.Config{
		Window:       cfg.RateLimit.Window,
		Default:      cfg.RateLimit.Default,
		Classes:      cfg.RateLimit.Classes,
		MaxEntries:   cfg.RateLimit.MaxEntries,
		GraceWindows: cfg.RateLimit.GraceWindows,
	})

	coord := coordinator.New(coordinator.Options{
		PartnerPolicy:   cfg.Negotiation.PartnerPolicy,
		CleanupInterval: cfg.Queue.CleanupInterval,
	}, coordinator.Dependencies{
		Queue:      queueManager,
		Processor:  processor,
		Negotiator: negotiator,
		Registry:   registry,
		Limiter:    limiter,
		Notifier:   wsManager,
		Recorder:   recorder,
		Publisher:  store.Redis,
	}, logging.Component("coordinator"))
	wsManager.SetDispatcher(coord)

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	coord.Run(runCtx)

	r := api.NewRouter(&api.Dependencies{
		Health:         store,
		QueueHandler:   handlers.NewQueueHandler(coord, wsManager),
		WebSocket:      wsManager.HandleWebSocket,
		UpgradeLimiter: api.NewUpgradeLimiter(cfg.Server.UpgradeRPS, cfg.Server.UpgradeBurst),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Log:            logging.Component("http"),
	})

	// Server setup
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// sessions close with reason shutdown before their sockets go away
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("pending session records not flushed")
	}
	// hijacked websocket connections are not tracked by srv.Shutdown
	wsManager.CloseAll(sessions.DisconnectShutdown)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if worker != nil {
		worker.Stop()
	}

	log.Info().Msg("server exited")
}
