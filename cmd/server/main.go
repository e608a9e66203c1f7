package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"savi-server/internal/platform/config"
	"savi-server/internal/platform/logger"
	"savi-server/internal/platform/metrics"
	"savi-server/internal/tracking"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	sessionTTL := config.GetEnvDuration("SESSION_TTL_SECONDS", time.Second, tracking.DefaultSessionTTL)
	maxSessionTTL := config.GetEnvDuration("SESSION_MAX_TTL_SECONDS", time.Second, tracking.DefaultMaxSessionTTL)
	reapInterval := config.GetEnvDuration("REAPER_INTERVAL_SECONDS", time.Second, tracking.DefaultReapInterval)
	stepTimeout := config.GetEnvDuration("TRACKER_STEP_TIMEOUT_MS", time.Millisecond, tracking.DefaultStepTimeout)
	trackerRadius := config.GetEnvInt("TRACKER_POINT_RADIUS", 0)

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	registry := tracking.NewRegistry(sessionTTL, maxSessionTTL, reapInterval, log)
	registry.SetExpiredHook(met.IncSessionsExpired)

	serializer := tracking.NewSerializer(met.ObserveTrackerLockWait)
	engine := tracking.NewEngine(tracking.NewSyntheticTracker(trackerRadius), serializer, stepTimeout, log)
	h := tracking.NewHandler(registry, engine, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(registry.ActiveSessionCount()) }).ServeHTTP(w, r)
	})
	h.Register(r)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go registry.Run(reaperCtx)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"session_ttl", sessionTTL.String(),
		"session_max_ttl", maxSessionTTL.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")
	stopReaper()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
