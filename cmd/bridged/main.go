package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/httpapi"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/pubsub"
	"github.com/ent0n29/voicebridge/internal/relay"
	"github.com/ent0n29/voicebridge/internal/reliability"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not up yet.
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(512)

	ctx := context.Background()
	usageStore, err := usage.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("usage store init failed")
	}
	defer usageStore.Close()

	broker := pubsub.NewBroker()
	defer broker.Close()

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		broker.Publish(pubsub.Event{
			Topic:     pubsub.TopicSessionLifecycle,
			SessionID: s.ID,
			Kind:      "expired",
		})
	})

	dialer := relay.NewDialer(relay.UpstreamConfig{
		URL:               cfg.UpstreamURL,
		APIKey:            cfg.UpstreamAPIKey,
		Model:             cfg.UpstreamModel,
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		ConnectTimeout:    cfg.ConnectTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	relaySrv := relay.New(
		relay.Config{
			MinSpeechDuration: cfg.MinSpeechDuration,
			ResponseDebounce:  cfg.ResponseDebounce,
			ReconnectPolicy: reliability.ReconnectPolicy{
				MaxAttempts: cfg.ReconnectAttempts,
				BaseDelay:   cfg.ReconnectBase,
				MaxDelay:    30 * time.Second,
			},
		},
		sessions,
		usageStore,
		metrics,
		stages,
		broker,
		dialer,
		observability.ComponentLogger(log, "relay"),
	)

	api := httpapi.New(cfg, sessions, relaySrv, usageStore, metrics, stages, broker,
		observability.ComponentLogger(log, "httpapi"))
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}
