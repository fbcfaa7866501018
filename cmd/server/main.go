package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/towns-xyz/github-bridge/internal/bridge"
	"github.com/towns-xyz/github-bridge/internal/chat"
	"github.com/towns-xyz/github-bridge/internal/config"
	"github.com/towns-xyz/github-bridge/internal/credentials"
	"github.com/towns-xyz/github-bridge/internal/cryptobox"
	"github.com/towns-xyz/github-bridge/internal/events"
	"github.com/towns-xyz/github-bridge/internal/githubapp"
	"github.com/towns-xyz/github-bridge/internal/housekeeping"
	"github.com/towns-xyz/github-bridge/internal/installations"
	"github.com/towns-xyz/github-bridge/internal/polling"
	"github.com/towns-xyz/github-bridge/internal/store"
	"github.com/towns-xyz/github-bridge/internal/subscriptions"
	"github.com/towns-xyz/github-bridge/internal/webhook"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("database close error")
		}
	}()

	ghApp, err := githubapp.New(githubapp.Config{AppID: cfg.GitHubApp.AppID, PrivateKeyPEM: cfg.GitHubApp.PrivateKeyPEM})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build github app client")
	}
	if !cfg.GitHubApp.Configured() {
		log.Warn().Msg("github app not configured: webhook delivery mode is unavailable, polling still works")
	}

	box := cryptobox.New(cfg.CredentialEncryptionKey)

	sender := chat.NewLogSender(func(spaceID, channelID, eventID, text string) {
		log.Info().Str("space_id", spaceID).Str("channel_id", channelID).Str("event_id", eventID).Msg(text)
	})

	oauthCfg := credentials.NewOAuthConfig(cfg.GitHubOAuth.ClientID, cfg.GitHubOAuth.ClientSecret, cfg.RedirectURL)
	credsSvc := credentials.New(db, oauthCfg, credentials.GitHubProfileFetcher{}, credentials.GitHubRevoker{
		ClientID:     cfg.GitHubOAuth.ClientID,
		ClientSecret: cfg.GitHubOAuth.ClientSecret,
	}, box, cfg.RefreshLookAhead)

	ghClient := subscriptions.DefaultGitHubClient{App: ghApp}
	subsSvc := subscriptions.New(db, credsSvc, ghClient, sender, cfg.GitHubApp.Slug, cfg.PendingSubscriptionTTL)

	instMgr := installations.New(db, subsSvc, ghApp)

	branchResolver := bridge.NewDefaultBranchResolver(db)
	processor := events.NewProcessor(db, sender, branchResolver, log.Logger)

	webhookHandler := webhook.New([]byte(cfg.GitHubWebhookSecret), ghApp.Configured, db, instMgr, processor, log.Logger)

	pollingEngine := polling.New(db, processor, log.Logger, cfg.PollingPerRepoBudget)
	if err := pollingEngine.Start(ctx, cfg.PollingInterval); err != nil {
		log.Fatal().Err(err).Msg("failed to start polling scheduler")
	}

	keeper := housekeeping.New(db, subsSvc, cfg.DeliveryRecordRetention, log.Logger)
	if err := keeper.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start housekeeping scheduler")
	}

	srv := bridge.New(webhookHandler, credsSvc, db, log.Logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           loggingMiddleware(srv),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		pollingEngine.Stop()
		keeper.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("github bridge listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http server error")
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", lrw.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (l *loggingResponseWriter) WriteHeader(statusCode int) {
	l.status = statusCode
	l.ResponseWriter.WriteHeader(statusCode)
}
