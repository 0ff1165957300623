package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/justmike1/casebot/cases"
	"github.com/justmike1/casebot/commands"
	"github.com/justmike1/casebot/config"
	"github.com/justmike1/casebot/connection"
	"github.com/justmike1/casebot/credentials"
	"github.com/justmike1/casebot/logging"
	"github.com/justmike1/casebot/replies"
	botslack "github.com/justmike1/casebot/slack"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logger, err := logging.New(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	replySet, err := replies.Load("")
	if err != nil {
		logger.Fatal("failed to load replies", zap.Error(err))
	}

	types, err := cases.NewRecordTypeIDs(cfg.Salesforce.RecordTypeIDs)
	if err != nil {
		logger.Fatal("invalid record type configuration", zap.Error(err))
	}

	store, closeStore, err := credentials.Open(cfg.Store, logger)
	if err != nil {
		logger.Fatal("failed to open credential store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("failed to close credential store", zap.Error(err))
		}
	}()

	manager := connection.NewManager(connection.Config{
		OAuth:      connection.NewOAuthConfig(cfg.Salesforce.LoginURL, cfg.Salesforce.ClientID, cfg.Salesforce.ClientSecret, cfg.OAuthRedirectURL()),
		LoginURL:   cfg.LoginBaseURL(),
		APIVersion: cfg.Salesforce.APIVersion,
	}, store, logger)
	signer := connection.NewStateSigner(cfg.Server.StateSecret, 0)

	registry := botslack.NewRegistry(cfg.Slack.BotToken, logger)
	router := commands.NewRouter(manager, store, registry, replySet, types, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/webhook", botslack.NewHandler(cfg.Slack.SigningSecret, replySet.Get("processing"), router.Handle, logger))
	mux.Handle("GET /login/{chatUserID}", manager.LoginHandler(signer))
	mux.Handle("GET /authorize", manager.CallbackHandler(signer))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if cfg.SlackInstallEnabled() {
		greeting := botslack.Greeting{
			Lines:   []string{replySet.Get("install_greeting"), replySet.Get("install_followup")},
			Success: replySet.Get("install_success"),
		}
		mux.Handle("GET /slack/oauth", botslack.NewInstaller(cfg.Slack.ClientID, cfg.Slack.ClientSecret, cfg.Server.AppURL+"/slack/oauth", registry, greeting, nil, logger))
		logger.Info("slack app install enabled", zap.String("redirect", cfg.Server.AppURL+"/slack/oauth"))
	}

	// Admin API: installed teams and the active reply templates (read-only).
	mux.Handle("GET /api/bots", ipWhitelist(cfg.Server.AdminAllowedCIDR, logger, jsonHandler(func() any {
		return registry.List()
	})))
	mux.Handle("GET /api/replies", ipWhitelist(cfg.Server.AdminAllowedCIDR, logger, jsonHandler(func() any {
		return replySet.All()
	})))

	if cfg.SocketModeEnabled() {
		startSocketMode(ctx, cfg, router, replySet.Get("processing"), logger)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("casebot server starting", zap.String("port", cfg.Server.Port), zap.String("store", cfg.Store.Driver))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("casebot server stopped")
}

// startSocketMode runs the Socket Mode listener next to the webhook. A bot
// token is required to learn the bot's own user id.
func startSocketMode(ctx context.Context, cfg *config.Config, router *commands.Router, ack string, logger *zap.Logger) {
	if cfg.Slack.BotToken == "" {
		logger.Warn("SLACK_APP_TOKEN set without SLACK_BOT_TOKEN, socket mode disabled")
		return
	}
	botUserID, err := botslack.NewClient(cfg.Slack.BotToken).BotUserID(ctx)
	if err != nil {
		logger.Error("failed to identify bot user, socket mode disabled", zap.Error(err))
		return
	}
	listener := botslack.NewSocketListener(cfg.Slack.AppToken, cfg.Slack.BotToken, botUserID, ack, router.Handle, logger)
	go listener.Start(ctx)
	logger.Info("socket mode listener started", zap.String("bot_user", botUserID))
}

func jsonHandler(payload func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload())
	})
}
