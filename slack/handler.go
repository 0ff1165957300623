package slack

import (
	"context"
	"io"
	"net/http"

	slacklib "github.com/slack-go/slack"
	"go.uber.org/zap"
)

// CommandHandler processes one command. It runs after Slack has been
// acknowledged, so it must deliver its own reply.
type CommandHandler func(ctx context.Context, cmd Command)

// Handler serves the slash command webhook.
type Handler struct {
	signingSecret  string
	ackText        string
	commandHandler CommandHandler
	logger         *zap.Logger
}

func NewHandler(signingSecret, ackText string, commandHandler CommandHandler, logger *zap.Logger) *Handler {
	return &Handler{
		signingSecret:  signingSecret,
		ackText:        ackText,
		commandHandler: commandHandler,
		logger:         logger.Named("webhook"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	verifier, err := slacklib.NewSecretsVerifier(r.Header, h.signingSecret)
	if err != nil {
		h.logger.Warn("failed to create secrets verifier", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = io.NopCloser(io.TeeReader(r.Body, &verifier))

	cmd, err := slacklib.SlashCommandParse(r)
	if err != nil {
		h.logger.Warn("failed to parse slash command", zap.Error(err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := verifier.Ensure(); err != nil {
		h.logger.Warn("signature verification failed", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	h.logger.Info("slash command",
		zap.String("team", cmd.TeamID),
		zap.String("channel", cmd.ChannelID),
		zap.String("user", cmd.UserID))

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(h.ackText))

	ctx := context.WithoutCancel(r.Context())
	go h.commandHandler(ctx, Command{
		TeamID:      cmd.TeamID,
		ChannelID:   cmd.ChannelID,
		UserID:      cmd.UserID,
		Text:        cmd.Text,
		ResponseURL: cmd.ResponseURL,
	})
}
