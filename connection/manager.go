package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/justmike1/casebot/apperr"
	"github.com/justmike1/casebot/credentials"
	"github.com/justmike1/casebot/salesforce"
)

const (
	loginRequiredText  = "✋ Hold your horses!\nVisit this URL to login to Salesforce: %s"
	reauthRequiredText = "✋ Whoa now! You need to reauthorize first.\nVisit this URL to login to Salesforce: %s"
)

// Config is everything the manager needs to talk to the authorization server.
type Config struct {
	OAuth      *oauth2.Config
	LoginURL   string // per-user login links are LoginURL + "/" + chat user id
	APIVersion string
	HTTPClient *http.Client
}

// NewOAuthConfig builds the Salesforce web-server flow configuration.
func NewOAuthConfig(loginURL, clientID, clientSecret, redirectURL string) *oauth2.Config {
	loginURL = strings.TrimRight(loginURL, "/")
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"api", "refresh_token"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   loginURL + "/services/oauth2/authorize",
			TokenURL:  loginURL + "/services/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Manager turns a chat user id into a validated Salesforce connection.
type Manager struct {
	cfg    Config
	store  credentials.Store
	logger *zap.Logger
}

func NewManager(cfg Config, store credentials.Store, logger *zap.Logger) *Manager {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.LoginURL = strings.TrimRight(cfg.LoginURL, "/")
	return &Manager{cfg: cfg, store: store, logger: logger.Named("connection")}
}

// LoginURL is the recovery link for one chat user.
func (m *Manager) LoginURL(chatUserID string) string {
	return m.cfg.LoginURL + "/" + url.PathEscape(chatUserID)
}

// Resolve loads the user's credential, probes it and refreshes it once if
// the probe fails. The credential store is written only when a refresh
// succeeds. Every authentication failure is an apperr AuthenticationRequired.
func (m *Manager) Resolve(ctx context.Context, chatUserID string) (*Handle, error) {
	log := m.logger.With(zap.String("chat_user", chatUserID))

	rec, err := m.store.Get(ctx, chatUserID)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if rec == nil {
		log.Info("no stored credential, sending login link")
		loginURL := m.LoginURL(chatUserID)
		return nil, apperr.AuthenticationRequired(loginURL, fmt.Sprintf(loginRequiredText, loginURL))
	}

	h := &Handle{chatUserID: chatUserID, record: *rec, store: m.store, logger: log}
	h.client = m.newClient(rec, h.persistRefresh)

	if _, err = h.client.Identity(ctx); err == nil {
		return h, nil
	}
	log.Info("identity probe failed, refreshing", zap.Error(err))

	tok, instanceURL, err := h.client.Refresh(ctx)
	if err != nil {
		log.Warn("refresh failed, reauthorization required", zap.Error(err))
		loginURL := m.LoginURL(chatUserID)
		return nil, apperr.AuthenticationRequired(loginURL, fmt.Sprintf(reauthRequiredText, loginURL))
	}

	if err := h.persist(ctx, tok, instanceURL); err != nil {
		return nil, err
	}
	log.Info("session refreshed", zap.String("instance_url", instanceURL))
	return h, nil
}

func (m *Manager) newClient(rec *credentials.Record, onRefresh salesforce.RefreshFunc) *salesforce.Client {
	return salesforce.NewClient(salesforce.Options{
		InstanceURL: rec.InstanceURL,
		Token: &oauth2.Token{
			AccessToken:  rec.AccessToken,
			RefreshToken: rec.RefreshToken,
			TokenType:    "Bearer",
		},
		OAuth:      m.cfg.OAuth,
		APIVersion: m.cfg.APIVersion,
		HTTPClient: m.cfg.HTTPClient,
		OnRefresh:  onRefresh,
		Logger:     m.logger,
	})
}

// Handle is a per-operation binding of one chat user to a live connection.
// It is not cached across chat messages.
type Handle struct {
	chatUserID string
	client     *salesforce.Client
	store      credentials.Store
	logger     *zap.Logger

	mu     sync.Mutex
	record credentials.Record
}

func (h *Handle) ChatUserID() string { return h.chatUserID }

// Client is the live REST client.
func (h *Handle) Client() *salesforce.Client { return h.client }

func (h *Handle) InstanceURL() string { return h.client.InstanceURL() }

// ExternalUserID is the Salesforce user id stored with the credential.
func (h *Handle) ExternalUserID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record.ExternalUserID
}

// persistRefresh is the client's refresh hook: a session the client renewed
// on its own during use is written back like an explicit refresh.
func (h *Handle) persistRefresh(ctx context.Context, tok *oauth2.Token, instanceURL string) {
	if err := h.persist(ctx, tok, instanceURL); err != nil {
		h.logger.Error("failed to persist refreshed token", zap.Error(err))
		return
	}
	h.logger.Info("persisted token from refresh event")
}

func (h *Handle) persist(ctx context.Context, tok *oauth2.Token, instanceURL string) error {
	h.mu.Lock()
	h.record.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		h.record.RefreshToken = tok.RefreshToken
	}
	if instanceURL != "" {
		h.record.InstanceURL = instanceURL
	}
	h.record.UpdatedAt = time.Now().UTC()
	rec := h.record
	h.mu.Unlock()

	if err := h.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("save refreshed credential: %w", err)
	}
	return nil
}
