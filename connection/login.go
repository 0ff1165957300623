package connection

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/justmike1/casebot/credentials"
)

const defaultStateTTL = 10 * time.Minute

// StateSigner issues and checks the OAuth state parameter. The state is a
// short-lived HS256 JWT whose subject is the chat user id.
type StateSigner struct {
	key []byte
	ttl time.Duration
}

func NewStateSigner(secret string, ttl time.Duration) *StateSigner {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &StateSigner{key: []byte(secret), ttl: ttl}
}

func (s *StateSigner) Sign(chatUserID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   chatUserID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// Verify returns the chat user id carried by a valid, unexpired state.
func (s *StateSigner) Verify(state string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid state: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("invalid state: no subject")
	}
	return claims.Subject, nil
}

// CompleteLogin exchanges an authorization code, looks up the Salesforce
// user behind it and stores the credential for chatUserID.
func (m *Manager) CompleteLogin(ctx context.Context, chatUserID, code string) (*credentials.Record, error) {
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, m.cfg.HTTPClient)
	tok, err := m.cfg.OAuth.Exchange(exchangeCtx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	instanceURL, _ := tok.Extra("instance_url").(string)
	if instanceURL == "" {
		return nil, fmt.Errorf("token response has no instance_url")
	}

	rec := &credentials.Record{
		ChatUserID:   chatUserID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		InstanceURL:  instanceURL,
	}
	ident, err := m.newClient(rec, nil).Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("identify new session: %w", err)
	}
	rec.ExternalUserID = ident.UserID
	rec.UpdatedAt = time.Now().UTC()

	if err := m.store.Save(ctx, *rec); err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}
	m.logger.Info("stored new credential",
		zap.String("chat_user", chatUserID),
		zap.String("external_user", rec.ExternalUserID),
		zap.String("instance_url", instanceURL))
	return rec, nil
}

// LoginHandler serves GET /login/{chatUserID}: it redirects to the
// Salesforce authorize page with a signed state.
func (m *Manager) LoginHandler(signer *StateSigner) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatUserID := r.PathValue("chatUserID")
		if chatUserID == "" {
			http.Error(w, "missing user", http.StatusBadRequest)
			return
		}
		state, err := signer.Sign(chatUserID)
		if err != nil {
			m.logger.Error("failed to sign login state", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, m.cfg.OAuth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "login consent")), http.StatusFound)
	})
}

// CallbackHandler serves GET /authorize, the OAuth redirect target.
func (m *Manager) CallbackHandler(signer *StateSigner) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if e := q.Get("error"); e != "" {
			m.logger.Warn("authorization denied", zap.String("error", e), zap.String("description", q.Get("error_description")))
			http.Error(w, "Salesforce login was not completed: "+e, http.StatusBadRequest)
			return
		}

		chatUserID, err := signer.Verify(q.Get("state"))
		if err != nil {
			m.logger.Warn("rejected OAuth callback", zap.Error(err))
			http.Error(w, "invalid or expired login link, ask the bot for a new one", http.StatusBadRequest)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		if _, err := m.CompleteLogin(r.Context(), chatUserID, code); err != nil {
			m.logger.Error("login failed", zap.String("chat_user", chatUserID), zap.Error(err))
			http.Error(w, "Salesforce login failed, please try again", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Success! You are logged in to Salesforce. Head back to Slack and try your command again."))
	})
}
