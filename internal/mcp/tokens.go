// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/tombee/parley/internal/store"
	"github.com/tombee/parley/pkg/errors"
)

// defaultTokenLifetime is assumed when neither the token response nor the
// access token itself carries an expiry.
const defaultTokenLifetime = time.Hour

// TokenStore is the slice of the session store the token manager needs.
// At most one record exists per user; PutToken replaces it atomically.
type TokenStore interface {
	GetToken(ctx context.Context, user string) (*store.Token, error)
	PutToken(ctx context.Context, token *store.Token) error
	DeleteToken(ctx context.Context, user string) error
}

// TokenManagerConfig configures the OAuth token manager.
type TokenManagerConfig struct {
	// TokenURL is the authorization server's token endpoint.
	TokenURL string

	// ClientID and ClientSecret identify this client to the
	// authorization server.
	ClientID     string
	ClientSecret string
}

// TokenManager loads per-user OAuth tokens and refreshes them through the
// refresh_token grant. It holds a non-owning reference to the store; all
// writes go back through it.
type TokenManager struct {
	cfg    TokenManagerConfig
	tokens TokenStore
	logger *slog.Logger
}

// NewTokenManager creates a token manager backed by the given store.
func NewTokenManager(cfg TokenManagerConfig, tokens TokenStore, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		cfg:    cfg,
		tokens: tokens,
		logger: logger.With("component", "mcp.tokens"),
	}
}

// AccessToken returns a valid access token for the user, refreshing first
// when the stored token has expired. A missing record is reported as
// AuthorizationRequiredError.
func (m *TokenManager) AccessToken(ctx context.Context, user string) (string, error) {
	record, err := m.tokens.GetToken(ctx, user)
	if err != nil {
		return "", &errors.AuthorizationRequiredError{User: user, Action: "authorize"}
	}

	if !record.ExpiresAt.IsZero() && time.Now().After(record.ExpiresAt) {
		m.logger.Debug("stored token expired, refreshing", "user", user)
		return m.Refresh(ctx, user)
	}

	return record.AccessToken, nil
}

// Refresh exchanges the user's refresh token for a new access token and
// writes the result back through the store. The refresh token rotates when
// the server returns a new one.
func (m *TokenManager) Refresh(ctx context.Context, user string) (string, error) {
	record, err := m.tokens.GetToken(ctx, user)
	if err != nil || record.RefreshToken == "" {
		return "", &errors.AuthorizationRequiredError{User: user, Action: "authorize"}
	}

	conf := &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: m.cfg.TokenURL},
	}

	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: record.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return "", errors.Wrap(err, "token refresh failed")
	}

	expiresAt := fresh.Expiry
	if expiresAt.IsZero() {
		expiresAt = tokenExpiry(fresh.AccessToken)
	}

	record.AccessToken = fresh.AccessToken
	record.ExpiresAt = expiresAt
	if fresh.RefreshToken != "" {
		record.RefreshToken = fresh.RefreshToken
	}

	if err := m.tokens.PutToken(ctx, record); err != nil {
		return "", errors.Wrap(err, "failed to persist refreshed token")
	}

	m.logger.Info("refreshed access token", "user", user, "expires_at", expiresAt)
	return record.AccessToken, nil
}

// tokenExpiry derives an expiry for an access token whose grant response
// omitted expires_in. JWT access tokens carry their own exp claim; anything
// else gets the default lifetime.
func tokenExpiry(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(defaultTokenLifetime)
}
