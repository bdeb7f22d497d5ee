// Copyright (c) 2026 John Earle
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

package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketcore/ingest/internal/entities"
	"github.com/marketcore/ingest/internal/secretstore"
)

// Config holds the OAuth client identity and endpoints. APIKey/AppSecret
// are the client credentials presented via HTTP Basic auth.
type Config struct {
	APIKey        string
	AppSecret     string
	CallbackURL   string
	AuthEndpoint  string
	TokenEndpoint string
	RefreshLeeway time.Duration
}

// Lifecycle is the Token Lifecycle component (§4.1): state minting,
// code exchange, token custody, and silent refresh.
type Lifecycle struct {
	cfg     Config
	conf    *oauth2.Config
	states  *stateStore
	secrets *secretstore.Store
	client  *http.Client

	refreshGroup singleflight.Group
}

// New creates a Token Lifecycle bound to pool (for OAuthState rows) and
// secrets (for TokenBlob custody).
func New(cfg Config, pool *pgxpool.Pool, secrets *secretstore.Store) *Lifecycle {
	if cfg.RefreshLeeway <= 0 {
		cfg.RefreshLeeway = 300 * time.Second
	}
	return &Lifecycle{
		cfg: cfg,
		conf: &oauth2.Config{
			ClientID:     cfg.APIKey,
			ClientSecret: cfg.AppSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       []string{"readonly"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthEndpoint,
				TokenURL: cfg.TokenEndpoint,
				// The token endpoint wants the client credentials as
				// HTTP Basic, not form fields.
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		states:  newStateStore(pool),
		secrets: secrets,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// httpCtx pins the oauth2 transport to this Lifecycle's timeout-bounded
// client instead of http.DefaultClient.
func (l *Lifecycle) httpCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, l.client)
}

// MintAuthorizeURL generates a 256-bit state, binds it to user, and
// returns the authorization URL plus the state (so a caller embedding a
// cookie or redirect can correlate it).
func (l *Lifecycle) MintAuthorizeURL(ctx context.Context, userID string) (authURL, state string, err error) {
	state, err = l.states.mint(ctx, userID)
	if err != nil {
		return "", "", err
	}
	return l.conf.AuthCodeURL(state), state, nil
}

// ConsumeState resolves a callback's state to the user that minted it.
// ok is false for an unknown or already-consumed state.
func (l *Lifecycle) ConsumeState(ctx context.Context, state string) (userID string, ok bool, err error) {
	return l.states.consume(ctx, state)
}

// ExchangeCode exchanges an authorization code for a token and persists
// it under userID. Returns ErrExchangeFailed on a non-2xx response.
func (l *Lifecycle) ExchangeCode(ctx context.Context, userID, code string) (entities.TokenBlob, error) {
	tok, err := l.conf.Exchange(l.httpCtx(ctx), code)
	if err != nil {
		return entities.TokenBlob{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	blob := fromOAuth2Token(tok, time.Now())
	if err := l.SaveToken(ctx, userID, blob); err != nil {
		return entities.TokenBlob{}, fmt.Errorf("save exchanged token: %w", err)
	}
	return blob, nil
}

// RefreshToken exchanges a refresh token for a fresh access token,
// single-flighted per user so concurrent near-expiry callers trigger one
// upstream round-trip. The new token is persisted before returning.
func (l *Lifecycle) RefreshToken(ctx context.Context, userID string, current entities.TokenBlob) (entities.TokenBlob, error) {
	result, err, _ := l.refreshGroup.Do(userID, func() (interface{}, error) {
		src := l.conf.TokenSource(l.httpCtx(ctx), &oauth2.Token{
			RefreshToken: current.RefreshToken,
		})
		tok, err := src.Token()
		if err != nil {
			return entities.TokenBlob{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}

		blob := fromOAuth2Token(tok, time.Now())
		if blob.RefreshToken == "" {
			blob.RefreshToken = current.RefreshToken
		}
		// oauth2 already backfills the old refresh token when the response
		// omits one, so a kept token shows up here as an unchanged value.
		if blob.RefreshToken == current.RefreshToken && blob.RefreshTokenExpiresAt.IsZero() {
			blob.RefreshTokenExpiresAt = current.RefreshTokenExpiresAt
		}
		if err := l.SaveToken(ctx, userID, blob); err != nil {
			return entities.TokenBlob{}, fmt.Errorf("save refreshed token: %w", err)
		}
		return blob, nil
	})
	if err != nil {
		return entities.TokenBlob{}, err
	}
	return result.(entities.TokenBlob), nil
}

// EnsureFresh returns current unchanged if it is not within the refresh
// leeway of expiry, otherwise refreshes and returns the new token. This
// is the silent-refresh entry point the Upstream Client calls before
// every authenticated request.
func (l *Lifecycle) EnsureFresh(ctx context.Context, userID string, current entities.TokenBlob) (entities.TokenBlob, error) {
	if !current.Expired(l.cfg.RefreshLeeway) {
		return current, nil
	}
	return l.RefreshToken(ctx, userID, current)
}

// fromOAuth2Token maps the wire token into the flat custody form.
// oauth2 already turns expires_in into an absolute Expiry; the refresh
// token's lifetime arrives only as a relative refresh_token_expires_in
// and is pinned to an absolute instant here.
func fromOAuth2Token(tok *oauth2.Token, now time.Time) entities.TokenBlob {
	blob := entities.TokenBlob{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
	if s, ok := tok.Extra("scope").(string); ok {
		blob.Scope = s
	}

	var refreshIn int64
	switch v := tok.Extra("refresh_token_expires_in").(type) {
	case float64:
		refreshIn = int64(v)
	case string:
		refreshIn, _ = strconv.ParseInt(v, 10, 64)
	}
	if refreshIn > 0 {
		blob.RefreshTokenExpiresAt = now.Add(time.Duration(refreshIn) * time.Second)
	}
	return blob
}

// legacyEnvelope is the wrapped shape an earlier version of the custody
// layer wrote: the flat token fields nested one level under "token"
// alongside a creation timestamp. LoadToken unwraps and rewrites these
// to the flat form on first read.
type legacyEnvelope struct {
	CreationTimestamp int64           `json:"creation_timestamp"`
	Token             json.RawMessage `json:"token"`
}

// LoadToken reads userID's token from the Secret Store Adapter. A legacy
// wrapped envelope is detected, unwrapped, and rewritten flat before
// returning. ok is false if no token is on file.
func (l *Lifecycle) LoadToken(ctx context.Context, userID string) (entities.TokenBlob, bool, error) {
	name := secretstore.TokenSecretName(userID)
	raw, err := l.secrets.ReadSecret(ctx, name)
	if err != nil {
		return entities.TokenBlob{}, false, fmt.Errorf("read token secret: %w", err)
	}
	if raw == nil {
		return entities.TokenBlob{}, false, nil
	}

	var blob entities.TokenBlob
	if err := json.Unmarshal(raw, &blob); err == nil && blob.AccessToken != "" {
		return blob, true, nil
	}

	var envelope legacyEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Token) == 0 {
		return entities.TokenBlob{}, false, fmt.Errorf("unrecognized token blob shape for %s", userID)
	}
	if err := json.Unmarshal(envelope.Token, &blob); err != nil {
		return entities.TokenBlob{}, false, fmt.Errorf("unwrap legacy token envelope: %w", err)
	}

	slog.Info("migrating legacy token envelope to flat form", "user_id", userID)
	if err := l.SaveToken(ctx, userID, blob); err != nil {
		return entities.TokenBlob{}, false, fmt.Errorf("rewrite migrated token: %w", err)
	}
	return blob, true, nil
}

// SaveToken writes userID's token to the Secret Store Adapter in flat
// form.
func (l *Lifecycle) SaveToken(ctx context.Context, userID string, blob entities.TokenBlob) error {
	raw, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("marshal token blob: %w", err)
	}
	return l.secrets.CreateSecret(ctx, secretstore.TokenSecretName(userID), raw, "")
}

// DeleteToken removes userID's token from custody, e.g. on disconnect.
func (l *Lifecycle) DeleteToken(ctx context.Context, userID string) error {
	return l.secrets.DeleteSecret(ctx, secretstore.TokenSecretName(userID))
}
