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
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/marketcore/ingest/internal/entities"
	"github.com/marketcore/ingest/internal/secretstore"
)

func testLifecycle(t *testing.T, tokenEndpoint string) *Lifecycle {
	t.Helper()
	secrets, err := secretstore.New(secretstore.Config{Enabled: false})
	if err != nil {
		t.Fatalf("secretstore.New: %v", err)
	}
	return New(Config{
		APIKey:        "client-123",
		AppSecret:     "secret-456",
		CallbackURL:   "https://app.example.com/callback",
		AuthEndpoint:  "https://auth.example.com/authorize",
		TokenEndpoint: tokenEndpoint,
	}, nil, secrets)
}

func TestAuthorizeURLHasRecognizedParameters(t *testing.T) {
	l := testLifecycle(t, "https://auth.example.com/token")

	got := l.conf.AuthCodeURL("state-abc")

	for _, want := range []string{
		"client_id=client-123",
		"redirect_uri=https%3A%2F%2Fapp.example.com%2Fcallback",
		"response_type=code",
		"scope=readonly",
		"state=state-abc",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("AuthCodeURL = %q, missing %q", got, want)
		}
	}
}

func TestExchangeCodePersistsToken(t *testing.T) {
	var gotGrantType, gotCode string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-123" || pass != "secret-456" {
			t.Errorf("token endpoint did not receive HTTP Basic client credentials")
		}
		r.ParseForm()
		gotGrantType = r.PostFormValue("grant_type")
		gotCode = r.PostFormValue("code")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"access_token": "access-1",
			"refresh_token": "refresh-1",
			"token_type": "Bearer",
			"scope": "readonly",
			"expires_in": 1800,
			"refresh_token_expires_in": 7776000
		}`))
	}))
	defer server.Close()

	l := testLifecycle(t, server.URL)

	blob, err := l.ExchangeCode(context.Background(), "user-1", "the-code")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if gotGrantType != "authorization_code" || gotCode != "the-code" {
		t.Fatalf("request body grant_type=%q code=%q", gotGrantType, gotCode)
	}
	if blob.AccessToken != "access-1" || blob.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected blob: %+v", blob)
	}
	if time.Until(blob.ExpiresAt) <= 0 || time.Until(blob.ExpiresAt) > 1800*time.Second {
		t.Fatalf("ExpiresAt = %v, want absolute instant ~1800s out", blob.ExpiresAt)
	}
	if blob.RefreshTokenExpiresAt.IsZero() {
		t.Fatal("RefreshTokenExpiresAt should be computed from refresh_token_expires_in")
	}

	stored, ok, err := l.LoadToken(context.Background(), "user-1")
	if err != nil || !ok {
		t.Fatalf("LoadToken after exchange: ok=%v err=%v", ok, err)
	}
	if stored.AccessToken != "access-1" {
		t.Fatalf("persisted token = %+v", stored)
	}
}

func TestExchangeCodeNon2xxIsExchangeFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	l := testLifecycle(t, server.URL)

	_, err := l.ExchangeCode(context.Background(), "user-1", "bad-code")
	if !errors.Is(err, ErrExchangeFailed) {
		t.Fatalf("err = %v, want ErrExchangeFailed", err)
	}
}

func TestRefreshTokenKeepsRefreshTokenWhenOmitted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if gt := r.PostFormValue("grant_type"); gt != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", gt)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "access-2", "token_type": "Bearer", "expires_in": 1800}`))
	}))
	defer server.Close()

	l := testLifecycle(t, server.URL)

	current := entities.TokenBlob{
		AccessToken:           "access-1",
		RefreshToken:          "refresh-1",
		RefreshTokenExpiresAt: time.Now().Add(90 * 24 * time.Hour),
	}

	blob, err := l.RefreshToken(context.Background(), "user-1", current)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if blob.AccessToken != "access-2" {
		t.Fatalf("AccessToken = %q, want access-2", blob.AccessToken)
	}
	if blob.RefreshToken != "refresh-1" {
		t.Fatalf("RefreshToken = %q; the old refresh token should survive an omitting response", blob.RefreshToken)
	}
	if !blob.RefreshTokenExpiresAt.Equal(current.RefreshTokenExpiresAt) {
		t.Fatal("RefreshTokenExpiresAt should carry over with the kept refresh token")
	}
}

func TestRefreshTokenNon2xxIsRefreshFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	l := testLifecycle(t, server.URL)

	_, err := l.RefreshToken(context.Background(), "user-1", tokenWithRefresh("stale"))
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err = %v, want ErrRefreshFailed", err)
	}
}

func TestEnsureFreshSkipsRefreshOutsideLeeway(t *testing.T) {
	// No server: a refresh attempt would fail loudly, proving EnsureFresh
	// never called out.
	l := testLifecycle(t, "http://127.0.0.1:0/token")

	current := tokenWithRefresh("refresh-1")
	current.ExpiresAt = time.Now().Add(time.Hour)

	got, err := l.EnsureFresh(context.Background(), "user-1", current)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if got.AccessToken != current.AccessToken {
		t.Fatal("EnsureFresh should return the current token unchanged")
	}
}

func TestFromOAuth2TokenComputesRefreshExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := (&oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       now.Add(1800 * time.Second),
	}).WithExtra(map[string]interface{}{
		"scope":                    "readonly",
		"refresh_token_expires_in": float64(7776000),
	})

	blob := fromOAuth2Token(tok, now)

	if blob.Scope != "readonly" {
		t.Errorf("Scope = %q, want readonly", blob.Scope)
	}
	if !blob.ExpiresAt.Equal(now.Add(1800 * time.Second)) {
		t.Errorf("ExpiresAt = %v", blob.ExpiresAt)
	}
	if !blob.RefreshTokenExpiresAt.Equal(now.Add(7776000 * time.Second)) {
		t.Errorf("RefreshTokenExpiresAt = %v", blob.RefreshTokenExpiresAt)
	}
}

func TestFromOAuth2TokenOmitsRefreshExpiryWhenAbsent(t *testing.T) {
	blob := fromOAuth2Token(&oauth2.Token{AccessToken: "a"}, time.Now())
	if !blob.RefreshTokenExpiresAt.IsZero() {
		t.Errorf("RefreshTokenExpiresAt = %v, want zero value", blob.RefreshTokenExpiresAt)
	}
}

func tokenWithRefresh(refresh string) entities.TokenBlob {
	return entities.TokenBlob{AccessToken: "access-0", RefreshToken: refresh}
}
