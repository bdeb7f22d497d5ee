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

// Token Lifecycle Command
//
// Standalone CLI tool for the OAuth token lifecycle of the configured
// owner: mint an authorization URL, exchange a callback code, force a
// refresh, inspect custody, or disconnect.
//
// Usage:
//
//	go run ./cmd/tokentool/ --op mint
//	go run ./cmd/tokentool/ --op exchange --code <code> --state <state>
//	go run ./cmd/tokentool/ --op refresh
//	go run ./cmd/tokentool/ --op status
//	go run ./cmd/tokentool/ --op delete
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/marketcore/ingest/internal/config"
	"github.com/marketcore/ingest/internal/oauth"
	"github.com/marketcore/ingest/internal/secretstore"
	"github.com/marketcore/ingest/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	opFlag := flag.String("op", "", "Operation: mint | exchange | refresh | status | delete (required)")
	codeFlag := flag.String("code", "", "Authorization code from the callback (exchange only)")
	stateFlag := flag.String("state", "", "State parameter from the callback (exchange only)")
	flag.Parse()

	if *opFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --op is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// --- Connect to Postgres ---
	pool, err := store.NewPool(ctx, cfg.DBURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: connect to Postgres: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := oauth.EnsureSchema(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "Error: ensure oauth state schema: %v\n", err)
		os.Exit(1)
	}

	// --- Secret Store + Token Lifecycle ---
	secrets, err := secretstore.New(secretstore.Config{
		Enabled: cfg.Tunables.VaultEnabled,
		Address: cfg.Tunables.VaultAddress,
		Token:   cfg.Tunables.VaultToken,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open secret store: %v\n", err)
		os.Exit(1)
	}

	tokens := oauth.New(oauth.Config{
		APIKey:        cfg.APIKey,
		AppSecret:     cfg.AppSecret,
		CallbackURL:   cfg.CallbackURL,
		AuthEndpoint:  strings.TrimRight(cfg.APIURL, "/") + "/v1/oauth/authorize",
		TokenEndpoint: strings.TrimRight(cfg.APIURL, "/") + "/v1/oauth/token",
		RefreshLeeway: cfg.Tunables.TokenRefreshLeeway,
	}, pool, secrets)

	switch *opFlag {
	case "mint":
		url, state, err := tokens.MintAuthorizeURL(ctx, cfg.OwnerID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: mint authorize URL: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Open this URL in a browser and approve access:\n\n  %s\n\nstate: %s\n", url, state)
		fmt.Println("\nThen run: tokentool --op exchange --code <code> --state <state>")

	case "exchange":
		if *codeFlag == "" || *stateFlag == "" {
			fmt.Fprintf(os.Stderr, "Error: --code and --state are required for exchange\n")
			os.Exit(1)
		}
		userID, ok, err := tokens.ConsumeState(ctx, *stateFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: consume state: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: unknown or already-consumed state\n")
			os.Exit(1)
		}
		blob, err := tokens.ExchangeCode(ctx, userID, *codeFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: exchange code: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Token stored for user %s; access token expires at %s\n",
			userID, blob.ExpiresAt.Format(time.RFC3339))

	case "refresh":
		blob, ok, err := tokens.LoadToken(ctx, cfg.OwnerID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: load token: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: no token on file for owner %s\n", cfg.OwnerID)
			os.Exit(1)
		}
		blob, err = tokens.RefreshToken(ctx, cfg.OwnerID, blob)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: refresh token: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Token refreshed; access token expires at %s\n", blob.ExpiresAt.Format(time.RFC3339))

	case "status":
		blob, ok, err := tokens.LoadToken(ctx, cfg.OwnerID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: load token: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Printf("No token on file for owner %s\n", cfg.OwnerID)
			return
		}
		fmt.Printf("Access token expires at  %s\n", blob.ExpiresAt.Format(time.RFC3339))
		if !blob.RefreshTokenExpiresAt.IsZero() {
			fmt.Printf("Refresh token expires at %s\n", blob.RefreshTokenExpiresAt.Format(time.RFC3339))
		}

	case "delete":
		if err := tokens.DeleteToken(ctx, cfg.OwnerID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: delete token: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Token deleted for owner %s\n", cfg.OwnerID)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown --op %q\n", *opFlag)
		os.Exit(1)
	}
}
