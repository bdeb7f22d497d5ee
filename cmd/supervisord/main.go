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

// Market-Data Ingestion Supervisor
//
// This is the entry point for the ingestion core. It:
//  1. Loads required configuration from the environment (plus optional config.yaml)
//  2. Connects to Postgres and ensures the core's own tables exist
//  3. Opens the Secret Store Adapter and Token Lifecycle
//  4. Builds the three Beques and their flush workers
//  5. Starts the Streaming Supervisor (login, subscribe, pump, reconnect)
//  6. Serves /health and /metrics for operators
//  7. Handles graceful shutdown on SIGTERM/SIGINT: stop pump, drain Beques, logout
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marketcore/ingest/internal/beque"
	"github.com/marketcore/ingest/internal/config"
	"github.com/marketcore/ingest/internal/decoder"
	"github.com/marketcore/ingest/internal/entities"
	"github.com/marketcore/ingest/internal/flush"
	"github.com/marketcore/ingest/internal/metrics"
	"github.com/marketcore/ingest/internal/oauth"
	"github.com/marketcore/ingest/internal/secretstore"
	"github.com/marketcore/ingest/internal/store"
	"github.com/marketcore/ingest/internal/subscription"
	"github.com/marketcore/ingest/internal/supervisor"
	"github.com/marketcore/ingest/internal/upstream"
)

const defaultStreamEndpoint = "wss://streamer-api.schwab.com/ws"

// wireProxy breaks the construction cycle between the Differ (which
// needs a Wire to push deltas through) and the Supervisor (which needs
// the Differ to drive). The Supervisor is assigned after both exist.
type wireProxy struct {
	sup *supervisor.Supervisor
}

func (w *wireProxy) ApplyQuotes(ctx context.Context, mode subscription.ApplyMode, delta subscription.Delta) error {
	return w.sup.ApplyQuotes(ctx, mode, delta)
}

func (w *wireProxy) ApplyChart(ctx context.Context, mode subscription.ApplyMode, delta subscription.Delta) error {
	return w.sup.ApplyChart(ctx, mode, delta)
}

func (w *wireProxy) ApplyLevel2(ctx context.Context, book entities.Book, mode subscription.ApplyMode, delta subscription.Delta) error {
	return w.sup.ApplyLevel2(ctx, book, mode, delta)
}

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting market-data ingestion supervisor")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	slog.Info("configuration loaded", "environment", cfg.Environment, "owner", cfg.OwnerID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Connect to Postgres ---
	pool, err := store.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	st := store.New(pool)
	slog.Info("connected to Postgres")

	if err := subscription.EnsureSchema(ctx, pool); err != nil {
		slog.Error("failed to ensure subscription schema", "error", err)
		os.Exit(1)
	}
	if err := oauth.EnsureSchema(ctx, pool); err != nil {
		slog.Error("failed to ensure oauth state schema", "error", err)
		os.Exit(1)
	}

	// --- Secret Store + Token Lifecycle ---
	secrets, err := secretstore.New(secretstore.Config{
		Enabled: cfg.Tunables.VaultEnabled,
		Address: cfg.Tunables.VaultAddress,
		Token:   cfg.Tunables.VaultToken,
	})
	if err != nil {
		slog.Error("failed to open secret store", "error", err)
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

	// --- Upstream REST Client ---
	rest := upstream.NewRESTClient(strings.TrimRight(cfg.APIURL, "/")+"/trader/v1",
		func(ctx context.Context) (string, error) {
			blob, ok, err := tokens.LoadToken(ctx, cfg.OwnerID)
			if err != nil {
				return "", err
			}
			if !ok {
				return "", fmt.Errorf("no token on file for owner %s; run tokentool first", cfg.OwnerID)
			}
			blob, err = tokens.EnsureFresh(ctx, cfg.OwnerID, blob)
			if err != nil {
				return "", err
			}
			return "Bearer " + blob.AccessToken, nil
		})

	// --- Metrics ---
	promReg := prometheus.NewRegistry()
	reg := metrics.NewRegistry(promReg)

	// --- Beques + Flush Workers ---
	// Beques get a background context so the final drain on shutdown can
	// still reach the database after the signal context is cancelled.
	l1Worker := flush.NewL1Worker(st, reg)
	l2Worker := flush.NewL2Worker(st, reg)
	chartWorker := flush.NewChartWorker(st, reg)

	l1Beque := beque.New(context.Background(), beque.Config[decoder.L1Raw]{
		Name:          "level_one",
		MaxBatchSize:  cfg.Tunables.L1BatchSize,
		FlushInterval: cfg.Tunables.L1FlushInterval,
		OnFlush: func(ctx context.Context, batch []decoder.L1Raw) error {
			err := l1Worker.Flush(ctx, batch)
			reg.RecordFlush("level_one", len(batch), err != nil)
			return err
		},
	})
	l2Beque := beque.New(context.Background(), beque.Config[decoder.L2Raw]{
		Name:          "level_two",
		MaxBatchSize:  cfg.Tunables.L2BatchSize,
		FlushInterval: cfg.Tunables.L2FlushInterval,
		OnFlush: func(ctx context.Context, batch []decoder.L2Raw) error {
			err := l2Worker.Flush(ctx, batch)
			reg.RecordFlush("level_two", len(batch), err != nil)
			return err
		},
	})
	chartBeque := beque.New(context.Background(), beque.Config[decoder.ChartRaw]{
		Name:          "chart",
		MaxBatchSize:  cfg.Tunables.ChartBatchSize,
		FlushInterval: cfg.Tunables.ChartFlushInterval,
		OnFlush: func(ctx context.Context, batch []decoder.ChartRaw) error {
			err := chartWorker.Flush(ctx, batch)
			reg.RecordFlush("chart", len(batch), err != nil)
			return err
		},
	})

	// --- Differ + Supervisor ---
	subStore := subscription.NewStore(pool)
	proxy := &wireProxy{}
	differ := subscription.NewDiffer(subStore, proxy, cfg.OwnerID, subscription.FullResubscribe)

	sup := supervisor.New(supervisor.Config{
		Owner:          cfg.OwnerID,
		StreamEndpoint: streamEndpoint(),
		Tokens:         tokens,
		Account:        rest,
		Differ:         differ,
		L1:             l1Beque,
		L2:             l2Beque,
		Chart:          chartBeque,
		Metrics:        reg,

		ReconnectBaseDelay: cfg.Tunables.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Tunables.ReconnectMaxDelay,
		DifferPollInterval: cfg.Tunables.DifferPollInterval,
		WatchdogInterval:   cfg.Tunables.WatchdogInterval,
		WatchdogStaleAfter: cfg.Tunables.WatchdogStaleAfter,
	})
	proxy.sup = sup

	// --- Beque gauge sampler ---
	go sampleBeques(ctx, reg, sup)

	// --- Diagnostics Server ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		snap := sup.Snapshot()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":            "healthy",
			"is_connected":      snap.IsConnected,
			"total_messages":    snap.TotalMessages,
			"last_message_time": snap.LastMessageTime,
			"per_stream":        snap.PerStream,
		})
	})

	addr := ":" + envOrDefault("PORT", "8090")
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("diagnostics server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("diagnostics server failed", "error", err)
		}
	}()

	// --- Run Until Signal ---
	runErr := sup.Run(ctx)
	if runErr != nil && runErr != context.Canceled {
		slog.Error("supervisor exited with error", "error", runErr)
	}

	// --- Graceful Shutdown ---
	slog.Info("shutting down: stopping supervisor and draining beques")
	sup.Stop()
	l1Beque.Stop()
	l2Beque.Stop()
	chartBeque.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	slog.Info("shutdown complete")
	if runErr != nil && runErr != context.Canceled {
		os.Exit(1)
	}
}

// sampleBeques refreshes the per-stream queue/staleness gauges from the
// Supervisor's snapshot. Flush counters are recorded at flush time; only
// the point-in-time gauges need polling.
func sampleBeques(ctx context.Context, reg *metrics.Registry, sup *supervisor.Supervisor) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := sup.Snapshot()
			for _, s := range snap.PerStream {
				reg.ObserveBeque(metrics.BequeSnapshot{
					Stream:            s.Name,
					QueueSize:         s.QueueSize,
					SecondsSinceFlush: s.SecondsSinceLastFlush,
				})
			}
		}
	}
}

// streamEndpoint is overridable for staging upstreams; the production
// streamer address is the default.
func streamEndpoint() string {
	return envOrDefault("STREAM_URL", defaultStreamEndpoint)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
