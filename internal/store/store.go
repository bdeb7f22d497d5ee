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

// Package store is the Persistent Store Adapter: a pgx-backed relational
// store with on-demand day-partition DDL, batch upsert primitives for the
// three sample tables, and a bounded symbol→security-id resolver.
//
// Table creation and schema migrations for the base tables themselves are
// an external collaborator's job (spec §1); this package only ensures the
// per-day partitions and default partitions those base tables need before
// a flush inserts into them.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketcore/ingest/internal/entities"
)

// Store is the Persistent Store Adapter.
type Store struct {
	pool *pgxpool.Pool

	partitionMu   sync.Mutex
	partitionDone map[string]bool

	resolver *symbolResolver
}

// NewPool opens a pgx connection pool against dbURL.
func NewPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// New creates a Store over an already-open pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:          pool,
		partitionDone: make(map[string]bool),
		resolver:      newSymbolResolver(pool, 4096),
	}
}

// EnsurePartition idempotently creates the day partition `<table>_YYYY_MM_DD`
// of base table `table` for the UTC day containing ts, plus a `<table>_default`
// partition the first time table is touched in this process. The per-process
// cache means DDL executes at most once per (table, day) per process,
// satisfying the spec's "ensure_partition called many times for the same D
// performs DDL at most once per process" property — it does not protect
// against concurrent processes racing the same partition, which is why the
// DDL itself is IF NOT EXISTS.
func (s *Store) EnsurePartition(ctx context.Context, table string, ts time.Time) error {
	day := ts.UTC().Truncate(24 * time.Hour)
	key := fmt.Sprintf("%s|%s", table, day.Format("2006-01-02"))

	s.partitionMu.Lock()
	if s.partitionDone[key] {
		s.partitionMu.Unlock()
		return nil
	}
	s.partitionMu.Unlock()

	defaultKey := table + "|default"

	s.partitionMu.Lock()
	needDefault := !s.partitionDone[defaultKey]
	s.partitionMu.Unlock()

	if needDefault {
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s_default PARTITION OF %s DEFAULT`,
			table, table,
		)
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure default partition for %s: %w", table, err)
		}
		s.partitionMu.Lock()
		s.partitionDone[defaultKey] = true
		s.partitionMu.Unlock()
	}

	partName := fmt.Sprintf("%s_%s", table, day.Format("2006_01_02"))
	next := day.Add(24 * time.Hour)
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		partName, table, day.Format("2006-01-02"), next.Format("2006-01-02"),
	)
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure partition %s: %w", partName, err)
	}

	s.partitionMu.Lock()
	s.partitionDone[key] = true
	s.partitionMu.Unlock()

	slog.Debug("partition ensured", "table", table, "day", day.Format("2006-01-02"))
	return nil
}

// ResolveSymbol resolves an upper-cased symbol to its Security id via a
// bounded LRU cache over the Security table. ok is false for an unknown
// symbol; callers drop the row and log once (§4.3 L1/L2 flush).
func (s *Store) ResolveSymbol(ctx context.Context, symbol string) (id int64, ok bool, err error) {
	return s.resolver.resolve(ctx, symbol)
}

// InsertLevelOne appends a batch of L1 samples. Append-only, no conflict
// target, per §3.
func (s *Store) InsertLevelOne(ctx context.Context, rows []entities.LevelOneSample) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO level_one_samples
				(security_id, ts, bid_price, bid_size, bid_mic, ask_price, ask_size, ask_mic,
				 last_price, last_size, last_mic, open_price, high_price, low_price, close_price,
				 prev_close_price, volume, net_change_pct, security_status, quote_time, trade_time, realtime)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		`,
			r.SecurityID, r.Timestamp, r.BidPrice, r.BidSize, r.BidMIC, r.AskPrice, r.AskSize, r.AskMIC,
			r.LastPrice, r.LastSize, r.LastMIC, r.OpenPrice, r.HighPrice, r.LowPrice, r.ClosePrice,
			r.PrevClosePrice, r.Volume, r.NetChangePct, r.SecurityStatus, r.QuoteTime, r.TradeTime, r.RealTime,
		)
	}
	return s.sendBatch(ctx, batch, len(rows))
}

// InsertLevelTwo appends a batch of L2 samples.
func (s *Store) InsertLevelTwo(ctx context.Context, rows []entities.LevelTwoSample) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO level_two_samples
				(security_id, ts, side, price_level, size, order_count, level_index, maker_id, mic, quote_time)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (security_id, ts, side, price_level) DO NOTHING
		`,
			r.SecurityID, r.Timestamp, r.Side, r.PriceLevel, r.Size, r.OrderCount, r.LevelIndex, r.MakerID, r.MIC, r.QuoteTime,
		)
	}
	return s.sendBatch(ctx, batch, len(rows))
}

// UpsertChart splits rows into inserts and updates keyed by
// (security_id, ts, timeframe), querying existing rows with that tuple
// set in one round-trip, per §4.3. Returns counts for diagnostics.
func (s *Store) UpsertChart(ctx context.Context, rows []entities.ChartCandle) (inserted, updated int, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}

	existing, err := s.existingChartKeys(ctx, rows)
	if err != nil {
		return 0, 0, fmt.Errorf("query existing chart rows: %w", err)
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		key := chartKey{r.SecurityID, r.Timestamp.UTC(), r.Timeframe}
		if existing[key] {
			updated++
		} else {
			inserted++
		}
		batch.Queue(`
			INSERT INTO chart_candles
				(security_id, ts, timeframe, open, high, low, close, volume, trade_count, vwap, regular_hours)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (security_id, ts, timeframe) DO UPDATE SET
				open = EXCLUDED.open,
				high = EXCLUDED.high,
				low = EXCLUDED.low,
				close = EXCLUDED.close,
				volume = EXCLUDED.volume,
				trade_count = EXCLUDED.trade_count,
				vwap = EXCLUDED.vwap,
				regular_hours = EXCLUDED.regular_hours
		`,
			r.SecurityID, r.Timestamp, r.Timeframe, r.Open, r.High, r.Low, r.Close, r.Volume, r.TradeCount, r.VWAP, r.RegularHours,
		)
	}

	if err := s.sendBatch(ctx, batch, len(rows)); err != nil {
		return 0, 0, err
	}
	return inserted, updated, nil
}

type chartKey struct {
	securityID int64
	ts         time.Time
	timeframe  string
}

func (s *Store) existingChartKeys(ctx context.Context, rows []entities.ChartCandle) (map[chartKey]bool, error) {
	ids := make([]int64, len(rows))
	tss := make([]time.Time, len(rows))
	tfs := make([]string, len(rows))
	for i, r := range rows {
		ids[i], tss[i], tfs[i] = r.SecurityID, r.Timestamp, r.Timeframe
	}

	query := `
		SELECT security_id, ts, timeframe
		FROM chart_candles
		WHERE (security_id, ts, timeframe) IN (
			SELECT * FROM unnest($1::bigint[], $2::timestamptz[], $3::text[])
		)
	`
	dbRows, err := s.pool.Query(ctx, query, ids, tss, tfs)
	if err != nil {
		return nil, err
	}
	defer dbRows.Close()

	out := make(map[chartKey]bool)
	for dbRows.Next() {
		var k chartKey
		if err := dbRows.Scan(&k.securityID, &k.ts, &k.timeframe); err != nil {
			return nil, err
		}
		// Scanned times carry the local Location; keys compare in UTC.
		k.ts = k.ts.UTC()
		out[k] = true
	}
	return out, dbRows.Err()
}

func (s *Store) sendBatch(ctx context.Context, batch *pgx.Batch, n int) error {
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	return nil
}

// Pool exposes the underlying pool for packages that own their own
// tables (subscriptions, OAuth state) and manage their own schema.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
