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

// Package flush holds the per-stream consumers that turn a drained Beque
// batch into persisted rows: resolve symbols, convert prices to
// fixed-point, enforce the §3 invariants, and upsert through the
// Persistent Store Adapter. Each Flush function is meant to be wired
// directly as a beque.OnFlush callback.
package flush

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marketcore/ingest/internal/decoder"
	"github.com/marketcore/ingest/internal/entities"
	"github.com/marketcore/ingest/internal/money"
)

// unknownSymbolLogger logs an unknown symbol at most once per flush
// worker, matching §4.3's "drop rows whose symbol is unknown (log once)".
// Each worker owns its own logger, so a symbol unknown to several streams
// is logged once per stream.
type unknownSymbolLogger struct {
	seen map[string]bool
}

func newUnknownSymbolLogger() *unknownSymbolLogger {
	return &unknownSymbolLogger{seen: make(map[string]bool)}
}

func (l *unknownSymbolLogger) warnOnce(symbol, stream string) {
	if l.seen[symbol] {
		return
	}
	l.seen[symbol] = true
	slog.Warn("dropping rows for unknown symbol", "symbol", symbol, "stream", stream)
}

// L1Worker flushes normalized L1 content into the level_one_samples
// table.
type L1Worker struct {
	store   persistentStore
	rejects rejectRecorder
	unknown *unknownSymbolLogger
}

// NewL1Worker creates an L1 flush worker. rejects may be nil.
func NewL1Worker(s persistentStore, rejects rejectRecorder) *L1Worker {
	return &L1Worker{store: s, rejects: orNopRecorder(rejects), unknown: newUnknownSymbolLogger()}
}

// Flush implements beque.OnFlush[decoder.L1Raw].
func (w *L1Worker) Flush(ctx context.Context, batch []decoder.L1Raw) error {
	rows := make([]entities.LevelOneSample, 0, len(batch))

	for _, raw := range batch {
		id, ok, err := w.store.ResolveSymbol(ctx, raw.Symbol)
		if err != nil {
			return fmt.Errorf("resolve symbol %s: %w", raw.Symbol, err)
		}
		if !ok {
			w.unknown.warnOnce(raw.Symbol, "level_one")
			continue
		}

		sample := entities.LevelOneSample{
			SecurityID:     id,
			Timestamp:      raw.Timestamp,
			BidSize:        raw.BidSize,
			BidMIC:         raw.BidMIC,
			AskSize:        raw.AskSize,
			AskMIC:         raw.AskMIC,
			LastSize:       raw.LastSize,
			LastMIC:        raw.LastMIC,
			Volume:         raw.Volume,
			NetChangePct:   raw.NetChangePct,
			SecurityStatus: raw.SecurityStatus,
			QuoteTime:      raw.QuoteTime,
			TradeTime:      raw.TradeTime,
			RealTime:       raw.RealTime,
		}
		sample.BidPrice = convertPrice(raw.BidPrice)
		sample.AskPrice = convertPrice(raw.AskPrice)
		sample.LastPrice = convertPrice(raw.LastPrice)
		sample.OpenPrice = convertPrice(raw.OpenPrice)
		sample.HighPrice = convertPrice(raw.HighPrice)
		sample.LowPrice = convertPrice(raw.LowPrice)
		sample.ClosePrice = convertPrice(raw.ClosePrice)
		sample.PrevClosePrice = convertPrice(raw.PrevClosePrice)

		if sample.BidPrice != nil && sample.AskPrice != nil && *sample.AskPrice < *sample.BidPrice {
			w.rejects.RecordValidationReject("level_one", "ask_lt_bid")
			slog.Warn("dropping L1 sample violating ask>=bid invariant",
				"security_id", id, "bid", *sample.BidPrice, "ask", *sample.AskPrice)
			continue
		}

		if err := w.store.EnsurePartition(ctx, "level_one_samples", sample.Timestamp); err != nil {
			return fmt.Errorf("ensure partition: %w", err)
		}

		rows = append(rows, sample)
	}

	if len(rows) == 0 {
		return nil
	}
	return w.store.InsertLevelOne(ctx, rows)
}

func convertPrice(f *float64) *int64 {
	if f == nil {
		return nil
	}
	v, ok := money.FromFloat(*f)
	if !ok {
		return nil
	}
	return &v
}
