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

package flush

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marketcore/ingest/internal/decoder"
	"github.com/marketcore/ingest/internal/entities"
)

// L2Worker flushes normalized L2 content into the level_two_samples
// table, additionally enforcing price_level/size/order_count positivity.
type L2Worker struct {
	store   persistentStore
	rejects rejectRecorder
	unknown *unknownSymbolLogger
}

// NewL2Worker creates an L2 flush worker. rejects may be nil.
func NewL2Worker(s persistentStore, rejects rejectRecorder) *L2Worker {
	return &L2Worker{store: s, rejects: orNopRecorder(rejects), unknown: newUnknownSymbolLogger()}
}

// Flush implements beque.OnFlush[decoder.L2Raw].
func (w *L2Worker) Flush(ctx context.Context, batch []decoder.L2Raw) error {
	rows := make([]entities.LevelTwoSample, 0, len(batch))

	for _, raw := range batch {
		id, ok, err := w.store.ResolveSymbol(ctx, raw.Symbol)
		if err != nil {
			return fmt.Errorf("resolve symbol %s: %w", raw.Symbol, err)
		}
		if !ok {
			w.unknown.warnOnce(raw.Symbol, "level_two")
			continue
		}

		priceLevel := convertPrice(raw.PriceLevel)
		size := raw.Size
		orderCount := raw.OrderCount
		levelIndex := raw.LevelIndex

		if priceLevel == nil || *priceLevel <= 0 ||
			size == nil || *size <= 0 ||
			orderCount == nil || *orderCount <= 0 ||
			levelIndex == nil || *levelIndex < 0 {
			w.rejects.RecordValidationReject("level_two", "positivity")
			slog.Debug("dropping L2 row failing positivity invariant", "symbol", raw.Symbol)
			continue
		}

		side := entities.SideBid
		if raw.Side == string(entities.SideAsk) {
			side = entities.SideAsk
		}

		sample := entities.LevelTwoSample{
			SecurityID: id,
			Timestamp:  raw.Timestamp,
			Side:       side,
			PriceLevel: *priceLevel,
			Size:       *size,
			OrderCount: *orderCount,
			LevelIndex: *levelIndex,
			MakerID:    raw.MakerID,
			MIC:        raw.MIC,
			QuoteTime:  raw.QuoteTime,
		}

		if err := w.store.EnsurePartition(ctx, "level_two_samples", sample.Timestamp); err != nil {
			return fmt.Errorf("ensure partition: %w", err)
		}

		rows = append(rows, sample)
	}

	if len(rows) == 0 {
		return nil
	}
	return w.store.InsertLevelTwo(ctx, rows)
}
