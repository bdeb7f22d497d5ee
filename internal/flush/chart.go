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

// ChartWorker upserts normalized Chart content into the chart_candles
// table, keyed by (security_id, ts, timeframe).
type ChartWorker struct {
	store   persistentStore
	rejects rejectRecorder
	unknown *unknownSymbolLogger
}

// NewChartWorker creates a Chart flush worker. rejects may be nil.
func NewChartWorker(s persistentStore, rejects rejectRecorder) *ChartWorker {
	return &ChartWorker{store: s, rejects: orNopRecorder(rejects), unknown: newUnknownSymbolLogger()}
}

// Flush implements beque.OnFlush[decoder.ChartRaw].
func (w *ChartWorker) Flush(ctx context.Context, batch []decoder.ChartRaw) error {
	rows := make([]entities.ChartCandle, 0, len(batch))

	for _, raw := range batch {
		id, ok, err := w.store.ResolveSymbol(ctx, raw.Symbol)
		if err != nil {
			return fmt.Errorf("resolve symbol %s: %w", raw.Symbol, err)
		}
		if !ok {
			w.unknown.warnOnce(raw.Symbol, "chart")
			continue
		}

		open := convertPrice(raw.Open)
		high := convertPrice(raw.High)
		low := convertPrice(raw.Low)
		cls := convertPrice(raw.Close)

		if open == nil || high == nil || low == nil || cls == nil ||
			*open <= 0 || *high <= 0 || *low <= 0 || *cls <= 0 ||
			*high < *low {
			w.rejects.RecordValidationReject("chart", "ohlc")
			slog.Debug("dropping chart candle failing OHLC invariant", "symbol", raw.Symbol)
			continue
		}

		volume := int64(0)
		if raw.Volume != nil {
			if *raw.Volume < 0 {
				w.rejects.RecordValidationReject("chart", "negative_volume")
				slog.Debug("dropping chart candle with negative volume", "symbol", raw.Symbol)
				continue
			}
			volume = *raw.Volume
		}

		candle := entities.ChartCandle{
			SecurityID:   id,
			Timestamp:    raw.Timestamp,
			Timeframe:    raw.Timeframe,
			Open:         *open,
			High:         *high,
			Low:          *low,
			Close:        *cls,
			Volume:       volume,
			TradeCount:   raw.TradeCount,
			VWAP:         convertPrice(raw.VWAP),
			RegularHours: raw.RegularHours,
		}

		if err := w.store.EnsurePartition(ctx, "chart_candles", candle.Timestamp); err != nil {
			return fmt.Errorf("ensure partition: %w", err)
		}

		rows = append(rows, candle)
	}

	if len(rows) == 0 {
		return nil
	}
	_, _, err := w.store.UpsertChart(ctx, rows)
	return err
}
