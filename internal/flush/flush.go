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
	"time"

	"github.com/marketcore/ingest/internal/entities"
)

// persistentStore is the subset of *store.Store each worker needs. Flush
// workers accept this interface rather than the concrete type so tests
// can exercise the normalize/validate path against a fake.
type persistentStore interface {
	ResolveSymbol(ctx context.Context, symbol string) (int64, bool, error)
	EnsurePartition(ctx context.Context, table string, ts time.Time) error
	InsertLevelOne(ctx context.Context, rows []entities.LevelOneSample) error
	InsertLevelTwo(ctx context.Context, rows []entities.LevelTwoSample) error
	UpsertChart(ctx context.Context, rows []entities.ChartCandle) (inserted, updated int, err error)
}

// rejectRecorder counts rows dropped for failing a §3 persistence
// invariant, tagged by stream and reason. *metrics.Registry satisfies
// it; tests substitute a fake.
type rejectRecorder interface {
	RecordValidationReject(stream, reason string)
}

type nopRejectRecorder struct{}

func (nopRejectRecorder) RecordValidationReject(string, string) {}

func orNopRecorder(rec rejectRecorder) rejectRecorder {
	if rec == nil {
		return nopRejectRecorder{}
	}
	return rec
}
