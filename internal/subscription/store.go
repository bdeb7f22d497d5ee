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

// Package subscription implements the Subscription Differ (§4.4): a
// Postgres-backed store for StreamSubscription rows, and a Differ that
// periodically reconciles the user's desired set against the set last
// applied on the wire.
package subscription

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketcore/ingest/internal/entities"
)

// Store owns the stream_subscriptions table: the user-facing admin API
// writes rows here (out of scope, per spec §1); the Differ only reads
// the active set and reconciles is_active flags after applying changes.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a subscription store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the stream_subscriptions table if absent. The
// table's schema migration would normally belong to the external
// admin-API collaborator (§1), but the core still needs it to exist for
// local/dev runs, so it is created idempotently here too.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS stream_subscriptions (
			id          bigserial PRIMARY KEY,
			user_id     text NOT NULL,
			symbol      text NOT NULL,
			stream_kind text NOT NULL,
			book        text NOT NULL DEFAULT 'NASDAQ',
			is_active   bool NOT NULL DEFAULT true,
			UNIQUE (user_id, symbol, stream_kind, book)
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure stream_subscriptions schema: %w", err)
	}
	return nil
}

// DesiredSet is the owner's desired subscription intent, partitioned by
// stream type and (for L2) book, per §4.4.
type DesiredSet struct {
	Quotes map[string]bool            // symbol -> desired, stream_kind=level_one
	Chart  map[string]bool            // symbol -> desired, stream_kind=chart
	Level2 map[entities.Book]map[string]bool // book -> symbol -> desired
}

func newDesiredSet() DesiredSet {
	return DesiredSet{
		Quotes: make(map[string]bool),
		Chart:  make(map[string]bool),
		Level2: map[entities.Book]map[string]bool{
			entities.BookNASDAQ: make(map[string]bool),
			entities.BookNYSE:   make(map[string]bool),
		},
	}
}

// LoadDesired loads every is_active row for owner, canonicalized to
// upper-case symbols, partitioned per §4.4.
func (s *Store) LoadDesired(ctx context.Context, owner string) (DesiredSet, error) {
	set := newDesiredSet()

	rows, err := s.pool.Query(ctx, `
		SELECT symbol, stream_kind, book
		FROM stream_subscriptions
		WHERE user_id = $1 AND is_active
	`, owner)
	if err != nil {
		return set, fmt.Errorf("load desired subscriptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var symbol, kind, book string
		if err := rows.Scan(&symbol, &kind, &book); err != nil {
			return set, fmt.Errorf("scan subscription row: %w", err)
		}
		symbol = strings.ToUpper(strings.TrimSpace(symbol))

		switch entities.StreamKind(kind) {
		case entities.StreamL1:
			set.Quotes[symbol] = true
		case entities.StreamChart:
			set.Chart[symbol] = true
		case entities.StreamL2:
			b := canonicalBook(book)
			set.Level2[b][symbol] = true
		}
	}
	return set, rows.Err()
}

// canonicalBook upper-cases and defaults an empty/unrecognized book to
// NASDAQ, per the Differ's tie-break rule (§4.4).
func canonicalBook(raw string) entities.Book {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(entities.BookNYSE):
		return entities.BookNYSE
	default:
		return entities.BookNASDAQ
	}
}

// ReconcileActive sets is_active=true for exactly the rows matching the
// given (stream_kind, book, symbol) tuples, and every other row for
// owner in that stream_kind/book partition to false — bringing the
// table's intent flags in line with what was actually applied on the
// wire (§4.4 "After applying, reconcile is_active flags").
func (s *Store) ReconcileActive(ctx context.Context, owner string, kind entities.StreamKind, book entities.Book, symbols []string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE stream_subscriptions
		SET is_active = (upper(btrim(symbol)) = ANY($4))
		WHERE user_id = $1 AND stream_kind = $2 AND upper(btrim(book)) = $3
	`, owner, string(kind), string(book), symbols); err != nil {
		return fmt.Errorf("reconcile active flags: %w", err)
	}

	return tx.Commit(ctx)
}
