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
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// stateStore owns the oauth_states table: mint replaces any prior state
// for a user, consume is a single-use read-and-delete.
type stateStore struct {
	pool *pgxpool.Pool
}

func newStateStore(pool *pgxpool.Pool) *stateStore {
	return &stateStore{pool: pool}
}

// EnsureSchema creates the oauth_states table if it does not already
// exist. The core owns this table directly (unlike Security/Exchange,
// which belong to the external importer).
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS oauth_states (
			id         bigserial PRIMARY KEY,
			user_id    text NOT NULL UNIQUE,
			state      text NOT NULL UNIQUE,
			created_at timestamptz NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure oauth_states schema: %w", err)
	}
	return nil
}

// mint generates a 256-bit random state and persists it bound to user,
// replacing any prior state for that user in a single transaction.
func (s *stateStore) mint(ctx context.Context, userID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	state := hex.EncodeToString(buf)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("begin mint tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO oauth_states (user_id, state, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET state = EXCLUDED.state, created_at = EXCLUDED.created_at
	`, userID, state); err != nil {
		return "", fmt.Errorf("persist state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit mint tx: %w", err)
	}
	return state, nil
}

// consume finds the row by state in a serializable transaction, captures
// the user, deletes the row, and returns the user. An unknown or already
// consumed state returns ("", false, nil) — the caller surfaces 400/403.
func (s *stateStore) consume(ctx context.Context, state string) (userID string, ok bool, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return "", false, fmt.Errorf("begin consume tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT user_id FROM oauth_states WHERE state = $1`, state)
	if err := row.Scan(&userID); err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup state: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM oauth_states WHERE state = $1`, state); err != nil {
		return "", false, fmt.Errorf("delete consumed state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("commit consume tx: %w", err)
	}
	return userID, true, nil
}
