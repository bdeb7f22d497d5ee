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

package store

import (
	"container/list"
	"context"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// symbolResolver is a bounded LRU cache over the Security table's
// symbol->id mapping. Unknown symbols are looked up on every call (they
// are not negatively cached, since a security the external importer adds
// later should resolve on its next appearance without a process restart).
type symbolResolver struct {
	pool     *pgxpool.Pool
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type resolverEntry struct {
	symbol string
	id     int64
}

func newSymbolResolver(pool *pgxpool.Pool, capacity int) *symbolResolver {
	return &symbolResolver{
		pool:     pool,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (r *symbolResolver) resolve(ctx context.Context, symbol string) (int64, bool, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, false, nil
	}

	r.mu.Lock()
	if el, ok := r.entries[symbol]; ok {
		r.order.MoveToFront(el)
		id := el.Value.(*resolverEntry).id
		r.mu.Unlock()
		return id, true, nil
	}
	r.mu.Unlock()

	var id int64
	err := r.pool.QueryRow(ctx, `SELECT id FROM securities WHERE symbol = $1 AND active`, symbol).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	r.mu.Lock()
	r.put(symbol, id)
	r.mu.Unlock()

	return id, true, nil
}

// put must be called with mu held.
func (r *symbolResolver) put(symbol string, id int64) {
	if el, ok := r.entries[symbol]; ok {
		el.Value.(*resolverEntry).id = id
		r.order.MoveToFront(el)
		return
	}

	el := r.order.PushFront(&resolverEntry{symbol: symbol, id: id})
	r.entries[symbol] = el

	for r.order.Len() > r.capacity {
		oldest := r.order.Back()
		if oldest == nil {
			break
		}
		r.order.Remove(oldest)
		delete(r.entries, oldest.Value.(*resolverEntry).symbol)
	}
}
