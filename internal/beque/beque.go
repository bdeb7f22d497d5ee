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

// Package beque implements the Batched Persistence Pipeline's core
// primitive: a generic Bounded, Elastic Queue that batches items by size
// or time and hands completed batches to a flush callback.
//
// A Beque is single-producer/single-consumer by design: one goroutine
// calls Add, one internal goroutine drains and flushes. Cross-Beque
// ordering is never guaranteed — each instance only promises that items
// are flushed in the order they were added to that instance.
package beque

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OnFlush is invoked by the single consumer goroutine with a drained
// batch. It must be retry-safe if the caller wants retries: a failing
// OnFlush only increments failed_flushes and the items are not retried,
// a deliberate trade against head-of-line blocking (§4.3).
type OnFlush[T any] func(ctx context.Context, batch []T) error

// Config configures a Beque instance.
type Config[T any] struct {
	Name          string        // diagnostic label
	MaxBatchSize  int           // size threshold
	FlushInterval time.Duration // max delay between flushes
	OnFlush       OnFlush[T]
	QueueCapacity int // backpressure bound; defaults to 10*MaxBatchSize
}

// Stats is the read-only diagnostic snapshot for one Beque, matching the
// per_stream shape in the Supervisor's diagnostic surface (§6).
type Stats struct {
	Name               string
	QueueSize          int
	TotalFlushes       int64
	TotalItemsFlushed  int64
	FailedFlushes      int64
	SecondsSinceFlush  float64
	IsRunning          bool
}

// Beque is a generic bounded, elastic batching queue.
type Beque[T any] struct {
	name          string
	maxBatchSize  int
	flushInterval time.Duration
	onFlush       OnFlush[T]

	items chan T
	done  chan struct{}

	mu            sync.Mutex
	running       bool
	totalFlushes  int64
	totalItems    int64
	failedFlushes int64
	lastFlushTime time.Time
}

// New creates and starts a Beque's consumer goroutine.
func New[T any](ctx context.Context, cfg Config[T]) *Beque[T] {
	cap := cfg.QueueCapacity
	if cap <= 0 {
		cap = 10 * cfg.MaxBatchSize
	}

	b := &Beque[T]{
		name:          cfg.Name,
		maxBatchSize:  cfg.MaxBatchSize,
		flushInterval: cfg.FlushInterval,
		onFlush:       cfg.OnFlush,
		items:         make(chan T, cap),
		done:          make(chan struct{}),
		running:       true,
		lastFlushTime: time.Now(),
	}

	go b.run(ctx)
	return b
}

// Add enqueues an item. If the queue is full, Add blocks (backpressure)
// until space frees up or ctx is cancelled — it never silently drops.
func (b *Beque[T]) Add(ctx context.Context, item T) error {
	select {
	case b.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the input, drains any remaining items as a final batch,
// awaits OnFlush for that batch, then returns. It is idempotent: calling
// Stop twice is safe.
func (b *Beque[T]) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.items)
	<-b.done
}

// Snapshot returns a point-in-time diagnostic snapshot.
func (b *Beque[T]) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:              b.name,
		QueueSize:         len(b.items),
		TotalFlushes:      b.totalFlushes,
		TotalItemsFlushed: b.totalItems,
		FailedFlushes:     b.failedFlushes,
		SecondsSinceFlush: time.Since(b.lastFlushTime).Seconds(),
		IsRunning:         b.running,
	}
}

func (b *Beque[T]) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	batch := make([]T, 0, b.maxBatchSize)

	for {
		select {
		case item, ok := <-b.items:
			if !ok {
				if len(batch) > 0 {
					b.flush(ctx, batch)
				}
				return
			}
			batch = append(batch, item)
			if len(batch) >= b.maxBatchSize {
				b.flush(ctx, batch)
				batch = make([]T, 0, b.maxBatchSize)
				ticker.Reset(b.flushInterval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(ctx, batch)
				batch = make([]T, 0, b.maxBatchSize)
			}
		}
	}
}

// flush calls OnFlush and updates counters. Cancellation during an
// in-progress flush lets it finish; it is the caller's context that
// governs whether OnFlush itself respects cancellation.
func (b *Beque[T]) flush(ctx context.Context, batch []T) {
	// The flush id threads through every log line for this batch so
	// interleaved L1/Chart flushes stay distinguishable.
	flushID := uuid.New().String()

	err := b.onFlush(ctx, batch)

	b.mu.Lock()
	b.totalFlushes++
	b.totalItems += int64(len(batch))
	b.lastFlushTime = time.Now()
	if err != nil {
		b.failedFlushes++
	}
	b.mu.Unlock()

	if err != nil {
		slog.Error("beque flush failed", "name", b.name, "flush_id", flushID, "batch_size", len(batch), "error", err)
		return
	}
	slog.Debug("beque flush ok", "name", b.name, "flush_id", flushID, "batch_size", len(batch))
}
