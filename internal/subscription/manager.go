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

package subscription

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/marketcore/ingest/internal/entities"
)

// ApplyMode selects how the Differ pushes a delta to the wire. The
// source's incremental path exists but full-resubscribe is preferred by
// default because it is atomic at the protocol level (§9 Open Question
// #1): a dropped ADD/REMOVE frame mid-reconnect cannot leave the wire
// silently diverged from the desired set the way a fresh full SUBS frame
// is self-correcting by construction.
type ApplyMode int

const (
	// FullResubscribe sends one *_subs frame containing the entire new
	// set. Default.
	FullResubscribe ApplyMode = iota
	// Incremental sends *_add for additions and *_unsubs for removals.
	Incremental
)

// Delta is one category's computed change. Full carries the complete new
// set so FullResubscribe can put it on the wire as a single SUBS frame;
// Add/Remove carry just the difference for Incremental mode. All three
// are sorted for deterministic frames.
type Delta struct {
	Full   []string
	Add    []string
	Remove []string
}

// Wire is the subset of the Upstream Client's streaming session the
// Differ needs to push subscription changes. Implemented by
// internal/supervisor so the Differ never touches the session directly
// (§5 "only the Supervisor mutates subscriptions").
type Wire interface {
	ApplyQuotes(ctx context.Context, mode ApplyMode, delta Delta) error
	ApplyChart(ctx context.Context, mode ApplyMode, delta Delta) error
	ApplyLevel2(ctx context.Context, book entities.Book, mode ApplyMode, delta Delta) error
}

// Differ periodically reconciles the desired set held in the persistent
// store against the set last applied on the wire, and pushes any delta.
type Differ struct {
	store *Store
	wire  Wire
	owner string
	mode  ApplyMode

	// applied is the in-memory set last applied on the wire. Reconcile
	// replaces each changed category wholesale. The Supervisor does not
	// re-send it on reconnect; it reloads the set from the store through
	// LoadAndSeed, which overwrites it.
	applied DesiredSet
}

// NewDiffer creates a Subscription Differ for owner, applying changes via
// wire using mode (FullResubscribe is the documented default).
func NewDiffer(store *Store, wire Wire, owner string, mode ApplyMode) *Differ {
	return &Differ{
		store:   store,
		wire:    wire,
		owner:   owner,
		mode:    mode,
		applied: newDesiredSet(),
	}
}

// Applied returns the in-memory set last successfully applied to the
// wire.
func (d *Differ) Applied() DesiredSet {
	return d.applied
}

// SeedApplied overwrites the in-memory applied set without touching the
// wire or the store. The Supervisor seeds through LoadAndSeed instead.
func (d *Differ) SeedApplied(set DesiredSet) {
	d.applied = set
}

// LoadAndSeed loads the desired set from the store and seeds it directly
// into the in-memory applied set, without touching the wire. The
// Supervisor calls this at the start of every SUBSCRIBING phase and then
// sends the returned set as its full subs frames (§4.2) — seeding here
// makes sure the next Reconcile diffs against what is being sent rather
// than against an empty set, which would otherwise look like a fresh add
// of everything on the first tick.
func (d *Differ) LoadAndSeed(ctx context.Context) (DesiredSet, error) {
	desired, err := d.store.LoadDesired(ctx, d.owner)
	if err != nil {
		return DesiredSet{}, err
	}
	d.applied = desired
	return desired, nil
}

// Run polls the store every interval until ctx is cancelled, applying any
// delta found. It is meant to run as a goroutine on the Supervisor's
// event loop.
func (d *Differ) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Reconcile(ctx); err != nil {
				slog.Error("subscription differ reconcile failed", "error", err)
			}
		}
	}
}

// Reconcile loads the desired set, diffs it against the applied set, and
// pushes any non-empty delta to the wire, then reconciles is_active flags
// to reflect what was actually applied.
func (d *Differ) Reconcile(ctx context.Context) error {
	desired, err := d.store.LoadDesired(ctx, d.owner)
	if err != nil {
		return err
	}

	if err := d.applyCategory(ctx, entities.StreamL1, entities.BookNASDAQ,
		d.applied.Quotes, desired.Quotes,
		func(delta Delta) error { return d.wire.ApplyQuotes(ctx, d.mode, delta) },
	); err != nil {
		return err
	}
	d.applied.Quotes = desired.Quotes

	if err := d.applyCategory(ctx, entities.StreamChart, entities.BookNASDAQ,
		d.applied.Chart, desired.Chart,
		func(delta Delta) error { return d.wire.ApplyChart(ctx, d.mode, delta) },
	); err != nil {
		return err
	}
	d.applied.Chart = desired.Chart

	for _, book := range []entities.Book{entities.BookNASDAQ, entities.BookNYSE} {
		book := book
		if err := d.applyCategory(ctx, entities.StreamL2, book,
			d.applied.Level2[book], desired.Level2[book],
			func(delta Delta) error { return d.wire.ApplyLevel2(ctx, book, d.mode, delta) },
		); err != nil {
			return err
		}
		d.applied.Level2[book] = desired.Level2[book]
	}

	return nil
}

// applyCategory computes the delta for one (stream_kind, book)
// partition, applies it via apply if non-empty, and reconciles is_active
// flags in the store to the new set.
func (d *Differ) applyCategory(ctx context.Context, kind entities.StreamKind, book entities.Book, current, desired map[string]bool, apply func(Delta) error) error {
	add, remove := diff(current, desired)
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}

	full := make([]string, 0, len(desired))
	for sym := range desired {
		full = append(full, sym)
	}
	sort.Strings(full)

	slog.Info("subscription delta detected",
		"stream", kind, "book", book, "add", add, "remove", remove, "full", full)

	if err := apply(Delta{Full: full, Add: add, Remove: remove}); err != nil {
		return err
	}

	return d.store.ReconcileActive(ctx, d.owner, kind, book, full)
}

// diff computes symbols present in desired but not current (add) and
// present in current but not desired (remove). Output is sorted for
// deterministic wire frames and test assertions.
func diff(current, desired map[string]bool) (add, remove []string) {
	for sym := range desired {
		if !current[sym] {
			add = append(add, sym)
		}
	}
	for sym := range current {
		if !desired[sym] {
			remove = append(remove, sym)
		}
	}
	sort.Strings(add)
	sort.Strings(remove)
	return add, remove
}
