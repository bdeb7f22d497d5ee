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
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/marketcore/ingest/internal/entities"
)

func TestDiffAddAndRemove(t *testing.T) {
	current := map[string]bool{"AAPL": true, "MSFT": true}
	desired := map[string]bool{"MSFT": true, "GOOG": true}

	add, remove := diff(current, desired)

	if !reflect.DeepEqual(add, []string{"GOOG"}) {
		t.Fatalf("add = %v, want [GOOG]", add)
	}
	if !reflect.DeepEqual(remove, []string{"AAPL"}) {
		t.Fatalf("remove = %v, want [AAPL]", remove)
	}
}

func TestDiffNoChange(t *testing.T) {
	set := map[string]bool{"AAPL": true}
	add, remove := diff(set, set)
	if len(add) != 0 || len(remove) != 0 {
		t.Fatalf("expected no delta, got add=%v remove=%v", add, remove)
	}
}

func TestDiffSortsSymbolsDeterministically(t *testing.T) {
	current := map[string]bool{}
	desired := map[string]bool{"ZETA": true, "ALPHA": true, "BETA": true}

	add, _ := diff(current, desired)
	sorted := append([]string(nil), add...)
	sort.Strings(sorted)
	if !reflect.DeepEqual(add, sorted) {
		t.Fatalf("diff add not sorted: %v", add)
	}
}

// fakeWire records every ApplyX call made against it, for assertions. It
// implements the Wire interface the Differ depends on, so tests never
// need a real streaming session.
type fakeWire struct {
	quotes Delta
	l2     Delta
	calls  int
}

func (w *fakeWire) ApplyQuotes(_ context.Context, _ ApplyMode, delta Delta) error {
	w.calls++
	w.quotes = delta
	return nil
}

func (w *fakeWire) ApplyChart(_ context.Context, _ ApplyMode, delta Delta) error {
	w.calls++
	return nil
}

func (w *fakeWire) ApplyLevel2(_ context.Context, _ entities.Book, _ ApplyMode, delta Delta) error {
	w.calls++
	w.l2 = delta
	return nil
}

func TestApplyCategorySkipsEmptyDelta(t *testing.T) {
	w := &fakeWire{}
	d := &Differ{wire: w, applied: newDesiredSet()}

	same := map[string]bool{"AAPL": true}
	d.applied.Quotes = same

	err := d.applyCategory(context.Background(), entities.StreamL1, entities.BookNASDAQ, same, same, func(Delta) error {
		t.Fatal("apply should not be called when there is no delta")
		return nil
	})
	if err != nil {
		t.Fatalf("applyCategory: %v", err)
	}
	if w.calls != 0 {
		t.Fatalf("wire calls = %d, want 0", w.calls)
	}
}

func TestApplyCategoryCarriesFullSetAndDelta(t *testing.T) {
	d := &Differ{applied: newDesiredSet()}

	current := map[string]bool{"AAPL": true}
	desired := map[string]bool{"AAPL": true, "MSFT": true}

	// The sentinel error short-circuits applyCategory before its store
	// reconcile, so no database is needed to observe the delta.
	sentinel := errors.New("stop here")
	var got Delta
	err := d.applyCategory(context.Background(), entities.StreamL1, entities.BookNASDAQ, current, desired, func(delta Delta) error {
		got = delta
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}

	if !reflect.DeepEqual(got.Full, []string{"AAPL", "MSFT"}) {
		t.Fatalf("Full = %v, want [AAPL MSFT]", got.Full)
	}
	if !reflect.DeepEqual(got.Add, []string{"MSFT"}) {
		t.Fatalf("Add = %v, want [MSFT]", got.Add)
	}
	if len(got.Remove) != 0 {
		t.Fatalf("Remove = %v, want empty", got.Remove)
	}
}

func TestSeedAppliedOverwritesWithoutWireCall(t *testing.T) {
	w := &fakeWire{}
	d := NewDiffer(nil, w, "owner-1", FullResubscribe)

	seed := newDesiredSet()
	seed.Quotes["AAPL"] = true
	d.SeedApplied(seed)

	if !d.Applied().Quotes["AAPL"] {
		t.Fatal("SeedApplied did not take effect")
	}
	if w.calls != 0 {
		t.Fatalf("wire calls = %d, want 0 (SeedApplied must not touch the wire)", w.calls)
	}
}
