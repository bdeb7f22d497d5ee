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

package supervisor

import (
	"context"
	"fmt"

	"github.com/marketcore/ingest/internal/entities"
	"github.com/marketcore/ingest/internal/subscription"
)

// Supervisor implements subscription.Wire so the Differ never touches
// the streaming session directly — every mutation to what is on the
// wire passes through here, where there is always a live session to
// check for.
var _ subscription.Wire = (*Supervisor)(nil)

// ApplyQuotes pushes a level-one subscription delta.
func (s *Supervisor) ApplyQuotes(ctx context.Context, mode subscription.ApplyMode, delta subscription.Delta) error {
	return s.applyDelta(ctx, entities.StreamL1, entities.BookNASDAQ, mode, delta)
}

// ApplyChart pushes a chart subscription delta.
func (s *Supervisor) ApplyChart(ctx context.Context, mode subscription.ApplyMode, delta subscription.Delta) error {
	return s.applyDelta(ctx, entities.StreamChart, entities.BookNASDAQ, mode, delta)
}

// ApplyLevel2 pushes a level-two subscription delta for book.
func (s *Supervisor) ApplyLevel2(ctx context.Context, book entities.Book, mode subscription.ApplyMode, delta subscription.Delta) error {
	return s.applyDelta(ctx, entities.StreamL2, book, mode, delta)
}

// applyDelta pushes one category's change to the wire. FullResubscribe
// sends a single SUBS frame carrying the complete new set — atomic at
// the protocol level (§9 Open Question #1). Incremental sends one ADD
// frame for additions and one UNSUBS frame for removals. An emptied set
// has no SUBS form, so full mode falls back to UNSUBS for the removals.
func (s *Supervisor) applyDelta(ctx context.Context, kind entities.StreamKind, book entities.Book, mode subscription.ApplyMode, delta subscription.Delta) error {
	s.mu.RLock()
	session := s.session
	s.mu.RUnlock()
	if session == nil {
		return fmt.Errorf("supervisor: no active session to apply subscription delta")
	}

	if mode == subscription.FullResubscribe {
		if len(delta.Full) > 0 {
			if err := session.Send(ctx, subsFrame(kind, book, cmdSubs, delta.Full)); err != nil {
				return fmt.Errorf("apply full resubscribe: %w", err)
			}
			return nil
		}
		if len(delta.Remove) > 0 {
			if err := session.Send(ctx, subsFrame(kind, book, cmdUnsubs, delta.Remove)); err != nil {
				return fmt.Errorf("apply remove: %w", err)
			}
		}
		return nil
	}

	if len(delta.Add) > 0 {
		if err := session.Send(ctx, subsFrame(kind, book, cmdAdd, delta.Add)); err != nil {
			return fmt.Errorf("apply add: %w", err)
		}
	}
	if len(delta.Remove) > 0 {
		if err := session.Send(ctx, subsFrame(kind, book, cmdUnsubs, delta.Remove)); err != nil {
			return fmt.Errorf("apply remove: %w", err)
		}
	}
	return nil
}
