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
	"log/slog"
	"sync/atomic"
	"time"
)

// watchdog logs the message pump's health every WatchdogInterval and,
// when the session has gone stale for longer than WatchdogStaleAfter
// while running, forces a reconnect by closing the live session — the
// Run loop's pump then returns errConnectionClosed and the normal
// backoff/reconnect path takes over.
func (s *Supervisor) watchdog(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			total := atomic.LoadInt64(&s.totalMessages)
			lastUnix := atomic.LoadInt64(&s.lastMessageUnix)
			age := time.Duration(0)
			if lastUnix > 0 {
				age = s.cfg.Now().Sub(time.Unix(lastUnix, 0))
			}
			s.cfg.Metrics.LastMessageAgeSecs.Set(age.Seconds())

			slog.Info("supervisor watchdog tick",
				"state", s.State().String(), "total_messages", total, "last_message_age", age)

			if s.State() == Running && lastUnix > 0 && age > s.cfg.WatchdogStaleAfter {
				slog.Warn("supervisor forcing reconnect: session stale", "age", age)
				s.mu.RLock()
				session := s.session
				s.mu.RUnlock()
				if session != nil {
					session.Close()
				}
			}
		}
	}
}
