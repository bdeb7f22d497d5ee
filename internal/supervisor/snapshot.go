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
	"sync/atomic"
	"time"

	"github.com/marketcore/ingest/internal/beque"
)

// StreamSnapshot is one stream's slice of the diagnostic surface (§6).
type StreamSnapshot struct {
	Name                string
	QueueSize           int
	TotalFlushes        int64
	TotalItemsFlushed   int64
	FailedFlushes       int64
	SecondsSinceLastFlush float64
	IsRunning           bool
}

// Snapshot is the read-only diagnostic surface the spec contracts for:
// total_messages, last_message_time, is_connected, and one StreamSnapshot
// per Beque.
type Snapshot struct {
	TotalMessages   int64
	LastMessageTime time.Time
	IsConnected     bool
	PerStream       map[string]StreamSnapshot
}

// Snapshot reads a point-in-time diagnostic view. Safe to call
// concurrently with Run.
func (s *Supervisor) Snapshot() Snapshot {
	total := atomic.LoadInt64(&s.totalMessages)
	lastUnix := atomic.LoadInt64(&s.lastMessageUnix)

	var lastTime time.Time
	if lastUnix > 0 {
		lastTime = time.Unix(lastUnix, 0)
	}

	state := s.State()
	connected := state == Running || state == Subscribing

	perStream := make(map[string]StreamSnapshot, 3)
	if s.cfg.L1 != nil {
		perStream["level_one"] = toStreamSnapshot("level_one", s.cfg.L1.Snapshot())
	}
	if s.cfg.L2 != nil {
		perStream["level_two"] = toStreamSnapshot("level_two", s.cfg.L2.Snapshot())
	}
	if s.cfg.Chart != nil {
		perStream["chart"] = toStreamSnapshot("chart", s.cfg.Chart.Snapshot())
	}

	return Snapshot{
		TotalMessages:   total,
		LastMessageTime: lastTime,
		IsConnected:     connected,
		PerStream:       perStream,
	}
}

func toStreamSnapshot(name string, b beque.Stats) StreamSnapshot {
	return StreamSnapshot{
		Name:                  name,
		QueueSize:             b.QueueSize,
		TotalFlushes:          b.TotalFlushes,
		TotalItemsFlushed:     b.TotalItemsFlushed,
		FailedFlushes:         b.FailedFlushes,
		SecondsSinceLastFlush: b.SecondsSinceFlush,
		IsRunning:             b.IsRunning,
	}
}
