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

// Package supervisor is the Streaming Supervisor (§4.2): it owns the
// authenticated streaming session, runs the message pump, watches for
// staleness, and reconnects with backoff while preserving the set of
// subscriptions that were active before the drop.
package supervisor

// State is one node of the Supervisor's session state machine.
type State int

const (
	Disconnected State = iota
	LoggingIn
	Subscribing
	Running
	Reconnecting
	ClosedByPeer
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case LoggingIn:
		return "LOGGING_IN"
	case Subscribing:
		return "SUBSCRIBING"
	case Running:
		return "RUNNING"
	case Reconnecting:
		return "RECONNECTING"
	case ClosedByPeer:
		return "CLOSED_BY_PEER"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
