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

// Package upstream is the Upstream Client (§6): REST calls guarded by a
// per-host circuit breaker and rate limiter, and a WebSocket streaming
// session that produces raw protocol frames for the Decoder. The
// streaming side follows the reader/writer/pinger goroutine topology of
// a long-lived market-data socket — one goroutine each for reading,
// writing, and keepalive, torn down together on any failure.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const pingPeriod = 20 * time.Second

// ErrSessionClosed is returned from Send once the streaming session has
// stopped.
var ErrSessionClosed = errors.New("upstream: session closed")

// StreamSession owns one WebSocket connection to the streaming endpoint.
// Frames read off the wire are delivered on the channel returned by
// Frames(); Send enqueues an outbound frame (login, subscribe/unsubscribe
// requests).
type StreamSession struct {
	conn *websocket.Conn

	in   chan []byte
	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
	closeMu   sync.Mutex
}

// Dial opens a WebSocket connection to endpoint and starts the
// reader/writer/pinger goroutines. The returned session's Frames()
// channel is closed, and Err() becomes non-nil, once the connection is
// lost for any reason — the caller (the Supervisor) is responsible for
// redialing per its reconnect policy.
func Dial(ctx context.Context, endpoint string) (*StreamSession, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse stream endpoint: %w", err)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial stream endpoint: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial stream endpoint: %w", err)
	}

	s := &StreamSession{
		conn: conn,
		in:   make(chan []byte, 256),
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}

	closeCh := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)
	go s.reader(ctx, &wg, closeCh)
	go s.writer(ctx, &wg, closeCh)
	go s.pinger(ctx, &wg, closeCh)

	go func() {
		wg.Wait()
		close(s.in)
		close(s.done)
	}()

	return s, nil
}

// Frames returns the channel of raw inbound frames. It is closed when the
// session terminates.
func (s *StreamSession) Frames() <-chan []byte {
	return s.in
}

// Done returns a channel closed once the session has fully torn down.
func (s *StreamSession) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session terminated, or nil while still
// running. After a caller-initiated Close it holds the reader's error
// from reading the closed connection.
func (s *StreamSession) Err() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeErr
}

// Send enqueues an outbound frame (login, subscription change).
func (s *StreamSession) Send(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.out <- frame:
		return nil
	}
}

// Close tears down the connection. Safe to call more than once.
func (s *StreamSession) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
	return nil
}

func (s *StreamSession) setErr(err error) {
	s.closeMu.Lock()
	if s.closeErr == nil {
		s.closeErr = err
	}
	s.closeMu.Unlock()
}

func (s *StreamSession) reader(ctx context.Context, wg *sync.WaitGroup, closeCh chan struct{}) {
	defer func() {
		closeOnceSafe(closeCh)
		s.Close()
		wg.Done()
	}()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.setErr(fmt.Errorf("read frame: %w", err))
				slog.Warn("streaming session read failed", "error", err)
			}
			return
		}
		select {
		case s.in <- msg:
		case <-closeCh:
			return
		}
	}
}

func (s *StreamSession) writer(ctx context.Context, wg *sync.WaitGroup, closeCh <-chan struct{}) {
	defer func() {
		s.Close()
		wg.Done()
	}()

	for {
		select {
		case <-closeCh:
			return
		case <-ctx.Done():
			return
		case msg := <-s.out:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if ctx.Err() == nil {
					s.setErr(fmt.Errorf("write frame: %w", err))
					slog.Warn("streaming session write failed", "error", err)
				}
				return
			}
		}
	}
}

func (s *StreamSession) pinger(ctx context.Context, wg *sync.WaitGroup, closeCh <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
		wg.Done()
	}()

	for {
		select {
		case <-closeCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				if ctx.Err() == nil {
					s.setErr(fmt.Errorf("ping: %w", err))
					slog.Warn("streaming session ping failed", "error", err)
				}
				return
			}
		}
	}
}

func closeOnceSafe(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
