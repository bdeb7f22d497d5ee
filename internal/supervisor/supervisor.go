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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketcore/ingest/internal/beque"
	"github.com/marketcore/ingest/internal/decoder"
	"github.com/marketcore/ingest/internal/entities"
	"github.com/marketcore/ingest/internal/metrics"
	"github.com/marketcore/ingest/internal/subscription"
	"github.com/marketcore/ingest/internal/upstream"
)

// wireSession is the subset of *upstream.StreamSession the Supervisor's
// pump depends on. Defined locally so tests can substitute a fake
// session without dialing a real socket.
type wireSession interface {
	Frames() <-chan []byte
	Send(ctx context.Context, frame []byte) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialFunc opens a new streaming session. The production wiring is
// upstream.Dial; tests substitute a fake.
type DialFunc func(ctx context.Context, endpoint string) (wireSession, error)

// tokenSource is the subset of *oauth.Lifecycle the Supervisor needs to
// obtain a fresh access token before opening a session.
type tokenSource interface {
	LoadToken(ctx context.Context, userID string) (entities.TokenBlob, bool, error)
	EnsureFresh(ctx context.Context, userID string, current entities.TokenBlob) (entities.TokenBlob, error)
}

// accountsClient is the subset of *upstream.RESTClient needed to resolve
// the primary account number before login (§4.2 LOGGING_IN).
type accountsClient interface {
	Accounts(ctx context.Context) ([]upstream.Account, error)
}

// subscriptionDiffer is the subset of *subscription.Differ the Supervisor
// drives: the initial load-and-seed at SUBSCRIBING time and the periodic
// reconcile loop.
type subscriptionDiffer interface {
	LoadAndSeed(ctx context.Context) (subscription.DesiredSet, error)
	Run(ctx context.Context, interval time.Duration)
}

// Config wires a Supervisor to its collaborators.
type Config struct {
	Owner          string
	StreamEndpoint string

	Dial    DialFunc
	Tokens  tokenSource
	Account accountsClient

	Differ subscriptionDiffer

	L1    *beque.Beque[decoder.L1Raw]
	L2    *beque.Beque[decoder.L2Raw]
	Chart *beque.Beque[decoder.ChartRaw]

	Metrics *metrics.Registry

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	DifferPollInterval time.Duration
	WatchdogInterval   time.Duration
	WatchdogStaleAfter time.Duration

	// Now lets tests freeze the clock for weekend/weekday backoff
	// decisions; defaults to time.Now.
	Now func() time.Time
}

const (
	maxConsecutiveNonCloseErrors = 10
	maxConsecutiveCloseWeekday   = 5
	maxConsecutiveCloseWeekend   = 20
)

// Supervisor owns one streaming session's lifecycle: connect, login,
// subscribe, run the message pump, watch for staleness, and reconnect
// with backoff while preserving the subscriptions that were active
// before the drop (§4.2).
type Supervisor struct {
	cfg Config

	mu    sync.RWMutex
	state State

	session    wireSession
	stopOnce   sync.Once
	stopCh     chan struct{}
	stoppedCh  chan struct{}

	totalMessages   int64
	lastMessageUnix int64 // unix seconds, atomic

	consecutiveNonClose int
	consecutiveClose    int
}

// New creates a Supervisor in the DISCONNECTED state. Call Run to start
// the session loop.
func New(cfg Config) *Supervisor {
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, endpoint string) (wireSession, error) {
			return upstream.Dial(ctx, endpoint)
		}
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 100 * time.Millisecond
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.DifferPollInterval <= 0 {
		cfg.DifferPollInterval = 5 * time.Second
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 60 * time.Second
	}
	if cfg.WatchdogStaleAfter <= 0 {
		cfg.WatchdogStaleAfter = 300 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Supervisor{
		cfg:       cfg,
		state:     Disconnected,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// State returns the Supervisor's current state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	slog.Info("supervisor state transition", "state", st.String())
}

// Run drives the Supervisor until ctx is cancelled or Stop is called. It
// connects, logs in, subscribes, pumps messages, and reconnects on
// failure per the backoff policy. It returns an error once the
// consecutive-failure counters exceed the give-up thresholds.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.stoppedCh)

	go s.watchdog(ctx)
	go s.cfg.Differ.Run(ctx, s.cfg.DifferPollInterval)

	for {
		select {
		case <-ctx.Done():
			s.setState(Stopped)
			return ctx.Err()
		case <-s.stopCh:
			s.setState(Stopped)
			return nil
		default:
		}

		if err := s.connectAndRun(ctx); err != nil {
			if errors.Is(err, errStopRequested) {
				s.setState(Stopped)
				return nil
			}

			closeEvent := errors.Is(err, errConnectionClosed)
			if closeEvent {
				s.setState(ClosedByPeer)
				s.consecutiveClose++
				s.consecutiveNonClose = 0
			} else {
				s.consecutiveNonClose++
				s.consecutiveClose = 0
			}

			weekend := isWeekend(s.cfg.Now())
			if s.fatal(closeEvent, weekend) {
				slog.Error("supervisor giving up after too many consecutive failures",
					"close_event", closeEvent, "weekend", weekend, "error", err)
				s.setState(Stopped)
				return fmt.Errorf("supervisor: exhausted reconnect attempts: %w", err)
			}

			s.setState(Reconnecting)
			delay := s.backoff(closeEvent, weekend)
			slog.Warn("supervisor reconnecting after failure",
				"error", err, "delay", delay, "weekend", weekend)

			select {
			case <-ctx.Done():
				s.setState(Stopped)
				return ctx.Err()
			case <-s.stopCh:
				s.setState(Stopped)
				return nil
			case <-time.After(delay):
			}
			continue
		}
	}
}

// fatal reports whether the consecutive-failure counters have exceeded
// the policy's give-up thresholds (§4.2).
func (s *Supervisor) fatal(closeEvent, weekend bool) bool {
	if !closeEvent {
		return s.consecutiveNonClose > maxConsecutiveNonCloseErrors
	}
	if weekend {
		return s.consecutiveClose > maxConsecutiveCloseWeekend
	}
	return s.consecutiveClose > maxConsecutiveCloseWeekday
}

// backoff computes the reconnect delay per §4.2: exponential
// min(0.1*2^n, 30s) on weekdays, stretched to min(30s, 5s*n) on weekends
// since markets are closed and urgency is lower.
func (s *Supervisor) backoff(closeEvent, weekend bool) time.Duration {
	n := s.consecutiveNonClose
	if closeEvent {
		n = s.consecutiveClose
	}
	return backoffDelay(n, weekend, s.cfg.ReconnectBaseDelay, s.cfg.ReconnectMaxDelay)
}

// backoffDelay is the pure backoff calculation, factored out for tests.
func backoffDelay(n int, weekend bool, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	if weekend {
		d := 5 * time.Second * time.Duration(n)
		if d > max {
			d = max
		}
		return d
	}
	if n > 16 {
		n = 16 // guard against overflow; already far past the max cap
	}
	d := base * time.Duration(uint64(1)<<uint(n-1))
	if d > max {
		d = max
	}
	return d
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

var (
	errConnectionClosed = errors.New("supervisor: connection closed")
	errStopRequested    = errors.New("supervisor: stop requested")
)

// connectAndRun performs one full LOGGING_IN -> SUBSCRIBING -> RUNNING
// cycle and returns when the session ends, for any reason.
func (s *Supervisor) connectAndRun(ctx context.Context) error {
	reconnect := s.State() != Disconnected
	s.setState(LoggingIn)

	token, ok, err := s.cfg.Tokens.LoadToken(ctx, s.cfg.Owner)
	if !ok || err != nil {
		if err == nil {
			err = fmt.Errorf("no token on file for owner %s", s.cfg.Owner)
		}
		return fmt.Errorf("login: load token: %w", err)
	}
	token, err = s.cfg.Tokens.EnsureFresh(ctx, s.cfg.Owner, token)
	if err != nil {
		return fmt.Errorf("login: refresh token: %w", err)
	}

	accounts, err := s.cfg.Account.Accounts(ctx)
	if err != nil || len(accounts) == 0 {
		if err == nil {
			err = fmt.Errorf("no linked accounts")
		}
		return fmt.Errorf("login: fetch accounts: %w", err)
	}
	primary := accounts[0]

	session, err := s.cfg.Dial(ctx, s.cfg.StreamEndpoint)
	if err != nil {
		return fmt.Errorf("login: dial stream: %w", err)
	}

	if err := session.Send(ctx, loginFrame(primary.HashValue, token.AccessToken)); err != nil {
		session.Close()
		return fmt.Errorf("login: send login frame: %w", err)
	}

	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	s.setState(Subscribing)
	if err := s.subscribeAll(ctx, session); err != nil {
		session.Close()
		return fmt.Errorf("subscribing: %w", err)
	}

	s.consecutiveNonClose = 0
	s.consecutiveClose = 0
	s.cfg.Metrics.SetConnected(true)
	if reconnect {
		s.cfg.Metrics.RecordReconnect()
	}
	s.setState(Running)
	defer s.cfg.Metrics.SetConnected(false)

	return s.pump(ctx, session)
}

// subscribeAll loads the desired set from the store via the Differ's
// LoadAndSeed (which also seeds the Differ's applied set) and issues one
// full subs frame per non-empty category. The same path runs on every
// connect, so a reconnect re-sends the set as currently stored rather
// than the Differ's previous in-memory applied set. It does not change
// any row's is_active flag.
func (s *Supervisor) subscribeAll(ctx context.Context, session wireSession) error {
	desired, err := s.cfg.Differ.LoadAndSeed(ctx)
	if err != nil {
		return err
	}

	if len(desired.Quotes) > 0 {
		if err := session.Send(ctx, subsFrame(entities.StreamL1, entities.BookNASDAQ, cmdSubs, symbolsOf(desired.Quotes))); err != nil {
			return err
		}
	}
	if len(desired.Chart) > 0 {
		if err := session.Send(ctx, subsFrame(entities.StreamChart, entities.BookNASDAQ, cmdSubs, symbolsOf(desired.Chart))); err != nil {
			return err
		}
	}
	for _, book := range []entities.Book{entities.BookNASDAQ, entities.BookNYSE} {
		syms := desired.Level2[book]
		if len(syms) == 0 {
			continue
		}
		if err := session.Send(ctx, subsFrame(entities.StreamL2, book, cmdSubs, symbolsOf(syms))); err != nil {
			return err
		}
	}
	return nil
}

func symbolsOf(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	return out
}

// pump repeatedly reads one frame and dispatches it, until the session
// ends.
func (s *Supervisor) pump(ctx context.Context, session wireSession) error {
	for {
		select {
		case <-ctx.Done():
			return errStopRequested
		case <-s.stopCh:
			return errStopRequested
		case raw, ok := <-session.Frames():
			if !ok {
				if err := session.Err(); err != nil {
					return fmt.Errorf("%w: %v", errConnectionClosed, err)
				}
				return errConnectionClosed
			}
			s.handleFrame(ctx, raw)
		}
	}
}

// handleFrame decodes one raw frame and routes its content to the
// matching Beque. Decode or dispatch failures are logged and skipped —
// the ProtocolDecode policy (§7) never crashes the pump.
func (s *Supervisor) handleFrame(ctx context.Context, raw []byte) {
	atomic.AddInt64(&s.totalMessages, 1)
	atomic.StoreInt64(&s.lastMessageUnix, s.cfg.Now().Unix())
	s.cfg.Metrics.RecordMessage()

	frame, err := decoder.ParseFrame(raw)
	if err != nil {
		slog.Warn("dropping undecodable frame", "error", err)
		return
	}

	kind, ok := frame.Kind()
	if !ok {
		return
	}

	switch kind {
	case entities.StreamL1:
		for _, item := range frame.Content {
			raw := decoder.NormalizeL1(item, frame.Timestamp)
			if raw.Symbol == "" {
				continue
			}
			if err := s.cfg.L1.Add(ctx, raw); err != nil {
				slog.Warn("l1 beque add failed", "error", err)
			}
		}
	case entities.StreamChart:
		for _, item := range frame.Content {
			raw := decoder.NormalizeChart(item, frame.Timestamp, "1m")
			if raw.Symbol == "" {
				continue
			}
			if err := s.cfg.Chart.Add(ctx, raw); err != nil {
				slog.Warn("chart beque add failed", "error", err)
			}
		}
	case entities.StreamL2:
		for _, item := range frame.Content {
			for _, raw := range decoder.ExplodeL2(item, frame.Timestamp) {
				if raw.Symbol == "" {
					continue
				}
				if err := s.cfg.L2.Add(ctx, raw); err != nil {
					slog.Warn("l2 beque add failed", "error", err)
				}
			}
		}
	}
}

// Stop cancels the message pump, sends a logout frame on the live session
// and closes it, then waits for Run to return. It does not stop the
// Beques; cmd/supervisord does that in its own shutdown sequence after
// Stop returns. Stop is idempotent.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.RLock()
		session := s.session
		s.mu.RUnlock()
		if session != nil {
			_ = session.Send(context.Background(), logoutFrame())
			session.Close()
		}
	})
	<-s.stoppedCh
}
