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
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marketcore/ingest/internal/beque"
	"github.com/marketcore/ingest/internal/decoder"
	"github.com/marketcore/ingest/internal/entities"
	"github.com/marketcore/ingest/internal/metrics"
	"github.com/marketcore/ingest/internal/subscription"
	"github.com/marketcore/ingest/internal/upstream"
)

// fakeSession is an in-memory wireSession: frames pushed into frames are
// what the pump reads; everything the Supervisor sends is recorded.
type fakeSession struct {
	frames chan []byte
	done   chan struct{}

	mu   sync.Mutex
	sent [][]byte
	err  error

	closeOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func (f *fakeSession) Frames() <-chan []byte { return f.frames }
func (f *fakeSession) Done() <-chan struct{} { return f.done }

func (f *fakeSession) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeSession) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSession) Close() error {
	f.closeOnce.Do(func() {
		close(f.frames)
		close(f.done)
	})
	return nil
}

// failWith simulates the peer dropping the connection.
func (f *fakeSession) failWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.Close()
}

func (f *fakeSession) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSession) sentRequests(t *testing.T) []outboundRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []outboundRequest
	for _, raw := range f.sent {
		var env outboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("sent frame is not a valid envelope: %v", err)
		}
		out = append(out, env.Requests...)
	}
	return out
}

type fakeTokens struct{}

func (fakeTokens) LoadToken(ctx context.Context, userID string) (entities.TokenBlob, bool, error) {
	return entities.TokenBlob{
		AccessToken: "access-token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, true, nil
}

func (fakeTokens) EnsureFresh(ctx context.Context, userID string, current entities.TokenBlob) (entities.TokenBlob, error) {
	return current, nil
}

type fakeAccounts struct{}

func (fakeAccounts) Accounts(ctx context.Context) ([]upstream.Account, error) {
	return []upstream.Account{{AccountNumber: "123456", HashValue: "hash-1"}}, nil
}

type fakeDiffer struct {
	set subscription.DesiredSet
}

func (d *fakeDiffer) LoadAndSeed(ctx context.Context) (subscription.DesiredSet, error) {
	return d.set, nil
}

func (d *fakeDiffer) Run(ctx context.Context, interval time.Duration) {
	<-ctx.Done()
}

func desiredAAPL() subscription.DesiredSet {
	return subscription.DesiredSet{
		Quotes: map[string]bool{"AAPL": true},
		Chart:  map[string]bool{"AAPL": true},
		Level2: map[entities.Book]map[string]bool{
			entities.BookNASDAQ: {"AAPL": true},
			entities.BookNYSE:   {},
		},
	}
}

type rig struct {
	sup      *Supervisor
	sessions chan *fakeSession

	l1Batches    chan []decoder.L1Raw
	l2Batches    chan []decoder.L2Raw
	chartBatches chan []decoder.ChartRaw

	l1    *beque.Beque[decoder.L1Raw]
	l2    *beque.Beque[decoder.L2Raw]
	chart *beque.Beque[decoder.ChartRaw]
}

// wednesday pins backoff decisions to the weekday policy.
var wednesday = time.Date(2026, time.July, 29, 15, 0, 0, 0, time.UTC)

func newRig(t *testing.T) *rig {
	t.Helper()

	r := &rig{
		sessions:     make(chan *fakeSession, 4),
		l1Batches:    make(chan []decoder.L1Raw, 16),
		l2Batches:    make(chan []decoder.L2Raw, 16),
		chartBatches: make(chan []decoder.ChartRaw, 16),
	}

	r.l1 = beque.New(context.Background(), beque.Config[decoder.L1Raw]{
		Name: "level_one", MaxBatchSize: 1, FlushInterval: time.Hour,
		OnFlush: func(ctx context.Context, batch []decoder.L1Raw) error {
			r.l1Batches <- batch
			return nil
		},
	})
	r.l2 = beque.New(context.Background(), beque.Config[decoder.L2Raw]{
		Name: "level_two", MaxBatchSize: 1, FlushInterval: time.Hour,
		OnFlush: func(ctx context.Context, batch []decoder.L2Raw) error {
			r.l2Batches <- batch
			return nil
		},
	})
	r.chart = beque.New(context.Background(), beque.Config[decoder.ChartRaw]{
		Name: "chart", MaxBatchSize: 1, FlushInterval: time.Hour,
		OnFlush: func(ctx context.Context, batch []decoder.ChartRaw) error {
			r.chartBatches <- batch
			return nil
		},
	})
	t.Cleanup(func() {
		r.l1.Stop()
		r.l2.Stop()
		r.chart.Stop()
	})

	r.sup = New(Config{
		Owner:          "owner-1",
		StreamEndpoint: "wss://test.invalid/ws",
		Dial: func(ctx context.Context, endpoint string) (wireSession, error) {
			select {
			case s := <-r.sessions:
				return s, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		Tokens:  fakeTokens{},
		Account: fakeAccounts{},
		Differ:  &fakeDiffer{set: desiredAAPL()},
		L1:      r.l1,
		L2:      r.l2,
		Chart:   r.chart,
		Metrics: metrics.NewRegistry(prometheus.NewRegistry()),

		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  10 * time.Millisecond,
		DifferPollInterval: time.Hour,
		WatchdogInterval:   time.Hour,
		Now:                func() time.Time { return wednesday },
	})
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunLogsInSubscribesAndDispatches(t *testing.T) {
	r := newRig(t)
	session := newFakeSession()
	r.sessions <- session

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- r.sup.Run(ctx) }()

	waitFor(t, "login and three subs frames", func() bool { return session.sentCount() >= 4 })

	reqs := session.sentRequests(t)
	if reqs[0].Service != "ADMIN" || reqs[0].Command != "LOGIN" {
		t.Fatalf("first frame = %s/%s, want ADMIN/LOGIN", reqs[0].Service, reqs[0].Command)
	}
	wantSubs := []string{"LEVELONE_EQUITIES", "CHART_EQUITY", "NASDAQ_BOOK"}
	for i, svc := range wantSubs {
		req := reqs[i+1]
		if req.Service != svc || req.Command != "SUBS" {
			t.Fatalf("frame %d = %s/%s, want %s/SUBS", i+1, req.Service, req.Command, svc)
		}
		if keys := req.Parameters["keys"]; keys != "AAPL" {
			t.Fatalf("frame %d keys = %v, want AAPL", i+1, keys)
		}
	}
	if r.sup.State() != Running {
		t.Fatalf("state = %s, want RUNNING", r.sup.State())
	}

	session.frames <- []byte(`{
		"service": "LEVELONE_EQUITIES",
		"command": "SUB",
		"timestamp": 1753800000000,
		"content": [{"key": "aapl", "bidPrice": 100.12, "askPrice": 100.15}]
	}`)

	select {
	case batch := <-r.l1Batches:
		if len(batch) != 1 {
			t.Fatalf("batch size = %d, want 1", len(batch))
		}
		got := batch[0]
		if got.Symbol != "AAPL" {
			t.Fatalf("symbol = %q, want AAPL", got.Symbol)
		}
		if got.BidPrice == nil || *got.BidPrice != 100.12 {
			t.Fatalf("bid = %v, want 100.12", got.BidPrice)
		}
		if got.AskPrice == nil || *got.AskPrice != 100.15 {
			t.Fatalf("ask = %v, want 100.15", got.AskPrice)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("L1 flush never arrived")
	}

	snap := r.sup.Snapshot()
	if snap.TotalMessages != 1 {
		t.Fatalf("total_messages = %d, want 1", snap.TotalMessages)
	}
	if !snap.IsConnected {
		t.Fatal("snapshot should report connected while RUNNING")
	}

	r.sup.Stop()
	if err := <-runDone; err != nil {
		t.Fatalf("Run returned %v, want nil on Stop", err)
	}

	reqs = session.sentRequests(t)
	last := reqs[len(reqs)-1]
	if last.Service != "ADMIN" || last.Command != "LOGOUT" {
		t.Fatalf("last frame = %s/%s, want ADMIN/LOGOUT", last.Service, last.Command)
	}
	if r.sup.State() != Stopped {
		t.Fatalf("state = %s, want STOPPED", r.sup.State())
	}
}

func TestReconnectResendsSubscriptions(t *testing.T) {
	r := newRig(t)
	first := newFakeSession()
	second := newFakeSession()
	r.sessions <- first
	r.sessions <- second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- r.sup.Run(ctx) }()

	waitFor(t, "first session subscribed", func() bool { return first.sentCount() >= 4 })

	first.failWith(errors.New("connection reset by peer"))

	waitFor(t, "second session subscribed", func() bool { return second.sentCount() >= 4 })

	reqs := second.sentRequests(t)
	if reqs[0].Service != "ADMIN" || reqs[0].Command != "LOGIN" {
		t.Fatalf("reconnect did not log in first: %s/%s", reqs[0].Service, reqs[0].Command)
	}
	services := map[string]bool{}
	for _, req := range reqs[1:] {
		if req.Command == "SUBS" {
			services[req.Service] = true
		}
	}
	for _, svc := range []string{"LEVELONE_EQUITIES", "CHART_EQUITY", "NASDAQ_BOOK"} {
		if !services[svc] {
			t.Fatalf("reconnect did not re-send %s subs; got %v", svc, services)
		}
	}

	r.sup.Stop()
	<-runDone
}

func TestBadFrameDoesNotKillPump(t *testing.T) {
	r := newRig(t)
	session := newFakeSession()
	r.sessions <- session

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- r.sup.Run(ctx) }()

	waitFor(t, "session subscribed", func() bool { return session.sentCount() >= 4 })

	session.frames <- []byte(`this is not json`)
	session.frames <- []byte(`{"command": "SUB", "content": []}`) // missing service
	session.frames <- []byte(`{
		"service": "NASDAQ_BOOK",
		"timestamp": 1753800000000,
		"content": [{"key": "AAPL", "bids": [{"price": 99.5, "size": 300, "numOrders": 4}]}]
	}`)

	select {
	case batch := <-r.l2Batches:
		if len(batch) != 1 || batch[0].Symbol != "AAPL" || batch[0].Side != string(entities.SideBid) {
			t.Fatalf("unexpected L2 batch: %+v", batch)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pump stopped dispatching after bad frames")
	}

	r.sup.Stop()
	<-runDone
}

func TestApplyDeltaHonorsMode(t *testing.T) {
	r := newRig(t)
	session := newFakeSession()
	r.sessions <- session

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- r.sup.Run(ctx) }()

	waitFor(t, "session subscribed", func() bool { return session.sentCount() >= 4 })
	base := session.sentCount()

	// Full-resubscribe: one SUBS frame carrying the complete new set,
	// not an ADD of just the difference.
	err := r.sup.ApplyQuotes(ctx, subscription.FullResubscribe, subscription.Delta{
		Full: []string{"AAPL", "MSFT"},
		Add:  []string{"MSFT"},
	})
	if err != nil {
		t.Fatalf("ApplyQuotes full: %v", err)
	}

	reqs := session.sentRequests(t)
	if len(reqs) != base+1 {
		t.Fatalf("full mode sent %d frames, want exactly 1", len(reqs)-base)
	}
	full := reqs[base]
	if full.Service != "LEVELONE_EQUITIES" || full.Command != "SUBS" {
		t.Fatalf("full mode frame = %s/%s, want LEVELONE_EQUITIES/SUBS", full.Service, full.Command)
	}
	if keys := full.Parameters["keys"]; keys != "AAPL,MSFT" {
		t.Fatalf("full mode keys = %v, want AAPL,MSFT", keys)
	}

	// Incremental: an ADD for additions and an UNSUBS for removals.
	err = r.sup.ApplyQuotes(ctx, subscription.Incremental, subscription.Delta{
		Full:   []string{"AAPL", "IBM"},
		Add:    []string{"IBM"},
		Remove: []string{"MSFT"},
	})
	if err != nil {
		t.Fatalf("ApplyQuotes incremental: %v", err)
	}

	reqs = session.sentRequests(t)
	if len(reqs) != base+3 {
		t.Fatalf("incremental mode sent %d frames, want 2", len(reqs)-base-1)
	}
	add, unsub := reqs[base+1], reqs[base+2]
	if add.Command != "ADD" || add.Parameters["keys"] != "IBM" {
		t.Fatalf("incremental add frame = %s keys=%v", add.Command, add.Parameters["keys"])
	}
	if unsub.Command != "UNSUBS" || unsub.Parameters["keys"] != "MSFT" {
		t.Fatalf("incremental unsubs frame = %s keys=%v", unsub.Command, unsub.Parameters["keys"])
	}

	r.sup.Stop()
	<-runDone
}

func TestStopIsIdempotent(t *testing.T) {
	r := newRig(t)
	session := newFakeSession()
	r.sessions <- session

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- r.sup.Run(ctx) }()

	waitFor(t, "session subscribed", func() bool { return session.sentCount() >= 4 })

	r.sup.Stop()
	r.sup.Stop()
	if err := <-runDone; err != nil {
		t.Fatalf("Run returned %v after Stop", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := 30 * time.Second

	tests := []struct {
		name    string
		n       int
		weekend bool
		want    time.Duration
	}{
		{"weekday first", 1, false, 100 * time.Millisecond},
		{"weekday doubles", 3, false, 400 * time.Millisecond},
		{"weekday capped", 20, false, 30 * time.Second},
		{"weekend linear", 2, true, 10 * time.Second},
		{"weekend capped", 10, true, 30 * time.Second},
		{"floor at one", 0, false, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backoffDelay(tt.n, tt.weekend, base, max); got != tt.want {
				t.Fatalf("backoffDelay(%d, %v) = %v, want %v", tt.n, tt.weekend, got, tt.want)
			}
		})
	}
}

func TestFatalThresholds(t *testing.T) {
	s := &Supervisor{}

	s.consecutiveNonClose = maxConsecutiveNonCloseErrors
	if s.fatal(false, false) {
		t.Fatal("should tolerate exactly the non-close cap")
	}
	s.consecutiveNonClose++
	if !s.fatal(false, false) {
		t.Fatal("should give up past the non-close cap")
	}

	s = &Supervisor{consecutiveClose: maxConsecutiveCloseWeekday + 1}
	if !s.fatal(true, false) {
		t.Fatal("should give up past the weekday close cap")
	}
	if s.fatal(true, true) {
		t.Fatal("weekend policy should tolerate more close events")
	}
}

func TestIsWeekend(t *testing.T) {
	saturday := time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)
	if !isWeekend(saturday) {
		t.Fatal("saturday should be weekend")
	}
	if isWeekend(wednesday) {
		t.Fatal("wednesday should not be weekend")
	}
}
