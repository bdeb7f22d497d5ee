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

package decoder

import (
	"testing"
	"time"

	"github.com/marketcore/ingest/internal/entities"
)

func TestParseFrameAndKind(t *testing.T) {
	raw := []byte(`{"service":"LEVELONE_EQUITIES","command":"SUBS","timestamp":1700000000000,"content":[{"key":"aapl","bidPrice":100.12,"askPrice":100.15}]}`)

	f, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}

	kind, ok := f.Kind()
	if !ok || kind != entities.StreamL1 {
		t.Fatalf("Kind() = %v, %v; want StreamL1, true", kind, ok)
	}

	if len(f.Content) != 1 {
		t.Fatalf("Content length = %d, want 1", len(f.Content))
	}

	l1 := NormalizeL1(f.Content[0], f.Timestamp)
	if l1.Symbol != "AAPL" {
		t.Fatalf("Symbol = %q, want AAPL", l1.Symbol)
	}
	if l1.BidPrice == nil || *l1.BidPrice != 100.12 {
		t.Fatalf("BidPrice = %v, want 100.12", l1.BidPrice)
	}
	if l1.AskPrice == nil || *l1.AskPrice != 100.15 {
		t.Fatalf("AskPrice = %v, want 100.15", l1.AskPrice)
	}
}

func TestParseFrameMissingService(t *testing.T) {
	_, err := ParseFrame([]byte(`{"command":"SUBS","content":[]}`))
	if err == nil {
		t.Fatal("expected ErrProtocolDecode for missing service")
	}
}

func TestBookFromServiceName(t *testing.T) {
	cases := []struct {
		service string
		want    entities.Book
	}{
		{"NASDAQ_BOOK", entities.BookNASDAQ},
		{"NYSE_BOOK", entities.BookNYSE},
		{"ANY_BOOK", entities.BookNASDAQ},
	}
	for _, tc := range cases {
		f := &Frame{Service: tc.service}
		if got := f.Book(); got != tc.want {
			t.Fatalf("Book() for %q = %v, want %v", tc.service, got, tc.want)
		}
	}
}

func TestLegacyAndModernFieldNamesBothAccepted(t *testing.T) {
	legacy := map[string]interface{}{"KEY": "msft", "BID_PRICE": 50.0, "ASK_PRICE": 51.0}
	modern := map[string]interface{}{"key": "msft", "bidPrice": 50.0, "askPrice": 51.0}

	l := NormalizeL1(legacy, time.Now())
	m := NormalizeL1(modern, time.Now())

	if l.Symbol != "MSFT" || m.Symbol != "MSFT" {
		t.Fatalf("symbol normalization failed: legacy=%q modern=%q", l.Symbol, m.Symbol)
	}
	if *l.BidPrice != *m.BidPrice || *l.AskPrice != *m.AskPrice {
		t.Fatal("legacy and modern field names should normalize identically")
	}
}

func TestMissingNumericFieldBecomesNil(t *testing.T) {
	item := map[string]interface{}{"key": "aapl", "bidPrice": "not-a-number"}
	l := NormalizeL1(item, time.Now())
	if l.BidPrice != nil {
		t.Fatalf("BidPrice = %v, want nil for non-numeric input", *l.BidPrice)
	}
}

func TestExplodeL2FlattensSideArrays(t *testing.T) {
	item := map[string]interface{}{
		"key": "aapl",
		"bids": []interface{}{
			map[string]interface{}{"price": 99.5, "size": float64(300), "numOrders": float64(4)},
			map[string]interface{}{"price": 99.4, "size": float64(120), "numOrders": float64(2)},
		},
		"asks": []interface{}{
			map[string]interface{}{"price": 99.6, "size": float64(250), "numOrders": float64(3)},
		},
	}

	recs := ExplodeL2(item, time.Now())
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}

	if recs[0].Side != string(entities.SideBid) || recs[2].Side != string(entities.SideAsk) {
		t.Fatalf("sides = %s..%s, want BID..ASK", recs[0].Side, recs[2].Side)
	}
	for i, rec := range recs {
		if rec.Symbol != "AAPL" {
			t.Fatalf("rec %d symbol = %q, want AAPL from parent item", i, rec.Symbol)
		}
	}
	if *recs[0].LevelIndex != 0 || *recs[1].LevelIndex != 1 {
		t.Fatalf("bid level indexes = %d, %d; want array positions", *recs[0].LevelIndex, *recs[1].LevelIndex)
	}
	if *recs[1].PriceLevel != 99.4 || *recs[1].Size != 120 {
		t.Fatalf("second bid = %+v", recs[1])
	}
}

func TestExplodeL2AcceptsFlatLegacyShape(t *testing.T) {
	item := map[string]interface{}{
		"KEY": "msft", "SIDE": "ask", "PRICE": 410.25, "SIZE": float64(10), "NUM_ORDERS": float64(1),
	}

	recs := ExplodeL2(item, time.Now())
	if len(recs) != 1 {
		t.Fatalf("len = %d, want 1", len(recs))
	}
	if recs[0].Side != string(entities.SideAsk) || recs[0].Symbol != "MSFT" {
		t.Fatalf("rec = %+v", recs[0])
	}
}

func TestParseFlexibleTimestamp(t *testing.T) {
	sec := ParseFlexibleTimestamp(float64(1_000_000))
	if sec.Unix() != 1_000_000 {
		t.Fatalf("seconds epoch parse = %v, want unix 1000000", sec)
	}

	ms := ParseFlexibleTimestamp(float64(1_700_000_000_000))
	if ms.UnixMilli() != 1_700_000_000_000 {
		t.Fatalf("millisecond epoch parse = %v", ms)
	}

	iso := ParseFlexibleTimestamp("2026-01-02T15:04:05Z")
	if iso.Year() != 2026 {
		t.Fatalf("ISO-8601 parse = %v, want year 2026", iso)
	}

	bad := ParseFlexibleTimestamp("not-a-timestamp")
	if time.Since(bad) > time.Minute {
		t.Fatalf("bad input should yield ~now, got %v", bad)
	}
}
