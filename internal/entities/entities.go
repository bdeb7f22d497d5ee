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

// Package entities holds the single canonical set of domain types shared
// by every package in the ingestion core. Nothing else in this module
// defines its own copy of a Security, a quote, or a subscription.
package entities

import "time"

// Side identifies one side of an order book.
type Side string

const (
	SideBid Side = "BID"
	SideAsk Side = "ASK"
)

// Book identifies the L2 depth source a subscription draws from.
type Book string

const (
	BookNASDAQ Book = "NASDAQ"
	BookNYSE   Book = "NYSE"
)

// StreamKind tags which of the three wire streams a record or
// subscription belongs to. It replaces dynamic dispatch on a string
// service name with a closed, exhaustively-matched type.
type StreamKind string

const (
	StreamL1    StreamKind = "level_one"
	StreamL2    StreamKind = "level_two"
	StreamChart StreamKind = "chart"
)

// Exchange is external reference data, read-only to the core.
type Exchange struct {
	ID       int64
	Code     string
	MIC      string
	Timezone string
	Currency string
}

// Security is external reference data, read-only to the core except for
// symbol→id resolution.
type Security struct {
	ID           int64
	Symbol       string
	ExchangeID   int64
	AssetType    string
	AssetSubtype string
	Active       bool
}

// LevelOneSample is one top-of-book quote snapshot. Prices are
// fixed-point integers (see internal/money); a nil pointer means the
// field was absent or failed conversion, per the Decoder's tolerance
// rules.
type LevelOneSample struct {
	SecurityID      int64
	Timestamp       time.Time
	BidPrice        *int64
	BidSize         *int64
	BidMIC          *string
	AskPrice        *int64
	AskSize         *int64
	AskMIC          *string
	LastPrice       *int64
	LastSize        *int64
	LastMIC         *string
	OpenPrice       *int64
	HighPrice       *int64
	LowPrice        *int64
	ClosePrice      *int64
	PrevClosePrice  *int64
	Volume          *int64
	NetChangePct    *float64
	SecurityStatus  *string
	QuoteTime       *time.Time
	TradeTime       *time.Time
	RealTime        bool
}

// LevelTwoSample is one depth-of-book price level at an instant.
type LevelTwoSample struct {
	SecurityID int64
	Timestamp  time.Time
	Side       Side
	PriceLevel int64
	Size       int64
	OrderCount int64
	LevelIndex int64
	MakerID    *string
	MIC        *string
	QuoteTime  *time.Time
}

// ChartCandle is one OHLCV bar for a security at a fixed timeframe.
type ChartCandle struct {
	SecurityID    int64
	Timestamp     time.Time
	Timeframe     string
	Open          int64
	High          int64
	Low           int64
	Close         int64
	Volume        int64
	TradeCount    *int64
	VWAP          *int64
	RegularHours  bool
}

// StreamSubscription is a single (user, symbol, stream_type, book) row of
// subscription intent, owned by the user/admin API and read by the
// Subscription Differ.
type StreamSubscription struct {
	ID         int64
	UserID     string
	Symbol     string
	StreamKind StreamKind
	Book       Book
	IsActive   bool
}

// OAuthState is a single-use anti-CSRF nonce bound to a user.
type OAuthState struct {
	ID        int64
	UserID    string
	State     string
	CreatedAt time.Time
}

// TokenBlob is the flat custody form of an OAuth token, as stored by the
// Secret Store Adapter. Legacy wrapped envelopes are unwrapped to this
// shape on read (internal/oauth).
type TokenBlob struct {
	AccessToken           string    `json:"access_token"`
	RefreshToken          string    `json:"refresh_token"`
	TokenType             string    `json:"token_type"`
	Scope                 string    `json:"scope"`
	ExpiresAt             time.Time `json:"expires_at"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at,omitempty"`
}

// Expired reports whether the access token is within leeway of expiry.
func (t TokenBlob) Expired(leeway time.Duration) bool {
	return time.Now().Add(leeway).After(t.ExpiresAt)
}
