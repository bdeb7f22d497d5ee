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
	"strings"
	"time"

	"github.com/marketcore/ingest/internal/entities"
)

// L1Raw is a normalized L1 content item before symbol resolution and
// fixed-point price conversion, both of which are the Flush Worker's job
// (§4.3) since they require the Persistent Store's symbol resolver.
type L1Raw struct {
	Symbol         string
	Timestamp      time.Time
	BidPrice       *float64
	BidSize        *int64
	BidMIC         *string
	AskPrice       *float64
	AskSize        *int64
	AskMIC         *string
	LastPrice      *float64
	LastSize       *int64
	LastMIC        *string
	OpenPrice      *float64
	HighPrice      *float64
	LowPrice       *float64
	ClosePrice     *float64
	PrevClosePrice *float64
	Volume         *int64
	NetChangePct   *float64
	SecurityStatus *string
	QuoteTime      *time.Time
	TradeTime      *time.Time
	RealTime       bool
}

// L2Raw is a normalized L2 content item.
type L2Raw struct {
	Symbol     string
	Timestamp  time.Time
	Side       string
	PriceLevel *float64
	Size       *int64
	OrderCount *int64
	LevelIndex *int64
	MakerID    *string
	MIC        *string
	QuoteTime  *time.Time
}

// ChartRaw is a normalized Chart content item.
type ChartRaw struct {
	Symbol       string
	Timestamp    time.Time
	Timeframe    string
	Open         *float64
	High         *float64
	Low          *float64
	Close        *float64
	Volume       *int64
	TradeCount   *int64
	VWAP         *float64
	RegularHours bool
}

func fieldTime(item map[string]interface{}, aliases ...string) *time.Time {
	for _, a := range aliases {
		if v, ok := item[a]; ok {
			t := ParseFlexibleTimestamp(v)
			return &t
		}
	}
	return nil
}

// NormalizeL1 normalizes one L1 content item, tolerant of Schwab's
// legacy upper-snake field names (BID_PRICE) and modern camelCase
// (bidPrice).
func NormalizeL1(item map[string]interface{}, frameTS time.Time) L1Raw {
	ts := frameTS
	if t := fieldTime(item, "quoteTime", "QUOTE_TIME"); t != nil {
		ts = *t
	}
	return L1Raw{
		Symbol:         symbol(item),
		Timestamp:      ts,
		BidPrice:       fieldFloat(item, "bidPrice", "BID_PRICE"),
		BidSize:        fieldInt(item, "bidSize", "BID_SIZE"),
		BidMIC:         fieldString(item, "bidMICId", "BID_MIC_ID"),
		AskPrice:       fieldFloat(item, "askPrice", "ASK_PRICE"),
		AskSize:        fieldInt(item, "askSize", "ASK_SIZE"),
		AskMIC:         fieldString(item, "askMICId", "ASK_MIC_ID"),
		LastPrice:      fieldFloat(item, "lastPrice", "LAST_PRICE"),
		LastSize:       fieldInt(item, "lastSize", "LAST_SIZE"),
		LastMIC:        fieldString(item, "lastMICId", "LAST_MIC_ID"),
		OpenPrice:      fieldFloat(item, "openPrice", "OPEN_PRICE"),
		HighPrice:      fieldFloat(item, "highPrice", "HIGH_PRICE"),
		LowPrice:       fieldFloat(item, "lowPrice", "LOW_PRICE"),
		ClosePrice:     fieldFloat(item, "closePrice", "CLOSE_PRICE"),
		PrevClosePrice: fieldFloat(item, "prevClosePrice", "CLOSE_PRICE_PREV", "PREV_CLOSE_PRICE"),
		Volume:         fieldInt(item, "totalVolume", "TOTAL_VOLUME"),
		NetChangePct:   fieldFloat(item, "netChangePercent", "NET_CHANGE_PERCENT"),
		SecurityStatus: fieldString(item, "securityStatus", "SECURITY_STATUS"),
		QuoteTime:      fieldTime(item, "quoteTime", "QUOTE_TIME"),
		TradeTime:      fieldTime(item, "tradeTime", "TRADE_TIME"),
		RealTime:       !fieldBool(item, "delayed", "DELAYED"),
	}
}

// NormalizeL2 normalizes one L2 content item. side is supplied by the
// caller because the wire groups an entire price-level array under one
// side key rather than tagging each item.
func NormalizeL2(item map[string]interface{}, side string, frameTS time.Time) L2Raw {
	ts := frameTS
	if t := fieldTime(item, "quoteTime", "QUOTE_TIME"); t != nil {
		ts = *t
	}
	return L2Raw{
		Symbol:     symbol(item),
		Timestamp:  ts,
		Side:       side,
		PriceLevel: fieldFloat(item, "price", "PRICE", "priceLevel"),
		Size:       fieldInt(item, "size", "SIZE"),
		OrderCount: fieldInt(item, "numOrders", "NUM_ORDERS", "orderCount"),
		LevelIndex: fieldInt(item, "levelIndex", "LEVEL_INDEX"),
		MakerID:    fieldString(item, "marketMaker", "MARKET_MAKER"),
		MIC:        fieldString(item, "mic", "MIC_ID"),
		QuoteTime:  fieldTime(item, "quoteTime", "QUOTE_TIME"),
	}
}

// ExplodeL2 flattens one L2 content item into per-level records. The
// wire groups an item's levels in per-side arrays ({bids:[...],
// asks:[...]}); a flat item carrying its own side field is accepted as a
// legacy shape. Levels missing an explicit level index get their array
// position.
func ExplodeL2(item map[string]interface{}, frameTS time.Time) []L2Raw {
	sym := symbol(item)
	ts := frameTS
	if t := fieldTime(item, "bookTime", "BOOK_TIME", "quoteTime", "QUOTE_TIME"); t != nil {
		ts = *t
	}

	var out []L2Raw
	for _, grp := range []struct {
		side    string
		aliases []string
	}{
		{string(entities.SideBid), []string{"bids", "BIDS"}},
		{string(entities.SideAsk), []string{"asks", "ASKS"}},
	} {
		for i, lv := range fieldArray(item, grp.aliases...) {
			m, ok := lv.(map[string]interface{})
			if !ok {
				continue
			}
			rec := NormalizeL2(m, grp.side, ts)
			if rec.Symbol == "" {
				rec.Symbol = sym
			}
			if rec.LevelIndex == nil {
				idx := int64(i)
				rec.LevelIndex = &idx
			}
			out = append(out, rec)
		}
	}
	if out != nil {
		return out
	}

	if s := fieldString(item, "side", "SIDE"); s != nil {
		rec := NormalizeL2(item, strings.ToUpper(*s), ts)
		if rec.Symbol != "" {
			out = append(out, rec)
		}
	}
	return out
}

// NormalizeChart normalizes one Chart content item. timeframe is
// supplied by the caller (derived from the subscribed chart service,
// e.g. "1m") since the wire payload itself does not repeat it per item.
func NormalizeChart(item map[string]interface{}, frameTS time.Time, timeframe string) ChartRaw {
	ts := frameTS
	if t := fieldTime(item, "chartTime", "CHART_TIME"); t != nil {
		ts = *t
	}
	return ChartRaw{
		Symbol:       symbol(item),
		Timestamp:    ts,
		Timeframe:    timeframe,
		Open:         fieldFloat(item, "openPrice", "OPEN_PRICE"),
		High:         fieldFloat(item, "highPrice", "HIGH_PRICE"),
		Low:          fieldFloat(item, "lowPrice", "LOW_PRICE"),
		Close:        fieldFloat(item, "closePrice", "CLOSE_PRICE"),
		Volume:       fieldInt(item, "volume", "VOLUME"),
		TradeCount:   fieldInt(item, "tradeCount", "TRADE_COUNT"),
		VWAP:         fieldFloat(item, "vwap", "VWAP"),
		RegularHours: !fieldBool(item, "extendedHours", "EXTENDED_HOURS"),
	}
}
