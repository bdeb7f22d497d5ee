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

// Package decoder parses raw upstream frames into normalized L1/L2/Chart
// records. Every normalizer tolerates both legacy upper-case and modern
// camelCase field names; fields that are missing, non-numeric, or fail
// conversion become nil rather than aborting the record (§4.5).
package decoder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marketcore/ingest/internal/entities"
)

// ErrProtocolDecode tags frame-level decode failures for the
// ProtocolDecode error taxonomy (§7): log and skip, never crash the pump.
type ErrProtocolDecode struct {
	Reason string
}

func (e *ErrProtocolDecode) Error() string {
	return fmt.Sprintf("protocol decode: %s", e.Reason)
}

// Frame is the raw {service, command, content[], timestamp} envelope
// common to every stream.
type Frame struct {
	Service   string
	Command   string
	Content   []map[string]interface{}
	Timestamp time.Time
}

type rawFrame struct {
	Service   string                   `json:"service"`
	Command   string                   `json:"command"`
	Content   []map[string]interface{} `json:"content"`
	Timestamp interface{}              `json:"timestamp"`
}

// ParseFrame parses one wire message into a Frame.
func ParseFrame(raw []byte) (*Frame, error) {
	var rf rawFrame
	if err := json.Unmarshal(raw, &rf); err != nil {
		return nil, &ErrProtocolDecode{Reason: err.Error()}
	}
	if rf.Service == "" {
		return nil, &ErrProtocolDecode{Reason: "missing service field"}
	}
	return &Frame{
		Service:   rf.Service,
		Command:   rf.Command,
		Content:   rf.Content,
		Timestamp: ParseFlexibleTimestamp(rf.Timestamp),
	}, nil
}

// Kind classifies which normalizer this frame's service belongs to.
// Service names are matched case-insensitively and by substring, since
// the upstream distinguishes books by an embedded venue token
// (NASDAQ_BOOK, NYSE_BOOK) rather than a wholly distinct service family.
func (f *Frame) Kind() (entities.StreamKind, bool) {
	svc := strings.ToUpper(f.Service)
	switch {
	case strings.HasPrefix(svc, "LEVELONE"):
		return entities.StreamL1, true
	case strings.Contains(svc, "BOOK"):
		return entities.StreamL2, true
	case strings.HasPrefix(svc, "CHART"):
		return entities.StreamChart, true
	default:
		return "", false
	}
}

// Book extracts the L2 book from an L2 service name; defaults to NASDAQ
// per the Differ's tie-break rule (§4.4) when the venue token is absent
// or unrecognized.
func (f *Frame) Book() entities.Book {
	svc := strings.ToUpper(f.Service)
	switch {
	case strings.Contains(svc, "NYSE"):
		return entities.BookNYSE
	default:
		return entities.BookNASDAQ
	}
}

// ParseFlexibleTimestamp accepts seconds (<=1e11), milliseconds (>1e11),
// or an ISO-8601 string; any other shape yields "now" per the spec's
// boundary behavior for the Chart timestamp parser, which this helper
// also backs (§8).
func ParseFlexibleTimestamp(raw interface{}) time.Time {
	switch v := raw.(type) {
	case nil:
		return time.Now().UTC()
	case float64:
		return epochFromNumber(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Now().UTC()
		}
		return epochFromNumber(f)
	case string:
		if f, ok := parseFloat(v); ok {
			return epochFromNumber(f)
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
		return time.Now().UTC()
	default:
		return time.Now().UTC()
	}
}

func epochFromNumber(v float64) time.Time {
	const msThreshold = 1e11
	if v > msThreshold {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}

func parseFloat(s string) (float64, bool) {
	// strconv rather than a scanf verb: the whole string must be the
	// number, or ISO-8601 strings like "2026-01-02..." would misparse
	// as their leading year.
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// fieldString returns the first present string value among aliases,
// tolerant of the legacy/modern field-name split (§4.5).
func fieldString(item map[string]interface{}, aliases ...string) *string {
	for _, a := range aliases {
		if v, ok := item[a]; ok {
			if s, ok := v.(string); ok && s != "" {
				out := s
				return &out
			}
		}
	}
	return nil
}

// fieldFloat returns the first present numeric value among aliases as a
// float64, or nil if absent/non-numeric.
func fieldFloat(item map[string]interface{}, aliases ...string) *float64 {
	for _, a := range aliases {
		if v, ok := item[a]; ok {
			if f, ok := toFloat(v); ok {
				return &f
			}
		}
	}
	return nil
}

// fieldInt returns the first present numeric value among aliases,
// truncated to int64.
func fieldInt(item map[string]interface{}, aliases ...string) *int64 {
	if f := fieldFloat(item, aliases...); f != nil {
		i := int64(*f)
		return &i
	}
	return nil
}

// fieldBool returns the first present boolean value among aliases,
// defaulting to false when absent.
func fieldBool(item map[string]interface{}, aliases ...string) bool {
	for _, a := range aliases {
		if v, ok := item[a]; ok {
			if b, ok := v.(bool); ok {
				return b
			}
		}
	}
	return false
}

// fieldArray returns the first present array value among aliases, or
// nil when every alias is absent or not an array.
func fieldArray(item map[string]interface{}, aliases ...string) []interface{} {
	for _, a := range aliases {
		if v, ok := item[a]; ok {
			if arr, ok := v.([]interface{}); ok {
				return arr
			}
		}
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		return parseFloat(n)
	default:
		return 0, false
	}
}

// symbol extracts and upper-cases the record's symbol key, tolerant of
// both legacy "key" and modern "symbol" field names.
func symbol(item map[string]interface{}) string {
	if s := fieldString(item, "symbol", "key", "SYMBOL", "KEY"); s != nil {
		return strings.ToUpper(strings.TrimSpace(*s))
	}
	return ""
}
