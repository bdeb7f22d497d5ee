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

// Package money converts upstream price fields into the fixed-point
// representation the persistence model requires: a 64-bit integer scaled
// by 10,000, with half-to-even rounding at the fourth decimal place.
package money

import (
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the fixed-point precision: four decimal places.
const Scale = 10_000

func init() {
	decimal.DivisionPrecision = 8
}

// FromFloat converts a raw upstream price to its fixed-point integer
// form. NaN, +/-Inf, and values that overflow int64 after scaling return
// (0, false); callers treat false as "store null" (the Decoder's
// tolerance rule for unparseable fields).
//
// Rounding uses shopspring/decimal's banker's rounding (half-to-even) so
// that boundary values such as 1.00005 round consistently rather than
// drifting with float64 rounding error, matching the quantified boundary
// example 12.3456 -> 123456.
func FromFloat(x float64) (int64, bool) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, false
	}
	d := decimal.NewFromFloat(x).Mul(decimal.NewFromInt(Scale)).RoundBank(0)
	if !d.IsInteger() {
		return 0, false
	}
	bi := d.BigInt()
	if !bi.IsInt64() {
		return 0, false
	}
	return bi.Int64(), true
}

// ToFloat converts a fixed-point integer back to a float64 for display
// or outbound APIs. It is not used on any hot ingestion path.
func ToFloat(v int64) float64 {
	f, _ := decimal.New(v, 0).Div(decimal.NewFromInt(Scale)).Float64()
	return f
}
