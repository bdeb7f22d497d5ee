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
	"encoding/json"
	"strings"

	"github.com/marketcore/ingest/internal/entities"
)

// outboundRequest is the wire shape for every outbound command: login,
// logout, and the subscribe/add/unsubscribe family. The contractual
// operation names are those of §6: level_one_equity_{subs,add,unsubs},
// nasdaq_book_*/nyse_book_*, chart_equity_*.
type outboundRequest struct {
	Service    string                 `json:"service"`
	Command    string                 `json:"command"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type outboundEnvelope struct {
	Requests []outboundRequest `json:"requests"`
}

func encodeOne(req outboundRequest) []byte {
	env := outboundEnvelope{Requests: []outboundRequest{req}}
	b, err := json.Marshal(env)
	if err != nil {
		// outboundRequest only holds JSON-safe primitives; a marshal
		// failure here would be a programming error, not a runtime one.
		panic(err)
	}
	return b
}

func loginFrame(accountHash, accessToken string) []byte {
	return encodeOne(outboundRequest{
		Service: "ADMIN",
		Command: "LOGIN",
		Parameters: map[string]interface{}{
			"accountHash": accountHash,
			"token":       accessToken,
		},
	})
}

func logoutFrame() []byte {
	return encodeOne(outboundRequest{Service: "ADMIN", Command: "LOGOUT"})
}

// serviceFor maps a stream kind (and, for L2, a book) to the upstream
// service name the contractual operations address.
func serviceFor(kind entities.StreamKind, book entities.Book) string {
	switch kind {
	case entities.StreamL1:
		return "LEVELONE_EQUITIES"
	case entities.StreamChart:
		return "CHART_EQUITY"
	case entities.StreamL2:
		if book == entities.BookNYSE {
			return "NYSE_BOOK"
		}
		return "NASDAQ_BOOK"
	default:
		return ""
	}
}

func subsCommand(mode subsCommandKind) string {
	switch mode {
	case cmdSubs:
		return "SUBS"
	case cmdAdd:
		return "ADD"
	case cmdUnsubs:
		return "UNSUBS"
	default:
		return "SUBS"
	}
}

type subsCommandKind int

const (
	cmdSubs subsCommandKind = iota
	cmdAdd
	cmdUnsubs
)

// subsFrame builds a *_subs/_add/_unsubs frame for kind/book addressing
// symbols. It does not check for an empty symbols slice (that would
// build a frame with empty keys); its callers only pass non-empty ones.
func subsFrame(kind entities.StreamKind, book entities.Book, mode subsCommandKind, symbols []string) []byte {
	return encodeOne(outboundRequest{
		Service: serviceFor(kind, book),
		Command: subsCommand(mode),
		Parameters: map[string]interface{}{
			"keys": strings.Join(symbols, ","),
		},
	})
}
