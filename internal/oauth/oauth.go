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

// Package oauth implements the Token Lifecycle (§4.1): mint an
// authorization URL bound to a single-use state nonce, exchange an
// authorization code for a token, and keep that token refreshed in the
// Secret Store Adapter. Refresh is single-flighted per user so a burst of
// concurrent callers sharing a near-expiry token triggers one upstream
// round-trip, not N.
package oauth

import "errors"

// ErrExchangeFailed is returned when the token endpoint rejects an
// authorization-code exchange with a non-2xx status. It is terminal for
// that attempt but not fatal for the process (§4.1 failure semantics).
var ErrExchangeFailed = errors.New("oauth: code exchange failed")

// ErrRefreshFailed is returned when the token endpoint rejects a refresh
// request with a non-2xx status.
var ErrRefreshFailed = errors.New("oauth: token refresh failed")

// ErrNoToken describes a user with no saved token. LoadToken does not
// return it; LoadToken reports that case through its ok result.
var ErrNoToken = errors.New("oauth: no token on file")
