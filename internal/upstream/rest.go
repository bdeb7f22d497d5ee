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

package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// RESTClient performs account enumeration, transaction, and instrument
// reference lookups against the broker's REST surface. Every call passes
// through a global 120-requests-per-60-seconds token bucket and a
// per-host circuit breaker so a degraded upstream fails fast instead of
// piling up blocked goroutines.
type RESTClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	authHeader func(ctx context.Context) (string, error)
}

// NewRESTClient creates a REST client. authHeader is called before every
// request to obtain a fresh "Bearer <token>" value; callers normally wire
// this to the Token Lifecycle's EnsureFresh.
func NewRESTClient(baseURL string, authHeader func(ctx context.Context) (string, error)) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Every(60*time.Second/120), 120),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "upstream-rest",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		authHeader: authHeader,
	}
}

// Account is the subset of account-enumeration fields the core reads.
// The hash value is sent in the streaming login frame; neither field is
// persisted.
type Account struct {
	AccountNumber string `json:"accountNumber"`
	HashValue     string `json:"hashValue"`
}

// Accounts enumerates the authenticated user's linked accounts.
func (c *RESTClient) Accounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := c.getJSON(ctx, "/accounts/accountNumbers", &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// Transaction is one account activity record.
type Transaction struct {
	ActivityID int64     `json:"activityId"`
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	NetAmount  float64   `json:"netAmount"`
}

// Transactions fetches account activity for accountHash between start
// and end.
func (c *RESTClient) Transactions(ctx context.Context, accountHash string, start, end time.Time) ([]Transaction, error) {
	path := fmt.Sprintf("/accounts/%s/transactions?startDate=%s&endDate=%s",
		accountHash, start.Format(time.RFC3339), end.Format(time.RFC3339))

	var txns []Transaction
	if err := c.getJSON(ctx, path, &txns); err != nil {
		return nil, err
	}
	return txns, nil
}

// InstrumentRef is one instrument-reference record (symbol master data),
// consumed by the external securities importer — the core only proxies
// the REST call through the shared breaker/limiter.
type InstrumentRef struct {
	Symbol    string `json:"symbol"`
	CUSIP     string `json:"cusip"`
	AssetType string `json:"assetType"`
	Exchange  string `json:"exchange"`
}

// InstrumentsBySymbol looks up instrument reference data for symbols.
func (c *RESTClient) InstrumentsBySymbol(ctx context.Context, symbols []string) ([]InstrumentRef, error) {
	path := "/instruments?symbol=" + joinComma(symbols) + "&projection=symbol-search"

	var refs []InstrumentRef
	if err := c.getJSON(ctx, path, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func (c *RESTClient) getJSON(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doGet(ctx, path)
	})
	if err != nil {
		return err
	}

	body := result.([]byte)
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response for %s: %w", path, err)
	}
	return nil
}

func (c *RESTClient) doGet(ctx context.Context, path string) ([]byte, error) {
	auth, err := c.authHeader(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain auth header: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned HTTP %d: %s", path, resp.StatusCode, string(body))
	}
	return body, nil
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
