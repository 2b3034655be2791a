// Copyright 2025 Tom Barlow
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

package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/tombee/sidekick/internal/log"
)

const (
	defaultRequestTimeout = 5 * time.Second

	// breakerThreshold is the number of consecutive transport failures that
	// open the breaker.
	breakerThreshold = 5
	breakerTimeout   = 10 * time.Second
)

var (
	// ErrHealthCheckTimeout is returned when the sidecar does not become healthy in time.
	ErrHealthCheckTimeout = errors.New("health check timeout")

	// ErrNoEndpoint is returned when the sidecar has no known URL for a request.
	ErrNoEndpoint = errors.New("sidecar endpoint unknown")
)

// StatusError reports a non-success response from the sidecar.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// HealthResult is the outcome of one health request.
type HealthResult struct {
	Healthy      bool          `json:"healthy"`
	StatusCode   int           `json:"status_code,omitempty"`
	ResponseTime time.Duration `json:"response_time_ns,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Client issues health and metrics requests to a sidecar's own endpoints.
// Requests pass through a circuit breaker that counts transport failures
// only; an unhealthy status code is an answer, not a failure.
type Client struct {
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	logger  *slog.Logger
}

// NewClient creates a client. A nil httpClient gets a 5s timeout.
func NewClient(name string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if logger == nil {
		logger = log.Discard()
	}

	c := &Client{http: httpClient, logger: logger}
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("sidecar client breaker changed state",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return c
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	return c.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		return c.http.Do(req)
	})
}

// Health requests url once. The sidecar is healthy iff it answers with a
// status in [200, 400).
func (c *Client) Health(ctx context.Context, url string) HealthResult {
	start := time.Now()
	resp, err := c.get(ctx, url)
	elapsed := time.Since(start)
	if err != nil {
		return HealthResult{ResponseTime: elapsed, Error: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return HealthResult{
		Healthy:      resp.StatusCode >= 200 && resp.StatusCode < 400,
		StatusCode:   resp.StatusCode,
		ResponseTime: elapsed,
	}
}

// CopyMetrics relays the body of url to w unchanged.
func (c *Client) CopyMetrics(ctx context.Context, url string, w io.Writer) error {
	resp, err := c.get(ctx, url)
	if err != nil {
		return fmt.Errorf("fetching metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("relaying metrics: %w", err)
	}
	return nil
}

// WaitUntilHealthy polls url until it is healthy or timeout elapses.
// Backoff starts at 50ms and doubles up to 1s.
func (c *Client) WaitUntilHealthy(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := 50 * time.Millisecond
	const maxInterval = time.Second

	attempts := 0
	for {
		attempts++
		result := c.Health(ctx, url)
		if result.Healthy {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %d attempts: %s", ErrHealthCheckTimeout, attempts, result.Error)
		case <-time.After(interval):
		}

		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}
