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

package httpclient

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

// retryTransport retries idempotent requests on connection errors and on
// gateway-style statuses.
type retryTransport struct {
	base        http.RoundTripper
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
}

func newRetryTransport(base http.RoundTripper, cfg Config) *retryTransport {
	return &retryTransport{
		base:        base,
		maxAttempts: cfg.RetryAttempts + 1,
		backoff:     cfg.RetryBackoff,
		maxBackoff:  cfg.MaxBackoff,
	}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !idempotent(req.Method) {
		return t.base.RoundTrip(req)
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 1; ; attempt++ {
		resp, err = t.base.RoundTrip(req)
		if attempt == t.maxAttempts {
			return resp, err
		}

		var delay time.Duration
		switch {
		case err != nil:
			if !retryableError(err) {
				return nil, err
			}
			delay = t.delay(attempt)
		case retryableStatus(resp.StatusCode):
			delay = t.delay(attempt)
			if after := retryAfter(resp); after > 0 && after < delay {
				delay = after
			}
			resp.Body.Close()
		default:
			return resp, nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		}
	}
}

// delay returns backoff * 2^(attempt-1) capped at maxBackoff, plus up to
// 20% jitter.
func (t *retryTransport) delay(attempt int) time.Duration {
	d := t.backoff << (attempt - 1)
	if d <= 0 || d > t.maxBackoff {
		d = t.maxBackoff
	}
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryableError matches a peer that is not listening yet or went away
// mid-request.
func retryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
