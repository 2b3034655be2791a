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
	"fmt"
	"log/slog"
	"time"
)

// Config configures a client.
type Config struct {
	// Timeout bounds a whole request including retries. Must be > 0.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first try. Zero
	// disables the retry layer.
	RetryAttempts int

	// RetryBackoff is the delay before the first retry. It doubles on
	// each further retry up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	// UserAgent is sent on requests that do not set one. Required.
	UserAgent string

	// Logger receives one record per round trip. Nil discards them.
	Logger *slog.Logger
}

// DefaultConfig returns the settings used for loopback calls.
func DefaultConfig() Config {
	return Config{
		Timeout:       5 * time.Second,
		RetryAttempts: 2,
		RetryBackoff:  100 * time.Millisecond,
		MaxBackoff:    time.Second,
		UserAgent:     "sidekick",
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must be >= 0, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry backoff must be > 0 when retries are enabled, got %v", c.RetryBackoff)
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max backoff (%v) must be >= retry backoff (%v)", c.MaxBackoff, c.RetryBackoff)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent is required")
	}
	return nil
}
