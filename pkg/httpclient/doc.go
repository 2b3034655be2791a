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

// Package httpclient builds the HTTP clients sidekick uses to talk to local
// dapr processes and to its own status API.
//
// Every client sets a User-Agent and logs each round trip at debug level
// through the configured logger. Idempotent requests may be retried with
// exponential backoff when the peer is briefly unreachable, which is the
// normal state of a sidecar that is being restarted:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.UserAgent = "sidekick/" + version
//	cfg.Logger = logger
//	client, err := httpclient.New(cfg)
//
// POST requests are never retried. Stopping daprd through its shutdown
// endpoint must happen at most once.
package httpclient
