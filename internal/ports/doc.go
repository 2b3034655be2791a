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

// Package ports assigns network ports to sidecar options.
//
// Each sidecar kind declares its port fields once as a list of Field values.
// A Builder resolves all of them in declaration order: retained values from the
// last successful start come first, then explicit values, then the lowest free
// port reported by an Oracle at or above the field's starting port. Ports
// resolved in one Build call never collide with each other.
//
//	builder := ports.NewBuilder(ports.NewSystemOracle(logger), fields)
//	assignments, err := builder.Build(ctx, &proposed, last)
package ports
