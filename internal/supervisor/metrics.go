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

package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// processStarts tracks sidecar processes spawned
	processStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sidekick_process_starts_total",
			Help: "Total sidecar processes spawned by kind",
		},
		[]string{"kind"},
	)

	// processRestarts tracks restarts, scheduled or requested
	processRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sidekick_process_restarts_total",
			Help: "Total sidecar restarts by kind",
		},
		[]string{"kind"},
	)

	// processUnplannedExits tracks exits not initiated by Stop
	processUnplannedExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sidekick_process_unplanned_exits_total",
			Help: "Total unplanned sidecar exits by kind",
		},
		[]string{"kind"},
	)

	// processInitFailures tracks failed initialization attempts
	processInitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sidekick_process_init_failures_total",
			Help: "Total failed sidecar initializations by kind and error type",
		},
		[]string{"kind", "error_type"},
	)

	// processStatus exposes the numeric lifecycle status
	processStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sidekick_process_status",
			Help: "Current sidecar status (0 stopped, 1 initializing, 2 starting, 3 started, 4 stopping, 5 disabled)",
		},
		[]string{"kind"},
	)

	// processAttached is 1 while the sidecar is an adopted process
	processAttached = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sidekick_process_attached",
			Help: "Whether the sidecar is attached to a process this supervisor did not spawn",
		},
		[]string{"kind"},
	)
)

func recordStart(kind string) {
	processStarts.WithLabelValues(kind).Inc()
}

func recordRestart(kind string) {
	processRestarts.WithLabelValues(kind).Inc()
}

func recordUnplannedExit(kind string) {
	processUnplannedExits.WithLabelValues(kind).Inc()
}

func recordInitFailure(kind, errorType string) {
	processInitFailures.WithLabelValues(kind, errorType).Inc()
}

func recordStatus(kind string, status Status) {
	processStatus.WithLabelValues(kind).Set(float64(status))
}

func recordAttached(kind string, attached bool) {
	v := 0.0
	if attached {
		v = 1
	}
	processAttached.WithLabelValues(kind).Set(v)
}
