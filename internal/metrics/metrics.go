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

// Package metrics exposes relayd's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Supervisor states reported by the state gauge.
var supervisorStates = []string{"not_started", "running", "cooling_down", "stopped"}

var (
	// relayLaunches tracks successful relay process starts
	relayLaunches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_relay_launches_total",
			Help: "Total relay processes started",
		},
	)

	// relayExits tracks relay process exits by outcome
	relayExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_relay_exits_total",
			Help: "Total relay process exits by outcome",
		},
		[]string{"outcome"},
	)

	// relaySpawnFailures tracks launch attempts that never produced a process
	relaySpawnFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_relay_spawn_failures_total",
			Help: "Total relay launch attempts that failed to spawn",
		},
	)

	// supervisorState is 1 for the current supervisor state and 0 otherwise
	supervisorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayd_supervisor_state",
			Help: "Current supervisor state (1 for the active state)",
		},
		[]string{"state"},
	)

	// scheduledRestarts tracks daily restarts triggered by the scheduler
	scheduledRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_scheduled_restarts_total",
			Help: "Total daily restarts triggered",
		},
	)

	// nextRestart is the unix time of the pending daily restart
	nextRestart = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayd_next_restart_timestamp_seconds",
			Help: "Unix time of the next scheduled daily restart",
		},
	)

	// cycles tracks provisioning cycles started
	cycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_cycles_total",
			Help: "Total provisioning cycles started",
		},
	)

	// provisionFailures tracks failed provisioning steps
	provisionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_provision_failures_total",
			Help: "Total provisioning failures by step",
		},
		[]string{"step"},
	)

	// discoveryProbes tracks address discovery probe results
	discoveryProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_discovery_probes_total",
			Help: "Total address discovery probes by provider and result",
		},
		[]string{"provider", "result"},
	)
)

// RecordLaunch increments the launch counter.
func RecordLaunch() {
	relayLaunches.Inc()
}

// RecordExit increments the exit counter. A nil error is a clean exit.
func RecordExit(err error) {
	outcome := "clean"
	if err != nil {
		outcome = "error"
	}
	relayExits.WithLabelValues(outcome).Inc()
}

// RecordSpawnFailure increments the spawn failure counter.
func RecordSpawnFailure() {
	relaySpawnFailures.Inc()
}

// SetSupervisorState marks state as the active supervisor state.
func SetSupervisorState(state string) {
	for _, s := range supervisorStates {
		v := 0.0
		if s == state {
			v = 1
		}
		supervisorState.WithLabelValues(s).Set(v)
	}
}

// RecordScheduledRestart increments the daily restart counter.
func RecordScheduledRestart() {
	scheduledRestarts.Inc()
}

// SetNextRestart records when the next daily restart is due.
func SetNextRestart(at time.Time) {
	nextRestart.Set(float64(at.Unix()))
}

// RecordCycle increments the provisioning cycle counter.
func RecordCycle() {
	cycles.Inc()
}

// RecordProvisionFailure increments the failure counter for step.
func RecordProvisionFailure(step string) {
	provisionFailures.WithLabelValues(step).Inc()
}

// RecordDiscoveryProbe records one provider probe. found reports whether the
// provider returned a usable public address.
func RecordDiscoveryProbe(provider string, found bool) {
	result := "unavailable"
	if found {
		result = "found"
	}
	discoveryProbes.WithLabelValues(provider, result).Inc()
}
