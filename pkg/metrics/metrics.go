/*
 * Copyright 2025 Clearlake Systems, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics exposes per-account poll and reconciliation counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poll outcome labels.
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFailure = "failure"
)

// Failure class labels.
const (
	ClassAuth      = "auth"
	ClassNetwork   = "network"
	ClassMalformed = "malformed"
)

// Metrics holds the Prometheus instruments for the sync service.
type Metrics struct {
	PollsTotal     *prometheus.CounterVec
	PollFailures   *prometheus.CounterVec
	KindStale      *prometheus.GaugeVec
	DevicesCreated *prometheus.CounterVec
	DevicesUpdated *prometheus.CounterVec
	DevicesRemoved *prometheus.CounterVec
	AlarmsRemoved  *prometheus.CounterVec
	ProtectedStale *prometheus.GaugeVec
	SnapshotAge    *prometheus.GaugeVec
}

// New registers the instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetsync_polls_total",
			Help: "Poll cycles by account and result.",
		}, []string{"account", "result"}),
		PollFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetsync_poll_failures_total",
			Help: "Fetch failures by account and error class.",
		}, []string{"account", "class"}),
		KindStale: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetsync_resource_stale",
			Help: "1 when a resource kind is serving carried-forward data.",
		}, []string{"account", "kind"}),
		DevicesCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetsync_devices_created_total",
			Help: "Registry device entries created.",
		}, []string{"account"}),
		DevicesUpdated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetsync_devices_updated_total",
			Help: "Registry device entries updated.",
		}, []string{"account"}),
		DevicesRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetsync_devices_removed_total",
			Help: "Registry device entries removed as stale.",
		}, []string{"account"}),
		AlarmsRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetsync_alarms_removed_total",
			Help: "Alarm entries removed after portal-side resolution.",
		}, []string{"account"}),
		ProtectedStale: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetsync_stale_protected_devices",
			Help: "Devices past the stale threshold kept due to protection.",
		}, []string{"account"}),
		SnapshotAge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetsync_snapshot_age_seconds",
			Help: "Age of the last committed snapshot.",
		}, []string{"account"}),
	}
}
