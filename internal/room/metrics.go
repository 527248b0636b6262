// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package room

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deltasPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kasagiengine",
		Subsystem: "room",
		Name:      "deltas_published_total",
		Help:      "Locally-originated deltas published to the coordinator.",
	})
	remoteDeltasApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kasagiengine",
		Subsystem: "room",
		Name:      "remote_deltas_applied_total",
		Help:      "Remote deltas accepted and merged into local room state.",
	})
	remoteDeltasRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kasagiengine",
		Subsystem: "room",
		Name:      "remote_deltas_rejected_total",
		Help:      "Remote deltas dropped by the acceptance predicate (own echo, stale or duplicate seq).",
	})
	snapshotSaves = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kasagiengine",
		Subsystem: "room",
		Name:      "snapshot_saves_total",
		Help:      "Successful room snapshot writes to the coordinator hash store.",
	})
	snapshotFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kasagiengine",
		Subsystem: "room",
		Name:      "snapshot_failures_total",
		Help:      "Failed room snapshot writes.",
	})
	roomsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kasagiengine",
		Subsystem: "registry",
		Name:      "live_rooms",
		Help:      "Rooms currently held in memory, including remote-only rooms.",
	})
	sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kasagiengine",
		Subsystem: "registry",
		Name:      "attached_sessions",
		Help:      "Sessions currently attached to any room on this instance.",
	})
)
