// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"go.uber.org/atomic"
)

// Counters holds the per-namespace migration and appeal progress counters.
// They are exact integers reflecting committed state. The migration engine
// is the only writer; the ticker, the admin protocol and prometheus only
// read them. Monitoring readers use relaxed snapshots, authoritative
// readers take the namespace guard and call Snapshot.
type Counters struct {
	MigrateTxInitial   atomic.Int64
	MigrateTxRemaining atomic.Int64
	MigrateTxActive    atomic.Int64
	MigrateRxInitial   atomic.Int64
	MigrateRxRemaining atomic.Int64
	MigrateRxActive    atomic.Int64

	SignalsRemaining atomic.Int64
	SignalsActive    atomic.Int64

	RecordsTransmitted   atomic.Int64
	RecordsReceived      atomic.Int64
	RecordRetransmits    atomic.Int64
	RecordsSkipped       atomic.Int64

	AppealsTxRemaining atomic.Int64
	AppealsTxActive    atomic.Int64
	AppealsRxActive    atomic.Int64

	DeadPartitions        atomic.Int64
	UnavailablePartitions atomic.Int64
}

// CountersSnapshot is a plain copy of Counters taken at one instant.
type CountersSnapshot struct {
	MigrateTxInitial   int64 `json:"migrate_tx_partitions_initial"`
	MigrateTxRemaining int64 `json:"migrate_tx_partitions_remaining"`
	MigrateTxActive    int64 `json:"migrate_tx_partitions_active"`
	MigrateRxInitial   int64 `json:"migrate_rx_partitions_initial"`
	MigrateRxRemaining int64 `json:"migrate_rx_partitions_remaining"`
	MigrateRxActive    int64 `json:"migrate_rx_partitions_active"`

	SignalsRemaining int64 `json:"migrate_signals_remaining"`
	SignalsActive    int64 `json:"migrate_signals_active"`

	RecordsTransmitted int64 `json:"migrate_records_transmitted"`
	RecordsReceived    int64 `json:"migrate_records_received"`
	RecordRetransmits  int64 `json:"migrate_record_retransmits"`
	RecordsSkipped     int64 `json:"migrate_records_skipped"`

	AppealsTxRemaining int64 `json:"appeals_tx_remaining"`
	AppealsTxActive    int64 `json:"appeals_tx_active"`
	AppealsRxActive    int64 `json:"appeals_rx_active"`

	DeadPartitions        int64 `json:"dead_partitions"`
	UnavailablePartitions int64 `json:"unavailable_partitions"`
}

// Snapshot copies all counters. Callers that need a consistent view across
// fields hold the owning namespace guard while calling it.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		MigrateTxInitial:   c.MigrateTxInitial.Load(),
		MigrateTxRemaining: c.MigrateTxRemaining.Load(),
		MigrateTxActive:    c.MigrateTxActive.Load(),
		MigrateRxInitial:   c.MigrateRxInitial.Load(),
		MigrateRxRemaining: c.MigrateRxRemaining.Load(),
		MigrateRxActive:    c.MigrateRxActive.Load(),

		SignalsRemaining: c.SignalsRemaining.Load(),
		SignalsActive:    c.SignalsActive.Load(),

		RecordsTransmitted: c.RecordsTransmitted.Load(),
		RecordsReceived:    c.RecordsReceived.Load(),
		RecordRetransmits:  c.RecordRetransmits.Load(),
		RecordsSkipped:     c.RecordsSkipped.Load(),

		AppealsTxRemaining: c.AppealsTxRemaining.Load(),
		AppealsTxActive:    c.AppealsTxActive.Load(),
		AppealsRxActive:    c.AppealsRxActive.Load(),

		DeadPartitions:        c.DeadPartitions.Load(),
		UnavailablePartitions: c.UnavailablePartitions.Load(),
	}
}

// MigrationsRemaining is the convergence signal watched by cluster-stable.
func (s CountersSnapshot) MigrationsRemaining() int64 {
	return s.MigrateTxRemaining + s.MigrateRxRemaining + s.SignalsRemaining
}
