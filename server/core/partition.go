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

// PartitionState describes how far a partition is from its target ownership.
type PartitionState int

// Partition states.
const (
	// PartitionSynced means current ownership equals target ownership.
	PartitionSynced PartitionState = iota
	// PartitionMigrating means transfers are in flight for this partition.
	PartitionMigrating
	// PartitionUnavailable means the eligible pool cannot fill every
	// replica slot, or an unresolved appeal blocks client traffic.
	PartitionUnavailable
	// PartitionDead means the partition has no live owner at all.
	PartitionDead
)

func (s PartitionState) String() string {
	switch s {
	case PartitionSynced:
		return "synced"
	case PartitionMigrating:
		return "migrating"
	case PartitionUnavailable:
		return "unavailable"
	case PartitionDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Partition is one fixed ownership unit. Partitions are allocated once at
// namespace init, indexed by id, and never destroyed; only their owner sets
// and state churn. All fields are guarded by the owning namespace.
type Partition struct {
	ID uint32

	// Owners is the realized owner set, master first.
	Owners []NodeID
	// Target is the owner set computed by the balancer for Key.
	Target []NodeID
	// Key is the cluster key the current target was computed under.
	Key ClusterKey

	State PartitionState

	// Appealing marks a partition whose local copy is awaiting the
	// master's vouch. It counts as unavailable until cleared.
	Appealing bool

	// Revived marks a partition whose data was declared authoritative by
	// an operator revive after loss of all original copies.
	Revived bool
}

// Master returns the realized master, or ZeroNodeID for a dead partition.
func (p *Partition) Master() NodeID {
	if len(p.Owners) == 0 {
		return ZeroNodeID
	}
	return p.Owners[0]
}

// TargetMaster returns the master of the target owner set.
func (p *Partition) TargetMaster() NodeID {
	if len(p.Target) == 0 {
		return ZeroNodeID
	}
	return p.Target[0]
}

// OwnedBy reports whether id is in the realized owner set.
func (p *Partition) OwnedBy(id NodeID) bool {
	return ContainsNode(p.Owners, id)
}

// TargetedAt reports whether id is in the target owner set.
func (p *Partition) TargetedAt(id NodeID) bool {
	return ContainsNode(p.Target, id)
}
