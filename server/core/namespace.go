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
	"sync"
)

// NamespaceOptions are the immutable per-namespace settings.
type NamespaceOptions struct {
	Name                 string
	Partitions           uint32
	ReplicationFactor    int
	StrongConsistency    bool
	PreferUniformBalance bool
	// MigrateOrder biases which namespace drains first; lower drains first.
	MigrateOrder int
	// AdoptRosterOnExchange lets a pending roster become active at any
	// natural epoch advance instead of waiting for an explicit recluster.
	AdoptRosterOnExchange bool
	// StayQuiesced keeps the local node quiesced from startup.
	StayQuiesced bool
}

// Roster is an ordered (node, rack) list. Nodes and Racks are parallel
// slices, ordered descending by node id like a succession list.
type Roster struct {
	Nodes []NodeID
	Racks []uint32
}

// IsEmpty reports whether the roster has no nodes.
func (r Roster) IsEmpty() bool {
	return len(r.Nodes) == 0
}

// Clone deep-copies the roster.
func (r Roster) Clone() Roster {
	return Roster{
		Nodes: append([]NodeID(nil), r.Nodes...),
		Racks: append([]uint32(nil), r.Racks...),
	}
}

// RackOf returns the rack id recorded for node, or 0.
func (r Roster) RackOf(id NodeID) uint32 {
	for i, n := range r.Nodes {
		if n == id {
			return r.Racks[i]
		}
	}
	return 0
}

// TopologySnapshot is a consistent copy of everything the balancer reads.
type TopologySnapshot struct {
	Key        ClusterKey
	Succession []NodeID
	RackIDs    map[NodeID]uint32
	Roster     Roster
	Quiesced   map[NodeID]struct{}
	Previous   [][]NodeID
}

// Namespace is the per-namespace topology state: the agreed membership view,
// the operator roster, quiesce flags, and the fixed partition table. It is
// the only truly shared mutable structure; a single reader/writer guard
// makes every balancer run and every info query see a consistent snapshot.
type Namespace struct {
	sync.RWMutex

	opts NamespaceOptions

	partitions []Partition

	// Current agreed view, as of the last applied exchange event.
	key        ClusterKey
	succession []NodeID
	rackIDs    map[NodeID]uint32
	quiesced   map[NodeID]struct{}

	roster        Roster
	pendingRoster Roster

	pendingQuiesce   bool
	effectiveQuiesce bool

	// rebalancing fences revive while a balance pass or its migrations
	// are being planned.
	rebalancing bool

	counters Counters
}

// NewNamespace allocates the fixed partition table once.
func NewNamespace(opts NamespaceOptions) *Namespace {
	ns := &Namespace{
		opts:       opts,
		partitions: make([]Partition, opts.Partitions),
		rackIDs:    make(map[NodeID]uint32),
		quiesced:   make(map[NodeID]struct{}),
	}
	for i := range ns.partitions {
		ns.partitions[i].ID = uint32(i)
	}
	return ns
}

// Name returns the namespace name.
func (ns *Namespace) Name() string { return ns.opts.Name }

// Options returns the immutable namespace options.
func (ns *Namespace) Options() NamespaceOptions { return ns.opts }

// Counters returns the namespace progress counters.
func (ns *Namespace) Counters() *Counters { return &ns.counters }

// ClusterKey returns the key of the last applied view.
func (ns *Namespace) ClusterKey() ClusterKey {
	ns.RLock()
	defer ns.RUnlock()
	return ns.key
}

// ApplyView records a new agreed membership view. The effective quiesce set
// is rebuilt from the exchanged metadata plus the local pending flag.
func (ns *Namespace) ApplyView(key ClusterKey, succession []NodeID, rackIDs map[NodeID]uint32, quiesced map[NodeID]struct{}, local NodeID) {
	ns.Lock()
	defer ns.Unlock()

	ns.key = key
	ns.succession = append([]NodeID(nil), succession...)
	ns.rackIDs = make(map[NodeID]uint32, len(rackIDs))
	for n, r := range rackIDs {
		ns.rackIDs[n] = r
	}
	ns.quiesced = make(map[NodeID]struct{}, len(quiesced))
	for n := range quiesced {
		ns.quiesced[n] = struct{}{}
	}

	// The local pending flag takes effect at the rebalance that follows.
	ns.effectiveQuiesce = ns.pendingQuiesce
	if ns.effectiveQuiesce {
		ns.quiesced[local] = struct{}{}
	} else {
		delete(ns.quiesced, local)
	}
}

// Snapshot returns a consistent copy of the balancer inputs.
func (ns *Namespace) Snapshot() TopologySnapshot {
	ns.RLock()
	defer ns.RUnlock()

	snap := TopologySnapshot{
		Key:        ns.key,
		Succession: append([]NodeID(nil), ns.succession...),
		RackIDs:    make(map[NodeID]uint32, len(ns.rackIDs)),
		Quiesced:   make(map[NodeID]struct{}, len(ns.quiesced)),
		Previous:   make([][]NodeID, len(ns.partitions)),
	}
	for n, r := range ns.rackIDs {
		snap.RackIDs[n] = r
	}
	for n := range ns.quiesced {
		snap.Quiesced[n] = struct{}{}
	}
	if ns.opts.StrongConsistency {
		snap.Roster = ns.roster.Clone()
	}
	for i := range ns.partitions {
		snap.Previous[i] = append([]NodeID(nil), ns.partitions[i].Owners...)
	}
	return snap
}

// Succession returns the succession as of the last applied view.
func (ns *Namespace) Succession() []NodeID {
	ns.RLock()
	defer ns.RUnlock()
	return append([]NodeID(nil), ns.succession...)
}

// RackIDs returns the rack assignment of the current succession.
func (ns *Namespace) RackIDs() map[NodeID]uint32 {
	ns.RLock()
	defer ns.RUnlock()
	m := make(map[NodeID]uint32, len(ns.rackIDs))
	for n, r := range ns.rackIDs {
		m[n] = r
	}
	return m
}

// InstallTarget installs a freshly balanced target table. Partitions whose
// realized owners already match keep state synced; the rest go migrating.
// Returns the number of partitions whose target differs from reality.
func (ns *Namespace) InstallTarget(key ClusterKey, table [][]NodeID, unavailable, dead int64) int {
	ns.Lock()
	defer ns.Unlock()

	diverged := 0
	for i := range ns.partitions {
		p := &ns.partitions[i]
		p.Target = append([]NodeID(nil), table[i]...)
		p.Key = key
		p.Appealing = false
		p.Revived = false
		switch {
		case len(p.Target) == 0:
			p.State = PartitionDead
		case NodesEqual(p.Owners, p.Target):
			p.State = partitionSteadyState(len(p.Target), ns.opts.ReplicationFactor)
		default:
			p.State = PartitionMigrating
			diverged++
		}
	}
	ns.counters.UnavailablePartitions.Store(unavailable)
	ns.counters.DeadPartitions.Store(dead)
	return diverged
}

// CommitOwnership realizes the target owner set for one partition. It is a
// no-op when key is stale; stale migrations must never rewrite ownership.
func (ns *Namespace) CommitOwnership(pid uint32, key ClusterKey) bool {
	ns.Lock()
	defer ns.Unlock()

	p := &ns.partitions[pid]
	if key != ns.key || key != p.Key {
		return false
	}
	p.Owners = append([]NodeID(nil), p.Target...)
	if p.State == PartitionMigrating {
		p.State = partitionSteadyState(len(p.Target), ns.opts.ReplicationFactor)
	}
	return true
}

// SeedOwnership force-sets realized owners, for namespace bootstrap.
func (ns *Namespace) SeedOwnership(pid uint32, owners []NodeID) {
	ns.Lock()
	defer ns.Unlock()
	ns.partitions[pid].Owners = append([]NodeID(nil), owners...)
}

// GetPartition copies one partition entry.
func (ns *Namespace) GetPartition(pid uint32) Partition {
	ns.RLock()
	defer ns.RUnlock()
	p := ns.partitions[pid]
	p.Owners = append([]NodeID(nil), p.Owners...)
	p.Target = append([]NodeID(nil), p.Target...)
	return p
}

// EachPartition calls f for every partition under the read guard.
func (ns *Namespace) EachPartition(f func(p *Partition)) {
	ns.RLock()
	defer ns.RUnlock()
	for i := range ns.partitions {
		f(&ns.partitions[i])
	}
}

// MarkAppealing flags a partition whose copy awaits the master's vouch.
// The partition counts as unavailable until the appeal resolves. No-op on
// a stale key.
func (ns *Namespace) MarkAppealing(pid uint32, key ClusterKey) {
	ns.Lock()
	defer ns.Unlock()
	p := &ns.partitions[pid]
	if key != ns.key || p.Appealing {
		return
	}
	p.Appealing = true
	ns.counters.UnavailablePartitions.Inc()
}

// ClearAppealing lifts the appeal flag after an exoneration. No-op on a
// stale key; a stale flag dies with the next target install instead.
func (ns *Namespace) ClearAppealing(pid uint32, key ClusterKey) {
	ns.Lock()
	defer ns.Unlock()
	p := &ns.partitions[pid]
	if key != ns.key || !p.Appealing {
		return
	}
	p.Appealing = false
	ns.counters.UnavailablePartitions.Dec()
}

// Revive clears dead and unavailable flags, trusting whatever data exists.
// It fails while a rebalance is in progress; reviving against a moving
// target is unsafe.
func (ns *Namespace) Revive() bool {
	ns.Lock()
	defer ns.Unlock()

	if ns.rebalancing {
		return false
	}
	for i := range ns.partitions {
		p := &ns.partitions[i]
		if p.State == PartitionDead || p.State == PartitionUnavailable {
			p.State = PartitionSynced
			p.Revived = true
		}
		p.Appealing = false
	}
	ns.counters.DeadPartitions.Store(0)
	ns.counters.UnavailablePartitions.Store(0)
	return true
}

// SetRebalancing flips the revive fence.
func (ns *Namespace) SetRebalancing(v bool) {
	ns.Lock()
	defer ns.Unlock()
	ns.rebalancing = v
}

// IsRebalancing reports whether a rebalance is in flight.
func (ns *Namespace) IsRebalancing() bool {
	ns.RLock()
	defer ns.RUnlock()
	return ns.rebalancing
}

// Roster returns the active roster.
func (ns *Namespace) Roster() Roster {
	ns.RLock()
	defer ns.RUnlock()
	return ns.roster.Clone()
}

// PendingRoster returns the staged roster awaiting adoption.
func (ns *Namespace) PendingRoster() Roster {
	ns.RLock()
	defer ns.RUnlock()
	return ns.pendingRoster.Clone()
}

// SetPendingRoster stages a roster. It never touches the active roster;
// adoption only happens through AdoptPendingRoster at a rebalance.
func (ns *Namespace) SetPendingRoster(r Roster) {
	ns.Lock()
	defer ns.Unlock()
	ns.pendingRoster = r.Clone()
}

// AdoptPendingRoster promotes the staged roster to active. Returns false
// when there is nothing staged or the staged roster already is active.
func (ns *Namespace) AdoptPendingRoster() bool {
	ns.Lock()
	defer ns.Unlock()

	if ns.pendingRoster.IsEmpty() || rosterEqual(ns.roster, ns.pendingRoster) {
		return false
	}
	ns.roster = ns.pendingRoster.Clone()
	return true
}

// QuiesceState returns the local pending and effective quiesce flags.
func (ns *Namespace) QuiesceState() (pending, effective bool) {
	ns.RLock()
	defer ns.RUnlock()
	return ns.pendingQuiesce, ns.effectiveQuiesce
}

// SetPendingQuiesce stages the local quiesce flag; it becomes effective at
// the next rebalance. Quiesce never reduces replica count, only master
// eligibility.
func (ns *Namespace) SetPendingQuiesce(v bool) {
	ns.Lock()
	defer ns.Unlock()
	ns.pendingQuiesce = v
}

// CountersSnapshot returns a consistent counters view under the guard.
func (ns *Namespace) CountersSnapshot() CountersSnapshot {
	ns.RLock()
	defer ns.RUnlock()
	return ns.counters.Snapshot()
}

func partitionSteadyState(owners, replicationFactor int) PartitionState {
	if owners == 0 {
		return PartitionDead
	}
	if owners < replicationFactor {
		return PartitionUnavailable
	}
	return PartitionSynced
}

func rosterEqual(a, b Roster) bool {
	if !NodesEqual(a.Nodes, b.Nodes) {
		return false
	}
	for i := range a.Racks {
		if a.Racks[i] != b.Racks[i] {
			return false
		}
	}
	return true
}
