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

// Package balance computes the target ownership table for every partition
// of a namespace. Compute is a pure function of one topology snapshot: no
// I/O, no locks, replayable. The caller compares the result key against
// the live cluster key and discards stale results.
package balance

import (
	"encoding/binary"
	"sort"

	"github.com/dgryski/go-farm"
	"github.com/pingcap-incubator/tinybalance/server/core"
)

// Result is one computed target ownership table, master first per row.
type Result struct {
	Key   core.ClusterKey
	Table [][]core.NodeID
	// Unavailable counts partitions whose eligible pool cannot fill every
	// replica slot; Dead counts partitions with no eligible owner at all.
	Unavailable int64
	Dead        int64
}

// Compute balances every partition of a namespace over the snapshot's
// eligible pool. Node selection prefers previous owners to minimize data
// movement; rack diversity is a hard constraint whenever the pool spans at
// least replication-factor distinct racks; remaining ties break on a
// per-partition rendezvous hash, or on running owner load in
// prefer-uniform-balance mode.
func Compute(snap core.TopologySnapshot, opts core.NamespaceOptions) *Result {
	res := &Result{
		Key:   snap.Key,
		Table: make([][]core.NodeID, opts.Partitions),
	}

	pool, rackOf := eligiblePool(snap, opts)
	if len(pool) == 0 {
		res.Dead = int64(opts.Partitions)
		for i := range res.Table {
			res.Table[i] = nil
		}
		return res
	}

	rackAware := distinctRacks(pool, rackOf) >= opts.ReplicationFactor

	ownerLoad := make(map[core.NodeID]int, len(pool))
	masterLoad := make(map[core.NodeID]int, len(pool))

	for pid := uint32(0); pid < opts.Partitions; pid++ {
		var prev []core.NodeID
		if int(pid) < len(snap.Previous) {
			prev = snap.Previous[pid]
		}

		cands := orderCandidates(pid, pool, prev, ownerLoad, opts.PreferUniformBalance)
		sel := selectOwners(cands, opts.ReplicationFactor, rackAware, rackOf)
		sel = arrangeMaster(sel, prev, snap.Quiesced, masterLoad, opts.PreferUniformBalance)

		for _, n := range sel {
			ownerLoad[n]++
		}
		if len(sel) > 0 {
			masterLoad[sel[0]]++
		}

		res.Table[pid] = sel
		if len(sel) < opts.ReplicationFactor {
			res.Unavailable++
		}
	}
	return res
}

// eligiblePool intersects succession with the roster in strong-consistency
// mode; otherwise the succession is the pool directly. Rack ids come from
// the roster for rostered nodes, from the exchanged assignment otherwise.
func eligiblePool(snap core.TopologySnapshot, opts core.NamespaceOptions) ([]core.NodeID, func(core.NodeID) uint32) {
	rackOf := func(n core.NodeID) uint32 {
		if opts.StrongConsistency {
			if r := snap.Roster.RackOf(n); r != 0 {
				return r
			}
		}
		return snap.RackIDs[n]
	}

	if !opts.StrongConsistency {
		return snap.Succession, rackOf
	}
	pool := make([]core.NodeID, 0, len(snap.Succession))
	for _, n := range snap.Succession {
		if core.ContainsNode(snap.Roster.Nodes, n) {
			pool = append(pool, n)
		}
	}
	return pool, rackOf
}

func distinctRacks(pool []core.NodeID, rackOf func(core.NodeID) uint32) int {
	seen := make(map[uint32]struct{}, len(pool))
	for _, n := range pool {
		seen[rackOf(n)] = struct{}{}
	}
	return len(seen)
}

// orderCandidates ranks the pool for one partition: previous owners still
// in the pool come first, in their prior order, then the rest by descending
// rendezvous hash. Uniform mode ranks the rest by running owner load
// instead, hash as tie-break.
func orderCandidates(pid uint32, pool, prev []core.NodeID, ownerLoad map[core.NodeID]int, uniform bool) []core.NodeID {
	cands := make([]core.NodeID, 0, len(pool))
	for _, n := range prev {
		if core.ContainsNode(pool, n) {
			cands = append(cands, n)
		}
	}

	rest := make([]core.NodeID, 0, len(pool))
	for _, n := range pool {
		if !core.ContainsNode(cands, n) {
			rest = append(rest, n)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		if uniform && ownerLoad[rest[i]] != ownerLoad[rest[j]] {
			return ownerLoad[rest[i]] < ownerLoad[rest[j]]
		}
		hi, hj := nodeHash(pid, rest[i]), nodeHash(pid, rest[j])
		if hi != hj {
			return hi > hj
		}
		return rest[i] > rest[j]
	})
	return append(cands, rest...)
}

// selectOwners takes the first replicationFactor candidates; under rack
// awareness no two selected nodes may share a rack, and because the pool
// spans enough racks the first pass always fills every slot.
func selectOwners(cands []core.NodeID, replicationFactor int, rackAware bool, rackOf func(core.NodeID) uint32) []core.NodeID {
	if !rackAware {
		if len(cands) <= replicationFactor {
			return append([]core.NodeID(nil), cands...)
		}
		return append([]core.NodeID(nil), cands[:replicationFactor]...)
	}

	sel := make([]core.NodeID, 0, replicationFactor)
	used := make(map[uint32]struct{}, replicationFactor)
	for _, n := range cands {
		if len(sel) == replicationFactor {
			break
		}
		if _, collides := used[rackOf(n)]; collides {
			continue
		}
		sel = append(sel, n)
		used[rackOf(n)] = struct{}{}
	}
	return sel
}

// arrangeMaster moves the master to the front of the selected set. The
// previous master keeps mastership while it is selected and not quiesced;
// otherwise the first non-quiesced candidate wins, or in uniform mode the
// non-quiesced candidate carrying the fewest masters. When every selected
// node is quiesced the flags are ignored, as if none were.
func arrangeMaster(sel, prev []core.NodeID, quiesced map[core.NodeID]struct{}, masterLoad map[core.NodeID]int, uniform bool) []core.NodeID {
	if len(sel) < 2 {
		return sel
	}

	eligible := func(n core.NodeID) bool {
		_, q := quiesced[n]
		return !q
	}
	if allQuiesced(sel, quiesced) {
		eligible = func(core.NodeID) bool { return true }
	}

	master := core.ZeroNodeID
	if len(prev) > 0 && prev[0] == sel[0] && eligible(sel[0]) {
		master = sel[0]
	} else if uniform {
		for _, n := range sel {
			if !eligible(n) {
				continue
			}
			if master == core.ZeroNodeID || masterLoad[n] < masterLoad[master] {
				master = n
			}
		}
	} else {
		for _, n := range sel {
			if eligible(n) {
				master = n
				break
			}
		}
	}
	if master == core.ZeroNodeID || master == sel[0] {
		return sel
	}

	out := make([]core.NodeID, 0, len(sel))
	out = append(out, master)
	for _, n := range sel {
		if n != master {
			out = append(out, n)
		}
	}
	return out
}

func allQuiesced(sel []core.NodeID, quiesced map[core.NodeID]struct{}) bool {
	for _, n := range sel {
		if _, q := quiesced[n]; !q {
			return false
		}
	}
	return true
}

// nodeHash is the per-partition rendezvous weight of a node. Removing a
// node from the pool can only disturb partitions it ranked highly for.
func nodeHash(pid uint32, n core.NodeID) uint64 {
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(n))
	binary.BigEndian.PutUint32(buf[8:], pid)
	return farm.Fingerprint64(buf[:])
}
