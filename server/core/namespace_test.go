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
	. "github.com/pingcap/check"
)

var _ = Suite(&testNamespaceSuite{})

type testNamespaceSuite struct{}

func newTestNamespace(partitions uint32) *Namespace {
	return NewNamespace(NamespaceOptions{
		Name:              "test",
		Partitions:        partitions,
		ReplicationFactor: 2,
	})
}

func (s *testNamespaceSuite) TestInstallTarget(c *C) {
	ns := newTestNamespace(4)
	ns.ApplyView(1, []NodeID{2, 1}, nil, nil, 1)

	table := [][]NodeID{{2, 1}, {1, 2}, {2, 1}, {1, 2}}
	diverged := ns.InstallTarget(1, table, 0, 0)
	c.Assert(diverged, Equals, 4)

	p := ns.GetPartition(0)
	c.Assert(p.State, Equals, PartitionMigrating)
	c.Assert(p.Target, DeepEquals, []NodeID{2, 1})
	c.Assert(p.TargetMaster(), Equals, NodeID(2))
	c.Assert(p.Master(), Equals, ZeroNodeID)

	c.Assert(ns.CommitOwnership(0, 1), IsTrue)
	p = ns.GetPartition(0)
	c.Assert(p.State, Equals, PartitionSynced)
	c.Assert(p.Owners, DeepEquals, []NodeID{2, 1})

	// Re-installing an identical table diverges nowhere for partition 0.
	diverged = ns.InstallTarget(1, table, 0, 0)
	c.Assert(diverged, Equals, 3)
}

func (s *testNamespaceSuite) TestCommitOwnershipStaleKey(c *C) {
	ns := newTestNamespace(1)
	ns.ApplyView(1, []NodeID{2, 1}, nil, nil, 1)
	ns.InstallTarget(1, [][]NodeID{{2, 1}}, 0, 0)

	// The view advanced; a commit planned under key 1 must not apply.
	ns.ApplyView(2, []NodeID{2, 1}, nil, nil, 1)
	c.Assert(ns.CommitOwnership(0, 1), IsFalse)
	c.Assert(ns.GetPartition(0).Owners, HasLen, 0)
}

func (s *testNamespaceSuite) TestUnderReplicatedState(c *C) {
	ns := newTestNamespace(2)
	ns.ApplyView(1, []NodeID{1}, nil, nil, 1)
	ns.InstallTarget(1, [][]NodeID{{1}, {}}, 1, 1)

	c.Assert(ns.CommitOwnership(0, 1), IsTrue)
	c.Assert(ns.GetPartition(0).State, Equals, PartitionUnavailable)
	c.Assert(ns.GetPartition(1).State, Equals, PartitionDead)
	c.Assert(ns.CountersSnapshot().UnavailablePartitions, Equals, int64(1))
	c.Assert(ns.CountersSnapshot().DeadPartitions, Equals, int64(1))
}

func (s *testNamespaceSuite) TestRevive(c *C) {
	ns := newTestNamespace(2)
	ns.ApplyView(1, []NodeID{1}, nil, nil, 1)
	ns.InstallTarget(1, [][]NodeID{{1}, {}}, 1, 1)

	ns.SetRebalancing(true)
	c.Assert(ns.Revive(), IsFalse)

	ns.SetRebalancing(false)
	c.Assert(ns.Revive(), IsTrue)
	c.Assert(ns.GetPartition(1).State, Equals, PartitionSynced)
	c.Assert(ns.GetPartition(1).Revived, IsTrue)
	c.Assert(ns.CountersSnapshot().DeadPartitions, Equals, int64(0))
}

func (s *testNamespaceSuite) TestPendingRosterAdoption(c *C) {
	ns := newTestNamespace(1)
	c.Assert(ns.AdoptPendingRoster(), IsFalse)

	r, err := ParseRoster("a,b,c")
	c.Assert(err, IsNil)
	ns.SetPendingRoster(r)
	c.Assert(ns.Roster().IsEmpty(), IsTrue)

	c.Assert(ns.AdoptPendingRoster(), IsTrue)
	c.Assert(rosterEqual(ns.Roster(), r), IsTrue)
	// Idempotent once adopted.
	c.Assert(ns.AdoptPendingRoster(), IsFalse)
}

func (s *testNamespaceSuite) TestQuiesceFlags(c *C) {
	ns := newTestNamespace(1)
	ns.SetPendingQuiesce(true)

	pending, effective := ns.QuiesceState()
	c.Assert(pending, IsTrue)
	c.Assert(effective, IsFalse)

	// Effective only once a new view is applied.
	ns.ApplyView(1, []NodeID{2, 1}, nil, nil, 1)
	_, effective = ns.QuiesceState()
	c.Assert(effective, IsTrue)

	snap := ns.Snapshot()
	_, quiesced := snap.Quiesced[NodeID(1)]
	c.Assert(quiesced, IsTrue)
}
