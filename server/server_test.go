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

package server

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinybalance/pkg/testutil"
	"github.com/pingcap-incubator/tinybalance/pkg/typeutil"
	"github.com/pingcap-incubator/tinybalance/server/config"
	"github.com/pingcap-incubator/tinybalance/server/core"
	"github.com/pingcap-incubator/tinybalance/server/exchange"
	"github.com/pingcap-incubator/tinybalance/server/kv"
	"github.com/pingcap-incubator/tinybalance/server/migrate"
	. "github.com/pingcap/check"
)

func TestServer(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testServerSuite{})

type testServerSuite struct{}

// memStore is a minimal data plane for tests: record keys per partition,
// trusted unless marked otherwise.
type memStore struct {
	mu        sync.Mutex
	recs      map[uint32]map[string]migrate.Record
	untrusted map[uint32]bool
}

func newMemStore() *memStore {
	return &memStore{
		recs:      make(map[uint32]map[string]migrate.Record),
		untrusted: make(map[uint32]bool),
	}
}

func (s *memStore) put(pid uint32, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recs[pid] == nil {
		s.recs[pid] = make(map[string]migrate.Record)
	}
	s.recs[pid][key] = migrate.Record{Key: []byte(key), Generation: 1}
}

func (s *memStore) Records(pid uint32) ([]migrate.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]migrate.Record, 0, len(s.recs[pid]))
	for _, rec := range s.recs[pid] {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memStore) Apply(pid uint32, rec migrate.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recs[pid] == nil {
		s.recs[pid] = make(map[string]migrate.Record)
	}
	if old, ok := s.recs[pid][string(rec.Key)]; ok && old.Generation >= rec.Generation {
		return false, nil
	}
	s.recs[pid][string(rec.Key)] = rec
	return true, nil
}

func (s *memStore) Drop(pid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, pid)
	return nil
}

func (s *memStore) untrust(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.untrusted[pid] = true
}

func (s *memStore) Trusted(pid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.untrusted[pid]
}

func (s *memStore) Exonerate(pid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.untrusted, pid)
	return nil
}

// fabric routes migration traffic between the cluster members in-process.
type fabric struct {
	mu      sync.Mutex
	engines map[core.NodeID]*migrate.Engine
}

func newFabric() *fabric {
	return &fabric{engines: make(map[core.NodeID]*migrate.Engine)}
}

type endpoint struct {
	f  *fabric
	id core.NodeID
}

func (ep *endpoint) Send(to core.NodeID, msg *migrate.Msg) error {
	ep.f.mu.Lock()
	e := ep.f.engines[to]
	ep.f.mu.Unlock()
	if e != nil {
		go e.HandleMigrateMsg(ep.id, msg)
	}
	return nil
}

// cluster is a set of members sharing one fabric; views are fed to every
// member identically, the way a real membership layer would.
type cluster struct {
	c       *C
	fabric  *fabric
	servers map[core.NodeID]*Server
	stores  map[core.NodeID]*memStore
	order   []core.NodeID
}

func testClusterConfig(name string, id core.NodeID, namespaces ...config.NamespaceConfig) *config.Config {
	cfg := config.NewConfig()
	cfg.Name = name
	cfg.NodeID = id.String()
	cfg.Namespaces = namespaces
	cfg.Migration.Threads = 2
	cfg.Migration.MaxIncoming = 8
	cfg.Migration.RetransmitInterval = typeutil.NewDuration(50 * time.Millisecond)
	c := cfg.Adjust(nil)
	if c != nil {
		panic(c)
	}
	return cfg
}

func newCluster(c *C, ids []core.NodeID, namespaces ...config.NamespaceConfig) *cluster {
	cl := &cluster{
		c:       c,
		fabric:  newFabric(),
		servers: make(map[core.NodeID]*Server),
		stores:  make(map[core.NodeID]*memStore),
		order:   ids,
	}
	for i, id := range ids {
		store := newMemStore()
		cfg := testClusterConfig(fmt.Sprintf("n%d", i+1), id, namespaces...)
		svr, err := NewTestServer(cfg, store, nil)
		c.Assert(err, IsNil)
		svr.SetMigrateTransport(&endpoint{f: cl.fabric, id: id})
		cl.fabric.mu.Lock()
		cl.fabric.engines[id] = svr.Engine()
		cl.fabric.mu.Unlock()
		cl.servers[id] = svr
		cl.stores[id] = store
	}
	return cl
}

func (cl *cluster) close() {
	for _, svr := range cl.servers {
		svr.Close()
	}
}

// setMembers feeds one membership view to every live member, with each
// member's effective quiesce set piggybacked the way the exchange does.
func (cl *cluster) setMembers(live ...core.NodeID) {
	members := make(map[core.NodeID]exchange.NodeMeta, len(live))
	for _, id := range live {
		members[id] = exchange.NodeMeta{
			QuiescedNamespaces: cl.servers[id].QuiescedNamespaces(),
		}
	}
	for _, id := range live {
		cl.servers[id].Exchange().SetMembers(members)
	}
}

func (cl *cluster) waitConverged(live ...core.NodeID) {
	testutil.WaitUntil(cl.c, func(c *C) bool {
		for _, id := range live {
			if cl.servers[id].MigrationsRemaining() != 0 {
				return false
			}
		}
		return true
	})
}

func plainNamespace(partitions uint32, rf int) config.NamespaceConfig {
	return config.NamespaceConfig{
		Name:              "test",
		Partitions:        partitions,
		ReplicationFactor: rf,
	}
}

func scNamespace(partitions uint32, rf int) config.NamespaceConfig {
	return config.NamespaceConfig{
		Name:              "sc",
		Partitions:        partitions,
		ReplicationFactor: rf,
		StrongConsistency: true,
	}
}

const (
	idA = core.NodeID(0xa1)
	idB = core.NodeID(0xa2)
	idC = core.NodeID(0xa3)
)

func (s *testServerSuite) TestThreeNodeClusterStable(c *C) {
	cl := newCluster(c, []core.NodeID{idA, idB, idC}, plainNamespace(16, 2))
	defer cl.close()

	cl.setMembers(idA, idB, idC)
	// Stores are empty until after formation, so converging moves nothing.
	cl.waitConverged(idA, idB, idC)

	svrA := cl.servers[idA]
	key := svrA.Exchange().ClusterKey()
	c.Assert(svrA.InfoCommand("cluster-stable"), Equals, key.String())
	c.Assert(svrA.InfoCommand("cluster-stable:size=3"), Equals, key.String())
	c.Assert(svrA.InfoCommand("cluster-stable:size=5"), Equals, "ERROR::cluster-not-specified-size")
	c.Assert(svrA.InfoCommand("cluster-stable:size=x"), Equals, "ERROR::bad-size")
	c.Assert(svrA.InfoCommand("cluster-stable:namespace=nope"), Equals, "ERROR::unknown-namespace")

	// Seed some records on every owner so removal moves real data.
	for _, id := range cl.order {
		ns := cl.servers[id].Namespace("test")
		for pid := uint32(0); pid < 16; pid++ {
			p := ns.GetPartition(pid)
			if core.ContainsNode(p.Owners, id) {
				cl.stores[id].put(pid, fmt.Sprintf("rec-%d", pid))
			}
		}
	}

	// Node C leaves; its partitions must land on the survivors.
	cl.setMembers(idA, idB)
	newKey := svrA.Exchange().ClusterKey()
	c.Assert(newKey, Not(Equals), key)

	cl.waitConverged(idA, idB)
	c.Assert(svrA.InfoCommand("cluster-stable"), Equals, newKey.String())

	for pid := uint32(0); pid < 16; pid++ {
		p := cl.servers[idA].Namespace("test").GetPartition(pid)
		c.Assert(p.Owners, HasLen, 2)
		c.Assert(core.ContainsNode(p.Owners, idC), Equals, false)
	}
}

func (s *testServerSuite) TestClusterStableDuringMigration(c *C) {
	cl := newCluster(c, []core.NodeID{idA, idB}, plainNamespace(8, 2))
	defer cl.close()

	svr := cl.servers[idA]
	// Fake an unfinished migration.
	svr.Namespace("test").Counters().MigrateTxRemaining.Store(3)
	cl.setMembers(idA, idB)
	svr.Namespace("test").Counters().MigrateTxRemaining.Store(3)

	key := svr.Exchange().ClusterKey()
	c.Assert(svr.InfoCommand("cluster-stable"), Equals, "ERROR::unstable-cluster")
	c.Assert(svr.InfoCommand("cluster-stable:ignore-migrations=true"), Equals, key.String())
	c.Assert(svr.InfoCommand("cluster-stable:ignore-migrations=maybe"), Equals, "ERROR::bad-ignore-migrations")

	svr.Namespace("test").Counters().MigrateTxRemaining.Store(0)
	c.Assert(svr.InfoCommand("cluster-stable"), Equals, key.String())
}

func (s *testServerSuite) TestRosterLifecycle(c *C) {
	cl := newCluster(c, []core.NodeID{idA}, scNamespace(8, 2))
	defer cl.close()
	svr := cl.servers[idA]
	cl.setMembers(idA)

	c.Assert(svr.InfoCommand("roster:namespace=sc"),
		Equals, "roster=null:pending_roster=null:observed_nodes=a1")

	c.Assert(svr.InfoCommand("roster-set:nodes=a1"), Equals, "ERROR::namespace-name")
	c.Assert(svr.InfoCommand("roster-set:namespace=nope;nodes=a1"), Equals, "ERROR::unknown-namespace")
	c.Assert(svr.InfoCommand("roster-set:namespace=sc"), Equals, "ERROR::nodes")
	c.Assert(svr.InfoCommand("roster-set:namespace=sc;nodes=zz"), Equals, "ERROR::nodes")

	// Stage a roster naming an absent node. It stays pending until an
	// explicit recluster adopts it.
	c.Assert(svr.InfoCommand("roster-set:namespace=sc;nodes=a1,a2:7"), Equals, "ok")
	c.Assert(svr.InfoCommand("roster:namespace=sc"),
		Equals, "roster=null:pending_roster=a2:7,a1:observed_nodes=a1")
	c.Assert(svr.Namespace("sc").Roster().IsEmpty(), Equals, true)

	c.Assert(svr.InfoCommand("recluster"), Equals, "ok")
	c.Assert(svr.Namespace("sc").Roster().IsEmpty(), Equals, false)

	// Only one roster node is alive: RF 2 cannot be met anywhere.
	snap := svr.Namespace("sc").CountersSnapshot()
	c.Assert(snap.UnavailablePartitions, Equals, int64(8))
	c.Assert(svr.InfoCommand("cluster-stable:namespace=sc"), Equals, "ERROR::unstable-cluster")
}

func (s *testServerSuite) TestPendingAppealsHoldClusterUnstable(c *C) {
	nc := scNamespace(8, 2)
	nc.AdoptRosterOnExchange = true
	cl := newCluster(c, []core.NodeID{idA, idB}, nc)
	defer cl.close()

	// Every copy on both members is suspect. The appeal fabric is not
	// wired in this harness, so no vouch ever lands.
	for pid := uint32(0); pid < 8; pid++ {
		cl.stores[idA].untrust(pid)
		cl.stores[idB].untrust(pid)
	}
	c.Assert(cl.servers[idA].InfoCommand("roster-set:namespace=sc;nodes=a1,a2"), Equals, "ok")
	c.Assert(cl.servers[idB].InfoCommand("roster-set:namespace=sc;nodes=a1,a2"), Equals, "ok")

	cl.setMembers(idA, idB)
	cl.waitConverged(idA, idB)

	// Each member appeals for the partitions it replicates but does not
	// master, so the eight appeals split across the two of them.
	var appeals, flagged int64
	for _, id := range []core.NodeID{idA, idB} {
		snap := cl.servers[id].Namespace("sc").CountersSnapshot()
		appeals += snap.AppealsTxRemaining
		flagged += snap.UnavailablePartitions
		if snap.AppealsTxRemaining == 0 {
			continue
		}
		c.Assert(snap.UnavailablePartitions, Equals, snap.AppealsTxRemaining)
		c.Assert(cl.servers[id].InfoCommand("cluster-stable:namespace=sc"),
			Equals, "ERROR::unstable-cluster")
		c.Assert(cl.servers[id].InfoCommand("cluster-stable"),
			Equals, "ERROR::unstable-cluster")
		c.Assert(cl.servers[id].InfoCommand("cluster-stable:ignore-migrations=true"),
			Equals, "ERROR::unstable-cluster")
	}
	c.Assert(appeals, Equals, int64(8))
	c.Assert(flagged, Equals, int64(8))
}

func (s *testServerSuite) TestClusterStableGatedWhileRebalancing(c *C) {
	cl := newCluster(c, []core.NodeID{idA}, plainNamespace(8, 1))
	defer cl.close()
	svr := cl.servers[idA]
	cl.setMembers(idA)
	cl.waitConverged(idA)

	resp := svr.InfoCommand("cluster-stable")
	c.Assert(strings.HasPrefix(resp, "ERROR"), IsFalse)

	svr.Namespace("test").SetRebalancing(true)
	c.Assert(svr.InfoCommand("cluster-stable"), Equals, "ERROR::unstable-cluster")
	c.Assert(svr.InfoCommand("cluster-stable:namespace=test"), Equals, "ERROR::unstable-cluster")
	c.Assert(svr.InfoCommand("cluster-stable:ignore-migrations=true"), Equals, "ERROR::unstable-cluster")
	svr.Namespace("test").SetRebalancing(false)

	resp = svr.InfoCommand("cluster-stable")
	c.Assert(strings.HasPrefix(resp, "ERROR"), IsFalse)
}

func (s *testServerSuite) TestRosterSetRequiresStrongConsistency(c *C) {
	cl := newCluster(c, []core.NodeID{idA}, plainNamespace(8, 2))
	defer cl.close()
	c.Assert(cl.servers[idA].InfoCommand("roster-set:namespace=test;nodes=a1"),
		Equals, "ERROR::not-strong-consistency")
}

func (s *testServerSuite) TestReviveFencedByRebalance(c *C) {
	cl := newCluster(c, []core.NodeID{idA}, scNamespace(8, 2))
	defer cl.close()
	svr := cl.servers[idA]
	cl.setMembers(idA)

	svr.Namespace("sc").SetRebalancing(true)
	c.Assert(svr.InfoCommand("revive:namespace=sc"), Equals, "ERROR::failed-revive")
	c.Assert(svr.InfoCommand("revive"), Equals, "ERROR::failed-revive")
	svr.Namespace("sc").SetRebalancing(false)
	c.Assert(svr.InfoCommand("revive:namespace=sc"), Equals, "ok")
	c.Assert(svr.InfoCommand("revive:namespace=nope"), Equals, "ERROR::unknown-namespace")
}

func (s *testServerSuite) TestQuiesceTokens(c *C) {
	cl := newCluster(c, []core.NodeID{idA}, plainNamespace(8, 2))
	defer cl.close()
	svr := cl.servers[idA]

	c.Assert(svr.InfoCommand("quiesce"), Equals, "ok")
	pending, _ := svr.Namespace("test").QuiesceState()
	c.Assert(pending, Equals, true)
	c.Assert(svr.InfoCommand("quiesce-undo"), Equals, "ok")
	pending, _ = svr.Namespace("test").QuiesceState()
	c.Assert(pending, Equals, false)

	c.Assert(svr.InfoCommand("quiesce:sticky=true"), Equals, "ok")
	c.Assert(svr.InfoCommand("quiesce"), Equals, "ERROR::permanently-quiesced")
	c.Assert(svr.InfoCommand("quiesce-undo"), Equals, "ignored-permanently-quiesced")
}

func (s *testServerSuite) TestStickyQuiesceSurvivesRestart(c *C) {
	base := kv.NewMemoryKV()
	cfg := testClusterConfig("n1", idA, plainNamespace(8, 2))
	svr, err := NewTestServer(cfg, newMemStore(), base)
	c.Assert(err, IsNil)
	c.Assert(svr.InfoCommand("quiesce:sticky=true"), Equals, "ok")
	svr.Close()

	restarted, err := NewTestServer(testClusterConfig("n1", idA, plainNamespace(8, 2)), newMemStore(), base)
	c.Assert(err, IsNil)
	defer restarted.Close()
	c.Assert(restarted.InfoCommand("quiesce-undo"), Equals, "ignored-permanently-quiesced")
	pending, _ := restarted.Namespace("test").QuiesceState()
	c.Assert(pending, Equals, true)
}

func (s *testServerSuite) TestPendingRosterSurvivesRestart(c *C) {
	base := kv.NewMemoryKV()
	svr, err := NewTestServer(testClusterConfig("n1", idA, scNamespace(8, 2)), newMemStore(), base)
	c.Assert(err, IsNil)
	c.Assert(svr.InfoCommand("roster-set:namespace=sc;nodes=a1,a2"), Equals, "ok")
	svr.Close()

	restarted, err := NewTestServer(testClusterConfig("n1", idA, scNamespace(8, 2)), newMemStore(), base)
	c.Assert(err, IsNil)
	defer restarted.Close()
	c.Assert(core.FormatRoster(restarted.Namespace("sc").PendingRoster()), Equals, "a2,a1")
}

func (s *testServerSuite) TestInformationalCommands(c *C) {
	cl := newCluster(c, []core.NodeID{idA, idB},
		plainNamespace(8, 2), scNamespace(8, 2))
	defer cl.close()
	svr := cl.servers[idA]
	cl.setMembers(idA, idB)

	c.Assert(svr.InfoCommand("namespaces"), Equals, "test;sc")
	c.Assert(svr.InfoCommand("get-sl"), Equals, "a2,a1")
	c.Assert(svr.InfoCommand("bogus"), Equals, "ERROR::unknown-command")
	c.Assert(svr.InfoCommand("racks:namespace=test"), Equals, "rack_0=a2,a1")
}

func (s *testServerSuite) TestReclusterNonPrincipal(c *C) {
	cl := newCluster(c, []core.NodeID{idA, idB}, plainNamespace(8, 2))
	defer cl.close()
	cl.setMembers(idA, idB)

	// idB has the higher id and so is the principal.
	c.Assert(cl.servers[idA].InfoCommand("recluster"), Equals, "ignored-by-non-principal")
	c.Assert(cl.servers[idB].InfoCommand("recluster"), Equals, "ok")
}

func (s *testServerSuite) TestQuiescedNodeNeverMaster(c *C) {
	cl := newCluster(c, []core.NodeID{idA, idB, idC}, plainNamespace(16, 2))
	defer cl.close()

	cl.setMembers(idA, idB, idC)
	cl.waitConverged(idA, idB, idC)

	c.Assert(cl.servers[idC].InfoCommand("quiesce"), Equals, "ok")
	// The next exchange carries C's quiesce; everyone rebalances on it.
	cl.setMembers(idA, idB, idC)
	cl.waitConverged(idA, idB, idC)

	ns := cl.servers[idA].Namespace("test")
	for pid := uint32(0); pid < 16; pid++ {
		p := ns.GetPartition(pid)
		c.Assert(p.Owners, HasLen, 2)
		c.Assert(p.Owners[0], Not(Equals), idC)
	}
}
