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

package migrate

import (
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinybalance/pkg/testutil"
	"github.com/pingcap-incubator/tinybalance/server/core"
	"github.com/pingcap-incubator/tinybalance/server/exchange"
	. "github.com/pingcap/check"
)

func TestMigrate(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testEngineSuite{})

type testEngineSuite struct{}

// memStore is an in-memory Store for tests, idempotent on generation.
type memStore struct {
	mu   sync.Mutex
	recs map[uint32]map[string]Record
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[uint32]map[string]Record)}
}

func (s *memStore) put(pid uint32, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recs[pid] == nil {
		s.recs[pid] = make(map[string]Record)
	}
	s.recs[pid][string(rec.Key)] = rec
}

func (s *memStore) count(pid uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs[pid])
}

func (s *memStore) Records(pid uint32) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.recs[pid]))
	for _, rec := range s.recs[pid] {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memStore) Apply(pid uint32, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recs[pid] == nil {
		s.recs[pid] = make(map[string]Record)
	}
	old, ok := s.recs[pid][string(rec.Key)]
	if ok && (old.Generation > rec.Generation ||
		(old.Generation == rec.Generation && old.LastUpdateTime >= rec.LastUpdateTime)) {
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

func (s *memStore) Trusted(uint32) bool { return true }

// fabric routes messages between in-process engines.
type fabric struct {
	mu       sync.Mutex
	handlers map[core.NodeID]Handler
}

func newFabric() *fabric {
	return &fabric{handlers: make(map[core.NodeID]Handler)}
}

func (f *fabric) register(id core.NodeID, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[id] = h
}

type endpoint struct {
	f  *fabric
	id core.NodeID
}

func (f *fabric) endpoint(id core.NodeID) *endpoint {
	return &endpoint{f: f, id: id}
}

func (ep *endpoint) Send(to core.NodeID, msg *Msg) error {
	ep.f.mu.Lock()
	h := ep.f.handlers[to]
	ep.f.mu.Unlock()
	if h != nil {
		go h.HandleMigrateMsg(ep.id, msg)
	}
	return nil
}

// captureTransport records outbound messages for single-engine tests.
type captureTransport struct {
	mu   sync.Mutex
	sent []*Msg
}

func (t *captureTransport) Send(to core.NodeID, msg *Msg) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	return nil
}

func (t *captureTransport) last() *Msg {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return nil
	}
	return t.sent[len(t.sent)-1]
}

func testConfig() Config {
	return Config{
		Threads:            2,
		MaxIncoming:        4,
		RetransmitInterval: 50 * time.Millisecond,
	}
}

func newTestNamespace(partitions uint32) *core.Namespace {
	return core.NewNamespace(core.NamespaceOptions{
		Name:              "test",
		Partitions:        partitions,
		ReplicationFactor: 1,
	})
}

const (
	nodeA = core.NodeID(0xa)
	nodeB = core.NodeID(0xb)
)

func twoNodeExchange(local core.NodeID) *exchange.LocalExchange {
	e := exchange.NewLocalExchange(local)
	e.SetMembers(map[core.NodeID]exchange.NodeMeta{nodeA: {}, nodeB: {}})
	return e
}

func (s *testEngineSuite) TestConvergence(c *C) {
	exchA := twoNodeExchange(nodeA)
	exchB := twoNodeExchange(nodeB)
	c.Assert(exchA.ClusterKey(), Equals, exchB.ClusterKey())
	key := exchA.ClusterKey()

	const partitions = 8
	nsA := newTestNamespace(partitions)
	nsB := newTestNamespace(partitions)

	storeA := newMemStore()
	storeB := newMemStore()
	for pid := uint32(0); pid < 4; pid++ {
		storeA.put(pid, Record{Key: []byte{byte(pid), 1}, Generation: 1, Value: []byte("v")})
		storeA.put(pid, Record{Key: []byte{byte(pid), 2}, Generation: 1, Value: []byte("v")})
	}

	table := make([][]core.NodeID, partitions)
	for pid := uint32(0); pid < partitions; pid++ {
		nsA.SeedOwnership(pid, []core.NodeID{nodeA})
		nsB.SeedOwnership(pid, []core.NodeID{nodeA})
		if pid < 4 {
			table[pid] = []core.NodeID{nodeB}
		} else {
			table[pid] = []core.NodeID{nodeA}
		}
	}
	nsA.ApplyView(key, []core.NodeID{nodeB, nodeA}, nil, nil, nodeA)
	nsB.ApplyView(key, []core.NodeID{nodeB, nodeA}, nil, nil, nodeB)
	nsA.InstallTarget(key, table, 0, 0)
	nsB.InstallTarget(key, table, 0, 0)

	net := newFabric()
	engineA := NewEngine(testConfig(), nodeA, exchA, storeA, net.endpoint(nodeA), nil)
	engineB := NewEngine(testConfig(), nodeB, exchB, storeB, net.endpoint(nodeB), nil)
	defer engineA.Close()
	defer engineB.Close()
	net.register(nodeA, engineA)
	net.register(nodeB, engineB)

	planA := &Plan{Namespace: nsA, Key: key}
	planB := &Plan{Namespace: nsB, Key: key}
	for pid := uint32(0); pid < 4; pid++ {
		planA.Emigrations = append(planA.Emigrations, EmigrationItem{Partition: pid, Peer: nodeB, Lead: true})
		planA.Signals = append(planA.Signals, SignalItem{Partition: pid, Peer: nodeA})
		planB.ExpectedRx = append(planB.ExpectedRx, pid)
	}
	engineA.SubmitPlan(planA)
	engineB.SubmitPlan(planB)

	testutil.WaitUntil(c, func(c *C) bool {
		a := nsA.CountersSnapshot()
		b := nsB.CountersSnapshot()
		return a.MigrationsRemaining() == 0 && b.MigrationsRemaining() == 0
	})

	for pid := uint32(0); pid < 4; pid++ {
		c.Assert(nsA.GetPartition(pid).Owners, DeepEquals, []core.NodeID{nodeB})
		c.Assert(nsB.GetPartition(pid).Owners, DeepEquals, []core.NodeID{nodeB})
		c.Assert(storeB.count(pid), Equals, 2)
		// The old master dropped its copy after the drop signal.
		c.Assert(storeA.count(pid), Equals, 0)
	}
	a := nsA.CountersSnapshot()
	c.Assert(a.RecordsTransmitted, Equals, int64(8))
	b := nsB.CountersSnapshot()
	c.Assert(b.RecordsReceived, Equals, int64(8))
	c.Assert(a.MigrateTxActive, Equals, int64(0))
	c.Assert(b.MigrateRxActive, Equals, int64(0))
}

func (s *testEngineSuite) TestStartBeforePlanGetsEagain(c *C) {
	exch := twoNodeExchange(nodeB)
	transport := &captureTransport{}
	engine := NewEngine(testConfig(), nodeB, exch, newMemStore(), transport, nil)
	defer engine.Close()

	engine.HandleMigrateMsg(nodeA, &Msg{
		Type:       MsgStart,
		Namespace:  "test",
		Partition:  0,
		ClusterKey: exch.ClusterKey(),
		Source:     nodeA,
	})
	ack := transport.last()
	c.Assert(ack, NotNil)
	c.Assert(ack.Type, Equals, MsgStartAckEagain)
}

func (s *testEngineSuite) TestReceiverBackpressure(c *C) {
	exch := twoNodeExchange(nodeB)
	key := exch.ClusterKey()
	ns := newTestNamespace(4)
	ns.ApplyView(key, []core.NodeID{nodeB, nodeA}, nil, nil, nodeB)

	cfg := testConfig()
	cfg.MaxIncoming = 1
	transport := &captureTransport{}
	engine := NewEngine(cfg, nodeB, exch, newMemStore(), transport, nil)
	defer engine.Close()

	engine.SubmitPlan(&Plan{Namespace: ns, Key: key, ExpectedRx: []uint32{0, 1}})

	start := func(pid uint32) MsgType {
		engine.HandleMigrateMsg(nodeA, &Msg{
			Type:       MsgStart,
			Namespace:  "test",
			Partition:  pid,
			ClusterKey: key,
			Source:     nodeA,
		})
		return transport.last().Type
	}
	c.Assert(start(0), Equals, MsgStartAckOK)
	// Second inbound session exceeds the cap: backpressure, not an error.
	c.Assert(start(1), Equals, MsgStartAckEagain)
	// The accepted session re-acks fine (duplicate Start).
	c.Assert(start(0), Equals, MsgStartAckOK)
	c.Assert(ns.CountersSnapshot().MigrateRxActive, Equals, int64(1))
}

func (s *testEngineSuite) TestEpochFencing(c *C) {
	exch := twoNodeExchange(nodeB)
	key := exch.ClusterKey()
	ns := newTestNamespace(4)
	ns.ApplyView(key, []core.NodeID{nodeB, nodeA}, nil, nil, nodeB)
	ns.InstallTarget(key, [][]core.NodeID{{nodeB}, {nodeB}, {nodeB}, {nodeB}}, 0, 0)

	store := newMemStore()
	transport := &captureTransport{}
	engine := NewEngine(testConfig(), nodeB, exch, store, transport, nil)
	defer engine.Close()

	engine.SubmitPlan(&Plan{Namespace: ns, Key: key, ExpectedRx: []uint32{0}})
	engine.HandleMigrateMsg(nodeA, &Msg{
		Type: MsgStart, Namespace: "test", Partition: 0, ClusterKey: key, Source: nodeA,
	})
	c.Assert(transport.last().Type, Equals, MsgStartAckOK)

	// The view advances; the planned session's key is now stale.
	exch.SetMembers(map[core.NodeID]exchange.NodeMeta{nodeB: {}})

	before := len(transport.sent)
	engine.HandleMigrateMsg(nodeA, &Msg{
		Type: MsgRecord, Namespace: "test", Partition: 0, ClusterKey: key, Source: nodeA,
		Seq: 1, Record: &Record{Key: []byte("k"), Generation: 1},
	})
	engine.HandleMigrateMsg(nodeA, &Msg{
		Type: MsgDone, Namespace: "test", Partition: 0, ClusterKey: key, Source: nodeA, Seq: 2,
	})

	// No apply, no commit, no acks: the stale session is abandoned.
	c.Assert(store.count(0), Equals, 0)
	c.Assert(len(transport.sent), Equals, before)
	c.Assert(ns.GetPartition(0).Owners, HasLen, 0)
}

func (s *testEngineSuite) TestDuplicateRecordSkipped(c *C) {
	exch := twoNodeExchange(nodeB)
	key := exch.ClusterKey()
	ns := newTestNamespace(4)
	ns.ApplyView(key, []core.NodeID{nodeB, nodeA}, nil, nil, nodeB)

	store := newMemStore()
	transport := &captureTransport{}
	engine := NewEngine(testConfig(), nodeB, exch, store, transport, nil)
	defer engine.Close()

	engine.SubmitPlan(&Plan{Namespace: ns, Key: key, ExpectedRx: []uint32{0}})
	engine.HandleMigrateMsg(nodeA, &Msg{
		Type: MsgStart, Namespace: "test", Partition: 0, ClusterKey: key, Source: nodeA,
	})

	rec := &Msg{
		Type: MsgRecord, Namespace: "test", Partition: 0, ClusterKey: key, Source: nodeA,
		Seq: 1, Record: &Record{Key: []byte("k"), Generation: 1, Value: []byte("v")},
	}
	engine.HandleMigrateMsg(nodeA, rec)
	engine.HandleMigrateMsg(nodeA, rec)

	snap := ns.CountersSnapshot()
	c.Assert(snap.RecordsReceived, Equals, int64(1))
	c.Assert(snap.RecordsSkipped, Equals, int64(1))
	c.Assert(store.count(0), Equals, 1)
	// Both deliveries were acked so the sender can make progress.
	c.Assert(transport.last().Type, Equals, MsgRecordAck)
}
