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

package exchange

import (
	"testing"

	"github.com/pingcap-incubator/tinybalance/server/core"
	. "github.com/pingcap/check"
)

func TestExchange(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testExchangeSuite{})

type testExchangeSuite struct{}

func members(ids ...core.NodeID) map[core.NodeID]NodeMeta {
	m := make(map[core.NodeID]NodeMeta, len(ids))
	for _, id := range ids {
		m[id] = NodeMeta{}
	}
	return m
}

func (s *testExchangeSuite) TestKeyAdvancesOnMembershipChange(c *C) {
	e := NewLocalExchange(1)
	k0 := e.ClusterKey()

	e.SetMembers(members(1, 2, 3))
	k1 := e.ClusterKey()
	c.Assert(k1 > k0, IsTrue)
	c.Assert(e.View().Size(), Equals, 3)
	c.Assert(e.View().Principal(), Equals, core.NodeID(3))

	// Unchanged membership publishes nothing.
	e.SetMembers(members(3, 2, 1))
	c.Assert(e.ClusterKey(), Equals, k1)

	e.SetMembers(members(1, 2))
	c.Assert(e.ClusterKey() > k1, IsTrue)
}

func (s *testExchangeSuite) TestSubscribeOrder(c *C) {
	e := NewLocalExchange(1)

	var keys []core.ClusterKey
	e.Subscribe(func(v View) {
		keys = append(keys, v.Key)
	})

	e.SetMembers(members(1, 2))
	e.SetMembers(members(1, 2, 3))
	e.SetMembers(members(1))

	// The initial single-node view is replayed at Subscribe, then every
	// advance follows in key order.
	c.Assert(keys, HasLen, 4)
	for i := 1; i < len(keys); i++ {
		c.Assert(keys[i-1] < keys[i], IsTrue)
	}
}

func (s *testExchangeSuite) TestSubscribeReplaysCurrentView(c *C) {
	e := NewLocalExchange(1)

	// A subscriber that arrives after bootstrap still sees the standing
	// view; a single-node cluster never advances past it on its own.
	var got []View
	e.Subscribe(func(v View) {
		got = append(got, v)
	})
	c.Assert(got, HasLen, 1)
	c.Assert(got[0].Key, Equals, e.ClusterKey())
	c.Assert(got[0].Succession, DeepEquals, []core.NodeID{1})

	e.SetMembers(members(1))
	c.Assert(got, HasLen, 1)
}

func (s *testExchangeSuite) TestReform(c *C) {
	e := NewLocalExchange(1)
	e.SetMembers(members(1, 2, 3))
	c.Assert(e.Reform(), Equals, ErrNotPrincipal)

	principal := NewLocalExchange(3)
	principal.SetMembers(members(1, 2, 3))
	before := principal.ClusterKey()
	succession := principal.View().Succession

	c.Assert(principal.Reform(), IsNil)
	c.Assert(principal.ClusterKey() > before, IsTrue)
	c.Assert(principal.View().Succession, DeepEquals, succession)
}

func (s *testExchangeSuite) TestMetaChangePublishes(c *C) {
	e := NewLocalExchange(2)
	e.SetMembers(members(1, 2))
	before := e.ClusterKey()

	// A peer quiescing is a shared-metadata change; balancing must see it.
	e.SetMembers(map[core.NodeID]NodeMeta{
		1: {QuiescedNamespaces: []string{"test"}},
		2: {},
	})
	c.Assert(e.ClusterKey() > before, IsTrue)

	quiesced := e.View().QuiescedIn("test")
	_, ok := quiesced[core.NodeID(1)]
	c.Assert(ok, IsTrue)
	c.Assert(quiesced, HasLen, 1)
}
