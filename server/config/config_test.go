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

package config

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinybalance/server/core"
	. "github.com/pingcap/check"
)

func TestConfig(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testConfigSuite{})

type testConfigSuite struct{}

func (s *testConfigSuite) TestDefaults(c *C) {
	cfg := NewConfig()
	err := cfg.Parse([]string{"-name", "n1"})
	c.Assert(err, IsNil)
	c.Assert(cfg.Name, Equals, "n1")
	c.Assert(cfg.DataDir, Equals, "default.n1")
	c.Assert(cfg.InfoAddr, Equals, defaultInfoAddr)
	c.Assert(cfg.Migration.Threads, Equals, defaultMigrateThreads)
	c.Assert(cfg.Migration.MaxIncoming, Equals, defaultMaxIncoming)
	c.Assert(cfg.Migration.RetransmitInterval.Duration, Equals, defaultRetransmitInterval)
	c.Assert(cfg.TickerInterval.Duration, Equals, defaultTickerInterval)
}

func (s *testConfigSuite) TestTOML(c *C) {
	content := `
name = "b1"
node-id = "a1"
rack-id = 2

[migration]
threads = 4
max-incoming = 8
fill-delay = "30s"
records-per-second = 5000

[[namespace]]
name = "test"
replication-factor = 3
strong-consistency = true

[[namespace]]
name = "bar"
partitions = 256
prefer-uniform-balance = true
stay-quiesced = true
`
	f, err := ioutil.TempFile("", "balance-config")
	c.Assert(err, IsNil)
	defer os.Remove(f.Name())
	_, err = f.WriteString(content)
	c.Assert(err, IsNil)
	c.Assert(f.Close(), IsNil)

	cfg := NewConfig()
	err = cfg.Parse([]string{"-config", f.Name()})
	c.Assert(err, IsNil)
	c.Assert(cfg.Name, Equals, "b1")
	c.Assert(cfg.LocalNodeID().String(), Equals, "a1")
	c.Assert(cfg.RackID, Equals, uint32(2))
	c.Assert(cfg.Migration.Threads, Equals, 4)
	c.Assert(cfg.Migration.MaxIncoming, Equals, 8)
	c.Assert(cfg.Migration.FillDelay.Duration, Equals, 30*time.Second)
	c.Assert(cfg.Migration.RecordsPerSecond, Equals, int64(5000))
	c.Assert(cfg.Namespaces, HasLen, 2)
	c.Assert(cfg.Namespaces[0].Partitions, Equals, defaultPartitions)
	c.Assert(cfg.Namespaces[0].ReplicationFactor, Equals, 3)
	c.Assert(cfg.Namespaces[0].StrongConsistency, Equals, true)
	c.Assert(cfg.Namespaces[1].Partitions, Equals, uint32(256))
	c.Assert(cfg.Namespaces[1].NamespaceOptions().PreferUniformBalance, Equals, true)
	c.Assert(cfg.Namespaces[1].NamespaceOptions().StayQuiesced, Equals, true)
}

func (s *testConfigSuite) TestFlagOverridesFile(c *C) {
	f, err := ioutil.TempFile("", "balance-config")
	c.Assert(err, IsNil)
	defer os.Remove(f.Name())
	_, err = f.WriteString(`name = "from-file"`)
	c.Assert(err, IsNil)
	c.Assert(f.Close(), IsNil)

	cfg := NewConfig()
	err = cfg.Parse([]string{"-config", f.Name(), "-name", "from-flag"})
	c.Assert(err, IsNil)
	c.Assert(cfg.Name, Equals, "from-flag")
}

func (s *testConfigSuite) TestRejects(c *C) {
	cfg := NewConfig()
	c.Assert(cfg.Adjust(nil), IsNil)

	bad := NewConfig()
	bad.NodeID = "zz"
	c.Assert(bad.Adjust(nil), NotNil)

	dup := NewConfig()
	dup.Namespaces = []NamespaceConfig{{Name: "a"}, {Name: "a"}}
	c.Assert(dup.Adjust(nil), NotNil)

	unnamed := NewConfig()
	unnamed.Namespaces = []NamespaceConfig{{}}
	c.Assert(unnamed.Adjust(nil), NotNil)
}

func (s *testConfigSuite) TestUndecodedItemRejected(c *C) {
	f, err := ioutil.TempFile("", "balance-config")
	c.Assert(err, IsNil)
	defer os.Remove(f.Name())
	_, err = f.WriteString(`no-such-key = true`)
	c.Assert(err, IsNil)
	c.Assert(f.Close(), IsNil)

	cfg := NewConfig()
	c.Assert(cfg.Parse([]string{"-config", f.Name()}), NotNil)
}

func (s *testConfigSuite) TestDerivedNodeID(c *C) {
	cfg := NewConfig()
	c.Assert(cfg.Parse([]string{"-name", "n1"}), IsNil)
	id := cfg.LocalNodeID()
	c.Assert(id, Not(Equals), core.ZeroNodeID)

	again := NewConfig()
	c.Assert(again.Parse([]string{"-name", "n1"}), IsNil)
	c.Assert(again.LocalNodeID(), Equals, id)
}
