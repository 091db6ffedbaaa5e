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

package typeutil

import (
	"encoding/json"
	"testing"

	"github.com/BurntSushi/toml"
	. "github.com/pingcap/check"
)

func TestTypeUtil(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testDurationSuite{})

type testDurationSuite struct{}

type example struct {
	Interval Duration `json:"interval" toml:"interval"`
}

func (s *testDurationSuite) TestJSON(c *C) {
	in := &example{}

	text := []byte(`{"interval":"1h1m1s"}`)
	c.Assert(json.Unmarshal(text, in), IsNil)
	c.Assert(in.Interval.Seconds(), Equals, float64(60*60+60+1))

	b, err := json.Marshal(in)
	c.Assert(err, IsNil)
	out := &example{}
	c.Assert(json.Unmarshal(b, out), IsNil)
	c.Assert(out.Interval.Seconds(), Equals, in.Interval.Seconds())
}

func (s *testDurationSuite) TestTOML(c *C) {
	in := &example{}

	text := []byte(`interval = "1h1m1s"`)
	c.Assert(toml.Unmarshal(text, in), IsNil)
	c.Assert(in.Interval.Seconds(), Equals, float64(60*60+60+1))
}
