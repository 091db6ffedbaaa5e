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
	"sort"
	"strconv"

	"github.com/dgryski/go-farm"
	"github.com/pkg/errors"
)

// NodeID identifies one cluster member. It is rendered as lowercase hex in
// the admin protocol and in logs.
type NodeID uint64

// ZeroNodeID is never a valid member id.
const ZeroNodeID NodeID = 0

// String implements fmt.Stringer.
func (n NodeID) String() string {
	return strconv.FormatUint(uint64(n), 16)
}

// ParseNodeID parses a hex node id string.
func ParseNodeID(s string) (NodeID, error) {
	if len(s) == 0 || len(s) > 16 {
		return ZeroNodeID, errors.Errorf("invalid node id %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil || v == 0 {
		return ZeroNodeID, errors.Errorf("invalid node id %q", s)
	}
	return NodeID(v), nil
}

// DeriveNodeID hashes a member name into a stable non-zero id, for members
// that do not configure one explicitly.
func DeriveNodeID(name string) NodeID {
	h := farm.Fingerprint64([]byte(name))
	if h == 0 {
		h = 1
	}
	return NodeID(h)
}

// SortNodes orders a succession list the way the membership exchange agrees
// on it: descending by id, so the principal is always element 0.
func SortNodes(nodes []NodeID) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] > nodes[j] })
}

// NodesEqual reports whether two node lists are identical, order included.
func NodesEqual(a, b []NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ContainsNode reports whether nodes contains id.
func ContainsNode(nodes []NodeID, id NodeID) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}

// ClusterKey is the opaque epoch token agreed by the membership exchange.
// It is totally ordered and advances exactly when the succession list (or an
// explicit reform) changes. Rendered as hex.
type ClusterKey uint64

// String implements fmt.Stringer.
func (k ClusterKey) String() string {
	return strconv.FormatUint(uint64(k), 16)
}
