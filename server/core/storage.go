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
	"path"
	"strconv"
	"strings"

	"github.com/pingcap-incubator/tinybalance/server/kv"
	"github.com/pkg/errors"
)

const (
	rosterPath  = "roster"
	quiescePath = "quiesce"

	// MaxRackID bounds operator-supplied rack ids.
	MaxRackID = 1000000
)

// Storage wraps all kv operations for durable cluster state, keep it
// stateless.
type Storage struct {
	kv.Base
}

// NewStorage creates Storage instance with Base.
func NewStorage(base kv.Base) *Storage {
	return &Storage{
		Base: base,
	}
}

func pendingRosterPath(namespace string) string {
	return path.Join(rosterPath, namespace, "pending")
}

func activeRosterPath(namespace string) string {
	return path.Join(rosterPath, namespace, "active")
}

func stickyQuiescePath(namespace string) string {
	return path.Join(quiescePath, namespace, "sticky")
}

// SavePendingRoster durably records a staged roster. Roster changes never
// retroactively rewrite history; only future balancing sees them.
func (s *Storage) SavePendingRoster(namespace string, r Roster) error {
	return s.Save(pendingRosterPath(namespace), FormatRoster(r))
}

// LoadPendingRoster reads back the staged roster, if any.
func (s *Storage) LoadPendingRoster(namespace string) (Roster, error) {
	return s.loadRoster(pendingRosterPath(namespace))
}

// SaveActiveRoster records a roster adoption.
func (s *Storage) SaveActiveRoster(namespace string, r Roster) error {
	return s.Save(activeRosterPath(namespace), FormatRoster(r))
}

// LoadActiveRoster reads back the adopted roster, if any.
func (s *Storage) LoadActiveRoster(namespace string) (Roster, error) {
	return s.loadRoster(activeRosterPath(namespace))
}

func (s *Storage) loadRoster(key string) (Roster, error) {
	value, err := s.Load(key)
	if err != nil || value == "" {
		return Roster{}, err
	}
	r, err := ParseRoster(value)
	if err != nil {
		// A roster we wrote ourselves failing to parse means the durable
		// state is corrupt; surface it, never continue on a guess.
		return Roster{}, errors.WithMessage(err, "corrupt roster record")
	}
	return r, nil
}

// SaveStickyQuiesce durably marks this node permanently quiesced for the
// namespace.
func (s *Storage) SaveStickyQuiesce(namespace string) error {
	return s.Save(stickyQuiescePath(namespace), "true")
}

// LoadStickyQuiesce reports whether a sticky quiesce marker exists.
func (s *Storage) LoadStickyQuiesce(namespace string) (bool, error) {
	value, err := s.Load(stickyQuiescePath(namespace))
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

// FormatRoster renders a roster in the admin protocol form:
// comma-separated hex node ids, ":rack" appended when the rack id is not 0.
func FormatRoster(r Roster) string {
	if r.IsEmpty() {
		return ""
	}
	parts := make([]string, 0, len(r.Nodes))
	for i, n := range r.Nodes {
		if r.Racks[i] != 0 {
			parts = append(parts, n.String()+":"+strconv.FormatUint(uint64(r.Racks[i]), 10))
		} else {
			parts = append(parts, n.String())
		}
	}
	return strings.Join(parts, ",")
}

// ParseRoster parses a nodes-string: comma-separated node-id[:rack-id]
// pairs, an absent rack-id meaning rack 0. The result is ordered like a
// succession list.
func ParseRoster(s string) (Roster, error) {
	if s == "" {
		return Roster{}, errors.New("empty nodes list")
	}
	racks := make(map[NodeID]uint32)
	nodes := make([]NodeID, 0, 8)
	for _, ele := range strings.Split(s, ",") {
		idStr, rackStr := ele, ""
		if i := strings.IndexByte(ele, ':'); i >= 0 {
			idStr, rackStr = ele[:i], ele[i+1:]
		}
		id, err := ParseNodeID(idStr)
		if err != nil {
			return Roster{}, err
		}
		if _, ok := racks[id]; ok {
			return Roster{}, errors.Errorf("duplicate node id %s", id)
		}
		var rack uint64
		if rackStr != "" {
			rack, err = strconv.ParseUint(rackStr, 10, 32)
			if err != nil || rack > MaxRackID {
				return Roster{}, errors.Errorf("invalid rack id %q", rackStr)
			}
		}
		racks[id] = uint32(rack)
		nodes = append(nodes, id)
	}
	SortNodes(nodes)
	r := Roster{Nodes: nodes, Racks: make([]uint32, len(nodes))}
	for i, n := range nodes {
		r.Racks[i] = racks[n]
	}
	return r, nil
}
