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
	"sort"
	"strconv"
	"strings"

	"github.com/pingcap-incubator/tinybalance/server/core"
	"github.com/pingcap-incubator/tinybalance/server/exchange"
	"github.com/pingcap-incubator/tinybalance/server/info"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func (s *Server) registerCommands() {
	commands := map[string]info.HandlerFunc{
		"roster":         s.handleRoster,
		"roster-set":     s.handleRosterSet,
		"racks":          s.handleRacks,
		"recluster":      s.handleRecluster,
		"quiesce":        s.handleQuiesce,
		"quiesce-undo":   s.handleQuiesceUndo,
		"revive":         s.handleRevive,
		"cluster-stable": s.handleClusterStable,
		"get-sl":         s.handleGetSuccession,
		"namespaces":     s.handleNamespaces,
	}
	for name, fn := range commands {
		s.registry.Register(name, counted(name, fn))
	}
}

// namespaceParam resolves the optional namespace parameter. A nil namespace
// with an empty response means the parameter was absent.
func (s *Server) namespaceParam(params info.Params) (*core.Namespace, string) {
	name, err := params.Get("namespace")
	if errors.Is(err, info.ErrMissing) {
		return nil, ""
	}
	if err != nil {
		return nil, "ERROR::bad-namespace"
	}
	ns := s.namespaces[name]
	if ns == nil {
		log.Warn("unknown namespace in admin command", zap.String("namespace", name))
		return nil, "ERROR::unknown-namespace"
	}
	return ns, ""
}

func rosterOrNull(r core.Roster) string {
	if r.IsEmpty() {
		return "null"
	}
	return core.FormatRoster(r)
}

func (s *Server) namespaceRosterInfo(ns *core.Namespace) string {
	observed := core.Roster{}
	succession := ns.Succession()
	rackIDs := ns.RackIDs()
	for _, n := range succession {
		observed.Nodes = append(observed.Nodes, n)
		observed.Racks = append(observed.Racks, rackIDs[n])
	}
	return "roster=" + rosterOrNull(ns.Roster()) +
		":pending_roster=" + rosterOrNull(ns.PendingRoster()) +
		":observed_nodes=" + rosterOrNull(observed)
}

func (s *Server) handleRoster(params info.Params) string {
	ns, errResp := s.namespaceParam(params)
	if errResp != "" {
		return errResp
	}
	if ns != nil {
		return s.namespaceRosterInfo(ns)
	}
	parts := make([]string, 0, len(s.nsOrder))
	for _, name := range s.nsOrder {
		parts = append(parts, "ns="+name+":"+s.namespaceRosterInfo(s.namespaces[name]))
	}
	return strings.Join(parts, ";")
}

func (s *Server) handleRosterSet(params info.Params) string {
	name, err := params.Get("namespace")
	if err != nil || name == "" {
		log.Warn("roster-set: missing or invalid namespace name")
		return "ERROR::namespace-name"
	}
	nodes, err := params.Get("nodes")
	if err != nil || nodes == "" {
		log.Warn("roster-set: invalid nodes", zap.String("namespace", name))
		return "ERROR::nodes"
	}
	ns := s.namespaces[name]
	if ns == nil {
		return "ERROR::unknown-namespace"
	}
	if !ns.Options().StrongConsistency {
		return "ERROR::not-strong-consistency"
	}
	roster, err := core.ParseRoster(nodes)
	if err != nil {
		log.Warn("roster-set: bad nodes list",
			zap.String("namespace", name), zap.Error(err))
		return "ERROR::nodes"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Durable first; a staged roster that survives only in memory could
	// silently vanish on restart.
	if err := s.storage.SavePendingRoster(name, roster); err != nil {
		log.Error("roster-set: persisting pending roster failed",
			zap.String("namespace", name), zap.Error(err))
		return "ERROR::nodes"
	}
	ns.SetPendingRoster(roster)
	log.Info("pending roster staged",
		zap.String("namespace", name),
		zap.String("roster", core.FormatRoster(roster)))
	return "ok"
}

// rackGroups renders "tag<id>=<node,...>" groups ordered by rack id.
func rackGroups(tag string, nodes []core.NodeID, rackOf func(core.NodeID) uint32) string {
	if len(nodes) == 0 {
		return ""
	}
	byRack := make(map[uint32][]core.NodeID)
	for _, n := range nodes {
		byRack[rackOf(n)] = append(byRack[rackOf(n)], n)
	}
	ids := make([]uint32, 0, len(byRack))
	for id := range byRack {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		members := make([]string, 0, len(byRack[id]))
		for _, n := range byRack[id] {
			members = append(members, n.String())
		}
		parts = append(parts, tag+strconv.FormatUint(uint64(id), 10)+"="+strings.Join(members, ","))
	}
	return strings.Join(parts, ":")
}

func (s *Server) namespaceRackInfo(ns *core.Namespace) string {
	rackIDs := ns.RackIDs()
	out := rackGroups("rack_", ns.Succession(), func(n core.NodeID) uint32 { return rackIDs[n] })
	roster := ns.Roster()
	if !roster.IsEmpty() {
		out += ":" + rackGroups("roster_rack_", roster.Nodes, roster.RackOf)
	}
	return out
}

func (s *Server) handleRacks(params info.Params) string {
	ns, errResp := s.namespaceParam(params)
	if errResp != "" {
		return errResp
	}
	if ns != nil {
		return s.namespaceRackInfo(ns)
	}
	parts := make([]string, 0, len(s.nsOrder))
	for _, name := range s.nsOrder {
		parts = append(parts, "ns="+name+":"+s.namespaceRackInfo(s.namespaces[name]))
	}
	return strings.Join(parts, ";")
}

func (s *Server) handleRecluster(info.Params) string {
	err := s.exchange.Reform()
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, exchange.ErrNotPrincipal):
		return "ignored-by-non-principal"
	default:
		log.Error("recluster failed", zap.Error(err))
		return "ERROR"
	}
}

func (s *Server) handleQuiesce(params info.Params) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stickyQuiesced {
		return "ERROR::permanently-quiesced"
	}
	sticky, err := params.GetBool("sticky")
	if err != nil && !errors.Is(err, info.ErrMissing) {
		return "ERROR::bad-sticky"
	}
	for _, name := range s.nsOrder {
		s.namespaces[name].SetPendingQuiesce(true)
		if sticky {
			if err := s.storage.SaveStickyQuiesce(name); err != nil {
				log.Error("persisting sticky quiesce failed",
					zap.String("namespace", name), zap.Error(err))
				return "ERROR"
			}
		}
	}
	if sticky {
		s.stickyQuiesced = true
	}
	log.Info("quiesced this node", zap.Bool("sticky", sticky))
	return "ok"
}

func (s *Server) handleQuiesceUndo(info.Params) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stickyQuiesced {
		return "ignored-permanently-quiesced"
	}
	for _, name := range s.nsOrder {
		s.namespaces[name].SetPendingQuiesce(false)
	}
	log.Info("un-quiesced this node")
	return "ok"
}

func (s *Server) handleRevive(params info.Params) string {
	ns, errResp := s.namespaceParam(params)
	if errResp != "" {
		return errResp
	}
	targets := s.nsOrder
	if ns != nil {
		targets = []string{ns.Name()}
	}
	for _, name := range targets {
		if !s.namespaces[name].Revive() {
			log.Warn("revive failed, recluster in progress",
				zap.String("namespace", name))
			return "ERROR::failed-revive"
		}
	}
	log.Info("revive complete, issue recluster to apply")
	return "ok"
}

// handleClusterStable answers only when the observed view is settled: the
// key is captured first and re-checked last so a concurrent membership
// change can never produce a stale stability token.
func (s *Server) handleClusterStable(params info.Params) string {
	beginKey := s.exchange.ClusterKey()

	size, err := params.GetUint("size")
	switch {
	case errors.Is(err, info.ErrMissing):
	case err != nil:
		return "ERROR::bad-size"
	case int(size) != s.exchange.View().Size():
		return "ERROR::cluster-not-specified-size"
	}

	ignoreMigrations, err := params.GetBool("ignore-migrations")
	if err != nil && !errors.Is(err, info.ErrMissing) {
		return "ERROR::bad-ignore-migrations"
	}

	ns, errResp := s.namespaceParam(params)
	if errResp != "" {
		return errResp
	}

	// Counters are mid-reset while a rebalance is in flight.
	if ns != nil {
		if ns.IsRebalancing() {
			return "ERROR::unstable-cluster"
		}
	} else {
		for _, name := range s.nsOrder {
			if s.namespaces[name].IsRebalancing() {
				return "ERROR::unstable-cluster"
			}
		}
	}

	// ignore-migrations waives in-flight transfers only; unavailable and
	// dead partitions, including copies still appealing, always count.
	if ns != nil {
		snap := ns.CountersSnapshot()
		if !ignoreMigrations && snap.MigrationsRemaining() != 0 {
			return "ERROR::unstable-cluster"
		}
		if snap.AppealsTxRemaining+snap.UnavailablePartitions+snap.DeadPartitions != 0 {
			return "ERROR::unstable-cluster"
		}
	} else {
		for _, name := range s.nsOrder {
			snap := s.namespaces[name].CountersSnapshot()
			if !ignoreMigrations && snap.MigrationsRemaining() != 0 {
				return "ERROR::unstable-cluster"
			}
			if snap.AppealsTxRemaining+snap.UnavailablePartitions+snap.DeadPartitions != 0 {
				return "ERROR::unstable-cluster"
			}
		}
	}

	if beginKey != s.exchange.ClusterKey() {
		return "ERROR::unstable-cluster"
	}
	return beginKey.String()
}

func (s *Server) handleGetSuccession(info.Params) string {
	succession := s.exchange.View().Succession
	parts := make([]string, 0, len(succession))
	for _, n := range succession {
		parts = append(parts, n.String())
	}
	return strings.Join(parts, ",")
}

func (s *Server) handleNamespaces(info.Params) string {
	return strings.Join(s.nsOrder, ";")
}
