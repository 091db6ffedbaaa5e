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

// Package server wires the control plane together: it subscribes to the
// membership exchange, runs the balancer on every view change, plans the
// local node's share of the resulting migrations, and serves the admin
// surface.
package server

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinybalance/server/appeal"
	"github.com/pingcap-incubator/tinybalance/server/balance"
	"github.com/pingcap-incubator/tinybalance/server/config"
	"github.com/pingcap-incubator/tinybalance/server/core"
	"github.com/pingcap-incubator/tinybalance/server/exchange"
	"github.com/pingcap-incubator/tinybalance/server/info"
	"github.com/pingcap-incubator/tinybalance/server/kv"
	"github.com/pingcap-incubator/tinybalance/server/migrate"
	"github.com/pingcap-incubator/tinybalance/server/statistics"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Server is one control plane member.
type Server struct {
	cfg   *config.Config
	id    core.NodeID
	start time.Time

	exchange *exchange.LocalExchange
	storage  *core.Storage
	kvBase   kv.Base

	namespaces map[string]*core.Namespace
	nsOrder    []string

	engine  *migrate.Engine
	appeals *appeal.Controller
	store   migrate.Store
	stats   *statistics.MigrationStats

	registry   *info.Registry
	infoServer *info.Server

	// mu orders rebalances against admin commands that read or stage
	// roster state across several namespace calls.
	mu sync.Mutex

	// succession as of the previously applied view, per namespace. A view
	// with an unchanged succession is a reform; staged rosters adopt then.
	lastSuccession map[string][]core.NodeID

	stickyQuiesced bool

	closeOnce sync.Once
	closed    chan struct{}
	tickerWG  sync.WaitGroup
}

// migrateStore adapts the record store to the appeal contract as well; the
// real store behind both is the data plane.
type migrateStore interface {
	migrate.Store
	Exonerate(pid uint32) error
}

// NewServer builds a server from configuration. The record store is the
// data plane's; the control plane only directs it.
func NewServer(cfg *config.Config, store migrateStore) (*Server, error) {
	if len(cfg.Namespaces) == 0 {
		return nil, errors.New("no namespaces configured")
	}

	base, err := kv.NewLeveldbKV(filepath.Join(cfg.DataDir, "meta"))
	if err != nil {
		return nil, err
	}
	return newServer(cfg, store, base)
}

// NewTestServer builds a server over the given metadata store, letting
// tests reuse one in-memory base across restarts.
func NewTestServer(cfg *config.Config, store migrateStore, base kv.Base) (*Server, error) {
	if base == nil {
		base = kv.NewMemoryKV()
	}
	return newServer(cfg, store, base)
}

func newServer(cfg *config.Config, store migrateStore, base kv.Base) (*Server, error) {
	s := &Server{
		cfg:            cfg,
		id:             cfg.LocalNodeID(),
		start:          time.Now(),
		exchange:       exchange.NewLocalExchange(cfg.LocalNodeID()),
		storage:        core.NewStorage(base),
		kvBase:         base,
		namespaces:     make(map[string]*core.Namespace, len(cfg.Namespaces)),
		store:          store,
		stats:          statistics.NewMigrationStats(),
		registry:       info.NewRegistry(),
		lastSuccession: make(map[string][]core.NodeID),
		closed:         make(chan struct{}),
	}

	for _, nc := range cfg.Namespaces {
		ns := core.NewNamespace(nc.NamespaceOptions())
		s.namespaces[nc.Name] = ns
		s.nsOrder = append(s.nsOrder, nc.Name)
		if err := s.restoreNamespace(ns); err != nil {
			return nil, err
		}
	}

	s.engine = migrate.NewEngine(migrate.Config{
		Threads:            cfg.Migration.Threads,
		MaxIncoming:        cfg.Migration.MaxIncoming,
		RetransmitInterval: cfg.Migration.RetransmitInterval.Duration,
		FillDelay:          cfg.Migration.FillDelay.Duration,
		RecordsPerSecond:   cfg.Migration.RecordsPerSecond,
	}, s.id, s.exchange, store, noopMigrateTransport{}, s.stats)
	s.appeals = appeal.NewController(appeal.Config{
		RetransmitInterval: cfg.Migration.AppealRetransmitInterval.Duration,
	}, s.id, s.exchange, store, noopAppealTransport{})

	s.registerCommands()
	s.registry.Freeze()
	s.infoServer = info.NewServer(s.registry)

	s.exchange.Subscribe(s.onView)
	return s, nil
}

// restoreNamespace reloads durable roster and quiesce state.
func (s *Server) restoreNamespace(ns *core.Namespace) error {
	name := ns.Name()
	active, err := s.storage.LoadActiveRoster(name)
	if err != nil {
		return err
	}
	if !active.IsEmpty() {
		ns.SetPendingRoster(active)
		ns.AdoptPendingRoster()
	}
	pending, err := s.storage.LoadPendingRoster(name)
	if err != nil {
		return err
	}
	if !pending.IsEmpty() {
		ns.SetPendingRoster(pending)
	}
	sticky, err := s.storage.LoadStickyQuiesce(name)
	if err != nil {
		return err
	}
	if sticky || ns.Options().StayQuiesced {
		s.stickyQuiesced = true
		ns.SetPendingQuiesce(true)
	}
	return nil
}

// SetMigrateTransport installs the fabric endpoint for migration traffic.
// It must be called before Start.
func (s *Server) SetMigrateTransport(t migrate.Transport) {
	s.engine.SetTransport(t)
}

// SetAppealTransport installs the fabric endpoint for appeal traffic.
func (s *Server) SetAppealTransport(t appeal.Transport) {
	s.appeals.SetTransport(t)
}

// Engine exposes the migration engine to the fabric dispatcher.
func (s *Server) Engine() *migrate.Engine { return s.engine }

// Appeals exposes the appeal controller to the fabric dispatcher.
func (s *Server) Appeals() *appeal.Controller { return s.appeals }

// Exchange exposes the membership exchange; the membership layer feeds
// perceived views in through it.
func (s *Server) Exchange() *exchange.LocalExchange { return s.exchange }

// NodeID returns this member's id.
func (s *Server) NodeID() core.NodeID { return s.id }

// Namespace looks a namespace up by name, nil when unknown.
func (s *Server) Namespace(name string) *core.Namespace {
	return s.namespaces[name]
}

// Start binds the admin listeners and starts the ticker.
func (s *Server) Start() error {
	if err := s.infoServer.Listen(s.cfg.InfoAddr); err != nil {
		return err
	}
	s.tickerWG.Add(1)
	go s.tickerLoop()
	log.Info("server started",
		zap.String("name", s.cfg.Name),
		zap.String("node-id", s.id.String()))
	return nil
}

// Close shuts the server down.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.tickerWG.Wait()
		s.infoServer.Close()
		s.appeals.Close()
		s.engine.Close()
		if closer, ok := s.kvBase.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				log.Error("meta store close failed", zap.Error(err))
			}
		}
		log.Info("server closed", zap.String("name", s.cfg.Name))
	})
}

// QuiescedNamespaces lists the namespaces this node wants quiescing in,
// for the membership layer to exchange. The pending flag is shared, not
// the effective one: every member applies the intent at the same
// rebalance, so no view ever mixes old and new master eligibility.
func (s *Server) QuiescedNamespaces() []string {
	var names []string
	for _, name := range s.nsOrder {
		if pending, _ := s.namespaces[name].QuiesceState(); pending {
			names = append(names, name)
		}
	}
	return names
}

// onView runs once per agreed view, in key order.
func (s *Server) onView(view exchange.View) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Info("rebalancing",
		zap.String("cluster-key", view.Key.String()),
		zap.Int("cluster-size", view.Size()))
	for _, name := range s.nsOrder {
		s.rebalanceNamespace(s.namespaces[name], view)
	}
}

// rebalanceNamespace applies one view to one namespace: adopt staged
// roster state when due, compute the target table, and plan this node's
// migrations and appeals.
func (s *Server) rebalanceNamespace(ns *core.Namespace, view exchange.View) {
	name := ns.Name()
	opts := ns.Options()

	ns.SetRebalancing(true)
	defer ns.SetRebalancing(false)

	ns.ApplyView(view.Key, view.Succession, view.RackIDs(), view.QuiescedIn(name), s.id)

	// A reform keeps the succession; that is the recluster signal staged
	// rosters wait for, unless the namespace adopts on any exchange.
	reform := core.NodesEqual(s.lastSuccession[name], view.Succession)
	s.lastSuccession[name] = append([]core.NodeID(nil), view.Succession...)
	if opts.AdoptRosterOnExchange || reform {
		if ns.AdoptPendingRoster() {
			if err := s.storage.SaveActiveRoster(name, ns.Roster()); err != nil {
				// Wrong ownership is worse than stopping.
				log.Fatal("persisting adopted roster failed",
					zap.String("namespace", name), zap.Error(err))
			}
			log.Info("pending roster adopted",
				zap.String("namespace", name),
				zap.String("roster", core.FormatRoster(ns.Roster())))
		}
	}

	snap := ns.Snapshot()
	res := balance.Compute(snap, opts)

	if s.exchange.ClusterKey() != view.Key {
		// The cluster moved on while balancing; a newer view is queued.
		balance.ReportResult(name, res, true)
		return
	}
	diverged := ns.InstallTarget(view.Key, res.Table, res.Unavailable, res.Dead)
	balance.ReportResult(name, res, false)
	log.Info("target table installed",
		zap.String("namespace", name),
		zap.String("cluster-key", view.Key.String()),
		zap.Int("diverged", diverged),
		zap.Int64("unavailable", res.Unavailable),
		zap.Int64("dead", res.Dead))

	plan, appealPlan := s.planMigrations(ns, view.Key, snap.Previous, res.Table)
	s.engine.SubmitPlan(plan)
	if opts.StrongConsistency {
		s.appeals.Submit(appealPlan)
	}
}

// planMigrations derives the local node's migration work from the old and
// new tables. The first surviving previous owner of a partition drives its
// transfers; everyone commits immediately when no data has to move.
func (s *Server) planMigrations(ns *core.Namespace, key core.ClusterKey, previous, target [][]core.NodeID) (*migrate.Plan, *appeal.Plan) {
	plan := &migrate.Plan{Namespace: ns, Key: key}
	appealPlan := &appeal.Plan{
		Namespace: ns,
		Key:       key,
		Masters:   make(map[uint32]core.NodeID),
	}
	succession := ns.Succession()

	for pid := uint32(0); pid < uint32(len(target)); pid++ {
		tgt := target[pid]
		if len(tgt) == 0 {
			continue
		}
		var prev []core.NodeID
		if int(pid) < len(previous) {
			prev = previous[pid]
		}

		if ns.Options().StrongConsistency && core.ContainsNode(tgt, s.id) && !s.store.Trusted(pid) {
			appealPlan.Masters[pid] = tgt[0]
		}

		source := firstSurvivor(prev, succession)
		if source == core.ZeroNodeID || sameMembers(prev, tgt) {
			// Nothing to move: bootstrap, lost data, or a pure reorder.
			ns.CommitOwnership(pid, key)
			continue
		}

		if core.ContainsNode(tgt, s.id) && !core.ContainsNode(prev, s.id) {
			plan.ExpectedRx = append(plan.ExpectedRx, pid)
		}
		if source != s.id {
			continue
		}

		for _, n := range tgt {
			if core.ContainsNode(prev, n) || n == s.id {
				continue
			}
			plan.Emigrations = append(plan.Emigrations, migrate.EmigrationItem{
				Partition: pid,
				Peer:      n,
				Lead:      n == tgt[0],
				Fill:      n != tgt[0],
			})
		}
		for _, n := range prev {
			if core.ContainsNode(tgt, n) || !core.ContainsNode(succession, n) {
				continue
			}
			plan.Signals = append(plan.Signals, migrate.SignalItem{Partition: pid, Peer: n})
		}
		if !core.ContainsNode(tgt, s.id) {
			// The source itself leaves; it drops last, after its transfers.
			plan.Signals = append(plan.Signals, migrate.SignalItem{Partition: pid, Peer: s.id})
		}
	}
	return plan, appealPlan
}

// firstSurvivor returns the first previous owner still in the succession,
// the node that holds the freshest full copy.
func firstSurvivor(prev, succession []core.NodeID) core.NodeID {
	for _, n := range prev {
		if core.ContainsNode(succession, n) {
			return n
		}
	}
	return core.ZeroNodeID
}

// sameMembers reports whether two owner lists hold the same nodes,
// ignoring order. A reorder moves no data.
func sameMembers(a, b []core.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for _, n := range a {
		if !core.ContainsNode(b, n) {
			return false
		}
	}
	return true
}

// InfoCommand dispatches one admin protocol request line, for the HTTP
// passthrough.
func (s *Server) InfoCommand(line string) string {
	return s.registry.Dispatch(line)
}

// Namespaces returns the configured namespace names in declaration order.
func (s *Server) Namespaces() []string {
	return append([]string(nil), s.nsOrder...)
}

// Name returns the configured member name.
func (s *Server) Name() string { return s.cfg.Name }

// StartTime returns when the server was created.
func (s *Server) StartTime() time.Time { return s.start }

// MigrationsRemaining sums the convergence counters over all namespaces.
func (s *Server) MigrationsRemaining() int64 {
	var total int64
	for _, name := range s.nsOrder {
		total += s.namespaces[name].CountersSnapshot().MigrationsRemaining()
	}
	return total
}

type noopMigrateTransport struct{}

func (noopMigrateTransport) Send(core.NodeID, *migrate.Msg) error { return nil }

type noopAppealTransport struct{}

func (noopAppealTransport) Send(core.NodeID, *appeal.Msg) error { return nil }
