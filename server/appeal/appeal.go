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

// Package appeal implements the strong-consistency appeal protocol. A node
// holding an untrusted partition copy, typically right after a revive or an
// unclean restart, appeals to the partition master. The master vouches for
// the copy and the appellant marks it trusted again. Appeals run before the
// partition's migrations and are fenced by the cluster key the same way
// migrations are.
package appeal

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinybalance/server/core"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// MsgType discriminates appeal messages on the fabric.
type MsgType int

const (
	MsgAppeal MsgType = iota
	MsgAppealAck
)

// Msg is one appeal protocol message.
type Msg struct {
	Type       MsgType
	Namespace  string
	Partition  uint32
	ClusterKey core.ClusterKey
	Source     core.NodeID
}

// Transport sends appeal messages to a peer.
type Transport interface {
	Send(to core.NodeID, msg *Msg) error
}

// Handler receives appeal messages from the fabric.
type Handler interface {
	HandleAppealMsg(from core.NodeID, msg *Msg)
}

// Store is the slice of the record store the appeal protocol needs.
type Store interface {
	// Trusted reports whether the local copy of the partition is trusted.
	Trusted(pid uint32) bool
	// Exonerate marks the local copy trusted after the master vouched.
	Exonerate(pid uint32) error
}

// Config holds appeal tunables.
type Config struct {
	RetransmitInterval time.Duration
}

// Plan lists the partitions a rebalance found untrusted, with the master
// each one must appeal to.
type Plan struct {
	Namespace *core.Namespace
	Key       core.ClusterKey
	Masters   map[uint32]core.NodeID
}

type planState struct {
	key     core.ClusterKey
	ns      *core.Namespace
	pending map[uint32]core.NodeID
	active  map[uint32]struct{}
}

// Controller drives outbound appeals and answers inbound ones.
type Controller struct {
	cfg       Config
	local     core.NodeID
	exchange  interface{ ClusterKey() core.ClusterKey }
	store     Store
	transport Transport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	plans  map[string]*planState
	notify chan struct{}
}

// NewController creates and starts a controller.
func NewController(cfg Config, local core.NodeID, exch interface{ ClusterKey() core.ClusterKey }, store Store, transport Transport) *Controller {
	if cfg.RetransmitInterval <= 0 {
		cfg.RetransmitInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:       cfg,
		local:     local,
		exchange:  exch,
		store:     store,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		plans:     make(map[string]*planState),
		notify:    make(chan struct{}, 1),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// SetTransport swaps the fabric endpoint. It must be called before the
// first plan is submitted.
func (c *Controller) SetTransport(t Transport) {
	c.transport = t
}

// Close stops the controller.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// Submit installs the appeal work for one namespace under one cluster key,
// replacing whatever an earlier key left behind. Partitions the store
// already trusts are filtered out here.
func (c *Controller) Submit(plan *Plan) {
	name := plan.Namespace.Name()
	cnt := plan.Namespace.Counters()

	pending := make(map[uint32]core.NodeID)
	for pid, master := range plan.Masters {
		if master == c.local || c.store.Trusted(pid) {
			continue
		}
		pending[pid] = master
		// An unresolved appeal keeps the partition unavailable.
		plan.Namespace.MarkAppealing(pid, plan.Key)
	}

	c.mu.Lock()
	c.plans[name] = &planState{
		key:     plan.Key,
		ns:      plan.Namespace,
		pending: pending,
		active:  make(map[uint32]struct{}),
	}
	c.mu.Unlock()

	cnt.AppealsTxRemaining.Store(int64(len(pending)))
	cnt.AppealsTxActive.Store(0)
	if len(pending) > 0 {
		log.Info("appeals submitted",
			zap.String("namespace", name),
			zap.String("cluster-key", plan.Key.String()),
			zap.Int("partitions", len(pending)))
	}
	c.kick()
}

// Done reports whether the namespace has no outstanding appeals.
func (c *Controller) Done(namespace string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.plans[namespace]
	return ps == nil || len(ps.pending) == 0
}

func (c *Controller) kick() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// run retransmits pending appeals until each is acked or its key goes
// stale. Appeals are tiny, so one loop covers every namespace.
func (c *Controller) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RetransmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.notify:
		case <-ticker.C:
		}
		c.sweep()
	}
}

func (c *Controller) sweep() {
	current := c.exchange.ClusterKey()

	c.mu.Lock()
	type send struct {
		to  core.NodeID
		msg *Msg
	}
	var sends []send
	for name, ps := range c.plans {
		if ps.key != current {
			c.dropLocked(name, ps)
			continue
		}
		for pid, master := range ps.pending {
			if _, ok := ps.active[pid]; !ok {
				ps.active[pid] = struct{}{}
				ps.ns.Counters().AppealsTxActive.Inc()
			}
			sends = append(sends, send{to: master, msg: &Msg{
				Type:       MsgAppeal,
				Namespace:  name,
				Partition:  pid,
				ClusterKey: ps.key,
				Source:     c.local,
			}})
		}
	}
	c.mu.Unlock()

	for _, s := range sends {
		if err := c.transport.Send(s.to, s.msg); err != nil {
			log.Debug("appeal send failed",
				zap.String("node", s.to.String()), zap.Error(err))
		}
	}
}

func (c *Controller) dropLocked(name string, ps *planState) {
	cnt := ps.ns.Counters()
	cnt.AppealsTxRemaining.Store(0)
	cnt.AppealsTxActive.Store(0)
	delete(c.plans, name)
	if len(ps.pending) > 0 {
		log.Info("appeals dropped on stale cluster key",
			zap.String("namespace", name),
			zap.Int("partitions", len(ps.pending)))
	}
}

// HandleAppealMsg implements Handler.
func (c *Controller) HandleAppealMsg(from core.NodeID, msg *Msg) {
	switch msg.Type {
	case MsgAppeal:
		c.handleAppeal(from, msg)
	case MsgAppealAck:
		c.handleAck(from, msg)
	default:
		log.Warn("unknown appeal message", zap.Int("type", int(msg.Type)))
	}
}

// handleAppeal is the master side. Vouching is unconditional once the key
// matches: a master's copy is authoritative by definition.
func (c *Controller) handleAppeal(from core.NodeID, msg *Msg) {
	if msg.ClusterKey != c.exchange.ClusterKey() {
		return
	}

	c.mu.Lock()
	ps := c.plans[msg.Namespace]
	var cnt *core.Counters
	if ps != nil && ps.key == msg.ClusterKey {
		cnt = ps.ns.Counters()
	}
	c.mu.Unlock()

	if cnt != nil {
		cnt.AppealsRxActive.Inc()
		defer cnt.AppealsRxActive.Dec()
	}
	appealCounter.WithLabelValues(msg.Namespace, "vouched").Inc()

	ack := &Msg{
		Type:       MsgAppealAck,
		Namespace:  msg.Namespace,
		Partition:  msg.Partition,
		ClusterKey: msg.ClusterKey,
		Source:     c.local,
	}
	if err := c.transport.Send(from, ack); err != nil {
		log.Debug("appeal ack send failed", zap.Error(err))
	}
}

func (c *Controller) handleAck(from core.NodeID, msg *Msg) {
	if msg.ClusterKey != c.exchange.ClusterKey() {
		return
	}

	c.mu.Lock()
	ps := c.plans[msg.Namespace]
	if ps == nil || ps.key != msg.ClusterKey {
		c.mu.Unlock()
		return
	}
	master, pending := ps.pending[msg.Partition]
	if !pending || master != from {
		c.mu.Unlock()
		return
	}
	delete(ps.pending, msg.Partition)
	_, wasActive := ps.active[msg.Partition]
	delete(ps.active, msg.Partition)
	cnt := ps.ns.Counters()
	c.mu.Unlock()

	if err := c.store.Exonerate(msg.Partition); err != nil {
		log.Error("exonerate failed",
			zap.String("namespace", msg.Namespace),
			zap.Uint32("partition", msg.Partition),
			zap.Error(err))
		// Put the appeal back; the sweep retries it.
		c.mu.Lock()
		if cur := c.plans[msg.Namespace]; cur == ps && cur.key == msg.ClusterKey {
			ps.pending[msg.Partition] = master
			if wasActive {
				ps.active[msg.Partition] = struct{}{}
			}
		}
		c.mu.Unlock()
		return
	}
	cnt.AppealsTxRemaining.Dec()
	if wasActive {
		cnt.AppealsTxActive.Dec()
	}
	ps.ns.ClearAppealing(msg.Partition, msg.ClusterKey)
	appealCounter.WithLabelValues(msg.Namespace, "exonerated").Inc()
}
