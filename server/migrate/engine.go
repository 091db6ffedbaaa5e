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

// Package migrate drives the record transfers that realize a new ownership
// assignment. Sessions are planned per (partition, peer) under one cluster
// key and fenced against it before every commit: a session whose key no
// longer matches the live key is abandoned, never rolled back.
package migrate

import (
	"context"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/pingcap-incubator/tinybalance/pkg/logutil"
	"github.com/pingcap-incubator/tinybalance/server/core"
	"github.com/pingcap-incubator/tinybalance/server/exchange"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const idleCheckInterval = 100 * time.Millisecond

// Config bounds the engine's resource usage.
type Config struct {
	// Threads is the outbound worker pool size.
	Threads int
	// MaxIncoming caps concurrently active inbound migrations; excess
	// Start requests get EAGAIN and stay planned on the sender.
	MaxIncoming int
	// RetransmitInterval is how long to wait for an ack before resending.
	RetransmitInterval time.Duration
	// FillDelay defers transfers that fill brand-new replicas.
	FillDelay time.Duration
	// RecordsPerSecond throttles outbound records; 0 means unthrottled.
	RecordsPerSecond int64
}

// Observer is notified of completed sessions, for duration statistics.
type Observer interface {
	SessionDone(namespace string, elapsed time.Duration)
}

type planState struct {
	key core.ClusterKey
	ns  *core.Namespace
	// pendingTx counts outstanding emigrations per partition; ownership
	// commits and drop signals wait for it to reach zero.
	pendingTx map[uint32]int
	// pendingSignals holds drop-signal sessions until their partition's
	// emigrations complete.
	pendingSignals map[uint32][]*emigration
	// expectedRx marks partitions still awaiting an immigration; an entry
	// is removed when its Done commits.
	expectedRx map[uint32]struct{}
}

// Engine is the per-node migration engine.
type Engine struct {
	cfg       Config
	local     core.NodeID
	exchange  exchange.Exchange
	store     Store
	transport Transport
	observer  Observer

	bucket *ratelimit.Bucket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	notify chan struct{}

	mu           sync.Mutex
	plans        map[string]*planState
	queue        []*emigration
	emigrations  map[sessionKey]*emigration
	immigrations map[sessionKey]*immigration

	incomingActive atomic.Int64
}

// NewEngine starts the worker pool. The observer may be nil.
func NewEngine(cfg Config, local core.NodeID, exch exchange.Exchange, store Store, transport Transport, observer Observer) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:          cfg,
		local:        local,
		exchange:     exch,
		store:        store,
		transport:    transport,
		observer:     observer,
		ctx:          ctx,
		cancel:       cancel,
		notify:       make(chan struct{}, 1),
		plans:        make(map[string]*planState),
		emigrations:  make(map[sessionKey]*emigration),
		immigrations: make(map[sessionKey]*immigration),
	}
	if cfg.RecordsPerSecond > 0 {
		e.bucket = ratelimit.NewBucketWithRate(float64(cfg.RecordsPerSecond), cfg.RecordsPerSecond)
	}
	for i := 0; i < cfg.Threads; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// SetTransport swaps the fabric endpoint. It must be called before the
// first plan is submitted; the dispatcher needs the engine to exist first.
func (e *Engine) SetTransport(t Transport) {
	e.transport = t
}

// Close stops the workers and waits for them.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// SubmitPlan installs the work of one rebalance for a namespace, replacing
// whatever plan preceded it. Counters are reset to the new plan's totals;
// sessions from older keys fence themselves out.
func (e *Engine) SubmitPlan(plan *Plan) {
	ns := plan.Namespace
	cnt := ns.Counters()
	opts := ns.Options()

	e.mu.Lock()
	e.dropStaleLocked(ns.Name(), plan.Key)

	ps := &planState{
		key:            plan.Key,
		ns:             ns,
		pendingTx:      make(map[uint32]int),
		pendingSignals: make(map[uint32][]*emigration),
		expectedRx:     make(map[uint32]struct{}, len(plan.ExpectedRx)),
	}
	for _, item := range plan.Emigrations {
		em := &emigration{
			key:        sessionKey{namespace: ns.Name(), partition: item.Partition, peer: item.Peer},
			ns:         ns,
			pid:        item.Partition,
			peer:       item.Peer,
			clusterKey: plan.Key,
			lead:       item.Lead,
			fill:       item.Fill,
			order:      opts.MigrateOrder,
			state:      statePlanned,
			acks:       make(chan *Msg, 8),
		}
		if item.Fill && e.cfg.FillDelay > 0 {
			em.eligibleAt = time.Now().Add(e.cfg.FillDelay)
		}
		ps.pendingTx[item.Partition]++
		e.emigrations[em.key] = em
		e.queue = append(e.queue, em)
	}
	for _, sig := range plan.Signals {
		em := &emigration{
			key:        sessionKey{namespace: ns.Name(), partition: sig.Partition, peer: sig.Peer},
			ns:         ns,
			pid:        sig.Partition,
			peer:       sig.Peer,
			clusterKey: plan.Key,
			order:      opts.MigrateOrder,
			signal:     true,
			state:      statePlanned,
			acks:       make(chan *Msg, 8),
		}
		ps.pendingSignals[sig.Partition] = append(ps.pendingSignals[sig.Partition], em)
	}
	for _, pid := range plan.ExpectedRx {
		ps.expectedRx[pid] = struct{}{}
	}
	// Partitions with nothing to transmit release their signals at once.
	for pid := range ps.pendingSignals {
		if ps.pendingTx[pid] == 0 {
			e.releaseSignalsLocked(ps, pid)
		}
	}
	e.plans[ns.Name()] = ps

	cnt.MigrateTxInitial.Store(int64(len(plan.Emigrations)))
	cnt.MigrateTxRemaining.Store(int64(len(plan.Emigrations)))
	cnt.MigrateTxActive.Store(0)
	cnt.MigrateRxInitial.Store(int64(len(plan.ExpectedRx)))
	cnt.MigrateRxRemaining.Store(int64(len(plan.ExpectedRx)))
	cnt.MigrateRxActive.Store(0)
	cnt.SignalsRemaining.Store(int64(len(plan.Signals)))
	cnt.SignalsActive.Store(0)
	e.mu.Unlock()

	log.Info("migration plan submitted",
		zap.String("namespace", ns.Name()),
		zap.String("cluster-key", plan.Key.String()),
		zap.Int("emigrations", len(plan.Emigrations)),
		zap.Int("immigrations", len(plan.ExpectedRx)),
		zap.Int("signals", len(plan.Signals)))
	e.wake()
}

// dropStaleLocked discards queued and tracked sessions of older keys for
// one namespace. Active sessions abort at their next fence check; the
// bookkeeping they would touch is replaced here, so their decrements are
// guarded no-ops.
func (e *Engine) dropStaleLocked(namespace string, key core.ClusterKey) {
	kept := e.queue[:0]
	for _, em := range e.queue {
		if em.key.namespace == namespace && em.clusterKey != key {
			em.state = stateAborted
			delete(e.emigrations, em.key)
			sessionAbortCounter.WithLabelValues(namespace, "tx").Inc()
			continue
		}
		kept = append(kept, em)
	}
	e.queue = kept
	for k, em := range e.emigrations {
		if k.namespace == namespace && em.clusterKey != key {
			delete(e.emigrations, k)
		}
	}
	for k, im := range e.immigrations {
		if k.namespace == namespace && im.clusterKey != key {
			delete(e.immigrations, k)
			e.incomingActive.Dec()
			sessionAbortCounter.WithLabelValues(namespace, "rx").Inc()
		}
	}
}

func (e *Engine) releaseSignalsLocked(ps *planState, pid uint32) {
	for _, em := range ps.pendingSignals[pid] {
		e.emigrations[em.key] = em
		e.queue = append(e.queue, em)
	}
	delete(ps.pendingSignals, pid)
}

func (e *Engine) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) worker() {
	defer logutil.LogPanic()
	defer e.wg.Done()
	for {
		em := e.next()
		if em == nil {
			return
		}
		if em.signal {
			e.runSignal(em)
		} else {
			e.runEmigration(em)
		}
	}
}

// next pops the best eligible session, or blocks until one appears.
func (e *Engine) next() *emigration {
	for {
		e.mu.Lock()
		best := -1
		for i, em := range e.queue {
			if time.Now().Before(em.eligibleAt) {
				continue
			}
			if best < 0 || em.less(e.queue[best]) {
				best = i
			}
		}
		if best >= 0 {
			em := e.queue[best]
			e.queue = append(e.queue[:best], e.queue[best+1:]...)
			e.mu.Unlock()
			return em
		}
		e.mu.Unlock()

		select {
		case <-e.ctx.Done():
			return nil
		case <-e.notify:
		case <-time.After(idleCheckInterval):
		}
	}
}

// stale reports whether the session's key lost to the live key.
func (e *Engine) stale(em *emigration) bool {
	return e.exchange.ClusterKey() != em.clusterKey
}

// markActive transitions planned to active under the plan guard, so a
// session superseded by a newer plan never touches the fresh counters.
func (e *Engine) markActive(em *emigration, gauge *atomic.Int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps := e.plans[em.key.namespace]
	if ps == nil || ps.key != em.clusterKey || e.exchange.ClusterKey() != em.clusterKey {
		delete(e.emigrations, em.key)
		em.state = stateAborted
		return false
	}
	em.state = stateActive
	em.started = time.Now()
	gauge.Inc()
	return true
}

// unmarkActive reverses markActive without completing, for EAGAIN retries.
func (e *Engine) unmarkActive(em *emigration, gauge *atomic.Int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ps := e.plans[em.key.namespace]; ps != nil && ps.key == em.clusterKey {
		gauge.Dec()
	}
	em.state = statePlanned
}

// abortActive abandons an active session after its key went stale. Only
// the active gauge is rolled back; remaining counters are recomputed by
// the next plan.
func (e *Engine) abortActive(em *emigration, gauge *atomic.Int64, direction string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ps := e.plans[em.key.namespace]; ps != nil && ps.key == em.clusterKey {
		gauge.Dec()
	}
	delete(e.emigrations, em.key)
	em.state = stateAborted
	sessionAbortCounter.WithLabelValues(em.key.namespace, direction).Inc()
}

func (e *Engine) requeue(em *emigration, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ps := e.plans[em.key.namespace]; ps == nil || ps.key != em.clusterKey {
		delete(e.emigrations, em.key)
		em.state = stateAborted
		return
	}
	em.eligibleAt = time.Now().Add(delay)
	e.queue = append(e.queue, em)
}

type handshakeResult int

const (
	handshakeOK handshakeResult = iota
	handshakeEagain
	handshakeAborted
)

func (e *Engine) runEmigration(em *emigration) {
	cnt := em.ns.Counters()
	if !e.markActive(em, &cnt.MigrateTxActive) {
		return
	}

	switch e.startHandshake(em) {
	case handshakeEagain:
		e.unmarkActive(em, &cnt.MigrateTxActive)
		e.requeue(em, e.cfg.RetransmitInterval)
		return
	case handshakeAborted:
		e.abortActive(em, &cnt.MigrateTxActive, "tx")
		return
	}

	records, err := e.store.Records(em.pid)
	if err != nil {
		log.Error("record scan failed",
			zap.String("namespace", em.key.namespace),
			zap.Uint32("partition", em.pid),
			zap.Error(err))
		e.unmarkActive(em, &cnt.MigrateTxActive)
		e.requeue(em, e.cfg.RetransmitInterval)
		return
	}

	for i := range records {
		if e.bucket != nil {
			e.bucket.Wait(1)
		}
		msg := &Msg{
			Type:       MsgRecord,
			Namespace:  em.key.namespace,
			Partition:  em.pid,
			ClusterKey: em.clusterKey,
			Source:     e.local,
			Seq:        uint64(i) + 1,
			Record:     &records[i],
		}
		if !e.sendReliable(em, msg, MsgRecordAck) {
			e.abortActive(em, &cnt.MigrateTxActive, "tx")
			return
		}
		cnt.RecordsTransmitted.Inc()
		recordCounter.WithLabelValues(em.key.namespace, "transmitted").Inc()
	}

	done := &Msg{
		Type:       MsgDone,
		Namespace:  em.key.namespace,
		Partition:  em.pid,
		ClusterKey: em.clusterKey,
		Source:     e.local,
		Seq:        uint64(len(records)) + 1,
	}
	if !e.sendReliable(em, done, MsgDoneAck) {
		e.abortActive(em, &cnt.MigrateTxActive, "tx")
		return
	}
	e.completeEmigration(em)
}

// completeEmigration commits one finished transfer: remaining counters
// decrement, and once the partition's last emigration lands its ownership
// is realized and any drop signals are released.
func (e *Engine) completeEmigration(em *emigration) {
	cnt := em.ns.Counters()

	e.mu.Lock()
	delete(e.emigrations, em.key)
	em.state = stateDone
	ps := e.plans[em.key.namespace]
	if ps == nil || ps.key != em.clusterKey {
		e.mu.Unlock()
		return
	}
	cnt.MigrateTxActive.Dec()
	cnt.MigrateTxRemaining.Dec()
	commit := false
	if ps.pendingTx[em.pid]--; ps.pendingTx[em.pid] == 0 {
		delete(ps.pendingTx, em.pid)
		commit = true
		e.releaseSignalsLocked(ps, em.pid)
	}
	e.mu.Unlock()

	if commit {
		em.ns.CommitOwnership(em.pid, em.clusterKey)
		e.wake()
	}
	if e.observer != nil {
		e.observer.SessionDone(em.key.namespace, time.Since(em.started))
	}
}

func (e *Engine) runSignal(em *emigration) {
	cnt := em.ns.Counters()
	if !e.markActive(em, &cnt.SignalsActive) {
		return
	}

	if em.peer == e.local {
		// The master itself leaves the owner set; drop locally.
		if err := e.store.Drop(em.pid); err != nil {
			log.Error("partition drop failed",
				zap.String("namespace", em.key.namespace),
				zap.Uint32("partition", em.pid),
				zap.Error(err))
		}
	} else {
		msg := &Msg{
			Type:       MsgSignalDone,
			Namespace:  em.key.namespace,
			Partition:  em.pid,
			ClusterKey: em.clusterKey,
			Source:     e.local,
			Seq:        1,
		}
		if !e.sendReliable(em, msg, MsgSignalDoneAck) {
			e.abortActive(em, &cnt.SignalsActive, "signal")
			return
		}
	}

	e.mu.Lock()
	delete(e.emigrations, em.key)
	em.state = stateDone
	if ps := e.plans[em.key.namespace]; ps != nil && ps.key == em.clusterKey {
		cnt.SignalsActive.Dec()
		cnt.SignalsRemaining.Dec()
	}
	e.mu.Unlock()
}

// startHandshake asks the peer to accept an inbound session. EAGAIN means
// the peer is at capacity or has not planned this key yet; that is
// backpressure, not an error.
func (e *Engine) startHandshake(em *emigration) handshakeResult {
	msg := &Msg{
		Type:       MsgStart,
		Namespace:  em.key.namespace,
		Partition:  em.pid,
		ClusterKey: em.clusterKey,
		Source:     e.local,
	}
	for {
		if e.stale(em) {
			return handshakeAborted
		}
		if err := e.transport.Send(em.peer, msg); err != nil {
			log.Debug("start send failed", zap.Error(err))
		}
		timer := time.NewTimer(e.cfg.RetransmitInterval)
	waitAck:
		for {
			select {
			case <-e.ctx.Done():
				timer.Stop()
				return handshakeAborted
			case ack := <-em.acks:
				switch ack.Type {
				case MsgStartAckOK:
					timer.Stop()
					return handshakeOK
				case MsgStartAckEagain:
					timer.Stop()
					return handshakeEagain
				default:
					// A late ack from an earlier attempt; keep waiting.
				}
			case <-timer.C:
				break waitAck
			}
		}
	}
}

// sendReliable delivers one message with retransmit-on-timeout. It only
// gives up when the session key goes stale or the engine shuts down;
// retransmission itself is unbounded.
func (e *Engine) sendReliable(em *emigration, msg *Msg, want MsgType) bool {
	first := true
	for {
		if e.stale(em) {
			return false
		}
		if err := e.transport.Send(em.peer, msg); err != nil {
			log.Debug("migrate send failed",
				zap.String("type", msg.Type.String()),
				zap.Error(err))
		}
		if !first && msg.Type == MsgRecord {
			em.ns.Counters().RecordRetransmits.Inc()
			recordCounter.WithLabelValues(em.key.namespace, "retransmitted").Inc()
		}
		first = false
		timer := time.NewTimer(e.cfg.RetransmitInterval)
	waitAck:
		for {
			select {
			case <-e.ctx.Done():
				timer.Stop()
				return false
			case ack := <-em.acks:
				if ack.Type == want && ack.Seq == msg.Seq {
					timer.Stop()
					return true
				}
				// Stale or mismatched ack; ignore.
			case <-timer.C:
				break waitAck
			}
		}
	}
}

// HandleMigrateMsg is the fabric entry point for inbound messages. Acks
// route to their emigration session; Start/Record/Done drive the receive
// side; SignalDone drops a partition this node no longer owns.
func (e *Engine) HandleMigrateMsg(from core.NodeID, msg *Msg) {
	switch msg.Type {
	case MsgStartAckOK, MsgStartAckEagain, MsgRecordAck, MsgDoneAck, MsgSignalDoneAck:
		e.routeAck(from, msg)
	case MsgStart:
		e.handleStart(from, msg)
	case MsgRecord:
		e.handleRecord(from, msg)
	case MsgDone:
		e.handleDone(from, msg)
	case MsgSignalDone:
		e.handleSignal(from, msg)
	default:
		log.Warn("unknown migrate message", zap.Int("type", int(msg.Type)))
	}
}

func (e *Engine) routeAck(from core.NodeID, msg *Msg) {
	k := sessionKey{namespace: msg.Namespace, partition: msg.Partition, peer: from}
	e.mu.Lock()
	em := e.emigrations[k]
	e.mu.Unlock()
	if em == nil {
		return
	}
	select {
	case em.acks <- msg:
	default:
		// Ack channel full; the retransmit loop will recover.
	}
}

func (e *Engine) reply(to core.NodeID, req *Msg, t MsgType) {
	ack := &Msg{
		Type:       t,
		Namespace:  req.Namespace,
		Partition:  req.Partition,
		ClusterKey: req.ClusterKey,
		Source:     e.local,
		Seq:        req.Seq,
	}
	if err := e.transport.Send(to, ack); err != nil {
		log.Debug("migrate ack send failed", zap.Error(err))
	}
}

func (e *Engine) handleStart(from core.NodeID, msg *Msg) {
	if msg.ClusterKey != e.exchange.ClusterKey() {
		// Stale start; the sender fences itself.
		return
	}
	k := sessionKey{namespace: msg.Namespace, partition: msg.Partition, peer: from}

	e.mu.Lock()
	ps := e.plans[msg.Namespace]
	if ps == nil || ps.key != msg.ClusterKey {
		// This key's plan has not arrived yet; ask the sender to retry.
		e.mu.Unlock()
		e.reply(from, msg, MsgStartAckEagain)
		return
	}
	if _, exists := e.immigrations[k]; !exists {
		if int(e.incomingActive.Load()) >= e.cfg.MaxIncoming {
			e.mu.Unlock()
			e.reply(from, msg, MsgStartAckEagain)
			return
		}
		e.immigrations[k] = &immigration{
			key:        k,
			ns:         ps.ns,
			pid:        msg.Partition,
			peer:       from,
			clusterKey: msg.ClusterKey,
			started:    time.Now(),
		}
		e.incomingActive.Inc()
		ps.ns.Counters().MigrateRxActive.Inc()
	}
	e.mu.Unlock()
	e.reply(from, msg, MsgStartAckOK)
}

func (e *Engine) handleRecord(from core.NodeID, msg *Msg) {
	k := sessionKey{namespace: msg.Namespace, partition: msg.Partition, peer: from}
	e.mu.Lock()
	im := e.immigrations[k]
	live := im != nil && im.clusterKey == msg.ClusterKey &&
		e.exchange.ClusterKey() == msg.ClusterKey
	e.mu.Unlock()
	if !live || msg.Record == nil {
		// No ack; a sender that is not stale will retransmit.
		return
	}

	applied, err := e.store.Apply(msg.Partition, *msg.Record)
	if err != nil {
		log.Error("record apply failed",
			zap.String("namespace", msg.Namespace),
			zap.Uint32("partition", msg.Partition),
			zap.Error(err))
		return
	}
	cnt := im.ns.Counters()
	if applied {
		cnt.RecordsReceived.Inc()
		recordCounter.WithLabelValues(msg.Namespace, "received").Inc()
	} else {
		cnt.RecordsSkipped.Inc()
		recordCounter.WithLabelValues(msg.Namespace, "skipped").Inc()
	}
	e.reply(from, msg, MsgRecordAck)
}

func (e *Engine) handleDone(from core.NodeID, msg *Msg) {
	if msg.ClusterKey != e.exchange.ClusterKey() {
		return
	}
	k := sessionKey{namespace: msg.Namespace, partition: msg.Partition, peer: from}

	e.mu.Lock()
	im := e.immigrations[k]
	if im != nil && im.clusterKey == msg.ClusterKey {
		cnt := im.ns.Counters()
		if ps := e.plans[msg.Namespace]; ps != nil && ps.key == msg.ClusterKey {
			cnt.MigrateRxActive.Dec()
			if _, expected := ps.expectedRx[msg.Partition]; expected {
				delete(ps.expectedRx, msg.Partition)
				cnt.MigrateRxRemaining.Dec()
			}
		}
		delete(e.immigrations, k)
		e.incomingActive.Dec()
	}
	e.mu.Unlock()

	if im != nil {
		im.ns.CommitOwnership(im.pid, im.clusterKey)
		if e.observer != nil {
			e.observer.SessionDone(msg.Namespace, time.Since(im.started))
		}
	}
	// Ack even a duplicate Done so the sender can complete.
	e.reply(from, msg, MsgDoneAck)
}

func (e *Engine) handleSignal(from core.NodeID, msg *Msg) {
	if msg.ClusterKey != e.exchange.ClusterKey() {
		return
	}
	if err := e.store.Drop(msg.Partition); err != nil {
		log.Error("partition drop failed",
			zap.String("namespace", msg.Namespace),
			zap.Uint32("partition", msg.Partition),
			zap.Error(err))
		return
	}
	e.reply(from, msg, MsgSignalDoneAck)
}
