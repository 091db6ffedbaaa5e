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

// Package exchange provides the membership agreement view consumed by the
// balancer and the migration engine. The agreement protocol itself lives
// behind the Exchange interface; this package carries its contract: the
// cluster key is totally ordered, advances exactly when the succession
// list changes (or on an explicit reform), and subscribers see every
// advance exactly once, in key order.
package exchange

import (
	"encoding/binary"
	"sync"

	"github.com/dgryski/go-farm"
	"github.com/pingcap-incubator/tinybalance/server/core"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNotPrincipal is returned by Reform on any node that is not the
// succession principal.
var ErrNotPrincipal = errors.New("not the cluster principal")

// NodeMeta is the per-node metadata shared through the exchange.
type NodeMeta struct {
	RackID uint32
	// QuiescedNamespaces lists the namespaces the node has an effective
	// quiesce for.
	QuiescedNamespaces []string
}

// View is one agreed membership view. It is immutable once published.
type View struct {
	Key        core.ClusterKey
	Succession []core.NodeID
	Meta       map[core.NodeID]NodeMeta
}

// Principal returns the node that may reform the cluster.
func (v View) Principal() core.NodeID {
	if len(v.Succession) == 0 {
		return core.ZeroNodeID
	}
	return v.Succession[0]
}

// Size returns the agreed cluster size.
func (v View) Size() int { return len(v.Succession) }

// RackIDs flattens the per-node rack assignment.
func (v View) RackIDs() map[core.NodeID]uint32 {
	m := make(map[core.NodeID]uint32, len(v.Succession))
	for _, n := range v.Succession {
		m[n] = v.Meta[n].RackID
	}
	return m
}

// QuiescedIn collects the nodes with an effective quiesce for namespace.
func (v View) QuiescedIn(namespace string) map[core.NodeID]struct{} {
	quiesced := make(map[core.NodeID]struct{})
	for _, n := range v.Succession {
		for _, ns := range v.Meta[n].QuiescedNamespaces {
			if ns == namespace {
				quiesced[n] = struct{}{}
				break
			}
		}
	}
	return quiesced
}

// Exchange is the agreement protocol contract consumed by the control
// plane. Any long-running operation captures ClusterKey up front and
// treats a mismatch on completion as stale, discarding its result.
type Exchange interface {
	// ClusterKey returns the live key.
	ClusterKey() core.ClusterKey
	// View returns the current agreed view.
	View() View
	// Subscribe registers a callback fired once per key advance, in key
	// order, never skipped. The current view is delivered to the
	// subscriber immediately, so late subscribers do not miss the view
	// agreed before they registered. Callbacks run on the publishing
	// goroutine; they must not block on I/O.
	Subscribe(fn func(View))
}

// LocalExchange is the in-process Exchange used by the server and tests.
// Membership perception is fed in through SetMembers; key derivation and
// ordered delivery follow the contract above.
type LocalExchange struct {
	mu    sync.RWMutex
	local core.NodeID
	seq   uint64
	view  View
	subs  []func(View)

	// publish serializes deliveries so subscribers observe views in order.
	publish sync.Mutex
}

// NewLocalExchange creates an exchange for the given local node, with an
// initial single-node view.
func NewLocalExchange(local core.NodeID) *LocalExchange {
	e := &LocalExchange{local: local}
	e.install(map[core.NodeID]NodeMeta{local: {}})
	return e
}

// ClusterKey implements Exchange.
func (e *LocalExchange) ClusterKey() core.ClusterKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view.Key
}

// View implements Exchange.
func (e *LocalExchange) View() View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view
}

// Subscribe implements Exchange.
func (e *LocalExchange) Subscribe(fn func(View)) {
	e.publish.Lock()
	defer e.publish.Unlock()

	e.mu.Lock()
	e.subs = append(e.subs, fn)
	view := e.view
	e.mu.Unlock()
	fn(view)
}

// SetMembers feeds a newly perceived membership. A view is published only
// when the succession or the shared metadata actually changed.
func (e *LocalExchange) SetMembers(members map[core.NodeID]NodeMeta) {
	e.publish.Lock()
	defer e.publish.Unlock()

	if !e.changed(members) {
		return
	}
	view := e.install(members)
	log.Info("cluster view advanced",
		zap.String("cluster-key", view.Key.String()),
		zap.Int("cluster-size", view.Size()))
	e.deliver(view)
}

// Reform produces a new key over the unchanged succession, the way an
// explicit recluster does. Only the principal may reform.
func (e *LocalExchange) Reform() error {
	e.publish.Lock()
	defer e.publish.Unlock()

	e.mu.Lock()
	if e.view.Principal() != e.local {
		e.mu.Unlock()
		return ErrNotPrincipal
	}
	e.seq++
	view := View{
		Key:        deriveKey(e.seq, e.view.Succession),
		Succession: e.view.Succession,
		Meta:       e.view.Meta,
	}
	e.view = view
	e.mu.Unlock()

	log.Info("cluster reformed", zap.String("cluster-key", view.Key.String()))
	e.deliver(view)
	return nil
}

func (e *LocalExchange) changed(members map[core.NodeID]NodeMeta) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(members) != len(e.view.Succession) {
		return true
	}
	for _, n := range e.view.Succession {
		meta, ok := members[n]
		if !ok {
			return true
		}
		old := e.view.Meta[n]
		if meta.RackID != old.RackID || !namesEqual(meta.QuiescedNamespaces, old.QuiescedNamespaces) {
			return true
		}
	}
	return false
}

func (e *LocalExchange) install(members map[core.NodeID]NodeMeta) View {
	succession := make([]core.NodeID, 0, len(members))
	meta := make(map[core.NodeID]NodeMeta, len(members))
	for n, m := range members {
		succession = append(succession, n)
		meta[n] = m
	}
	core.SortNodes(succession)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	e.view = View{
		Key:        deriveKey(e.seq, succession),
		Succession: succession,
		Meta:       meta,
	}
	return e.view
}

func (e *LocalExchange) deliver(view View) {
	e.mu.RLock()
	subs := append(make([]func(View), 0, len(e.subs)), e.subs...)
	e.mu.RUnlock()
	for _, fn := range subs {
		fn(view)
	}
}

// deriveKey builds a key that is monotonic (high bits carry the advance
// sequence) yet still fingerprints the succession it was agreed for.
func deriveKey(seq uint64, succession []core.NodeID) core.ClusterKey {
	buf := make([]byte, 8*len(succession))
	for i, n := range succession {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(n))
	}
	return core.ClusterKey(seq<<16 | farm.Fingerprint64(buf)&0xffff)
}

func namesEqual(a, b []string) bool {
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
