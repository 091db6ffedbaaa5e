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

package migrate

import (
	"time"

	"github.com/pingcap-incubator/tinybalance/server/core"
)

// session states; see engine.go for the transitions.
type sessionState int

const (
	statePlanned sessionState = iota
	stateActive
	stateDone
	stateAborted
)

// EmigrationItem is one planned outbound transfer.
type EmigrationItem struct {
	Partition uint32
	Peer      core.NodeID
	// Lead marks a transfer to the incoming master; lead transfers drain
	// ahead of plain replica fills.
	Lead bool
	// Fill marks a transfer to a brand-new replica; fill transfers honor
	// the configured fill delay so the prior owner keeps serving.
	Fill bool
}

// SignalItem is one planned ownership-drop signal from the current master
// to a node leaving the partition's owner set.
type SignalItem struct {
	Partition uint32
	Peer      core.NodeID
}

// Plan is the work one rebalance produced for the local node. It is built
// under the namespace guard by the server and handed off whole; the engine
// is its only owner afterwards.
type Plan struct {
	Namespace *core.Namespace
	Key       core.ClusterKey

	Emigrations []EmigrationItem
	Signals     []SignalItem
	// ExpectedRx lists partitions the local node must immigrate.
	ExpectedRx []uint32
}

// sessionKey identifies one (partition, peer) session within a namespace.
type sessionKey struct {
	namespace string
	partition uint32
	peer      core.NodeID
}

// emigration is the transmit-side session. It is owned by exactly one
// worker at a time; the acks channel is its only concurrent input.
type emigration struct {
	key  sessionKey
	ns   *core.Namespace
	pid  uint32
	peer core.NodeID

	// clusterKey fences every commit against the live key.
	clusterKey core.ClusterKey

	lead   bool
	fill   bool
	order  int
	signal bool // session is a drop signal, not a record transfer

	// eligibleAt defers fill sessions and EAGAIN retries.
	eligibleAt time.Time

	state   sessionState
	started time.Time

	acks chan *Msg
}

// less orders the work queue: namespace migrate-order first, drop signals
// and lead transfers ahead of fills, then partition id for determinism.
func (em *emigration) less(other *emigration) bool {
	if em.order != other.order {
		return em.order < other.order
	}
	if em.signal != other.signal {
		return em.signal
	}
	if em.lead != other.lead {
		return em.lead
	}
	if em.key.partition != other.key.partition {
		return em.key.partition < other.key.partition
	}
	return em.key.peer > other.key.peer
}

// immigration is the receive-side session, created by a Start handshake
// and destroyed by Done or a stale key.
type immigration struct {
	key        sessionKey
	ns         *core.Namespace
	pid        uint32
	peer       core.NodeID
	clusterKey core.ClusterKey
	started    time.Time
}
