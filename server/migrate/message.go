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
	"github.com/pingcap-incubator/tinybalance/server/core"
)

// MsgType discriminates migration fabric messages.
type MsgType int

// Migration message types. Start/Record/Done flow emigrant to immigrant,
// the acks flow back; SignalDone flows master to a leaving ex-owner.
const (
	MsgStart MsgType = iota
	MsgStartAckOK
	MsgStartAckEagain
	MsgRecord
	MsgRecordAck
	MsgDone
	MsgDoneAck
	MsgSignalDone
	MsgSignalDoneAck
)

func (t MsgType) String() string {
	switch t {
	case MsgStart:
		return "start"
	case MsgStartAckOK:
		return "start-ack-ok"
	case MsgStartAckEagain:
		return "start-ack-eagain"
	case MsgRecord:
		return "record"
	case MsgRecordAck:
		return "record-ack"
	case MsgDone:
		return "done"
	case MsgDoneAck:
		return "done-ack"
	case MsgSignalDone:
		return "signal-done"
	case MsgSignalDoneAck:
		return "signal-done-ack"
	default:
		return "unknown"
	}
}

// Msg is one migration fabric message. Every message carries the cluster
// key its session was planned under; both ends fence on it.
type Msg struct {
	Type       MsgType
	Namespace  string
	Partition  uint32
	ClusterKey core.ClusterKey
	// Source is the node the session originates from, so acks can be
	// routed back to the right session regardless of transport identity.
	Source core.NodeID
	// Seq matches a record ack to its record.
	Seq    uint64
	Record *Record
}

// Transport is the fabric collaborator: asynchronous, unordered, possibly
// lossy message delivery. Reliability is the engine's problem.
type Transport interface {
	Send(to core.NodeID, msg *Msg) error
}

// Handler receives inbound migration messages; the engine implements it
// and the fabric dispatches to it.
type Handler interface {
	HandleMigrateMsg(from core.NodeID, msg *Msg)
}
