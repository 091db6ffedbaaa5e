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

// Record is one replicated record in transit. The control plane never
// interprets Value; Generation and LastUpdateTime exist so duplicate
// delivery can be detected on the receive side.
type Record struct {
	Key            []byte
	Generation     uint32
	LastUpdateTime uint64
	Value          []byte
}

// Store is the storage-engine collaborator. The engine drives it through
// this narrow contract and owns no record state itself.
type Store interface {
	// Records returns the partition's records for emigration.
	Records(pid uint32) ([]Record, error)
	// Apply writes an immigrated record. It must be idempotent: a record
	// that is not newer than the stored one (by generation, then
	// last-update-time) is skipped. Returns whether it was applied.
	Apply(pid uint32, rec Record) (bool, error)
	// Drop discards the partition's records after ownership moved away.
	Drop(pid uint32) error
	// Trusted reports whether the partition data provably has every
	// committed write. Only consulted in strong-consistency mode.
	Trusted(pid uint32) bool
}
