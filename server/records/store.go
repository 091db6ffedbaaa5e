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

// Package records is the bundled record store of the standalone server: a
// kv-backed partition store good enough to migrate real bytes between
// members. A production deployment points the engine at its own data
// plane instead.
package records

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pingcap-incubator/tinybalance/server/kv"
	"github.com/pingcap-incubator/tinybalance/server/migrate"
	"github.com/pkg/errors"
)

const scanBatch = 10000

// Store implements the migration engine's record contract plus the
// appeal controller's trust contract over one kv.Base.
type Store struct {
	mu   sync.Mutex
	base kv.Base
}

// NewStore wraps a kv base.
func NewStore(base kv.Base) *Store {
	return &Store{base: base}
}

type storedRecord struct {
	Key            string `json:"key"`
	Generation     uint32 `json:"generation"`
	LastUpdateTime uint64 `json:"last_update_time"`
	Value          []byte `json:"value"`
}

func partitionPrefix(pid uint32) string {
	return fmt.Sprintf("rec/%08d/", pid)
}

func recordPath(pid uint32, key []byte) string {
	return partitionPrefix(pid) + hex.EncodeToString(key)
}

func trustPath(pid uint32) string {
	return fmt.Sprintf("trust/%08d", pid)
}

// Put writes one record unconditionally, for the data path.
func (s *Store) Put(pid uint32, rec migrate.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(pid, rec)
}

func (s *Store) save(pid uint32, rec migrate.Record) error {
	value, err := json.Marshal(storedRecord{
		Key:            hex.EncodeToString(rec.Key),
		Generation:     rec.Generation,
		LastUpdateTime: rec.LastUpdateTime,
		Value:          rec.Value,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	return s.base.Save(recordPath(pid, rec.Key), string(value))
}

// Records returns every record of one partition.
func (s *Store) Records(pid uint32) ([]migrate.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []migrate.Record
	prefix := partitionPrefix(pid)
	start := prefix
	for {
		keys, values, err := s.base.LoadRange(start, prefix+"\xff", scanBatch)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			rec, err := decodeRecord(v)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		if len(keys) < scanBatch {
			return out, nil
		}
		// Resume just past the last key seen.
		start = keys[len(keys)-1] + "\x00"
	}
}

// Apply writes an immigrating record unless a fresher copy exists.
func (s *Store) Apply(pid uint32, rec migrate.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.base.Load(recordPath(pid, rec.Key))
	if err != nil {
		return false, err
	}
	if existing != "" {
		old, err := decodeRecord(existing)
		if err != nil {
			return false, err
		}
		if old.Generation > rec.Generation ||
			(old.Generation == rec.Generation && old.LastUpdateTime >= rec.LastUpdateTime) {
			return false, nil
		}
	}
	if err := s.save(pid, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Drop removes every record of one partition.
func (s *Store) Drop(pid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := partitionPrefix(pid)
	for {
		keys, _, err := s.base.LoadRange(prefix, prefix+"\xff", scanBatch)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := s.base.Remove(k); err != nil {
				return err
			}
		}
		if len(keys) < scanBatch {
			return nil
		}
	}
}

// Trusted reports whether the partition copy may serve without appealing.
func (s *Store) Trusted(pid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.base.Load(trustPath(pid))
	return err == nil && v == ""
}

// Distrust marks a partition copy suspect, typically after a revive.
func (s *Store) Distrust(pid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.Save(trustPath(pid), "untrusted")
}

// Exonerate clears the suspect marker once the master vouched.
func (s *Store) Exonerate(pid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.Remove(trustPath(pid))
}

func decodeRecord(value string) (migrate.Record, error) {
	var sr storedRecord
	if err := json.Unmarshal([]byte(value), &sr); err != nil {
		return migrate.Record{}, errors.WithStack(err)
	}
	key, err := hex.DecodeString(sr.Key)
	if err != nil {
		return migrate.Record{}, errors.WithStack(err)
	}
	return migrate.Record{
		Key:            key,
		Generation:     sr.Generation,
		LastUpdateTime: sr.LastUpdateTime,
		Value:          sr.Value,
	}, nil
}
