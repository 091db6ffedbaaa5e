// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package kv

import (
	"sort"
	"sync"
)

type memoryKV struct {
	sync.RWMutex
	data map[string]string
}

// NewMemoryKV returns an in-memory kvBase for testing.
func NewMemoryKV() Base {
	return &memoryKV{
		data: make(map[string]string),
	}
}

func (kv *memoryKV) Load(key string) (string, error) {
	kv.RLock()
	defer kv.RUnlock()
	return kv.data[key], nil
}

func (kv *memoryKV) LoadRange(key, endKey string, limit int) ([]string, []string, error) {
	kv.RLock()
	defer kv.RUnlock()
	keys := make([]string, 0, limit)
	for k := range kv.data {
		if k >= key && k < endKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, kv.data[k])
	}
	return keys, values, nil
}

func (kv *memoryKV) Save(key, value string) error {
	kv.Lock()
	defer kv.Unlock()
	kv.data[key] = value
	return nil
}

func (kv *memoryKV) Remove(key string) error {
	kv.Lock()
	defer kv.Unlock()
	delete(kv.data, key)
	return nil
}
