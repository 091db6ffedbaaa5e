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

// Package info implements the administrative text protocol: one-line
// requests of the form `command[:key=value[;key=value...]]`, one-line
// responses, case-sensitive keys.
package info

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MaxValueLen caps a single parameter value. Longer values are rejected
// before any handler runs.
const MaxValueLen = 1024

var (
	// ErrMissing means the key is absent from the parameter section.
	ErrMissing = errors.New("missing parameter")
	// ErrTooLong means the value exceeds MaxValueLen.
	ErrTooLong = errors.New("parameter value too long")
	// ErrMalformed means the value does not parse as the requested type.
	ErrMalformed = errors.New("malformed parameter")
)

// Params is the raw parameter section of one request. Lookup scans the
// raw text so an unused malformed token costs nothing, matching the
// tolerance callers rely on.
type Params struct {
	raw string
}

// ParseCommand splits a request line into the command name and its
// parameter section. A line without ':' is a bare command.
func ParseCommand(line string) (string, Params) {
	line = strings.TrimRight(line, "\r\n")
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return line[:i], Params{raw: line[i+1:]}
	}
	return line, Params{}
}

// Get returns the value for key, ErrMissing when absent, ErrTooLong when
// the value exceeds MaxValueLen. An empty value (`key=`) is valid.
func (p Params) Get(key string) (string, error) {
	raw := p.raw
	for len(raw) > 0 {
		token := raw
		if i := strings.IndexByte(raw, ';'); i >= 0 {
			token, raw = raw[:i], raw[i+1:]
		} else {
			raw = ""
		}
		eq := strings.IndexByte(token, '=')
		if eq < 0 || token[:eq] != key {
			continue
		}
		value := token[eq+1:]
		if len(value) > MaxValueLen {
			return "", errors.WithStack(ErrTooLong)
		}
		return value, nil
	}
	return "", errors.WithStack(ErrMissing)
}

// Has reports whether the key is present at all.
func (p Params) Has(key string) bool {
	_, err := p.Get(key)
	return !errors.Is(err, ErrMissing)
}

// GetBool parses a true/false value. Absent keys return ErrMissing so
// callers can distinguish "not given" from "given badly".
func (p Params) GetBool(key string) (bool, error) {
	v, err := p.Get(key)
	if err != nil {
		return false, err
	}
	switch v {
	case "true", "yes":
		return true, nil
	case "false", "no":
		return false, nil
	}
	return false, errors.WithStack(ErrMalformed)
}

// GetUint parses a non-negative integer value.
func (p Params) GetUint(key string) (uint64, error) {
	v, err := p.Get(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errors.WithStack(ErrMalformed)
	}
	return n, nil
}
