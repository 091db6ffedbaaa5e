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

package main

import (
	"bufio"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const dialTimeout = 3 * time.Second

// request sends one admin line and returns the one-line response.
func request(line string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(dialTimeout))
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return "", errors.WithStack(err)
	}
	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", errors.WithStack(err)
	}
	return strings.TrimRight(resp, "\r\n"), nil
}
