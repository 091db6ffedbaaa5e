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

package server

import (
	"strings"

	"github.com/pingcap-incubator/tinybalance/server/info"
	"github.com/prometheus/client_golang/prometheus"
)

var commandCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tinybalance",
		Subsystem: "server",
		Name:      "commands_total",
		Help:      "Counter of admin commands by result.",
	}, []string{"command", "result"})

func init() {
	prometheus.MustRegister(commandCounter)
}

// counted wraps a command handler with the result metric. Responses
// starting with ERROR:: count as errors, everything else as ok.
func counted(name string, fn info.HandlerFunc) info.HandlerFunc {
	return func(params info.Params) string {
		resp := fn(params)
		result := "ok"
		if strings.HasPrefix(resp, "ERROR") {
			result = "error"
		}
		commandCounter.WithLabelValues(name, result).Inc()
		return resp
	}
}
