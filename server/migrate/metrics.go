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

import "github.com/prometheus/client_golang/prometheus"

var (
	recordCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinybalance",
			Subsystem: "migrate",
			Name:      "records_total",
			Help:      "Counter of migrated records by disposition.",
		}, []string{"namespace", "type"})

	sessionAbortCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinybalance",
			Subsystem: "migrate",
			Name:      "sessions_aborted_total",
			Help:      "Counter of sessions abandoned on a stale cluster key.",
		}, []string{"namespace", "direction"})
)

func init() {
	prometheus.MustRegister(recordCounter)
	prometheus.MustRegister(sessionAbortCounter)
}
