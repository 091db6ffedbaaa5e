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

package balance

import "github.com/prometheus/client_golang/prometheus"

var (
	balanceCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinybalance",
			Subsystem: "balance",
			Name:      "runs_total",
			Help:      "Counter of balance computations.",
		}, []string{"namespace", "result"})

	deadPartitionGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinybalance",
			Subsystem: "balance",
			Name:      "dead_partitions",
			Help:      "Partitions without any eligible owner.",
		}, []string{"namespace"})

	unavailablePartitionGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinybalance",
			Subsystem: "balance",
			Name:      "unavailable_partitions",
			Help:      "Partitions with unfilled replica slots.",
		}, []string{"namespace"})
)

func init() {
	prometheus.MustRegister(balanceCounter)
	prometheus.MustRegister(deadPartitionGauge)
	prometheus.MustRegister(unavailablePartitionGauge)
}

// ReportResult publishes the availability gauges of one applied result.
func ReportResult(namespace string, res *Result, stale bool) {
	if stale {
		balanceCounter.WithLabelValues(namespace, "stale").Inc()
		return
	}
	balanceCounter.WithLabelValues(namespace, "applied").Inc()
	deadPartitionGauge.WithLabelValues(namespace).Set(float64(res.Dead))
	unavailablePartitionGauge.WithLabelValues(namespace).Set(float64(res.Unavailable))
}
