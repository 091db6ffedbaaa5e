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
	"time"

	"github.com/pingcap-incubator/tinybalance/server/core"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// tickerLoop periodically logs per-namespace progress so an operator
// tailing the log sees convergence without polling the admin surface.
func (s *Server) tickerLoop() {
	defer s.tickerWG.Done()
	ticker := time.NewTicker(s.cfg.TickerInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Server) tick() {
	view := s.exchange.View()
	log.Info("cluster",
		zap.String("cluster-key", view.Key.String()),
		zap.Int("size", view.Size()),
		zap.String("principal", view.Principal().String()),
		zap.Duration("uptime", time.Since(s.start).Round(time.Second)))

	for _, name := range s.nsOrder {
		ns := s.namespaces[name]
		snap := ns.CountersSnapshot()
		s.logMigrations(name, snap)
		s.logAppeals(name, snap)
	}
}

func (s *Server) logMigrations(name string, snap core.CountersSnapshot) {
	initial := snap.MigrateTxInitial + snap.MigrateRxInitial
	remaining := snap.MigrateTxRemaining + snap.MigrateRxRemaining
	if initial <= 0 || remaining <= 0 {
		log.Info("migrations complete", zap.String("namespace", name))
		return
	}
	completePct := (1 - float64(remaining)/float64(initial)) * 100
	summary := s.stats.Summarize(name)
	log.Info("migrations",
		zap.String("namespace", name),
		zap.Int64s("remaining", []int64{snap.MigrateTxRemaining, snap.MigrateRxRemaining, snap.SignalsRemaining}),
		zap.Int64s("active", []int64{snap.MigrateTxActive, snap.MigrateRxActive, snap.SignalsActive}),
		zap.Float64("complete-pct", completePct),
		zap.Duration("session-mean", summary.Mean),
		zap.Duration("session-p99", summary.P99))
}

func (s *Server) logAppeals(name string, snap core.CountersSnapshot) {
	if snap.AppealsTxRemaining <= 0 && snap.AppealsTxActive <= 0 && snap.AppealsRxActive <= 0 {
		return
	}
	log.Info("appeals",
		zap.String("namespace", name),
		zap.Int64("remaining-tx", snap.AppealsTxRemaining),
		zap.Int64s("active", []int64{snap.AppealsTxActive, snap.AppealsRxActive}))
}
