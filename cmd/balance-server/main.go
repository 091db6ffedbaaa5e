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
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinybalance/pkg/logutil"
	"github.com/pingcap-incubator/tinybalance/server"
	"github.com/pingcap-incubator/tinybalance/server/api"
	"github.com/pingcap-incubator/tinybalance/server/config"
	"github.com/pingcap-incubator/tinybalance/server/kv"
	"github.com/pingcap-incubator/tinybalance/server/records"
)

func main() {
	cfg := config.NewConfig()
	err := cfg.Parse(os.Args[1:])

	if cfg.Version {
		server.PrintVersionInfo()
		exit(0)
	}

	defer logutil.LogPanic()

	switch errors.Cause(err) {
	case nil:
	case flag.ErrHelp:
		exit(0)
	default:
		log.Fatal("parse cmd flags error", zap.Error(err))
	}

	err = cfg.SetupLogger()
	if err == nil {
		log.ReplaceGlobals(cfg.GetZapLogger(), cfg.GetZapLogProperties())
	} else {
		log.Fatal("initialize logger error", zap.Error(err))
	}
	// Flushing any buffered log entries
	defer log.Sync()

	server.LogVersionInfo()

	recordBase, err := kv.NewLeveldbKV(filepath.Join(cfg.DataDir, "records"))
	if err != nil {
		log.Fatal("open record store failed", zap.Error(err))
	}
	store := records.NewStore(recordBase)

	svr, err := server.NewServer(cfg, store)
	if err != nil {
		log.Fatal("create server failed", zap.Error(err))
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	ctx, cancel := context.WithCancel(context.Background())
	var sig os.Signal
	go func() {
		sig = <-sc
		cancel()
	}()

	if err := svr.Start(); err != nil {
		log.Fatal("run server failed", zap.Error(err))
	}

	apiServer := &http.Server{Addr: cfg.APIAddr, Handler: api.NewHandler(svr)}
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("run api server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("got signal to exit", zap.String("signal", sig.String()))

	apiServer.Shutdown(context.Background())
	svr.Close()
	if err := recordBase.Close(); err != nil {
		log.Error("close record store failed", zap.Error(err))
	}
	switch sig {
	case syscall.SIGTERM:
		exit(0)
	default:
		exit(1)
	}
}

func exit(code int) {
	log.Sync()
	os.Exit(code)
}
