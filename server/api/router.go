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

// Package api serves the read-only HTTP mirror of the admin surface.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinybalance/server"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
)

// Prefix is the HTTP route prefix.
const Prefix = "/balance/api/v1"

// NewHandler creates the HTTP handler tree.
func NewHandler(svr *server.Server) http.Handler {
	engine := negroni.New(negroni.NewRecovery())
	engine.UseHandler(createRouter(Prefix, svr))
	return engine
}

func createRouter(prefix string, svr *server.Server) *mux.Router {
	rd := render.New(render.Options{IndentJSON: true})
	router := mux.NewRouter().PathPrefix(prefix).Subrouter()

	statusHandler := newStatusHandler(svr, rd)
	router.HandleFunc("/status", statusHandler.Status).Methods("GET")

	countersHandler := newCountersHandler(svr, rd)
	router.HandleFunc("/counters", countersHandler.All).Methods("GET")
	router.HandleFunc("/counters/{namespace}", countersHandler.Namespace).Methods("GET")

	infoHandler := newInfoHandler(svr, rd)
	router.HandleFunc("/info", infoHandler.Dispatch).Methods("GET")

	return router
}
