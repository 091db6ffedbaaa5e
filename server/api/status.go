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

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinybalance/server"
	"github.com/pingcap-incubator/tinybalance/server/core"
	"github.com/unrolled/render"
)

// Status is the member status document.
type Status struct {
	Name          string   `json:"name"`
	NodeID        string   `json:"node_id"`
	ClusterKey    string   `json:"cluster_key"`
	ClusterSize   int      `json:"cluster_size"`
	Principal     string   `json:"principal"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Namespaces    []string `json:"namespaces"`
}

type statusHandler struct {
	svr *server.Server
	rd  *render.Render
}

func newStatusHandler(svr *server.Server, rd *render.Render) *statusHandler {
	return &statusHandler{svr: svr, rd: rd}
}

func (h *statusHandler) Status(w http.ResponseWriter, r *http.Request) {
	view := h.svr.Exchange().View()
	h.rd.JSON(w, http.StatusOK, Status{
		Name:          h.svr.Name(),
		NodeID:        h.svr.NodeID().String(),
		ClusterKey:    view.Key.String(),
		ClusterSize:   view.Size(),
		Principal:     view.Principal().String(),
		UptimeSeconds: int64(time.Since(h.svr.StartTime()).Seconds()),
		Namespaces:    h.svr.Namespaces(),
	})
}

type countersHandler struct {
	svr *server.Server
	rd  *render.Render
}

func newCountersHandler(svr *server.Server, rd *render.Render) *countersHandler {
	return &countersHandler{svr: svr, rd: rd}
}

func (h *countersHandler) All(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]core.CountersSnapshot)
	for _, name := range h.svr.Namespaces() {
		out[name] = h.svr.Namespace(name).CountersSnapshot()
	}
	h.rd.JSON(w, http.StatusOK, out)
}

func (h *countersHandler) Namespace(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["namespace"]
	ns := h.svr.Namespace(name)
	if ns == nil {
		h.rd.JSON(w, http.StatusNotFound, "unknown namespace")
		return
	}
	h.rd.JSON(w, http.StatusOK, ns.CountersSnapshot())
}

type infoHandler struct {
	svr *server.Server
	rd  *render.Render
}

func newInfoHandler(svr *server.Server, rd *render.Render) *infoHandler {
	return &infoHandler{svr: svr, rd: rd}
}

// Dispatch mirrors the text protocol: /info?cmd=<request-line>.
func (h *infoHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	cmd := r.URL.Query().Get("cmd")
	if cmd == "" {
		h.rd.JSON(w, http.StatusBadRequest, "missing cmd parameter")
		return
	}
	h.rd.Text(w, http.StatusOK, h.svr.InfoCommand(cmd))
}
