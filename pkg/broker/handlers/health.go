// Package handlers holds the broker's plain HTTP endpoints: liveness,
// readiness, and the WebSocket route lives in pkg/broker/gateway.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/config"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/registry"
)

type HealthHandler struct{}

func (HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config   config.Config
	Registry *registry.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool   `json:"ok"`
		ActiveSessions int    `json:"active_sessions"`
		UpstreamModel  string `json:"upstream_model"`
	}

	resp := readyResp{OK: true, UpstreamModel: h.Config.UpstreamModel}
	if h.Registry != nil {
		resp.ActiveSessions = h.Registry.Count()
	}
	if h.Config.OpenAIAPIKey == "" {
		resp.OK = false
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if !resp.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
