package app

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the presentation-layer API: health, readiness, state snapshot, and metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /readyz", a.handleReady)
	mux.HandleFunc("GET /state", a.handleState)
	mux.Handle("GET /metrics", promhttp.Handler())

	h := WithCORS(mux, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log, a.cfg.DisplayName)
}

// PairHandler serves the WebSocket pairing endpoint of the ws transport.
func (a *App) PairHandler() http.Handler {
	mux := http.NewServeMux()
	if a.ws != nil {
		mux.Handle("GET /pair", a.ws)
	}
	return WithRequestLogging(mux, a.log, a.cfg.DisplayName)
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, c := range a.devices {
		if !c.Started() {
			http.Error(w, "coordinator not started", http.StatusServiceUnavailable)
			return
		}
	}

	if a.dbPool != nil {
		if err := pingPool(r.Context(), a.dbPool, 2*time.Second); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.db.not_ready", "err", err)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func (a *App) handleState(w http.ResponseWriter, _ *http.Request) {
	st := a.State()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		a.log.Info("state.encode.fail", "err", err)
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard hosts map to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to its ws(s) form.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
