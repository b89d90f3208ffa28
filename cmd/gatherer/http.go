package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/marketfeed/internal/database"
	"github.com/rickgao/marketfeed/internal/model"
	"github.com/rickgao/marketfeed/internal/service"
)

const defaultTickLimit = 100

// newHTTPHandler serves metrics, health, full status and a sample of the latest ticks.
func newHTTPHandler(metricsPath string, reg *prometheus.Registry, svc *service.Service, pools *database.Pools) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		st := svc.Status()
		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		health.Components["feed"] = map[string]any{
			"state":      st.State,
			"session_id": st.Connection.SessionID,
			"last_error": st.Connection.LastError,
		}
		health.Components["subscriptions"] = st.Subscriptions
		if !st.Healthy {
			health.Status = "unhealthy"
		}

		if pools != nil {
			if err := pools.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["timescaledb"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["timescaledb"] = "connected"
			}
		}

		if health.Status == "healthy" && st.Subscriptions.FailedCount > 0 {
			health.Status = "degraded"
		}

		code := http.StatusOK
		if health.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	mux.HandleFunc("/debug/ticks", func(w http.ResponseWriter, r *http.Request) {
		if key := r.URL.Query().Get("key"); key != "" {
			tick, ok := svc.Latest().Get(model.InstrumentKey(key))
			if !ok {
				http.Error(w, "no tick for "+key, http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, tick)
			return
		}

		limit := defaultTickLimit
		if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
			limit = v
		}
		ticks := svc.Latest().All()
		total := len(ticks)
		if len(ticks) > limit {
			ticks = ticks[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":   total,
			"showing": len(ticks),
			"ticks":   ticks,
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
