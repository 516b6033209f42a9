// Package gateway - stats.go exposes operational state as JSON.
//
// GET /stats returns request, token, tool and routing counters, plus ledger
// totals per target when USAGE_DB is set.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/JimStenstrom/claude-code-router/internal/monitoring"
	"github.com/JimStenstrom/claude-code-router/internal/store"
)

// StatsResponse is the JSON response for GET /stats.
type StatsResponse struct {
	monitoring.StatsResponse
	Events struct {
		Subscribers int   `json:"subscribers"`
		Dropped     int64 `json:"dropped"`
	} `json:"events"`
	Ledger map[string]store.Totals `json:"ledger,omitempty"`
}

// handleStats returns aggregated metrics as JSON.
// Restricted to localhost to prevent external access to operational metrics.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	resp := StatsResponse{StatsResponse: g.metrics.FullStats()}
	resp.Events.Subscribers = g.bus.Subscribers()
	resp.Events.Dropped = g.bus.Dropped()

	if g.ledger != nil {
		totals, err := g.ledger.TargetTotals(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("stats: ledger totals unavailable")
		} else {
			resp.Ledger = totals
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleHealth returns gateway health status.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "ok",
		"time":      time.Now().Format(time.RFC3339),
		"providers": len(g.config().Providers),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}
