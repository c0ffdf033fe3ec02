package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/telelink/internal/connection"
	"github.com/rickgao/telelink/internal/recorder"
	"github.com/rickgao/telelink/internal/version"
)

// newHealthHandler serves /health. rec and pool are nil when the recorder
// is disabled.
func newHealthHandler(engine *connection.Engine, rec *recorder.Recorder, pool *pgxpool.Pool) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Build      version.Info   `json:"build"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Build:      version.Get(),
			Components: make(map[string]any),
		}

		stats := engine.Stats()
		health.Components["link"] = stats
		if !stats.Connected {
			health.Status = "degraded"
		}

		if rec != nil {
			health.Components["recorder"] = rec.Stats()
		}
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
