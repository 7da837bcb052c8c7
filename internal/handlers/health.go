package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health responds with status 200 when the service and its database are reachable.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				payload["status"] = "degraded"
				payload["database"] = "unreachable"
				writeJSON(w, http.StatusServiceUnavailable, payload)
				return
			}
			payload["database"] = "ok"
		}
		writeJSON(w, http.StatusOK, payload)
	}
}
