package geofencing

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Backfiller is satisfied by *Controller.
type Backfiller interface {
	RunBackfill(ctx context.Context, limit int) (BackfillStats, error)
}

// SetupRoutes exposes the operational trigger for backfills.
func SetupRoutes(b Backfiller) http.Handler {
	r := chi.NewRouter()
	r.Post("/backfill", backfillHandler(b))
	return r
}

type backfillResponse struct {
	BackfillStats
	Error string `json:"error,omitempty"`
}

func backfillHandler(b Backfiller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := DefaultBackfillLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}

		stats, err := b.RunBackfill(r.Context(), limit)
		resp := backfillResponse{BackfillStats: stats}
		status := http.StatusOK
		if err != nil {
			// Partial progress is still reported.
			resp.Error = err.Error()
			status = http.StatusBadGateway
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("write backfill response", "error", err)
		}
	}
}
