package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fatgrid/warehouse-etl/internal/core/syncer"
)

// StatusFunc computes the per-table sync status served by the API.
type StatusFunc func(ctx context.Context) ([]syncer.TableStatus, error)

type handler struct {
	log    *slog.Logger
	status StatusFunc
}

func NewRouter(log *slog.Logger, status StatusFunc) http.Handler {
	h := handler{
		log:    log,
		status: status,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/status", h.syncStatus).Methods(http.MethodGet)

	return r
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.status(r.Context())
	if err != nil {
		h.log.Error("status query failed", slog.Any("error", err))
		http.Error(w, "status query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		h.log.Error("failed to encode status response", slog.Any("error", err))
	}
}
