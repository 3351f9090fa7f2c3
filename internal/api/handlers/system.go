package handlers

import (
	"context"
	"net/http"
	"time"

	"langapp-coordinator/internal/languages"
)

const healthTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Error   string `json:"error,omitempty"`
}

// Health reports 503 while a backing store is unreachable. A nil pinger
// only reports liveness.
func Health(service string, deps Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := deps.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Service: service, Error: err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Service: service})
	}
}

type LanguagesResponse struct {
	Languages []languages.Language `json:"languages"`
}

func ListLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LanguagesResponse{Languages: languages.Supported()})
}
