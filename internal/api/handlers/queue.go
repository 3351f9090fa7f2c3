package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"langapp-coordinator/internal/coordinator"
	"langapp-coordinator/internal/sessions"
)

type QueueView interface {
	Status() coordinator.Status
	Position(userID string) (int, bool)
}

type ConnectionView interface {
	Count() int
	ConnectionMetrics() []sessions.ConnectionMetrics
}

type QueueHandler struct {
	queue QueueView
	conns ConnectionView
}

func NewQueueHandler(queue QueueView, conns ConnectionView) *QueueHandler {
	return &QueueHandler{queue: queue, conns: conns}
}

type QueueStatusResponse struct {
	coordinator.Status
	Connections int       `json:"connections"`
	Timestamp   time.Time `json:"timestamp"`
}

type UserQueueStatusResponse struct {
	UserID    string    `json:"user_id"`
	Queued    bool      `json:"queued"`
	Position  int       `json:"position,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GetQueueStatus reports bucket sizes, pending matches and open sessions.
func (h *QueueHandler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, QueueStatusResponse{
		Status:      h.queue.Status(),
		Connections: h.conns.Count(),
		Timestamp:   time.Now().UTC(),
	})
}

func (h *QueueHandler) GetUserQueueStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id", "user_id is required")
		return
	}
	pos, ok := h.queue.Position(userID)
	writeJSON(w, http.StatusOK, UserQueueStatusResponse{
		UserID:    userID,
		Queued:    ok,
		Position:  pos,
		Timestamp: time.Now().UTC(),
	})
}

type ConnectionsResponse struct {
	Count       int                          `json:"count"`
	Connections []sessions.ConnectionMetrics `json:"connections"`
	Timestamp   time.Time                    `json:"timestamp"`
}

// GetConnections lists open websocket connections with their counters.
func (h *QueueHandler) GetConnections(w http.ResponseWriter, r *http.Request) {
	conns := h.conns.ConnectionMetrics()
	sort.Slice(conns, func(i, j int) bool { return conns[i].ConnectedAt.Before(conns[j].ConnectedAt) })
	writeJSON(w, http.StatusOK, ConnectionsResponse{
		Count:       len(conns),
		Connections: conns,
		Timestamp:   time.Now().UTC(),
	})
}
