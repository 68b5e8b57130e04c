package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ayusman/countercat/internal/store"
)

// AlertsHandler handles HTTP requests for recorded alerts.
type AlertsHandler struct {
	store *store.Store
}

// NewAlertsHandler creates a new AlertsHandler with the given store.
func NewAlertsHandler(s *store.Store) *AlertsHandler {
	return &AlertsHandler{store: s}
}

type alertResponse struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	Channel   string `json:"channel"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	ImagePath string `json:"image_path,omitempty"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
}

type listAlertsResponse struct {
	Alerts []alertResponse `json:"alerts"`
}

// ServeHTTP handles GET /api/alerts and returns the most recent alerts.
func (h *AlertsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	alerts, err := h.store.Alerts().Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list alerts")
		return
	}

	response := listAlertsResponse{
		Alerts: make([]alertResponse, 0, len(alerts)),
	}
	for _, a := range alerts {
		response.Alerts = append(response.Alerts, alertResponse{
			ID:        a.ID,
			CreatedAt: a.CreatedAt.Format(time.RFC3339),
			Channel:   a.Channel,
			Title:     a.Title,
			Body:      a.Body,
			ImagePath: a.ImagePath,
			Status:    a.Status,
			Attempts:  a.Attempts,
		})
	}

	writeJSON(w, http.StatusOK, response)
}
