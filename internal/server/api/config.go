package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ayusman/countercat/internal/config"
)

// ConfigHandler handles HTTP requests for the system configuration.
type ConfigHandler struct {
	manager *config.Manager
}

// NewConfigHandler creates a new ConfigHandler with the given manager.
func NewConfigHandler(m *config.Manager) *ConfigHandler {
	return &ConfigHandler{manager: m}
}

// ServeHTTP implements the http.Handler interface and routes requests to appropriate methods.
func (h *ConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Expected paths: /api/config or /api/config/sensitivity
	path := strings.TrimPrefix(r.URL.Path, "/api/config")
	path = strings.TrimPrefix(path, "/")

	switch path {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.get(w, r)
		case http.MethodPut:
			h.update(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	case "sensitivity":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		h.sensitivity(w, r)
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

type sensitivityRequest struct {
	Level string `json:"level"`
}

// get handles GET /api/config and returns the current configuration.
func (h *ConfigHandler) get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Get())
}

// update handles PUT /api/config. The request body is decoded over the
// current configuration, so omitted fields keep their values.
func (h *ConfigHandler) update(w http.ResponseWriter, r *http.Request) {
	updated := h.manager.Get()
	if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	err := h.manager.Update(func(c *config.SystemConfig) {
		*c = updated
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, h.manager.Get())
}

// sensitivity handles POST /api/config/sensitivity and applies a
// sensitivity preset.
func (h *ConfigHandler) sensitivity(w http.ResponseWriter, r *http.Request) {
	var req sensitivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	// Reject unknown levels before touching the live configuration.
	scratch := h.manager.Get()
	if err := scratch.ApplySensitivity(req.Level); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := h.manager.Update(func(c *config.SystemConfig) {
		c.ApplySensitivity(req.Level)
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, h.manager.Get())
}
