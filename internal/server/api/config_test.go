package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ayusman/countercat/internal/config"
)

// newTestManager creates a config manager backed by a temp file with
// defaults loaded.
func newTestManager(t *testing.T) *config.Manager {
	t.Helper()

	m := config.NewManager(filepath.Join(t.TempDir(), "config.json"))
	if err := m.Load(); err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return m
}

func TestConfigHandler_Get(t *testing.T) {
	m := newTestManager(t)
	handler := NewConfigHandler(m)

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	contentType := rec.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", contentType)
	}

	var response config.SystemConfig
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.CooldownMinutes != 5 {
		t.Errorf("expected default cooldown 5, got %d", response.CooldownMinutes)
	}
	if response.Sensitivity != config.SensitivityMedium {
		t.Errorf("expected default sensitivity medium, got %q", response.Sensitivity)
	}
}

func TestConfigHandler_Update(t *testing.T) {
	m := newTestManager(t)
	handler := NewConfigHandler(m)

	// Update only the cooldown; everything else keeps its value
	body := []byte(`{"cooldown_minutes": 15}`)
	req := httptest.NewRequest(http.MethodPut, "/api/config", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var response config.SystemConfig
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.CooldownMinutes != 15 {
		t.Errorf("expected cooldown 15, got %d", response.CooldownMinutes)
	}
	if response.MaxPerHour != 10 {
		t.Errorf("expected max per hour to keep default 10, got %d", response.MaxPerHour)
	}

	// Verify the change was applied to the manager
	if got := m.Get().CooldownMinutes; got != 15 {
		t.Errorf("manager cooldown = %d, want 15", got)
	}
}

func TestConfigHandler_Update_Invalid(t *testing.T) {
	m := newTestManager(t)
	handler := NewConfigHandler(m)

	// max_per_hour below the allowed minimum
	body := []byte(`{"max_per_hour": 0}`)
	req := httptest.NewRequest(http.MethodPut, "/api/config", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}

	// The live configuration must be untouched
	if got := m.Get().MaxPerHour; got != 10 {
		t.Errorf("manager max per hour = %d, want 10", got)
	}
}

func TestConfigHandler_Update_InvalidJSON(t *testing.T) {
	m := newTestManager(t)
	handler := NewConfigHandler(m)

	req := httptest.NewRequest(http.MethodPut, "/api/config", bytes.NewReader([]byte("invalid json")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestConfigHandler_Sensitivity(t *testing.T) {
	m := newTestManager(t)
	handler := NewConfigHandler(m)

	body, _ := json.Marshal(sensitivityRequest{Level: "high"})
	req := httptest.NewRequest(http.MethodPost, "/api/config/sensitivity", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var response config.SystemConfig
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Sensitivity != config.SensitivityHigh {
		t.Errorf("expected sensitivity high, got %q", response.Sensitivity)
	}
	if response.ConfidenceThreshold != 0.6 {
		t.Errorf("expected confidence threshold 0.6, got %f", response.ConfidenceThreshold)
	}
	if response.MinDetectionSize != 30 {
		t.Errorf("expected min detection size 30, got %d", response.MinDetectionSize)
	}
}

func TestConfigHandler_Sensitivity_Unknown(t *testing.T) {
	m := newTestManager(t)
	handler := NewConfigHandler(m)

	body, _ := json.Marshal(sensitivityRequest{Level: "maximum"})
	req := httptest.NewRequest(http.MethodPost, "/api/config/sensitivity", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}

	// The live configuration must be untouched
	if got := m.Get().Sensitivity; got != config.SensitivityMedium {
		t.Errorf("manager sensitivity = %q, want medium", got)
	}
}

func TestConfigHandler_UnknownPath(t *testing.T) {
	m := newTestManager(t)
	handler := NewConfigHandler(m)

	req := httptest.NewRequest(http.MethodGet, "/api/config/nonexistent", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestConfigHandler_MethodNotAllowed(t *testing.T) {
	m := newTestManager(t)
	handler := NewConfigHandler(m)

	t.Run("DELETE on config", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/config", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("GET on sensitivity", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/config/sensitivity", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}
