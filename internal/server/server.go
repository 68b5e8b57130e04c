// Package server provides the HTTP API for the countercat detection system.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ayusman/countercat/internal/config"
	"github.com/ayusman/countercat/internal/health"
	"github.com/ayusman/countercat/internal/notify"
	"github.com/ayusman/countercat/internal/perf"
	"github.com/ayusman/countercat/internal/server/api"
	"github.com/ayusman/countercat/internal/store"
)

// SystemController is the slice of the application the server drives:
// pipeline lifecycle, test detections and data cleanup.
type SystemController interface {
	Status() map[string]interface{}
	StartPipeline() error
	StopPipeline()
	TriggerTestDetection() error
	Cleanup() (map[string]interface{}, error)
}

// Config holds the server configuration. Nil fields leave their routes
// unregistered.
type Config struct {
	StaticDir string
	Store     *store.Store
	Images    *store.Images
	Manager   *config.Manager
	Notifier  *notify.Notifier
	Health    *health.Checker
	Optimizer *perf.Optimizer
	System    SystemController
	Frames    FrameSource
	Events    *Hub
}

// Server represents the HTTP server for the countercat application.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	// Register detection and alert API handlers if Store is configured
	if s.config.Store != nil {
		detectionsHandler := api.NewDetectionsHandler(s.config.Store, s.config.Images)
		s.mux.Handle("/api/detections", detectionsHandler)
		s.mux.Handle("/api/detections/", detectionsHandler)

		s.mux.Handle("/api/alerts", api.NewAlertsHandler(s.config.Store))
		s.mux.HandleFunc("/api/storage", s.handleStorage)
	}

	// Register configuration handlers if the manager is configured
	if s.config.Manager != nil {
		configHandler := api.NewConfigHandler(s.config.Manager)
		s.mux.Handle("/api/config", configHandler)
		s.mux.Handle("/api/config/", configHandler)
	}

	// Register pipeline control endpoints
	if s.config.System != nil {
		s.mux.HandleFunc("/api/status", s.handleStatus)
		s.mux.HandleFunc("/api/start", s.handleStart)
		s.mux.HandleFunc("/api/stop", s.handleStop)
		s.mux.HandleFunc("/api/detect/test", s.handleTestDetection)
		s.mux.HandleFunc("/api/cleanup", s.handleCleanup)
	}

	if s.config.Optimizer != nil {
		s.mux.HandleFunc("/api/metrics", s.handleMetrics)
	}

	if s.config.Notifier != nil {
		s.mux.HandleFunc("/api/notify/test", s.handleNotifyTest)
	}

	// Register event WebSocket endpoint
	if s.config.Events != nil {
		s.mux.Handle("/api/events", s.config.Events)
	}

	// Register camera stream endpoint
	if s.config.Frames != nil {
		s.mux.Handle("/api/stream", NewStreamHandler(s.config.Frames))
	}

	// Serve the dashboard if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.config.Health != nil {
		writeJSON(w, http.StatusOK, s.config.Health.Report())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	})
}

// handleStatus handles GET requests to /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, s.config.System.Status())
}

// handleStart handles POST requests to /api/start.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.config.System.StartPipeline(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "pipeline started"})
}

// handleStop handles POST requests to /api/stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.config.System.StopPipeline()
	writeJSON(w, http.StatusOK, map[string]string{"message": "pipeline stopped"})
}

// handleTestDetection handles POST requests to /api/detect/test.
func (s *Server) handleTestDetection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.config.System.TriggerTestDetection(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "test detection triggered"})
}

// handleCleanup handles POST requests to /api/cleanup.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	result, err := s.config.System.Cleanup()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleMetrics handles GET requests to /api/metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary": s.config.Optimizer.Summary(),
		"history": s.config.Optimizer.History(60),
	})
}

// handleNotifyTest handles POST requests to /api/notify/test.
func (s *Server) handleNotifyTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	results := s.config.Notifier.Test(r.Context())
	resp := make(map[string]string, len(results))
	for channel, err := range results {
		if err != nil {
			resp[channel] = err.Error()
		} else {
			resp[channel] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStorage handles GET requests to /api/storage.
func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats, err := s.config.Store.Detections().Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read storage stats")
		return
	}

	resp := map[string]interface{}{
		"detection_count":  stats.Count,
		"oldest_detection": stats.Oldest,
		"newest_detection": stats.Newest,
	}
	if s.config.Images != nil {
		if sizeMB, files, err := s.config.Images.Usage(); err == nil {
			resp["image_files"] = files
			resp["image_size_mb"] = sizeMB
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

