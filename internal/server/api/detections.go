// Package api provides HTTP API handlers for the countercat detection system.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ayusman/countercat/internal/detection"
	"github.com/ayusman/countercat/internal/store"
)

// DetectionsHandler handles HTTP requests for detection resources.
type DetectionsHandler struct {
	store  *store.Store
	images *store.Images
}

// NewDetectionsHandler creates a new DetectionsHandler with the given
// store. images may be nil, which disables snapshot serving.
func NewDetectionsHandler(s *store.Store, images *store.Images) *DetectionsHandler {
	return &DetectionsHandler{store: s, images: images}
}

// ServeHTTP implements the http.Handler interface and routes requests to appropriate methods.
func (h *DetectionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Parse the path to determine if this is a collection or item request
	// Expected paths: /api/detections, /api/detections/{id} or /api/detections/{id}/image
	path := strings.TrimPrefix(r.URL.Path, "/api/detections")
	path = strings.TrimPrefix(path, "/")

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if path == "" {
		// Collection endpoint: /api/detections
		h.list(w, r)
		return
	}

	if id, ok := strings.CutSuffix(path, "/image"); ok {
		h.image(w, r, id)
		return
	}

	h.get(w, r, path)
}

// Request and response types

type boxResponse struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

type detectionResponse struct {
	ID         string        `json:"id"`
	Timestamp  string        `json:"timestamp"`
	CatCount   int           `json:"cat_count"`
	Confidence float64       `json:"confidence"`
	ImagePath  string        `json:"image_path,omitempty"`
	Boxes      []boxResponse `json:"bounding_boxes"`
}

type listDetectionsResponse struct {
	Detections []detectionResponse `json:"detections"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// toResponse converts a detection record to a detectionResponse.
func toResponse(rec *detection.Record) detectionResponse {
	resp := detectionResponse{
		ID:         rec.ID,
		Timestamp:  rec.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		CatCount:   rec.CatCount,
		Confidence: rec.Confidence,
		ImagePath:  rec.ImagePath,
		Boxes:      make([]boxResponse, 0, len(rec.Boxes)),
	}
	for _, box := range rec.Boxes {
		resp.Boxes = append(resp.Boxes, boxResponse{
			X:          box.X,
			Y:          box.Y,
			Width:      box.Width,
			Height:     box.Height,
			Confidence: box.Confidence,
		})
	}
	return resp
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
	writeJSON(w, status, errorResponse{Error: message})
}

// list handles GET /api/detections. With from and to parameters it
// returns the records in that range, otherwise the most recent ones up
// to limit.
func (h *DetectionsHandler) list(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var (
		records []*detection.Record
		err     error
	)

	if query.Get("from") != "" || query.Get("to") != "" {
		from, to, perr := parseRange(query.Get("from"), query.Get("to"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		records, err = h.store.Detections().History(from, to)
	} else {
		limit := 50
		if raw := query.Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 1 {
				writeError(w, http.StatusBadRequest, "Invalid limit")
				return
			}
		}
		records, err = h.store.Detections().Recent(limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list detections")
		return
	}

	response := listDetectionsResponse{
		Detections: make([]detectionResponse, 0, len(records)),
	}
	for _, rec := range records {
		response.Detections = append(response.Detections, toResponse(rec))
	}

	writeJSON(w, http.StatusOK, response)
}

// get handles GET /api/detections/{id} and returns a single record.
func (h *DetectionsHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := h.store.Detections().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Detection not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get detection")
		return
	}

	writeJSON(w, http.StatusOK, toResponse(rec))
}

// image handles GET /api/detections/{id}/image and serves the stored
// snapshot. A width parameter returns a resized thumbnail instead of
// the full image.
func (h *DetectionsHandler) image(w http.ResponseWriter, r *http.Request, id string) {
	if h.images == nil {
		writeError(w, http.StatusNotFound, "Image storage not configured")
		return
	}

	rec, err := h.store.Detections().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Detection not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get detection")
		return
	}
	if rec.ImagePath == "" {
		writeError(w, http.StatusNotFound, "Detection has no snapshot")
		return
	}

	if raw := r.URL.Query().Get("width"); raw != "" {
		width, err := strconv.Atoi(raw)
		if err != nil || width < 1 {
			writeError(w, http.StatusBadRequest, "Invalid width")
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		if err := h.images.WriteThumbnail(w, rec.ImagePath, width); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to render thumbnail")
		}
		return
	}

	http.ServeFile(w, r, rec.ImagePath)
}

// parseRange parses RFC 3339 from/to query parameters. A missing from
// means the zero time, a missing to means now.
func parseRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error

	if fromRaw != "" {
		from, err = time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			return from, to, errors.New("Invalid from timestamp")
		}
	}
	to = time.Now()
	if toRaw != "" {
		to, err = time.Parse(time.RFC3339, toRaw)
		if err != nil {
			return from, to, errors.New("Invalid to timestamp")
		}
	}
	return from, to, nil
}
