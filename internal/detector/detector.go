// Package detector finds cats in camera frames using OpenCV Haar cascades.
package detector

import (
	"gocv.io/x/gocv"

	"github.com/ayusman/countercat/internal/detection"
	"github.com/ayusman/countercat/internal/geometry"
	"github.com/ayusman/countercat/internal/perf"
)

// Detector defines the interface for cat detection implementations.
// Each cascade hit is reported as its own Detection carrying one scored
// box in full-frame coordinates. Implementations must be safe for
// concurrent use: the pipeline detects while the HTTP surface pushes
// configuration.
type Detector interface {
	// Detect analyzes a video frame and returns detected cats.
	// Returns an empty slice if no cats are detected.
	Detect(frame *gocv.Mat) ([]detection.Detection, error)

	// SetConfidenceThreshold sets the minimum synthesized confidence a
	// hit needs to be reported. Values are clamped to [0, 1].
	SetConfidenceThreshold(threshold float64)

	// SetROI restricts detection to a region of the frame.
	SetROI(roi geometry.Rect)

	// ApplyParams adopts the cascade and preprocessing parameters for
	// the current performance level.
	ApplyParams(params perf.DetectionParams)

	// Close releases any resources held by the detector.
	Close() error
}

// DetectionError is a detection run failure. The fault handler keys
// the detector recovery strategy on this type.
type DetectionError struct {
	Reason string
}

func (e *DetectionError) Error() string {
	return "detection failed: " + e.Reason
}

// Config holds configuration options for cat detection.
type Config struct {
	// ModelPath is an explicit cascade file to load. When empty, or when
	// the file is missing, the OpenCV-shipped cat cascades are tried.
	ModelPath string

	// ConfidenceThreshold is the minimum detection confidence (0.0-1.0).
	ConfidenceThreshold float64

	// ROI restricts detection to a region of the frame.
	ROI geometry.Rect
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		ModelPath:           "",
		ConfidenceThreshold: 0.7,
		ROI:                 geometry.Rect{X: 0, Y: 0, Width: 640, Height: 480},
	}
}
