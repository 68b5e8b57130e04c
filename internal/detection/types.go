// Package detection defines the detection data model and the validation
// engine that turns raw detector output into confirmed cat sightings.
package detection

import (
	"time"

	"github.com/ayusman/countercat/internal/geometry"
)

// BoundingBox is a single detector hit: a rectangle in frame coordinates
// plus the detector's confidence for it.
type BoundingBox struct {
	geometry.Rect
	Confidence float64 `json:"confidence"`
}

// Detection is the raw detector output for one cascade hit. Boxes[0] is
// the primary box used for overlap comparisons.
type Detection struct {
	Timestamp     time.Time     `json:"timestamp"`
	Boxes         []BoundingBox `json:"boxes"`
	FrameWidth    int           `json:"frame_width"`
	FrameHeight   int           `json:"frame_height"`
	RawConfidence float64       `json:"raw_confidence"`
}

// ValidDetection is a Detection that survived every validation filter.
type ValidDetection struct {
	Detection
	ValidatedConfidence float64 `json:"validated_confidence"`
	CatCount            int     `json:"cat_count"`
	OnCounter           bool    `json:"is_on_counter"`
}

// Record is the persisted form of a validated detection.
type Record struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	CatCount   int           `json:"cat_count"`
	Confidence float64       `json:"confidence"`
	ImagePath  string        `json:"image_path"`
	Boxes      []BoundingBox `json:"boxes"`
}
