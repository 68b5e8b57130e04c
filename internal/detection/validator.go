package detection

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ayusman/countercat/internal/geometry"
)

const (
	// DefaultConfidenceThreshold rejects detections below medium
	// sensitivity out of the box.
	DefaultConfidenceThreshold = 0.7

	// DefaultMinDetectionSize is the minimum box area in px².
	DefaultMinDetectionSize = 50

	// DefaultTemporalFrames is how many consecutive frames must agree
	// before a detection counts.
	DefaultTemporalFrames = 2

	// windowHorizon bounds how far back temporal evidence reaches.
	windowHorizon = 5 * time.Second

	// windowCap bounds window memory on long uninterrupted runs.
	windowCap = 50

	// temporalIoUThreshold decides whether two detections across frames
	// show the same cat.
	temporalIoUThreshold = 0.3

	// nmsIoUThreshold rejects overlapping survivors during suppression.
	// Tuned together with temporalIoUThreshold today, kept separate so
	// they can diverge.
	nmsIoUThreshold = 0.3

	// confidenceBoost inflates raw confidence for detections that
	// survive every filter.
	confidenceBoost = 1.1
)

// Config holds the validator's tunable settings.
type Config struct {
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	MinDetectionSize    int           `json:"min_detection_size"`
	CounterROI          geometry.Rect `json:"counter_roi"`
	TemporalFrames      int           `json:"temporal_frames"`
}

// DefaultConfig returns the validator settings used when nothing is
// configured.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		MinDetectionSize:    DefaultMinDetectionSize,
		CounterROI:          geometry.Rect{X: 0, Y: 0, Width: 640, Height: 480},
		TemporalFrames:      DefaultTemporalFrames,
	}
}

// Stats reports validation counters alongside the active settings.
type Stats struct {
	Candidates         int     `json:"candidates"`
	Accepted           int     `json:"accepted"`
	RejectedConfidence int     `json:"rejected_confidence"`
	RejectedSize       int     `json:"rejected_size"`
	RejectedPosition   int     `json:"rejected_position"`
	RejectedTemporal   int     `json:"rejected_temporal"`
	WindowSize         int     `json:"window_size"`
	WindowMaxAge       float64 `json:"window_max_age_seconds"`
	Config             Config  `json:"config"`
}

// Validator filters raw detections down to confirmed sightings. Four
// filters run in order and short-circuit: confidence, box size, counter
// position, temporal consistency. The temporal filter compares each
// candidate against a sliding window of recent raw detections, so a cat
// must persist across frames before it is believed.
type Validator struct {
	mu     sync.Mutex
	cfg    Config
	recent []Detection
	clk    clock.Clock

	candidates         int
	accepted           int
	rejectedConfidence int
	rejectedSize       int
	rejectedPosition   int
	rejectedTemporal   int
}

// NewValidator creates a validator with the given settings. A nil clock
// falls back to the wall clock.
func NewValidator(cfg Config, clk clock.Clock) *Validator {
	if clk == nil {
		clk = clock.New()
	}
	return &Validator{cfg: cfg, clk: clk}
}

// Validate runs every filter over a batch of raw detections and returns
// the survivors. All raw detections, valid or not, feed the temporal
// window afterwards so the next frame can corroborate against them.
func (v *Validator) Validate(detections []Detection) []ValidDetection {
	if len(detections) == 0 {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var valid []ValidDetection
	for _, d := range detections {
		v.candidates++
		switch {
		case !v.passesConfidence(d):
			v.rejectedConfidence++
		case !v.passesSize(d):
			v.rejectedSize++
		case !v.passesPosition(d):
			v.rejectedPosition++
		case !v.passesTemporal(d):
			v.rejectedTemporal++
		default:
			v.accepted++
			valid = append(valid, v.makeValid(d))
		}
	}

	v.updateWindow(detections)

	return valid
}

// CountCats sums cat counts across validated detections after
// suppressing overlapping boxes, so one cat seen twice is counted once.
func (v *Validator) CountCats(detections []ValidDetection) int {
	if len(detections) == 0 {
		return 0
	}

	total := 0
	for _, d := range suppressOverlaps(detections) {
		total += d.CatCount
	}
	return total
}

// IsOnCounter reports whether any of the detection's box centers falls
// inside the configured counter region.
func (v *Validator) IsOnCounter(d Detection) bool {
	v.mu.Lock()
	roi := v.cfg.CounterROI
	v.mu.Unlock()

	return onCounter(d, roi)
}

// SetConfidenceThreshold updates the confidence cutoff, clamped to [0, 1].
func (v *Validator) SetConfidenceThreshold(threshold float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg.ConfidenceThreshold = math.Max(0, math.Min(1, threshold))
}

// SetCounterROI updates the counter region used by the position filter.
func (v *Validator) SetCounterROI(roi geometry.Rect) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg.CounterROI = roi
}

// SetMinDetectionSize updates the minimum box area in px².
func (v *Validator) SetMinDetectionSize(size int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg.MinDetectionSize = size
}

// SetTemporalFrames updates how many consecutive frames must agree.
func (v *Validator) SetTemporalFrames(frames int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg.TemporalFrames = frames
}

// ApplyConfig replaces every setting at once, clamping the confidence
// threshold to [0, 1].
func (v *Validator) ApplyConfig(cfg Config) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cfg.ConfidenceThreshold = math.Max(0, math.Min(1, cfg.ConfidenceThreshold))
	v.cfg = cfg
}

// Stats returns validation counters and the active settings.
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()

	return Stats{
		Candidates:         v.candidates,
		Accepted:           v.accepted,
		RejectedConfidence: v.rejectedConfidence,
		RejectedSize:       v.rejectedSize,
		RejectedPosition:   v.rejectedPosition,
		RejectedTemporal:   v.rejectedTemporal,
		WindowSize:         len(v.recent),
		WindowMaxAge:       windowHorizon.Seconds(),
		Config:             v.cfg,
	}
}

// ResetWindow drops all temporal history, for example after the camera
// moves or the ROI changes.
func (v *Validator) ResetWindow() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.recent = nil
}

func (v *Validator) passesConfidence(d Detection) bool {
	return d.RawConfidence >= v.cfg.ConfidenceThreshold
}

// passesSize accepts a detection if any of its boxes is large enough. A
// detection with no boxes fails here.
func (v *Validator) passesSize(d Detection) bool {
	for _, box := range d.Boxes {
		if box.Area() >= v.cfg.MinDetectionSize {
			return true
		}
	}
	return false
}

func (v *Validator) passesPosition(d Detection) bool {
	return onCounter(d, v.cfg.CounterROI)
}

// passesTemporal checks that enough recent detections corroborate the
// candidate. With TemporalFrames <= 1 every candidate passes.
func (v *Validator) passesTemporal(d Detection) bool {
	if v.cfg.TemporalFrames <= 1 {
		return true
	}

	similarCount := 0
	for _, recent := range v.recent {
		if d.Timestamp.Sub(recent.Timestamp) > windowHorizon {
			continue
		}
		if similar(d, recent) {
			similarCount++
		}
	}

	return similarCount >= v.cfg.TemporalFrames-1
}

func (v *Validator) makeValid(d Detection) ValidDetection {
	catCount := 0
	for _, box := range d.Boxes {
		if box.Area() >= v.cfg.MinDetectionSize {
			catCount++
		}
	}

	return ValidDetection{
		Detection:           d,
		ValidatedConfidence: math.Min(d.RawConfidence*confidenceBoost, 1.0),
		CatCount:            catCount,
		OnCounter:           true,
	}
}

// updateWindow evicts entries older than the horizon, appends the whole
// batch and trims to the newest windowCap entries.
func (v *Validator) updateWindow(batch []Detection) {
	now := v.clk.Now()

	kept := v.recent[:0]
	for _, d := range v.recent {
		if now.Sub(d.Timestamp) <= windowHorizon {
			kept = append(kept, d)
		}
	}
	v.recent = append(kept, batch...)

	if len(v.recent) > windowCap {
		v.recent = v.recent[len(v.recent)-windowCap:]
	}
}

// suppressOverlaps keeps the highest-confidence detection out of every
// overlapping group. The sort is stable so equal confidences keep their
// arrival order.
func suppressOverlaps(detections []ValidDetection) []ValidDetection {
	if len(detections) <= 1 {
		return detections
	}

	sorted := make([]ValidDetection, len(detections))
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ValidatedConfidence > sorted[j].ValidatedConfidence
	})

	var unique []ValidDetection
	for _, d := range sorted {
		keep := true
		for _, u := range unique {
			if overlaps(d, u) {
				keep = false
				break
			}
		}
		if keep {
			unique = append(unique, d)
		}
	}

	return unique
}

// similar reports whether two detections plausibly show the same cat:
// their primary boxes overlap with IoU above temporalIoUThreshold.
func similar(a, b Detection) bool {
	if len(a.Boxes) == 0 || len(b.Boxes) == 0 {
		return false
	}
	return a.Boxes[0].IoU(b.Boxes[0].Rect) > temporalIoUThreshold
}

func overlaps(a, b ValidDetection) bool {
	if len(a.Boxes) == 0 || len(b.Boxes) == 0 {
		return false
	}
	return a.Boxes[0].IoU(b.Boxes[0].Rect) > nmsIoUThreshold
}

func onCounter(d Detection, roi geometry.Rect) bool {
	for _, box := range d.Boxes {
		x, y := box.Center()
		if roi.Contains(x, y) {
			return true
		}
	}
	return false
}
