package detector

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gocv.io/x/gocv"

	"github.com/ayusman/countercat/internal/detection"
	"github.com/ayusman/countercat/internal/geometry"
	"github.com/ayusman/countercat/internal/perf"
)

// MockDetector is a test implementation of the Detector interface. It
// returns pre-configured detections, and doubles as the runtime
// fallback when no cascade file is available: in synthesize mode it
// reports a cat on every nth frame so the rest of the pipeline stays
// exercised.
type MockDetector struct {
	mu         sync.Mutex
	detections []detection.Detection
	err        error

	threshold float64
	roi       geometry.Rect
	params    perf.DetectionParams

	every int
	calls int
	clk   clock.Clock
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	cfg := DefaultConfig()
	return &MockDetector{
		threshold: cfg.ConfidenceThreshold,
		roi:       cfg.ROI,
		params:    perf.ParamsFor(perf.LevelNormal),
		clk:       clock.New(),
	}
}

// NewSynthesizingMock returns a mock that reports a cat on every nth
// Detect call. A nil clock falls back to the wall clock.
func NewSynthesizingMock(every int, clk clock.Clock) *MockDetector {
	m := NewMockDetector()
	if every < 1 {
		every = 1
	}
	m.every = every
	if clk != nil {
		m.clk = clk
	}
	return m
}

// SetDetections sets the detections that will be returned by Detect.
func (m *MockDetector) SetDetections(detections []detection.Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detections = detections
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Detect returns the pre-configured detections or error. In synthesize
// mode it fabricates a cat in the region of interest instead.
func (m *MockDetector) Detect(frame *gocv.Mat) ([]detection.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	m.calls++

	if m.every > 0 {
		if m.calls%m.every != 0 {
			return nil, nil
		}
		return []detection.Detection{m.synthesize()}, nil
	}

	if len(m.detections) == 0 {
		return nil, nil
	}

	out := make([]detection.Detection, len(m.detections))
	copy(out, m.detections)
	return out, nil
}

// SetConfidenceThreshold records the threshold for inspection.
func (m *MockDetector) SetConfidenceThreshold(threshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = threshold
}

// SetROI records the region of interest for inspection.
func (m *MockDetector) SetROI(roi geometry.Rect) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roi = roi
}

// ApplyParams records the detection parameters for inspection.
func (m *MockDetector) ApplyParams(params perf.DetectionParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = params
}

// Threshold returns the last threshold set.
func (m *MockDetector) Threshold() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threshold
}

// ROI returns the last region of interest set.
func (m *MockDetector) ROI() geometry.Rect {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roi
}

// Params returns the last detection parameters applied.
func (m *MockDetector) Params() perf.DetectionParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

// Calls returns how many times Detect has been invoked.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Close is a no-op for the mock detector.
func (m *MockDetector) Close() error {
	return nil
}

// synthesize fabricates a cat in the upper-left quarter of the region
// of interest. Caller holds the lock.
func (m *MockDetector) synthesize() detection.Detection {
	roi := m.roi
	if roi.Empty() {
		roi = geometry.Rect{Width: 640, Height: 480}
	}

	box := geometry.Rect{
		X:      roi.X + roi.Width/4,
		Y:      roi.Y + roi.Height/4,
		Width:  roi.Width / 4,
		Height: roi.Height / 4,
	}

	return detection.Detection{
		Timestamp:     m.clk.Now(),
		Boxes:         []detection.BoundingBox{{Rect: box, Confidence: 0.8}},
		FrameWidth:    640,
		FrameHeight:   480,
		RawConfidence: 0.8,
	}
}

// CounterCatDetection returns a preset Detection representing a cat
// sitting squarely on the counter: a large, centred, high-confidence
// box that passes every validation filter.
func CounterCatDetection(ts time.Time) detection.Detection {
	return detection.Detection{
		Timestamp: ts,
		Boxes: []detection.BoundingBox{
			{Rect: geometry.Rect{X: 240, Y: 160, Width: 160, Height: 160}, Confidence: 0.92},
		},
		FrameWidth:    640,
		FrameHeight:   480,
		RawConfidence: 0.92,
	}
}

// EdgeCatDetection returns a preset Detection representing a small,
// uncertain shape at the frame edge, the kind the validator should
// reject.
func EdgeCatDetection(ts time.Time) detection.Detection {
	return detection.Detection{
		Timestamp: ts,
		Boxes: []detection.BoundingBox{
			{Rect: geometry.Rect{X: 600, Y: 440, Width: 36, Height: 36}, Confidence: 0.62},
		},
		FrameWidth:    640,
		FrameHeight:   480,
		RawConfidence: 0.62,
	}
}
