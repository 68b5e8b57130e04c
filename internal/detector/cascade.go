package detector

import (
	"fmt"
	"image"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"
	"gocv.io/x/gocv"

	"github.com/ayusman/countercat/internal/detection"
	"github.com/ayusman/countercat/internal/geometry"
	"github.com/ayusman/countercat/internal/perf"
)

// Haar cascades do not score their hits, so a confidence is synthesized
// from where and how big the hit is: a centred, cat-sized shape is more
// likely an actual cat on the counter than a sliver at the frame edge.
const (
	baseConfidence = 0.6
	centerWeight   = 0.2
	sizeWeight     = 0.2
)

// builtinCascades are tried in order when no explicit model path loads.
// The generic face cascade is the last resort: a false cat beats no
// detector at all.
var builtinCascades = []string{
	"haarcascade_frontalcatface.xml",
	"haarcascade_frontalcatface_extended.xml",
	"haarcascade_frontalface_default.xml",
}

// systemCascadeDirs are where OpenCV installs ship their cascade files.
var systemCascadeDirs = []string{
	"/usr/share/opencv4/haarcascades",
	"/usr/local/share/opencv4/haarcascades",
	"/usr/share/opencv/haarcascades",
}

// CascadeDetector detects cats using an OpenCV Haar cascade classifier.
type CascadeDetector struct {
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	modelPath  string
	closed     bool

	threshold float64
	baseROI   geometry.Rect
	params    perf.DetectionParams

	pre *Preprocessor
	clk clock.Clock
}

// NewCascadeDetector loads a Haar cascade and returns a detector using
// it. An error is returned when no cascade file can be found or loaded;
// callers typically fall back to the mock detector then.
func NewCascadeDetector(cfg Config, clk clock.Clock) (*CascadeDetector, error) {
	if clk == nil {
		clk = clock.New()
	}

	path := findCascade(cfg.ModelPath)
	if path == "" {
		return nil, fmt.Errorf("no cascade file found (model path %q)", cfg.ModelPath)
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load cascade from %s", path)
	}

	log.Printf("[detector] loaded cascade: %s", path)

	threshold := cfg.ConfidenceThreshold
	if threshold <= 0 {
		threshold = DefaultConfig().ConfidenceThreshold
	}

	return &CascadeDetector{
		classifier: classifier,
		modelPath:  path,
		threshold:  threshold,
		baseROI:    cfg.ROI,
		params:     perf.ParamsFor(perf.LevelNormal),
		pre:        NewPreprocessor(),
		clk:        clk,
	}, nil
}

// Detect finds cats in the frame. The frame is preprocessed as a whole,
// the region of interest is cropped out, and cascade hits inside it are
// mapped back to full-frame coordinates and scored.
func (d *CascadeDetector) Detect(frame *gocv.Mat) ([]detection.Detection, error) {
	if frame == nil || frame.Empty() {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, &DetectionError{Reason: "detector is closed"}
	}

	frameW := frame.Cols()
	frameH := frame.Rows()

	processed := d.pre.Process(frame, d.params)

	roi := geometry.Clamp(geometry.Shrink(d.baseROI, d.params.ROIShrink), frameW, frameH)
	if roi.Empty() {
		roi = geometry.Rect{Width: frameW, Height: frameH}
	}

	view := processed.Region(image.Rect(roi.X, roi.Y, roi.X+roi.Width, roi.Y+roi.Height))
	hits := d.classifier.DetectMultiScaleWithParams(
		view,
		d.params.ScaleFactor,
		d.params.MinNeighbors,
		0,
		image.Pt(d.params.MinSizePx, d.params.MinSizePx),
		image.Pt(d.params.MaxSizePx, d.params.MaxSizePx),
	)
	view.Close()

	now := d.clk.Now()
	var results []detection.Detection
	for _, hit := range hits {
		// Map back from ROI to full-frame coordinates
		box := geometry.Rect{
			X:      hit.Min.X + roi.X,
			Y:      hit.Min.Y + roi.Y,
			Width:  hit.Dx(),
			Height: hit.Dy(),
		}

		confidence := scoreBox(box, frameW, frameH, d.params.MaxSizePx)
		if confidence < d.threshold {
			continue
		}

		results = append(results, detection.Detection{
			Timestamp:     now,
			Boxes:         []detection.BoundingBox{{Rect: box, Confidence: confidence}},
			FrameWidth:    frameW,
			FrameHeight:   frameH,
			RawConfidence: confidence,
		})
	}

	return results, nil
}

// SetConfidenceThreshold sets the minimum synthesized confidence a hit
// needs to be reported. Values are clamped to [0, 1].
func (d *CascadeDetector) SetConfidenceThreshold(threshold float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = math.Max(0.0, math.Min(1.0, threshold))
}

// SetROI restricts detection to a region of the frame. The region is
// clamped to the frame bounds at detection time.
func (d *CascadeDetector) SetROI(roi geometry.Rect) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseROI = roi
}

// ApplyParams adopts the cascade and preprocessing parameters for the
// current performance level.
func (d *CascadeDetector) ApplyParams(params perf.DetectionParams) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = params
}

// ModelPath returns the cascade file in use.
func (d *CascadeDetector) ModelPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modelPath
}

// Close releases the classifier and preprocessing buffers.
func (d *CascadeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	d.pre.Close()
	return d.classifier.Close()
}

// scoreBox synthesizes a confidence for a hit in full-frame
// coordinates. Centrality contributes up to centerWeight, relative size
// up to sizeWeight on top of the base.
func scoreBox(box geometry.Rect, frameW, frameH, maxSizePx int) float64 {
	cx, cy := box.Center()

	centerFactor := 0.0
	if maxDist := math.Hypot(float64(frameW), float64(frameH)); maxDist > 0 {
		dist := math.Hypot(float64(cx-frameW/2), float64(cy-frameH/2))
		centerFactor = 1.0 - dist/maxDist
	}

	sizeFactor := 1.0
	if maxArea := maxSizePx * maxSizePx; maxArea > 0 {
		sizeFactor = math.Min(1.0, float64(box.Area())/float64(maxArea))
	}

	confidence := baseConfidence + centerWeight*centerFactor + sizeWeight*sizeFactor
	return math.Max(0.0, math.Min(1.0, confidence))
}

// findCascade resolves the cascade file to load. An explicit path wins
// when it exists; otherwise the built-in cascade names are searched
// under models/, next to the executable, and in the usual system
// install locations.
func findCascade(explicit string) string {
	var candidates []string
	if explicit != "" {
		candidates = append(candidates, explicit)
	}

	execDir := ""
	if execPath, err := os.Executable(); err == nil {
		execDir = filepath.Dir(execPath)
	}

	for _, name := range builtinCascades {
		candidates = append(candidates, filepath.Join("models", name))
		if execDir != "" {
			candidates = append(candidates, filepath.Join(execDir, "models", name))
		}
		for _, dir := range systemCascadeDirs {
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}

	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}

	return ""
}
