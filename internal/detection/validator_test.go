package detection

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ayusman/countercat/internal/geometry"
)

// testConfig returns settings with temporal filtering disabled so the
// single-frame filters can be exercised in isolation.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TemporalFrames = 1
	return cfg
}

func det(ts time.Time, conf float64, rects ...geometry.Rect) Detection {
	boxes := make([]BoundingBox, 0, len(rects))
	for _, r := range rects {
		boxes = append(boxes, BoundingBox{Rect: r, Confidence: conf})
	}
	return Detection{
		Timestamp:     ts,
		Boxes:         boxes,
		FrameWidth:    640,
		FrameHeight:   480,
		RawConfidence: conf,
	}
}

func TestValidate_ConfidenceThresholdIsInclusive(t *testing.T) {
	clk := clock.NewMock()
	v := NewValidator(testConfig(), clk)

	box := geometry.Rect{X: 100, Y: 100, Width: 50, Height: 50}

	if valid := v.Validate([]Detection{det(clk.Now(), 0.69, box)}); len(valid) != 0 {
		t.Errorf("expected 0.69 rejected at threshold 0.70, got %d valid", len(valid))
	}
	if valid := v.Validate([]Detection{det(clk.Now(), 0.70, box)}); len(valid) != 1 {
		t.Errorf("expected 0.70 accepted at threshold 0.70, got %d valid", len(valid))
	}
}

func TestValidate_SizeFilterAcceptsAnyLargeBox(t *testing.T) {
	clk := clock.NewMock()
	v := NewValidator(testConfig(), clk)

	tiny := geometry.Rect{X: 100, Y: 100, Width: 5, Height: 5}
	big := geometry.Rect{X: 200, Y: 200, Width: 20, Height: 20}

	if valid := v.Validate([]Detection{det(clk.Now(), 0.9, tiny)}); len(valid) != 0 {
		t.Errorf("expected 25px² box rejected below the 50px² minimum, got %d valid", len(valid))
	}
	if valid := v.Validate([]Detection{det(clk.Now(), 0.9, tiny, big)}); len(valid) != 1 {
		t.Errorf("expected detection with one large box accepted, got %d valid", len(valid))
	}
}

func TestValidate_NoBoxesRejected(t *testing.T) {
	clk := clock.NewMock()
	v := NewValidator(testConfig(), clk)

	if valid := v.Validate([]Detection{det(clk.Now(), 0.9)}); len(valid) != 0 {
		t.Errorf("expected box-less detection rejected, got %d valid", len(valid))
	}
	if got := v.Stats().RejectedSize; got != 1 {
		t.Errorf("expected rejection attributed to the size filter, got %d", got)
	}
}

func TestValidate_PositionUsesInclusiveBoxCenter(t *testing.T) {
	clk := clock.NewMock()
	cfg := testConfig()
	cfg.CounterROI = geometry.Rect{X: 0, Y: 0, Width: 320, Height: 240}
	v := NewValidator(cfg, clk)

	outside := geometry.Rect{X: 400, Y: 300, Width: 60, Height: 60}
	if valid := v.Validate([]Detection{det(clk.Now(), 0.9, outside)}); len(valid) != 0 {
		t.Errorf("expected off-counter detection rejected, got %d valid", len(valid))
	}

	// Center lands exactly on the region's far corner (320, 240).
	edge := geometry.Rect{X: 300, Y: 220, Width: 40, Height: 40}
	if valid := v.Validate([]Detection{det(clk.Now(), 0.9, edge)}); len(valid) != 1 {
		t.Errorf("expected edge-centered detection accepted, got %d valid", len(valid))
	}
}

// A brand-new detection has no corroborating history, so with the
// default two-frame requirement the first sighting is rejected and the
// second accepted.
func TestValidate_TemporalNeedsCorroboratingFrame(t *testing.T) {
	clk := clock.NewMock()
	v := NewValidator(DefaultConfig(), clk)

	box := geometry.Rect{X: 100, Y: 100, Width: 50, Height: 50}

	if valid := v.Validate([]Detection{det(clk.Now(), 0.9, box)}); len(valid) != 0 {
		t.Fatalf("expected first sighting rejected, got %d valid", len(valid))
	}

	clk.Add(time.Second)
	if valid := v.Validate([]Detection{det(clk.Now(), 0.9, box)}); len(valid) != 1 {
		t.Errorf("expected corroborated sighting accepted, got %d valid", len(valid))
	}
}

// With a three-frame requirement two corroborating window entries are
// needed, so the third consecutive sighting is the first to pass.
func TestValidate_ThreeFrameRequirement(t *testing.T) {
	clk := clock.NewMock()
	cfg := DefaultConfig()
	cfg.TemporalFrames = 3
	v := NewValidator(cfg, clk)

	box := geometry.Rect{X: 100, Y: 100, Width: 50, Height: 50}

	if valid := v.Validate([]Detection{det(clk.Now(), 0.9, box)}); len(valid) != 0 {
		t.Fatalf("expected first sighting rejected, got %d valid", len(valid))
	}
	clk.Add(time.Second)
	if valid := v.Validate([]Detection{det(clk.Now(), 0.9, box)}); len(valid) != 0 {
		t.Fatalf("expected second sighting rejected, got %d valid", len(valid))
	}
	clk.Add(time.Second)
	if valid := v.Validate([]Detection{det(clk.Now(), 0.9, box)}); len(valid) != 1 {
		t.Errorf("expected third sighting accepted, got %d valid", len(valid))
	}
}

// Detections that fail a filter still land in the temporal window, so a
// low-confidence sighting can corroborate a later confident one.
func TestValidate_RejectedDetectionStillCorroborates(t *testing.T) {
	clk := clock.NewMock()
	v := NewValidator(DefaultConfig(), clk)

	box := geometry.Rect{X: 100, Y: 100, Width: 50, Height: 50}

	v.Validate([]Detection{det(clk.Now(), 0.2, box)})

	clk.Add(time.Second)
	if valid := v.Validate([]Detection{det(clk.Now(), 0.9, box)}); len(valid) != 1 {
		t.Errorf("expected low-confidence history to corroborate, got %d valid", len(valid))
	}
}

// Candidates inside one batch cannot corroborate each other; the window
// only carries detections from earlier batches.
func TestValidate_SameBatchDoesNotSelfCorroborate(t *testing.T) {
	clk := clock.NewMock()
	v := NewValidator(DefaultConfig(), clk)

	box := geometry.Rect{X: 100, Y: 100, Width: 50, Height: 50}
	batch := []Detection{det(clk.Now(), 0.9, box), det(clk.Now(), 0.9, box)}

	if valid := v.Validate(batch); len(valid) != 0 {
		t.Errorf("expected same-batch candidates rejected, got %d valid", len(valid))
	}
}

func TestValidate_MovedCatDoesNotCorroborate(t *testing.T) {
	clk := clock.NewMock()
	v := NewValidator(DefaultConfig(), clk)

	v.Validate([]Detection{det(clk.Now(), 0.9, geometry.Rect{X: 0, Y: 0, Width: 50, Height: 50})})

	clk.Add(time.Second)
	moved := det(clk.Now(), 0.9, geometry.Rect{X: 400, Y: 300, Width: 50, Height: 50})
	if valid := v.Validate([]Detection{moved}); len(valid) != 0 {
		t.Errorf("expected non-overlapping history ignored, got %d valid", len(valid))
	}
}

func TestValidate_StaleHistoryDoesNotCorroborate(t *testing.T) {
	clk := clock.NewMock()
	v := NewValidator(DefaultConfig(), clk)

	box := geometry.Rect{X: 100, Y: 100, Width: 50, Height: 50}
	v.Validate([]Detection{det(clk.Now(), 0.9, box)})

	clk.Add(6 * time.Second)
	if valid := v.Validate([]Detection{det(clk.Now(), 0.9, box)}); len(valid) != 0 {
		t.Errorf("expected history past the five second horizon ignored, got %d valid", len(valid))
	}
}

func TestValidate_ConfidenceBoostCapsAtOne(t *testing.T) {
	clk := clock.NewMock()
	v := NewValidator(testConfig(), clk)

	box := geometry.Rect{X: 100, Y: 100, Width: 50, Height: 50}

	valid := v.Validate([]Detection{det(clk.Now(), 0.8, box)})
	if len(valid) != 1 {
		t.Fatalf("expected detection to pass, got %d valid", len(valid))
	}
	if got := valid[0].ValidatedConfidence; math.Abs(got-0.88) > 1e-9 {
		t.Errorf("expected validated confidence 0.88, got %f", got)
	}

	valid = v.Validate([]Detection{det(clk.Now(), 0.99, box)})
	if len(valid) != 1 {
		t.Fatalf("expected detection to pass, got %d valid", len(valid))
	}
	if got := valid[0].ValidatedConfidence; got != 1.0 {
		t.Errorf("expected boost capped at 1.0, got %f", got)
	}
}

func TestValidate_CatCountSkipsSmallBoxes(t *testing.T) {
	clk := clock.NewMock()
	v := NewValidator(testConfig(), clk)

	big := geometry.Rect{X: 100, Y: 100, Width: 30, Height: 30}
	tiny := geometry.Rect{X: 200, Y: 200, Width: 5, Height: 5}

	valid := v.Validate([]Detection{det(clk.Now(), 0.9, big, tiny)})
	if len(valid) != 1 {
		t.Fatalf("expected detection to pass, got %d valid", len(valid))
	}
	if got := valid[0].CatCount; got != 1 {
		t.Errorf("expected cat count 1 with one undersized box, got %d", got)
	}
	if !valid[0].OnCounter {
		t.Error("expected validated detection marked on counter")
	}
}

// Two detections of the same cat from overlapping boxes collapse into
// one; a detection elsewhere in the frame still counts separately.
func TestCountCats_SuppressesOverlaps(t *testing.T) {
	clk := clock.NewMock()
	v := NewValidator(testConfig(), clk)

	valid := v.Validate([]Detection{
		det(clk.Now(), 0.9, geometry.Rect{X: 100, Y: 100, Width: 60, Height: 60}),
		det(clk.Now(), 0.8, geometry.Rect{X: 110, Y: 110, Width: 60, Height: 60}),
		det(clk.Now(), 0.85, geometry.Rect{X: 400, Y: 300, Width: 60, Height: 60}),
	})
	if len(valid) != 3 {
		t.Fatalf("expected all three detections to validate, got %d", len(valid))
	}

	if got := v.CountCats(valid); got != 2 {
		t.Errorf("expected 2 cats after suppression, got %d", got)
	}
}

func TestCountCats_Empty(t *testing.T) {
	v := NewValidator(testConfig(), clock.NewMock())
	if got := v.CountCats(nil); got != 0 {
		t.Errorf("expected 0 cats for empty input, got %d", got)
	}
}

func TestSetConfidenceThreshold_Clamps(t *testing.T) {
	v := NewValidator(DefaultConfig(), clock.NewMock())

	v.SetConfidenceThreshold(1.5)
	if got := v.Stats().Config.ConfidenceThreshold; got != 1.0 {
		t.Errorf("expected threshold clamped to 1.0, got %f", got)
	}

	v.SetConfidenceThreshold(-0.2)
	if got := v.Stats().Config.ConfidenceThreshold; got != 0.0 {
		t.Errorf("expected threshold clamped to 0.0, got %f", got)
	}
}

func TestStats_AttributesRejectionsToFilters(t *testing.T) {
	clk := clock.NewMock()
	cfg := DefaultConfig()
	cfg.CounterROI = geometry.Rect{X: 0, Y: 0, Width: 320, Height: 240}
	v := NewValidator(cfg, clk)

	inROI := geometry.Rect{X: 50, Y: 50, Width: 50, Height: 50}
	outROI := geometry.Rect{X: 400, Y: 300, Width: 50, Height: 50}
	tiny := geometry.Rect{X: 50, Y: 50, Width: 5, Height: 5}

	v.Validate([]Detection{
		det(clk.Now(), 0.1, inROI),
		det(clk.Now(), 0.9, tiny),
		det(clk.Now(), 0.9, outROI),
		det(clk.Now(), 0.9, inROI),
	})

	stats := v.Stats()
	if stats.Candidates != 4 {
		t.Errorf("expected 4 candidates, got %d", stats.Candidates)
	}
	if stats.RejectedConfidence != 1 {
		t.Errorf("expected 1 confidence rejection, got %d", stats.RejectedConfidence)
	}
	if stats.RejectedSize != 1 {
		t.Errorf("expected 1 size rejection, got %d", stats.RejectedSize)
	}
	if stats.RejectedPosition != 1 {
		t.Errorf("expected 1 position rejection, got %d", stats.RejectedPosition)
	}
	if stats.RejectedTemporal != 1 {
		t.Errorf("expected 1 temporal rejection, got %d", stats.RejectedTemporal)
	}
	if stats.Accepted != 0 {
		t.Errorf("expected 0 accepted, got %d", stats.Accepted)
	}
	if stats.WindowSize != 4 {
		t.Errorf("expected all 4 candidates in window, got %d", stats.WindowSize)
	}
}

func TestWindow_EvictsOldAndCaps(t *testing.T) {
	clk := clock.NewMock()
	v := NewValidator(DefaultConfig(), clk)

	box := geometry.Rect{X: 100, Y: 100, Width: 50, Height: 50}

	v.Validate([]Detection{det(clk.Now(), 0.9, box)})
	clk.Add(6 * time.Second)
	v.Validate([]Detection{det(clk.Now(), 0.9, box)})

	if got := v.Stats().WindowSize; got != 1 {
		t.Errorf("expected stale entry evicted, window size 1, got %d", got)
	}

	batch := make([]Detection, 80)
	for i := range batch {
		batch[i] = det(clk.Now(), 0.9, box)
	}
	v.Validate(batch)

	if got := v.Stats().WindowSize; got != 50 {
		t.Errorf("expected window capped at 50, got %d", got)
	}
}

func TestResetWindow_DropsHistory(t *testing.T) {
	clk := clock.NewMock()
	v := NewValidator(DefaultConfig(), clk)

	box := geometry.Rect{X: 100, Y: 100, Width: 50, Height: 50}
	v.Validate([]Detection{det(clk.Now(), 0.9, box)})

	v.ResetWindow()
	if got := v.Stats().WindowSize; got != 0 {
		t.Errorf("expected empty window after reset, got %d", got)
	}
}
