// Package perf keeps the detection pipeline inside the resource budget
// of a small single-board computer. A monitor goroutine watches CPU,
// memory and temperature and moves an optimization level up eagerly and
// down reluctantly; the pipeline consults the level's settings for
// frame pacing, downsampling and detector tuning.
package perf

// Level identifies how aggressively the pipeline trades detection
// quality for lower resource usage.
type Level int

// Optimization levels, mildest first. Transitions only ever move one
// step at a time.
const (
	LevelNormal Level = iota
	LevelConservative
	LevelAggressive
)

// String returns the level name used in logs and API responses.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelConservative:
		return "conservative"
	case LevelAggressive:
		return "aggressive"
	default:
		return "unknown"
	}
}

// Settings is the resource budget and pacing for one optimization level.
type Settings struct {
	TargetFPS         float64 `json:"target_fps"`
	MaxCPUPercent     float64 `json:"max_cpu_percent"`
	MaxMemoryPercent  float64 `json:"max_memory_percent"`
	DownsampleFactor  float64 `json:"downsample_factor"`
	SkipFrames        int     `json:"skip_frames"`
	GCFrequencyFrames int     `json:"gc_frequency_frames"`
}

// DetectionParams is the cascade tuning bundle for one optimization
// level. The detector swaps bundles whenever the level changes.
type DetectionParams struct {
	ScaleFactor    float64 `json:"scale_factor"`
	MinNeighbors   int     `json:"min_neighbors"`
	MinSizePx      int     `json:"min_size_px"`
	MaxSizePx      int     `json:"max_size_px"`
	BlurKernel     int     `json:"blur_kernel"`
	ContrastAlpha  float64 `json:"contrast_alpha"`
	BrightnessBeta float64 `json:"brightness_beta"`
	ROIShrink      float64 `json:"roi_shrink"`
}

// levelSettings maps each level to its budget. Escalation compares
// against the current level's limits, so each step up also raises the
// ceiling the next escalation must clear.
var levelSettings = [...]Settings{
	LevelNormal:       {TargetFPS: 1.0, MaxCPUPercent: 50, MaxMemoryPercent: 70, DownsampleFactor: 1.0, SkipFrames: 0, GCFrequencyFrames: 100},
	LevelConservative: {TargetFPS: 0.8, MaxCPUPercent: 60, MaxMemoryPercent: 75, DownsampleFactor: 0.8, SkipFrames: 1, GCFrequencyFrames: 50},
	LevelAggressive:   {TargetFPS: 0.5, MaxCPUPercent: 70, MaxMemoryPercent: 80, DownsampleFactor: 0.6, SkipFrames: 2, GCFrequencyFrames: 25},
}

var levelParams = [...]DetectionParams{
	LevelNormal:       {ScaleFactor: 1.1, MinNeighbors: 3, MinSizePx: 30, MaxSizePx: 300, BlurKernel: 3, ContrastAlpha: 1.2, BrightnessBeta: 10, ROIShrink: 1.0},
	LevelConservative: {ScaleFactor: 1.2, MinNeighbors: 2, MinSizePx: 40, MaxSizePx: 250, BlurKernel: 5, ContrastAlpha: 1.1, BrightnessBeta: 5, ROIShrink: 1.0},
	LevelAggressive:   {ScaleFactor: 1.3, MinNeighbors: 2, MinSizePx: 50, MaxSizePx: 200, BlurKernel: 7, ContrastAlpha: 1.0, BrightnessBeta: 0, ROIShrink: 0.8},
}

// clampLevel keeps a level inside the defined range.
func clampLevel(l Level) Level {
	if l < LevelNormal {
		return LevelNormal
	}
	if l > LevelAggressive {
		return LevelAggressive
	}
	return l
}

// SettingsFor returns the budget for a level.
func SettingsFor(l Level) Settings {
	return levelSettings[clampLevel(l)]
}

// ParamsFor returns the detector tuning bundle for a level.
func ParamsFor(l Level) DetectionParams {
	return levelParams[clampLevel(l)]
}
