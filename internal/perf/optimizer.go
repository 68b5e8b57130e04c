package perf

import (
	"context"
	"fmt"
	"image"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gocv.io/x/gocv"
)

const (
	// monitorInterval is the steady sampling cadence.
	monitorInterval = 3 * time.Second
	// monitorBackoff replaces the cadence after a sampling failure.
	monitorBackoff = 5 * time.Second
	// historyCap bounds the metrics history.
	historyCap = 100
	// deescalateWindow is how many trailing samples must agree before
	// stepping back down.
	deescalateWindow = 5

	// instantRecoveryFraction and sustainedRecoveryFraction are the two
	// hysteresis gates for de-escalation, both relative to the current
	// level's limits. Escalation is instant; recovery has to be earned.
	instantRecoveryFraction   = 0.7
	sustainedRecoveryFraction = 0.6

	// hotBoardC is the temperature above which the summary recommends
	// cooling.
	hotBoardC = 70.0
)

// LevelChange describes one optimization level transition.
type LevelChange struct {
	From   Level     `json:"from"`
	To     Level     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Optimizer watches host resource usage and adjusts the optimization
// level. A monitor goroutine samples every few seconds; per-frame work
// (skip, downsample, GC pacing) happens on the pipeline goroutine via
// OptimizeFrame.
type Optimizer struct {
	sampler Sampler
	clk     clock.Clock

	mu      sync.Mutex
	level   Level
	history []Metrics
	running bool

	snapshots    chan Metrics
	levelChanges chan LevelChange

	// Per-frame state, owned by the pipeline goroutine. Not locked.
	frameCounter    int
	processedFrames int
	scratch         gocv.Mat
	scratchReady    bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewOptimizer creates an optimizer at the normal level. A nil clock
// falls back to the wall clock.
func NewOptimizer(sampler Sampler, clk clock.Clock) *Optimizer {
	if clk == nil {
		clk = clock.New()
	}
	return &Optimizer{
		sampler:      sampler,
		clk:          clk,
		snapshots:    make(chan Metrics, 1),
		levelChanges: make(chan LevelChange, 1),
	}
}

// Start launches the monitor goroutine.
func (o *Optimizer) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.mu.Unlock()

	go o.monitor()
	log.Println("Performance monitor started")
}

// Stop halts the monitor goroutine and waits for it to exit.
func (o *Optimizer) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	close(o.stopCh)
	<-o.doneCh
	log.Println("Performance monitor stopped")
}

// Close releases the scratch frame buffer. Call after the pipeline has
// stopped using OptimizeFrame results.
func (o *Optimizer) Close() {
	if o.scratchReady {
		o.scratch.Close()
		o.scratchReady = false
	}
}

// Snapshots delivers the freshest metrics sample. The channel has
// capacity one and stale values are displaced, so a slow reader always
// sees the newest snapshot.
func (o *Optimizer) Snapshots() <-chan Metrics { return o.snapshots }

// LevelChanges delivers level transitions with the same drop-old
// semantics as Snapshots.
func (o *Optimizer) LevelChanges() <-chan LevelChange { return o.levelChanges }

// Level returns the active optimization level.
func (o *Optimizer) Level() Level {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.level
}

// CurrentSettings returns the budget for the active level.
func (o *Optimizer) CurrentSettings() Settings {
	return SettingsFor(o.Level())
}

// CurrentParams returns the detector tuning bundle for the active level.
func (o *Optimizer) CurrentParams() DetectionParams {
	return ParamsFor(o.Level())
}

// ForceLevel pins the optimizer to a level regardless of metrics. Used
// by the API and tests; out-of-range levels are clamped.
func (o *Optimizer) ForceLevel(l Level, reason string) {
	l = clampLevel(l)

	o.mu.Lock()
	if l == o.level {
		o.mu.Unlock()
		return
	}
	change := o.shiftLocked(l, reason)
	o.mu.Unlock()

	log.Printf("Optimization level %s -> %s: %s", change.From, change.To, change.Reason)
	publish(o.levelChanges, change)
}

// ObservePipeline merges pipeline-side measurements into the freshest
// sample; the monitor only sees host metrics.
func (o *Optimizer) ObservePipeline(fps, latencyMS float64, queueDepth int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.history) == 0 {
		o.history = append(o.history, Metrics{Timestamp: o.clk.Now()})
	}
	m := &o.history[len(o.history)-1]
	m.FPS = fps
	m.DetectionLatencyMS = latencyMS
	m.QueueDepth = float64(queueDepth)
}

// History returns up to n of the newest samples, oldest first. n <= 0
// means everything retained.
func (o *Optimizer) History(n int) []Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()

	if n <= 0 || n > len(o.history) {
		n = len(o.history)
	}
	out := make([]Metrics, n)
	copy(out, o.history[len(o.history)-n:])
	return out
}

// Summary is the status-surface view of the optimizer.
type Summary struct {
	Level            Level           `json:"level"`
	LevelName        string          `json:"level_name"`
	Settings         Settings        `json:"settings"`
	Params           DetectionParams `json:"detection_params"`
	Samples          int             `json:"samples"`
	AvgCPUPercent    float64         `json:"avg_cpu_percent"`
	AvgMemoryPercent float64         `json:"avg_memory_percent"`
	AvgTemperatureC  float64         `json:"avg_temperature_c"`
	CurrentFPS       float64         `json:"current_fps"`
	Recommendations  []string        `json:"recommendations,omitempty"`
}

// Summary reports the current level, averages over the retained history
// and tuning recommendations derived from the freshest sample.
func (o *Optimizer) Summary() Summary {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Summary{
		Level:     o.level,
		LevelName: o.level.String(),
		Settings:  levelSettings[o.level],
		Params:    levelParams[o.level],
		Samples:   len(o.history),
	}
	if len(o.history) == 0 {
		return s
	}

	var cpuSum, memSum, tempSum float64
	for _, m := range o.history {
		cpuSum += m.CPUPercent
		memSum += m.MemoryPercent
		tempSum += m.TemperatureC
	}
	n := float64(len(o.history))
	s.AvgCPUPercent = cpuSum / n
	s.AvgMemoryPercent = memSum / n
	s.AvgTemperatureC = tempSum / n

	latest := o.history[len(o.history)-1]
	s.CurrentFPS = latest.FPS

	if latest.CPUPercent > s.Settings.MaxCPUPercent {
		s.Recommendations = append(s.Recommendations, "CPU over budget: consider lowering the detection frame rate")
	}
	if latest.MemoryPercent > s.Settings.MaxMemoryPercent {
		s.Recommendations = append(s.Recommendations, "memory over budget: consider shorter image retention")
	}
	if latest.TemperatureC > hotBoardC {
		s.Recommendations = append(s.Recommendations, "board running hot: check cooling and airflow")
	}
	return s
}

// OptimizeFrame applies the per-frame load-shedding policy: duty-cycle
// frame skipping, counter-paced garbage collection and downsampling
// into a reused scratch buffer. The returned Mat is optimizer-owned
// (the input or the scratch) and must not be closed by the caller; a
// false result means the frame should be dropped.
//
// Only the pipeline goroutine may call this.
func (o *Optimizer) OptimizeFrame(frame gocv.Mat) (gocv.Mat, bool) {
	settings := o.CurrentSettings()

	skip := settings.SkipFrames > 0 && o.frameCounter%(settings.SkipFrames+1) != 0
	o.frameCounter++
	if skip {
		return frame, false
	}

	o.processedFrames++
	if settings.GCFrequencyFrames > 0 && o.processedFrames%settings.GCFrequencyFrames == 0 {
		runtime.GC()
	}

	if settings.DownsampleFactor >= 1.0 || frame.Empty() {
		return frame, true
	}

	width := int(float64(frame.Cols()) * settings.DownsampleFactor)
	height := int(float64(frame.Rows()) * settings.DownsampleFactor)
	if width < 1 || height < 1 {
		return frame, true
	}

	if !o.scratchReady {
		o.scratch = gocv.NewMat()
		o.scratchReady = true
	}
	gocv.Resize(frame, &o.scratch, image.Point{X: width, Y: height}, 0, 0, gocv.InterpolationLinear)
	return o.scratch, true
}

// monitor is the sampling loop. Sampling failures stretch the cadence
// to the backoff interval until a sample succeeds again.
func (o *Optimizer) monitor() {
	defer close(o.doneCh)

	ticker := o.clk.Ticker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			if err := o.tick(); err != nil {
				log.Printf("Metrics sampling failed: %v", err)
				ticker.Reset(monitorBackoff)
				continue
			}
			ticker.Reset(monitorInterval)
		}
	}
}

// tick takes one sample, folds it into history and runs the level
// decision.
func (o *Optimizer) tick() error {
	ctx, cancel := context.WithTimeout(context.Background(), monitorInterval)
	defer cancel()

	m, err := o.sampler.Sample(ctx)
	if err != nil {
		return err
	}
	m.Timestamp = o.clk.Now()

	o.mu.Lock()
	o.history = append(o.history, m)
	if len(o.history) > historyCap {
		o.history = o.history[len(o.history)-historyCap:]
	}
	change, changed := o.evaluateLocked()
	o.mu.Unlock()

	publish(o.snapshots, m)
	if changed {
		log.Printf("Optimization level %s -> %s: %s", change.From, change.To, change.Reason)
		publish(o.levelChanges, change)
	}
	return nil
}

// evaluateLocked applies the level policy to the freshest sample.
// Called with o.mu held.
func (o *Optimizer) evaluateLocked() (LevelChange, bool) {
	if len(o.history) == 0 {
		return LevelChange{}, false
	}
	current := o.history[len(o.history)-1]
	limits := levelSettings[o.level]

	if o.level < LevelAggressive {
		if current.CPUPercent > limits.MaxCPUPercent {
			reason := fmt.Sprintf("cpu %.1f%% over %.0f%% limit", current.CPUPercent, limits.MaxCPUPercent)
			return o.shiftLocked(o.level+1, reason), true
		}
		if current.MemoryPercent > limits.MaxMemoryPercent {
			reason := fmt.Sprintf("memory %.1f%% over %.0f%% limit", current.MemoryPercent, limits.MaxMemoryPercent)
			return o.shiftLocked(o.level+1, reason), true
		}
	}

	if o.level > LevelNormal && o.canRelaxLocked(current, limits) {
		return o.shiftLocked(o.level-1, "resource usage back under budget"), true
	}

	return LevelChange{}, false
}

// canRelaxLocked requires both the instant sample and the recent average
// to sit comfortably under the current limits, so one quiet moment
// cannot bounce the level straight back down.
func (o *Optimizer) canRelaxLocked(current Metrics, limits Settings) bool {
	if current.CPUPercent >= limits.MaxCPUPercent*instantRecoveryFraction ||
		current.MemoryPercent >= limits.MaxMemoryPercent*instantRecoveryFraction {
		return false
	}
	if len(o.history) < deescalateWindow {
		return false
	}

	var cpuSum, memSum float64
	recent := o.history[len(o.history)-deescalateWindow:]
	for _, m := range recent {
		cpuSum += m.CPUPercent
		memSum += m.MemoryPercent
	}
	n := float64(len(recent))
	return cpuSum/n < limits.MaxCPUPercent*sustainedRecoveryFraction &&
		memSum/n < limits.MaxMemoryPercent*sustainedRecoveryFraction
}

func (o *Optimizer) shiftLocked(to Level, reason string) LevelChange {
	change := LevelChange{From: o.level, To: to, Reason: reason, At: o.clk.Now()}
	o.level = to
	return change
}

// publish delivers on a capacity-1 channel, displacing a stale value so
// the freshest one always wins.
func publish[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
