package app

import (
	"fmt"
	"log"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/countercat/internal/detection"
	"github.com/ayusman/countercat/internal/fault"
	"github.com/ayusman/countercat/internal/server"
)

// runPipeline is the main detection loop. It paces frame reads with a
// ticker whose period follows the optimizer's target frame rate.
//
// Per tick:
// 1. Apply any pending optimization level change (FPS, detector params)
// 2. Forward the latest resource snapshot to dashboard clients
// 3. Honor the monitoring schedule, resetting the validator on pause
// 4. Read a frame and publish it to the MJPEG stream
// 5. Run per-frame optimization (frame skip, downsample, GC pacing)
// 6. Detect cats on the working frame
// 7. Validate detections and aggregate survivors into one record
// 8. Report throughput to the optimizer and health checker
func (a *App) runPipeline(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	settings := a.optimizer.CurrentSettings()
	interval := frameInterval(settings.TargetFPS)
	ticker := a.clk.Ticker(interval)
	defer ticker.Stop()

	monitoring := true
	windowStart := a.clk.Now()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			// Step 1: pending level change
			select {
			case change := <-a.levelCh:
				settings = a.optimizer.CurrentSettings()
				interval = frameInterval(settings.TargetFPS)
				ticker.Reset(interval)
				a.Camera().SetFPS(settings.TargetFPS)
				a.Detector().ApplyParams(a.optimizer.CurrentParams())
				a.hub.Broadcast(server.EventLevel, change)
			default:
			}

			// Step 2: resource snapshot for the dashboard
			select {
			case snap := <-a.snapCh:
				a.hub.Broadcast(server.EventHealth, snap)
			default:
			}

			// Step 3: monitoring schedule
			if !a.manager.Get().MonitoringActive(a.clk.Now()) {
				if monitoring {
					monitoring = false
					a.validator.ResetWindow()
					log.Println("Outside monitoring window, detection paused")
				}
				continue
			}
			if !monitoring {
				monitoring = true
				log.Println("Monitoring window open, detection resumed")
			}

			frameStart := a.clk.Now()

			// Step 4: read a frame
			frame, err := a.Camera().ReadFrame()
			if err != nil {
				a.faults.Handle("camera", err, fault.SeverityMedium)
				continue
			}
			a.frames.Publish(frame)

			// Step 5: per-frame optimization. The returned Mat is
			// owned by the optimizer and must not be closed here.
			work, ok := a.optimizer.OptimizeFrame(*frame)
			if !ok {
				frame.Close()
				continue
			}

			// Step 6: detection
			dets, err := a.Detector().Detect(&work)
			if err != nil {
				a.faults.Handle("detector", err, fault.SeverityMedium)
				frame.Close()
				continue
			}

			// Step 7: validation. Snapshots come from the original
			// frame, not the downsampled working copy.
			if len(dets) > 0 {
				survivors := a.validator.Validate(dets)
				if len(survivors) > 0 {
					if err := a.handleDetections(survivors, frame); err != nil {
						log.Printf("Failed to handle detection: %v", err)
					}
				}
			}
			frame.Close()

			// Step 8: throughput accounting
			a.mu.Lock()
			a.frameCount++
			count := a.frameCount
			a.mu.Unlock()

			if count%fpsSampleEvery == 0 {
				if elapsed := a.clk.Now().Sub(windowStart); elapsed > 0 {
					fps := fpsSampleEvery / elapsed.Seconds()
					latency := a.clk.Now().Sub(frameStart)
					a.mu.Lock()
					a.measuredFPS = fps
					a.mu.Unlock()
					a.optimizer.ObservePipeline(fps, float64(latency.Milliseconds()), a.notifier.QueueDepth())
					a.checker.ObserveFPS(fps)
				}
				windowStart = a.clk.Now()
			}
		}
	}
}

// handleDetections persists one aggregated record for the frame's
// surviving detections, saves a snapshot and fans out notifications.
// The record's cat count deduplicates overlapping survivors; its
// confidence is the highest validated confidence among them.
func (a *App) handleDetections(survivors []detection.ValidDetection, frame *gocv.Mat) error {
	count := a.validator.CountCats(survivors)
	if count == 0 {
		return nil
	}

	now := a.clk.Now()
	confidence := 0.0
	var boxes []detection.BoundingBox
	for _, v := range survivors {
		if v.ValidatedConfidence > confidence {
			confidence = v.ValidatedConfidence
		}
		boxes = append(boxes, v.Boxes...)
	}

	imagePath := ""
	if frame != nil && !frame.Empty() {
		path, err := a.images.Save(frame, now)
		if err != nil {
			a.faults.Handle("store", err, fault.SeverityLow)
		} else {
			imagePath = path
		}
	}

	rec := &detection.Record{
		Timestamp:  now,
		CatCount:   count,
		Confidence: confidence,
		ImagePath:  imagePath,
		Boxes:      boxes,
	}
	if err := a.store.Detections().Save(rec); err != nil {
		a.faults.Handle("store", err, fault.SeverityHigh)
		return err
	}

	a.mu.Lock()
	a.detectionCount++
	a.lastDetection = now
	a.mu.Unlock()

	log.Printf("Detected %d cat(s) on the counter (confidence %.0f%%)", count, confidence*100)

	body := fmt.Sprintf("%d cat(s) detected on the kitchen counter at %s (confidence %.0f%%)",
		count, now.Format("15:04:05"), confidence*100)
	a.notifier.Enqueue("Cat Detected!", body, imagePath)
	a.hub.Broadcast(server.EventDetection, rec)

	return nil
}

// frameInterval converts a target frame rate to a ticker period.
func frameInterval(fps float64) time.Duration {
	if fps <= 0 {
		fps = 1
	}
	return time.Duration(float64(time.Second) / fps)
}
