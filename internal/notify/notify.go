// Package notify delivers detection alerts through configurable channels
// with cooldown, rate limiting and retry.
package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/ayusman/countercat/internal/config"
	"github.com/ayusman/countercat/internal/fault"
)

// Delivery channels. Each maps to a registered Sender.
const (
	ChannelPush  = "push"
	ChannelEmail = "email"
)

const (
	maxQueue        = 100
	processInterval = time.Second
	errorBackoff    = 5 * time.Second
	deliverTimeout  = time.Minute
)

// Alert is a single notification bound to one delivery channel.
type Alert struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Channel   string    `json:"channel"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	ImagePath string    `json:"image_path,omitempty"`
}

// Sender delivers an alert over one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Journal records alert lifecycle events for later inspection. The store's
// alert repository satisfies it.
type Journal interface {
	Created(id, channel, title, body, imagePath string, at time.Time) error
	Outcome(id string, sent bool, attempts int) error
}

// Notifier queues alerts and delivers them through per-channel senders on a
// background worker. Gating happens at enqueue time: quiet hours and the
// hourly cap drop the whole alert, a running cooldown drops the affected
// channel. Failed sends are retried with a fixed backoff before the alert
// is marked failed.
type Notifier struct {
	journal Journal
	faults  *fault.Handler
	clk     clock.Clock
	retry   fault.RetryPolicy

	mu         sync.Mutex
	cfg        config.SystemConfig
	senders    map[string]Sender
	queue      []Alert
	lastSent   map[string]time.Time
	successes  []time.Time
	sent       int
	failed     int
	dropped    int
	suppressed int
	running    bool
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewNotifier creates a notifier with the given configuration snapshot.
// journal and faults may be nil; clk nil falls back to the wall clock.
func NewNotifier(cfg config.SystemConfig, journal Journal, faults *fault.Handler, clk clock.Clock) *Notifier {
	if clk == nil {
		clk = clock.New()
	}
	return &Notifier{
		journal:  journal,
		faults:   faults,
		clk:      clk,
		retry:    fault.RetryPolicy{MaxAttempts: 3, Delay: 5 * time.Second, Backoff: 1.0},
		cfg:      cfg,
		senders:  make(map[string]Sender),
		lastSent: make(map[string]time.Time),
	}
}

// RegisterSender binds a sender to a delivery channel, replacing any
// previous sender for that channel.
func (n *Notifier) RegisterSender(channel string, s Sender) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.senders[channel] = s
}

// ApplyConfig swaps in a new configuration snapshot. Gating decisions use
// the latest snapshot from the next enqueue on.
func (n *Notifier) ApplyConfig(cfg config.SystemConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg = cfg
}

// Enqueue fans an alert out to every enabled channel that passes gating
// and appends the survivors to the delivery queue. Gated and overflowed
// alerts are dropped with a log line.
func (n *Notifier) Enqueue(title, body, imagePath string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clk.Now()
	if n.cfg.InQuietHours(now) {
		n.dropped++
		log.Printf("[notify] alert suppressed: quiet hours")
		return
	}

	n.pruneSuccessesLocked(now)
	if n.cfg.MaxPerHour > 0 && len(n.successes) >= n.cfg.MaxPerHour {
		n.dropped++
		log.Printf("[notify] alert suppressed: hourly cap of %d reached", n.cfg.MaxPerHour)
		return
	}

	for _, channel := range n.enabledChannelsLocked() {
		if remaining := n.cooldownRemainingLocked(channel, now); remaining > 0 {
			n.dropped++
			log.Printf("[notify] %s alert suppressed: cooldown for another %s", channel, remaining.Round(time.Second))
			continue
		}
		if len(n.queue) >= maxQueue {
			n.dropped++
			log.Printf("[notify] queue full, dropping %s alert", channel)
			continue
		}

		alert := Alert{
			ID:        uuid.NewString(),
			CreatedAt: now,
			Channel:   channel,
			Title:     title,
			Body:      body,
			ImagePath: imagePath,
		}
		if n.journal != nil {
			if err := n.journal.Created(alert.ID, alert.Channel, alert.Title, alert.Body, alert.ImagePath, alert.CreatedAt); err != nil {
				log.Printf("[notify] failed to record alert %s: %v", alert.ID, err)
			}
		}
		n.queue = append(n.queue, alert)
	}
}

// Start launches the background delivery worker.
func (n *Notifier) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("notifier already running")
	}
	n.running = true
	n.stopCh = make(chan struct{})
	n.doneCh = make(chan struct{})
	n.mu.Unlock()

	go n.worker()
	log.Printf("[notify] worker started")
	return nil
}

// Stop shuts the worker down and waits for it to finish. Queued alerts
// stay queued for the next Start.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	stopCh := n.stopCh
	doneCh := n.doneCh
	n.mu.Unlock()

	close(stopCh)
	<-doneCh
	log.Printf("[notify] worker stopped")
}

func (n *Notifier) worker() {
	defer close(n.doneCh)

	ticker := n.clk.Ticker(processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if n.processQueue() {
				ticker.Reset(processInterval)
			} else {
				ticker.Reset(errorBackoff)
			}
		}
	}
}

// processQueue drains the queue. It reports false when any delivery
// failed, which backs the worker off.
func (n *Notifier) processQueue() bool {
	ok := true
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return ok
		}
		alert := n.queue[0]
		n.queue = n.queue[1:]
		sender := n.senders[alert.Channel]
		remaining := n.cooldownRemainingLocked(alert.Channel, n.clk.Now())
		n.mu.Unlock()

		if sender == nil {
			log.Printf("[notify] no sender for channel %s, dropping alert %s", alert.Channel, alert.ID)
			n.journalOutcome(alert.ID, false, 0)
			continue
		}
		if remaining > 0 {
			// A burst can queue several alerts for one channel before the
			// first is sent; only the first wins the cooldown window.
			log.Printf("[notify] %s alert %s suppressed at send: cooldown for another %s",
				alert.Channel, alert.ID, remaining.Round(time.Second))
			n.mu.Lock()
			n.suppressed++
			n.mu.Unlock()
			n.journalOutcome(alert.ID, false, 0)
			continue
		}

		if err := n.deliver(sender, alert); err != nil {
			ok = false
		}
	}
}

func (n *Notifier) deliver(sender Sender, alert Alert) error {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	attempts := 0
	err := n.retry.Do(ctx, n.clk, func() error {
		attempts++
		return sender.Send(ctx, alert)
	})
	if err != nil {
		n.mu.Lock()
		n.failed++
		n.mu.Unlock()
		n.journalOutcome(alert.ID, false, attempts)
		if n.faults != nil {
			n.faults.Handle("notifier", err, fault.SeverityMedium)
		}
		log.Printf("[notify] %s alert %s failed after %d attempts: %v", alert.Channel, alert.ID, attempts, err)
		return err
	}

	now := n.clk.Now()
	n.mu.Lock()
	n.lastSent[alert.Channel] = now
	n.successes = append(n.successes, now)
	n.pruneSuccessesLocked(now)
	n.sent++
	n.mu.Unlock()
	n.journalOutcome(alert.ID, true, attempts)
	log.Printf("[notify] sent %s alert %s via %s (attempts=%d)", alert.Channel, alert.ID, sender.Name(), attempts)
	return nil
}

// Test sends a test alert directly on each enabled channel, bypassing the
// queue and gating, and reports the per-channel outcome.
func (n *Notifier) Test(ctx context.Context) map[string]error {
	n.mu.Lock()
	senders := make(map[string]Sender)
	for _, channel := range n.enabledChannelsLocked() {
		senders[channel] = n.senders[channel]
	}
	now := n.clk.Now()
	n.mu.Unlock()

	results := make(map[string]error, len(senders))
	for channel, sender := range senders {
		alert := Alert{
			ID:        uuid.NewString(),
			CreatedAt: now,
			Channel:   channel,
			Title:     "Test Alert",
			Body:      "Test notification from the countercat detection system",
		}
		results[channel] = sender.Send(ctx, alert)
	}
	return results
}

// Stats reports queue depth, enabled channels, per-channel cooldown
// remaining in seconds and delivery counters.
func (n *Notifier) Stats() map[string]interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clk.Now()
	cooldowns := make(map[string]float64)
	for channel := range n.senders {
		cooldowns[channel] = n.cooldownRemainingLocked(channel, now).Seconds()
	}

	return map[string]interface{}{
		"queue": map[string]interface{}{
			"depth":    len(n.queue),
			"capacity": maxQueue,
		},
		"channels":           n.enabledChannelsLocked(),
		"cooldown_remaining": cooldowns,
		"counters": map[string]int{
			"sent":       n.sent,
			"failed":     n.failed,
			"dropped":    n.dropped,
			"suppressed": n.suppressed,
		},
		"running": n.running,
	}
}

// Healthy reports an error when the worker is stopped or the queue has
// hit its cap.
func (n *Notifier) Healthy() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return fmt.Errorf("notification worker not running")
	}
	if len(n.queue) >= maxQueue {
		return fmt.Errorf("notification queue full (%d alerts)", len(n.queue))
	}
	return nil
}

// QueueDepth returns the number of alerts waiting for delivery.
func (n *Notifier) QueueDepth() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

func (n *Notifier) journalOutcome(id string, sent bool, attempts int) {
	if n.journal == nil {
		return
	}
	if err := n.journal.Outcome(id, sent, attempts); err != nil {
		log.Printf("[notify] failed to record outcome for alert %s: %v", id, err)
	}
}

// enabledChannelsLocked lists channels that are both enabled in the
// configuration and have a registered sender.
func (n *Notifier) enabledChannelsLocked() []string {
	var channels []string
	if n.cfg.PushEnabled {
		if _, ok := n.senders[ChannelPush]; ok {
			channels = append(channels, ChannelPush)
		}
	}
	if n.cfg.EmailEnabled {
		if _, ok := n.senders[ChannelEmail]; ok {
			channels = append(channels, ChannelEmail)
		}
	}
	return channels
}

// cooldownRemainingLocked returns how long the channel's cooldown still
// has to run, or zero when the channel may send.
func (n *Notifier) cooldownRemainingLocked(channel string, now time.Time) time.Duration {
	if n.cfg.CooldownMinutes <= 0 {
		return 0
	}
	last, ok := n.lastSent[channel]
	if !ok {
		return 0
	}
	cooldown := time.Duration(n.cfg.CooldownMinutes) * time.Minute
	if elapsed := now.Sub(last); elapsed < cooldown {
		return cooldown - elapsed
	}
	return 0
}

// pruneSuccessesLocked drops success timestamps older than the sliding
// hour used by the MaxPerHour cap.
func (n *Notifier) pruneSuccessesLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := n.successes[:0]
	for _, ts := range n.successes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	n.successes = kept
}
