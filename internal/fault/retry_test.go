package fault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestRetryPolicy_EventualSuccess(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond, Backoff: 1.0}

	attempts := 0
	err := policy.Do(context.Background(), nil, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected success on third attempt, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryPolicy_ReturnsLastError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond, Backoff: 2.0}

	last := errors.New("attempt 3")
	attempts := 0
	err := policy.Do(context.Background(), nil, func() error {
		attempts++
		if attempts == 3 {
			return last
		}
		return errors.New("earlier")
	})

	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, last) {
		t.Errorf("expected the final error, got %v", err)
	}
}

func TestRetryPolicy_SingleAttemptNeverSleeps(t *testing.T) {
	// A mock clock with no one advancing it would hang any sleep.
	policy := RetryPolicy{MaxAttempts: 1, Delay: time.Hour, Backoff: 2.0}

	sentinel := errors.New("hard failure")
	err := policy.Do(context.Background(), clock.NewMock(), func() error { return sentinel })

	if !errors.Is(err, sentinel) {
		t.Errorf("expected error without sleeping, got %v", err)
	}
}

func TestRetryPolicy_ContextCancelStopsWaiting(t *testing.T) {
	clk := clock.NewMock()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		policy := RetryPolicy{MaxAttempts: 3, Delay: time.Minute, Backoff: 1.0}
		done <- policy.Do(ctx, clk, func() error { return errors.New("nope") })
	}()

	time.Sleep(10 * time.Millisecond) // let Do reach its wait
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected Do to return promptly after cancellation")
	}
}
