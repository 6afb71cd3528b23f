package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"live-ingest/internal/platform/logger"
)

func TestPolicy_Do_succeeds_after_failures(t *testing.T) {
	p := Policy{Attempts: 5, Delay: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), logger.Discard(), "connect", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestPolicy_Do_exhausted(t *testing.T) {
	p := Policy{Attempts: 3, Delay: time.Millisecond}
	boom := errors.New("refused")
	calls := 0
	err := p.Do(context.Background(), logger.Discard(), "connect", func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected last error to be wrapped, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestPolicy_Do_zero_attempts_runs_once(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), nil, "op", func(ctx context.Context) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_Do_context_cancelled_during_delay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 5, Delay: time.Hour}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, logger.Discard(), "connect", func(ctx context.Context) error {
			calls++
			return errors.New("refused")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancel, got %d", calls)
	}
}
