package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	linear := Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Linear: true}
	if got := linear.Delay(1); got != 500*time.Millisecond {
		t.Fatalf("linear delay 1 = %v", got)
	}
	if got := linear.Delay(2); got != time.Second {
		t.Fatalf("linear delay 2 = %v", got)
	}

	exp := Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	if got := exp.Delay(2); got != 200*time.Millisecond {
		t.Fatalf("exponential delay 2 = %v", got)
	}
	if got := exp.Delay(3); got != 300*time.Millisecond {
		t.Fatalf("expected cap at 300ms, got %v", got)
	}

	fixed := Policy{BaseDelay: 50 * time.Millisecond}
	if got := fixed.Delay(4); got != 50*time.Millisecond {
		t.Fatalf("fixed delay = %v", got)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt != calls {
			t.Fatalf("attempt %d on call %d", attempt, calls)
		}
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoReturnsLastError(t *testing.T) {
	p := Policy{MaxAttempts: 2}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("boom")
	})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("unexpected error %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	sentinel := errors.New("bad request")
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if IsPermanent(err) {
		t.Fatalf("Do should unwrap the permanent marker")
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context, attempt int) error {
			calls++
			return errors.New("fail")
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", calls)
	}
}
