package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fast(attempts int) Policy {
	return Policy{Attempts: attempts, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	var calls int
	sentinel := errors.New("always fails")
	err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	sentinel := errors.New("permanent failure")
	err := Do(context.Background(), fast(5), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("expected unwrapped sentinel error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, Policy{Attempts: 10, BaseDelay: 100 * time.Millisecond}, func(context.Context) error {
		calls.Add(1)
		return errors.New("fail")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c := calls.Load(); c > 3 {
		t.Fatalf("expected at most 3 calls, got %d", c)
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	_ = Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return errors.New("fail")
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestPermanent(t *testing.T) {
	inner := errors.New("inner")
	if !errors.Is(Permanent(inner), inner) {
		t.Fatal("Permanent error should unwrap to inner error")
	}
	if !IsPermanent(Permanent(inner)) {
		t.Fatal("IsPermanent should detect wrapped error")
	}
	if IsPermanent(inner) {
		t.Fatal("plain error is not permanent")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}

func TestJittered_Bounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		got := jittered(d)
		if got < 75*time.Millisecond || got > 125*time.Millisecond {
			t.Fatalf("jittered(%v) = %v out of bounds", d, got)
		}
	}
}
