package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJitteredDelayBounds(t *testing.T) {
	const (
		min = 100 * time.Millisecond
		max = 10 * time.Second
		cap = 20
	)

	t.Run("ZeroFailures", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			d := JitteredDelay(0, min, max, cap)
			if d < 0 || d > min {
				t.Fatalf("JitteredDelay(0) = %v, want in [0, %v]", d, min)
			}
		}
	})

	t.Run("AtCap", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			d := JitteredDelay(cap, min, max, cap)
			if d < 0 || d > max {
				t.Fatalf("JitteredDelay(cap) = %v, want in [0, %v]", d, max)
			}
		}
	})

	t.Run("BeyondCapClamps", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			d := JitteredDelay(cap*10, min, max, cap)
			if d < 0 || d > max {
				t.Fatalf("JitteredDelay(10*cap) = %v, want in [0, %v]", d, max)
			}
		}
	})
}

func TestRetryExhaustsAfterMaxFailures(t *testing.T) {
	calls := 0
	failure := errors.New("boom")

	err := Retry(context.Background(), func() error {
		calls++
		return failure
	}, Options{MaxFailures: 5, MinDelay: 0, MaxDelay: time.Millisecond})

	if calls != 5 {
		t.Errorf("expected exactly 5 attempts, got %d", calls)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 5 {
		t.Errorf("expected 5 recorded attempts, got %d", exhausted.Attempts)
	}
	if !errors.Is(err, failure) {
		t.Error("expected ExhaustedError to wrap the last underlying error")
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	v, err := RetryValue(context.Background(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	}, Options{MinDelay: 0, MaxDelay: time.Millisecond})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" {
		t.Errorf("expected value 'ok', got %q", v)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, func() error {
		calls++
		return nil
	}, Options{})

	if calls != 0 {
		t.Errorf("expected zero attempts, got %d", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRetryCancelDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, func() error {
			calls++
			return errors.New("fail")
		}, Options{MinDelay: time.Hour, MaxDelay: time.Hour, MaxFailures: 10})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retry did not abort the delay on cancellation")
	}
	if calls != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", calls)
	}
}

func TestRetryOnErrorVeto(t *testing.T) {
	sentinel := errors.New("fatal")
	calls := 0

	err := Retry(context.Background(), func() error {
		calls++
		return sentinel
	}, Options{
		OnError: func(err error, attempt int) bool { return false },
	})

	if calls != 1 {
		t.Errorf("expected exactly 1 attempt after veto, got %d", calls)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("expected the raw error, got %v", err)
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		t.Error("vetoed error must not be wrapped as ExhaustedError")
	}
}

func TestRetryMaxElapsed(t *testing.T) {
	err := Retry(context.Background(), func() error {
		return errors.New("still failing")
	}, Options{
		MaxElapsed: 50 * time.Millisecond,
		MinDelay:   10 * time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	})

	var timedOut *TimeoutError
	if !errors.As(err, &timedOut) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timedOut.Attempts == 0 {
		t.Error("expected at least one attempt before timing out")
	}
}

func TestDelay(t *testing.T) {
	t.Run("Elapses", func(t *testing.T) {
		start := time.Now()
		if err := Delay(context.Background(), 20*time.Millisecond); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if time.Since(start) < 20*time.Millisecond {
			t.Error("delay returned early")
		}
	})

	t.Run("AlreadyCancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := Delay(ctx, time.Hour); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("CancelledMidWait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		start := time.Now()
		err := Delay(ctx, time.Hour)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if time.Since(start) > time.Second {
			t.Error("cancellation was not observed promptly")
		}
	})
}
