package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func(error) bool { return true }, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Retry(context.Background(), 5, func(err error) bool { return errors.Is(err, errTransient) }, func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, func(error) bool { return true }, func() error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRetry_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 3, func(error) bool { return true }, func() error {
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// --- WaitFor ---

func TestWaitFor_Done(t *testing.T) {
	calls := 0
	err := WaitFor(context.Background(), time.Second, time.Millisecond, func() (bool, error) {
		calls++
		return calls >= 3, nil
	})
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
}

func TestWaitFor_Timeout(t *testing.T) {
	err := WaitFor(context.Background(), 20*time.Millisecond, 5*time.Millisecond, func() (bool, error) {
		return false, nil
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestWaitFor_CheckError(t *testing.T) {
	boom := errors.New("boom")
	err := WaitFor(context.Background(), time.Second, time.Millisecond, func() (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

// --- GenerateID ---

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	if len(a) != 32 {
		t.Errorf("expected 32-char ID, got %d chars", len(a))
	}
	if a == b {
		t.Errorf("expected distinct IDs")
	}
}
