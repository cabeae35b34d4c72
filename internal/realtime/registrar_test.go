package realtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithBackoffStopsAfterCappedAttempts(t *testing.T) {
	orig := backoffConfig.base
	backoffConfig.base = time.Millisecond
	defer func() { backoffConfig.base = orig }()

	attempts := 0
	err := withBackoff(context.Background(), func() error {
		attempts++
		return errors.New("still failing")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != backoffConfig.maxAttempt {
		t.Fatalf("attempts = %d, want %d", attempts, backoffConfig.maxAttempt)
	}
}

func TestWithBackoffSucceedsOnEventualAttempt(t *testing.T) {
	orig := backoffConfig.base
	backoffConfig.base = time.Millisecond
	defer func() { backoffConfig.base = orig }()

	attempts := 0
	err := withBackoff(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestNoopRegistrarAlwaysSucceeds(t *testing.T) {
	r := NoopRegistrar{}
	reg, err := r.Register(context.Background(), "proj", "container", "https://x")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.ChannelName == "" {
		t.Fatal("expected non-empty channel name")
	}
	if err := r.Unregister(context.Background(), "proj", "container"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
}
