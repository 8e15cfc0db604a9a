package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTransferLimiter_AcquireRelease(t *testing.T) {
	limiter := NewTransferLimiter(2, time.Second)
	ctx := context.Background()

	if err := limiter.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if err := limiter.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	status := limiter.Status()
	if status.Active != 2 {
		t.Errorf("Active = %d, want 2", status.Active)
	}

	limiter.Release()
	limiter.Release()

	status = limiter.Status()
	if status.Active != 0 {
		t.Errorf("after Release, Active = %d, want 0", status.Active)
	}
	if status.Peak != 2 {
		t.Errorf("Peak = %d, want 2", status.Peak)
	}
}

func TestTransferLimiter_TimesOutWhenFull(t *testing.T) {
	limiter := NewTransferLimiter(1, 50*time.Millisecond)
	ctx := context.Background()

	if err := limiter.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer limiter.Release()

	if err := limiter.Acquire(ctx); !errors.Is(err, ErrTransferSlotTimeout) {
		t.Errorf("expected ErrTransferSlotTimeout, got %v", err)
	}
}

func TestTransferLimiter_ContextCancellation(t *testing.T) {
	limiter := NewTransferLimiter(1, 0)

	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer limiter.Release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- limiter.Acquire(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Acquire did not return after context cancellation")
	}
}

func TestTransferLimiter_NeverExceedsCap(t *testing.T) {
	tests := []struct {
		name          string
		maxConcurrent int
	}{
		{"sequential", 1},
		{"three wide", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewTransferLimiter(tt.maxConcurrent, 0)

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := limiter.Do(context.Background(), func(context.Context) error {
						time.Sleep(5 * time.Millisecond)
						return nil
					})
					if err != nil {
						t.Errorf("Do failed: %v", err)
					}
				}()
			}
			wg.Wait()

			status := limiter.Status()
			if status.Peak > tt.maxConcurrent {
				t.Errorf("Peak = %d, exceeds cap %d", status.Peak, tt.maxConcurrent)
			}
			if status.Active != 0 {
				t.Errorf("final Active = %d, want 0", status.Active)
			}
		})
	}
}

func TestTransferLimiter_DefaultValues(t *testing.T) {
	limiter := NewTransferLimiter(0, 0)
	if got := limiter.MaxConcurrent(); got != DefaultMaxConcurrentTransfers {
		t.Errorf("MaxConcurrent = %d, want %d", got, DefaultMaxConcurrentTransfers)
	}
}
