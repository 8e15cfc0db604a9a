package core

// transfer_limiter.go caps concurrent remote transfers.
//
// The limiter is a counting semaphore. Its size is the explicit "at most K
// transfers in flight" bound; the default of one keeps downloads strictly
// sequential. Waiters block until a slot frees, the optional maxWait expires
// (ErrTransferSlotTimeout) or their context is cancelled.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTransferSlotTimeout is returned when no slot frees up within maxWait.
var ErrTransferSlotTimeout = errors.New("timed out waiting for a transfer slot")

// DefaultMaxConcurrentTransfers keeps downloads sequential.
const DefaultMaxConcurrentTransfers = 1

// TransferLimiter controls concurrent transfers using a semaphore.
type TransferLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.Mutex
	active int
	peak   int
}

// NewTransferLimiter creates a limiter allowing at most maxConcurrent transfers.
// A maxWait of zero waits as long as the caller's context allows.
func NewTransferLimiter(maxConcurrent int, maxWait time.Duration) *TransferLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentTransfers
	}
	return &TransferLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// Acquire blocks until a slot is free.
// The caller MUST call Release() when the transfer completes (use defer).
func (l *TransferLimiter) Acquire(ctx context.Context) error {
	waitCtx := ctx
	if l.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}

	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		if l.active > l.peak {
			l.peak = l.active
		}
		l.mu.Unlock()
		return nil

	case <-waitCtx.Done():
		// Distinguish caller cancellation from our own wait limit
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTransferSlotTimeout
	}
}

// Release releases a previously acquired slot.
func (l *TransferLimiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()

	<-l.semaphore
}

// Do runs fn while holding a slot.
func (l *TransferLimiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}

// MaxConcurrent returns the configured cap.
func (l *TransferLimiter) MaxConcurrent() int {
	return cap(l.semaphore)
}

// TransferLimiterStatus is a snapshot of the limiter state.
type TransferLimiterStatus struct {
	Active        int `json:"active"`
	Peak          int `json:"peak"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Status returns the current limiter state for monitoring and tests.
func (l *TransferLimiter) Status() TransferLimiterStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return TransferLimiterStatus{
		Active:        l.active,
		Peak:          l.peak,
		MaxConcurrent: cap(l.semaphore),
	}
}
