package audio

import (
	"context"
	"time"
)

// Default polling parameters for [WaitAvailable].
const (
	DefaultPollYield   = 5 * time.Millisecond
	DefaultPollTimeout = 500 * time.Millisecond
)

// WaitAvailable polls rb until at least n samples can be read, the timeout
// elapses, or ctx is cancelled. It sleeps for yield between checks instead of
// spinning. It returns the number of samples available when it stopped
// waiting, which may be less than n on timeout.
//
// WaitAvailable belongs to the consumer side only. It must never be called
// from the capture callback.
func WaitAvailable(ctx context.Context, rb *RingBuffer, n int, timeout, yield time.Duration) (int, error) {
	if yield <= 0 {
		yield = DefaultPollYield
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	deadline := time.Now().Add(timeout)

	timer := time.NewTimer(yield)
	defer timer.Stop()

	for {
		avail := rb.AvailableRead()
		if avail >= n {
			return avail, nil
		}
		if !time.Now().Before(deadline) {
			return avail, nil
		}
		timer.Reset(yield)
		select {
		case <-ctx.Done():
			return rb.AvailableRead(), ctx.Err()
		case <-timer.C:
		}
	}
}
