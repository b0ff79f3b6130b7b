// Package oauth schedules background credential maintenance. A sweep function
// is run on a jittered interval so several instances sharing a data directory
// do not all wake up at once.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// SweepFunc performs one maintenance pass.
type SweepFunc func(ctx context.Context) error

// StartRefresher launches a goroutine that calls fn roughly every interval
// until ctx is cancelled. The returned channel closes when the goroutine exits.
// name: used in log lines.
// interval: how often to wake up.
func StartRefresher(ctx context.Context, name string, interval time.Duration, fn SweepFunc) <-chan struct{} {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	done := make(chan struct{})
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			sweep(ctx, name, fn)
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep(interval)):
			}
		}
	}()
	return done
}

// nextSleep adds +-20% jitter to interval, never going below half of it.
func nextSleep(interval time.Duration) time.Duration {
	jitterRange := int64(interval / 5)
	if jitterRange <= 0 {
		return interval
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
	next := interval + jitter
	if next < interval/2 {
		next = interval / 2
	}
	return next
}

func sweep(ctx context.Context, name string, fn SweepFunc) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("refresh sweep panicked", slog.String("component", "oauth"), slog.String("sweep", name), slog.Any("panic", r))
		}
	}()
	ctx2, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := fn(ctx2); err != nil {
		slog.Warn("refresh sweep failed", slog.String("component", "oauth"), slog.String("sweep", name), slog.Any("err", err))
	}
}
