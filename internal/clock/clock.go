package clock

import (
	"context"
	"time"
)

// Clock is the time source used for lease expiry, heartbeats, backoff and
// buffer flush scheduling.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads the wall clock in UTC.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Or returns clk, or Real when clk is nil.
func Or(clk Clock) Clock {
	if clk == nil {
		return Real{}
	}
	return clk
}

// Wait blocks for d on clk or until ctx is done, whichever happens first.
func Wait(ctx context.Context, clk Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-Or(clk).After(d):
		return nil
	}
}

// Millis converts t to epoch milliseconds, the timestamp unit persisted in
// task rows, cache entries and instance records.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
