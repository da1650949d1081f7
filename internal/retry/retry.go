package retry

import (
	"context"
	"errors"
	"time"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real-clock SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do stops retrying and returns it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Do runs fn once per entry of schedule, waiting schedule[i] before attempt
// i. It returns nil on the first success, the last error once the schedule is
// exhausted, or ctx.Err() when ctx ends first. attempts reports how many
// times fn ran.
func Do(ctx context.Context, schedule []time.Duration, sleep SleepFunc, fn func(attempt int) error) (attempts int, err error) {
	if len(schedule) == 0 {
		schedule = []time.Duration{0}
	}
	if sleep == nil {
		sleep = Sleep
	}
	for i, delay := range schedule {
		if delay > 0 {
			if serr := sleep(ctx, delay); serr != nil {
				return attempts, serr
			}
		} else if cerr := ctx.Err(); cerr != nil {
			return attempts, cerr
		}
		attempts++
		err = fn(i)
		if err == nil {
			return attempts, nil
		}
		var p permanent
		if errors.As(err, &p) {
			return attempts, p.err
		}
		if ctx.Err() != nil {
			return attempts, ctx.Err()
		}
	}
	return attempts, err
}
