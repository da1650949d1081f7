package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recordSleeps(out *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*out = append(*out, d)
		return ctx.Err()
	}
}

func TestDoFollowsSchedule(t *testing.T) {
	var slept []time.Duration
	schedule := []time.Duration{0, time.Second, 3 * time.Second, 5 * time.Second}
	calls := 0
	attempts, err := Do(context.Background(), schedule, recordSleeps(&slept), func(int) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 3*time.Second {
		t.Fatalf("unexpected sleeps %v", slept)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	var slept []time.Duration
	boom := errors.New("boom")
	attempts, err := Do(context.Background(), []time.Duration{0, time.Millisecond}, recordSleeps(&slept), func(int) error { return boom })
	if !errors.Is(err, boom) || attempts != 2 {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	boom := errors.New("bad request")
	attempts, err := Do(context.Background(), []time.Duration{0, 0, 0}, nil, func(int) error { return Permanent(boom) })
	if attempts != 1 || !errors.Is(err, boom) {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := Do(ctx, []time.Duration{0, time.Hour}, nil, func(int) error {
		cancel()
		return errors.New("x")
	})
	if attempts != 1 || !errors.Is(err, context.Canceled) {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}
}
