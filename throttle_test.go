package main

import (
	"context"
	"testing"
	"time"
)

func TestThrottleNextInBounds(t *testing.T) {
	th := NewThrottle(1320*time.Second, 2700*time.Second, 42)

	for i := 0; i < 1000; i++ {
		d := th.Next()
		if d < th.Min || d > th.Max {
			t.Fatalf("draw %d: %v outside [%v, %v]", i, d, th.Min, th.Max)
		}
	}
}

func TestThrottleSeedReproducible(t *testing.T) {
	a := NewThrottle(10*time.Second, 100*time.Second, 7)
	b := NewThrottle(10*time.Second, 100*time.Second, 7)

	for i := 0; i < 50; i++ {
		if da, db := a.Next(), b.Next(); da != db {
			t.Fatalf("draw %d: %v != %v with the same seed", i, da, db)
		}
	}
}

func TestThrottleNotUniform(t *testing.T) {
	th := NewThrottle(0, 1000*time.Second, 3)
	mid := 500 * time.Second

	lower := 0
	const n = 2000
	for i := 0; i < n; i++ {
		if th.Next() < mid {
			lower++
		}
	}
	// Median sits near 35% of the span, so most draws land in the lower half.
	if lower < n*7/10 {
		t.Errorf("expected most draws below the midpoint, got %d/%d", lower, n)
	}
}

func TestThrottleMinEqualsMax(t *testing.T) {
	th := NewThrottle(50*time.Second, 50*time.Second, 1)
	for i := 0; i < 5; i++ {
		if d := th.Next(); d != 50*time.Second {
			t.Errorf("when min==max, want 50s, got %v", d)
		}
	}
}

func TestThrottleMinGreaterThanMax(t *testing.T) {
	th := NewThrottle(100*time.Second, 50*time.Second, 1)
	if d := th.Next(); d != 100*time.Second {
		t.Errorf("when min>max, want min (100s), got %v", d)
	}
}

func TestThrottleNextDelaySeconds(t *testing.T) {
	th := NewThrottle(30*time.Second, 30*time.Second, 1)
	if got := th.NextDelay(); got != 30 {
		t.Errorf("NextDelay() = %v, want 30", got)
	}
}

func TestThrottleRandomSeed(t *testing.T) {
	a := NewThrottle(0, time.Hour, 0)
	b := NewThrottle(0, time.Hour, 0)

	same := true
	for i := 0; i < 5; i++ {
		if a.Next() != b.Next() {
			same = false
		}
	}
	if same {
		t.Error("unseeded throttles should not produce identical sequences")
	}
}

func TestThrottleOffHoursRange(t *testing.T) {
	th := NewThrottle(100*time.Second, 100*time.Second, 1).WithOffHours(500*time.Second, 500*time.Second)
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		hour int
		want time.Duration
	}{
		{8, 500 * time.Second},
		{9, 100 * time.Second},
		{11, 100 * time.Second},
		{12, 500 * time.Second},
		{13, 500 * time.Second},
		{14, 100 * time.Second},
		{16, 100 * time.Second},
		{17, 500 * time.Second},
		{23, 500 * time.Second},
	}
	for _, tt := range tests {
		if got := th.NextAt(day.Add(time.Duration(tt.hour) * time.Hour)); got != tt.want {
			t.Errorf("NextAt(%02d:00) = %v, want %v", tt.hour, got, tt.want)
		}
	}
}

func TestThrottleOffHoursDisabled(t *testing.T) {
	th := NewThrottle(100*time.Second, 100*time.Second, 1).WithOffHours(0, 0)
	night := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	if got := th.NextAt(night); got != 100*time.Second {
		t.Errorf("without an off-hours range NextAt = %v, want 100s", got)
	}
}

func TestThrottleOffHoursInBounds(t *testing.T) {
	th := NewThrottle(1320*time.Second, 2700*time.Second, 9).WithOffHours(3300*time.Second, 6000*time.Second)
	night := time.Date(2024, 1, 2, 22, 0, 0, 0, time.UTC)
	for i := 0; i < 500; i++ {
		if d := th.NextAt(night); d < th.OffMin || d > th.OffMax {
			t.Fatalf("draw %d: %v outside [%v, %v]", i, d, th.OffMin, th.OffMax)
		}
	}
}

func TestThrottleJitterBounds(t *testing.T) {
	th := NewThrottle(0, 0, 5)
	seen := map[time.Duration]bool{}
	for i := 0; i < 2000; i++ {
		j := th.Jitter()
		if j < 5*time.Second || j > 45*time.Second {
			t.Fatalf("jitter %v outside [5s, 45s]", j)
		}
		if j%time.Second != 0 {
			t.Fatalf("jitter %v is not whole seconds", j)
		}
		seen[j] = true
	}
	if len(seen) < 30 {
		t.Errorf("jitter took only %d distinct values", len(seen))
	}
}

func TestThrottleJitterSeeded(t *testing.T) {
	a := NewThrottle(0, 0, 11)
	b := NewThrottle(0, 0, 11)
	for i := 0; i < 20; i++ {
		if ja, jb := a.Jitter(), b.Jitter(); ja != jb {
			t.Fatalf("jitter %d: %v != %v with the same seed", i, ja, jb)
		}
	}
}

func TestSleepCtx(t *testing.T) {
	start := time.Now()
	if err := sleepCtx(context.Background(), 50*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("slept too short: %v", elapsed)
	}
}

func TestSleepCtxCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := sleepCtx(ctx, 5*time.Second)
	elapsed := time.Since(start)

	if err == nil {
		t.Error("expected context cancellation error")
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("should have returned quickly on cancel, took %v", elapsed)
	}
}

func TestSleepCtxAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := sleepCtx(ctx, time.Second); err == nil {
		t.Error("expected error for already-cancelled context")
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("already-cancelled should be instant, took %v", elapsed)
	}
	if err := sleepCtx(ctx, 0); err == nil {
		t.Error("zero sleep should still report cancellation")
	}
}
