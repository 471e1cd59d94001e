package main

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"math"
	"math/rand/v2"
	"time"
)

// Throttle draws the pause between two successful sends. Delays land in
// [Min, Max] with most of the mass in the lower half and a long tail toward
// Max, so consecutive gaps never settle into a fixed period. Outside business
// hours the draw uses [OffMin, OffMax] instead, when that range is set.
type Throttle struct {
	Min    time.Duration
	Max    time.Duration
	OffMin time.Duration
	OffMax time.Duration
	rng    *rand.Rand
}

const (
	delayMedian = 0.35 // median of the draw as a fraction of Max-Min
	delaySigma  = 0.4
	delayTries  = 8

	jitterMin = 5 * time.Second
	jitterMax = 45 * time.Second
)

// NewThrottle returns a Throttle seeded with seed, or with a random seed
// when seed is 0. The same non-zero seed yields the same delay sequence.
func NewThrottle(min, max time.Duration, seed uint64) *Throttle {
	if seed == 0 {
		seed = randomSeed()
	}
	return &Throttle{
		Min: min,
		Max: max,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// WithOffHours sets the range used outside business hours. A zero Max
// leaves the business-hours range in force around the clock.
func (t *Throttle) WithOffHours(min, max time.Duration) *Throttle {
	t.OffMin, t.OffMax = min, max
	return t
}

func randomSeed() uint64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// businessHour reports whether a local hour falls in 09-12 or 14-17.
func businessHour(h int) bool {
	return (9 <= h && h < 12) || (14 <= h && h < 17)
}

// Next returns the next delay from the business-hours range.
func (t *Throttle) Next() time.Duration {
	return t.draw(t.Min, t.Max)
}

// NextAt returns the next delay for a send planned at local time.
func (t *Throttle) NextAt(local time.Time) time.Duration {
	if t.OffMax > 0 && !businessHour(local.Hour()) {
		return t.draw(t.OffMin, t.OffMax)
	}
	return t.draw(t.Min, t.Max)
}

// NextDelay is Next in seconds.
func (t *Throttle) NextDelay() float64 {
	return t.Next().Seconds()
}

// Jitter returns a whole number of seconds in [5s, 45s], added to waits that
// would otherwise end exactly on an hour or quiet-hours boundary.
func (t *Throttle) Jitter() time.Duration {
	n := int64((jitterMax - jitterMin) / time.Second)
	return jitterMin + time.Duration(t.rng.Int64N(n+1))*time.Second
}

func (t *Throttle) draw(lo, hi time.Duration) time.Duration {
	if lo >= hi {
		return lo
	}
	spread := float64(hi - lo)
	mu := math.Log(delayMedian)
	x := 1.0
	for range delayTries {
		x = math.Exp(mu + delaySigma*t.rng.NormFloat64())
		if x <= 1 {
			break
		}
	}
	x = min(x, 1)
	return lo + time.Duration(x*spread)
}

// sleepCtx sleeps for d. Returns immediately with ctx.Err() if the context
// is cancelled during the sleep.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
