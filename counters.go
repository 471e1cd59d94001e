package main

import (
	"errors"
	"fmt"
	"time"
)

// ErrCapOverflow means a send was recorded past a configured cap. The gate
// never allows that, so seeing it is a bug.
var ErrCapOverflow = errors.New("cap overflow")

// Limits are exclusive upper bounds: with PerDay = N the (N+1)th send of a
// UTC day is refused.
type Limits struct {
	PerDay          int
	PerHour         int
	PerDomainPerDay int
}

// CapCounters tracks sends per UTC day, per UTC hour and per domain per UTC
// day. Every method rolls the counters over against the supplied timestamp
// before reading or writing, so a long sleep never leaves stale counts.
type CapCounters struct {
	limits Limits

	day       time.Time // UTC midnight of the last observation
	hour      time.Time // UTC hour of the last observation
	today     int
	thisHour  int
	perDomain map[string]int
}

func NewCapCounters(l Limits) *CapCounters {
	return &CapCounters{limits: l, perDomain: make(map[string]int)}
}

// Counts is a point-in-time copy of the counters.
type Counts struct {
	Today     int
	ThisHour  int
	PerDomain map[string]int
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func utcHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

func (c *CapCounters) rollover(now time.Time) {
	if d := utcDay(now); !d.Equal(c.day) {
		c.day = d
		c.today = 0
		clear(c.perDomain)
	}
	if h := utcHour(now); !h.Equal(c.hour) {
		c.hour = h
		c.thisHour = 0
	}
}

// CanSendTotal reports whether both the daily and the hourly cap have room.
func (c *CapCounters) CanSendTotal(now time.Time) bool {
	c.rollover(now)
	return c.today < c.limits.PerDay && c.thisHour < c.limits.PerHour
}

// DailyExhausted reports whether the daily total cap is used up.
func (c *CapCounters) DailyExhausted(now time.Time) bool {
	c.rollover(now)
	return c.today >= c.limits.PerDay
}

// HourlyExhausted reports whether the hourly total cap is used up.
func (c *CapCounters) HourlyExhausted(now time.Time) bool {
	c.rollover(now)
	return c.thisHour >= c.limits.PerHour
}

func (c *CapCounters) CanSendToDomain(domain string, now time.Time) bool {
	c.rollover(now)
	return c.perDomain[domain] < c.limits.PerDomainPerDay
}

// RecordSend counts one confirmed send. It refuses, and changes nothing,
// when the send would exceed any cap.
func (c *CapCounters) RecordSend(domain string, now time.Time) error {
	c.rollover(now)
	switch {
	case c.today+1 > c.limits.PerDay:
		return fmt.Errorf("%w: daily total %d/%d", ErrCapOverflow, c.today+1, c.limits.PerDay)
	case c.thisHour+1 > c.limits.PerHour:
		return fmt.Errorf("%w: hourly total %d/%d", ErrCapOverflow, c.thisHour+1, c.limits.PerHour)
	case c.perDomain[domain]+1 > c.limits.PerDomainPerDay:
		return fmt.Errorf("%w: domain %s %d/%d", ErrCapOverflow, domain, c.perDomain[domain]+1, c.limits.PerDomainPerDay)
	}
	c.today++
	c.thisHour++
	c.perDomain[domain]++
	return nil
}

// Restore seeds the counters from earlier successful sends so a restarted
// run keeps honouring today's caps. Records outside the current UTC day or
// hour only count toward the scopes they fall in. Counts are clamped to the
// caps, which blocks exactly as the larger history would.
func (c *CapCounters) Restore(records []SendRecord, now time.Time) {
	c.rollover(now)
	for _, r := range records {
		if r.Outcome != OutcomeSent || !utcDay(r.At).Equal(c.day) {
			continue
		}
		c.today = min(c.today+1, c.limits.PerDay)
		d := domainOf(r.Address)
		c.perDomain[d] = min(c.perDomain[d]+1, c.limits.PerDomainPerDay)
		if utcHour(r.At).Equal(c.hour) {
			c.thisHour = min(c.thisHour+1, c.limits.PerHour)
		}
	}
}

// Snapshot returns a copy of the counters as of now.
func (c *CapCounters) Snapshot(now time.Time) Counts {
	c.rollover(now)
	pd := make(map[string]int, len(c.perDomain))
	for d, n := range c.perDomain {
		pd[d] = n
	}
	return Counts{Today: c.today, ThisHour: c.thisHour, PerDomain: pd}
}
