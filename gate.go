package main

import (
	"fmt"
	"time"
)

type Action int

const (
	ActionSend Action = iota
	ActionWait
)

// Reason says which constraint produced a wait.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonQuietHours Reason = "quiet-hours"
	ReasonHourlyCap  Reason = "hourly-cap" // defer to next hour
	ReasonDailyCap   Reason = "daily-cap"  // defer to next day
	ReasonDomainCap  Reason = "domain-cap" // defer to next day
)

// Decision is the gate's verdict for one recipient at one instant.
type Decision struct {
	Action Action
	Wait   time.Duration // whole seconds, set when Action == ActionWait
	Reason Reason
}

func sendNow() Decision { return Decision{Action: ActionSend} }

func waitFor(d time.Duration, why Reason) Decision {
	return Decision{
		Action: ActionWait,
		Wait:   time.Duration(ceilSeconds(d)) * time.Second,
		Reason: why,
	}
}

// Seconds returns the wait in whole seconds; 0 for a send.
func (d Decision) Seconds() int { return int(d.Wait / time.Second) }

func (d Decision) String() string {
	if d.Action == ActionSend {
		return "send"
	}
	return fmt.Sprintf("wait %ds (%s)", d.Seconds(), d.Reason)
}

// Gate decides whether a recipient may be sent to now. Quiet hours come
// first, then the total caps, then the recipient's domain cap. Waiting never
// touches the counters; only Record does.
type Gate struct {
	quiet    QuietWindow
	counters *CapCounters
}

func NewGate(quiet QuietWindow, counters *CapCounters) *Gate {
	return &Gate{quiet: quiet, counters: counters}
}

func (g *Gate) Decide(r Recipient, nowUTC, nowLocal time.Time) Decision {
	if g.quiet.IsQuiet(nowLocal) {
		return waitFor(g.quiet.Until(nowLocal), ReasonQuietHours)
	}
	if !g.counters.CanSendTotal(nowUTC) {
		if g.counters.DailyExhausted(nowUTC) {
			return waitFor(untilNextUTCDay(nowUTC), ReasonDailyCap)
		}
		return waitFor(untilNextUTCHour(nowUTC), ReasonHourlyCap)
	}
	if !g.counters.CanSendToDomain(r.Domain, nowUTC) {
		return waitFor(untilNextUTCDay(nowUTC), ReasonDomainCap)
	}
	return sendNow()
}

// Record counts a confirmed send against every cap.
func (g *Gate) Record(r Recipient, nowUTC time.Time) error {
	return g.counters.RecordSend(r.Domain, nowUTC)
}

func (g *Gate) Counters() *CapCounters { return g.counters }

func (g *Gate) Quiet() QuietWindow { return g.quiet }

func untilNextUTCHour(now time.Time) time.Duration {
	return utcHour(now).Add(time.Hour).Sub(now)
}

func untilNextUTCDay(now time.Time) time.Duration {
	return utcDay(now).AddDate(0, 0, 1).Sub(now)
}
