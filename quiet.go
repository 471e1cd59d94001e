package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietWindow is a local-time span during which nothing is sent.
// Start and End are minutes after local midnight; Start > End wraps past
// midnight (e.g. 22:00–07:00). Start == End means no quiet hours.
type QuietWindow struct {
	Start int
	End   int
}

// NewQuietWindow parses "H" or "HH:MM" bounds.
func NewQuietWindow(start, end string) (QuietWindow, error) {
	s, err := parseClock(start)
	if err != nil {
		return QuietWindow{}, fmt.Errorf("quiet start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return QuietWindow{}, fmt.Errorf("quiet end: %w", err)
	}
	return QuietWindow{Start: s, End: e}, nil
}

// parseClock converts "7", "07", "7:30" or "07:30" to minutes after midnight.
func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	hs, ms, hasMin := strings.Cut(s, ":")
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m := 0
	if hasMin {
		m, err = strconv.Atoi(ms)
		if err != nil || m < 0 || m > 59 || len(ms) != 2 {
			return 0, fmt.Errorf("invalid minute in %q", s)
		}
	}
	return h*60 + m, nil
}

func (w QuietWindow) Enabled() bool { return w.Start != w.End }

// IsQuiet reports whether local's hour:minute falls inside the window.
func (w QuietWindow) IsQuiet(local time.Time) bool {
	if !w.Enabled() {
		return false
	}
	t := local.Hour()*60 + local.Minute()
	if w.Start > w.End {
		return t >= w.Start || t < w.End
	}
	return w.Start <= t && t < w.End
}

// Until returns the time left until the window next ends, measured from local.
func (w QuietWindow) Until(local time.Time) time.Duration {
	end := time.Date(local.Year(), local.Month(), local.Day(), w.End/60, w.End%60, 0, 0, local.Location())
	if !end.After(local) {
		end = time.Date(local.Year(), local.Month(), local.Day()+1, w.End/60, w.End%60, 0, 0, local.Location())
	}
	return end.Sub(local)
}

// SecondsUntilEnd is Until rounded up to whole seconds.
func (w QuietWindow) SecondsUntilEnd(local time.Time) int {
	return ceilSeconds(w.Until(local))
}

func (w QuietWindow) String() string {
	if !w.Enabled() {
		return "off"
	}
	return fmt.Sprintf("%02d:%02d–%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}
