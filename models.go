package main

import (
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ── Config ──────────────────────────────────────────────────────────────────

type Config struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPass     string
	SMTPPassFile string

	FromName string
	FromAddr string
	ReplyTo  string

	// DefaultBCC is copied on every message while BCCOn is true.
	DefaultBCC string
	BCCOn      bool

	RecipientsFile string
	SentLog        string

	QuietStart string // "H" or "HH:MM", local time
	QuietEnd   string
	Timezone   string

	MaxPerDayTotal     int
	MaxPerHourTotal    int
	MaxPerDayPerDomain int
	MaxPerRun          int // 0 = unlimited

	MinDelaySec float64
	MaxDelaySec float64

	// Off-hours range, used outside 09-12 and 14-17 local. 0/0 disables it.
	OffMinDelaySec float64
	OffMaxDelaySec float64
	DelaySeed      uint64

	PollInterval time.Duration

	TestAddress string

	Subject  string
	TextBody string
	HTMLBody string
	BodyFile string // markdown, overrides TextBody/HTMLBody

	Mailer       string // smtp, resend, log
	ResendAPIKey string
	NetCheckAddr string // host:port dialled when the SMTP relay is down

	Interactive bool
	Verbose     bool
	PreviewPath string
}

// Limits returns the configured caps.
func (c *Config) Limits() Limits {
	return Limits{
		PerDay:          c.MaxPerDayTotal,
		PerHour:         c.MaxPerHourTotal,
		PerDomainPerDay: c.MaxPerDayPerDomain,
	}
}

// ToggleBCC flips default BCC on or off and reports the new state.
// Only the runner goroutine calls it.
func (c *Config) ToggleBCC() bool {
	c.BCCOn = !c.BCCOn
	return c.BCCOn
}

// ActiveBCC returns the BCC address to use right now, or "".
func (c *Config) ActiveBCC() string {
	if c.BCCOn {
		return c.DefaultBCC
	}
	return ""
}

// ── Recipient ───────────────────────────────────────────────────────────────

// Recipient is a validated, lower-cased address. Immutable once parsed.
type Recipient struct {
	Address string
	Domain  string
}

// ParseRecipient validates s as a bare local@domain address.
func ParseRecipient(s string) (Recipient, error) {
	addr := strings.ToLower(strings.TrimSpace(s))
	if strings.Count(addr, "@") != 1 {
		return Recipient{}, fmt.Errorf("%q: want exactly one @", s)
	}
	local, domain, _ := strings.Cut(addr, "@")
	if local == "" || domain == "" {
		return Recipient{}, fmt.Errorf("%q: empty local part or domain", s)
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") || strings.Contains(domain, "..") {
		return Recipient{}, fmt.Errorf("%q: malformed domain", s)
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return Recipient{}, fmt.Errorf("%q: %w", s, err)
	}
	if parsed.Name != "" || parsed.Address != addr {
		return Recipient{}, fmt.Errorf("%q: display names are not allowed", s)
	}
	return Recipient{Address: addr, Domain: domain}, nil
}

func (r Recipient) String() string { return r.Address }

// ── Send Records ────────────────────────────────────────────────────────────

const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
)

// SendRecord is one line of the send log: one per attempt.
type SendRecord struct {
	Address string
	At      time.Time // UTC
	Outcome string
	RunID   string
	Reason  string
}

// domainOf returns the lower-cased part after the last @.
func domainOf(addr string) string {
	i := strings.LastIndex(addr, "@")
	return strings.ToLower(addr[i+1:])
}

// ── Run Stats ───────────────────────────────────────────────────────────────

type RunStats struct {
	Total   int
	Sent    int
	Failed  int
	Skipped int
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func coalesce(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func fileExists(path string) bool { _, err := os.Stat(path); return err == nil }

func absPath(rel string) string {
	a, err := filepath.Abs(rel)
	if err != nil {
		return rel
	}
	return a
}

// ceilSeconds rounds d up to whole seconds.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
