package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ── Logger Interface ────────────────────────────────────────────────────────

// Logger records the outcome of every send attempt.
// Implementations must be append-only.
type Logger interface {
	// RecordSuccess appends a "sent" record for r.
	RecordSuccess(r Recipient, at time.Time) error
	// RecordFailure appends a "failed" record for r with a short reason.
	RecordFailure(r Recipient, at time.Time, reason string) error
}

// ── SendLog ─────────────────────────────────────────────────────────────────

// SendLog appends one semicolon-separated line per attempt:
//
//	address;2024-01-02T09:15:00Z;sent;<run id>;
//	address;2024-01-02T09:40:12Z;failed;<run id>;550 mailbox unavailable
//
// The file is created with 0o600 permissions. Older logs holding only
// "address;timestamp" are read back as successful sends.
type SendLog struct {
	path  string
	runID string
}

// NewSendLog returns a SendLog appending to path, tagging records with runID.
func NewSendLog(path, runID string) *SendLog {
	return &SendLog{path: path, runID: runID}
}

func (l *SendLog) RecordSuccess(r Recipient, at time.Time) error {
	return l.append(SendRecord{Address: r.Address, At: at, Outcome: OutcomeSent, RunID: l.runID})
}

func (l *SendLog) RecordFailure(r Recipient, at time.Time, reason string) error {
	return l.append(SendRecord{Address: r.Address, At: at, Outcome: OutcomeFailed, RunID: l.runID, Reason: reason})
}

func (l *SendLog) Path() string { return l.path }

func (l *SendLog) append(rec SendRecord) error {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open send log: %w", err)
	}
	if _, err := f.WriteString(formatRecord(rec) + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("write send log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync send log: %w", err)
	}
	return f.Close()
}

// ── Reading ─────────────────────────────────────────────────────────────────

// LoadSendLog reads every record from path. A missing file is an empty log.
// Lines that cannot be parsed are logged and skipped rather than silently
// dropped or treated as fatal.
func LoadSendLog(path string) ([]SendRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open send log: %w", err)
	}
	defer f.Close()

	var out []SendRecord
	s := bufio.NewScanner(f)
	n := 0
	for s.Scan() {
		n++
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		rec, err := parseRecord(line)
		if err != nil {
			slog.Warn("Corrupt send log line, skipping", "path", path, "line", n, "error", err)
			continue
		}
		out = append(out, rec)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read send log: %w", err)
	}
	return out, nil
}

// sentAddresses returns the set of addresses with at least one "sent" record.
func sentAddresses(records []SendRecord) map[string]bool {
	set := make(map[string]bool)
	for _, r := range records {
		if r.Outcome == OutcomeSent {
			set[r.Address] = true
		}
	}
	return set
}

// ── Helpers ─────────────────────────────────────────────────────────────────

var reasonReplacer = strings.NewReplacer(";", ",", "\n", " ", "\r", " ")

func formatRecord(r SendRecord) string {
	return strings.Join([]string{
		strings.ToLower(r.Address),
		r.At.UTC().Format(time.RFC3339),
		r.Outcome,
		r.RunID,
		reasonReplacer.Replace(r.Reason),
	}, ";")
}

func parseRecord(line string) (SendRecord, error) {
	parts := strings.SplitN(line, ";", 5)
	rec := SendRecord{Address: strings.ToLower(strings.TrimSpace(parts[0])), Outcome: OutcomeSent}
	if !strings.Contains(rec.Address, "@") {
		return SendRecord{}, fmt.Errorf("no address in %q", line)
	}
	if len(parts) < 2 {
		return SendRecord{}, fmt.Errorf("no timestamp in %q", line)
	}
	at, err := parseTimestamp(strings.TrimSpace(parts[1]))
	if err != nil {
		return SendRecord{}, err
	}
	rec.At = at
	if len(parts) > 2 && parts[2] != "" {
		switch parts[2] {
		case OutcomeSent, OutcomeFailed:
			rec.Outcome = parts[2]
		default:
			return SendRecord{}, fmt.Errorf("unknown outcome %q", parts[2])
		}
	}
	if len(parts) > 3 {
		rec.RunID = parts[3]
	}
	if len(parts) > 4 {
		rec.Reason = parts[4]
	}
	return rec, nil
}

// parseTimestamp accepts RFC 3339 with or without fractional seconds.
func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
