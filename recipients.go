package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// RecipientSource yields the ordered recipient list for a run.
type RecipientSource interface {
	List() ([]Recipient, error)
}

// RecipientParseError describes a recipient line that was skipped.
type RecipientParseError struct {
	Source string
	Line   int
	Text   string
	Err    error
}

func (e *RecipientParseError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Source, e.Line, e.Err)
}

func (e *RecipientParseError) Unwrap() error { return e.Err }

// FileRecipients reads one address per line. Blank lines and lines starting
// with # are ignored.
type FileRecipients struct {
	Path string
}

func (f FileRecipients) List() ([]Recipient, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("recipients: %w", err)
	}
	defer file.Close()

	list, problems, err := readRecipients(file, f.Path)
	if err != nil {
		return nil, fmt.Errorf("recipients: %w", err)
	}
	for _, p := range problems {
		slog.Warn("Skipping recipient line", "line", p.Line, "text", p.Text, "error", p.Err)
	}
	return list, nil
}

// readRecipients parses r, dropping malformed lines and repeated addresses.
// Malformed lines come back as problems; the returned error is reserved for
// read failures.
func readRecipients(r io.Reader, source string) ([]Recipient, []*RecipientParseError, error) {
	var (
		list     []Recipient
		problems []*RecipientParseError
		seen     = make(map[string]bool)
	)
	s := bufio.NewScanner(r)
	n := 0
	for s.Scan() {
		n++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rc, err := ParseRecipient(line)
		if err != nil {
			problems = append(problems, &RecipientParseError{Source: source, Line: n, Text: line, Err: err})
			continue
		}
		if seen[rc.Address] {
			slog.Debug("Duplicate recipient", "line", n, "address", rc.Address)
			continue
		}
		seen[rc.Address] = true
		list = append(list, rc)
	}
	if err := s.Err(); err != nil {
		return nil, nil, err
	}
	return list, problems, nil
}
