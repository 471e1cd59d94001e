package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ── Fakes ───────────────────────────────────────────────────────────────────

type fakeMailer struct {
	clk  clock.Clock
	fail map[string]error
	sent []Message
	at   []time.Time
}

func (m *fakeMailer) Name() string { return "fake" }

func (m *fakeMailer) Send(_ context.Context, msg Message) error {
	if err, ok := m.fail[msg.To]; ok {
		return &TransmissionError{Recipient: msg.To, Temporary: true, Err: err}
	}
	m.sent = append(m.sent, msg)
	m.at = append(m.at, m.clk.Now())
	return nil
}

func (m *fakeMailer) to() []string {
	var out []string
	for _, msg := range m.sent {
		out = append(out, msg.To)
	}
	return out
}

// pingingMailer fails the first n pings.
type pingingMailer struct {
	fakeMailer
	down  int
	pings int
}

func (m *pingingMailer) Ping(context.Context) error {
	m.pings++
	if m.pings <= m.down {
		return errors.New("connection refused")
	}
	return nil
}

type memLog struct {
	records    []SendRecord
	successErr error
}

func (l *memLog) RecordSuccess(r Recipient, at time.Time) error {
	if l.successErr != nil {
		return l.successErr
	}
	l.records = append(l.records, SendRecord{Address: r.Address, At: at, Outcome: OutcomeSent})
	return nil
}

func (l *memLog) RecordFailure(r Recipient, at time.Time, reason string) error {
	l.records = append(l.records, SendRecord{Address: r.Address, At: at, Outcome: OutcomeFailed, Reason: reason})
	return nil
}

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (s *statusLog) Report(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
}

func (s *statusLog) states() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, st := range s.statuses {
		out = append(out, st.State)
	}
	return out
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func testConfig() *Config {
	return &Config{
		FromAddr:           "sender@example.com",
		TestAddress:        "me@example.com",
		QuietStart:         "0",
		QuietEnd:           "0",
		Timezone:           "UTC",
		MaxPerDayTotal:     10,
		MaxPerHourTotal:    10,
		MaxPerDayPerDomain: 10,
		MinDelaySec:        60,
		MaxDelaySec:        60,
		DelaySeed:          1,
		PollInterval:       5 * time.Second,
	}
}

func recipients(t *testing.T, addrs ...string) []Recipient {
	t.Helper()
	var out []Recipient
	for _, a := range addrs {
		out = append(out, mustRecipient(t, a))
	}
	return out
}

// newTestRunner returns a runner whose sleeps advance a fake clock that
// starts at 2024-01-02T09:00:00Z.
func newTestRunner(t *testing.T, cfg *Config, m Mailer, l Logger, history []SendRecord) (*Runner, clock.FakeClock) {
	t.Helper()
	fc := clock.NewFake()
	fc.Set(utc("2024-01-02T09:00:00Z"))
	if fm, ok := m.(*fakeMailer); ok {
		fm.clk = fc
	}
	if pm, ok := m.(*pingingMailer); ok {
		pm.clk = fc
	}
	r, err := NewRunner(cfg, m, l, Content{Subject: "Hi", Text: "hello", HTML: "<p>hello</p>"}, history, fc)
	require.NoError(t, err)
	r.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		fc.Add(d)
		return nil
	}
	return r, fc
}

// ── Tests ───────────────────────────────────────────────────────────────────

func TestRunnerHourlyCapDefersThirdRecipient(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerHourTotal = 2
	m := &fakeMailer{}
	l := &memLog{}
	r, _ := newTestRunner(t, cfg, m, l, nil)

	stats, err := r.Run(context.Background(), recipients(t, "a@x.com", "b@x.com", "c@y.com"))
	require.NoError(t, err)

	assert.Equal(t, RunStats{Total: 3, Sent: 3}, stats)
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@y.com"}, m.to())
	assert.Equal(t, utc("2024-01-02T09:00:00Z"), m.at[0])
	assert.Equal(t, utc("2024-01-02T09:01:00Z"), m.at[1])
	assert.WithinRange(t, m.at[2], utc("2024-01-02T10:00:05Z"), utc("2024-01-02T10:00:45Z"), "c waits for the next UTC hour plus jitter")
	require.Len(t, l.records, 3)
}

func TestRunnerFailureUsesNoCapSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerHourTotal = 1
	m := &fakeMailer{fail: map[string]error{"a@x.com": errors.New("550 no such user")}}
	l := &memLog{}
	r, fc := newTestRunner(t, cfg, m, l, nil)
	start := fc.Now()

	stats, err := r.Run(context.Background(), recipients(t, "a@x.com", "b@x.com"))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, []string{"b@x.com"}, m.to())
	assert.Equal(t, start, m.at[0], "no delay after a failure")

	require.Len(t, l.records, 2)
	assert.Equal(t, OutcomeFailed, l.records[0].Outcome)
	assert.Contains(t, l.records[0].Reason, "550")
	assert.Equal(t, OutcomeSent, l.records[1].Outcome)
}

func TestRunnerSkipsAlreadySent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerDayPerDomain = 2
	history := []SendRecord{
		{Address: "a@x.com", At: utc("2024-01-02T08:00:00Z"), Outcome: OutcomeSent},
		{Address: "b@x.com", At: utc("2024-01-02T08:05:00Z"), Outcome: OutcomeFailed},
	}
	m := &fakeMailer{}
	r, _ := newTestRunner(t, cfg, m, &memLog{}, history)

	stats, err := r.Run(context.Background(), recipients(t, "a@x.com", "b@x.com", "c@x.com"))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, []string{"b@x.com", "c@x.com"}, m.to())
	// The restored send plus b fill x.com for the day.
	assert.WithinRange(t, m.at[1], utc("2024-01-03T00:00:05Z"), utc("2024-01-03T00:00:45Z"))
}

func TestRunnerPerRunLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerRun = 1
	m := &fakeMailer{}
	r, fc := newTestRunner(t, cfg, m, &memLog{}, nil)
	start := fc.Now()

	stats, err := r.Run(context.Background(), recipients(t, "a@x.com", "b@x.com"))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, []string{"a@x.com"}, m.to())
	assert.Equal(t, start, fc.Now(), "no delay after the last allowed send")
}

func TestRunnerQuitDuringWait(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerHourTotal = 1
	m := &fakeMailer{}
	r, fc := newTestRunner(t, cfg, m, &memLog{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slices := 0
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slices++
		if slices == 20 {
			cancel()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fc.Add(d)
		return nil
	}

	stats, err := r.Run(ctx, recipients(t, "a@x.com", "b@y.com"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, []string{"a@x.com"}, m.to())
	assert.LessOrEqual(t, slices, 20, "stops within one poll slice")
}

func TestRunnerWaitSlicesNeverExceedPoll(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerHourTotal = 1
	r, fc := newTestRunner(t, cfg, &fakeMailer{}, &memLog{}, nil)

	var longest time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		longest = max(longest, d)
		fc.Add(d)
		return nil
	}
	_, err := r.Run(context.Background(), recipients(t, "a@x.com", "b@y.com"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, longest)
}

func TestRunnerToggleBCCCommand(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultBCC = "archive@example.com"
	m := &fakeMailer{}
	r, _ := newTestRunner(t, cfg, m, &memLog{}, nil)

	cmds := make(chan Command, 1)
	cmds <- CmdToggleBCC
	r.Attach(cmds, nil)

	_, err := r.Run(context.Background(), recipients(t, "a@x.com"))
	require.NoError(t, err)
	require.Len(t, m.sent, 1)
	assert.Equal(t, "archive@example.com", m.sent[0].BCC)
}

func TestRunnerSendTestCommand(t *testing.T) {
	cfg := testConfig()
	m := &fakeMailer{}
	l := &memLog{}
	r, fc := newTestRunner(t, cfg, m, l, nil)

	cmds := make(chan Command, 1)
	cmds <- CmdSendTest
	r.Attach(cmds, nil)

	_, err := r.Run(context.Background(), recipients(t, "a@x.com"))
	require.NoError(t, err)

	assert.Equal(t, []string{"me@example.com", "a@x.com"}, m.to())
	assert.Len(t, l.records, 1, "test sends are not logged")
	assert.Equal(t, 1, r.gate.Counters().Snapshot(fc.Now()).Today)
}

func TestRunnerWaitsForConnectivity(t *testing.T) {
	cfg := testConfig()
	m := &pingingMailer{down: 2}
	rep := &statusLog{}
	r, fc := newTestRunner(t, cfg, m, &memLog{}, nil)
	r.Attach(nil, rep)
	start := fc.Now()

	stats, err := r.Run(context.Background(), recipients(t, "a@x.com"))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 3, m.pings)
	assert.Equal(t, start.Add(10*time.Second), m.at[0])
	assert.Contains(t, rep.states(), stateOffline)
	assert.Equal(t, stateDone, rep.states()[len(rep.states())-1])
}

func TestRunnerSendLogFailureIsFatal(t *testing.T) {
	cfg := testConfig()
	m := &fakeMailer{}
	r, _ := newTestRunner(t, cfg, m, &memLog{successErr: errors.New("disk full")}, nil)

	stats, err := r.Run(context.Background(), recipients(t, "a@x.com", "b@x.com"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, []string{"a@x.com"}, m.to())
}

func TestRunnerQuietHours(t *testing.T) {
	cfg := testConfig()
	cfg.QuietStart = "8"
	cfg.QuietEnd = "9:30"
	m := &fakeMailer{}
	r, _ := newTestRunner(t, cfg, m, &memLog{}, nil)

	_, err := r.Run(context.Background(), recipients(t, "a@x.com"))
	require.NoError(t, err)
	assert.WithinRange(t, m.at[0], utc("2024-01-02T09:30:05Z"), utc("2024-01-02T09:30:45Z"))
}

func TestRunnerOffHoursDelay(t *testing.T) {
	cfg := testConfig()
	cfg.OffMinDelaySec = 600
	cfg.OffMaxDelaySec = 600
	m := &fakeMailer{}
	r, fc := newTestRunner(t, cfg, m, &memLog{}, nil)
	fc.Set(utc("2024-01-02T12:00:00Z"))

	_, err := r.Run(context.Background(), recipients(t, "a@x.com", "b@x.com", "c@x.com"))
	require.NoError(t, err)
	require.Len(t, m.at, 3)
	assert.Equal(t, 10*time.Minute, m.at[1].Sub(m.at[0]), "12:00 is outside business hours")
	assert.Equal(t, 10*time.Minute, m.at[2].Sub(m.at[1]))

	m = &fakeMailer{}
	r, _ = newTestRunner(t, cfg, m, &memLog{}, nil)
	_, err = r.Run(context.Background(), recipients(t, "a@x.com", "b@x.com"))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, m.at[1].Sub(m.at[0]), "09:00 uses the business-hours range")
}

func TestRunnerQuietWindow(t *testing.T) {
	cfg := testConfig()
	cfg.QuietStart = "20"
	cfg.QuietEnd = "7:30"
	r, _ := newTestRunner(t, cfg, &fakeMailer{}, &memLog{}, nil)

	want, err := NewQuietWindow("20", "7:30")
	require.NoError(t, err)
	assert.Equal(t, want, r.Quiet())
	assert.True(t, r.Quiet().IsQuiet(utc("2024-01-02T21:00:00Z")))
}

func TestSendTestPingsFirst(t *testing.T) {
	m := &pingingMailer{down: 1}
	m.clk = clock.NewFake()
	cfg := testConfig()

	err := SendTest(context.Background(), m, cfg, Content{Subject: "s", Text: "t"})
	require.Error(t, err)
	assert.Empty(t, m.sent)

	require.NoError(t, SendTest(context.Background(), m, cfg, Content{Subject: "s", Text: "t"}))
	assert.Equal(t, []string{"me@example.com"}, m.to())
}
