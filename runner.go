package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmhodges/clock"
)

const (
	defaultPoll = 2 * time.Second
	maxPoll     = 5 * time.Second
)

// Command is a request from the interactive console.
type Command int

const (
	CmdSendTest Command = iota + 1
	CmdToggleBCC
)

func (c Command) String() string {
	switch c {
	case CmdSendTest:
		return "send-test"
	case CmdToggleBCC:
		return "toggle-bcc"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

const (
	stateSending = "sending"
	stateWaiting = "waiting"
	stateOffline = "offline"
	stateDone    = "done"
)

// Status is a snapshot of the run, pushed to the console on every change.
type Status struct {
	State     string
	Reason    Reason
	Recipient string
	Until     time.Time
	Index     int
	Pending   int
	Sent      int
	Failed    int
	Today     int
	ThisHour  int
	BCC       bool
}

// Reporter receives run status updates.
type Reporter interface {
	Report(Status)
}

// Runner walks the recipient list one address at a time, asking the gate
// before every send. It is the only goroutine that touches the counters,
// the send log and the config.
type Runner struct {
	cfg      *Config
	gate     *Gate
	throttle *Throttle
	mailer   Mailer
	sendLog  Logger
	content  Content
	clk      clock.Clock
	loc      *time.Location
	poll     time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	commands <-chan Command
	reporter Reporter
	already  map[string]bool
	stats    RunStats
}

// NewRunner wires the scheduling core. history is the existing send log; it
// seeds today's counters and the set of addresses to skip.
func NewRunner(cfg *Config, m Mailer, sendLog Logger, content Content, history []SendRecord, clk clock.Clock) (*Runner, error) {
	quiet, err := NewQuietWindow(cfg.QuietStart, cfg.QuietEnd)
	if err != nil {
		return nil, err
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	counters := NewCapCounters(cfg.Limits())
	counters.Restore(history, clk.Now())

	poll := cfg.PollInterval
	if poll <= 0 || poll > maxPoll {
		poll = defaultPoll
	}

	return &Runner{
		cfg:      cfg,
		gate:     NewGate(quiet, counters),
		throttle: NewThrottle(seconds(cfg.MinDelaySec), seconds(cfg.MaxDelaySec), cfg.DelaySeed).
			WithOffHours(seconds(cfg.OffMinDelaySec), seconds(cfg.OffMaxDelaySec)),
		mailer:   m,
		sendLog:  sendLog,
		content:  content,
		clk:      clk,
		loc:      loc,
		poll:     poll,
		sleep:    sleepCtx,
		already:  sentAddresses(history),
	}, nil
}

// Quiet returns the quiet-hours window the gate enforces.
func (r *Runner) Quiet() QuietWindow { return r.gate.Quiet() }

// Attach connects the interactive console. Either argument may be nil.
func (r *Runner) Attach(commands <-chan Command, rep Reporter) {
	r.commands = commands
	r.reporter = rep
}

// Run sends to every pending recipient. It returns ctx.Err() when the run
// is cancelled, and ErrCapOverflow wrapped if the counters ever disagree
// with the gate.
func (r *Runner) Run(ctx context.Context, recipients []Recipient) (RunStats, error) {
	r.stats = RunStats{Total: len(recipients)}

	pending := make([]Recipient, 0, len(recipients))
	for _, rc := range recipients {
		if r.already[rc.Address] {
			r.stats.Skipped++
			slog.Debug("Already sent, skipping", "to", rc.Address)
			continue
		}
		pending = append(pending, rc)
	}
	c := r.gate.Counters().Snapshot(r.clk.Now())
	slog.Info("Starting run",
		"pending", len(pending),
		"skipped", r.stats.Skipped,
		"today", c.Today,
		"this_hour", c.ThisHour,
	)

	for i, rc := range pending {
		if r.runLimitReached() {
			slog.Info("Per-run limit reached", "limit", r.cfg.MaxPerRun)
			break
		}
		if err := r.awaitGate(ctx, rc, i, len(pending)); err != nil {
			return r.stats, err
		}
		if err := r.awaitConnectivity(ctx); err != nil {
			return r.stats, err
		}

		slog.Info(fmt.Sprintf("[%d/%d] %s", i+1, len(pending), rc.Address))
		sent, err := r.sendOne(ctx, rc, i, len(pending))
		if err != nil {
			return r.stats, err
		}

		if sent && i < len(pending)-1 && !r.runLimitReached() {
			d := r.throttle.NextAt(r.clk.Now().In(r.loc))
			next := r.clk.Now().Add(d)
			slog.Info("Next send planned", "in", d.Round(time.Second), "at", next.In(r.loc).Format("2006-01-02 15:04:05"))
			r.report(Status{State: stateWaiting, Until: next, Index: i + 1, Pending: len(pending)})
			if err := r.wait(ctx, d); err != nil {
				return r.stats, err
			}
		}
	}

	r.report(Status{State: stateDone, Pending: len(pending), Index: len(pending)})
	return r.stats, nil
}

func (r *Runner) runLimitReached() bool {
	return r.cfg.MaxPerRun > 0 && r.stats.Sent >= r.cfg.MaxPerRun
}

// awaitGate blocks until the gate lets rc through.
func (r *Runner) awaitGate(ctx context.Context, rc Recipient, i, n int) error {
	for {
		r.drainCommands(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		now := r.clk.Now()
		d := r.gate.Decide(rc, now.UTC(), now.In(r.loc))
		if d.Action == ActionSend {
			return nil
		}
		// Boundary waits get a few seconds of jitter so sends never start
		// exactly on the hour or at the end of quiet hours.
		wait := d.Wait + r.throttle.Jitter()
		until := now.Add(wait)
		slog.Info("Waiting",
			"reason", string(d.Reason),
			"seconds", int(wait/time.Second),
			"until", until.In(r.loc).Format("2006-01-02 15:04"),
			"next", rc.Address,
		)
		r.report(Status{State: stateWaiting, Reason: d.Reason, Recipient: rc.Address, Until: until, Index: i, Pending: n})
		if err := r.wait(ctx, wait); err != nil {
			return err
		}
	}
}

// awaitConnectivity blocks until the mailer's endpoint is reachable, for
// mailers that can tell.
func (r *Runner) awaitConnectivity(ctx context.Context) error {
	p, ok := r.mailer.(pinger)
	if !ok {
		return nil
	}
	offline := false
	for {
		err := p.Ping(ctx)
		if err == nil {
			if offline {
				slog.Info("Connectivity restored")
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !offline {
			slog.Warn("Offline, waiting for connectivity", "error", err)
			offline = true
		}
		r.report(Status{State: stateOffline, Until: r.clk.Now().Add(r.poll)})
		if err := r.wait(ctx, r.poll); err != nil {
			return err
		}
	}
}

// sendOne transmits to rc. A transmission failure is recorded and reported
// as (false, nil): the run goes on and no cap slot is used.
func (r *Runner) sendOne(ctx context.Context, rc Recipient, i, n int) (bool, error) {
	msg := r.content.Message(rc.Address, r.cfg.ActiveBCC())
	r.report(Status{State: stateSending, Recipient: rc.Address, Index: i, Pending: n})

	err := r.mailer.Send(ctx, msg)
	now := r.clk.Now().UTC()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.stats.Failed++
		var te *TransmissionError
		temporary := errors.As(err, &te) && te.Temporary
		slog.Error("Send failed", "to", rc.Address, "temporary", temporary, "error", err)
		if lerr := r.sendLog.RecordFailure(rc, now, err.Error()); lerr != nil {
			slog.Error("Send log write failed", "error", lerr)
		}
		return false, nil
	}

	if err := r.gate.Record(rc, now); err != nil {
		return false, fmt.Errorf("record %s: %w", rc.Address, err)
	}
	r.stats.Sent++
	// A lost success record means a resend after restart, so stop here.
	if err := r.sendLog.RecordSuccess(rc, now); err != nil {
		return true, fmt.Errorf("send log: %w", err)
	}
	slog.Info("Sent", "to", rc.Address, "bcc", msg.BCC != "")
	return true, nil
}

// wait sleeps for d in slices of at most r.poll, handling console commands
// between slices. Cancellation ends the current slice at once.
func (r *Runner) wait(ctx context.Context, d time.Duration) error {
	deadline := r.clk.Now().Add(d)
	for {
		remaining := deadline.Sub(r.clk.Now())
		if remaining <= 0 {
			return nil
		}
		if err := r.sleep(ctx, min(remaining, r.poll)); err != nil {
			return err
		}
		r.drainCommands(ctx)
	}
}

func (r *Runner) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-r.commands:
			r.handle(ctx, cmd)
		default:
			return
		}
	}
}

func (r *Runner) handle(ctx context.Context, cmd Command) {
	switch cmd {
	case CmdToggleBCC:
		on := r.cfg.ToggleBCC()
		if r.cfg.DefaultBCC == "" {
			slog.Warn("BCC toggled but BCC_DEFAULT is not set", "on", on)
			return
		}
		slog.Info("BCC toggled", "on", on, "bcc", r.cfg.DefaultBCC)
	case CmdSendTest:
		if err := SendTest(ctx, r.mailer, r.cfg, r.content); err != nil {
			slog.Error("Test email failed", "to", r.cfg.TestAddress, "error", err)
			return
		}
		slog.Info("Test email sent", "to", r.cfg.TestAddress)
	default:
		slog.Debug("Ignoring unknown command", "command", cmd)
	}
}

func (r *Runner) report(s Status) {
	if r.reporter == nil {
		return
	}
	c := r.gate.Counters().Snapshot(r.clk.Now())
	s.Sent = r.stats.Sent
	s.Failed = r.stats.Failed
	s.Today = c.Today
	s.ThisHour = c.ThisHour
	s.BCC = r.cfg.ActiveBCC() != ""
	r.reporter.Report(s)
}

// SendTest sends the campaign content to the test address. It never touches
// the counters or the send log.
func SendTest(ctx context.Context, m Mailer, cfg *Config, c Content) error {
	if p, ok := m.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("offline: %w", err)
		}
	}
	return m.Send(ctx, c.Message(cfg.TestAddress, cfg.ActiveBCC()))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
