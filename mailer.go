package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/resend/resend-go/v3"
	"golang.org/x/time/rate"
	gomail "gopkg.in/mail.v2"
)

const (
	smtpTimeout    = 60 * time.Second
	pingTimeout    = 5 * time.Second
	connectSpacing = 2 * time.Second

	// Dialled when the relay itself does not answer, to tell a relay outage
	// from a dead uplink.
	defaultNetCheck = "8.8.8.8:53"
)

// Message is one fully-prepared email.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
	BCC     string // optional
}

// Mailer transmits a message. Send must not block without bound; failures
// come back as *TransmissionError.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// pinger is implemented by mailers that can cheaply check that the network
// path to their provider is up before a send.
type pinger interface {
	Ping(ctx context.Context) error
}

// TransmissionError is a failed send. Temporary marks failures a later
// attempt could plausibly get past (4xx replies, timeouts, dropped links).
type TransmissionError struct {
	Recipient string
	Temporary bool
	Err       error
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Recipient, e.Err)
}

func (e *TransmissionError) Unwrap() error { return e.Err }

// ── SMTP ────────────────────────────────────────────────────────────────────

// SMTPMailer sends through an authenticated SMTP relay, one connection per
// message. Port 465 uses implicit TLS, anything else requires STARTTLS.
type SMTPMailer struct {
	dialer   *gomail.Dialer
	fromAddr string
	fromName string
	replyTo  string
	netCheck string // optional
}

func NewSMTPMailer(cfg *Config) *SMTPMailer {
	d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
	d.Timeout = smtpTimeout
	d.SSL = cfg.SMTPPort == 465
	if !d.SSL {
		d.StartTLSPolicy = gomail.MandatoryStartTLS
	}
	return &SMTPMailer{
		dialer:   d,
		fromAddr: cfg.FromAddr,
		fromName: cfg.FromName,
		replyTo:  coalesce(cfg.ReplyTo, cfg.FromAddr),
		netCheck: cfg.NetCheckAddr,
	}
}

func (m *SMTPMailer) Name() string { return "smtp" }

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.dialer.DialAndSend(m.build(msg)); err != nil {
		return &TransmissionError{Recipient: msg.To, Temporary: isTemporary(err), Err: err}
	}
	return nil
}

// build assembles the MIME message: text/plain with a text/html alternative.
// The Bcc header only feeds the envelope; the writer never emits it.
func (m *SMTPMailer) build(msg Message) *gomail.Message {
	gm := gomail.NewMessage()
	gm.SetAddressHeader("From", m.fromAddr, m.fromName)
	gm.SetHeader("To", msg.To)
	gm.SetHeader("Reply-To", m.replyTo)
	gm.SetHeader("Subject", msg.Subject)
	gm.SetHeader("X-Content-Automation", "yes")
	if msg.BCC != "" {
		gm.SetHeader("Bcc", msg.BCC)
	}
	gm.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		gm.AddAlternative("text/html", msg.HTML)
	}
	return gm
}

// Ping opens and closes a TCP connection to the relay. If the relay does not
// answer, the net check address is tried instead; either one answering
// counts as online.
func (m *SMTPMailer) Ping(ctx context.Context) error {
	err := dialClose(ctx, net.JoinHostPort(m.dialer.Host, strconv.Itoa(m.dialer.Port)))
	if err == nil || m.netCheck == "" {
		return err
	}
	if ferr := dialClose(ctx, m.netCheck); ferr != nil {
		return errors.Join(err, ferr)
	}
	slog.Debug("Relay unreachable, network is up", "error", err)
	return nil
}

func dialClose(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: pingTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// isTemporary classifies SMTP failures. 535 (bad credentials) is the one
// 5xx reply treated as permanent; other 5xx are kept temporary because
// providers use them for throttling as often as for hard bounces.
func isTemporary(err error) bool {
	var se *gomail.SendError
	if errors.As(err, &se) && se.Cause != nil {
		err = se.Cause
	}
	var tp *textproto.Error
	if errors.As(err, &tp) {
		switch {
		case tp.Code == 535:
			return false
		case tp.Code >= 400 && tp.Code < 600:
			return true
		}
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ── Resend ──────────────────────────────────────────────────────────────────

// ResendMailer sends through the Resend HTTP API.
type ResendMailer struct {
	client  *resend.Client
	http    *http.Client
	from    string
	replyTo string
}

func NewResendMailer(cfg *Config) *ResendMailer {
	from := cfg.FromAddr
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromAddr)
	}
	return &ResendMailer{
		client:  resend.NewClient(cfg.ResendAPIKey),
		http:    &http.Client{Timeout: pingTimeout},
		from:    from,
		replyTo: coalesce(cfg.ReplyTo, cfg.FromAddr),
	}
}

func (m *ResendMailer) Name() string { return "resend" }

func (m *ResendMailer) Send(ctx context.Context, msg Message) error {
	req := &resend.SendEmailRequest{
		From:    m.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: m.replyTo,
		Headers: map[string]string{"X-Content-Automation": "yes"},
	}
	if msg.BCC != "" {
		req.Bcc = []string{msg.BCC}
	}
	if _, err := m.client.Emails.SendWithContext(ctx, req); err != nil {
		return &TransmissionError{Recipient: msg.To, Temporary: isTemporary(err), Err: fmt.Errorf("resend: %w", err)}
	}
	return nil
}

// Ping sends a HEAD request to the API base URL. Any HTTP response, even an
// error status, means the API is reachable.
func (m *ResendMailer) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.client.BaseURL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// ── Log ─────────────────────────────────────────────────────────────────────

// LogMailer logs messages instead of sending them. Used for --dry-run.
type LogMailer struct{}

func (LogMailer) Name() string { return "log" }

func (LogMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.Info("Dry run, not sent",
		"to", msg.To,
		"bcc", msg.BCC,
		"subject", msg.Subject,
		"text_bytes", len(msg.Text),
		"html_bytes", len(msg.HTML),
	)
	return nil
}

// ── Rate Guard ──────────────────────────────────────────────────────────────

// limitedMailer spaces out connections to the provider regardless of who
// asks: the runner, a test send from the console, or --test.
type limitedMailer struct {
	Mailer
	limiter *rate.Limiter
}

func withRateLimit(m Mailer, every time.Duration) *limitedMailer {
	return &limitedMailer{Mailer: m, limiter: rate.NewLimiter(rate.Every(every), 1)}
}

func (l *limitedMailer) Send(ctx context.Context, msg Message) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.Mailer.Send(ctx, msg)
}

func (l *limitedMailer) Ping(ctx context.Context) error {
	if p, ok := l.Mailer.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// newMailer builds the configured backend behind the connection limiter.
func newMailer(cfg *Config) (Mailer, error) {
	var m Mailer
	switch cfg.Mailer {
	case "smtp", "":
		m = NewSMTPMailer(cfg)
	case "resend":
		m = NewResendMailer(cfg)
	case "log":
		m = LogMailer{}
	default:
		return nil, fmt.Errorf("unknown mailer %q", cfg.Mailer)
	}
	return withRateLimit(m, connectSpacing), nil
}
