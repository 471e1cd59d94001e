package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
)

var (
	version = "dev"
	commit  = "none"
)

// ── Configuration ───────────────────────────────────────────────────────────

// bindFlags registers every option with defaults taken from settings, which
// already layer the YAML file, .env and the process environment.
func bindFlags(fs *flag.FlagSet, cfg *Config, settings map[string]string) {
	fs.StringVar(&cfg.SMTPHost, "smtp-host", coalesce(envGet(settings, "SMTP_HOST"), "smtp.example.com"), "SMTP relay host")
	fs.IntVar(&cfg.SMTPPort, "smtp-port", envInt(settings, "SMTP_PORT", 465), "SMTP relay port (465 = implicit TLS)")
	fs.StringVar(&cfg.SMTPUser, "smtp-user", coalesce(envGet(settings, "SMTP_USER"), "your-address@example.com"), "SMTP username")
	fs.StringVar(&cfg.SMTPPassFile, "smtp-pass-file", envGet(settings, "SMTP_PASS_FILE"), "Path to file containing the SMTP password")
	cfg.SMTPPass = envGet(settings, "SMTP_PASS")

	fs.StringVar(&cfg.FromName, "from-name", coalesce(envGet(settings, "FROM_NAME"), "Content Automation"), "Sender display name")
	fs.StringVar(&cfg.FromAddr, "from", envGet(settings, "FROM_ADDR"), "Sender address (default SMTP user)")
	fs.StringVar(&cfg.ReplyTo, "reply-to", envGet(settings, "REPLY_TO"), "Reply-To address (default sender)")
	fs.StringVar(&cfg.DefaultBCC, "bcc", envGet(settings, "BCC_DEFAULT"), "Default BCC address")
	fs.StringVar(&cfg.TestAddress, "test-to", envGet(settings, "TEST_ADDRESS"), "Recipient of test emails (default sender)")

	fs.StringVar(&cfg.RecipientsFile, "recipients", coalesce(envGet(settings, "EMAILS_FILE"), "emails.txt"), "Recipient list, one address per line")
	fs.StringVar(&cfg.SentLog, "sent-log", coalesce(envGet(settings, "SENT_LOG"), "sent_log.txt"), "Append-only send log")

	fs.StringVar(&cfg.QuietStart, "quiet-start", coalesce(envGet(settings, "QUIET_START_HOUR"), "20"), "Quiet hours start, local H or HH:MM")
	fs.StringVar(&cfg.QuietEnd, "quiet-end", coalesce(envGet(settings, "QUIET_END_HOUR"), "7"), "Quiet hours end, local H or HH:MM")
	fs.StringVar(&cfg.Timezone, "tz", envGet(settings, "QUIET_TZ"), "IANA zone for quiet hours (default system zone)")

	fs.IntVar(&cfg.MaxPerDayTotal, "max-day", envInt(settings, "MAX_PER_DAY_TOTAL", 78), "Max sends per UTC day")
	fs.IntVar(&cfg.MaxPerHourTotal, "max-hour", envInt(settings, "MAX_PER_HOUR_TOTAL", 12), "Max sends per UTC hour")
	fs.IntVar(&cfg.MaxPerDayPerDomain, "max-domain", envInt(settings, "MAX_PER_DAY_PER_DOMAIN", 5), "Max sends per recipient domain per UTC day")
	fs.IntVar(&cfg.MaxPerRun, "max-run", envInt(settings, "PER_RUN_LIMIT", 0), "Stop after this many sends (0 = no limit)")

	fs.Float64Var(&cfg.MinDelaySec, "min-delay", envFloat(settings, "MIN_DELAY_SECONDS", 1320), "Min delay between sends (seconds)")
	fs.Float64Var(&cfg.MaxDelaySec, "max-delay", envFloat(settings, "MAX_DELAY_SECONDS", 2700), "Max delay between sends (seconds)")
	fs.Float64Var(&cfg.OffMinDelaySec, "off-min-delay", envFloat(settings, "OFF_HOURS_MIN_DELAY_SECONDS", 3300), "Min delay outside business hours (seconds)")
	fs.Float64Var(&cfg.OffMaxDelaySec, "off-max-delay", envFloat(settings, "OFF_HOURS_MAX_DELAY_SECONDS", 6000), "Max delay outside business hours (seconds, 0 = business range around the clock)")
	fs.Uint64Var(&cfg.DelaySeed, "seed", envUint(settings, "DELAY_SEED"), "Delay RNG seed (0 = random)")

	fs.StringVar(&cfg.BodyFile, "body", envGet(settings, "EMAIL_BODY_FILE"), "Markdown file used as the message body")
	cfg.Subject = envGet(settings, "EMAIL_SUBJECT")
	cfg.HTMLBody = envGet(settings, "EMAIL_HTML_BODY")
	cfg.TextBody = envGet(settings, "EMAIL_PLAIN_BODY")

	fs.StringVar(&cfg.Mailer, "mailer", coalesce(envGet(settings, "MAILER"), "smtp"), "Transport: smtp, resend or log")
	cfg.ResendAPIKey = envGet(settings, "RESEND_API_KEY")
	fs.StringVar(&cfg.NetCheckAddr, "net-check", coalesce(envGet(settings, "NET_CHECK_ADDR"), defaultNetCheck), "host:port tried when the SMTP relay is unreachable (empty = off)")

	fs.BoolVar(&cfg.Interactive, "interactive", envBool(settings, "PACEMAIL_INTERACTIVE"), "Live console with q=quit t=test o=BCC toggle")
	fs.BoolVar(&cfg.Verbose, "verbose", envBool(settings, "PACEMAIL_VERBOSE"), "Verbose output")
	fs.StringVar(&cfg.PreviewPath, "preview", "", "Render the HTML body to this .png and exit")
}

// finalize fills derived defaults after flags are parsed.
func finalize(cfg *Config) error {
	if cfg.SMTPPassFile != "" {
		data, err := os.ReadFile(cfg.SMTPPassFile)
		if err != nil {
			return fmt.Errorf("SMTP_PASS_FILE: %w", err)
		}
		cfg.SMTPPass = strings.TrimSpace(string(data))
	}
	cfg.FromAddr = coalesce(cfg.FromAddr, cfg.SMTPUser)
	cfg.ReplyTo = coalesce(cfg.ReplyTo, cfg.FromAddr)
	cfg.TestAddress = coalesce(cfg.TestAddress, cfg.FromAddr)
	cfg.Mailer = strings.ToLower(cfg.Mailer)
	cfg.BCCOn = cfg.DefaultBCC != ""
	return nil
}

// preScan finds --config before the full flag set is parsed, so the file can
// feed flag defaults.
func preScan(args []string) string {
	for i, a := range args {
		switch {
		case a == "--config" || a == "-config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		}
	}
	return ""
}

// ── Main ────────────────────────────────────────────────────────────────────

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	slog.SetDefault(slog.New(NewColorHandler(os.Stderr, slog.LevelInfo)))

	var fileSettings map[string]string
	if path := preScan(args); path != "" {
		s, err := loadSettingsFile(path)
		if err != nil {
			slog.Error("Cannot load settings", "error", err)
			return 1
		}
		fileSettings = s
	}
	settings := mergeSettings(fileSettings, loadDotEnv(".env"))

	var cfg Config
	var showVersion, testMode, dryRun bool
	fs := flag.NewFlagSet("pacemail", flag.ContinueOnError)
	bindFlags(fs, &cfg, settings)
	fs.String("config", "", "YAML settings file (keys are env var names)")
	fs.BoolVar(&testMode, "test", false, "Send one test email and exit")
	fs.BoolVar(&dryRun, "dry-run", envBool(settings, "PACEMAIL_DRY_RUN"), "Log messages instead of sending (same as --mailer log)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if showVersion {
		fmt.Printf("pacemail %s (%s)\n", version, commit)
		return 0
	}

	logLevel := slog.LevelInfo
	if cfg.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(NewColorHandler(os.Stderr, logLevel)))

	if err := finalize(&cfg); err != nil {
		slog.Error("Configuration", "error", err)
		return 1
	}
	if dryRun {
		cfg.Mailer = "log"
	}

	content, err := LoadContent(&cfg)
	if err != nil {
		slog.Error("Content", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PreviewPath != "" {
		if err := writePreview(ctx, content, cfg.PreviewPath); err != nil {
			slog.Error("Preview failed", "error", err)
			return 1
		}
		return 0
	}

	validate := cfg.Validate
	if testMode {
		validate = cfg.ValidateTransport
	}
	if err := validate(); err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			for _, p := range ce.Problems {
				slog.Error("Configuration", "problem", p)
			}
		} else {
			slog.Error("Configuration", "error", err)
		}
		return 1
	}

	mailer, err := newMailer(&cfg)
	if err != nil {
		slog.Error("Mailer", "error", err)
		return 1
	}

	if testMode {
		if err := SendTest(ctx, mailer, &cfg, content); err != nil {
			slog.Error("Test email failed", "to", cfg.TestAddress, "error", err)
			return 1
		}
		slog.Info("Test email sent", "to", cfg.TestAddress, "via", mailer.Name())
		return 0
	}

	return campaign(ctx, &cfg, mailer, content, logLevel)
}

// campaign runs the rate-governed send loop over the recipient list.
func campaign(ctx context.Context, cfg *Config, mailer Mailer, content Content, logLevel slog.Level) int {
	var source RecipientSource = FileRecipients{Path: cfg.RecipientsFile}
	recipients, err := source.List()
	if err != nil {
		slog.Error("Cannot load recipients", "error", err)
		return 1
	}
	history, err := LoadSendLog(cfg.SentLog)
	if err != nil {
		slog.Error("Cannot load send log", "error", err)
		return 1
	}

	runID := uuid.NewString()
	sendLog := NewSendLog(cfg.SentLog, runID)
	runner, err := NewRunner(cfg, mailer, sendLog, content, history, clock.New())
	if err != nil {
		slog.Error("Init failed", "error", err)
		return 1
	}

	slog.Info(fmt.Sprintf("pacemail %s", version), "run", runID)
	slog.Info(fmt.Sprintf("Recipients: %s (%d)", absPath(cfg.RecipientsFile), len(recipients)))
	slog.Info(fmt.Sprintf("Send log: %s (%d records)", absPath(sendLog.Path()), len(history)))
	slog.Info(fmt.Sprintf("Caps: %d/day, %d/hour, %d/domain/day", cfg.MaxPerDayTotal, cfg.MaxPerHourTotal, cfg.MaxPerDayPerDomain))
	slog.Info(fmt.Sprintf("Quiet hours: %s %s", runner.Quiet(), coalesce(cfg.Timezone, "local")))
	slog.Info(fmt.Sprintf("Throttle: %.0f–%.0fs biased random delay", cfg.MinDelaySec, cfg.MaxDelaySec))
	if cfg.OffMaxDelaySec > 0 {
		slog.Info(fmt.Sprintf("Off-hours throttle: %.0f–%.0fs", cfg.OffMinDelaySec, cfg.OffMaxDelaySec))
	}
	slog.Info(fmt.Sprintf("Transport: %s", mailer.Name()))
	if cfg.DefaultBCC != "" {
		slog.Info(fmt.Sprintf("BCC: %s", cfg.DefaultBCC))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var console *Console
	if cfg.Interactive {
		console = NewConsole(ctx, cancel, os.Stdout)
		console.Start()
		h := NewColorHandler(console.LogWriter(os.Stderr), logLevel).ColorsFrom(os.Stdout)
		slog.SetDefault(slog.New(h))
		runner.Attach(console.Commands(), console)
	}

	start := time.Now()
	stats, err := runner.Run(ctx, recipients)

	if console != nil {
		if cerr := console.Stop(); cerr != nil {
			slog.Warn("Console", "error", cerr)
		}
		slog.SetDefault(slog.New(NewColorHandler(os.Stderr, logLevel)))
	}

	summary := []any{
		"sent", stats.Sent,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"elapsed", time.Since(start),
	}
	switch {
	case errors.Is(err, context.Canceled):
		slog.Info("Stopped", summary...)
		return 0
	case err != nil:
		slog.Error("Fatal", append([]any{"error", err}, summary...)...)
		return 1
	}
	slog.Info("Done", summary...)
	return 0
}
