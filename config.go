package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigError lists every problem found in the configuration.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the configuration before a campaign run: the transport
// plus everything the scheduling loop reads.
func (c *Config) Validate() error {
	var p []string
	p = append(p, c.transportProblems()...)
	p = append(p, c.campaignProblems()...)
	return configError(p)
}

// ValidateTransport checks only what a single test send needs.
func (c *Config) ValidateTransport() error {
	return configError(c.transportProblems())
}

func configError(p []string) error {
	if len(p) > 0 {
		return &ConfigError{Problems: p}
	}
	return nil
}

func (c *Config) transportProblems() []string {
	var p []string
	add := func(format string, args ...any) { p = append(p, fmt.Sprintf(format, args...)) }

	if _, err := ParseRecipient(c.FromAddr); err != nil {
		add("FROM_ADDR: %v", err)
	}
	if _, err := ParseRecipient(c.TestAddress); err != nil {
		add("TEST_ADDRESS: %v", err)
	}
	if c.DefaultBCC != "" {
		if _, err := ParseRecipient(c.DefaultBCC); err != nil {
			add("BCC_DEFAULT: %v", err)
		}
	}

	switch c.Mailer {
	case "smtp":
		if c.SMTPHost == "" {
			add("SMTP_HOST is not set")
		}
		if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
			add("SMTP_PORT out of range: %d", c.SMTPPort)
		}
		if c.SMTPPass == "" {
			add("SMTP_PASS (or SMTP_PASS_FILE) is not set")
		}
	case "resend":
		if c.ResendAPIKey == "" {
			add("RESEND_API_KEY is not set")
		}
	case "log":
	default:
		add("MAILER must be smtp, resend or log, got %q", c.Mailer)
	}
	return p
}

func (c *Config) campaignProblems() []string {
	var p []string
	add := func(format string, args ...any) { p = append(p, fmt.Sprintf(format, args...)) }

	if c.MaxPerDayTotal <= 0 {
		add("MAX_PER_DAY_TOTAL must be positive, got %d", c.MaxPerDayTotal)
	}
	if c.MaxPerHourTotal <= 0 {
		add("MAX_PER_HOUR_TOTAL must be positive, got %d", c.MaxPerHourTotal)
	}
	if c.MaxPerDayPerDomain <= 0 {
		add("MAX_PER_DAY_PER_DOMAIN must be positive, got %d", c.MaxPerDayPerDomain)
	}
	if c.MaxPerRun < 0 {
		add("PER_RUN_LIMIT must not be negative, got %d", c.MaxPerRun)
	}
	if c.MinDelaySec < 0 {
		add("MIN_DELAY_SECONDS must not be negative, got %g", c.MinDelaySec)
	}
	if c.MaxDelaySec < c.MinDelaySec {
		add("MAX_DELAY_SECONDS (%g) is below MIN_DELAY_SECONDS (%g)", c.MaxDelaySec, c.MinDelaySec)
	}
	if c.OffMinDelaySec < 0 {
		add("OFF_HOURS_MIN_DELAY_SECONDS must not be negative, got %g", c.OffMinDelaySec)
	}
	if c.OffMaxDelaySec > 0 && c.OffMaxDelaySec < c.OffMinDelaySec {
		add("OFF_HOURS_MAX_DELAY_SECONDS (%g) is below OFF_HOURS_MIN_DELAY_SECONDS (%g)", c.OffMaxDelaySec, c.OffMinDelaySec)
	}
	if _, err := NewQuietWindow(c.QuietStart, c.QuietEnd); err != nil {
		add("%v", err)
	}
	if _, err := loadLocation(c.Timezone); err != nil {
		add("%v", err)
	}
	if c.RecipientsFile == "" {
		add("EMAILS_FILE is not set")
	} else if !fileExists(c.RecipientsFile) {
		add("EMAILS_FILE %s does not exist", c.RecipientsFile)
	}
	if c.SentLog == "" {
		add("SENT_LOG is not set")
	}
	return p
}

// loadLocation resolves the quiet-hours zone; "" and "Local" mean the
// system zone.
func loadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("QUIET_TZ: %w", err)
	}
	return loc, nil
}

// ── Settings ────────────────────────────────────────────────────────────────
// Settings are plain KEY=value pairs from the YAML settings file and the
// .env file; the process environment is consulted first by envGet.

// loadDotEnv returns the variables in path, or an empty map if the file is
// missing or unreadable. It never mutates the process environment.
func loadDotEnv(path string) map[string]string {
	env, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Ignoring unreadable .env file", "path", path, "error", err)
		}
		return make(map[string]string)
	}
	return env
}

// loadSettingsFile reads a flat YAML mapping whose keys are the env var
// names, e.g. "MAX_PER_HOUR_TOTAL: 10".
func loadSettingsFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("settings file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case map[string]any, []any:
			return nil, fmt.Errorf("settings file %s: %s must be a scalar", path, k)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// mergeSettings layers maps left to right; later maps win.
func mergeSettings(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

// envGet returns the first non-empty value: real env var, then settings map.
func envGet(settings map[string]string, key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return settings[key]
}

func envFloat(settings map[string]string, key string, fb float64) float64 {
	if s := envGet(settings, key); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
		slog.Warn("Ignoring non-numeric setting", "key", key, "value", s)
	}
	return fb
}

func envInt(settings map[string]string, key string, fb int) int {
	if s := envGet(settings, key); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		slog.Warn("Ignoring non-integer setting", "key", key, "value", s)
	}
	return fb
}

func envUint(settings map[string]string, key string) uint64 {
	if s := envGet(settings, key); s != "" {
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			return v
		}
	}
	return 0
}

func envBool(settings map[string]string, key string) bool {
	s := strings.ToLower(envGet(settings, key))
	return s == "true" || s == "1" || s == "yes"
}
