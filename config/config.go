// Package config loads the engine configuration: a YAML file, then .env,
// then REVIEW_* environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/warp/access-review/cycle"
	"github.com/warp/access-review/review"
)

// Config holds all access-review configuration.
type Config struct {
	// Filesystem root holding roster.json and cycles/
	RootPath string `yaml:"root_path" validate:"required"`

	// Cycle policy
	Timezone               string            `yaml:"timezone" validate:"required"`
	DueDays                int               `yaml:"due_days" validate:"min=1"`
	LateGraceDays          int               `yaml:"late_grace_days" validate:"min=0"`
	MaxJustificationChars  int               `yaml:"max_justification_chars" validate:"min=1"`
	VerdictVocabulary      []string          `yaml:"verdict_vocabulary" validate:"min=1,dive,required"`
	DelegateMap            map[string]string `yaml:"delegate_map"`
	ResendRequiresOperator bool              `yaml:"resend_requires_operator"`

	// Journal
	JournalBackend string `yaml:"journal_backend" validate:"oneof=file sqlite"`
	SQLitePath     string `yaml:"sqlite_path"`

	// Ingestion
	IngestTimeout string `yaml:"ingest_timeout" validate:"required"`
	IngestWorkers int    `yaml:"ingest_workers" validate:"min=1,max=32"`

	Mail   MailConfig   `yaml:"mail"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// MailConfig selects and configures the mail transport.
type MailConfig struct {
	Transport       string     `yaml:"transport" validate:"oneof=smtp drop"`
	SMTP            SMTPConfig `yaml:"smtp"`
	DropDir         string     `yaml:"drop_dir"`
	SubjectTemplate string     `yaml:"subject_template"`
	BodyTemplate    string     `yaml:"body_template"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"min=0,max=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from" validate:"required"`
	StartTLS bool   `yaml:"starttls"`
	Timeout  string `yaml:"timeout"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Addr              string   `yaml:"addr" validate:"required"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	InboxPollInterval string   `yaml:"inbox_poll_interval"`
	WatchInbox        bool     `yaml:"watch_inbox"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		RootPath:               ".",
		Timezone:               "UTC",
		DueDays:                14,
		LateGraceDays:          0,
		MaxJustificationChars:  1000,
		VerdictVocabulary:      []string{"Keep", "Revoke", "Modify"},
		ResendRequiresOperator: true,
		JournalBackend:         "file",
		IngestTimeout:          "30s",
		IngestWorkers:          4,
		Mail: MailConfig{
			Transport: "drop",
			SMTP: SMTPConfig{
				From:     "Access Review <access-review@localhost.localdomain>",
				Port:     587,
				StartTLS: true,
				Timeout:  "30s",
			},
		},
		Server: ServerConfig{
			Addr:              ":8080",
			AllowedOrigins:    []string{"http://localhost:*"},
			InboxPollInterval: "1m",
			WatchInbox:        true,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

var validate = validator.New()

// Load reads path (a missing file means defaults), loads .env from the
// working directory if present, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies REVIEW_* environment variables.
func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"REVIEW_ROOT_PATH":       &c.RootPath,
		"REVIEW_TIMEZONE":        &c.Timezone,
		"REVIEW_JOURNAL_BACKEND": &c.JournalBackend,
		"REVIEW_SQLITE_PATH":     &c.SQLitePath,
		"REVIEW_MAIL_TRANSPORT":  &c.Mail.Transport,
		"REVIEW_MAIL_DROP_DIR":   &c.Mail.DropDir,
		"REVIEW_SMTP_HOST":       &c.Mail.SMTP.Host,
		"REVIEW_SMTP_USERNAME":   &c.Mail.SMTP.Username,
		"REVIEW_SMTP_PASSWORD":   &c.Mail.SMTP.Password,
		"REVIEW_SMTP_FROM":       &c.Mail.SMTP.From,
		"REVIEW_SERVER_ADDR":     &c.Server.Addr,
		"REVIEW_LOG_LEVEL":       &c.Log.Level,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("REVIEW_SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REVIEW_SMTP_PORT: %w", err)
		}
		c.Mail.SMTP.Port = port
	}
	if v := os.Getenv("REVIEW_DUE_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REVIEW_DUE_DAYS: %w", err)
		}
		c.DueDays = days
	}
	return nil
}

// Validate checks struct constraints and the values the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid config: timezone %q: %w", c.Timezone, err)
	}
	for name, value := range map[string]string{
		"ingest_timeout":      c.IngestTimeout,
		"mail.smtp.timeout":   c.Mail.SMTP.Timeout,
		"inbox_poll_interval": c.Server.InboxPollInterval,
	} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("invalid config: %s must be a positive duration, got %q", name, value)
		}
	}
	if c.Mail.Transport == "smtp" && c.Mail.SMTP.Host == "" {
		return fmt.Errorf("invalid config: mail.smtp.host is required for the smtp transport")
	}
	_, err := c.Settings()
	return err
}

// Settings converts the configuration into the value the cycle Service runs with.
func (c *Config) Settings() (cycle.Settings, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return cycle.Settings{}, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	vocab := make([]review.Verdict, 0, len(c.VerdictVocabulary))
	for _, v := range c.VerdictVocabulary {
		vocab = append(vocab, review.Verdict(strings.TrimSpace(v)))
	}

	s := cycle.Settings{
		Location:               loc,
		DueDays:                c.DueDays,
		LateGraceDays:          c.LateGraceDays,
		MaxJustificationChars:  c.MaxJustificationChars,
		Vocabulary:             vocab,
		DelegateMap:            c.DelegateMap,
		ResendRequiresOperator: c.ResendRequiresOperator,
		IngestTimeout:          c.GetIngestTimeout(),
		IngestWorkers:          c.IngestWorkers,
		SubjectTemplate:        c.Mail.SubjectTemplate,
		BodyTemplate:           c.Mail.BodyTemplate,
	}
	if err := s.Validate(); err != nil {
		return cycle.Settings{}, err
	}
	return s, nil
}

// GetIngestTimeout returns the per-file ingest budget.
func (c *Config) GetIngestTimeout() time.Duration {
	return parseDuration(c.IngestTimeout, 30*time.Second)
}

// GetSMTPTimeout returns the timeout of one SMTP delivery.
func (c *Config) GetSMTPTimeout() time.Duration {
	return parseDuration(c.Mail.SMTP.Timeout, 30*time.Second)
}

// GetInboxPollInterval returns how often the scheduler scans the inbox.
func (c *Config) GetInboxPollInterval() time.Duration {
	return parseDuration(c.Server.InboxPollInterval, time.Minute)
}

// JournalDB is the sqlite database file used by the sqlite journal backend.
func (c *Config) JournalDB() string {
	if c.SQLitePath != "" {
		return c.SQLitePath
	}
	return filepath.Join(c.RootPath, "journal.db")
}

// DropDir is where the drop transport writes messages.
func (c *Config) DropDir() string {
	if c.Mail.DropDir != "" {
		return c.Mail.DropDir
	}
	return filepath.Join(c.RootPath, "outbox")
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
