/*
Package bootstrap assembles a running engine from a validated config.

WIRING:
  config  -> zap logger
          -> journal store (logfile under <root>/cycles, or sqlite)
          -> review.DefaultJournal
          -> mail transport (smtp relay or drop folder)
          -> cycle.Service

Both the CLI and the HTTP server start here so they behave identically on
the same root.
*/
package bootstrap

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/access-review/config"
	"github.com/warp/access-review/cycle"
	"github.com/warp/access-review/layout"
	"github.com/warp/access-review/mail"
	"github.com/warp/access-review/review"
	"github.com/warp/access-review/store/logfile"
	"github.com/warp/access-review/store/sqlite"
)

// App is a wired engine. Close releases the journal store.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Layout    layout.Layout
	Store     review.Store
	Journal   *review.DefaultJournal
	Transport mail.Transport
	Service   *cycle.Service

	closers []func() error
}

// Option overrides one piece of the wiring, mostly for tests.
type Option func(*App)

// WithLogger uses logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.Logger = logger }
}

// WithTransport uses t instead of the configured mail transport.
func WithTransport(t mail.Transport) Option {
	return func(a *App) { a.Transport = t }
}

// New builds the App for cfg.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{Config: cfg, Layout: layout.New(cfg.RootPath)}
	for _, opt := range opts {
		opt(a)
	}

	if a.Logger == nil {
		logger, err := NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		a.Logger = logger
		a.closers = append(a.closers, func() error {
			// Sync on a terminal stderr returns ENOTTY/EINVAL; nothing is lost.
			_ = logger.Sync()
			return nil
		})
	}

	if err := os.MkdirAll(a.Layout.Cycles(), 0o755); err != nil {
		return nil, fmt.Errorf("prepare root %s: %w", cfg.RootPath, err)
	}

	store, err := openStore(cfg, a.Layout)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = store
	if c, ok := store.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.Journal = review.NewJournal(store)

	if a.Transport == nil {
		a.Transport, err = newTransport(cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	settings, err := cfg.Settings()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Service, err = cycle.NewService(cycle.Options{
		Journal:   a.Journal,
		Layout:    a.Layout,
		Transport: a.Transport,
		Settings:  settings,
		Logger:    a.Logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Logger.Info("engine ready",
		zap.String("root", cfg.RootPath),
		zap.String("journal", cfg.JournalBackend),
		zap.String("transport", cfg.Mail.Transport),
		zap.String("timezone", cfg.Timezone))
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewLogger builds the production logger: JSON by default, console
// encoding when json is off.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	if !cfg.JSON {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return zc.Build()
}

func openStore(cfg *config.Config, l layout.Layout) (review.Store, error) {
	switch cfg.JournalBackend {
	case "sqlite":
		s, err := sqlite.New(cfg.JournalDB())
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		return s, nil
	case "file", "":
		return logfile.New(l), nil
	default:
		return nil, fmt.Errorf("unknown journal backend %q", cfg.JournalBackend)
	}
}

func newTransport(cfg *config.Config) (mail.Transport, error) {
	switch cfg.Mail.Transport {
	case "smtp":
		return mail.NewSMTP(mail.SMTPConfig{
			Host:     cfg.Mail.SMTP.Host,
			Port:     cfg.Mail.SMTP.Port,
			Username: cfg.Mail.SMTP.Username,
			Password: cfg.Mail.SMTP.Password,
			From:     cfg.Mail.SMTP.From,
			StartTLS: cfg.Mail.SMTP.StartTLS,
			Timeout:  cfg.GetSMTPTimeout(),
		}), nil
	case "drop", "":
		return mail.NewDrop(cfg.DropDir(), cfg.Mail.SMTP.From), nil
	default:
		return nil, fmt.Errorf("unknown mail transport %q", cfg.Mail.Transport)
	}
}
