package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"
)

// SMTPConfig configures the SMTP transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	StartTLS bool
	Timeout  time.Duration
}

// SMTP delivers through a relay. One connection per message.
type SMTP struct {
	cfg SMTPConfig
	Now func() time.Time
}

var _ Transport = (*SMTP)(nil)

func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTP{cfg: cfg, Now: time.Now}
}

// Send delivers m and returns the Message-ID it was sent with. Cancelling
// ctx closes the connection; a message the relay already accepted stays
// accepted.
func (s *SMTP) Send(ctx context.Context, m Message) (string, error) {
	id := NewMessageID(domainOf(s.cfg.From))
	raw, err := Compose(s.cfg.From, m, id, s.Now())
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", classify(ctx, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return "", classify(ctx, err)
	}
	defer c.Close()

	if err := s.deliver(c, m.To, raw); err != nil {
		return "", classify(ctx, err)
	}
	// The relay has accepted the message; a failing QUIT does not change that.
	c.Quit()
	return id, nil
}

func (s *SMTP) deliver(c *smtp.Client, to string, raw []byte) error {
	if s.cfg.StartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
				return err
			}
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return err
		}
	}
	if err := c.Mail(addressOnly(s.cfg.From)); err != nil {
		return err
	}
	if err := c.Rcpt(addressOnly(to)); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := bytes.NewReader(raw).WriteTo(w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// classify turns SMTP and network failures into a SendError.
func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contextError(ctxErr)
	}
	var perr *textproto.Error
	if errors.As(err, &perr) {
		code := CodeUnavailable
		temporary := perr.Code >= 400 && perr.Code < 500
		if perr.Code >= 500 {
			code = CodeRejected
		}
		return &SendError{Code: code, Message: strconv.Itoa(perr.Code) + " " + perr.Msg, Temporary: temporary, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &SendError{Code: CodeTimeout, Message: "relay timed out", Temporary: true, Err: err}
	}
	return &SendError{Code: CodeUnavailable, Message: "relay unreachable", Temporary: true, Err: err}
}

func addressOnly(s string) string {
	if a, err := parseAddress(s); err == nil {
		return a
	}
	return s
}
