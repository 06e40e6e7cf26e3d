/*
Package mail is the mail transport boundary.

CONTRACT:
  Send(ctx, message) -> message id | error

  Synchronous. A nil error means the transport acknowledged the message;
  nothing beyond that acknowledgement is assumed. Failures are *SendError
  values carrying the transport's error code, which the Distributor
  journals verbatim.

IMPLEMENTATIONS:
  SMTP:     Delivers through an SMTP relay
  Drop:     Writes RFC 5322 .eml files into a directory
  Recorder: Keeps messages in memory (tests, dry runs)
*/
package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/access-review/review"
)

// Attachment is a file sent along with a message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is what the Distributor hands to a transport.
type Message struct {
	To          string
	ToName      string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Transport sends one message per call.
type Transport interface {
	Send(ctx context.Context, m Message) (messageID string, err error)
}

// =============================================================================
// ERRORS
// =============================================================================

// Transport error codes.
const (
	CodeRejected    = "REJECTED"    // permanent refusal (5xx, bad recipient)
	CodeUnavailable = "UNAVAILABLE" // temporary failure (4xx, network)
	CodeTimeout     = "TIMEOUT"
	CodeCanceled    = "CANCELED"
	CodeInvalid     = "INVALID" // message could not be composed
)

// SendError is returned by transports. It matches review.ErrSendFailed.
type SendError struct {
	Code      string
	Message   string
	Temporary bool
	Err       error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send failed (%s): %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("send failed (%s): %s", e.Code, e.Message)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == review.ErrSendFailed }

// ErrorCode returns the transport code of err, CANCELED or TIMEOUT for
// context errors, and UNAVAILABLE for anything else.
func ErrorCode(err error) string {
	var serr *SendError
	switch {
	case errors.As(err, &serr):
		return serr.Code
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	default:
		return CodeUnavailable
	}
}

func contextError(err error) *SendError {
	code := CodeCanceled
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeTimeout
	}
	return &SendError{Code: code, Message: "send interrupted", Temporary: true, Err: err}
}

// =============================================================================
// COMPOSITION
// =============================================================================

// NewMessageID returns a globally unique Message-ID for domain.
func NewMessageID(domain string) string {
	if domain == "" {
		domain = "access-review.local"
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// Compose renders m as a multipart/mixed RFC 5322 message.
func Compose(from string, m Message, messageID string, now time.Time) ([]byte, error) {
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, &SendError{Code: CodeInvalid, Message: "invalid sender " + from, Err: err}
	}
	toAddr, err := mail.ParseAddress(m.To)
	if err != nil {
		return nil, &SendError{Code: CodeInvalid, Message: "invalid recipient " + m.To, Err: err}
	}
	if m.ToName != "" {
		toAddr.Name = m.ToName
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := []struct{ k, v string }{
		{"From", fromAddr.String()},
		{"To", toAddr.String()},
		{"Subject", mime.QEncoding.Encode("utf-8", m.Subject)},
		{"Date", now.Format(time.RFC1123Z)},
		{"Message-ID", messageID},
		{"MIME-Version", "1.0"},
		{"Content-Type", `multipart/mixed; boundary="` + mw.Boundary() + `"`},
	}
	for _, h := range header {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.k, h.v)
	}
	buf.WriteString("\r\n")

	body, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, err
	}
	if err := writeQuotedPrintable(body, m.Body); err != nil {
		return nil, err
	}

	for _, a := range m.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(ct, map[string]string{"name": a.Name})},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Name})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64(part, a.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64 wraps encoded content at 76 characters per line.
func writeBase64(w interface{ Write([]byte) (int, error) }, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := w.Write([]byte(enc[:76] + "\r\n")); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := w.Write([]byte(enc + "\r\n"))
	return err
}

func domainOf(addr string) string {
	if a, err := mail.ParseAddress(addr); err == nil {
		addr = a.Address
	}
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

func parseAddress(s string) (string, error) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return "", err
	}
	return a.Address, nil
}
