package mail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Drop writes each message as an .eml file into Dir, for hosts that hand
// mail to another system by file.
type Drop struct {
	Dir  string
	From string
	Now  func() time.Time
}

var _ Transport = (*Drop)(nil)

func NewDrop(dir, from string) *Drop {
	return &Drop{Dir: dir, From: from, Now: time.Now}
}

func (d *Drop) Send(ctx context.Context, m Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", contextError(err)
	}
	id := NewMessageID(domainOf(d.From))
	raw, err := Compose(d.From, m, id, d.Now())
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", &SendError{Code: CodeUnavailable, Message: "drop folder unavailable", Temporary: true, Err: err}
	}

	name := uuid.NewString() + ".eml"
	tmp := filepath.Join(d.Dir, "."+name)
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return "", &SendError{Code: CodeUnavailable, Message: "write " + tmp, Temporary: true, Err: err}
	}
	if err := os.Rename(tmp, filepath.Join(d.Dir, name)); err != nil {
		os.Remove(tmp)
		return "", &SendError{Code: CodeUnavailable, Message: "publish " + name, Temporary: true, Err: err}
	}
	return id, nil
}

// =============================================================================
// RECORDER - In-memory transport
// =============================================================================

// Sent is one message accepted by a Recorder.
type Sent struct {
	ID      string
	Message Message
}

// Recorder accepts every message unless Fail says otherwise.
type Recorder struct {
	// Fail, when set, is consulted before accepting a message.
	Fail func(m Message) error
	// OnSend, when set, runs after a message was accepted.
	OnSend func(m Message)

	mu   sync.Mutex
	sent []Sent
	seq  int
}

var _ Transport = (*Recorder)(nil)

func NewRecorder() *Recorder { return &Recorder{} }

// FailFor makes every send to one of the addresses fail with code.
func (r *Recorder) FailFor(code string, addresses ...string) {
	set := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		set[strings.ToLower(a)] = true
	}
	r.Fail = func(m Message) error {
		if set[strings.ToLower(m.To)] {
			return &SendError{Code: code, Message: "recipient refused " + m.To}
		}
		return nil
	}
}

func (r *Recorder) Send(ctx context.Context, m Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", contextError(err)
	}
	if r.Fail != nil {
		if err := r.Fail(m); err != nil {
			return "", err
		}
	}
	r.mu.Lock()
	r.seq++
	id := fmt.Sprintf("<recorded-%d@access-review.local>", r.seq)
	r.sent = append(r.sent, Sent{ID: id, Message: m})
	r.mu.Unlock()

	if r.OnSend != nil {
		r.OnSend(m)
	}
	return id, nil
}

// Messages returns every accepted message in order.
func (r *Recorder) Messages() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// To returns the accepted messages addressed to addr.
func (r *Recorder) To(addr string) []Sent {
	var out []Sent
	for _, s := range r.Messages() {
		if strings.EqualFold(s.Message.To, addr) {
			out = append(out, s)
		}
	}
	return out
}
