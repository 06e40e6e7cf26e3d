package review

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// REVIEWER ROSTER
// =============================================================================

// Reviewer is one entry of roster.json.
type Reviewer struct {
	ID       string `json:"reviewer_id" validate:"required"`
	Name     string `json:"name"`
	Email    string `json:"email" validate:"required"`
	OnLeave  bool   `json:"on_leave,omitempty"`
	Delegate string `json:"delegate,omitempty"`
}

// Roster is the reviewer directory. It is read-only during a cycle: the
// journal keeps the snapshot taken when the cycle opened.
type Roster struct {
	entries map[string][]Reviewer
	order   []string
}

var rosterValidate = validator.New()

// NewRoster indexes reviewers by id. Entries sharing an id are kept so the
// Partitioner can refuse to guess between them.
func NewRoster(reviewers []Reviewer) (*Roster, error) {
	r := &Roster{entries: make(map[string][]Reviewer)}
	for i, rev := range reviewers {
		rev.ID = strings.ToLower(strings.TrimSpace(rev.ID))
		rev.Delegate = strings.ToLower(strings.TrimSpace(rev.Delegate))
		rev.Email = strings.TrimSpace(rev.Email)
		if err := rosterValidate.Struct(rev); err != nil {
			return nil, fmt.Errorf("roster entry %d: %w", i+1, err)
		}
		for _, addr := range splitAddresses(rev.Email) {
			if _, err := mail.ParseAddress(addr); err != nil {
				return nil, fmt.Errorf("roster entry %d (%s): invalid email %q: %w", i+1, rev.ID, addr, err)
			}
		}
		if _, seen := r.entries[rev.ID]; !seen {
			r.order = append(r.order, rev.ID)
		}
		r.entries[rev.ID] = append(r.entries[rev.ID], rev)
	}
	sort.Strings(r.order)
	return r, nil
}

// ParseRoster decodes roster.json.
func ParseRoster(data []byte) (*Roster, error) {
	var reviewers []Reviewer
	if err := json.Unmarshal(data, &reviewers); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	return NewRoster(reviewers)
}

// Has reports whether the id is in the roster at all.
func (r *Roster) Has(id string) bool {
	_, ok := r.entries[strings.ToLower(strings.TrimSpace(id))]
	return ok
}

// IDs returns all reviewer ids, sorted.
func (r *Roster) IDs() []string { return append([]string(nil), r.order...) }

// Reviewers returns every entry, sorted by id. Used to snapshot the roster.
func (r *Roster) Reviewers() []Reviewer {
	var out []Reviewer
	for _, id := range r.order {
		out = append(out, r.entries[id]...)
	}
	return out
}

// Resolve returns the single mailbox for id. An id mapped to more than one
// mailbox fails with AmbiguousReviewer.
func (r *Roster) Resolve(id string) (Reviewer, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	entries, ok := r.entries[id]
	if !ok {
		return Reviewer{}, NewError(ErrUnknownReviewer, id, "reviewer %q is not in the roster", id)
	}
	mailboxes := make(map[string]bool)
	for _, e := range entries {
		for _, addr := range splitAddresses(e.Email) {
			mailboxes[strings.ToLower(addr)] = true
		}
	}
	if len(mailboxes) > 1 {
		return Reviewer{}, NewError(ErrAmbiguousReviewer, id, "reviewer %q maps to %d mailboxes", id, len(mailboxes))
	}
	return entries[0], nil
}

// Delegate returns the reviewer who should receive id's worksheet. The
// explicit delegate map wins over a roster on-leave delegate. No chaining.
func (r *Roster) Delegate(id string, delegateMap map[string]string) (string, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for from, to := range delegateMap {
		if strings.EqualFold(strings.TrimSpace(from), id) {
			return strings.ToLower(strings.TrimSpace(to)), true
		}
	}
	for _, e := range r.entries[id] {
		if e.OnLeave && e.Delegate != "" {
			return e.Delegate, true
		}
	}
	return "", false
}

func splitAddresses(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	var out []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
