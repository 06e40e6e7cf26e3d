package cycle

import (
	"fmt"
	"time"

	"github.com/warp/access-review/review"
)

// Settings is the configuration threaded through every operation.
type Settings struct {
	Location               *time.Location
	DueDays                int
	LateGraceDays          int
	MaxJustificationChars  int
	Vocabulary             []review.Verdict
	DelegateMap            map[string]string
	ResendRequiresOperator bool
	IngestTimeout          time.Duration
	IngestWorkers          int
	SubjectTemplate        string
	BodyTemplate           string
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		Location:               time.UTC,
		DueDays:                14,
		LateGraceDays:          0,
		MaxJustificationChars:  1000,
		Vocabulary:             append([]review.Verdict(nil), review.DefaultVocabulary...),
		ResendRequiresOperator: true,
		IngestTimeout:          30 * time.Second,
		IngestWorkers:          4,
		SubjectTemplate:        DefaultSubjectTemplate,
		BodyTemplate:           DefaultBodyTemplate,
	}
}

// Validate rejects settings no cycle can run with.
func (s Settings) Validate() error {
	switch {
	case s.Location == nil:
		return fmt.Errorf("settings: timezone is required")
	case s.DueDays < 1:
		return fmt.Errorf("settings: due_days must be at least 1, got %d", s.DueDays)
	case s.LateGraceDays < 0:
		return fmt.Errorf("settings: late_grace_days must not be negative, got %d", s.LateGraceDays)
	case s.MaxJustificationChars < 1:
		return fmt.Errorf("settings: max_justification_chars must be positive, got %d", s.MaxJustificationChars)
	case len(s.Vocabulary) == 0:
		return fmt.Errorf("settings: verdict_vocabulary is empty")
	case s.IngestTimeout <= 0:
		return fmt.Errorf("settings: ingest_timeout must be positive")
	case s.IngestWorkers < 1:
		return fmt.Errorf("settings: ingest_workers must be at least 1")
	}
	for _, v := range s.Vocabulary {
		if v == review.VerdictNoResponse || v == review.VerdictTampered {
			return fmt.Errorf("settings: %s is reserved and cannot be chosen by a reviewer", v)
		}
	}
	return nil
}

// DueAt is the end of the local day due_days after opened, as an instant.
func (s Settings) DueAt(opened time.Time) time.Time {
	local := opened.In(s.Location)
	y, m, d := local.Date()
	return time.Date(y, m, d+s.DueDays, 23, 59, 59, 0, s.Location).UTC()
}

// LateAfter is the instant after which a response counts as late.
func (s Settings) LateAfter(due time.Time) time.Time {
	local := due.In(s.Location)
	return local.AddDate(0, 0, s.LateGraceDays).UTC()
}
