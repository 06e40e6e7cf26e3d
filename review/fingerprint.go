package review

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// =============================================================================
// FINGERPRINTS - Deterministic identity of rows and worksheets
// =============================================================================

const (
	pairSeparator  = "\x1e"
	fieldSeparator = "\x1d"
)

// caseless attributes are compared without regard to case.
var caseless = map[string]bool{
	ColUserID:     true,
	ColSystem:     true,
	ColRole:       true,
	ColReviewerID: true,
}

// RowFingerprint digests a row independently of cell formatting:
// attribute names are sorted, values trimmed, identifiers lowercased.
func RowFingerprint(row EntitlementRow) (string, error) {
	for _, req := range []struct{ name, value string }{
		{ColUserID, row.UserID},
		{ColSystem, row.System},
		{ColRole, row.Role},
		{ColReviewerID, row.ReviewerID},
	} {
		if strings.TrimSpace(req.value) == "" {
			return "", NewError(ErrMalformedRow, row.Key().String(), "missing required attribute %q", req.name)
		}
	}

	attrs := make(map[string]string, len(row.Extra)+5)
	for name, value := range row.Extra {
		attrs[strings.ToLower(strings.TrimSpace(name))] = value
	}
	attrs[ColUserID] = row.UserID
	attrs[ColSystem] = row.System
	attrs[ColRole] = row.Role
	attrs[ColReviewerID] = row.ReviewerID
	attrs[ColGrantedOn] = row.GrantedOn

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString(pairSeparator)
		}
		value := strings.TrimSpace(attrs[name])
		if caseless[name] {
			value = strings.ToLower(value)
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(value)
	}
	return digest(b.String()), nil
}

// SheetFingerprint binds an ordered list of row fingerprints to a reviewer
// and a cycle.
func SheetFingerprint(cycleID CycleID, reviewerID string, rowFingerprints []string) string {
	var b strings.Builder
	b.WriteString(strings.Join(rowFingerprints, pairSeparator))
	b.WriteString(fieldSeparator)
	b.WriteString(strings.ToLower(strings.TrimSpace(reviewerID)))
	b.WriteString(fieldSeparator)
	b.WriteString(cycleID.String())
	return digest(b.String())
}

// Fingerprint recomputes the worksheet's sheet fingerprint from its stored
// row fingerprints.
func (w *Worksheet) Fingerprint() string {
	return SheetFingerprint(w.CycleID, w.ReviewerID, w.RowFingerprints)
}

// DigestBytes returns the SHA-256 hex digest of raw content, used as the
// idempotency key of returned files and the digest of master snapshots.
func DigestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func digest(s string) string {
	return DigestBytes([]byte(s))
}
