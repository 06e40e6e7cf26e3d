package review

import "sort"

// =============================================================================
// PARTITIONER - One worksheet per reviewer
// =============================================================================

// Partition is the result of splitting an entitlement set across reviewers.
type Partition struct {
	Worksheets  []Worksheet  `json:"worksheets"`
	NoAction    []string     `json:"no_action,omitempty"`
	Delegations []Delegation `json:"delegations,omitempty"`
}

// PartitionInput bundles what the Partitioner needs.
type PartitionInput struct {
	CycleID     CycleID
	Set         *EntitlementSet
	Roster      *Roster
	DelegateMap map[string]string
}

// PartitionRows assigns every row to the worksheet of its reviewer_id.
//
// INVARIANTS:
//   - the disjoint union of worksheet rows equals the entitlement set
//   - rows inside a worksheet keep partition order (system, user_id, role)
//   - reviewers with no rows get no worksheet and are listed as NoAction
//
// A reviewer (or delegate) with more than one mailbox fails the whole
// partition with AmbiguousReviewer; nothing is picked silently.
func PartitionRows(in PartitionInput) (*Partition, error) {
	byReviewer := make(map[string][]string)
	var owners []string
	for i, row := range in.Set.Rows {
		if _, ok := byReviewer[row.ReviewerID]; !ok {
			owners = append(owners, row.ReviewerID)
		}
		byReviewer[row.ReviewerID] = append(byReviewer[row.ReviewerID], in.Set.Fingerprints[i])
	}
	sort.Strings(owners)

	p := &Partition{}
	for _, id := range in.Roster.IDs() {
		if _, has := byReviewer[id]; !has {
			p.NoAction = append(p.NoAction, id)
		}
	}

	for _, owner := range owners {
		if !in.Roster.Has(owner) {
			return nil, NewError(ErrUnknownReviewer, owner, "reviewer %q is not in the roster", owner)
		}
		// The owner must be unambiguous even when a delegate receives the mail.
		reviewer, err := in.Roster.Resolve(owner)
		if err != nil {
			return nil, err
		}

		recipient := reviewer
		delegateID, delegated := in.Roster.Delegate(owner, in.DelegateMap)
		if delegated && delegateID != owner {
			recipient, err = in.Roster.Resolve(delegateID)
			if err != nil {
				return nil, err
			}
			p.Delegations = append(p.Delegations, Delegation{ReviewerID: owner, DelegateID: delegateID})
		} else {
			delegateID = ""
		}

		fps := byReviewer[owner]
		w := Worksheet{
			ID:              NewWorksheetID(in.CycleID, owner),
			CycleID:         in.CycleID,
			ReviewerID:      owner,
			DelegateID:      delegateID,
			RecipientName:   recipient.Name,
			RecipientEmail:  recipient.Email,
			RowFingerprints: fps,
			State:           WorksheetDraft,
		}
		w.SheetFingerprint = w.Fingerprint()
		p.Worksheets = append(p.Worksheets, w)
	}
	return p, nil
}
