package cycle_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/access-review/cycle"
	"github.com/warp/access-review/review"
)

// =============================================================================
// VERDICTS AND JUSTIFICATIONS
// =============================================================================

func TestIngest_InvalidVerdict_FlaggedAsNoResponse(t *testing.T) {
	// GIVEN: Bob types "Maybe" in one row and leaves the other blank
	// WHEN: His reply is ingested
	// THEN: Both rows are NoResponse; only "Maybe" is flagged

	f := newFixture(t)
	c := f.open(teamMaster)
	f.distribute(c.ID)
	f.reply(c.ID, "bob", "bob.xlsx", opened.Add(time.Hour), map[string]answer{
		"alice/ERP/admin": {verdict: "Maybe"},
		"alice/CRM/user":  {verdict: ""},
	}, nil)

	in := f.ingest(c.ID)
	require.Len(t, in.Files, 1)
	assert.Equal(t, cycle.OutcomeAccepted, in.Files[0].Outcome)
	assert.Equal(t, 1, in.Files[0].InvalidVerdicts)

	r := f.rollup(c.ID)
	admin := rowOf(t, r, "alice", "ERP", "admin")
	assert.Equal(t, review.VerdictNoResponse, admin.Verdict)
	assert.Equal(t, []string{review.FlagInvalidVerdict}, admin.Flags)
	user := rowOf(t, r, "alice", "CRM", "user")
	assert.Equal(t, review.VerdictNoResponse, user.Verdict)
	assert.Empty(t, user.Flags)
}

func TestIngest_LongJustification_Truncated(t *testing.T) {
	// GIVEN: A cap of 10 characters
	// WHEN: Bob writes a longer justification with multi-byte characters
	// THEN: It is cut at 10 runes and flagged

	f := newFixture(t, func(s *cycle.Settings) { s.MaxJustificationChars = 10 })
	c := f.open(teamMaster)
	f.distribute(c.ID)
	f.reply(c.ID, "bob", "bob.xlsx", opened.Add(time.Hour), map[string]answer{
		"alice/ERP/admin": {verdict: "Keep", justification: "héllo wörld, still needed"},
		"alice/CRM/user":  {verdict: "Keep", justification: "ok"},
	}, nil)

	in := f.ingest(c.ID)
	assert.Equal(t, 1, in.Files[0].Truncated)

	r := f.rollup(c.ID)
	admin := rowOf(t, r, "alice", "ERP", "admin")
	assert.Equal(t, "héllo wörl", admin.Justification)
	assert.Contains(t, admin.Flags, review.FlagTruncated)
	assert.Equal(t, "ok", rowOf(t, r, "alice", "CRM", "user").Justification)
}

func TestIngest_CustomVocabulary(t *testing.T) {
	// GIVEN: A vocabulary of Approve and Remove
	// WHEN: Dan answers Approve
	// THEN: The verdict is recorded as written in the vocabulary

	f := newFixture(t, func(s *cycle.Settings) { s.Vocabulary = []review.Verdict{"Approve", "Remove"} })
	c := f.open(teamMaster)
	f.distribute(c.ID)
	f.reply(c.ID, "dan", "dan.xlsx", opened.Add(time.Hour), map[string]answer{
		"carol/ERP/user": {verdict: "APPROVE"},
	}, nil)
	f.ingest(c.ID)

	assert.Equal(t, review.Verdict("Approve"), rowOf(t, f.rollup(c.ID), "carol", "ERP", "user").Verdict)
}

// =============================================================================
// INTEGRITY
// =============================================================================

func TestIngest_SortedRows_AreNotTampering(t *testing.T) {
	// GIVEN: Bob re-sorts his sheet before returning it
	// WHEN: The reply is ingested
	// THEN: It is accepted and verdicts stay with their rows

	f := newFixture(t)
	c := f.open(teamMaster)
	f.distribute(c.ID)
	f.reply(c.ID, "bob", "bob.xlsx", opened.Add(time.Hour), map[string]answer{
		"alice/ERP/admin": {verdict: "Revoke"},
		"alice/CRM/user":  {verdict: "Keep"},
	}, swapRows(t, 1, 2))

	in := f.ingest(c.ID)
	assert.Equal(t, cycle.OutcomeAccepted, in.Files[0].Outcome)

	r := f.rollup(c.ID)
	assert.Equal(t, review.VerdictRevoke, rowOf(t, r, "alice", "ERP", "admin").Verdict)
	assert.Equal(t, review.VerdictKeep, rowOf(t, r, "alice", "CRM", "user").Verdict)
}

func TestIngest_UnidentifiedFile_RejectedOnce(t *testing.T) {
	// GIVEN: A file that is not a worksheet lands in the inbox
	// WHEN: The inbox is ingested twice
	// THEN: It is rejected as UnidentifiedResponse once, then skipped

	f := newFixture(t)
	c := f.open(teamMaster)
	f.distribute(c.ID)
	path := filepath.Join(f.layout.Inbox(c.ID), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("please call me"), 0o644))

	in := f.ingest(c.ID)
	require.Len(t, in.Files, 1)
	assert.Equal(t, cycle.OutcomeRejected, in.Files[0].Outcome)
	assert.Equal(t, review.CodeUnidentifiedResponse, in.Files[0].Code)
	assert.ErrorIs(t, in.Files[0].Err, review.ErrUnidentifiedResponse)
	assert.True(t, review.IsIntegrityError(in.Files[0].Err))

	again := f.ingest(c.ID)
	assert.Equal(t, 1, again.Count(cycle.OutcomeDuplicate))
	assert.Len(t, eventsOf(f.cycle(c.ID), review.EventResponseRejected), 1)
}

func TestIngest_WorksheetFromAnotherCycle_Rejected(t *testing.T) {
	// GIVEN: Cycle 1 was closed and cycle 2 opened over the same reviewers
	// WHEN: Bob returns his cycle 1 worksheet into cycle 2's inbox
	// THEN: It is rejected as UnidentifiedResponse

	f := newFixture(t)
	c1 := f.open(teamMaster)
	f.distribute(c1.ID)
	_, err := f.svc.Close(context.Background(), c1.ID, "auditor")
	require.NoError(t, err)

	c2 := f.open(teamMaster)
	f.distribute(c2.ID)

	old := f.reply(c1.ID, "bob", "bob.xlsx", opened.Add(time.Hour), map[string]answer{
		"alice/ERP/admin": {verdict: "Keep"},
	}, nil)
	require.NoError(t, os.Rename(old, filepath.Join(f.layout.Inbox(c2.ID), "bob.xlsx")))

	in := f.ingest(c2.ID)
	require.Len(t, in.Files, 1)
	assert.Equal(t, cycle.OutcomeRejected, in.Files[0].Outcome)
	assert.Contains(t, in.Files[0].Message, "belongs to cycle 1")
	assert.Equal(t, review.WorksheetSent, f.cycle(c2.ID).Worksheet(bobID(c2.ID)).State)
}

func TestIngest_AfterReconcile_Superseded(t *testing.T) {
	// GIVEN: Bob's worksheet was reconciled
	// WHEN: He sends a corrected file
	// THEN: It is journaled as superseded and the reconciled verdicts stay

	f := newFixture(t)
	c := f.open(teamMaster)
	f.distribute(c.ID)
	f.reply(c.ID, "bob", "bob-1.xlsx", opened.Add(time.Hour), map[string]answer{
		"alice/ERP/admin": {verdict: "Keep"},
		"alice/CRM/user":  {verdict: "Keep"},
	}, nil)
	f.ingest(c.ID)
	_, err := f.svc.Reconcile(context.Background(), c.ID, "auditor")
	require.NoError(t, err)

	f.reply(c.ID, "bob", "bob-2.xlsx", opened.Add(2*time.Hour), map[string]answer{
		"alice/ERP/admin": {verdict: "Revoke"},
		"alice/CRM/user":  {verdict: "Revoke"},
	}, nil)
	in := f.ingest(c.ID)
	assert.Equal(t, 1, in.Count(cycle.OutcomeSuperseded))

	assert.Equal(t, review.VerdictKeep, rowOf(t, f.rollup(c.ID), "alice", "ERP", "admin").Verdict)
}

func TestIngest_TimedOutFile_CanBeRetried(t *testing.T) {
	// GIVEN: Reading Bob's file takes longer than the ingest budget
	// WHEN: The inbox is ingested
	// THEN: Bob's file times out on its own, Dan's is accepted, and a later
	//       run accepts Bob's file

	f := newFixture(t, func(s *cycle.Settings) { s.IngestTimeout = 50 * time.Millisecond })
	c := f.open(teamMaster)
	f.distribute(c.ID)
	bob := f.reply(c.ID, "bob", "bob.xlsx", opened.Add(time.Hour), map[string]answer{
		"alice/ERP/admin": {verdict: "Keep"},
		"alice/CRM/user":  {verdict: "Keep"},
	}, nil)
	f.reply(c.ID, "dan", "dan.xlsx", opened.Add(2*time.Hour), map[string]answer{
		"carol/ERP/user": {verdict: "Keep"},
	}, nil)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	cycle.SetReadFile(f.svc, func(path string) ([]byte, error) {
		if path == bob {
			<-release
		}
		return os.ReadFile(path)
	})

	in := f.ingest(c.ID)
	assert.Equal(t, 1, in.Count(cycle.OutcomeTimeout))
	assert.Equal(t, 1, in.Count(cycle.OutcomeAccepted))
	assert.ErrorIs(t, in.Files[0].Err, review.ErrIngestTimeout)
	assert.True(t, review.IsTransportError(in.Files[0].Err))

	rejected := eventsOf(f.cycle(c.ID), review.EventResponseRejected)
	require.Len(t, rejected, 1)
	assert.Empty(t, rejected[0].Key, "timeouts are not keyed")
	assert.Equal(t, review.CodeIngestTimeout, rejected[0].Response.Code)

	cycle.SetReadFile(f.svc, os.ReadFile)
	retry := f.ingest(c.ID)
	assert.Equal(t, 1, retry.Count(cycle.OutcomeAccepted))
	assert.Equal(t, 1, retry.Count(cycle.OutcomeDuplicate))
	assert.Equal(t, review.WorksheetReceived, f.cycle(c.ID).Worksheet(bobID(c.ID)).State)
}

func TestIngest_ClosedCycle_NotAccepted(t *testing.T) {
	// GIVEN: A closed cycle
	// WHEN: Ingesting into it
	// THEN: CycleNotOpen

	f := newFixture(t)
	c := f.open(teamMaster)
	f.distribute(c.ID)
	_, err := f.svc.Close(context.Background(), c.ID, "auditor")
	require.NoError(t, err)

	_, err = f.svc.IngestInbox(context.Background(), c.ID, nil)
	assert.ErrorIs(t, err, review.ErrCycleNotOpen)
}

// =============================================================================
// DISTRIBUTION
// =============================================================================

func TestDistribute_MessageCarriesWorksheet(t *testing.T) {
	f := newFixture(t)
	c := f.open(teamMaster)
	f.distribute(c.ID)

	sent := f.mail.To("b@x.test")
	require.Len(t, sent, 1)
	m := sent[0].Message
	assert.Equal(t, "Bob Builder", m.ToName)
	assert.Contains(t, m.Subject, "Monday 17 March 2025")
	assert.Contains(t, m.Body, "2 access grants")
	require.Len(t, m.Attachments, 1)
	assert.Equal(t, string(bobID(c.ID))+".xlsx", m.Attachments[0].Name)
	assert.NotEmpty(t, m.Attachments[0].Data)

	got := f.cycle(c.ID)
	bob := got.Worksheet(bobID(c.ID))
	assert.Equal(t, sent[0].ID, bob.MessageID)
	assert.Equal(t, 1, bob.SendAttempts)
	assert.Equal(t, f.layout.Worksheet(c.ID, bob.ID), bob.FilePath)
}

func TestDistribute_SendFailure_ResendByOperator(t *testing.T) {
	// GIVEN: Dan's mail server refuses the message
	// WHEN: Distributing, then re-sending once the server is fixed
	// THEN: Dan is Failed(send) in between and Sent afterwards; Bob is sent once

	f := newFixture(t)
	c := f.open(teamMaster)
	f.mail.FailFor("REJECTED", "d@x.test")

	res := f.distribute(c.ID)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "REJECTED", res.Failed[0].Code)
	assert.Equal(t, review.CycleCollecting, res.State)

	dan := f.cycle(c.ID).Worksheet(danID(c.ID))
	assert.Equal(t, review.WorksheetFailed, dan.State)
	assert.True(t, dan.Resendable())

	// Failed sends wait for the operator by default.
	again := f.distribute(c.ID)
	assert.Empty(t, again.Sent)
	assert.Empty(t, again.Failed)

	f.mail.Fail = nil
	out, err := f.svc.Resend(context.Background(), c.ID, danID(c.ID), "operator")
	require.NoError(t, err)
	assert.False(t, out.Failed())

	dan = f.cycle(c.ID).Worksheet(danID(c.ID))
	assert.Equal(t, review.WorksheetSent, dan.State)
	assert.Equal(t, 2, dan.SendAttempts)
	assert.Len(t, f.mail.To("b@x.test"), 1)

	_, err = f.svc.Resend(context.Background(), c.ID, bobID(c.ID), "operator")
	assert.ErrorIs(t, err, review.ErrIllegalTransition)
}

func TestDistribute_AutomaticResend(t *testing.T) {
	// GIVEN: resend_requires_operator is off
	// WHEN: Distribute runs again after a failure
	// THEN: The failed worksheet is retried

	f := newFixture(t, func(s *cycle.Settings) { s.ResendRequiresOperator = false })
	c := f.open(teamMaster)
	f.mail.FailFor("UNAVAILABLE", "d@x.test")
	f.distribute(c.ID)

	f.mail.Fail = nil
	res := f.distribute(c.ID)
	require.Len(t, res.Sent, 1)
	assert.Equal(t, danID(c.ID), res.Sent[0].WorksheetID)
}

func TestDistribute_Delegation(t *testing.T) {
	// GIVEN: Dan delegates to Erin through the delegate map
	// WHEN: The cycle is distributed and Erin replies
	// THEN: Mail goes to Erin, the worksheet still belongs to Dan

	f := newFixture(t, func(s *cycle.Settings) { s.DelegateMap = map[string]string{"dan": "erin"} })
	f.writeRoster(append(append([]review.Reviewer(nil), teamRoster...),
		review.Reviewer{ID: "erin", Name: "Erin Example", Email: "e@x.test"}))
	c := f.open(teamMaster)

	dan := c.Worksheet(danID(c.ID))
	assert.Equal(t, "erin", dan.DelegateID)
	assert.Equal(t, "e@x.test", dan.RecipientEmail)
	assert.Equal(t, []string{"erin"}, c.NoAction)
	assert.Equal(t, []review.Delegation{{ReviewerID: "dan", DelegateID: "erin"}}, c.Delegations)

	f.distribute(c.ID)
	require.Len(t, f.mail.To("e@x.test"), 1)
	assert.Empty(t, f.mail.To("d@x.test"))
	assert.Contains(t, f.mail.To("e@x.test")[0].Message.Body, "on behalf of dan")

	f.reply(c.ID, "dan", "erin.xlsx", opened.Add(time.Hour), map[string]answer{
		"carol/ERP/user": {verdict: "Revoke"},
	}, nil)
	f.ingest(c.ID)
	row := rowOf(t, f.rollup(c.ID), "carol", "ERP", "user")
	assert.Equal(t, review.VerdictRevoke, row.Verdict)
	assert.Equal(t, "erin", row.DelegateID)
}

func TestDistribute_Progress(t *testing.T) {
	f := newFixture(t)
	c := f.open(teamMaster)

	var calls []string
	_, err := f.svc.Distribute(context.Background(), c.ID, "auditor", func(done, total int, message string) {
		calls = append(calls, message)
		assert.Equal(t, 2, total)
		assert.LessOrEqual(t, done, total)
	})
	require.NoError(t, err)
	require.Len(t, calls, 3)
	assert.True(t, strings.HasPrefix(calls[0], "sending "))
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestSupplementaryCycle_CoversOnlyDrift(t *testing.T) {
	// GIVEN: Cycle 1 was closed
	// WHEN: A new export adds one grant and changes another
	// THEN: The supplementary cycle reviews only those two rows

	f := newFixture(t)
	c1 := f.open(teamMaster)
	f.distribute(c1.ID)
	_, err := f.svc.Close(context.Background(), c1.ID, "auditor")
	require.NoError(t, err)

	next := `user_id,system,role,granted_on,reviewer_id
alice,ERP,admin,2024-01-15,bob
alice,CRM,user,2024-02-01,bob
carol,ERP,user,2025-02-20,dan
frank,HR,viewer,,dan
`
	path := f.writeMaster("next.csv", next)
	drift, err := f.svc.Diff(context.Background(), c1.ID, path)
	require.NoError(t, err)
	assert.Len(t, drift.Added, 1)
	assert.Len(t, drift.Changed, 1)
	assert.Empty(t, drift.Removed)

	c2, err := f.svc.Open(context.Background(), cycle.OpenRequest{MasterPath: path, Supersedes: c1.ID, Actor: "auditor"})
	require.NoError(t, err)
	assert.Equal(t, c1.ID+1, c2.ID)
	assert.Equal(t, c1.ID, c2.SupersedesID)
	assert.Len(t, c2.Rows, 2)
	require.Len(t, c2.Worksheets, 1)
	assert.NotNil(t, c2.Worksheet(danID(c2.ID)))
	assert.Equal(t, []string{"bob"}, c2.NoAction)
}

func TestSupplementaryCycle_NoDrift(t *testing.T) {
	f := newFixture(t)
	c1 := f.open(teamMaster)
	require.NoError(t, f.svc.Abort(context.Background(), c1.ID, "auditor", "wrong export"))

	_, err := f.svc.Open(context.Background(), cycle.OpenRequest{
		MasterPath: f.writeMaster("same.csv", teamMaster),
		Supersedes: c1.ID,
	})
	assert.ErrorIs(t, err, review.ErrNoDrift)
}

func TestAbort_DraftWorksheetsFail(t *testing.T) {
	// GIVEN: A partitioned cycle whose worksheets are all still Draft
	// WHEN: The cycle is aborted
	// THEN: Draft worksheets become Failed(aborted) and nothing else can happen

	f := newFixture(t)
	c := f.open(teamMaster)
	require.NoError(t, f.svc.Abort(context.Background(), c.ID, "auditor", "wrong export"))

	got := f.cycle(c.ID)
	assert.Equal(t, review.CycleAborted, got.State)
	for _, w := range got.WorksheetList() {
		assert.Equal(t, review.WorksheetFailed, w.State)
		assert.Equal(t, review.FailureAborted, w.FailureKind)
	}

	_, err := f.svc.Distribute(context.Background(), c.ID, "auditor", nil)
	assert.ErrorIs(t, err, review.ErrCycleNotOpen)
	_, err = f.svc.Close(context.Background(), c.ID, "auditor")
	assert.ErrorIs(t, err, review.ErrCycleNotOpen)
}

func TestClose_Twice_Fails(t *testing.T) {
	f := newFixture(t)
	c := f.open(teamMaster)
	f.distribute(c.ID)
	_, err := f.svc.Close(context.Background(), c.ID, "auditor")
	require.NoError(t, err)

	_, err = f.svc.Close(context.Background(), c.ID, "auditor")
	assert.ErrorIs(t, err, review.ErrCycleNotOpen)

	cycles, err := f.svc.Cycles(context.Background())
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, review.CycleClosed, cycles[0].State)
	assert.NotNil(t, cycles[0].ClosedAt)
}

func TestReconcile_WithoutReplies_AllNoResponse(t *testing.T) {
	f := newFixture(t)
	c := f.open(teamMaster)

	// Open partitions immediately, so the cycle is already distributing.
	assert.Equal(t, review.CycleDistributing, c.State)

	r, err := f.svc.Reconcile(context.Background(), c.ID, "auditor")
	require.NoError(t, err)
	assert.Equal(t, 3, r.Summary.Verdicts[review.VerdictNoResponse])
	assert.Equal(t, review.CycleReconciling, r.State)

	_, err = f.svc.Distribute(context.Background(), c.ID, "auditor", nil)
	assert.ErrorIs(t, err, review.ErrIllegalTransition)
}
