package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidahmann/surmed/internal/catalog"
	"github.com/davidahmann/surmed/internal/eligibility"
	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/internal/export"
	"github.com/davidahmann/surmed/internal/intake"
	"github.com/davidahmann/surmed/internal/ledger"
	"github.com/davidahmann/surmed/pkg/types"
)

var reviewAt = time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)

var (
	donor    = types.Actor{ID: "donor-7"}
	reviewer = types.Actor{ID: "reviewer-1"}
	staff    = types.Actor{ID: "staff-1", Staff: true}
)

type fixture struct {
	svc   *Service
	store ledger.Store
}

func newFixture(t *testing.T, store ledger.Store, opts ...Option) fixture {
	t.Helper()
	loaded, err := eligibility.LoadRuleSet("../../rules/surmed.yaml")
	require.NoError(t, err)
	_, err = catalog.Seed(context.Background(), store)
	require.NoError(t, err)

	clock := func() time.Time { return reviewAt }
	l := ledger.New(store, ledger.WithClock(clock))
	opts = append([]Option{
		WithClock(clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return fixture{svc: New(l, eligibility.Static(loaded.RuleSet), opts...), store: store}
}

func glovesRequest() intake.Request {
	return intake.Request{
		Name:        "Nitrile examination gloves",
		Category:    "PPE",
		Quantity:    20,
		Unit:        "boxes",
		ExpiryDate:  "2027-08-01",
		Packaging:   types.PackagingSealed,
		Storage:     types.StorageControlled,
		BatchNumber: "GLV-7",
		Evidence: []intake.EvidenceInput{
			{Type: types.EvidencePhotoLabel, Filename: "label.jpg", Content: []byte("jpeg bytes")},
		},
	}
}

func submit(t *testing.T, f fixture, req intake.Request) types.Submission {
	t.Helper()
	sub, err := f.svc.Submit(context.Background(), req, donor)
	require.NoError(t, err)
	return sub
}

func TestSubmitAndAssess(t *testing.T) {
	f := newFixture(t, ledger.NewInMemoryStore())
	ctx := context.Background()

	sub := submit(t, f, glovesRequest())
	assert.Regexp(t, `^SUP-20261001-[0-9A-F]{8}$`, sub.SubmissionID)
	assert.Equal(t, types.CategoryPPE, sub.Category)
	assert.Equal(t, donor.ID, sub.SubmittedBy)

	got, err := f.svc.Get(ctx, sub.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, sub.CustodyHash, got.CustodyHash)

	a, err := f.svc.Assess(ctx, sub.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeEligible, a.Outcome)
	assert.Equal(t, "surmed-default", a.RuleSetID)
	assert.Equal(t, int64(304), a.DaysUntilExpiry)
	assert.Equal(t, eligibility.ExpiryRuleID, a.Results[0].RuleID)

	_, err = f.svc.Assess(ctx, "SUP-missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t, ledger.NewInMemoryStore())
	req := glovesRequest()
	req.ExpiryDate = "01/08/2027"
	_, err := f.svc.Submit(context.Background(), req, donor)
	assert.True(t, errs.IsValidation(err), "got %v", err)
}

func TestTwoTierDecisionFlow(t *testing.T) {
	f := newFixture(t, ledger.NewInMemoryStore())
	ctx := context.Background()
	sub := submit(t, f, glovesRequest())

	status, err := f.svc.Status(ctx, sub.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingInitial, status)

	initial, err := f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
		Type: types.DecisionAccept, ReasonCode: "acc-001", Justification: "Sealed, labelled, long dated.", Tier: types.TierInitial,
	}, reviewer)
	require.NoError(t, err)
	assert.Equal(t, reviewer.ID, initial.DecidedBy)
	assert.Equal(t, ledger.GenesisHash, initial.PreviousHash)
	assert.Equal(t, types.OutcomeEligible, initial.Assessment.Outcome)

	status, err = f.svc.Status(ctx, sub.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingFinal, status)

	_, err = f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
		Type: types.DecisionAccept, ReasonCode: "acc-001", Justification: "Confirmed.", Tier: types.TierFinal,
	}, reviewer)
	assert.ErrorIs(t, err, errs.ErrForbidden)

	final, err := f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
		Type: types.DecisionAccept, ReasonCode: "acc-001", Justification: "Confirmed on inspection.", Tier: types.TierFinal,
	}, staff)
	require.NoError(t, err)
	assert.Equal(t, initial.Hash, final.PreviousHash)

	status, err = f.svc.Status(ctx, sub.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, status)

	history, err := f.svc.History(ctx, sub.SubmissionID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.TierInitial, history[0].Tier)
	assert.Equal(t, types.TierFinal, history[1].Tier)

	res, err := f.svc.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.Checked)

	rec, err := f.store.GetRuleSet(ctx, initial.Assessment.RuleSetHash)
	require.NoError(t, err)
	assert.Equal(t, "surmed-default", rec.RuleSetID)
	var rs eligibility.RuleSet
	require.NoError(t, json.Unmarshal(rec.BodyJSON, &rs))
	hash, err := eligibility.Digest(rs)
	require.NoError(t, err)
	assert.Equal(t, initial.Assessment.RuleSetHash, hash, "stored rule set must re-derive the recorded hash")
}

func TestDecideChecksReasonCode(t *testing.T) {
	f := newFixture(t, ledger.NewInMemoryStore())
	ctx := context.Background()
	sub := submit(t, f, glovesRequest())

	retired, err := f.store.GetReasonCode(ctx, "acc-002")
	require.NoError(t, err)
	retired.Active = false
	require.NoError(t, f.store.PutReasonCode(ctx, retired))

	for name, code := range map[string]string{
		"wrong category": "rej-002",
		"unknown":        "acc-999",
		"retired":        "acc-002",
		"missing":        "",
	} {
		_, err := f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
			Type: types.DecisionAccept, ReasonCode: code, Justification: "fine", Tier: types.TierInitial,
		}, reviewer)
		assert.True(t, errs.IsValidation(err), "%s: got %v", name, err)
	}

	entries, err := f.svc.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDecideRequiresJustificationAndActor(t *testing.T) {
	f := newFixture(t, ledger.NewInMemoryStore())
	ctx := context.Background()
	sub := submit(t, f, glovesRequest())

	_, err := f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
		Type: types.DecisionReject, ReasonCode: "rej-002", Justification: "  ", Tier: types.TierInitial,
	}, reviewer)
	assert.True(t, errs.IsValidation(err), "got %v", err)

	_, err = f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
		Type: types.DecisionReject, ReasonCode: "rej-002", Justification: "short dated", Tier: types.TierInitial,
	}, types.Actor{})
	assert.True(t, errs.IsValidation(err), "got %v", err)

	_, err = f.svc.Decide(ctx, "SUP-missing", DecisionRequest{
		Type: types.DecisionReject, ReasonCode: "rej-002", Justification: "short dated", Tier: types.TierInitial,
	}, reviewer)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDecideRefusesTamperedSubmission(t *testing.T) {
	f := newFixture(t, ledger.NewInMemoryStore())
	ctx := context.Background()

	sub, err := intake.Build("SUP-20261001-DEADBEEF", glovesRequest(), donor.ID, reviewAt)
	require.NoError(t, err)
	sub.Quantity = 2000
	require.NoError(t, f.store.InsertSubmission(ctx, sub))

	_, err = f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
		Type: types.DecisionAccept, ReasonCode: "acc-001", Justification: "looks fine to me", Tier: types.TierInitial,
	}, reviewer)
	var ie *errs.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, errs.CustodyMismatch, ie.Kind)
}

func TestDecideEmbedsFreshAssessment(t *testing.T) {
	f := newFixture(t, ledger.NewInMemoryStore())
	ctx := context.Background()

	req := glovesRequest()
	req.ExpiryDate = "2026-11-01"
	req.Evidence = nil
	sub := submit(t, f, req)

	d, err := f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
		Type: types.DecisionReject, ReasonCode: "rej-002", Justification: "Only a month of shelf life left.", Tier: types.TierInitial,
	}, reviewer)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeIneligible, d.Assessment.Outcome)
	assert.Equal(t, int64(31), d.Assessment.DaysUntilExpiry)
	assert.Equal(t, reviewAt, d.Assessment.EvaluatedAt)
	assert.Len(t, d.Assessment.Failures(), 1)
	assert.Len(t, d.Assessment.Advisories(), 1)
}

// conflictStore fails the first n appends with an append conflict.
type conflictStore struct {
	*ledger.InMemoryStore
	mu sync.Mutex
	n  int
}

func (s *conflictStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.InMemoryStore.WithTx(ctx, func(tx ledger.Tx) error { return fn(conflictTx{Tx: tx, s: s}) })
}

type conflictTx struct {
	ledger.Tx
	s *conflictStore
}

func (t conflictTx) AppendDecision(d types.Decision) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.n > 0 {
		t.s.n--
		return errs.Conflict(d.PreviousHash, "sha256:moved")
	}
	return t.Tx.AppendDecision(d)
}

func TestDecideRetriesAppendConflicts(t *testing.T) {
	store := &conflictStore{InMemoryStore: ledger.NewInMemoryStore(), n: 2}
	f := newFixture(t, store, WithMaxAppendAttempts(3))
	ctx := context.Background()
	sub := submit(t, f, glovesRequest())

	d, err := f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
		Type: types.DecisionNeedsReview, ReasonCode: "rev-001", Justification: "Need a COA before accepting.", Tier: types.TierInitial,
	}, reviewer)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Seq)

	store.n = 3
	_, err = f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
		Type: types.DecisionNeedsReview, ReasonCode: "rev-001", Justification: "Still waiting on the COA.", Tier: types.TierInitial,
	}, reviewer)
	assert.True(t, errs.IsConflict(err), "got %v", err)
	assert.Zero(t, store.n)
}

func TestDecideDoesNotRetryPinnedTail(t *testing.T) {
	store := &conflictStore{InMemoryStore: ledger.NewInMemoryStore()}
	f := newFixture(t, store)
	ctx := context.Background()
	sub := submit(t, f, glovesRequest())

	store.n = 1
	_, err := f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
		Type: types.DecisionNeedsReview, ReasonCode: "rev-001", Justification: "Need a COA before accepting.", Tier: types.TierInitial,
		ExpectedTail: ledger.GenesisHash,
	}, reviewer)
	assert.True(t, errs.IsConflict(err), "got %v", err)

	_, err = f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
		Type: types.DecisionNeedsReview, ReasonCode: "rev-001", Justification: "Need a COA before accepting.", Tier: types.TierInitial,
		ExpectedTail: "sha256:" + "ab" + ledger.GenesisHash[9:],
	}, reviewer)
	assert.True(t, errs.IsConflict(err), "stale pin should conflict, got %v", err)
}

func TestConcurrentDecisionsFormOneChain(t *testing.T) {
	f := newFixture(t, ledger.NewInMemoryStore())
	ctx := context.Background()
	subs := []types.Submission{submit(t, f, glovesRequest()), submit(t, f, glovesRequest())}

	var wg sync.WaitGroup
	errCh := make(chan error, 12)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Decide(ctx, subs[i%2].SubmissionID, DecisionRequest{
				Type: types.DecisionNeedsReview, ReasonCode: "rev-003", Justification: "Storage history unclear.", Tier: types.TierInitial,
			}, reviewer)
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	res, err := f.svc.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 12, res.Checked)

	summary, err := f.svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, summary.Entries)
	assert.Equal(t, 2, summary.Submissions)
	assert.Equal(t, 12, summary.ByType["needs_review"])
	assert.True(t, summary.Chain.Valid)
}

func TestReasonCodesListed(t *testing.T) {
	f := newFixture(t, ledger.NewInMemoryStore())
	codes, err := f.svc.ReasonCodes(context.Background())
	require.NoError(t, err)
	assert.Len(t, codes, 13)
	assert.Equal(t, "ACC-001", codes[0].Code)
}

func TestHistoryOfUnknownSubmission(t *testing.T) {
	f := newFixture(t, ledger.NewInMemoryStore())
	_, err := f.svc.History(context.Background(), "SUP-missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestExportInputCarriesChainAndItemNames(t *testing.T) {
	f := newFixture(t, ledger.NewInMemoryStore())
	ctx := context.Background()
	sub := submit(t, f, glovesRequest())
	_, err := f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
		Type: types.DecisionNeedsReview, ReasonCode: "rev-001", Justification: "Lot number needs checking.", Tier: types.TierInitial,
	}, reviewer)
	require.NoError(t, err)

	in, err := f.svc.ExportInput(ctx, export.Filter{Type: types.DecisionNeedsReview})
	require.NoError(t, err)
	assert.Len(t, in.Entries, 1)
	assert.Equal(t, "Nitrile examination gloves", in.Submissions[sub.SubmissionID].Name)
	assert.Equal(t, reviewAt, in.GeneratedAt)

	_, err = f.svc.ExportInput(ctx, export.Filter{From: "yesterday"})
	assert.True(t, errs.IsValidation(err), "got %v", err)
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s_%03d", prefix, n)
	}
}

func TestActivityFollowsSubmitAndDecide(t *testing.T) {
	f := newFixture(t, ledger.NewInMemoryStore(), WithActivityIDs(sequentialIDs("act")))
	ctx := context.Background()
	sub := submit(t, f, glovesRequest())
	d, err := f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
		Type: types.DecisionReject, ReasonCode: "rej-002", Justification: "Packaging torn.", Tier: types.TierInitial,
	}, reviewer)
	require.NoError(t, err)
	in, err := f.svc.ExportInput(ctx, export.Filter{Search: "gloves"})
	require.NoError(t, err)
	require.NoError(t, f.svc.RecordExport(ctx, staff, export.FormatCSV, in.Filter, 1))

	log, err := f.svc.Activity(ctx)
	require.NoError(t, err)
	require.Len(t, log, 3)

	assert.Equal(t, "act_001", log[0].ActivityID)
	assert.Equal(t, types.ActivitySupplySubmitted, log[0].Action)
	assert.Equal(t, donor.ID, log[0].Actor)
	assert.Equal(t, sub.SubmissionID, log[0].SubjectID)
	assert.Equal(t, "ppe", log[0].Details["category"])

	assert.Equal(t, types.ActivityDecisionMade, log[1].Action)
	assert.Equal(t, reviewer.ID, log[1].Actor)
	assert.Equal(t, d.DecisionID, log[1].Details["decision_id"])
	assert.Equal(t, "reject", log[1].Details["decision_type"])

	assert.Equal(t, types.ActivityExportGenerated, log[2].Action)
	assert.Equal(t, staff.ID, log[2].Actor)
	assert.Equal(t, map[string]string{"format": "csv", "rows": "1", "filter": "search=gloves"}, log[2].Details)
	assert.Equal(t, reviewAt, log[2].At)
}

func TestFailedSubmitRecordsNoActivity(t *testing.T) {
	f := newFixture(t, ledger.NewInMemoryStore(), WithSubmissionIDs(func(time.Time) string { return "SUP-20261001-0000000A" }))
	ctx := context.Background()
	submit(t, f, glovesRequest())
	_, err := f.svc.Submit(ctx, glovesRequest(), donor)
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)

	log, err := f.svc.Activity(ctx)
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestLostAppendLeavesNoRuleSetOrActivity(t *testing.T) {
	store := &conflictStore{InMemoryStore: ledger.NewInMemoryStore()}
	f := newFixture(t, store)
	ctx := context.Background()
	sub := submit(t, f, glovesRequest())
	a, err := f.svc.Assess(ctx, sub.SubmissionID)
	require.NoError(t, err)

	store.n = 1
	_, err = f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
		Type: types.DecisionAccept, ReasonCode: "acc-001", Justification: "Sealed and long dated.", Tier: types.TierInitial,
		ExpectedTail: ledger.GenesisHash,
	}, reviewer)
	require.True(t, errs.IsConflict(err), "got %v", err)

	_, err = f.store.GetRuleSet(ctx, a.RuleSetHash)
	assert.ErrorIs(t, err, errs.ErrNotFound, "rule set must not outlive the failed append")
	log, err := f.svc.Activity(ctx)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, types.ActivitySupplySubmitted, log[0].Action)

	_, err = f.svc.Decide(ctx, sub.SubmissionID, DecisionRequest{
		Type: types.DecisionAccept, ReasonCode: "acc-001", Justification: "Sealed and long dated.", Tier: types.TierInitial,
	}, reviewer)
	require.NoError(t, err)
	_, err = f.store.GetRuleSet(ctx, a.RuleSetHash)
	assert.NoError(t, err)
}

func TestListSubmissions(t *testing.T) {
	at := reviewAt
	clock := func() time.Time {
		at = at.Add(time.Minute)
		return at
	}
	f := newFixture(t, ledger.NewInMemoryStore(), WithClock(clock))
	ctx := context.Background()

	gloves := submit(t, f, glovesRequest())
	gauze := glovesRequest()
	gauze.Name = "Sterile gauze pads"
	gauze.Category = "wound_care"
	gauze.BatchNumber = "GZ-19"
	pads := submit(t, f, gauze)
	masks := glovesRequest()
	masks.Name = "Surgical masks"
	masks.Description = "Boxed NITRILE-free masks"
	third := submit(t, f, masks)

	_, err := f.svc.Decide(ctx, pads.SubmissionID, DecisionRequest{
		Type: types.DecisionReject, ReasonCode: "rej-002", Justification: "Short dated.", Tier: types.TierInitial,
	}, reviewer)
	require.NoError(t, err)

	ids := func(q SubmissionQuery) []string {
		t.Helper()
		got, err := f.svc.ListSubmissions(ctx, q)
		require.NoError(t, err)
		out := []string{}
		for _, s := range got {
			out = append(out, s.Submission.SubmissionID)
		}
		return out
	}

	assert.Equal(t, []string{third.SubmissionID, pads.SubmissionID, gloves.SubmissionID}, ids(SubmissionQuery{}))
	assert.Equal(t, []string{pads.SubmissionID}, ids(SubmissionQuery{Status: StatusRejected}))
	assert.Equal(t, []string{third.SubmissionID, gloves.SubmissionID}, ids(SubmissionQuery{Status: StatusPendingInitial}))
	assert.Equal(t, []string{pads.SubmissionID}, ids(SubmissionQuery{Category: "Wound_Care"}))
	assert.Equal(t, []string{third.SubmissionID, gloves.SubmissionID}, ids(SubmissionQuery{Search: "nitrile"}))
	assert.Equal(t, []string{pads.SubmissionID}, ids(SubmissionQuery{Search: "gz-19"}))
	assert.Empty(t, ids(SubmissionQuery{Category: "ppe", Status: StatusRejected}))

	all, err := f.svc.ListSubmissions(ctx, SubmissionQuery{Status: StatusRejected})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 1, all[0].Decisions)

	_, err = f.svc.ListSubmissions(ctx, SubmissionQuery{Status: "archived"})
	assert.True(t, errs.IsValidation(err), "got %v", err)
}
