package ledgertest

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/internal/ledger"
	"github.com/davidahmann/surmed/pkg/types"
)

// RunStoreSuite checks the behaviour every ledger.Store must share. open must
// return an empty, ready store.
func RunStoreSuite(t *testing.T, open func(t *testing.T) ledger.Store) {
	t.Run("Submissions", func(t *testing.T) { testSubmissions(t, open(t)) })
	t.Run("ReasonCodes", func(t *testing.T) { testReasonCodes(t, open(t)) })
	t.Run("RuleSets", func(t *testing.T) { testRuleSets(t, open(t)) })
	t.Run("ChainRoundTrip", func(t *testing.T) { testChainRoundTrip(t, open(t)) })
	t.Run("StaleTailConflicts", func(t *testing.T) { testStaleTail(t, open(t)) })
	t.Run("UnknownReferences", func(t *testing.T) { testUnknownReferences(t, open(t)) })
	t.Run("ConcurrentAppendOnSameTail", func(t *testing.T) { testConcurrentAppend(t, open(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("ActivityLog", func(t *testing.T) { testActivity(t, open(t)) })
}

func testSubmissions(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	want := Submission(SubmissionA)
	if err := s.InsertSubmission(ctx, want); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertSubmission(ctx, want); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on duplicate, got %v", err)
	}

	got, err := s.GetSubmission(ctx, SubmissionA)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.SubmittedAt.Equal(want.SubmittedAt) || !got.Evidence[0].UploadedAt.Equal(want.Evidence[0].UploadedAt) {
		t.Fatalf("timestamps not preserved: %+v", got)
	}
	got.SubmittedAt = want.SubmittedAt
	got.Evidence[0].UploadedAt = want.Evidence[0].UploadedAt
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("submission mismatch:\n got %+v\nwant %+v", got, want)
	}

	if _, err := s.GetSubmission(ctx, "SUP-missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.InsertSubmission(ctx, Submission(SubmissionB)); err != nil {
		t.Fatalf("insert b: %v", err)
	}
	all, err := s.ListSubmissions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].SubmissionID != SubmissionA || all[1].SubmissionID != SubmissionB {
		t.Fatalf("unexpected submissions: %+v", all)
	}
}

func testReasonCodes(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for _, rc := range ReasonCodes() {
		if err := s.PutReasonCode(ctx, rc); err != nil {
			t.Fatalf("put %s: %v", rc.Code, err)
		}
	}

	retired := ReasonCodes()[1]
	retired.Active = false
	retired.Description = "Superseded"
	if err := s.PutReasonCode(ctx, retired); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetReasonCode(ctx, retired.ReasonCodeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != retired {
		t.Fatalf("reason code mismatch: %+v", got)
	}

	clash := types.ReasonCode{ReasonCodeID: "acc-999", Code: "ACC-001", Category: types.ReasonAcceptance, Description: "dup", Active: true}
	if err := s.PutReasonCode(ctx, clash); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for duplicate code, got %v", err)
	}

	all, err := s.ListReasonCodes(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Code != "ACC-001" || all[2].Code != "REV-001" {
		t.Fatalf("unexpected reason codes: %+v", all)
	}
	if _, err := s.GetReasonCode(ctx, "nope"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testRuleSets(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	rec := ledger.RuleSetRecord{
		RuleSetHash: "sha256:abc",
		RuleSetID:   "surmed-default",
		Version:     "1",
		BodyJSON:    []byte(`{"rule_set_id":"surmed-default"}`),
		CreatedAt:   "2026-10-01T12:00:00Z",
	}
	if err := s.PutRuleSet(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutRuleSet(ctx, rec); err != nil {
		t.Fatalf("put again should be a no-op: %v", err)
	}
	got, err := s.GetRuleSet(ctx, rec.RuleSetHash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RuleSetID != rec.RuleSetID || string(got.BodyJSON) != string(rec.BodyJSON) {
		t.Fatalf("rule set mismatch: %+v", got)
	}
	if _, err := s.GetRuleSet(ctx, "sha256:missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func appendN(t *testing.T, l *ledger.Ledger) []types.Decision {
	t.Helper()
	ctx := context.Background()
	inputs := []ledger.DecisionInput{
		Input(SubmissionA, types.DecisionNeedsReview, "rev-001"),
		Input(SubmissionB, types.DecisionReject, "rej-002"),
		Input(SubmissionA, types.DecisionAccept, "acc-001"),
	}
	var out []types.Decision
	for _, in := range inputs {
		d, err := l.Append(ctx, in, Assessment(in.SubmissionID))
		if err != nil {
			t.Fatalf("append %s: %v", in.SubmissionID, err)
		}
		out = append(out, d)
	}
	return out
}

func testChainRoundTrip(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	Seed(t, s)

	tail, err := s.Tail(ctx)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if tail.Seq != 0 || tail.Hash != ledger.GenesisHash {
		t.Fatalf("empty store should report genesis tail, got %+v", tail)
	}

	l := ledger.New(s, ledger.WithClock(Clock()), ledger.WithIDs(IDs()))
	appended := appendN(t, l)

	stored, err := s.ListDecisions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != len(appended) {
		t.Fatalf("expected %d decisions, got %d", len(appended), len(stored))
	}
	for i := range stored {
		if stored[i].Hash != appended[i].Hash || stored[i].PreviousHash != appended[i].PreviousHash {
			t.Fatalf("chain fields changed in storage at %d", i)
		}
	}
	if res := ledger.Verify(stored); !res.Valid {
		t.Fatalf("stored chain no longer verifies: %+v", res)
	}

	tail, err = s.Tail(ctx)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if tail.Seq != 3 || tail.Hash != appended[2].Hash {
		t.Fatalf("unexpected tail %+v", tail)
	}

	history, err := s.ListDecisionsBySubmission(ctx, SubmissionA)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Type != types.DecisionNeedsReview || history[1].Type != types.DecisionAccept {
		t.Fatalf("unexpected history: %+v", history)
	}

	history[0].Justification = "rewritten"
	history[0].Assessment.Results[0].Values["days_until_expiry"] = -1
	again, err := s.ListDecisionsBySubmission(ctx, SubmissionA)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if again[0].Justification == "rewritten" || again[0].Assessment.Results[0].Values["days_until_expiry"] != 304 {
		t.Fatalf("mutating a read result reached the store")
	}
}

func testStaleTail(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	Seed(t, s)
	l := ledger.New(s, ledger.WithClock(Clock()), ledger.WithIDs(IDs()))
	first := appendN(t, l)[0]

	stale := first
	stale.DecisionID = "dec_stale"
	if err := s.AppendDecision(ctx, stale); !errs.IsConflict(err) {
		t.Fatalf("expected append conflict, got %v", err)
	}

	in := Input(SubmissionB, types.DecisionAccept, "acc-001")
	in.ExpectedTail = first.Hash
	if _, err := l.Append(ctx, in, Assessment(SubmissionB)); !errs.IsConflict(err) {
		t.Fatalf("expected pinned stale tail to conflict, got %v", err)
	}
}

func testUnknownReferences(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	Seed(t, s)
	l := ledger.New(s, ledger.WithClock(Clock()), ledger.WithIDs(IDs()))

	if _, err := l.Append(ctx, Input("SUP-unknown", types.DecisionAccept, "acc-001"), Assessment("SUP-unknown")); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for unknown submission, got %v", err)
	}
	if _, err := l.Append(ctx, Input(SubmissionA, types.DecisionAccept, "acc-404"), Assessment(SubmissionA)); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for unknown reason code, got %v", err)
	}

	entries, err := s.ListDecisions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed appends must not leave entries, got %d", len(entries))
	}
}

func testConcurrentAppend(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	Seed(t, s)

	build := func(id, submissionID string) types.Decision {
		d := types.Decision{
			Schema:        types.DecisionSchema,
			Seq:           1,
			DecisionID:    id,
			SubmissionID:  submissionID,
			Type:          types.DecisionAccept,
			ReasonCode:    "acc-001",
			Justification: "ok",
			DecidedBy:     "reviewer-" + id,
			Tier:          types.TierInitial,
			DecidedAt:     At,
			Assessment:    Assessment(submissionID),
			PreviousHash:  ledger.GenesisHash,
		}
		h, err := ledger.EntryHash(d)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		d.Hash = h
		return d
	}
	candidates := []types.Decision{build("dec_a", SubmissionA), build("dec_b", SubmissionB)}

	var wg sync.WaitGroup
	results := make([]error, len(candidates))
	start := make(chan struct{})
	for i, d := range candidates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i] = s.AppendDecision(ctx, d)
		}()
	}
	close(start)
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errs.IsConflict(err):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || conflicted != 1 {
		t.Fatalf("expected exactly one winner, got %d succeeded and %d conflicted", succeeded, conflicted)
	}

	entries, err := s.ListDecisions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || !ledger.Verify(entries).Valid {
		t.Fatalf("expected a single valid entry, got %+v", entries)
	}
}

func testRollback(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertSubmission(Submission(SubmissionA)); err != nil {
			return err
		}
		if err := tx.PutReasonCode(ReasonCodes()[0]); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetSubmission(ctx, SubmissionA); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("submission survived a rolled back transaction: %v", err)
	}
	if _, err := s.GetReasonCode(ctx, "acc-001"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("reason code survived a rolled back transaction: %v", err)
	}
}

func testActivity(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.AppendActivity(Activity("act_lost", types.ActivitySupplySubmitted, SubmissionA)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	first := Activity("act_1", types.ActivitySupplySubmitted, SubmissionA)
	second := Activity("act_2", types.ActivityExportGenerated, "")
	second.Details = map[string]string{"format": "csv", "rows": "3"}
	for _, a := range []types.Activity{first, second} {
		if err := s.AppendActivity(ctx, a); err != nil {
			t.Fatalf("append %s: %v", a.ActivityID, err)
		}
	}
	if err := s.AppendActivity(ctx, first); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on duplicate, got %v", err)
	}

	got, err := s.ListActivity(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ActivityID != "act_1" || got[1].ActivityID != "act_2" {
		t.Fatalf("unexpected activity: %+v", got)
	}
	if got[0].Seq <= 0 || got[1].Seq <= got[0].Seq {
		t.Fatalf("activity seq must increase: %d, %d", got[0].Seq, got[1].Seq)
	}
	if !got[0].At.Equal(At) || got[0].Actor != first.Actor || got[0].SubjectID != SubmissionA || got[0].Details != nil {
		t.Fatalf("activity fields not preserved: %+v", got[0])
	}
	if !reflect.DeepEqual(got[1].Details, second.Details) {
		t.Fatalf("details mismatch: %+v", got[1].Details)
	}

	got[1].Details["rows"] = "999"
	again, err := s.ListActivity(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if again[1].Details["rows"] != "3" {
		t.Fatalf("mutating a read result reached the store")
	}
}
