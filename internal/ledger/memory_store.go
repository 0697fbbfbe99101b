package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/pkg/types"
)

// InMemoryStore keeps everything in process memory behind one mutex. Reads
// hand out deep copies, so callers cannot reach stored decisions.
type InMemoryStore struct {
	mu sync.Mutex

	submissions map[string]types.Submission
	reasonCodes map[string]types.ReasonCode
	ruleSets    map[string]RuleSetRecord
	decisions   []types.Decision
	activity    []types.Activity
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		submissions: make(map[string]types.Submission),
		reasonCodes: make(map[string]types.ReasonCode),
		ruleSets:    make(map[string]RuleSetRecord),
	}
}

// WithTx runs fn under the store lock and undoes its writes if fn fails.
func (s *InMemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

func (s *InMemoryStore) InsertSubmission(ctx context.Context, sub types.Submission) error {
	return s.WithTx(ctx, func(tx Tx) error { return tx.InsertSubmission(sub) })
}

func (s *InMemoryStore) GetSubmission(_ context.Context, submissionID string) (types.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).GetSubmission(submissionID)
}

func (s *InMemoryStore) ListSubmissions(_ context.Context) ([]types.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Submission, 0, len(s.submissions))
	for _, sub := range s.submissions {
		out = append(out, cloneSubmission(sub))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].SubmissionID < out[j].SubmissionID
	})
	return out, nil
}

func (s *InMemoryStore) PutReasonCode(ctx context.Context, rc types.ReasonCode) error {
	return s.WithTx(ctx, func(tx Tx) error { return tx.PutReasonCode(rc) })
}

func (s *InMemoryStore) GetReasonCode(_ context.Context, reasonCodeID string) (types.ReasonCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).GetReasonCode(reasonCodeID)
}

func (s *InMemoryStore) ListReasonCodes(_ context.Context) ([]types.ReasonCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ReasonCode, 0, len(s.reasonCodes))
	for _, rc := range s.reasonCodes {
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *InMemoryStore) PutRuleSet(ctx context.Context, rec RuleSetRecord) error {
	return s.WithTx(ctx, func(tx Tx) error { return tx.PutRuleSet(rec) })
}

func (s *InMemoryStore) GetRuleSet(_ context.Context, ruleSetHash string) (RuleSetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ruleSets[ruleSetHash]
	if !ok {
		return RuleSetRecord{}, errs.Wrapf(errs.ErrNotFound, "rule set %s", ruleSetHash)
	}
	rec.BodyJSON = append([]byte(nil), rec.BodyJSON...)
	return rec, nil
}

func (s *InMemoryStore) Tail(_ context.Context) (Tail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).Tail()
}

func (s *InMemoryStore) AppendDecision(ctx context.Context, d types.Decision) error {
	return s.WithTx(ctx, func(tx Tx) error { return tx.AppendDecision(d) })
}

func (s *InMemoryStore) ListDecisions(_ context.Context) ([]types.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Decision, 0, len(s.decisions))
	for _, d := range s.decisions {
		out = append(out, cloneDecision(d))
	}
	return out, nil
}

func (s *InMemoryStore) ListDecisionsBySubmission(_ context.Context, submissionID string) ([]types.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Decision
	for _, d := range s.decisions {
		if d.SubmissionID == submissionID {
			out = append(out, cloneDecision(d))
		}
	}
	return out, nil
}

func (s *InMemoryStore) AppendActivity(ctx context.Context, a types.Activity) error {
	return s.WithTx(ctx, func(tx Tx) error { return tx.AppendActivity(a) })
}

func (s *InMemoryStore) ListActivity(_ context.Context) ([]types.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Activity, 0, len(s.activity))
	for _, a := range s.activity {
		out = append(out, cloneActivity(a))
	}
	return out, nil
}

type memTx struct {
	s    *InMemoryStore
	undo []func()
}

func (t *memTx) InsertSubmission(sub types.Submission) error {
	if _, exists := t.s.submissions[sub.SubmissionID]; exists {
		return errs.Wrapf(errs.ErrAlreadyExists, "submission %s", sub.SubmissionID)
	}
	t.s.submissions[sub.SubmissionID] = cloneSubmission(sub)
	t.undo = append(t.undo, func() { delete(t.s.submissions, sub.SubmissionID) })
	return nil
}

func (t *memTx) GetSubmission(submissionID string) (types.Submission, error) {
	sub, ok := t.s.submissions[submissionID]
	if !ok {
		return types.Submission{}, errs.Wrapf(errs.ErrNotFound, "submission %s", submissionID)
	}
	return cloneSubmission(sub), nil
}

func (t *memTx) PutReasonCode(rc types.ReasonCode) error {
	for id, existing := range t.s.reasonCodes {
		if existing.Code == rc.Code && id != rc.ReasonCodeID {
			return errs.Wrapf(errs.ErrAlreadyExists, "reason code %s", rc.Code)
		}
	}
	prev, had := t.s.reasonCodes[rc.ReasonCodeID]
	t.s.reasonCodes[rc.ReasonCodeID] = rc
	t.undo = append(t.undo, func() {
		if had {
			t.s.reasonCodes[rc.ReasonCodeID] = prev
		} else {
			delete(t.s.reasonCodes, rc.ReasonCodeID)
		}
	})
	return nil
}

func (t *memTx) GetReasonCode(reasonCodeID string) (types.ReasonCode, error) {
	rc, ok := t.s.reasonCodes[reasonCodeID]
	if !ok {
		return types.ReasonCode{}, errs.Wrapf(errs.ErrNotFound, "reason code %s", reasonCodeID)
	}
	return rc, nil
}

func (t *memTx) PutRuleSet(rec RuleSetRecord) error {
	if _, exists := t.s.ruleSets[rec.RuleSetHash]; exists {
		return nil
	}
	rec.BodyJSON = append([]byte(nil), rec.BodyJSON...)
	t.s.ruleSets[rec.RuleSetHash] = rec
	t.undo = append(t.undo, func() { delete(t.s.ruleSets, rec.RuleSetHash) })
	return nil
}

func (t *memTx) Tail() (Tail, error) {
	if n := len(t.s.decisions); n > 0 {
		last := t.s.decisions[n-1]
		return Tail{Seq: last.Seq, Hash: last.Hash}, nil
	}
	return Tail{Seq: 0, Hash: GenesisHash}, nil
}

func (t *memTx) AppendDecision(d types.Decision) error {
	tail, _ := t.Tail()
	if err := CheckAppend(tail, d); err != nil {
		return err
	}
	if _, ok := t.s.submissions[d.SubmissionID]; !ok {
		return errs.Invalid("submission_id", "references unknown submission %q", d.SubmissionID)
	}
	if _, ok := t.s.reasonCodes[d.ReasonCode]; !ok {
		return errs.Invalid("reason_code", "references unknown reason code %q", d.ReasonCode)
	}
	for _, existing := range t.s.decisions {
		if existing.DecisionID == d.DecisionID {
			return errs.Wrapf(errs.ErrAlreadyExists, "decision %s", d.DecisionID)
		}
	}
	t.s.decisions = append(t.s.decisions, cloneDecision(d))
	t.undo = append(t.undo, func() { t.s.decisions = t.s.decisions[:len(t.s.decisions)-1] })
	return nil
}

func (t *memTx) AppendActivity(a types.Activity) error {
	for _, existing := range t.s.activity {
		if existing.ActivityID == a.ActivityID {
			return errs.Wrapf(errs.ErrAlreadyExists, "activity %s", a.ActivityID)
		}
	}
	a = cloneActivity(a)
	a.Seq = int64(len(t.s.activity)) + 1
	t.s.activity = append(t.s.activity, a)
	t.undo = append(t.undo, func() { t.s.activity = t.s.activity[:len(t.s.activity)-1] })
	return nil
}

func cloneActivity(a types.Activity) types.Activity {
	if a.Details != nil {
		details := make(map[string]string, len(a.Details))
		for k, v := range a.Details {
			details[k] = v
		}
		a.Details = details
	}
	return a
}

func cloneSubmission(sub types.Submission) types.Submission {
	if sub.Evidence != nil {
		sub.Evidence = append([]types.Evidence(nil), sub.Evidence...)
	}
	return sub
}

func cloneDecision(d types.Decision) types.Decision {
	d.Assessment = cloneAssessment(d.Assessment)
	return d
}

func cloneAssessment(a types.Assessment) types.Assessment {
	if a.Results != nil {
		results := make([]types.RuleResult, len(a.Results))
		for i, r := range a.Results {
			if r.Values != nil {
				values := make(map[string]int64, len(r.Values))
				for k, v := range r.Values {
					values[k] = v
				}
				r.Values = values
			}
			results[i] = r
		}
		a.Results = results
	}
	if a.Notes != nil {
		a.Notes = append([]string(nil), a.Notes...)
	}
	return a
}
