package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/internal/validate"
	"github.com/davidahmann/surmed/pkg/types"
	"github.com/google/uuid"
)

// DecisionInput is what a reviewer supplies. ExpectedTail, when set, pins the
// chain tail the reviewer saw; the append fails if the tail has moved.
type DecisionInput struct {
	SubmissionID  string             `json:"submission_id" validate:"notblank"`
	Type          types.DecisionType `json:"decision_type" validate:"required,oneof=accept needs_review reject"`
	ReasonCode    string             `json:"reason_code" validate:"notblank"`
	Justification string             `json:"justification" validate:"notblank,max=10000"`
	Notes         string             `json:"notes,omitempty" validate:"max=10000"`
	DecidedBy     string             `json:"decided_by" validate:"notblank"`
	Tier          types.Tier         `json:"tier" validate:"required,oneof=initial final"`
	ExpectedTail  string             `json:"expected_previous_hash,omitempty"`
}

// Ledger is the append-only decision chain. It records the tier and the
// acting identity but leaves privilege checks to its caller.
type Ledger struct {
	store Store
	now   func() time.Time
	newID func() string
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithIDs(newID func() string) Option {
	return func(l *Ledger) { l.newID = newID }
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
		newID: func() string { return "dec_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Store() Store { return l.store }

// Append links a new decision to the current tail. The tail read, hash and
// insert happen in one store transaction.
func (l *Ledger) Append(ctx context.Context, in DecisionInput, assessment types.Assessment) (types.Decision, error) {
	return l.AppendWith(ctx, in, assessment, nil)
}

// AppendWith is Append with a hook that runs in the same transaction after the
// decision is written. A hook error rolls the decision back.
func (l *Ledger) AppendWith(ctx context.Context, in DecisionInput, assessment types.Assessment, after func(Tx, types.Decision) error) (types.Decision, error) {
	if err := validate.Struct(in); err != nil {
		return types.Decision{}, err
	}
	if assessment.SubmissionID != in.SubmissionID {
		return types.Decision{}, errs.Invalid("assessment", "belongs to %q, not %q", assessment.SubmissionID, in.SubmissionID)
	}

	var out types.Decision
	err := l.store.WithTx(ctx, func(tx Tx) error {
		tail, err := tx.Tail()
		if err != nil {
			return err
		}
		if in.ExpectedTail != "" && in.ExpectedTail != tail.Hash {
			return errs.Conflict(in.ExpectedTail, tail.Hash)
		}

		d := types.Decision{
			Schema:        types.DecisionSchema,
			Seq:           tail.Seq + 1,
			DecisionID:    l.newID(),
			SubmissionID:  in.SubmissionID,
			Type:          in.Type,
			ReasonCode:    in.ReasonCode,
			Justification: strings.TrimSpace(in.Justification),
			Notes:         strings.TrimSpace(in.Notes),
			DecidedBy:     in.DecidedBy,
			Tier:          in.Tier,
			DecidedAt:     l.now().UTC(),
			Assessment:    cloneAssessment(assessment),
			PreviousHash:  tail.Hash,
		}
		normalizeText(&d)
		if d.Hash, err = EntryHash(d); err != nil {
			return errs.Wrap(err, "hash decision")
		}
		if err := tx.AppendDecision(d); err != nil {
			return err
		}
		if after != nil {
			if err := after(tx, d); err != nil {
				return err
			}
		}
		out = d
		return nil
	})
	if err != nil {
		return types.Decision{}, err
	}
	return out, nil
}

// History returns the decisions for one submission in append order.
func (l *Ledger) History(ctx context.Context, submissionID string) ([]types.Decision, error) {
	return l.store.ListDecisionsBySubmission(ctx, submissionID)
}

// Entries returns the whole chain in append order.
func (l *Ledger) Entries(ctx context.Context) ([]types.Decision, error) {
	return l.store.ListDecisions(ctx)
}

func (l *Ledger) Tail(ctx context.Context) (Tail, error) {
	return l.store.Tail(ctx)
}

// Verify walks the stored chain from genesis.
func (l *Ledger) Verify(ctx context.Context) (VerifyResult, error) {
	entries, err := l.store.ListDecisions(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	return Verify(entries), nil
}
