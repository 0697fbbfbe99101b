package ledger

import (
	"context"

	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/pkg/types"
)

// Store persists submissions, reference data and the decision chain.
//
// Decisions and activity entries can only be appended. No implementation exposes an update or
// delete path for them, and the SQL schemas reject such statements.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error

	InsertSubmission(ctx context.Context, sub types.Submission) error
	GetSubmission(ctx context.Context, submissionID string) (types.Submission, error)
	ListSubmissions(ctx context.Context) ([]types.Submission, error)

	PutReasonCode(ctx context.Context, rc types.ReasonCode) error
	GetReasonCode(ctx context.Context, reasonCodeID string) (types.ReasonCode, error)
	ListReasonCodes(ctx context.Context) ([]types.ReasonCode, error)

	PutRuleSet(ctx context.Context, rec RuleSetRecord) error
	GetRuleSet(ctx context.Context, ruleSetHash string) (RuleSetRecord, error)

	Tail(ctx context.Context) (Tail, error)
	AppendDecision(ctx context.Context, d types.Decision) error
	ListDecisions(ctx context.Context) ([]types.Decision, error)
	ListDecisionsBySubmission(ctx context.Context, submissionID string) ([]types.Decision, error)

	AppendActivity(ctx context.Context, a types.Activity) error
	ListActivity(ctx context.Context) ([]types.Activity, error)
}

// Tx is the set of operations available inside WithTx. Everything done
// through one Tx commits or rolls back together.
type Tx interface {
	InsertSubmission(sub types.Submission) error
	GetSubmission(submissionID string) (types.Submission, error)

	PutReasonCode(rc types.ReasonCode) error
	GetReasonCode(reasonCodeID string) (types.ReasonCode, error)

	PutRuleSet(rec RuleSetRecord) error

	Tail() (Tail, error)
	AppendDecision(d types.Decision) error

	AppendActivity(a types.Activity) error
}

// RuleSetRecord keeps every rule set version an assessment was made under,
// addressed by its content hash.
type RuleSetRecord struct {
	RuleSetHash string
	RuleSetID   string
	Version     string
	BodyJSON    []byte
	CreatedAt   string
}

// Tail is the newest chain position. An empty ledger has Seq 0 and the
// genesis hash.
type Tail struct {
	Seq  int64  `json:"seq"`
	Hash string `json:"hash"`
}

// CheckAppend is the compare step of compare-and-append: d must extend tail
// exactly.
func CheckAppend(tail Tail, d types.Decision) error {
	if d.PreviousHash != tail.Hash || d.Seq != tail.Seq+1 {
		return errs.Conflict(d.PreviousHash, tail.Hash)
	}
	if d.Hash == "" {
		return errs.Invalid("this_hash", "is required")
	}
	return nil
}
