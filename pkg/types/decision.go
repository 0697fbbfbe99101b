package types

import "time"

const DecisionSchema = "surmed.decision.v1"

type DecisionType string

const (
	DecisionAccept      DecisionType = "accept"
	DecisionNeedsReview DecisionType = "needs_review"
	DecisionReject      DecisionType = "reject"
)

func (d DecisionType) Valid() bool {
	switch d {
	case DecisionAccept, DecisionNeedsReview, DecisionReject:
		return true
	}
	return false
}

type Tier string

const (
	TierInitial Tier = "initial"
	TierFinal   Tier = "final"
)

func (t Tier) Valid() bool { return t == TierInitial || t == TierFinal }

// Decision is one entry of the ledger. Seq, PreviousHash and Hash are
// assigned on append.
type Decision struct {
	Schema        string       `json:"schema"`
	Seq           int64        `json:"seq"`
	DecisionID    string       `json:"decision_id"`
	SubmissionID  string       `json:"submission_id"`
	Type          DecisionType `json:"decision_type"`
	ReasonCode    string       `json:"reason_code"`
	Justification string       `json:"justification"`
	Notes         string       `json:"notes,omitempty"`
	DecidedBy     string       `json:"decided_by"`
	Tier          Tier         `json:"tier"`
	DecidedAt     time.Time    `json:"decided_at"`
	Assessment    Assessment   `json:"assessment"`
	PreviousHash  string       `json:"previous_hash"`
	Hash          string       `json:"this_hash"`
}

type ReasonCategory string

const (
	ReasonAcceptance ReasonCategory = "acceptance"
	ReasonReview     ReasonCategory = "review"
	ReasonRejection  ReasonCategory = "rejection"
	ReasonAny        ReasonCategory = "any"
)

// Allows reports whether a reason code of this category may justify t.
func (c ReasonCategory) Allows(t DecisionType) bool {
	switch c {
	case ReasonAny:
		return true
	case ReasonAcceptance:
		return t == DecisionAccept
	case ReasonReview:
		return t == DecisionNeedsReview
	case ReasonRejection:
		return t == DecisionReject
	}
	return false
}

type ReasonCode struct {
	ReasonCodeID string         `json:"reason_code_id"`
	Code         string         `json:"code"`
	Category     ReasonCategory `json:"category"`
	Description  string         `json:"description"`
	Active       bool           `json:"active"`
}
