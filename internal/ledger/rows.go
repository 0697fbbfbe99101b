package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/davidahmann/surmed/pkg/types"
)

// DecisionColumns is the column order used by the SQL stores.
const DecisionColumns = "seq, decision_id, submission_id, decision_type, reason_code_id, justification, notes, decided_by, tier, decided_at, assessment_json, previous_hash, this_hash"

// DecisionRow is one decisions row as stored by the SQL backends.
type DecisionRow struct {
	Seq            int64
	DecisionID     string
	SubmissionID   string
	DecisionType   string
	ReasonCodeID   string
	Justification  string
	Notes          string
	DecidedBy      string
	Tier           string
	DecidedAt      string
	AssessmentJSON string
	PreviousHash   string
	ThisHash       string
}

func ToDecisionRow(d types.Decision) (DecisionRow, error) {
	assessment, err := json.Marshal(d.Assessment)
	if err != nil {
		return DecisionRow{}, fmt.Errorf("encode assessment: %w", err)
	}
	return DecisionRow{
		Seq:            d.Seq,
		DecisionID:     d.DecisionID,
		SubmissionID:   d.SubmissionID,
		DecisionType:   string(d.Type),
		ReasonCodeID:   d.ReasonCode,
		Justification:  d.Justification,
		Notes:          d.Notes,
		DecidedBy:      d.DecidedBy,
		Tier:           string(d.Tier),
		DecidedAt:      d.DecidedAt.UTC().Format(time.RFC3339Nano),
		AssessmentJSON: string(assessment),
		PreviousHash:   d.PreviousHash,
		ThisHash:       d.Hash,
	}, nil
}

// Args returns the row values in DecisionColumns order.
func (r DecisionRow) Args() []any {
	return []any{r.Seq, r.DecisionID, r.SubmissionID, r.DecisionType, r.ReasonCodeID, r.Justification, r.Notes, r.DecidedBy, r.Tier, r.DecidedAt, r.AssessmentJSON, r.PreviousHash, r.ThisHash}
}

// Dest returns scan targets in DecisionColumns order.
func (r *DecisionRow) Dest() []any {
	return []any{&r.Seq, &r.DecisionID, &r.SubmissionID, &r.DecisionType, &r.ReasonCodeID, &r.Justification, &r.Notes, &r.DecidedBy, &r.Tier, &r.DecidedAt, &r.AssessmentJSON, &r.PreviousHash, &r.ThisHash}
}

func (r DecisionRow) Decision() (types.Decision, error) {
	decidedAt, err := time.Parse(time.RFC3339Nano, r.DecidedAt)
	if err != nil {
		return types.Decision{}, fmt.Errorf("decision %s: decided_at: %w", r.DecisionID, err)
	}
	var assessment types.Assessment
	if err := json.Unmarshal([]byte(r.AssessmentJSON), &assessment); err != nil {
		return types.Decision{}, fmt.Errorf("decision %s: assessment: %w", r.DecisionID, err)
	}
	return types.Decision{
		Schema:        types.DecisionSchema,
		Seq:           r.Seq,
		DecisionID:    r.DecisionID,
		SubmissionID:  r.SubmissionID,
		Type:          types.DecisionType(r.DecisionType),
		ReasonCode:    r.ReasonCodeID,
		Justification: r.Justification,
		Notes:         r.Notes,
		DecidedBy:     r.DecidedBy,
		Tier:          types.Tier(r.Tier),
		DecidedAt:     decidedAt.UTC(),
		Assessment:    assessment,
		PreviousHash:  r.PreviousHash,
		Hash:          r.ThisHash,
	}, nil
}

// SubmissionColumns is the column order for submission rows.
const SubmissionColumns = "submission_id, submitted_by, submitted_at, category, custody_hash, body_json"

// SubmissionArgs returns the insert values for sub in SubmissionColumns order.
func SubmissionArgs(sub types.Submission) ([]any, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	return []any{sub.SubmissionID, sub.SubmittedBy, sub.SubmittedAt.UTC().Format(time.RFC3339Nano), sub.Category, sub.CustodyHash, string(body)}, nil
}

// DecodeSubmission restores a submission from its stored body.
func DecodeSubmission(body string) (types.Submission, error) {
	var sub types.Submission
	if err := json.Unmarshal([]byte(body), &sub); err != nil {
		return types.Submission{}, fmt.Errorf("decode submission: %w", err)
	}
	return sub, nil
}

// ActivityColumns is the insert column order for activity rows. seq is
// assigned by the database.
const ActivityColumns = "activity_id, action, actor, subject_id, details_json, at"

// ActivityArgs returns the insert values for a in ActivityColumns order.
func ActivityArgs(a types.Activity) ([]any, error) {
	details := []byte("{}")
	if len(a.Details) > 0 {
		var err error
		if details, err = json.Marshal(a.Details); err != nil {
			return nil, fmt.Errorf("encode activity details: %w", err)
		}
	}
	return []any{a.ActivityID, string(a.Action), a.Actor, a.SubjectID, string(details), a.At.UTC().Format(time.RFC3339Nano)}, nil
}

// ActivityRow is one activity row, seq first.
type ActivityRow struct {
	Seq         int64
	ActivityID  string
	Action      string
	Actor       string
	SubjectID   string
	DetailsJSON string
	At          string
}

func (r *ActivityRow) Dest() []any {
	return []any{&r.Seq, &r.ActivityID, &r.Action, &r.Actor, &r.SubjectID, &r.DetailsJSON, &r.At}
}

func (r ActivityRow) Activity() (types.Activity, error) {
	at, err := time.Parse(time.RFC3339Nano, r.At)
	if err != nil {
		return types.Activity{}, fmt.Errorf("activity %s: at: %w", r.ActivityID, err)
	}
	a := types.Activity{
		Seq:        r.Seq,
		ActivityID: r.ActivityID,
		Action:     types.ActivityAction(r.Action),
		Actor:      r.Actor,
		SubjectID:  r.SubjectID,
		At:         at.UTC(),
	}
	if r.DetailsJSON != "" && r.DetailsJSON != "{}" {
		if err := json.Unmarshal([]byte(r.DetailsJSON), &a.Details); err != nil {
			return types.Activity{}, fmt.Errorf("activity %s: details: %w", r.ActivityID, err)
		}
	}
	return a, nil
}
