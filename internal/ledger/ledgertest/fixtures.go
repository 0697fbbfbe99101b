// Package ledgertest holds fixtures and a conformance suite shared by the
// ledger store implementations.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/davidahmann/surmed/internal/ledger"
	"github.com/davidahmann/surmed/pkg/types"
)

var At = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

const (
	SubmissionA = "SUP-20261001-AAAAAAAA"
	SubmissionB = "SUP-20261001-BBBBBBBB"
)

func Submission(id string) types.Submission {
	return types.Submission{
		Schema:       types.SubmissionSchema,
		SubmissionID: id,
		Name:         "Surgical masks",
		Category:     types.CategoryPPE,
		Quantity:     50,
		Unit:         "boxes",
		ExpiryDate:   "2027-08-01",
		Packaging:    types.PackagingSealed,
		Storage:      types.StorageControlled,
		BatchNumber:  "MSK-1",
		Evidence: []types.Evidence{{
			EvidenceID:  id + "-E01",
			Type:        types.EvidencePhotoLabel,
			Filename:    "label.jpg",
			ContentHash: "sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
			SizeBytes:   4,
			UploadedAt:  At,
		}},
		SubmittedBy: "donor-1",
		SubmittedAt: At,
		CustodyHash: "sha256:" + fmt.Sprintf("%064x", len(id)),
	}
}

func ReasonCodes() []types.ReasonCode {
	return []types.ReasonCode{
		{ReasonCodeID: "acc-001", Code: "ACC-001", Category: types.ReasonAcceptance, Description: "Meets all eligibility criteria", Active: true},
		{ReasonCodeID: "rev-001", Code: "REV-001", Category: types.ReasonReview, Description: "Requires additional documentation", Active: true},
		{ReasonCodeID: "rej-002", Code: "REJ-002", Category: types.ReasonRejection, Description: "Insufficient shelf life", Active: true},
	}
}

func Assessment(submissionID string) types.Assessment {
	return types.Assessment{
		Schema:          types.AssessmentSchema,
		SubmissionID:    submissionID,
		EvaluatedAt:     At.Add(-time.Minute),
		RuleSetID:       "surmed-default",
		RuleSetVersion:  "test",
		RuleSetHash:     "sha256:" + fmt.Sprintf("%064x", 7),
		ExpiryDate:      "2027-08-01",
		DaysUntilExpiry: 304,
		Results: []types.RuleResult{
			{RuleID: "builtin.not-expired", RuleName: "Not expired", Category: "shelf_life", Severity: "blocking", Status: types.RulePass, Message: "304 days until expiry", Values: map[string]int64{"days_until_expiry": 304}},
			{RuleID: "photo-evidence", RuleName: "Photo Evidence", Category: "evidence", Severity: "advisory", Status: types.RulePass, Message: "1 evidence item(s) attached", Values: map[string]int64{"evidence_count": 1, "photo_count": 1, "min_items": 1}},
		},
		Outcome: types.OutcomeEligible,
		Notes:   []string{"short shelf life: 304 days remaining"},
	}
}

func Activity(id string, action types.ActivityAction, subjectID string) types.Activity {
	return types.Activity{
		ActivityID: id,
		Action:     action,
		Actor:      "reviewer-1",
		SubjectID:  subjectID,
		At:         At,
	}
}

// Seed stores both fixture submissions and the fixture reason codes.
func Seed(t *testing.T, s ledger.Store) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{SubmissionA, SubmissionB} {
		if err := s.InsertSubmission(ctx, Submission(id)); err != nil {
			t.Fatalf("insert submission %s: %v", id, err)
		}
	}
	for _, rc := range ReasonCodes() {
		if err := s.PutReasonCode(ctx, rc); err != nil {
			t.Fatalf("put reason code %s: %v", rc.Code, err)
		}
	}
}

// Clock returns a clock that advances one minute per call.
func Clock() func() time.Time {
	var mu sync.Mutex
	next := At
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(time.Minute)
		return now
	}
}

// IDs returns a deterministic decision id generator.
func IDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("dec_%04d", n)
	}
}

func Input(submissionID string, typ types.DecisionType, reason string) ledger.DecisionInput {
	tier := types.TierInitial
	if typ != types.DecisionNeedsReview {
		tier = types.TierFinal
	}
	return ledger.DecisionInput{
		SubmissionID:  submissionID,
		Type:          typ,
		ReasonCode:    reason,
		Justification: "Checked label and packaging photos.",
		DecidedBy:     "reviewer-1",
		Tier:          tier,
	}
}
