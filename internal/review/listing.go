package review

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/pkg/types"
)

// SubmissionQuery selects submissions for the review queue. Empty fields
// match everything. Search is a case-insensitive substring of the name,
// description, submission id or batch number.
type SubmissionQuery struct {
	Status   SupplyStatus
	Category string
	Search   string
}

type SubmissionSummary struct {
	Submission types.Submission `json:"submission"`
	Status     SupplyStatus     `json:"status"`
	Decisions  int              `json:"decisions"`
}

func (s SupplyStatus) Valid() bool {
	switch s {
	case StatusPendingInitial, StatusPendingFinal, StatusAccepted, StatusNeedsReview, StatusRejected:
		return true
	}
	return false
}

// ListSubmissions returns the submissions matching q, newest first, each with
// the status its decision history implies.
func (s *Service) ListSubmissions(ctx context.Context, q SubmissionQuery) ([]SubmissionSummary, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, errs.Invalid("status", "unknown status %q", q.Status)
	}
	subs, err := s.store.ListSubmissions(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.Entries(ctx)
	if err != nil {
		return nil, err
	}
	history := make(map[string][]types.Decision)
	for _, d := range entries {
		history[d.SubmissionID] = append(history[d.SubmissionID], d)
	}

	fold := cases.Fold()
	category := strings.ToLower(strings.TrimSpace(q.Category))
	needle := fold.String(norm.NFC.String(strings.TrimSpace(q.Search)))
	out := []SubmissionSummary{}
	for _, sub := range subs {
		if category != "" && sub.Category != category {
			continue
		}
		if needle != "" && !containsFolded(fold, needle, sub.Name, sub.Description, sub.SubmissionID, sub.BatchNumber) {
			continue
		}
		h := history[sub.SubmissionID]
		status := StatusOf(h)
		if q.Status != "" && status != q.Status {
			continue
		}
		out = append(out, SubmissionSummary{Submission: sub, Status: status, Decisions: len(h)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Submission.SubmittedAt.After(out[j].Submission.SubmittedAt)
	})
	return out, nil
}

func containsFolded(fold cases.Caser, needle string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(fold.String(f), needle) {
			return true
		}
	}
	return false
}
