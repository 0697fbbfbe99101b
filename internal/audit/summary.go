package audit

import (
	"time"

	"github.com/davidahmann/surmed/internal/ledger"
	"github.com/davidahmann/surmed/pkg/types"
)

type Summary struct {
	Entries     int                 `json:"entries"`
	Submissions int                 `json:"submissions"`
	ByType      map[string]int      `json:"by_type"`
	ByTier      map[string]int      `json:"by_tier"`
	ByOutcome   map[string]int      `json:"by_outcome"`
	Grades      map[string]int      `json:"grades"`
	Divergent   int                 `json:"divergent"`
	FirstAt     string              `json:"first_decided_at,omitempty"`
	LastAt      string              `json:"last_decided_at,omitempty"`
	Chain       ledger.VerifyResult `json:"chain"`
}

// Summarize tallies entries. chain is the verification of the same entries
// and is reported as given.
func Summarize(entries []types.Decision, chain ledger.VerifyResult) Summary {
	s := Summary{
		Entries:   len(entries),
		ByType:    map[string]int{},
		ByTier:    map[string]int{},
		ByOutcome: map[string]int{},
		Grades:    map[string]int{},
		Chain:     chain,
	}
	submissions := map[string]struct{}{}
	var first, last time.Time
	for _, d := range entries {
		submissions[d.SubmissionID] = struct{}{}
		s.ByType[string(d.Type)]++
		s.ByTier[string(d.Tier)]++
		s.ByOutcome[string(d.Assessment.Outcome)]++
		s.Grades[Grade(d).Grade]++
		if Divergent(d) {
			s.Divergent++
		}
		if first.IsZero() || d.DecidedAt.Before(first) {
			first = d.DecidedAt
		}
		if d.DecidedAt.After(last) {
			last = d.DecidedAt
		}
	}
	s.Submissions = len(submissions)
	if !first.IsZero() {
		s.FirstAt = first.UTC().Format(time.RFC3339)
		s.LastAt = last.UTC().Format(time.RFC3339)
	}
	return s
}
