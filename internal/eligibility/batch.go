package eligibility

import (
	"context"
	"time"

	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/pkg/types"
	"golang.org/x/sync/errgroup"
)

// EvaluateAll evaluates subs concurrently against one snapshot and returns
// assessments in input order. The first failure cancels the rest.
func EvaluateAll(ctx context.Context, subs []types.Submission, rs RuleSet, at time.Time) ([]types.Assessment, error) {
	if err := Check(rs); err != nil {
		return nil, err
	}

	out := make([]types.Assessment, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	for i := range subs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a, err := Evaluate(subs[i], rs, at)
			if err != nil {
				return errs.Wrapf(err, "submission %d (%s)", i, subs[i].SubmissionID)
			}
			out[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
