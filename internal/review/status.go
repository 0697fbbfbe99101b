package review

import "github.com/davidahmann/surmed/pkg/types"

type SupplyStatus string

const (
	StatusPendingInitial SupplyStatus = "pending_initial"
	StatusPendingFinal   SupplyStatus = "pending_final"
	StatusAccepted       SupplyStatus = "accepted"
	StatusNeedsReview    SupplyStatus = "needs_review"
	StatusRejected       SupplyStatus = "rejected"
)

// StatusOf derives where a submission stands from its decision history,
// oldest first. An initial accept still awaits a final decision.
func StatusOf(history []types.Decision) SupplyStatus {
	if len(history) == 0 {
		return StatusPendingInitial
	}
	latest := history[len(history)-1]
	switch latest.Type {
	case types.DecisionAccept:
		if latest.Tier == types.TierInitial {
			return StatusPendingFinal
		}
		return StatusAccepted
	case types.DecisionReject:
		return StatusRejected
	default:
		return StatusNeedsReview
	}
}
