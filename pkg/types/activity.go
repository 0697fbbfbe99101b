package types

import "time"

type ActivityAction string

const (
	ActivitySupplySubmitted ActivityAction = "supply_submitted"
	ActivityDecisionMade    ActivityAction = "decision_made"
	ActivityExportGenerated ActivityAction = "export_generated"
	ActivityRuleModified    ActivityAction = "rule_modified"
)

// SystemActor attributes activity that no authenticated caller triggered,
// such as a rule file reload.
const SystemActor = "system"

// Activity is one line of the operational log. It is kept beside the
// decision chain, not in it: entries are append-only but not hash-linked.
type Activity struct {
	Seq        int64             `json:"seq"`
	ActivityID string            `json:"activity_id"`
	Action     ActivityAction    `json:"action"`
	Actor      string            `json:"actor"`
	SubjectID  string            `json:"subject_id,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	At         time.Time         `json:"at"`
}
