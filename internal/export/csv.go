package export

import (
	"bytes"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/davidahmann/surmed/pkg/types"
)

var csvHeader = []string{
	"decided_at",
	"seq",
	"decision_id",
	"submission_id",
	"item_name",
	"decision_type",
	"reason_code",
	"decided_by",
	"tier",
	"eligibility_outcome",
	"days_until_expiry",
	"failed_rules",
	"advisory_rules",
	"rule_set_hash",
	"justification",
	"notes",
	"previous_hash",
	"this_hash",
}

// WriteCSV writes one row per matching decision with every field flattened.
func WriteCSV(w io.Writer, in Input) (err error) {
	defer func() { record(FormatCSV, err) }()
	p, err := prepare(in)
	if err != nil {
		return err
	}
	return writeCSV(w, p)
}

func writeCSV(w io.Writer, p prepared) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, d := range p.rows {
		a := d.Assessment
		row := []string{
			d.DecidedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(d.Seq, 10),
			d.DecisionID,
			d.SubmissionID,
			csvText(p.itemName(d.SubmissionID)),
			string(d.Type),
			csvText(d.ReasonCode),
			csvText(d.DecidedBy),
			string(d.Tier),
			string(a.Outcome),
			strconv.FormatInt(a.DaysUntilExpiry, 10),
			ruleIDs(a.Failures()),
			ruleIDs(a.Advisories()),
			a.RuleSetHash,
			csvText(d.Justification),
			csvText(d.Notes),
			d.PreviousHash,
			d.Hash,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func renderCSV(p prepared) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCSV(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ruleIDs(results []types.RuleResult) string {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.RuleID)
	}
	return strings.Join(ids, ";")
}

// csvText keeps spreadsheet applications from evaluating free text as a
// formula. The original text is recoverable by dropping the leading quote.
func csvText(s string) string {
	if s != "" && strings.ContainsRune("=+-@\t\r", rune(s[0])) {
		return "'" + s
	}
	return s
}
