package export

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/go-pdf/fpdf"
)

const (
	reportTitle  = "Surmed Audit Report"
	rowHeight    = 6.0
	bottomMargin = 15.0
	itemMaxRunes = 30
)

type column struct {
	title string
	width float64
}

// Landscape A4 with 10mm side margins leaves 277mm.
var reportColumns = []column{
	{"Date", 36},
	{"Submission", 50},
	{"Item", 55},
	{"Decision", 28},
	{"Reason", 22},
	{"Decided By", 38},
	{"Tier", 18},
	{"Outcome", 30},
}

// WritePDF renders a tabular audit report of the matching decisions.
func WritePDF(w io.Writer, in Input) (err error) {
	defer func() { record(FormatPDF, err) }()
	p, err := prepare(in)
	if err != nil {
		return err
	}
	return writePDF(w, p)
}

func writePDF(w io.Writer, p prepared) error {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetTitle(reportTitle, false)
	pdf.SetCreator("surmed", false)
	pdf.SetCreationDate(p.GeneratedAt)
	pdf.SetMargins(10, 12, 10)
	pdf.SetAutoPageBreak(false, bottomMargin)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, reportTitle, "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	meta := []string{
		"Generated: " + p.GeneratedAt.Format(time.RFC3339),
		fmt.Sprintf("Total Records: %d of %d", len(p.rows), len(p.Entries)),
		fmt.Sprintf("Chain: verified %d entries, tail %s", p.chain.Checked, p.tail().Hash),
	}
	if f := p.Filter.Describe(); f != "" {
		meta = append(meta, "Filter: "+f)
	}
	for _, line := range meta {
		pdf.CellFormat(0, 5, tr(line), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	header := func() {
		pdf.SetFont("Helvetica", "B", 9)
		pdf.SetFillColor(220, 220, 220)
		for _, c := range reportColumns {
			pdf.CellFormat(c.width, rowHeight+1, c.title, "1", 0, "L", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Helvetica", "", 8)
	}
	header()

	_, pageHeight := pdf.GetPageSize()
	for _, d := range p.rows {
		if pdf.GetY()+rowHeight > pageHeight-bottomMargin {
			pdf.AddPage()
			header()
		}
		cells := []string{
			d.DecidedAt.UTC().Format("2006-01-02 15:04"),
			d.SubmissionID,
			truncate(p.itemName(d.SubmissionID), itemMaxRunes),
			string(d.Type),
			d.ReasonCode,
			d.DecidedBy,
			string(d.Tier),
			string(d.Assessment.Outcome),
		}
		for i, c := range reportColumns {
			pdf.CellFormat(c.width, rowHeight, tr(cells[i]), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}
	if len(p.rows) == 0 {
		pdf.CellFormat(0, rowHeight, "No decisions match.", "", 1, "L", false, 0, "")
	}
	return pdf.Output(w)
}

func renderPDF(p prepared) ([]byte, error) {
	var buf bytes.Buffer
	if err := writePDF(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
