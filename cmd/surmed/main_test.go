package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/davidahmann/surmed/internal/config"
	"github.com/davidahmann/surmed/internal/eligibility"
	"github.com/davidahmann/surmed/internal/intake"
	"github.com/davidahmann/surmed/internal/ledger"
	"github.com/davidahmann/surmed/internal/ledger/sqlstore"
	"github.com/davidahmann/surmed/internal/storage"
	"github.com/davidahmann/surmed/pkg/types"
)

const rulesPath = "../../rules/surmed.yaml"

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"surmed"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRunUsage(t *testing.T) {
	cases := [][]string{
		nil,
		{"bogus"},
		{"rules", "lint"},
		{"verify", "--no-such-flag"},
		{"evaluate"},
		{"verify"},
	}
	for _, args := range cases {
		code, _, stderr := runCLI(t, args...)
		if code != 2 {
			t.Fatalf("%v: expected code 2, got %d (%s)", args, code, stderr)
		}
	}
}

func TestHelp(t *testing.T) {
	code, stdout, _ := runCLI(t, "--help")
	if code != 0 {
		t.Fatalf("expected code 0, got %d", code)
	}
	for _, sub := range []string{"rules", "evaluate", "verify", "export", "seed", "activity"} {
		if !strings.Contains(stdout, sub) {
			t.Fatalf("help does not mention %s: %s", sub, stdout)
		}
	}
}

func TestRulesLint(t *testing.T) {
	code, stdout, stderr := runCLI(t, "rules", "lint", rulesPath)
	if code != 0 {
		t.Fatalf("expected code 0, got %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "rule_set_id=surmed-default") || !strings.Contains(stdout, "active=5") || !strings.Contains(stdout, "hash=sha256:") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}

	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.yaml", "rule_set_id: x\nversion: \"1\"\nrules:\n  - id: r\n    name: R\n    category: astrology\n")
	if code, _, _ := runCLI(t, "rules", "lint", bad); code != 1 {
		t.Fatalf("expected code 1 for invalid rule set, got %d", code)
	}
	if code, _, _ := runCLI(t, "rules", "lint", filepath.Join(dir, "missing.yaml")); code != 1 {
		t.Fatalf("expected code 1 for missing file, got %d", code)
	}
}

func TestEvaluate(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.json", `{"name":"Gauze pads","category":"wound_care","quantity":40,"unit":"packs","expiry_date":"2027-08-01","packaging_status":"sealed_unopened","storage_condition":"controlled","evidence":[{"type":"photo_label","filename":"label.jpg","content_hash":"sha256:`+strings.Repeat("ab", 32)+`"}]}`)
	expired := writeFile(t, dir, "expired.json", `{"name":"Saline","category":"other_supplies","quantity":5,"expiry_date":"2026-09-01","packaging_status":"sealed_unopened"}`)

	code, stdout, stderr := runCLI(t, "evaluate", "--rules", rulesPath, "--at", "2026-10-01", good, expired)
	if code != 0 {
		t.Fatalf("expected code 0, got %d: %s", code, stderr)
	}
	var assessments []types.Assessment
	if err := json.Unmarshal([]byte(stdout), &assessments); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(assessments) != 2 {
		t.Fatalf("expected 2 assessments, got %d", len(assessments))
	}
	if assessments[0].Outcome != types.OutcomeEligible || assessments[0].DaysUntilExpiry != 304 {
		t.Fatalf("unexpected first assessment: %+v", assessments[0])
	}
	if assessments[1].Outcome != types.OutcomeIneligible {
		t.Fatalf("expected expired item to be ineligible, got %s", assessments[1].Outcome)
	}

	if code, _, _ := runCLI(t, "evaluate", "--rules", rulesPath, "--at", "01/10/2026", good); code != 2 {
		t.Fatalf("expected code 2 for bad --at, got %d", code)
	}
	invalid := writeFile(t, dir, "invalid.json", `{"name":"","category":"ppe"}`)
	if code, _, _ := runCLI(t, "evaluate", "--rules", rulesPath, invalid); code != 1 {
		t.Fatalf("expected code 1 for invalid submission, got %d", code)
	}
}

// appendDecision records one submission and one decision directly in the
// sqlite store at dsn.
func appendDecision(t *testing.T, dsn string) types.Decision {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(config.DBConfig{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	at := time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC)
	sub, err := intake.Build("SUP-20261001-0000CAFE", intake.Request{
		Name: "Exam gloves", Category: "ppe", Quantity: 10, ExpiryDate: "2027-08-01", Packaging: types.PackagingSealed,
	}, "donor-1", at)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := store.InsertSubmission(ctx, sub); err != nil {
		t.Fatalf("insert: %v", err)
	}
	loaded, err := eligibility.LoadRuleSet(rulesPath)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	a, err := eligibility.Evaluate(sub, loaded.RuleSet, at)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	d, err := ledger.New(store, ledger.WithClock(func() time.Time { return at })).Append(ctx, ledger.DecisionInput{
		SubmissionID:  sub.SubmissionID,
		Type:          types.DecisionNeedsReview,
		ReasonCode:    "rev-001",
		Justification: "No photos attached.",
		DecidedBy:     "reviewer-1",
		Tier:          types.TierInitial,
	}, a)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return d
}

func TestSeedVerifyExport(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "surmed.db")
	db := []string{"--driver", "sqlite", "--dsn", dsn}

	code, stdout, stderr := runCLI(t, append([]string{"seed"}, db...)...)
	if code != 0 || !strings.Contains(stdout, "seeded 13 of 13") {
		t.Fatalf("seed: code %d stdout %q stderr %q", code, stdout, stderr)
	}
	if _, stdout, _ = runCLI(t, append([]string{"seed"}, db...)...); !strings.Contains(stdout, "seeded 0 of 13") {
		t.Fatalf("second seed: %q", stdout)
	}

	code, stdout, _ = runCLI(t, append([]string{"verify"}, db...)...)
	if code != 0 || !strings.Contains(stdout, "ok entries=0 tail="+ledger.GenesisHash) {
		t.Fatalf("verify empty: code %d stdout %q", code, stdout)
	}

	d := appendDecision(t, dsn)

	code, stdout, _ = runCLI(t, append([]string{"verify"}, db...)...)
	if code != 0 || !strings.Contains(stdout, "ok entries=1 tail="+d.Hash) {
		t.Fatalf("verify: code %d stdout %q", code, stdout)
	}

	code, stdout, stderr = runCLI(t, append([]string{"export", "--format", "csv"}, db...)...)
	if code != 0 {
		t.Fatalf("export csv: %d %s", code, stderr)
	}
	if !strings.Contains(stdout, d.DecisionID) || !strings.Contains(stdout, "Exam gloves") {
		t.Fatalf("unexpected csv: %q", stdout)
	}

	keyPath := writeFile(t, dir, "audit.key", "hex:"+hex.EncodeToString(bytes.Repeat([]byte{9}, 32)))
	zipPath := filepath.Join(dir, "bundle.zip")
	code, _, stderr = runCLI(t, append([]string{"export", "--format", "zip", "-o", zipPath, "--key-id", "audit", "--key", keyPath}, db...)...)
	if code != 0 {
		t.Fatalf("export zip: %d %s", code, stderr)
	}
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer reader.Close()
	names := map[string]bool{}
	for _, f := range reader.File {
		names[f.Name] = true
	}
	for _, want := range []string{"decisions.csv", "report.pdf", "checkpoint.json", "manifest.json"} {
		if !names[want] {
			t.Fatalf("bundle missing %s", want)
		}
	}

	code, stdout, stderr = runCLI(t, append([]string{"export", "--search", "no such item", "--actor", "auditor-2"}, db...)...)
	if code != 0 || strings.Contains(stdout, d.DecisionID) {
		t.Fatalf("searched export: code %d stdout %q stderr %q", code, stdout, stderr)
	}

	code, stdout, stderr = runCLI(t, append([]string{"activity", "--action", "export_generated"}, db...)...)
	if code != 0 {
		t.Fatalf("activity: %d %s", code, stderr)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 export entries, got %q", stdout)
	}
	var last types.Activity
	if err := json.Unmarshal([]byte(lines[2]), &last); err != nil {
		t.Fatalf("decode activity: %v", err)
	}
	if last.Actor != "auditor-2" || last.Details["rows"] != "0" || last.Details["filter"] != "search=no such item" {
		t.Fatalf("unexpected export activity: %+v", last)
	}

	if code, _, _ := runCLI(t, append([]string{"export", "--format", "xml"}, db...)...); code != 2 {
		t.Fatalf("expected code 2 for bad format, got %d", code)
	}
	if code, _, _ := runCLI(t, append([]string{"export", "--from", "last week"}, db...)...); code != 2 {
		t.Fatalf("expected code 2 for bad filter, got %d", code)
	}
	if code, _, _ := runCLI(t, append([]string{"export", "--key-id", "audit"}, db...)...); code != 2 {
		t.Fatalf("expected code 2 for key id without key, got %d", code)
	}
}

func TestVerifyAndExportRefuseTamperedChain(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "surmed.db")
	db := []string{"--driver", "sqlite", "--dsn", dsn}

	if code, _, stderr := runCLI(t, append([]string{"seed"}, db...)...); code != 0 {
		t.Fatalf("seed: %s", stderr)
	}
	appendDecision(t, dsn)

	raw, err := sqlstore.OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, stmt := range []string{
		`DROP TRIGGER decisions_no_update`,
		`UPDATE decisions SET justification = 'Looks fine.' WHERE seq = 1`,
	} {
		if _, err := raw.DB().Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	code, _, stderr := runCLI(t, append([]string{"verify"}, db...)...)
	if code != 1 || !strings.Contains(stderr, "chain divergence at index 0") {
		t.Fatalf("verify: code %d stderr %q", code, stderr)
	}

	code, stdout, _ := runCLI(t, append([]string{"verify", "--json"}, db...)...)
	var res ledger.VerifyResult
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if code != 1 || res.Valid || res.FirstInvalidIndex != 0 {
		t.Fatalf("verify --json: code %d result %+v", code, res)
	}

	code, stdout, _ = runCLI(t, append([]string{"export"}, db...)...)
	if code != 1 || stdout != "" {
		t.Fatalf("export: expected refusal with no output, got code %d stdout %q", code, stdout)
	}
}

func TestMainExitCode(t *testing.T) {
	oldExit := exitFn
	oldArgs := os.Args
	defer func() {
		exitFn = oldExit
		os.Args = oldArgs
	}()

	got := -1
	exitFn = func(code int) { got = code }
	os.Args = []string{"surmed", "rules", "lint", rulesPath}
	main()
	if got != 0 {
		t.Fatalf("expected exit 0, got %d", got)
	}
}
