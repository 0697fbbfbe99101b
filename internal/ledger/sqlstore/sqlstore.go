// Package sqlstore implements ledger.Store on SQLite via modernc.org/sqlite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/internal/ledger"
	"github.com/davidahmann/surmed/pkg/types"
)

const pragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

type Store struct {
	db *sql.DB
}

// OpenSQLite opens dsn with foreign keys enforced. The pool is pinned to one
// connection so transactions are serialized and the tail read inside a
// transaction cannot race another writer.
func OpenSQLite(dsn string) (*Store, error) {
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		dsn += sep + pragmas
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(&Tx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) InsertSubmission(ctx context.Context, sub types.Submission) error {
	return s.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertSubmission(sub) })
}

func (s *Store) GetSubmission(ctx context.Context, submissionID string) (types.Submission, error) {
	return getSubmission(ctx, s.db, submissionID)
}

func (s *Store) ListSubmissions(ctx context.Context) ([]types.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body_json FROM submissions ORDER BY submitted_at ASC, submission_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.Submission{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		sub, err := ledger.DecodeSubmission(body)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) PutReasonCode(ctx context.Context, rc types.ReasonCode) error {
	return s.WithTx(ctx, func(tx ledger.Tx) error { return tx.PutReasonCode(rc) })
}

func (s *Store) GetReasonCode(ctx context.Context, reasonCodeID string) (types.ReasonCode, error) {
	return getReasonCode(ctx, s.db, reasonCodeID)
}

func (s *Store) ListReasonCodes(ctx context.Context) ([]types.ReasonCode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reason_code_id, code, category, description, active FROM reason_codes ORDER BY code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.ReasonCode{}
	for rows.Next() {
		var rc types.ReasonCode
		var active int
		if err := rows.Scan(&rc.ReasonCodeID, &rc.Code, &rc.Category, &rc.Description, &active); err != nil {
			return nil, err
		}
		rc.Active = active != 0
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (s *Store) PutRuleSet(ctx context.Context, rec ledger.RuleSetRecord) error {
	return s.WithTx(ctx, func(tx ledger.Tx) error { return tx.PutRuleSet(rec) })
}

func (s *Store) GetRuleSet(ctx context.Context, ruleSetHash string) (ledger.RuleSetRecord, error) {
	var rec ledger.RuleSetRecord
	var body string
	row := s.db.QueryRowContext(ctx, `SELECT rule_set_hash, rule_set_id, version, body_json, created_at FROM rule_set_versions WHERE rule_set_hash = ?`, ruleSetHash)
	if err := row.Scan(&rec.RuleSetHash, &rec.RuleSetID, &rec.Version, &body, &rec.CreatedAt); err != nil {
		return ledger.RuleSetRecord{}, notFound(err, "rule set %s", ruleSetHash)
	}
	rec.BodyJSON = []byte(body)
	return rec, nil
}

func (s *Store) Tail(ctx context.Context) (ledger.Tail, error) {
	return tail(ctx, s.db)
}

func (s *Store) AppendDecision(ctx context.Context, d types.Decision) error {
	return s.WithTx(ctx, func(tx ledger.Tx) error { return tx.AppendDecision(d) })
}

func (s *Store) ListDecisions(ctx context.Context) ([]types.Decision, error) {
	return s.queryDecisions(ctx, `SELECT `+ledger.DecisionColumns+` FROM decisions ORDER BY seq ASC`)
}

func (s *Store) ListDecisionsBySubmission(ctx context.Context, submissionID string) ([]types.Decision, error) {
	return s.queryDecisions(ctx, `SELECT `+ledger.DecisionColumns+` FROM decisions WHERE submission_id = ? ORDER BY seq ASC`, submissionID)
}

func (s *Store) AppendActivity(ctx context.Context, a types.Activity) error {
	return s.WithTx(ctx, func(tx ledger.Tx) error { return tx.AppendActivity(a) })
}

func (s *Store) ListActivity(ctx context.Context) ([]types.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, `+ledger.ActivityColumns+` FROM activity_log ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.Activity{}
	for rows.Next() {
		var row ledger.ActivityRow
		if err := rows.Scan(row.Dest()...); err != nil {
			return nil, err
		}
		a, err := row.Activity()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) queryDecisions(ctx context.Context, query string, args ...any) ([]types.Decision, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.Decision{}
	for rows.Next() {
		var row ledger.DecisionRow
		if err := rows.Scan(row.Dest()...); err != nil {
			return nil, err
		}
		d, err := row.Decision()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Tx wraps one SQLite transaction.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *Tx) InsertSubmission(sub types.Submission) error {
	args, err := ledger.SubmissionArgs(sub)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO submissions (`+ledger.SubmissionColumns+`) VALUES (?, ?, ?, ?, ?, ?)`, args...)
	if isUnique(err) {
		return errs.Wrapf(errs.ErrAlreadyExists, "submission %s", sub.SubmissionID)
	}
	return err
}

func (t *Tx) GetSubmission(submissionID string) (types.Submission, error) {
	return getSubmission(t.ctx, t.tx, submissionID)
}

func (t *Tx) PutReasonCode(rc types.ReasonCode) error {
	active := 0
	if rc.Active {
		active = 1
	}
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO reason_codes (reason_code_id, code, category, description, active)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(reason_code_id) DO UPDATE SET
  code = excluded.code,
  category = excluded.category,
  description = excluded.description,
  active = excluded.active`,
		rc.ReasonCodeID, rc.Code, string(rc.Category), rc.Description, active)
	if isUnique(err) {
		return errs.Wrapf(errs.ErrAlreadyExists, "reason code %s", rc.Code)
	}
	return err
}

func (t *Tx) GetReasonCode(reasonCodeID string) (types.ReasonCode, error) {
	return getReasonCode(t.ctx, t.tx, reasonCodeID)
}

func (t *Tx) PutRuleSet(rec ledger.RuleSetRecord) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO rule_set_versions (rule_set_hash, rule_set_id, version, body_json, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(rule_set_hash) DO NOTHING`,
		rec.RuleSetHash, rec.RuleSetID, rec.Version, string(rec.BodyJSON), rec.CreatedAt)
	return err
}

func (t *Tx) Tail() (ledger.Tail, error) {
	return tail(t.ctx, t.tx)
}

func (t *Tx) AppendDecision(d types.Decision) error {
	current, err := t.Tail()
	if err != nil {
		return err
	}
	if err := ledger.CheckAppend(current, d); err != nil {
		return err
	}
	row, err := ledger.ToDecisionRow(d)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO decisions (`+ledger.DecisionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, row.Args()...)
	switch {
	case err == nil:
		return nil
	case isUnique(err) && strings.Contains(err.Error(), "decisions.decision_id"):
		return errs.Wrapf(errs.ErrAlreadyExists, "decision %s", d.DecisionID)
	case isUnique(err):
		return errs.Conflict(d.PreviousHash, current.Hash)
	case isForeignKey(err):
		return errs.Invalid("decision", "references unknown submission %q or reason code %q", d.SubmissionID, d.ReasonCode)
	default:
		return err
	}
}

func (t *Tx) AppendActivity(a types.Activity) error {
	args, err := ledger.ActivityArgs(a)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO activity_log (`+ledger.ActivityColumns+`) VALUES (?, ?, ?, ?, ?, ?)`, args...)
	if isUnique(err) {
		return errs.Wrapf(errs.ErrAlreadyExists, "activity %s", a.ActivityID)
	}
	return err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSubmission(ctx context.Context, q querier, submissionID string) (types.Submission, error) {
	var body string
	if err := q.QueryRowContext(ctx, `SELECT body_json FROM submissions WHERE submission_id = ?`, submissionID).Scan(&body); err != nil {
		return types.Submission{}, notFound(err, "submission %s", submissionID)
	}
	return ledger.DecodeSubmission(body)
}

func getReasonCode(ctx context.Context, q querier, reasonCodeID string) (types.ReasonCode, error) {
	var rc types.ReasonCode
	var active int
	row := q.QueryRowContext(ctx, `SELECT reason_code_id, code, category, description, active FROM reason_codes WHERE reason_code_id = ?`, reasonCodeID)
	if err := row.Scan(&rc.ReasonCodeID, &rc.Code, &rc.Category, &rc.Description, &active); err != nil {
		return types.ReasonCode{}, notFound(err, "reason code %s", reasonCodeID)
	}
	rc.Active = active != 0
	return rc, nil
}

func tail(ctx context.Context, q querier) (ledger.Tail, error) {
	var t ledger.Tail
	err := q.QueryRowContext(ctx, `SELECT seq, this_hash FROM decisions ORDER BY seq DESC LIMIT 1`).Scan(&t.Seq, &t.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Tail{Seq: 0, Hash: ledger.GenesisHash}, nil
	}
	return t, err
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Wrapf(errs.ErrNotFound, format, args...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// modernc reports constraint failures only through the message text.
func isUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
