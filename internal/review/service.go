// Package review runs the reviewer workflow: intake, assessment, decisions
// and ledger inspection. It is the only place that enforces who may record
// which tier.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidahmann/surmed/internal/audit"
	"github.com/davidahmann/surmed/internal/eligibility"
	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/internal/export"
	"github.com/davidahmann/surmed/internal/intake"
	"github.com/davidahmann/surmed/internal/ledger"
	"github.com/davidahmann/surmed/internal/metrics"
	"github.com/davidahmann/surmed/pkg/types"
)

const defaultAppendAttempts = 5

var tracer = otel.Tracer("surmed.review")

// DecisionRequest is a reviewer's decision on one submission. The acting
// identity comes from the authenticated caller, never from the request.
type DecisionRequest struct {
	Type          types.DecisionType `json:"decision_type"`
	ReasonCode    string             `json:"reason_code"`
	Justification string             `json:"justification"`
	Notes         string             `json:"notes,omitempty"`
	Tier          types.Tier         `json:"tier"`
	ExpectedTail  string             `json:"expected_previous_hash,omitempty"`
}

type Service struct {
	ledger *ledger.Ledger
	store  ledger.Store
	rules  eligibility.Source
	logger *slog.Logger

	now          func() time.Time
	submissionID func(time.Time) string
	activityID   func() string
	maxAttempts  int
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithSubmissionIDs(fn func(time.Time) string) Option {
	return func(s *Service) { s.submissionID = fn }
}

func WithActivityIDs(fn func() string) Option {
	return func(s *Service) { s.activityID = fn }
}

// WithMaxAppendAttempts bounds how often Decide re-reads the tail after
// losing an append race. Values below one mean one attempt.
func WithMaxAppendAttempts(n int) Option {
	return func(s *Service) { s.maxAttempts = n }
}

func New(l *ledger.Ledger, rules eligibility.Source, opts ...Option) *Service {
	s := &Service{
		ledger:       l,
		store:        l.Store(),
		rules:        rules,
		logger:       slog.Default(),
		now:          time.Now,
		submissionID: intake.NewSubmissionID,
		activityID:   func() string { return "act_" + uuid.NewString() },
		maxAttempts:  defaultAppendAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}
	return s
}

// Submit records a new supply submission for submitter together with its
// supply_submitted activity.
func (s *Service) Submit(ctx context.Context, req intake.Request, submitter types.Actor) (types.Submission, error) {
	ctx, span := tracer.Start(ctx, "review.Submit")
	defer span.End()

	now := s.now()
	sub, err := intake.Build(s.submissionID(now), req, submitter.ID, now)
	if err != nil {
		return types.Submission{}, fail(span, err)
	}
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertSubmission(sub); err != nil {
			return err
		}
		return tx.AppendActivity(s.activity(types.ActivitySupplySubmitted, submitter.ID, sub.SubmissionID, map[string]string{
			"name":     sub.Name,
			"category": sub.Category,
		}))
	})
	if err != nil {
		return types.Submission{}, fail(span, err)
	}
	span.SetAttributes(attribute.String("surmed.submission_id", sub.SubmissionID))
	s.logger.Info("submission recorded",
		slog.String("submission_id", sub.SubmissionID),
		slog.String("category", sub.Category),
		slog.String("submitted_by", sub.SubmittedBy))
	return sub, nil
}

func (s *Service) Get(ctx context.Context, submissionID string) (types.Submission, error) {
	return s.store.GetSubmission(ctx, submissionID)
}

// Assess evaluates the stored submission against the current rule snapshot.
// Nothing is recorded.
func (s *Service) Assess(ctx context.Context, submissionID string) (types.Assessment, error) {
	ctx, span := tracer.Start(ctx, "review.Assess", trace.WithAttributes(attribute.String("surmed.submission_id", submissionID)))
	defer span.End()

	sub, err := s.loadVerified(ctx, submissionID)
	if err != nil {
		return types.Assessment{}, fail(span, err)
	}
	a, _, err := s.assess(sub)
	if err != nil {
		return types.Assessment{}, fail(span, err)
	}
	span.SetAttributes(attribute.String("surmed.outcome", string(a.Outcome)))
	return a, nil
}

// Decide records a reviewer decision. The assessment is recomputed at
// decision time and embedded in the entry. Losing an append race is retried
// unless the caller pinned the tail it expects.
func (s *Service) Decide(ctx context.Context, submissionID string, req DecisionRequest, actor types.Actor) (types.Decision, error) {
	ctx, span := tracer.Start(ctx, "review.Decide", trace.WithAttributes(
		attribute.String("surmed.submission_id", submissionID),
		attribute.String("surmed.decision_type", string(req.Type)),
		attribute.String("surmed.tier", string(req.Tier)),
	))
	defer span.End()
	start := time.Now()

	if actor.ID == "" {
		return types.Decision{}, fail(span, errs.Invalid("decided_by", "is required"))
	}
	if req.Tier == types.TierFinal && !actor.Staff {
		return types.Decision{}, fail(span, errs.Wrapf(errs.ErrForbidden, "final decisions require staff, %s is not", actor.ID))
	}

	in := ledger.DecisionInput{
		SubmissionID:  submissionID,
		Type:          req.Type,
		ReasonCode:    req.ReasonCode,
		Justification: req.Justification,
		Notes:         req.Notes,
		DecidedBy:     actor.ID,
		Tier:          req.Tier,
		ExpectedTail:  req.ExpectedTail,
	}

	for attempt := 1; ; attempt++ {
		d, err := s.decideOnce(ctx, in)
		if err == nil {
			metrics.Decision(string(d.Type), string(d.Tier))
			metrics.AppendSeconds(time.Since(start).Seconds())
			span.SetAttributes(attribute.Int64("surmed.seq", d.Seq), attribute.Int("surmed.attempts", attempt))
			s.logger.Info("decision appended",
				slog.String("decision_id", d.DecisionID),
				slog.String("submission_id", d.SubmissionID),
				slog.String("decision_type", string(d.Type)),
				slog.String("tier", string(d.Tier)),
				slog.Int64("seq", d.Seq),
				slog.String("this_hash", d.Hash))
			return d, nil
		}
		if !errs.IsConflict(err) {
			return types.Decision{}, fail(span, err)
		}
		metrics.AppendConflict()
		if in.ExpectedTail != "" || attempt >= s.maxAttempts {
			s.logger.Warn("decision append conflict",
				slog.String("submission_id", submissionID),
				slog.Int("attempt", attempt),
				slog.Any("err", errs.Loggable(err)))
			return types.Decision{}, fail(span, err)
		}
		s.logger.Debug("append lost race, retrying", slog.String("submission_id", submissionID), slog.Int("attempt", attempt))
	}
}

func (s *Service) decideOnce(ctx context.Context, in ledger.DecisionInput) (types.Decision, error) {
	sub, err := s.loadVerified(ctx, in.SubmissionID)
	if err != nil {
		return types.Decision{}, err
	}
	if err := s.checkReasonCode(ctx, in.ReasonCode, in.Type); err != nil {
		return types.Decision{}, err
	}

	a, rs, err := s.assess(sub)
	if err != nil {
		return types.Decision{}, err
	}
	rec, err := s.ruleSetRecord(rs, a.RuleSetHash)
	if err != nil {
		return types.Decision{}, err
	}
	// The rule set and the activity entry commit or roll back with the
	// decision itself.
	return s.ledger.AppendWith(ctx, in, a, func(tx ledger.Tx, d types.Decision) error {
		if err := tx.PutRuleSet(rec); err != nil {
			return err
		}
		return tx.AppendActivity(s.activity(types.ActivityDecisionMade, d.DecidedBy, d.SubmissionID, map[string]string{
			"decision_id":   d.DecisionID,
			"decision_type": string(d.Type),
			"tier":          string(d.Tier),
			"reason_code":   d.ReasonCode,
		}))
	})
}

func (s *Service) loadVerified(ctx context.Context, submissionID string) (types.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return types.Submission{}, err
	}
	if err := intake.VerifyCustody(sub); err != nil {
		s.logger.Error("submission custody check failed",
			slog.String("submission_id", submissionID),
			slog.Any("err", errs.Loggable(err)))
		return types.Submission{}, err
	}
	return sub, nil
}

func (s *Service) checkReasonCode(ctx context.Context, reasonCodeID string, t types.DecisionType) error {
	if reasonCodeID == "" {
		return errs.Invalid("reason_code", "is required")
	}
	rc, err := s.store.GetReasonCode(ctx, reasonCodeID)
	if errors.Is(err, errs.ErrNotFound) {
		return errs.Invalid("reason_code", "unknown reason code %q", reasonCodeID)
	}
	if err != nil {
		return err
	}
	if !rc.Active {
		return errs.Invalid("reason_code", "%s is retired", rc.Code)
	}
	if !rc.Category.Allows(t) {
		return errs.Invalid("reason_code", "%s is a %s code and cannot justify %s", rc.Code, rc.Category, t)
	}
	return nil
}

func (s *Service) assess(sub types.Submission) (types.Assessment, eligibility.RuleSet, error) {
	rs := s.rules.Snapshot()
	a, err := eligibility.Evaluate(sub, rs, s.now())
	if err != nil {
		metrics.Assessment("error")
		if errs.IsConfiguration(err) {
			s.logger.Error("rule set misconfigured", slog.String("rule_set_id", rs.RuleSetID), slog.Any("err", errs.Loggable(err)))
		}
		return types.Assessment{}, eligibility.RuleSet{}, err
	}
	metrics.Assessment(string(a.Outcome))
	return a, rs, nil
}

// ruleSetRecord keeps the rule set an assessment was made under, addressed
// by hash, so an auditor can re-derive any stored assessment.
func (s *Service) ruleSetRecord(rs eligibility.RuleSet, hash string) (ledger.RuleSetRecord, error) {
	body, err := json.Marshal(rs)
	if err != nil {
		return ledger.RuleSetRecord{}, errs.Wrap(err, "encode rule set")
	}
	return ledger.RuleSetRecord{
		RuleSetHash: hash,
		RuleSetID:   rs.RuleSetID,
		Version:     rs.Version,
		BodyJSON:    body,
		CreatedAt:   s.now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Service) activity(action types.ActivityAction, actor, subjectID string, details map[string]string) types.Activity {
	return types.Activity{
		ActivityID: s.activityID(),
		Action:     action,
		Actor:      actor,
		SubjectID:  subjectID,
		Details:    details,
		At:         s.now().UTC(),
	}
}

// RecordExport logs that actor generated an export of rows decisions.
func (s *Service) RecordExport(ctx context.Context, actor types.Actor, format string, filter export.Filter, rows int) error {
	a := export.ActivityFor(s.activityID(), actor.ID, format, filter, rows, s.now())
	if err := s.store.AppendActivity(ctx, a); err != nil {
		s.logger.Error("recording export failed", slog.String("actor", actor.ID), slog.Any("err", errs.Loggable(err)))
		return err
	}
	return nil
}

// Activity returns the operational log, oldest first.
func (s *Service) Activity(ctx context.Context) ([]types.Activity, error) {
	return s.store.ListActivity(ctx)
}

// History returns the decisions for an existing submission in append order.
func (s *Service) History(ctx context.Context, submissionID string) ([]types.Decision, error) {
	if _, err := s.store.GetSubmission(ctx, submissionID); err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, submissionID)
}

func (s *Service) Status(ctx context.Context, submissionID string) (SupplyStatus, error) {
	history, err := s.History(ctx, submissionID)
	if err != nil {
		return "", err
	}
	return StatusOf(history), nil
}

func (s *Service) ReasonCodes(ctx context.Context) ([]types.ReasonCode, error) {
	return s.store.ListReasonCodes(ctx)
}

// Verify walks the whole chain and logs any divergence.
func (s *Service) Verify(ctx context.Context) (ledger.VerifyResult, error) {
	ctx, span := tracer.Start(ctx, "review.Verify")
	defer span.End()

	res, err := s.ledger.Verify(ctx)
	if err != nil {
		return ledger.VerifyResult{}, fail(span, err)
	}
	metrics.Verification(res.Valid)
	span.SetAttributes(attribute.Bool("surmed.valid", res.Valid), attribute.Int("surmed.checked", res.Checked))
	if !res.Valid {
		span.SetStatus(codes.Error, res.Reason)
		s.logger.Error("ledger verification failed",
			slog.Int("first_invalid_index", res.FirstInvalidIndex),
			slog.String("expected", res.ExpectedHash),
			slog.String("found", res.FoundHash),
			slog.String("reason", res.Reason))
	}
	return res, nil
}

// Summary tallies the ledger and carries the verification of the same
// entries.
func (s *Service) Summary(ctx context.Context) (audit.Summary, error) {
	entries, err := s.ledger.Entries(ctx)
	if err != nil {
		return audit.Summary{}, err
	}
	chain := ledger.Verify(entries)
	metrics.Verification(chain.Valid)
	return audit.Summarize(entries, chain), nil
}

// Entries returns the whole chain in append order.
func (s *Service) Entries(ctx context.Context) ([]types.Decision, error) {
	return s.ledger.Entries(ctx)
}

// ExportInput gathers the whole chain and the submissions it references.
// The caller renders it and may attach a signer.
func (s *Service) ExportInput(ctx context.Context, filter export.Filter) (export.Input, error) {
	if err := filter.Validate(); err != nil {
		return export.Input{}, err
	}
	entries, err := s.ledger.Entries(ctx)
	if err != nil {
		return export.Input{}, err
	}
	subs, err := s.store.ListSubmissions(ctx)
	if err != nil {
		return export.Input{}, err
	}
	byID := make(map[string]types.Submission, len(subs))
	for _, sub := range subs {
		byID[sub.SubmissionID] = sub
	}
	return export.Input{Entries: entries, Submissions: byID, Filter: filter, GeneratedAt: s.now()}, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
