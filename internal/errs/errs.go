// Package errs holds the error kinds shared by the evaluator, the ledger and
// the transport layers, plus wrapping and slog helpers.
package errs

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrForbidden     = errors.New("forbidden")
)

// ValidationError reports caller input that cannot be processed as given.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// ConfigurationError reports an inconsistent rule set. It is surfaced to an
// administrator rather than the submitter.
type ConfigurationError struct {
	RuleID string
	Msg    string
}

func (e *ConfigurationError) Error() string {
	if e.RuleID == "" {
		return "configuration: " + e.Msg
	}
	return fmt.Sprintf("configuration: rule %s: %s", e.RuleID, e.Msg)
}

// Misconfigured builds a ConfigurationError for ruleID.
func Misconfigured(ruleID, format string, args ...any) error {
	return &ConfigurationError{RuleID: ruleID, Msg: fmt.Sprintf(format, args...)}
}

type IntegrityKind string

const (
	// AppendConflict: the expected chain tail moved. Refetch and retry.
	AppendConflict IntegrityKind = "append_conflict"
	// ChainDivergence: stored entries no longer hash to the recorded chain.
	ChainDivergence IntegrityKind = "chain_divergence"
	// CustodyMismatch: a stored submission no longer matches its custody hash.
	CustodyMismatch IntegrityKind = "custody_mismatch"
)

// IntegrityError reports a ledger chain problem.
type IntegrityError struct {
	Kind     IntegrityKind
	Index    int
	Expected string
	Found    string
	Msg      string
}

func (e *IntegrityError) Error() string {
	switch e.Kind {
	case AppendConflict:
		return fmt.Sprintf("integrity: append conflict: expected tail %s, found %s", e.Expected, e.Found)
	case CustodyMismatch:
		return fmt.Sprintf("integrity: custody hash mismatch for %s: expected %s, found %s", e.Msg, e.Expected, e.Found)
	default:
		msg := fmt.Sprintf("integrity: chain divergence at index %d: expected %s, found %s", e.Index, e.Expected, e.Found)
		if e.Msg != "" {
			msg += " (" + e.Msg + ")"
		}
		return msg
	}
}

// Conflict builds an append-conflict IntegrityError.
func Conflict(expected, found string) error {
	return &IntegrityError{Kind: AppendConflict, Index: -1, Expected: expected, Found: found}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

func IsIntegrity(err error) bool {
	var target *IntegrityError
	return errors.As(err, &target)
}

// IsConflict reports whether err is a retryable append conflict.
func IsConflict(err error) bool {
	var target *IntegrityError
	return errors.As(err, &target) && target.Kind == AppendConflict
}

// Wrap adds context and preserves the error chain.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf adds formatted context and preserves the error chain.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	args = append(args, err)
	return fmt.Errorf(format+": %w", args...)
}

type loggable struct{ err error }

// Loggable makes slog encode err as a group with its unwrap chain.
// Usage: logger.Error("append failed", slog.Any("err", errs.Loggable(err)))
func Loggable(err error) slog.LogValuer { return loggable{err: err} }

func (l loggable) LogValue() slog.Value {
	if l.err == nil {
		return slog.GroupValue()
	}
	attrs := []slog.Attr{
		slog.String("message", l.err.Error()),
		slog.Any("chain", Chain(l.err)),
	}
	var ie *IntegrityError
	if errors.As(l.err, &ie) {
		attrs = append(attrs, slog.String("integrity_kind", string(ie.Kind)))
	}
	return slog.GroupValue(attrs...)
}

// Chain returns the unwrap chain as strings, outermost first.
func Chain(err error) []string {
	var out []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		out = append(out, e.Error())
	}
	return out
}
