// Package metrics registers the Prometheus series exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// assessments counts evaluator runs.
	// Labels: outcome (eligible, conditionally_eligible, ineligible, error)
	assessments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "surmed",
		Subsystem: "eligibility",
		Name:      "assessments_total",
		Help:      "Eligibility assessments by outcome",
	}, []string{"outcome"})

	// decisions counts appended ledger entries.
	// Labels: decision_type, tier
	decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "surmed",
		Subsystem: "ledger",
		Name:      "decisions_total",
		Help:      "Decisions appended to the ledger",
	}, []string{"decision_type", "tier"})

	appendConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "surmed",
		Subsystem: "ledger",
		Name:      "append_conflicts_total",
		Help:      "Appends that lost the race for the chain tail",
	})

	appendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "surmed",
		Subsystem: "ledger",
		Name:      "append_duration_seconds",
		Help:      "Time to assess and append one decision, retries included",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// verifications counts chain walks.
	// Labels: result (valid, diverged)
	verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "surmed",
		Subsystem: "ledger",
		Name:      "verifications_total",
		Help:      "Chain verification runs by result",
	}, []string{"result"})

	// exports counts audit exports.
	// Labels: format (csv, pdf, zip), status (ok, halted, error)
	exports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "surmed",
		Subsystem: "audit",
		Name:      "exports_total",
		Help:      "Audit exports by format and status",
	}, []string{"format", "status"})

	// ruleReloads counts rule file reloads.
	// Labels: result (ok, rejected)
	ruleReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "surmed",
		Subsystem: "rules",
		Name:      "reloads_total",
		Help:      "Rule set reloads from disk",
	}, []string{"result"})
)

func Assessment(outcome string) { assessments.WithLabelValues(outcome).Inc() }

func Decision(decisionType, tier string) { decisions.WithLabelValues(decisionType, tier).Inc() }

func AppendConflict() { appendConflicts.Inc() }

func AppendSeconds(seconds float64) { appendLatency.Observe(seconds) }

func Verification(valid bool) {
	result := "valid"
	if !valid {
		result = "diverged"
	}
	verifications.WithLabelValues(result).Inc()
}

func Export(format, status string) { exports.WithLabelValues(format, status).Inc() }

func RuleReload(ok bool) {
	result := "ok"
	if !ok {
		result = "rejected"
	}
	ruleReloads.WithLabelValues(result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
