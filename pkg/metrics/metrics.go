/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes Prometheus instrumentation for the Request
// Manager and its collaborators. Metrics are registered as package-level
// vectors against the default registry, the same shape the rest of the
// pack uses, so a single process-wide /metrics endpoint picks up every
// component without each one wiring its own registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsCreatedTotal counts CreateRequest calls that durably
	// persisted a new Request, labeled by the chain's final action.
	RequestsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oversight_requests_created_total",
		Help: "Total number of approval requests created.",
	}, []string{"final_action"})

	// RequestsResolvedTotal counts terminal-state transitions, labeled
	// by the resulting state.
	RequestsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oversight_requests_resolved_total",
		Help: "Total number of approval requests reaching a terminal state.",
	}, []string{"state"})

	// ResponsesReceivedTotal counts SubmitResponse calls that produced a
	// durable RESPONSE_RECEIVED transition, labeled by decision.
	ResponsesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oversight_responses_received_total",
		Help: "Total number of approver responses recorded.",
	}, []string{"decision"})

	// DuplicateResponsesTotal counts SubmitResponse calls short-circuited
	// by replay detection (spec §7 idempotent resubmission).
	DuplicateResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oversight_duplicate_responses_total",
		Help: "Total number of SubmitResponse calls recognized as a duplicate of an already-recorded response.",
	}, []string{})

	// TierEscalationsTotal counts TIER_TIMEOUT transitions that advanced
	// to the next tier rather than resolving the request.
	TierEscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oversight_tier_escalations_total",
		Help: "Total number of tier-timeout escalations to the next tier.",
	}, []string{})

	// FinalActionsAppliedTotal counts final-tier timeout dispositions,
	// labeled by the configured FinalAction.
	FinalActionsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oversight_final_actions_applied_total",
		Help: "Total number of final-tier timeout dispositions applied.",
	}, []string{"final_action"})

	// OverrideTokensIssuedTotal counts successfully minted override tokens.
	OverrideTokensIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oversight_override_tokens_issued_total",
		Help: "Total number of override tokens issued.",
	})

	// OverrideTokenIssuanceSkippedTotal counts quorum-met/final-action
	// resolutions where token issuance was skipped because the audit
	// chain was degraded (spec §4.3).
	OverrideTokenIssuanceSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oversight_override_token_issuance_skipped_total",
		Help: "Total number of override token issuances skipped due to a degraded audit chain.",
	})

	// OverrideTokenValidationsTotal counts ValidateOverrideToken calls,
	// labeled by outcome (valid, already_used, expired, invalid_signature, error).
	OverrideTokenValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oversight_override_token_validations_total",
		Help: "Total number of override token validation attempts.",
	}, []string{"outcome"})

	// NotificationDispatchesTotal counts per-approver notification
	// dispatch attempts, labeled by delivery status and channel kind.
	NotificationDispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oversight_notification_dispatches_total",
		Help: "Total number of per-approver notification dispatch attempts.",
	}, []string{"channel", "status"})

	// CheckpointConflictsTotal counts CONCURRENT_MODIFICATION retries
	// absorbed inside the Request Manager (never surfaced to callers).
	CheckpointConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oversight_checkpoint_conflicts_total",
		Help: "Total number of optimistic-concurrency conflicts retried internally by the Request Manager.",
	})

	// AuditChainDegraded reports whether the audit Chainer currently
	// considers itself degraded (1) or healthy (0).
	AuditChainDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oversight_audit_chain_degraded",
		Help: "1 if the audit hash chain is currently degraded, 0 otherwise.",
	})

	// PendingTimersGauge reports the number of tier timers currently
	// armed in the clock Wheel.
	PendingTimersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oversight_pending_timers",
		Help: "Number of tier timeout timers currently armed.",
	})

	// RequestCreateDuration observes CreateRequest end-to-end latency.
	RequestCreateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oversight_request_create_duration_seconds",
		Help:    "Latency of CreateRequest, from call to durable commit.",
		Buckets: prometheus.DefBuckets,
	})

	// ResponseSubmitDuration observes SubmitResponse end-to-end latency.
	ResponseSubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oversight_response_submit_duration_seconds",
		Help:    "Latency of SubmitResponse, from call to durable commit.",
		Buckets: prometheus.DefBuckets,
	})
)

// RecordRequestCreated increments RequestsCreatedTotal for finalAction.
func RecordRequestCreated(finalAction string) {
	RequestsCreatedTotal.WithLabelValues(finalAction).Inc()
}

// RecordRequestResolved increments RequestsResolvedTotal for state.
func RecordRequestResolved(state string) {
	RequestsResolvedTotal.WithLabelValues(state).Inc()
}

// RecordResponseReceived increments ResponsesReceivedTotal for decision.
func RecordResponseReceived(decision string) {
	ResponsesReceivedTotal.WithLabelValues(decision).Inc()
}

// RecordDuplicateResponse increments DuplicateResponsesTotal.
func RecordDuplicateResponse() {
	DuplicateResponsesTotal.WithLabelValues().Inc()
}

// RecordTierEscalation increments TierEscalationsTotal.
func RecordTierEscalation() {
	TierEscalationsTotal.WithLabelValues().Inc()
}

// RecordFinalActionApplied increments FinalActionsAppliedTotal for finalAction.
func RecordFinalActionApplied(finalAction string) {
	FinalActionsAppliedTotal.WithLabelValues(finalAction).Inc()
}

// RecordOverrideTokenIssued increments OverrideTokensIssuedTotal.
func RecordOverrideTokenIssued() {
	OverrideTokensIssuedTotal.Inc()
}

// RecordOverrideTokenIssuanceSkipped increments OverrideTokenIssuanceSkippedTotal.
func RecordOverrideTokenIssuanceSkipped() {
	OverrideTokenIssuanceSkippedTotal.Inc()
}

// RecordOverrideTokenValidation increments OverrideTokenValidationsTotal for outcome.
func RecordOverrideTokenValidation(outcome string) {
	OverrideTokenValidationsTotal.WithLabelValues(outcome).Inc()
}

// RecordNotificationDispatch increments NotificationDispatchesTotal for
// channel/status.
func RecordNotificationDispatch(channel, status string) {
	NotificationDispatchesTotal.WithLabelValues(channel, status).Inc()
}

// RecordCheckpointConflict increments CheckpointConflictsTotal.
func RecordCheckpointConflict() {
	CheckpointConflictsTotal.Inc()
}

// SetAuditChainDegraded sets AuditChainDegraded to 1 or 0.
func SetAuditChainDegraded(degraded bool) {
	if degraded {
		AuditChainDegraded.Set(1)
		return
	}
	AuditChainDegraded.Set(0)
}

// SetPendingTimers sets PendingTimersGauge to n.
func SetPendingTimers(n int) {
	PendingTimersGauge.Set(float64(n))
}

// Timer measures elapsed wall-clock time for a single operation and
// records it against a histogram on completion.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the duration since the Timer started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveRequestCreate records the Timer's elapsed duration against
// RequestCreateDuration.
func (t *Timer) ObserveRequestCreate() {
	RequestCreateDuration.Observe(t.Elapsed().Seconds())
}

// ObserveResponseSubmit records the Timer's elapsed duration against
// ResponseSubmitDuration.
func (t *Timer) ObserveResponseSubmit() {
	ResponseSubmitDuration.Observe(t.Elapsed().Seconds())
}
