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

// Package oversight implements the Request Manager (spec §4.8): the
// orchestrator that wires the Signature Verifier, Checkpoint Store,
// Quorum Evaluator, Timer Wheel, Delivery Log, Audit chain, and
// Override Token Issuer into the durable, resumable lifecycle of one
// oversight Request. Every mutation runs pkg/statemachine.Apply against
// a loaded snapshot, commits the result through a version-gated
// checkpoint save, and only then performs the Plan's effects.
package oversight

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	apperrors "github.com/jordigilh/oversight/internal/errors"
	"github.com/jordigilh/oversight/pkg/audit"
	"github.com/jordigilh/oversight/pkg/await"
	"github.com/jordigilh/oversight/pkg/checkpoint"
	"github.com/jordigilh/oversight/pkg/clock"
	"github.com/jordigilh/oversight/pkg/delivery"
	"github.com/jordigilh/oversight/pkg/domain"
	"github.com/jordigilh/oversight/pkg/metrics"
	"github.com/jordigilh/oversight/pkg/statemachine"
	"github.com/jordigilh/oversight/pkg/token"
	"github.com/jordigilh/oversight/pkg/verify"
)

// maxCheckpointRetries bounds the local retry loop for
// CONCURRENT_MODIFICATION, per spec §7's propagation policy: the error
// is never surfaced to callers.
const maxCheckpointRetries = 3

// KeyResolver resolves an approver's accepted public keys, satisfied by
// *verify.CachingResolver in production.
type KeyResolver interface {
	Keys(ctx context.Context, subject string) ([]verify.RegisteredKey, error)
}

// Config holds the Request Manager's tunables, mirroring spec §6's
// named configuration values relevant to request lifecycle decisions.
type Config struct {
	TierTimeoutMin time.Duration
	TierTimeoutMax time.Duration
	// MaxTiers bounds the escalation chain length, spec §4.8's "1 to 10
	// tiers". Zero is treated as the spec default of 10 by
	// validateCreateRequest, so tests that leave Config zero-valued
	// keep working unchanged.
	MaxTiers int
}

// Manager is the Request Manager.
type Manager struct {
	clockSource   *clock.Source
	wheel         *clock.Wheel
	fires         <-chan clock.Fire
	store         checkpoint.Store
	keys          KeyResolver
	deliveryLog   *delivery.Log
	deliveryStore delivery.Store
	chain         *audit.Chainer
	tokens        *token.Issuer
	bus           *await.Bus
	cfg           Config
	logger        *zap.SugaredLogger
	tracer        trace.Tracer
}

// NewManager wires a Manager from its subsystem dependencies. fires
// must be the same channel the Wheel was constructed with
// (clock.NewWheel(fires)); Run drains it. deliveryStore gives Recover
// direct read access to notification_log for the not-yet-DELIVERED
// retry check of spec §8 scenario 5; it may be nil in tests that don't
// exercise recovery.
func NewManager(
	clockSource *clock.Source,
	wheel *clock.Wheel,
	fires <-chan clock.Fire,
	store checkpoint.Store,
	keys KeyResolver,
	deliveryLog *delivery.Log,
	deliveryStore delivery.Store,
	chain *audit.Chainer,
	tokens *token.Issuer,
	bus *await.Bus,
	cfg Config,
	logger *zap.SugaredLogger,
	tracer trace.Tracer,
) *Manager {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("oversight")
	}
	return &Manager{
		clockSource:   clockSource,
		wheel:         wheel,
		fires:         fires,
		store:         store,
		keys:          keys,
		deliveryLog:   deliveryLog,
		deliveryStore: deliveryStore,
		chain:         chain,
		tokens:        tokens,
		bus:           bus,
		cfg:           cfg,
		logger:        logger,
		tracer:        tracer,
	}
}

// CreateRequestInput is the trigger payload from the upstream
// authorizer, spec §6.
type CreateRequestInput struct {
	AgentID         string
	DelegationChain []domain.DelegationLink
	Action          string
	Resource        string
	PolicyRef       string
	ActionSummary   string
	Reasoning       string
	Risks           []domain.RiskFactor
	EscalationChain []domain.EscalationTier
	Quorum          domain.ApprovalQuorum
	FinalAction     domain.FinalAction
	IdempotencyKey  string
}

// CreateRequestOutput answers the synchronous trigger call: a request
// id and an estimated response time, per spec §6.
type CreateRequestOutput struct {
	RequestID             string
	EstimatedResponseTime time.Duration
	Idempotent            bool
}

// CreateRequest validates in, persists a new Request, arms its first
// tier's timer, and dispatches notifications for that tier.
func (m *Manager) CreateRequest(ctx context.Context, in CreateRequestInput) (CreateRequestOutput, error) {
	ctx, span := m.tracer.Start(ctx, "oversight.CreateRequest")
	defer span.End()
	timer := metrics.NewTimer()
	defer timer.ObserveRequestCreate()

	maxTiers := m.cfg.MaxTiers
	if maxTiers == 0 {
		maxTiers = defaultMaxEscalationTiers
	}
	if err := validateCreateRequest(in, m.cfg.TierTimeoutMin, m.cfg.TierTimeoutMax, maxTiers); err != nil {
		return CreateRequestOutput{}, err
	}

	now, err := m.clockSource.Now(ctx)
	if err != nil {
		return CreateRequestOutput{}, err
	}

	finalAction := in.FinalAction
	if finalAction == "" {
		finalAction = domain.FinalActionAutoDeny
	}

	req := &domain.Request{
		ID:              uuid.NewString(),
		AgentID:         in.AgentID,
		DelegationChain: in.DelegationChain,
		Action:          in.Action,
		Resource:        in.Resource,
		PolicyRef:       in.PolicyRef,
		ActionSummary:   in.ActionSummary,
		Reasoning:       in.Reasoning,
		Risks:           in.Risks,
		EscalationChain: in.EscalationChain,
		Quorum:          in.Quorum,
		FinalAction:     finalAction,
		State:           domain.StatePending,
		TierIndex:       0,
		CreatedAt:       now,
		UpdatedAt:       now,
		IdempotencyKey:  in.IdempotencyKey,
	}

	if in.IdempotencyKey != "" {
		payloadHash := hashCreateRequestInput(in)
		existingID, isNew, err := m.store.ReserveIdempotencyKey(ctx, in.IdempotencyKey, req.ID, payloadHash)
		if err != nil {
			return CreateRequestOutput{}, err
		}
		if !isNew {
			existing, err := m.store.Load(ctx, existingID)
			if err != nil {
				return CreateRequestOutput{}, err
			}
			return CreateRequestOutput{
				RequestID:             existing.ID,
				EstimatedResponseTime: req.CurrentTier().Timeout,
				Idempotent:            true,
			}, nil
		}
	}

	if _, err := m.store.Save(ctx, req); err != nil {
		return CreateRequestOutput{}, err
	}

	m.chain.Emit(req.ID, domain.AuditEventRequestCreated, "agent", req.AgentID, map[string]interface{}{
		"action":   req.Action,
		"resource": req.Resource,
	}, now)

	m.wheel.Schedule(clock.TimerKey{RequestID: req.ID, TierIndex: 0}, clock.AbsoluteDeadline(req, 0))
	m.dispatchTier(ctx, req, now)
	m.publish(req, now)

	metrics.RecordRequestCreated(string(finalAction))
	metrics.SetPendingTimers(m.wheel.Pending())

	return CreateRequestOutput{
		RequestID:             req.ID,
		EstimatedResponseTime: req.CurrentTier().Timeout,
	}, nil
}

// SubmitResponseInput is one approver's decision arriving for a
// Request, spec §6.
type SubmitResponseInput struct {
	RequestID string
	Response  domain.Response
}

// SubmitResponseOutput reports the outcome of a submitted response.
type SubmitResponseOutput struct {
	State         domain.State
	OverrideToken *domain.OverrideToken
	Idempotent    bool
}

// SubmitResponse verifies in.Response's signature, applies it to the
// Request's state machine, and performs the resulting Plan's effects.
func (m *Manager) SubmitResponse(ctx context.Context, in SubmitResponseInput) (SubmitResponseOutput, error) {
	ctx, span := m.tracer.Start(ctx, "oversight.SubmitResponse")
	defer span.End()
	timer := metrics.NewTimer()
	defer timer.ObserveResponseSubmit()

	now, err := m.clockSource.Now(ctx)
	if err != nil {
		return SubmitResponseOutput{}, err
	}
	resp := in.Response
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = now
	}

	req, err := m.store.Load(ctx, in.RequestID)
	if err != nil {
		return SubmitResponseOutput{}, err
	}
	resp.TierIndex = req.TierIndex

	if err := m.verifyResponse(ctx, req, &resp, now); err != nil {
		return SubmitResponseOutput{}, err
	}

	event := statemachine.Event{Kind: statemachine.EventResponseReceived, Response: &resp}

	for attempt := 0; attempt < maxCheckpointRetries; attempt++ {
		plan, err := statemachine.Apply(req, event, now)
		if err != nil {
			return SubmitResponseOutput{}, err
		}

		switch plan.Outcome {
		case statemachine.OutcomeAlreadyResolved:
			return SubmitResponseOutput{}, apperrors.New(apperrors.ErrorTypeRequestAlreadyResolved,
				"request has already reached a terminal state")
		case statemachine.OutcomeApproverNotEligible:
			return SubmitResponseOutput{}, apperrors.Newf(apperrors.ErrorTypeApproverNotEligible,
				"approver %q is not eligible at the current tier", resp.ApproverSubject)
		case statemachine.OutcomeDuplicateResponse:
			metrics.RecordDuplicateResponse()
			return SubmitResponseOutput{State: req.State, Idempotent: true}, nil
		}

		mutated := applyResponsePlan(req, &resp, plan, now)

		newVersion, err := m.store.SaveIfVersion(ctx, mutated, req.Version)
		if err != nil {
			if appErr, ok := err.(*apperrors.AppError); ok && appErr.Type == apperrors.ErrorTypeConcurrentModification {
				metrics.RecordCheckpointConflict()
				reloaded, loadErr := m.store.Load(ctx, in.RequestID)
				if loadErr != nil {
					return SubmitResponseOutput{}, loadErr
				}
				req = reloaded
				resp.TierIndex = req.TierIndex
				continue
			}
			return SubmitResponseOutput{}, err
		}
		mutated.Version = newVersion

		overrideToken := m.processEffects(ctx, mutated, plan.Effects, now)
		m.publish(mutated, now)

		metrics.RecordResponseReceived(string(resp.Decision))
		if mutated.State.Terminal() {
			metrics.RecordRequestResolved(string(mutated.State))
		}
		metrics.SetPendingTimers(m.wheel.Pending())

		return SubmitResponseOutput{State: mutated.State, OverrideToken: overrideToken}, nil
	}

	return SubmitResponseOutput{}, apperrors.New(apperrors.ErrorTypeStoreUnavailable,
		"exceeded local retry budget for concurrent modification")
}

func (m *Manager) verifyResponse(ctx context.Context, req *domain.Request, resp *domain.Response, now time.Time) error {
	accepted, err := m.keys.Keys(ctx, resp.ApproverSubject)
	if err != nil {
		m.chain.Emit(req.ID, domain.AuditEventSignatureVerificationFailed, "system", "registry", map[string]interface{}{
			"approver": resp.ApproverSubject, "error": err.Error(),
		}, now)
		return err
	}
	if err := verify.VerifyResponse(resp, req.ID, accepted); err != nil {
		m.chain.Emit(req.ID, domain.AuditEventSignatureVerificationFailed, "system", "verifier", map[string]interface{}{
			"approver": resp.ApproverSubject, "error": err.Error(),
		}, now)
		return err
	}
	return nil
}

// applyResponsePlan materializes plan's NextState/NextTierIndex onto a
// copy of req with resp appended, without touching the store.
func applyResponsePlan(req *domain.Request, resp *domain.Response, plan statemachine.Plan, now time.Time) *domain.Request {
	mutated := *req
	mutated.Responses = append(append([]domain.Response{}, req.Responses...), *resp)
	mutated.State = plan.NextState
	mutated.TierIndex = plan.NextTierIndex
	mutated.UpdatedAt = now
	if mutated.State.Terminal() {
		resolvedAt := now
		mutated.ResolvedAt = &resolvedAt
	}
	return &mutated
}

// GetRequest returns the current durable state of a Request, for the
// synchronous read side of spec §6 (no waiting, no streaming).
func (m *Manager) GetRequest(ctx context.Context, requestID string) (*domain.Request, error) {
	return m.store.Load(ctx, requestID)
}

// CancelRequest applies a CANCEL_REQUESTED event, spec §4.7/§6.
func (m *Manager) CancelRequest(ctx context.Context, requestID, reason string, requestedByIsAuthorized bool) error {
	ctx, span := m.tracer.Start(ctx, "oversight.CancelRequest")
	defer span.End()

	now, err := m.clockSource.Now(ctx)
	if err != nil {
		return err
	}

	req, err := m.store.Load(ctx, requestID)
	if err != nil {
		return err
	}

	event := statemachine.Event{
		Kind:                    statemachine.EventCancelRequested,
		Reason:                  reason,
		RequestedByIsAuthorized: requestedByIsAuthorized,
	}

	for attempt := 0; attempt < maxCheckpointRetries; attempt++ {
		plan, err := statemachine.Apply(req, event, now)
		if err != nil {
			return err
		}
		switch plan.Outcome {
		case statemachine.OutcomeAlreadyResolved:
			return apperrors.New(apperrors.ErrorTypeRequestAlreadyResolved, "request has already reached a terminal state")
		case statemachine.OutcomeCallerNotAuthorized:
			return apperrors.New(apperrors.ErrorTypeCallerNotAuthorized, "caller is not authorized to cancel this request")
		}

		mutated := *req
		mutated.State = plan.NextState
		mutated.CancelReason = reason
		mutated.UpdatedAt = now
		resolvedAt := now
		mutated.ResolvedAt = &resolvedAt

		newVersion, err := m.store.SaveIfVersion(ctx, &mutated, req.Version)
		if err != nil {
			if appErr, ok := err.(*apperrors.AppError); ok && appErr.Type == apperrors.ErrorTypeConcurrentModification {
				metrics.RecordCheckpointConflict()
				reloaded, loadErr := m.store.Load(ctx, requestID)
				if loadErr != nil {
					return loadErr
				}
				req = reloaded
				continue
			}
			return err
		}
		mutated.Version = newVersion

		m.processEffects(ctx, &mutated, plan.Effects, now)
		m.publish(&mutated, now)
		metrics.RecordRequestResolved(string(mutated.State))
		metrics.SetPendingTimers(m.wheel.Pending())
		return nil
	}

	return apperrors.New(apperrors.ErrorTypeStoreUnavailable, "exceeded local retry budget for concurrent modification")
}

// ValidateOverrideToken implements spec §6's override-token validation
// surface, delegating to the Override Token Issuer.
func (m *Manager) ValidateOverrideToken(ctx context.Context, nonce string, presentedSignature []byte) error {
	now, err := m.clockSource.Now(ctx)
	if err != nil {
		return err
	}
	err = m.tokens.Validate(ctx, nonce, presentedSignature, now)
	metrics.RecordOverrideTokenValidation(validationOutcome(err))
	return err
}

// validationOutcome maps a token Validate error (or nil) to the label
// used for OverrideTokenValidationsTotal.
func validationOutcome(err error) string {
	if err == nil {
		return "valid"
	}
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		return "error"
	}
	switch appErr.Type {
	case apperrors.ErrorTypeTokenAlreadyUsed:
		return "already_used"
	case apperrors.ErrorTypeTokenExpired:
		return "expired"
	case apperrors.ErrorTypeInvalidSignature:
		return "invalid_signature"
	default:
		return "error"
	}
}

// AwaitApproval blocks until requestID reaches a terminal state or
// timeout elapses, spec §4.10.
func (m *Manager) AwaitApproval(ctx context.Context, requestID string, timeout, pollInterval time.Duration) (await.Result, error) {
	reader := checkpointReader{store: m.store}
	return m.bus.Await(ctx, reader, requestID, timeout, pollInterval)
}

// WatchRequest streams RequestUpdate events for requestID from
// fromVersion onward, spec §4.10.
func (m *Manager) WatchRequest(ctx context.Context, requestID string, fromVersion int64) <-chan await.RequestUpdate {
	return m.bus.Watch(ctx, requestID, fromVersion)
}

type checkpointReader struct {
	store checkpoint.Store
}

func (r checkpointReader) Load(ctx context.Context, requestID string) (*domain.Request, error) {
	return r.store.Load(ctx, requestID)
}

func (m *Manager) publish(req *domain.Request, now time.Time) {
	m.bus.Publish(await.RequestUpdate{
		RequestID: req.ID,
		Version:   req.Version,
		State:     req.State,
		Responses: req.Responses,
		At:        now,
	})
}

func hashCreateRequestInput(in CreateRequestInput) []byte {
	canonical := struct {
		AgentID       string
		Action        string
		Resource      string
		PolicyRef     string
		ActionSummary string
	}{in.AgentID, in.Action, in.Resource, in.PolicyRef, in.ActionSummary}
	encoded, _ := json.Marshal(canonical)
	sum := sha256.Sum256(encoded)
	return sum[:]
}

// approvalEvidenceHash summarizes the responses that resolved req's
// current tier, for binding into the override token's canonical
// message.
func approvalEvidenceHash(req *domain.Request) []byte {
	responses := append([]domain.Response{}, req.ResponsesAtCurrentTier()...)
	sort.Slice(responses, func(i, j int) bool { return responses[i].ApproverSubject < responses[j].ApproverSubject })

	type entry struct {
		Subject  string
		Decision domain.Decision
	}
	summary := make([]entry, 0, len(responses))
	for _, r := range responses {
		summary = append(summary, entry{Subject: r.ApproverSubject, Decision: r.Decision})
	}
	encoded, _ := json.Marshal(summary)
	sum := sha256.Sum256(encoded)
	return sum[:]
}
