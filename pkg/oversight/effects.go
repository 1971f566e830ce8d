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

package oversight

import (
	"context"
	"time"

	apperrors "github.com/jordigilh/oversight/internal/errors"
	"github.com/jordigilh/oversight/pkg/channel"
	"github.com/jordigilh/oversight/pkg/clock"
	"github.com/jordigilh/oversight/pkg/delivery"
	"github.com/jordigilh/oversight/pkg/domain"
	"github.com/jordigilh/oversight/pkg/metrics"
	"github.com/jordigilh/oversight/pkg/shared/logging"
	"github.com/jordigilh/oversight/pkg/statemachine"
)

// processEffects performs plan.Effects against req, which has already
// been durably committed. Effects are grouped into fixed stages rather
// than executed in the Plan's listing order, so that spec §5's ordering
// guarantee (ii) — the STATE_TRANSITION audit record precedes override
// token publication — holds regardless of how a given transition's
// Effects happen to be ordered. It returns the issued OverrideToken, if
// any.
func (m *Manager) processEffects(ctx context.Context, req *domain.Request, effects []statemachine.Effect, now time.Time) *domain.OverrideToken {
	for _, eff := range effects {
		if eff.Kind == statemachine.EffectAuditEvent {
			m.emitAudit(req, eff, now)
		}
	}

	for _, eff := range effects {
		switch eff.Kind {
		case statemachine.EffectCancelTierTimer:
			m.wheel.Cancel(clock.TimerKey{RequestID: req.ID, TierIndex: eff.TierIndex})
		case statemachine.EffectScheduleTierTimer:
			m.wheel.Schedule(clock.TimerKey{RequestID: req.ID, TierIndex: eff.TierIndex}, clock.AbsoluteDeadline(req, eff.TierIndex))
		}
	}

	var issued *domain.OverrideToken
	for _, eff := range effects {
		switch eff.Kind {
		case statemachine.EffectIssueOverrideToken:
			issued = m.issueOverrideToken(ctx, req, now)
		case statemachine.EffectExecuteFinalAction:
			issued = m.executeFinalAction(ctx, req, now)
		case statemachine.EffectDispatchNotifications:
			m.dispatchTier(ctx, req, now)
		}
	}

	return issued
}

func (m *Manager) emitAudit(req *domain.Request, eff statemachine.Effect, now time.Time) {
	details := map[string]interface{}{"tier_index": eff.TierIndex}
	m.chain.Emit(req.ID, eff.AuditType, "system", "request-manager", details, now)
}

// issueOverrideToken mints a token for a quorum-met approval, refusing
// to do so while the audit chain is degraded (spec §4.3: override
// tokens must not be issued on top of an unreliable audit trail).
func (m *Manager) issueOverrideToken(ctx context.Context, req *domain.Request, now time.Time) *domain.OverrideToken {
	degraded := m.chain.Degraded()
	metrics.SetAuditChainDegraded(degraded)
	if degraded {
		if m.logger != nil {
			fields := logging.NewFields().Component("request-manager").Operation("issue_override_token").RequestID(req.ID)
			m.logger.Warnw("refusing to issue override token while audit chain is degraded", fields.KeysAndValues()...)
		}
		metrics.RecordOverrideTokenIssuanceSkipped()
		return nil
	}
	tok, err := m.tokens.Issue(ctx, req, approvalEvidenceHash(req), now)
	if err != nil {
		if m.logger != nil {
			fields := logging.NewFields().Component("request-manager").Operation("issue_override_token").RequestID(req.ID).Error(err)
			m.logger.Errorw("failed to issue override token", fields.KeysAndValues()...)
		}
		return nil
	}
	metrics.RecordOverrideTokenIssued()
	return &tok
}

// resolveFinalState decides req's persisted state for a plan carrying
// EffectExecuteFinalAction, per spec §4.7/§9: AUTO_DENY and
// BLOCK_INDEFINITELY both leave the state machine's literal TIMED_OUT
// transition untouched; AUTO_APPROVE overrides it to APPROVED. This
// must run before the checkpoint save — by the time processEffects
// runs, the state is already durable.
func resolveFinalState(plan statemachine.Plan, finalAction domain.FinalAction) domain.State {
	for _, eff := range plan.Effects {
		if eff.Kind == statemachine.EffectExecuteFinalAction && finalAction == domain.FinalActionAutoApprove {
			return domain.StateApproved
		}
	}
	return plan.NextState
}

// executeFinalAction handles the post-commit half of an AUTO_APPROVE
// final-tier disposition: req.State is already APPROVED by the time
// this runs (resolveFinalState decided it before the save), so this
// only records the override's own STATE_TRANSITION audit record ahead
// of issuing the system-attributed override token, per spec §9 Open
// Question 2 and the ordering guarantee of spec §5(ii).
func (m *Manager) executeFinalAction(ctx context.Context, req *domain.Request, now time.Time) *domain.OverrideToken {
	if req.FinalAction != domain.FinalActionAutoApprove {
		return nil
	}
	m.chain.Emit(req.ID, domain.AuditEventStateTransition, "system", domain.SystemIssuer, map[string]interface{}{
		"final_action": string(domain.FinalActionAutoApprove),
	}, now)
	return m.issueOverrideToken(ctx, req, now)
}

// dispatchTier fans out notifications for req's current tier. Per spec
// §5, dispatch is fire-and-forget; NOTIFICATION_SENT is audited at
// dispatch initiation, not delivery confirmation.
func (m *Manager) dispatchTier(ctx context.Context, req *domain.Request, now time.Time) {
	tier := req.CurrentTier()
	snapshot := channel.RequestSnapshot{
		RequestID:     req.ID,
		AgentID:       req.AgentID,
		Action:        req.Action,
		Resource:      req.Resource,
		ActionSummary: req.ActionSummary,
		Reasoning:     req.Reasoning,
		Risks:         req.Risks,
		CreatedAt:     req.CreatedAt,
	}
	approval := channel.ApprovalContext{
		TierIndex: req.TierIndex,
		ExpiresAt: clock.AbsoluteDeadline(req, req.TierIndex),
		Quorum:    req.EffectiveQuorum(),
	}

	targets := make([]delivery.ApproverTarget, 0, len(tier.Approvers))
	for subject := range tier.Approvers {
		targets = append(targets, delivery.ApproverTarget{Subject: subject, PreferredChannels: tier.PreferredChannels})
	}

	m.deliveryLog.Dispatch(ctx, snapshot, approval, targets)

	for _, target := range targets {
		m.chain.Emit(req.ID, domain.AuditEventNotificationSent, "system", "delivery-log", map[string]interface{}{
			"approver":   target.Subject,
			"tier_index": req.TierIndex,
		}, now)
	}
}

// TierTimeoutOccurred applies a TIER_TIMEOUT event for (requestID,
// tierIndex), the consumer side of the Timer Wheel's fire channel.
func (m *Manager) TierTimeoutOccurred(ctx context.Context, requestID string, tierIndex int) error {
	now, err := m.clockSource.Now(ctx)
	if err != nil {
		return err
	}

	req, err := m.store.Load(ctx, requestID)
	if err != nil {
		return err
	}

	event := statemachine.Event{Kind: statemachine.EventTierTimeout, TierIndex: tierIndex}

	for attempt := 0; attempt < maxCheckpointRetries; attempt++ {
		plan, err := statemachine.Apply(req, event, now)
		if err != nil {
			return err
		}
		if plan.Outcome == statemachine.OutcomeAlreadyResolved || plan.Outcome == statemachine.OutcomeStaleTimer {
			return nil
		}

		mutated := *req
		mutated.State = resolveFinalState(plan, req.FinalAction)
		mutated.TierIndex = plan.NextTierIndex
		mutated.UpdatedAt = now
		if mutated.State.Terminal() {
			resolvedAt := now
			mutated.ResolvedAt = &resolvedAt
		}

		newVersion, err := m.store.SaveIfVersion(ctx, &mutated, req.Version)
		if err != nil {
			if appErr, ok := err.(*apperrors.AppError); ok && appErr.Type == apperrors.ErrorTypeConcurrentModification {
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

		if mutated.State.Terminal() {
			metrics.RecordRequestResolved(string(mutated.State))
			metrics.RecordFinalActionApplied(string(req.FinalAction))
		} else {
			metrics.RecordTierEscalation()
		}
		metrics.SetPendingTimers(m.wheel.Pending())
		return nil
	}

	return nil
}

// Run drains the Timer Wheel's fire channel until ctx is cancelled,
// applying each fire's TIER_TIMEOUT serially. Spec §5 only requires
// per-Request serialization; a single serial consumer is a stricter
// (and simpler) superset of that guarantee, trading cross-request
// timer-processing parallelism for a process with no additional
// synchronization to reason about.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fire, ok := <-m.fires:
			if !ok {
				return
			}
			if err := m.TierTimeoutOccurred(ctx, fire.Key.RequestID, fire.Key.TierIndex); err != nil && m.logger != nil {
				m.logger.Errorw("failed to process tier timeout", "request_id", fire.Key.RequestID, "tier_index", fire.Key.TierIndex, "error", err)
			}
		}
	}
}

// Recover re-arms the Timer Wheel and retries any pending notification
// that was never confirmed DELIVERED, per spec §8 scenario 5. It does
// not re-emit REQUEST_CREATED audit records; those already persisted.
func (m *Manager) Recover(ctx context.Context) error {
	requests, err := m.store.ScanNonTerminal(ctx)
	if err != nil {
		return err
	}

	m.wheel.Recover(requests)
	metrics.SetPendingTimers(m.wheel.Pending())

	if m.deliveryStore == nil {
		return nil
	}
	for _, req := range requests {
		attempts, err := m.deliveryStore.AttemptsForTier(ctx, req.ID, req.TierIndex)
		if err != nil {
			if m.logger != nil {
				m.logger.Warnw("failed to load delivery attempts during recovery", "request_id", req.ID, "error", err)
			}
			continue
		}

		delivered := make(map[string]bool, len(attempts))
		for _, a := range attempts {
			if a.Status == domain.DeliveryDelivered {
				delivered[a.Recipient] = true
			}
		}

		tier := req.CurrentTier()
		var pending []delivery.ApproverTarget
		for subject := range tier.Approvers {
			if !delivered[subject] {
				pending = append(pending, delivery.ApproverTarget{Subject: subject, PreferredChannels: tier.PreferredChannels})
			}
		}
		if len(pending) == 0 {
			continue
		}

		snapshot := channel.RequestSnapshot{
			RequestID: req.ID, AgentID: req.AgentID, Action: req.Action, Resource: req.Resource,
			ActionSummary: req.ActionSummary, Reasoning: req.Reasoning, Risks: req.Risks, CreatedAt: req.CreatedAt,
		}
		approvalCtx := channel.ApprovalContext{
			TierIndex: req.TierIndex,
			ExpiresAt: clock.AbsoluteDeadline(req, req.TierIndex),
			Quorum:    req.EffectiveQuorum(),
		}
		m.deliveryLog.Dispatch(ctx, snapshot, approvalCtx, pending)
	}

	return nil
}
