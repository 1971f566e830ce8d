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

// Package statemachine implements the Request lifecycle transition
// table of spec §4.7 as a pure function: Apply computes a Plan from a
// Request snapshot and an incoming Event, without performing any I/O.
// The Request Manager (pkg/oversight) is responsible for checkpointing
// the resulting state under a version-gated save before acting on the
// Plan's Effects, and for verifying a response's signature before
// constructing a ResponseReceived event — Apply assumes that check has
// already passed.
package statemachine

import (
	"time"

	"github.com/jordigilh/oversight/pkg/domain"
	"github.com/jordigilh/oversight/pkg/quorum"
)

// EventKind enumerates the events the machine accepts, spec §4.7.
type EventKind string

const (
	EventResponseReceived EventKind = "RESPONSE_RECEIVED"
	EventTierTimeout      EventKind = "TIER_TIMEOUT"
	EventCancelRequested  EventKind = "CANCEL_REQUESTED"
)

// Event is one input to the state machine.
type Event struct {
	Kind EventKind

	// Response is set for EventResponseReceived. Its signature must
	// already be verified by the caller.
	Response *domain.Response

	// TierIndex is set for EventTierTimeout: the tier the fired timer
	// belongs to.
	TierIndex int

	// Reason and RequestedByIsAuthorized are set for
	// EventCancelRequested. Authorization (requester is the request
	// owner or an administrator) is checked by the caller.
	Reason                  string
	RequestedByIsAuthorized bool
}

// Outcome classifies how Apply resolved the event, including the
// no-op and rejection cases of spec §4.7's transition table.
type Outcome string

const (
	// OutcomeApplied means the event produced a real transition or a
	// same-state effect (recording a response while still PENDING).
	OutcomeApplied Outcome = "APPLIED"
	// OutcomeAlreadyResolved means the request was already terminal;
	// spec §7's REQUEST_ALREADY_RESOLVED.
	OutcomeAlreadyResolved Outcome = "REQUEST_ALREADY_RESOLVED"
	// OutcomeDuplicateResponse means the approver already responded;
	// spec §7's DUPLICATE_RESPONSE (idempotent success).
	OutcomeDuplicateResponse Outcome = "DUPLICATE_RESPONSE"
	// OutcomeApproverNotEligible means the approver is not in the
	// current tier's set; spec §7's APPROVER_NOT_ELIGIBLE.
	OutcomeApproverNotEligible Outcome = "APPROVER_NOT_ELIGIBLE"
	// OutcomeStaleTimer means a TIER_TIMEOUT fired for a tier the
	// request has already moved past; the plan has no effects.
	OutcomeStaleTimer Outcome = "STALE_TIMER"
	// OutcomeCallerNotAuthorized means a CANCEL_REQUESTED came from
	// neither the request owner nor an administrator.
	OutcomeCallerNotAuthorized Outcome = "CALLER_NOT_AUTHORIZED"
)

// EffectKind enumerates the side effects a Plan may carry. The Request
// Manager applies these only after the resulting state has been
// committed via a version-gated checkpoint save.
type EffectKind string

const (
	EffectRecordResponse        EffectKind = "RECORD_RESPONSE"
	EffectIssueOverrideToken    EffectKind = "ISSUE_OVERRIDE_TOKEN"
	EffectCancelTierTimer       EffectKind = "CANCEL_TIER_TIMER"
	EffectScheduleTierTimer     EffectKind = "SCHEDULE_TIER_TIMER"
	EffectDispatchNotifications EffectKind = "DISPATCH_NOTIFICATIONS"
	EffectExecuteFinalAction    EffectKind = "EXECUTE_FINAL_ACTION"
	EffectAuditEvent            EffectKind = "AUDIT_EVENT"
)

// Effect is one action the Request Manager must perform after the
// Plan's resulting state is durably committed.
type Effect struct {
	Kind      EffectKind
	TierIndex int
	AuditType domain.AuditEventType
}

// Plan is the computed result of applying an Event to a Request
// snapshot: the next state/tier and the ordered effects to perform.
type Plan struct {
	Outcome       Outcome
	NextState     domain.State
	NextTierIndex int
	Effects       []Effect

	// QuorumResult is populated when a quorum evaluation occurred, for
	// callers that want the vote tally (e.g. for audit details).
	QuorumResult *quorum.Result
}

// Apply computes the Plan for applying event to req as of now. req is
// read-only; Apply never mutates it. The Request Manager is
// responsible for applying the returned Plan to its own copy of req
// (or a freshly loaded one) before persisting.
func Apply(req *domain.Request, event Event, now time.Time) (Plan, error) {
	if req.State.Terminal() {
		return Plan{Outcome: OutcomeAlreadyResolved, NextState: req.State, NextTierIndex: req.TierIndex}, nil
	}

	switch event.Kind {
	case EventResponseReceived:
		return applyResponseReceived(req, event, now)
	case EventTierTimeout:
		return applyTierTimeout(req, event, now)
	case EventCancelRequested:
		return applyCancelRequested(req, event)
	default:
		return Plan{}, &invalidEventError{kind: event.Kind}
	}
}

type invalidEventError struct{ kind EventKind }

func (e *invalidEventError) Error() string {
	return "statemachine: unknown event kind " + string(e.kind)
}

func applyResponseReceived(req *domain.Request, event Event, now time.Time) (Plan, error) {
	resp := event.Response
	tier := req.CurrentTier()

	if !tier.IsEligible(resp.ApproverSubject) {
		return Plan{Outcome: OutcomeApproverNotEligible, NextState: req.State, NextTierIndex: req.TierIndex}, nil
	}
	if req.HasResponded(resp.ApproverSubject) {
		return Plan{Outcome: OutcomeDuplicateResponse, NextState: req.State, NextTierIndex: req.TierIndex}, nil
	}

	responses := append(append([]domain.Response{}, req.ResponsesAtCurrentTier()...), *resp)
	result, err := quorum.Evaluate(req.EffectiveQuorum(), tier.Approvers, responses)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{
		Outcome:       OutcomeApplied,
		NextState:     domain.StatePending,
		NextTierIndex: req.TierIndex,
		QuorumResult:  &result,
		Effects: []Effect{
			{Kind: EffectRecordResponse, TierIndex: req.TierIndex},
			{Kind: EffectAuditEvent, TierIndex: req.TierIndex, AuditType: domain.AuditEventResponseReceived},
		},
	}

	switch result.Outcome {
	case quorum.OutcomeMet:
		plan.NextState = domain.StateApproved
		plan.Effects = append(plan.Effects,
			Effect{Kind: EffectIssueOverrideToken, TierIndex: req.TierIndex},
			Effect{Kind: EffectCancelTierTimer, TierIndex: req.TierIndex},
			Effect{Kind: EffectAuditEvent, TierIndex: req.TierIndex, AuditType: domain.AuditEventStateTransition},
		)
	case quorum.OutcomeDenied:
		plan.NextState = domain.StateDenied
		plan.Effects = append(plan.Effects,
			Effect{Kind: EffectCancelTierTimer, TierIndex: req.TierIndex},
			Effect{Kind: EffectAuditEvent, TierIndex: req.TierIndex, AuditType: domain.AuditEventStateTransition},
		)
	case quorum.OutcomePending:
		// Stay PENDING at the current tier; no further effects.
	}

	return plan, nil
}

func applyTierTimeout(req *domain.Request, event Event, now time.Time) (Plan, error) {
	if event.TierIndex < req.TierIndex {
		return Plan{Outcome: OutcomeStaleTimer, NextState: req.State, NextTierIndex: req.TierIndex}, nil
	}

	isFinalTier := req.TierIndex == len(req.EscalationChain)-1
	if !isFinalTier {
		nextTier := req.TierIndex + 1
		return Plan{
			Outcome:       OutcomeApplied,
			NextState:     domain.StatePending,
			NextTierIndex: nextTier,
			Effects: []Effect{
				{Kind: EffectScheduleTierTimer, TierIndex: nextTier},
				{Kind: EffectDispatchNotifications, TierIndex: nextTier},
				{Kind: EffectAuditEvent, TierIndex: nextTier, AuditType: domain.AuditEventTierEscalation},
			},
		}, nil
	}

	return Plan{
		Outcome:       OutcomeApplied,
		NextState:     domain.StateTimedOut,
		NextTierIndex: req.TierIndex,
		Effects: []Effect{
			{Kind: EffectExecuteFinalAction, TierIndex: req.TierIndex},
			{Kind: EffectAuditEvent, TierIndex: req.TierIndex, AuditType: domain.AuditEventFinalTimeout},
		},
	}, nil
}

func applyCancelRequested(req *domain.Request, event Event) (Plan, error) {
	if !event.RequestedByIsAuthorized {
		return Plan{Outcome: OutcomeCallerNotAuthorized, NextState: req.State, NextTierIndex: req.TierIndex}, nil
	}

	return Plan{
		Outcome:       OutcomeApplied,
		NextState:     domain.StateCancelled,
		NextTierIndex: req.TierIndex,
		Effects: []Effect{
			{Kind: EffectCancelTierTimer, TierIndex: req.TierIndex},
			{Kind: EffectAuditEvent, TierIndex: req.TierIndex, AuditType: domain.AuditEventRequestCancelled},
		},
	}, nil
}
