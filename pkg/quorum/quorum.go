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

// Package quorum evaluates a tier's responses against its ApprovalQuorum
// policy, per spec §4.6. Evaluation is a pure function of the tier's
// eligible approvers and the responses recorded at the current tier: it
// holds no state of its own and makes no I/O calls, so the Request
// Manager can re-run it on every response and on recovery without any
// side effect.
package quorum

import (
	"fmt"

	"github.com/jordigilh/oversight/pkg/domain"
)

// Outcome is the result of evaluating a tier's responses against its
// quorum policy.
type Outcome string

const (
	// OutcomeMet means the quorum condition is satisfied by APPROVE
	// responses: the tier (and, if last, the request) should resolve
	// APPROVED.
	OutcomeMet Outcome = "QUORUM_MET"
	// OutcomeDenied means a DENY response has short-circuited the tier
	// (single DENY always denies, regardless of quorum kind). Only a DENY
	// produces it: a quorum that the remaining approvers can no longer
	// meet stays OutcomePending until the tier times out.
	OutcomeDenied Outcome = "QUORUM_DENIED"
	// OutcomePending means neither MET nor DENIED yet: more responses,
	// a timeout, or an escalation is needed.
	OutcomePending Outcome = "QUORUM_PENDING"
)

// Result is the outcome of one evaluation, carrying the responses that
// contributed to it for audit purposes.
type Result struct {
	Outcome          Outcome
	ApproveCount     int
	DenyCount        int
	RequiredApproves int
	DenyingResponse  *domain.Response
}

// Evaluate computes the quorum Outcome for a tier given its eligible
// approver set, quorum policy, and the responses recorded at that tier.
//
// Rules (spec §3, §4.6):
//   - A single DENY from an eligible approver denies the tier
//     immediately, regardless of quorum kind (invariant: "DENY always
//     short-circuits").
//   - ANY requires at least one APPROVE.
//   - ALL requires an APPROVE from every eligible approver.
//   - THRESHOLD{N} requires at least N APPROVEs.
//   - REQUEST_MORE_INFO responses count toward neither APPROVE nor DENY;
//     they leave the tier PENDING.
func Evaluate(q domain.ApprovalQuorum, eligible map[string]struct{}, responses []domain.Response) (Result, error) {
	approveCount := 0
	var denying *domain.Response

	for i := range responses {
		resp := &responses[i]
		if _, ok := eligible[resp.ApproverSubject]; !ok {
			continue
		}
		switch resp.Decision {
		case domain.DecisionDeny:
			if denying == nil {
				denying = resp
			}
		case domain.DecisionApprove:
			approveCount++
		case domain.DecisionRequestMoreInfo:
			// counts toward neither total
		}
	}

	required, err := requiredApproves(q, len(eligible))
	if err != nil {
		return Result{}, err
	}

	result := Result{
		ApproveCount:     approveCount,
		DenyCount:        boolToCount(denying != nil),
		RequiredApproves: required,
	}

	if denying != nil {
		result.Outcome = OutcomeDenied
		result.DenyingResponse = denying
		return result, nil
	}

	if approveCount >= required {
		result.Outcome = OutcomeMet
		return result, nil
	}

	result.Outcome = OutcomePending
	return result, nil
}

func requiredApproves(q domain.ApprovalQuorum, eligibleCount int) (int, error) {
	switch q.Kind {
	case domain.QuorumANY:
		return 1, nil
	case domain.QuorumALL:
		return eligibleCount, nil
	case domain.QuorumTHRESHOLD:
		if q.Required < 1 {
			return 0, fmt.Errorf("quorum: THRESHOLD requires a positive required count, got %d", q.Required)
		}
		if q.Required > eligibleCount {
			return 0, fmt.Errorf("quorum: THRESHOLD requires %d approvers but tier only has %d eligible", q.Required, eligibleCount)
		}
		return q.Required, nil
	default:
		return 0, fmt.Errorf("quorum: unknown quorum kind %q", q.Kind)
	}
}

func boolToCount(b bool) int {
	if b {
		return 1
	}
	return 0
}
