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
	"time"

	apperrors "github.com/jordigilh/oversight/internal/errors"
	"github.com/jordigilh/oversight/pkg/domain"
)

// defaultMaxEscalationTiers is spec §4.8's upper bound ("1 to 10
// tiers") used when Config.MaxTiers is left zero-valued.
const defaultMaxEscalationTiers = 10

// validateCreateRequest checks a CreateRequestInput against spec §7's
// input-validation error kinds before any durable state is touched.
func validateCreateRequest(in CreateRequestInput, minTimeout, maxTimeout time.Duration, maxTiers int) error {
	if len(in.EscalationChain) == 0 {
		return apperrors.New(apperrors.ErrorTypeEscalationChainEmpty, "escalation chain must contain at least one tier")
	}
	if len(in.EscalationChain) > maxTiers {
		return apperrors.Newf(apperrors.ErrorTypeEscalationChainEmpty,
			"escalation chain has %d tiers, exceeding the maximum of %d", len(in.EscalationChain), maxTiers)
	}

	for i, tier := range in.EscalationChain {
		if tier.Timeout < minTimeout || tier.Timeout > maxTimeout {
			return apperrors.Newf(apperrors.ErrorTypeTimeoutOutOfBounds,
				"tier %d timeout %s is outside the allowed [%s, %s] range", i, tier.Timeout, minTimeout, maxTimeout)
		}
		if len(tier.Approvers) == 0 {
			return apperrors.Newf(apperrors.ErrorTypeEscalationChainEmpty, "tier %d has no eligible approvers", i)
		}
		quorumToValidate := in.Quorum
		if tier.QuorumOverride != nil {
			quorumToValidate = *tier.QuorumOverride
		}
		if err := validateQuorum(quorumToValidate, len(tier.Approvers)); err != nil {
			return err
		}
	}

	if len(in.DelegationChain) == 0 {
		return apperrors.New(apperrors.ErrorTypeDelegationChainInvalid, "delegation chain must not be empty")
	}
	if root := in.DelegationChain[len(in.DelegationChain)-1]; root.Kind != "human" {
		return apperrors.New(apperrors.ErrorTypeDelegationChainInvalid, "delegation chain must root at a human principal")
	}

	return nil
}

func validateQuorum(q domain.ApprovalQuorum, tierSize int) error {
	switch q.Kind {
	case domain.QuorumANY, domain.QuorumALL:
		return nil
	case domain.QuorumTHRESHOLD:
		if q.Required < 1 || q.Required > tierSize {
			return apperrors.Newf(apperrors.ErrorTypeInvalidQuorumConfig,
				"THRESHOLD requires a required count between 1 and %d, got %d", tierSize, q.Required)
		}
		return nil
	default:
		return apperrors.Newf(apperrors.ErrorTypeInvalidQuorumConfig, "unknown quorum kind %q", q.Kind)
	}
}
