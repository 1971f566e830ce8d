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

package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/jordigilh/oversight/pkg/domain"
)

// requestRow mirrors the oversight_requests table. Sub-structures that
// have no independent query pattern (delegation chain, risks,
// escalation chain, quorum) are stored as JSON columns; responses get
// their own table since the Quorum Evaluator and audit trail both
// query them independently.
type requestRow struct {
	ID                string     `db:"id"`
	AgentID           string     `db:"agent_id"`
	DelegationChain   []byte     `db:"delegation_chain"`
	Action            string     `db:"action"`
	Resource          string     `db:"resource"`
	PolicyRef         string     `db:"policy_ref"`
	ActionSummary     string     `db:"action_summary"`
	Reasoning         string     `db:"reasoning"`
	Risks             []byte     `db:"risks"`
	EscalationChain   []byte     `db:"escalation_chain"`
	Quorum            []byte     `db:"quorum"`
	FinalAction       string     `db:"final_action"`
	State             string     `db:"state"`
	TierIndex         int        `db:"tier_index"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	ResolvedAt        *time.Time `db:"resolved_at"`
	Version           int64      `db:"version"`
	IdempotencyKey    string     `db:"idempotency_key"`
	CancelReason      string     `db:"cancel_reason"`
	RetentionMarkedAt *time.Time `db:"retention_marked_at"`
}

// responseRow mirrors the approval_responses table.
type responseRow struct {
	RequestID         string    `db:"request_id"`
	ApproverSubject   string    `db:"approver_subject"`
	ApproverName      string    `db:"approver_name"`
	ApproverPublicKey []byte    `db:"approver_public_key"`
	Decision          string    `db:"decision"`
	Question          string    `db:"question"`
	Reason            string    `db:"reason"`
	SignatureAlgo     string    `db:"signature_algorithm"`
	SignatureBytes    []byte    `db:"signature_bytes"`
	Channel           string    `db:"channel"`
	ChannelMetadata   []byte    `db:"channel_metadata"`
	RespondedAt       time.Time `db:"responded_at"`
	TierIndex         int       `db:"tier_index"`
}

type escalationTierJSON struct {
	Index             int      `json:"index"`
	Approvers         []string `json:"approvers"`
	TimeoutSeconds    float64  `json:"timeout_seconds"`
	PreferredChannels []string `json:"preferred_channels"`
	QuorumOverride    *quorumJSON `json:"quorum_override,omitempty"`
}

type quorumJSON struct {
	Kind     string `json:"kind"`
	Required int    `json:"required"`
}

func encodeEscalationChain(chain []domain.EscalationTier) ([]byte, error) {
	out := make([]escalationTierJSON, len(chain))
	for i, t := range chain {
		tj := escalationTierJSON{
			Index:             t.Index,
			Approvers:         t.ApproverSubjects(),
			TimeoutSeconds:    t.Timeout.Seconds(),
			PreferredChannels: t.PreferredChannels,
		}
		if t.QuorumOverride != nil {
			tj.QuorumOverride = &quorumJSON{Kind: string(t.QuorumOverride.Kind), Required: t.QuorumOverride.Required}
		}
		out[i] = tj
	}
	return json.Marshal(out)
}

func decodeEscalationChain(raw []byte) ([]domain.EscalationTier, error) {
	var in []escalationTierJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	out := make([]domain.EscalationTier, len(in))
	for i, tj := range in {
		approvers := make(map[string]struct{}, len(tj.Approvers))
		for _, a := range tj.Approvers {
			approvers[a] = struct{}{}
		}
		tier := domain.EscalationTier{
			Index:             tj.Index,
			Approvers:         approvers,
			Timeout:           time.Duration(tj.TimeoutSeconds * float64(time.Second)),
			PreferredChannels: tj.PreferredChannels,
		}
		if tj.QuorumOverride != nil {
			tier.QuorumOverride = &domain.ApprovalQuorum{
				Kind:     domain.QuorumKind(tj.QuorumOverride.Kind),
				Required: tj.QuorumOverride.Required,
			}
		}
		out[i] = tier
	}
	return out, nil
}

func encodeQuorum(q domain.ApprovalQuorum) ([]byte, error) {
	return json.Marshal(quorumJSON{Kind: string(q.Kind), Required: q.Required})
}

func decodeQuorum(raw []byte) (domain.ApprovalQuorum, error) {
	var qj quorumJSON
	if err := json.Unmarshal(raw, &qj); err != nil {
		return domain.ApprovalQuorum{}, err
	}
	return domain.ApprovalQuorum{Kind: domain.QuorumKind(qj.Kind), Required: qj.Required}, nil
}

type delegationLinkJSON struct {
	Subject string `json:"subject"`
	Kind    string `json:"kind"`
}

func encodeDelegationChain(chain []domain.DelegationLink) ([]byte, error) {
	out := make([]delegationLinkJSON, len(chain))
	for i, l := range chain {
		out[i] = delegationLinkJSON{Subject: l.Subject, Kind: l.Kind}
	}
	return json.Marshal(out)
}

func decodeDelegationChain(raw []byte) ([]domain.DelegationLink, error) {
	var in []delegationLinkJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	out := make([]domain.DelegationLink, len(in))
	for i, l := range in {
		out[i] = domain.DelegationLink{Subject: l.Subject, Kind: l.Kind}
	}
	return out, nil
}

type riskFactorJSON struct {
	Category string `json:"category"`
	Detail   string `json:"detail"`
}

func encodeRisks(risks []domain.RiskFactor) ([]byte, error) {
	out := make([]riskFactorJSON, len(risks))
	for i, r := range risks {
		out[i] = riskFactorJSON{Category: r.Category, Detail: r.Detail}
	}
	return json.Marshal(out)
}

func decodeRisks(raw []byte) ([]domain.RiskFactor, error) {
	var in []riskFactorJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	out := make([]domain.RiskFactor, len(in))
	for i, r := range in {
		out[i] = domain.RiskFactor{Category: r.Category, Detail: r.Detail}
	}
	return out, nil
}

func encodeChannelMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return json.Marshal(map[string]string{})
	}
	return json.Marshal(m)
}

func decodeChannelMetadata(raw []byte) (map[string]string, error) {
	var m map[string]string
	if len(raw) == 0 {
		return map[string]string{}, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toRequestRow(req *domain.Request) (requestRow, error) {
	delegation, err := encodeDelegationChain(req.DelegationChain)
	if err != nil {
		return requestRow{}, err
	}
	risks, err := encodeRisks(req.Risks)
	if err != nil {
		return requestRow{}, err
	}
	chain, err := encodeEscalationChain(req.EscalationChain)
	if err != nil {
		return requestRow{}, err
	}
	quorum, err := encodeQuorum(req.Quorum)
	if err != nil {
		return requestRow{}, err
	}
	return requestRow{
		ID:                req.ID,
		AgentID:           req.AgentID,
		DelegationChain:   delegation,
		Action:            req.Action,
		Resource:          req.Resource,
		PolicyRef:         req.PolicyRef,
		ActionSummary:     req.ActionSummary,
		Reasoning:         req.Reasoning,
		Risks:             risks,
		EscalationChain:   chain,
		Quorum:            quorum,
		FinalAction:       string(req.FinalAction),
		State:             string(req.State),
		TierIndex:         req.TierIndex,
		CreatedAt:         req.CreatedAt,
		UpdatedAt:         req.UpdatedAt,
		ResolvedAt:        req.ResolvedAt,
		Version:           req.Version,
		IdempotencyKey:    req.IdempotencyKey,
		CancelReason:      req.CancelReason,
		RetentionMarkedAt: req.RetentionMarkedAt,
	}, nil
}

func fromRequestRow(row requestRow, responses []domain.Response) (*domain.Request, error) {
	delegation, err := decodeDelegationChain(row.DelegationChain)
	if err != nil {
		return nil, err
	}
	risks, err := decodeRisks(row.Risks)
	if err != nil {
		return nil, err
	}
	chain, err := decodeEscalationChain(row.EscalationChain)
	if err != nil {
		return nil, err
	}
	quorum, err := decodeQuorum(row.Quorum)
	if err != nil {
		return nil, err
	}
	return &domain.Request{
		ID:                row.ID,
		AgentID:           row.AgentID,
		DelegationChain:   delegation,
		Action:            row.Action,
		Resource:          row.Resource,
		PolicyRef:         row.PolicyRef,
		ActionSummary:     row.ActionSummary,
		Reasoning:         row.Reasoning,
		Risks:             risks,
		EscalationChain:   chain,
		Quorum:            quorum,
		FinalAction:       domain.FinalAction(row.FinalAction),
		State:             domain.State(row.State),
		TierIndex:         row.TierIndex,
		Responses:         responses,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
		ResolvedAt:        row.ResolvedAt,
		Version:           row.Version,
		IdempotencyKey:    row.IdempotencyKey,
		CancelReason:      row.CancelReason,
		RetentionMarkedAt: row.RetentionMarkedAt,
	}, nil
}

func toResponseRow(requestID string, r domain.Response) (responseRow, error) {
	meta, err := encodeChannelMetadata(r.ChannelMetadata)
	if err != nil {
		return responseRow{}, err
	}
	return responseRow{
		RequestID:         requestID,
		ApproverSubject:   r.ApproverSubject,
		ApproverName:      r.ApproverName,
		ApproverPublicKey: r.ApproverPublicKey,
		Decision:          string(r.Decision),
		Question:          r.Question,
		Reason:            r.Reason,
		SignatureAlgo:     r.Signature.Algorithm,
		SignatureBytes:    r.Signature.Bytes,
		Channel:           r.Channel,
		ChannelMetadata:   meta,
		RespondedAt:       r.RespondedAt,
		TierIndex:         r.TierIndex,
	}, nil
}

func fromResponseRow(row responseRow) (domain.Response, error) {
	meta, err := decodeChannelMetadata(row.ChannelMetadata)
	if err != nil {
		return domain.Response{}, err
	}
	return domain.Response{
		ApproverSubject:   row.ApproverSubject,
		ApproverName:      row.ApproverName,
		ApproverPublicKey: row.ApproverPublicKey,
		Decision:          domain.Decision(row.Decision),
		Question:          row.Question,
		Reason:            row.Reason,
		Signature:         domain.Signature{Algorithm: row.SignatureAlgo, Bytes: row.SignatureBytes},
		Channel:           row.Channel,
		ChannelMetadata:   meta,
		RespondedAt:       row.RespondedAt,
		TierIndex:         row.TierIndex,
	}, nil
}
