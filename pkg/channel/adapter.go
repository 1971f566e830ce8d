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

// Package channel defines the polymorphic channel adapter contract
// (spec §6) and a registry of concrete adapters. The core never parses
// channel-native payloads; every adapter is responsible for its own
// transport and for verifying the adapter-specific authenticity of an
// inbound carrier before handing the core a domain.Response.
package channel

import (
	"context"
	"time"

	"github.com/jordigilh/oversight/pkg/domain"
)

// RequestSnapshot is the read-only projection of a Request an adapter
// needs to render a notification. It deliberately excludes internal
// bookkeeping (version, idempotency key) that adapters have no use for.
type RequestSnapshot struct {
	RequestID     string
	AgentID       string
	Action        string
	Resource      string
	ActionSummary string
	Reasoning     string
	Risks         []domain.RiskFactor
	CreatedAt     time.Time
}

// ApprovalContext carries the tier-specific facts an adapter needs:
// which tier is asking and by when a response is expected.
type ApprovalContext struct {
	TierIndex  int
	ExpiresAt  time.Time
	Quorum     domain.ApprovalQuorum
}

// ApproverIdentity identifies who the adapter is notifying.
type ApproverIdentity struct {
	Subject string
	Name    string
}

// InboundEnvelope is the adapter-native payload an adapter has already
// authenticated (e.g. verified a channel signing secret) and is now
// handing to the core for translation into a domain.Response. The core
// itself never inspects RawPayload's shape.
type InboundEnvelope struct {
	Channel    string
	RawPayload []byte
	Metadata   map[string]string
}

// Adapter is the channel adapter contract, spec §6: "Each adapter
// implements send(...) -> DeliveryAttempt and verify_inbound(...) ->
// Response."
type Adapter interface {
	// Kind identifies the adapter (e.g. "webhook", "slack", "email"),
	// matched against EscalationTier.PreferredChannels entries.
	Kind() string

	Send(ctx context.Context, snapshot RequestSnapshot, approval ApprovalContext, approver ApproverIdentity) (domain.DeliveryAttempt, error)

	VerifyInbound(ctx context.Context, envelope InboundEnvelope) (domain.Response, error)
}
