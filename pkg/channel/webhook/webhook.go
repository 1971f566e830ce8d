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

// Package webhook is the reference channel.Adapter: it POSTs a JSON
// rendering of the approval request to a per-approver URL and
// authenticates inbound responses with an HMAC-SHA256 signature over
// the raw body, carried in the inbound envelope's "signature" metadata entry. Chat and
// email adapters are out of scope for the core (spec §1 Non-goals);
// this adapter exists to exercise the channel.Adapter contract end to
// end.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jordigilh/oversight/pkg/channel"
	"github.com/jordigilh/oversight/pkg/domain"
)

// URLResolver maps an approver subject to the webhook URL that should
// receive their notification. Kept separate from the Adapter so the
// lookup can be backed by anything (static config, identity registry).
type URLResolver interface {
	URLFor(subject string) (string, error)
}

// Adapter is the webhook channel.Adapter implementation.
type Adapter struct {
	client   *http.Client
	urls     URLResolver
	secret   []byte
}

// New constructs a webhook Adapter. secret signs outbound payloads and
// verifies the "signature" metadata entry on inbound envelopes.
func New(client *http.Client, urls URLResolver, secret []byte) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Adapter{client: client, urls: urls, secret: secret}
}

var _ channel.Adapter = (*Adapter)(nil)

// Kind returns "webhook".
func (a *Adapter) Kind() string { return "webhook" }

type outboundPayload struct {
	RequestID     string             `json:"request_id"`
	AgentID       string             `json:"agent_id"`
	Action        string             `json:"action"`
	Resource      string             `json:"resource"`
	ActionSummary string             `json:"action_summary"`
	Reasoning     string             `json:"reasoning"`
	Risks         []domain.RiskFactor `json:"risks,omitempty"`
	TierIndex     int                `json:"tier_index"`
	ExpiresAt     time.Time          `json:"expires_at"`
	Approver      string             `json:"approver_subject"`
}

// Send POSTs the rendered request to the approver's resolved URL and
// records the outcome as a DeliveryAttempt.
func (a *Adapter) Send(ctx context.Context, snapshot channel.RequestSnapshot, approval channel.ApprovalContext, approver channel.ApproverIdentity) (domain.DeliveryAttempt, error) {
	attempt := domain.DeliveryAttempt{
		RequestID:   snapshot.RequestID,
		TierIndex:   approval.TierIndex,
		ChannelKind: a.Kind(),
		Recipient:   approver.Subject,
		AttemptedAt: time.Now(),
	}

	url, err := a.urls.URLFor(approver.Subject)
	if err != nil {
		attempt.Status = domain.DeliveryFailed
		attempt.Error = err.Error()
		return attempt, err
	}

	body, err := json.Marshal(outboundPayload{
		RequestID:     snapshot.RequestID,
		AgentID:       snapshot.AgentID,
		Action:        snapshot.Action,
		Resource:      snapshot.Resource,
		ActionSummary: snapshot.ActionSummary,
		Reasoning:     snapshot.Reasoning,
		Risks:         snapshot.Risks,
		TierIndex:     approval.TierIndex,
		ExpiresAt:     approval.ExpiresAt,
		Approver:      approver.Subject,
	})
	if err != nil {
		attempt.Status = domain.DeliveryFailed
		attempt.Error = err.Error()
		return attempt, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		attempt.Status = domain.DeliveryFailed
		attempt.Error = err.Error()
		return attempt, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Oversight-Signature", a.sign(body))

	resp, err := a.client.Do(req)
	if err != nil {
		attempt.Status = domain.DeliveryFailed
		attempt.Error = err.Error()
		return attempt, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Status = domain.DeliveryDelivered
		return attempt, nil
	}

	attempt.Status = domain.DeliveryFailed
	attempt.Error = fmt.Sprintf("webhook returned status %d", resp.StatusCode)
	return attempt, fmt.Errorf("webhook: %s", attempt.Error)
}

// VerifyInbound checks the carried HMAC signature and decodes the
// envelope's raw payload into a domain.Response.
func (a *Adapter) VerifyInbound(_ context.Context, envelope channel.InboundEnvelope) (domain.Response, error) {
	signature := envelope.Metadata["signature"]
	if !hmac.Equal([]byte(signature), []byte(a.sign(envelope.RawPayload))) {
		return domain.Response{}, fmt.Errorf("webhook: inbound signature mismatch")
	}

	var in inboundPayload
	if err := json.Unmarshal(envelope.RawPayload, &in); err != nil {
		return domain.Response{}, fmt.Errorf("webhook: malformed inbound payload: %w", err)
	}

	return domain.Response{
		ApproverSubject:   in.ApproverSubject,
		ApproverName:      in.ApproverName,
		ApproverPublicKey: in.ApproverPublicKey,
		Decision:          domain.Decision(in.Decision),
		Question:          in.Question,
		Reason:            in.Reason,
		Signature:         domain.Signature{Algorithm: in.Signature.Algorithm, Bytes: in.Signature.Bytes},
		Channel:           "webhook",
		ChannelMetadata:   envelope.Metadata,
		RespondedAt:       in.RespondedAt,
		TierIndex:         in.TierIndex,
	}, nil
}

type inboundPayload struct {
	ApproverSubject   string    `json:"approver_subject"`
	ApproverName      string    `json:"approver_name"`
	ApproverPublicKey []byte    `json:"approver_public_key"`
	Decision          string    `json:"decision"`
	Question          string    `json:"question"`
	Reason            string    `json:"reason"`
	Signature         struct {
		Algorithm string `json:"algorithm"`
		Bytes     []byte `json:"bytes"`
	} `json:"signature"`
	RespondedAt time.Time `json:"responded_at"`
	TierIndex   int       `json:"tier_index"`
}

func (a *Adapter) sign(body []byte) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
