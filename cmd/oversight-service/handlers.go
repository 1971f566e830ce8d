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

package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	apperrors "github.com/jordigilh/oversight/internal/errors"
	"github.com/jordigilh/oversight/pkg/domain"
	"github.com/jordigilh/oversight/pkg/oversight"
)

// Server holds the HTTP handlers' dependencies: the Request Manager
// and nothing else. Every spec §6 operation is a thin JSON transcoding
// of one Manager call.
type Server struct {
	manager *oversight.Manager
	log     *zap.SugaredLogger
}

// NewServer constructs a Server.
func NewServer(manager *oversight.Manager, log *zap.SugaredLogger) *Server {
	return &Server{manager: manager, log: log}
}

// errorResponse mirrors spec §7's error envelope: a stable code, a
// human message, and a correlation id for cross-referencing logs and
// the audit trail.
type errorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

func writeJSON(w http.ResponseWriter, log *zap.SugaredLogger, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil && log != nil {
		log.Errorw("failed to encode json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, log *zap.SugaredLogger, err error) {
	correlationID := middleware.GetReqID(r.Context())

	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		writeJSON(w, log, http.StatusInternalServerError, errorResponse{
			Error:         "INTERNAL",
			Message:       err.Error(),
			CorrelationID: correlationID,
		})
		return
	}

	writeJSON(w, log, appErr.StatusCode, errorResponse{
		Error:         string(appErr.Type),
		Message:       appErr.Message,
		CorrelationID: correlationID,
	})
}

// Routes assembles the HTTP surface of spec §6: create, respond,
// cancel, validate-token, get, and watch.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1/requests", func(r chi.Router) {
		r.Post("/", s.createRequest)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getRequest)
			r.Get("/watch", s.watchRequest)
			r.Post("/responses", s.submitResponse)
			r.Post("/cancel", s.cancelRequest)
		})
	})

	r.Post("/v1/tokens/validate", s.validateToken)

	return r
}

type delegationLinkDTO struct {
	Subject string `json:"subject"`
	Kind    string `json:"kind"`
}

type riskFactorDTO struct {
	Category string `json:"category"`
	Detail   string `json:"detail"`
}

type escalationTierDTO struct {
	Approvers         []string         `json:"approvers"`
	TimeoutSeconds    int64            `json:"timeout_seconds"`
	PreferredChannels []string         `json:"preferred_channels"`
	QuorumOverride    *approvalQuorumDTO `json:"quorum_override,omitempty"`
}

type approvalQuorumDTO struct {
	Kind     string `json:"kind"`
	Required int    `json:"required,omitempty"`
}

func (q approvalQuorumDTO) toDomain() domain.ApprovalQuorum {
	return domain.ApprovalQuorum{Kind: domain.QuorumKind(q.Kind), Required: q.Required}
}

func (t escalationTierDTO) toDomain(index int) domain.EscalationTier {
	approvers := make(map[string]struct{}, len(t.Approvers))
	for _, a := range t.Approvers {
		approvers[a] = struct{}{}
	}
	var override *domain.ApprovalQuorum
	if t.QuorumOverride != nil {
		q := t.QuorumOverride.toDomain()
		override = &q
	}
	return domain.EscalationTier{
		Index:             index,
		Approvers:         approvers,
		Timeout:           time.Duration(t.TimeoutSeconds) * time.Second,
		PreferredChannels: t.PreferredChannels,
		QuorumOverride:    override,
	}
}

type createRequestDTO struct {
	AgentID         string              `json:"agent_id"`
	DelegationChain []delegationLinkDTO `json:"delegation_chain"`
	Action          string              `json:"action"`
	Resource        string              `json:"resource"`
	PolicyRef       string              `json:"policy_ref"`
	ActionSummary   string              `json:"action_summary"`
	Reasoning       string              `json:"reasoning"`
	Risks           []riskFactorDTO     `json:"risks"`
	EscalationChain []escalationTierDTO `json:"escalation_chain"`
	Quorum          approvalQuorumDTO   `json:"quorum"`
	FinalAction     string              `json:"final_action"`
	IdempotencyKey  string              `json:"idempotency_key"`
}

type createRequestResponseDTO struct {
	RequestID                     string `json:"request_id"`
	EstimatedResponseTimeSeconds  int64  `json:"estimated_response_time_seconds"`
	Idempotent                    bool   `json:"idempotent"`
}

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	var in createRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, s.log, apperrors.Wrap(err, apperrors.ErrorTypeDelegationChainInvalid, "malformed request body"))
		return
	}

	chain := make([]domain.DelegationLink, 0, len(in.DelegationChain))
	for _, l := range in.DelegationChain {
		chain = append(chain, domain.DelegationLink{Subject: l.Subject, Kind: l.Kind})
	}
	risks := make([]domain.RiskFactor, 0, len(in.Risks))
	for _, rf := range in.Risks {
		risks = append(risks, domain.RiskFactor{Category: rf.Category, Detail: rf.Detail})
	}
	tiers := make([]domain.EscalationTier, 0, len(in.EscalationChain))
	for i, t := range in.EscalationChain {
		tiers = append(tiers, t.toDomain(i))
	}

	out, err := s.manager.CreateRequest(r.Context(), oversight.CreateRequestInput{
		AgentID:         in.AgentID,
		DelegationChain: chain,
		Action:          in.Action,
		Resource:        in.Resource,
		PolicyRef:       in.PolicyRef,
		ActionSummary:   in.ActionSummary,
		Reasoning:       in.Reasoning,
		Risks:           risks,
		EscalationChain: tiers,
		Quorum:          in.Quorum.toDomain(),
		FinalAction:     domain.FinalAction(in.FinalAction),
		IdempotencyKey:  in.IdempotencyKey,
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}

	writeJSON(w, s.log, http.StatusCreated, createRequestResponseDTO{
		RequestID:                    out.RequestID,
		EstimatedResponseTimeSeconds: int64(out.EstimatedResponseTime.Seconds()),
		Idempotent:                   out.Idempotent,
	})
}

type submitResponseDTO struct {
	ApproverSubject   string            `json:"approver_subject"`
	ApproverName      string            `json:"approver_name"`
	ApproverPublicKey []byte            `json:"approver_public_key"`
	Decision          string            `json:"decision"`
	Question          string            `json:"question"`
	Reason            string            `json:"reason"`
	SignatureAlgorithm string           `json:"signature_algorithm"`
	Signature         []byte            `json:"signature"`
	Channel           string            `json:"channel"`
	ChannelMetadata   map[string]string `json:"channel_metadata"`
}

type submitResponseResultDTO struct {
	State         string              `json:"state"`
	OverrideToken *overrideTokenDTO   `json:"override_token,omitempty"`
	Idempotent    bool                `json:"idempotent"`
}

type overrideTokenDTO struct {
	Nonce                string `json:"nonce"`
	RequestID            string `json:"request_id"`
	ExpiresAt            string `json:"expires_at"`
	IssuedBy             string `json:"issued_by"`
	IssuerSignatureAlgorithm string `json:"issuer_signature_algorithm"`
	IssuerSignature      []byte `json:"issuer_signature"`
}

func tokenDTO(tok *domain.OverrideToken) *overrideTokenDTO {
	if tok == nil {
		return nil
	}
	return &overrideTokenDTO{
		Nonce:                    tok.Nonce,
		RequestID:                tok.RequestID,
		ExpiresAt:                tok.ExpiresAt.Format(time.RFC3339),
		IssuedBy:                 tok.IssuedBy,
		IssuerSignatureAlgorithm: tok.IssuerSignature.Algorithm,
		IssuerSignature:          tok.IssuerSignature.Bytes,
	}
}

func (s *Server) submitResponse(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	var in submitResponseDTO
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, s.log, apperrors.Wrap(err, apperrors.ErrorTypeInvalidSignature, "malformed response body"))
		return
	}

	resp := domain.Response{
		ApproverSubject:   in.ApproverSubject,
		ApproverName:      in.ApproverName,
		ApproverPublicKey: in.ApproverPublicKey,
		Decision:          domain.Decision(in.Decision),
		Question:          in.Question,
		Reason:            in.Reason,
		Signature:         domain.Signature{Algorithm: in.SignatureAlgorithm, Bytes: in.Signature},
		Channel:           in.Channel,
		ChannelMetadata:   in.ChannelMetadata,
	}

	out, err := s.manager.SubmitResponse(r.Context(), oversight.SubmitResponseInput{RequestID: requestID, Response: resp})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}

	writeJSON(w, s.log, http.StatusOK, submitResponseResultDTO{
		State:         string(out.State),
		OverrideToken: tokenDTO(out.OverrideToken),
		Idempotent:    out.Idempotent,
	})
}

type cancelRequestDTO struct {
	Reason     string `json:"reason"`
	Authorized bool   `json:"authorized"`
}

func (s *Server) cancelRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	var in cancelRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, s.log, apperrors.Wrap(err, apperrors.ErrorTypeCallerNotAuthorized, "malformed cancel body"))
		return
	}

	if err := s.manager.CancelRequest(r.Context(), requestID, in.Reason, in.Authorized); err != nil {
		writeError(w, r, s.log, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type validateTokenDTO struct {
	Nonce     string `json:"nonce"`
	Signature []byte `json:"signature"`
}

func (s *Server) validateToken(w http.ResponseWriter, r *http.Request) {
	var in validateTokenDTO
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, s.log, apperrors.Wrap(err, apperrors.ErrorTypeInvalidSignature, "malformed token validation body"))
		return
	}

	if err := s.manager.ValidateOverrideToken(r.Context(), in.Nonce, in.Signature); err != nil {
		writeError(w, r, s.log, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type requestDTO struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Action      string    `json:"action"`
	Resource    string    `json:"resource"`
	State       string    `json:"state"`
	TierIndex   int       `json:"tier_index"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	req, err := s.manager.GetRequest(r.Context(), requestID)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}

	writeJSON(w, s.log, http.StatusOK, requestDTO{
		ID:         req.ID,
		AgentID:    req.AgentID,
		Action:     req.Action,
		Resource:   req.Resource,
		State:      string(req.State),
		TierIndex:  req.TierIndex,
		Version:    req.Version,
		CreatedAt:  req.CreatedAt,
		UpdatedAt:  req.UpdatedAt,
		ResolvedAt: req.ResolvedAt,
	})
}

// watchRequest streams RequestUpdate events as newline-delimited JSON,
// spec §4.10's watch_request operation. fromVersion defaults to 0 (the
// full retained history).
func (s *Server) watchRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, s.log, apperrors.New(apperrors.ErrorTypeStoreUnavailable, "streaming unsupported by this connection"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	ch := s.manager.WatchRequest(r.Context(), requestID, 0)
	enc := json.NewEncoder(w)
	for update := range ch {
		if err := enc.Encode(update); err != nil {
			return
		}
		flusher.Flush()
	}
}
