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
	"bytes"
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/jordigilh/oversight/internal/errors"
	"github.com/jordigilh/oversight/pkg/domain"
)

// PostgresStore is the Store backed by oversight_requests and
// approval_responses. Opened by the caller via
// sqlx.Connect("pgx", dsn), per the teacher's database convention.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an already-connected *sqlx.DB.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const insertRequestSQL = `
INSERT INTO oversight_requests
	(id, agent_id, delegation_chain, action, resource, policy_ref, action_summary,
	 reasoning, risks, escalation_chain, quorum, final_action, state, tier_index,
	 created_at, updated_at, resolved_at, version, idempotency_key, cancel_reason,
	 retention_marked_at)
VALUES
	(:id, :agent_id, :delegation_chain, :action, :resource, :policy_ref, :action_summary,
	 :reasoning, :risks, :escalation_chain, :quorum, :final_action, :state, :tier_index,
	 :created_at, :updated_at, :resolved_at, :version, :idempotency_key, :cancel_reason,
	 :retention_marked_at)
`

// Save persists a brand-new Request at version 1.
func (s *PostgresStore) Save(ctx context.Context, req *domain.Request) (int64, error) {
	req.Version = 1
	row, err := toRequestRow(req)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to encode request")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, insertRequestSQL, row); err != nil {
		return 0, apperrors.Wrapf(err, apperrors.ErrorTypeStoreUnavailable, "failed to insert request %s", req.ID)
	}
	if err := insertResponses(ctx, tx, req.ID, req.Responses); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to commit request save")
	}
	return req.Version, nil
}

const updateRequestSQL = `
UPDATE oversight_requests SET
	delegation_chain = :delegation_chain,
	action_summary = :action_summary,
	reasoning = :reasoning,
	risks = :risks,
	escalation_chain = :escalation_chain,
	quorum = :quorum,
	final_action = :final_action,
	state = :state,
	tier_index = :tier_index,
	updated_at = :updated_at,
	resolved_at = :resolved_at,
	version = :version,
	cancel_reason = :cancel_reason,
	retention_marked_at = :retention_marked_at
WHERE id = :id AND version = :expected_version
`

// SaveIfVersion persists req only if the stored row's version still
// equals expectedPrevVersion, replacing the response list atomically
// with req's current in-memory list (the state machine's Plan always
// operates on the full Request, never a delta).
func (s *PostgresStore) SaveIfVersion(ctx context.Context, req *domain.Request, expectedPrevVersion int64) (int64, error) {
	nextVersion := expectedPrevVersion + 1
	req.Version = nextVersion
	row, err := toRequestRow(req)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to encode request")
	}

	params := map[string]interface{}{
		"delegation_chain":    row.DelegationChain,
		"action_summary":      row.ActionSummary,
		"reasoning":           row.Reasoning,
		"risks":               row.Risks,
		"escalation_chain":    row.EscalationChain,
		"quorum":              row.Quorum,
		"final_action":        row.FinalAction,
		"state":               row.State,
		"tier_index":          row.TierIndex,
		"updated_at":          row.UpdatedAt,
		"resolved_at":         row.ResolvedAt,
		"version":             nextVersion,
		"cancel_reason":       row.CancelReason,
		"retention_marked_at": row.RetentionMarkedAt,
		"id":                  row.ID,
		"expected_version":    expectedPrevVersion,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to begin transaction")
	}
	defer tx.Rollback()

	var priorTierIndex int
	if err := tx.GetContext(ctx, &priorTierIndex, "SELECT tier_index FROM oversight_requests WHERE id = $1 FOR UPDATE", req.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperrors.Newf(apperrors.ErrorTypeConcurrentModification,
				"request %s was not at expected version %d", req.ID, expectedPrevVersion)
		}
		return 0, apperrors.Wrapf(err, apperrors.ErrorTypeStoreUnavailable, "failed to lock request %s", req.ID)
	}

	result, err := tx.NamedExecContext(ctx, updateRequestSQL, params)
	if err != nil {
		return 0, apperrors.Wrapf(err, apperrors.ErrorTypeStoreUnavailable, "failed to update request %s", req.ID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to read rows affected")
	}
	if affected == 0 {
		return 0, apperrors.Newf(apperrors.ErrorTypeConcurrentModification,
			"request %s was not at expected version %d", req.ID, expectedPrevVersion)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM approval_responses WHERE request_id = $1", req.ID); err != nil {
		return 0, apperrors.Wrapf(err, apperrors.ErrorTypeStoreUnavailable, "failed to clear responses for request %s", req.ID)
	}
	if err := insertResponses(ctx, tx, req.ID, req.Responses); err != nil {
		return 0, err
	}

	if req.TierIndex > priorTierIndex {
		if _, err := tx.ExecContext(ctx, insertEscalationSQL, req.ID, req.TierIndex, row.UpdatedAt); err != nil {
			return 0, apperrors.Wrapf(err, apperrors.ErrorTypeStoreUnavailable, "failed to record escalation history for request %s", req.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to commit request save")
	}
	return nextVersion, nil
}

const insertEscalationSQL = `
INSERT INTO escalation_history (request_id, tier_index, escalated_at)
VALUES ($1, $2, $3)
ON CONFLICT (request_id, tier_index) DO NOTHING
`

const insertResponseSQL = `
INSERT INTO approval_responses
	(request_id, approver_subject, approver_name, approver_public_key, decision,
	 question, reason, signature_algorithm, signature_bytes, channel,
	 channel_metadata, responded_at, tier_index)
VALUES
	(:request_id, :approver_subject, :approver_name, :approver_public_key, :decision,
	 :question, :reason, :signature_algorithm, :signature_bytes, :channel,
	 :channel_metadata, :responded_at, :tier_index)
`

func insertResponses(ctx context.Context, tx *sqlx.Tx, requestID string, responses []domain.Response) error {
	for _, r := range responses {
		row, err := toResponseRow(requestID, r)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to encode response")
		}
		if _, err := tx.NamedExecContext(ctx, insertResponseSQL, row); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeStoreUnavailable, "failed to insert response for request %s", requestID)
		}
	}
	return nil
}

const selectRequestSQL = `SELECT * FROM oversight_requests WHERE id = $1`
const selectResponsesSQL = `SELECT * FROM approval_responses WHERE request_id = $1 ORDER BY responded_at ASC`

// Load returns the Request by id.
func (s *PostgresStore) Load(ctx context.Context, id string) (*domain.Request, error) {
	var row requestRow
	if err := s.db.GetContext(ctx, &row, selectRequestSQL, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Newf(apperrors.ErrorTypeRequestNotFound, "request %s not found", id)
		}
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeStoreUnavailable, "failed to load request %s", id)
	}

	var responseRows []responseRow
	if err := s.db.SelectContext(ctx, &responseRows, selectResponsesSQL, id); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeStoreUnavailable, "failed to load responses for request %s", id)
	}
	responses := make([]domain.Response, len(responseRows))
	for i, rr := range responseRows {
		resp, err := fromResponseRow(rr)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to decode response")
		}
		responses[i] = resp
	}

	return fromRequestRow(row, responses)
}

const scanNonTerminalSQL = `SELECT * FROM oversight_requests WHERE state NOT IN ('APPROVED', 'DENIED', 'TIMED_OUT', 'CANCELLED')`

// ScanNonTerminal returns every non-terminal Request, for startup
// recovery of the Timer Wheel and Delivery Log.
func (s *PostgresStore) ScanNonTerminal(ctx context.Context) ([]*domain.Request, error) {
	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, scanNonTerminalSQL); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to scan non-terminal requests")
	}

	out := make([]*domain.Request, 0, len(rows))
	for _, row := range rows {
		var responseRows []responseRow
		if err := s.db.SelectContext(ctx, &responseRows, selectResponsesSQL, row.ID); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrorTypeStoreUnavailable, "failed to load responses for request %s", row.ID)
		}
		responses := make([]domain.Response, len(responseRows))
		for i, rr := range responseRows {
			resp, err := fromResponseRow(rr)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to decode response")
			}
			responses[i] = resp
		}
		req, err := fromRequestRow(row, responses)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to decode request")
		}
		out = append(out, req)
	}
	return out, nil
}

const insertIdempotencySQL = `
INSERT INTO idempotency_keys (idempotency_key, request_id, payload_hash)
VALUES ($1, $2, $3)
ON CONFLICT (idempotency_key) DO NOTHING
`
const selectIdempotencySQL = `SELECT request_id, payload_hash FROM idempotency_keys WHERE idempotency_key = $1`

type idempotencyRow struct {
	RequestID   string `db:"request_id"`
	PayloadHash []byte `db:"payload_hash"`
}

// ReserveIdempotencyKey is the only way to create a Request with a
// client-supplied idempotency key.
func (s *PostgresStore) ReserveIdempotencyKey(ctx context.Context, key string, requestID string, payloadHash []byte) (string, bool, error) {
	result, err := s.db.ExecContext(ctx, insertIdempotencySQL, key, requestID, payloadHash)
	if err != nil {
		return "", false, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to reserve idempotency key")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", false, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to read rows affected")
	}
	if affected == 1 {
		return requestID, true, nil
	}

	var existing idempotencyRow
	if err := s.db.GetContext(ctx, &existing, selectIdempotencySQL, key); err != nil {
		return "", false, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to read existing idempotency key")
	}
	if !bytes.Equal(existing.PayloadHash, payloadHash) {
		return "", false, apperrors.Newf(apperrors.ErrorTypeIdempotencyConflict,
			"idempotency key %s already used with a different payload", key)
	}
	return existing.RequestID, false, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
