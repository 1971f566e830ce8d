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

package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/jordigilh/oversight/internal/errors"
)

// Store persists audit Records to the append-only approval_audit table
// and periodically publishes the Merkle root. Implementations must
// reject UPDATE/DELETE at the schema level (spec §6: "audit is
// append-only with update/delete policies rejecting modification").
type Store interface {
	StoreRecord(ctx context.Context, r Record) error
	StoreRoot(ctx context.Context, root []byte) error
	Close() error
}

// PostgresStore is the Store backed by the approval_audit table.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an existing *sqlx.DB (opened with the pgx
// driver by the caller, per the teacher's `sqlx.Connect("pgx", dsn)`
// convention).
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const insertRecordSQL = `
INSERT INTO approval_audit
	(id, request_id, sequence, event_type, actor_type, actor_id, details, prior_hash, content_hash, recorded_at)
VALUES
	(:id, :request_id, :sequence, :event_type, :actor_type, :actor_id, :details, :prior_hash, :content_hash, :recorded_at)
`

type recordRow struct {
	ID          string `db:"id"`
	RequestID   string `db:"request_id"`
	Sequence    int64  `db:"sequence"`
	EventType   string `db:"event_type"`
	ActorType   string `db:"actor_type"`
	ActorID     string `db:"actor_id"`
	Details     []byte `db:"details"`
	PriorHash   []byte `db:"prior_hash"`
	ContentHash []byte `db:"content_hash"`
	RecordedAt  int64  `db:"recorded_at"`
}

// StoreRecord appends r to the audit table. Never updates or deletes
// an existing row.
func (s *PostgresStore) StoreRecord(ctx context.Context, r Record) error {
	details, err := json.Marshal(r.Details)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeAuditBacklogExceeded, "failed to marshal audit record details")
	}

	row := recordRow{
		ID:          r.ID,
		RequestID:   r.RequestID,
		Sequence:    r.Sequence,
		EventType:   string(r.EventType),
		ActorType:   r.ActorType,
		ActorID:     r.ActorID,
		Details:     details,
		PriorHash:   r.PriorHash,
		ContentHash: r.ContentHash,
		RecordedAt:  r.RecordedAt.UnixNano(),
	}

	if _, err := s.db.NamedExecContext(ctx, insertRecordSQL, row); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeStoreUnavailable, "failed to persist audit record %s", r.ID)
	}
	return nil
}

const upsertRootSQL = `
INSERT INTO audit_merkle_roots (recorded_at, root)
VALUES ($1, $2)
`

// StoreRoot persists the current Merkle root as a new row, leaving the
// history of roots intact for independent verification over time.
func (s *PostgresStore) StoreRoot(ctx context.Context, root []byte) error {
	if _, err := s.db.ExecContext(ctx, upsertRootSQL, time.Now().UnixNano(), root); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to persist audit merkle root")
	}
	return nil
}

// Close releases the underlying database connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
