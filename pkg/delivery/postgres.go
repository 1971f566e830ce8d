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

package delivery

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/jordigilh/oversight/internal/errors"
	"github.com/jordigilh/oversight/pkg/domain"
)

// PostgresStore is the Store backed by the notification_log table.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an already-connected *sqlx.DB.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const insertAttemptSQL = `
INSERT INTO notification_log
	(request_id, tier_index, channel_kind, recipient, status, error, retry_count, attempted_at)
VALUES
	(:request_id, :tier_index, :channel_kind, :recipient, :status, :error, :retry_count, :attempted_at)
`

// RecordAttempt appends attempt to notification_log.
func (s *PostgresStore) RecordAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	row := map[string]interface{}{
		"request_id":   attempt.RequestID,
		"tier_index":   attempt.TierIndex,
		"channel_kind": attempt.ChannelKind,
		"recipient":    attempt.Recipient,
		"status":       string(attempt.Status),
		"error":        attempt.Error,
		"retry_count":  attempt.RetryCount,
		"attempted_at": attempt.AttemptedAt,
	}
	if _, err := s.db.NamedExecContext(ctx, insertAttemptSQL, row); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeStoreUnavailable, "failed to record delivery attempt for request %s", attempt.RequestID)
	}
	return nil
}

const selectAttemptsSQL = `
SELECT request_id, tier_index, channel_kind, recipient, status, error, retry_count, attempted_at
FROM notification_log
WHERE request_id = $1 AND tier_index = $2
ORDER BY attempted_at ASC
`

type notificationRow struct {
	RequestID   string    `db:"request_id"`
	TierIndex   int       `db:"tier_index"`
	ChannelKind string    `db:"channel_kind"`
	Recipient   string    `db:"recipient"`
	Status      string    `db:"status"`
	Error       string    `db:"error"`
	RetryCount  int       `db:"retry_count"`
	AttemptedAt time.Time `db:"attempted_at"`
}

// AttemptsForTier returns every recorded attempt for (requestID,
// tierIndex), the source of truth for "has approver X been notified"
// on startup recovery (spec §4.5).
func (s *PostgresStore) AttemptsForTier(ctx context.Context, requestID string, tierIndex int) ([]domain.DeliveryAttempt, error) {
	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, selectAttemptsSQL, requestID, tierIndex); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeStoreUnavailable, "failed to load delivery attempts for request %s", requestID)
	}
	out := make([]domain.DeliveryAttempt, len(rows))
	for i, r := range rows {
		out[i] = domain.DeliveryAttempt{
			RequestID:   r.RequestID,
			TierIndex:   r.TierIndex,
			ChannelKind: r.ChannelKind,
			Recipient:   r.Recipient,
			Status:      domain.DeliveryStatus(r.Status),
			Error:       r.Error,
			RetryCount:  r.RetryCount,
			AttemptedAt: r.AttemptedAt,
		}
	}
	return out, nil
}
