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

// Package checkpoint persists Requests with optimistic concurrency, per
// spec §4.4. Save-if-version is the sole mutation path from the state
// machine: every write is scoped to a single Request's row, its
// response list, and its escalation history, committed atomically in
// one transaction.
package checkpoint

import (
	"context"

	"github.com/jordigilh/oversight/pkg/domain"
)

// Store is the Checkpoint Store's exposed surface, spec §4.4.
type Store interface {
	// Save persists a brand-new Request and returns its initial version.
	Save(ctx context.Context, req *domain.Request) (int64, error)

	// SaveIfVersion persists req's current in-memory state only if the
	// stored row's version still equals expectedPrevVersion, then
	// returns the new version. A mismatch returns
	// errors.ErrorTypeConcurrentModification; the caller reloads and
	// retries (the Request Manager, not this package: at most 3 attempts
	// in total, each retry immediate, with no backoff or jitter).
	SaveIfVersion(ctx context.Context, req *domain.Request, expectedPrevVersion int64) (int64, error)

	// Load returns the Request by id, or errors.ErrorTypeRequestNotFound.
	Load(ctx context.Context, id string) (*domain.Request, error)

	// ScanNonTerminal returns every Request whose State is not terminal
	// (PENDING or, transiently, ESCALATED), for Timer Wheel and
	// Delivery Log recovery at startup.
	ScanNonTerminal(ctx context.Context) ([]*domain.Request, error)

	// ReserveIdempotencyKey is the only way to create a Request with a
	// client-supplied idempotency key. A collision on the same key with
	// a different payloadHash returns errors.ErrorTypeIdempotencyConflict;
	// a collision with an identical payloadHash returns the existing
	// request id and isNew=false.
	ReserveIdempotencyKey(ctx context.Context, key string, requestID string, payloadHash []byte) (existingRequestID string, isNew bool, err error)

	Close() error
}
