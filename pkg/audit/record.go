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

// Package audit implements the Audit Chainer of spec §4.3: a
// hash-linked, append-only record stream per request, an in-memory
// Merkle tree over emitted records for independent inclusion proofs,
// and a bounded buffer that degrades gracefully — refusing override
// tokens rather than blocking the state machine — when the backlog
// grows too large.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/oversight/pkg/domain"
)

// SystemActorID is the actor recorded for audit events produced by
// automatic dispositions (e.g. AUTO_APPROVE on final timeout), per
// spec §9's Open Question resolution distinguishing system issuance
// from human approval.
const SystemActorID = domain.SystemIssuer

// Record is one append-only audit entry, hash-linked to the record
// immediately preceding it for the same request.
type Record struct {
	ID          string
	RequestID   string
	Sequence    int64
	EventType   domain.AuditEventType
	ActorType   string // "user" or "system"
	ActorID     string
	Details     map[string]interface{}
	PriorHash   []byte
	ContentHash []byte
	RecordedAt  time.Time
}

// NewRecord builds the next Record in requestID's chain, given the
// previous record's content hash (nil for the chain's first record).
func NewRecord(requestID string, sequence int64, eventType domain.AuditEventType, actorType, actorID string, details map[string]interface{}, priorHash []byte, recordedAt time.Time) Record {
	r := Record{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		Sequence:   sequence,
		EventType:  eventType,
		ActorType:  actorType,
		ActorID:    actorID,
		Details:    details,
		PriorHash:  priorHash,
		RecordedAt: recordedAt,
	}
	r.ContentHash = ComputeContentHash(r)
	return r
}

// ComputeContentHash hashes the fields of r that make it
// tamper-evident: record id, request id, sequence, event type, actor, details, and
// the prior record's hash. ContentHash itself is excluded.
func ComputeContentHash(r Record) []byte {
	h := sha256.New()
	h.Write([]byte(r.ID))
	h.Write([]byte(r.RequestID))
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(r.Sequence))
	h.Write(seqBuf[:])
	h.Write([]byte(r.EventType))
	h.Write([]byte(r.ActorType))
	h.Write([]byte(r.ActorID))
	if encoded, err := json.Marshal(r.Details); err == nil {
		h.Write(encoded)
	}
	h.Write(r.PriorHash)
	return h.Sum(nil)
}
