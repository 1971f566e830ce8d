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

// Package token implements the Override Token Issuer (spec §4.9): a
// one-shot capability minted on APPROVED commit and consumed exactly
// once by the upstream authorizer.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/jordigilh/oversight/internal/errors"
	"github.com/jordigilh/oversight/pkg/domain"
	"github.com/jordigilh/oversight/pkg/verify"
)

// Signer produces the issuer signature over a minted token's canonical
// message, using the oversight core's own signing key.
type Signer interface {
	Algorithm() string
	Sign(message []byte) ([]byte, error)
}

// Issuer mints and validates OverrideTokens.
type Issuer struct {
	redis  *redis.Client
	signer Signer
	ttl    time.Duration
	// retention is how long the active-token record (and its used
	// tombstone) survive past ExpiresAt, so Validate can distinguish
	// TOKEN_EXPIRED from "never existed" instead of both reading as a
	// cache miss.
	retention time.Duration
}

// NewIssuer constructs an Issuer. ttl is spec §6's token_ttl (default
// 60s).
func NewIssuer(redisClient *redis.Client, signer Signer, ttl time.Duration) *Issuer {
	return &Issuer{redis: redisClient, signer: signer, ttl: ttl, retention: ttl * 10}
}

func activeKey(nonce string) string { return "token:active:" + nonce }
func usedKey(nonce string) string   { return "token:used:" + nonce }

// CanonicalMessage builds the signed payload for an override token,
// mirroring pkg/verify's response canonical message convention.
func CanonicalMessage(nonce, requestID string, approvalEvidenceHash []byte, expiresAt time.Time) []byte {
	msg := nonce + "|" + requestID + "|" + hex.EncodeToString(approvalEvidenceHash) + "|" + strconv.FormatInt(expiresAt.Unix(), 10)
	return []byte(msg)
}

// Issue mints a new OverrideToken for req and stores it for later
// consumption.
func (iss *Issuer) Issue(ctx context.Context, req *domain.Request, approvalEvidenceHash []byte, now time.Time) (domain.OverrideToken, error) {
	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return domain.OverrideToken{}, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to generate token nonce")
	}
	nonce := hex.EncodeToString(nonceBytes)
	expiresAt := now.Add(iss.ttl)

	message := CanonicalMessage(nonce, req.ID, approvalEvidenceHash, expiresAt)
	sig, err := iss.signer.Sign(message)
	if err != nil {
		return domain.OverrideToken{}, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to sign override token")
	}

	tok := domain.OverrideToken{
		Nonce:                nonce,
		RequestID:            req.ID,
		ApprovalEvidenceHash: approvalEvidenceHash,
		ExpiresAt:            expiresAt,
		IssuedBy:             domain.SystemIssuer,
		IssuerSignature:      domain.Signature{Algorithm: iss.signer.Algorithm(), Bytes: sig},
	}

	payload, err := json.Marshal(tok)
	if err != nil {
		return domain.OverrideToken{}, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to encode override token")
	}
	if err := iss.redis.Set(ctx, activeKey(nonce), payload, iss.retention).Err(); err != nil {
		return domain.OverrideToken{}, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to store override token")
	}

	return tok, nil
}

// consumeScript atomically pops the active record, if present, and
// leaves behind a used-tombstone so a second presentation of the same
// nonce is distinguishable from one that never existed or expired
// unconsumed. It guarantees at most one caller ever receives the
// active payload back, which is what bounds successful consumptions
// to cardinality <= 1 (spec §8) regardless of validation outcome
// afterward.
const consumeScript = `
local raw = redis.call('GET', KEYS[1])
if not raw then
  if redis.call('EXISTS', KEYS[2]) == 1 then
    return 'USED'
  end
  return 'EXPIRED'
end
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], '1', 'EX', ARGV[1])
return raw
`

// Validate verifies presentedSignature against nonce's minted token,
// atomically consuming it on success. presentedSignature is the
// signature bytes the authorizer was originally handed back verbatim.
func (iss *Issuer) Validate(ctx context.Context, nonce string, presentedSignature []byte, now time.Time) error {
	retentionSeconds := strconv.Itoa(int(iss.retention.Seconds()))
	result, err := iss.redis.Eval(ctx, consumeScript, []string{activeKey(nonce), usedKey(nonce)}, retentionSeconds).Result()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to consume override token")
	}

	raw, ok := result.(string)
	if !ok {
		return apperrors.Newf(apperrors.ErrorTypeStoreUnavailable, "unexpected token consume result for nonce %s", nonce)
	}
	switch raw {
	case "USED":
		return apperrors.Newf(apperrors.ErrorTypeTokenAlreadyUsed, "override token %s already used", nonce)
	case "EXPIRED":
		return apperrors.Newf(apperrors.ErrorTypeTokenExpired, "override token %s expired or unknown", nonce)
	}

	var tok domain.OverrideToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to decode consumed override token")
	}

	if now.After(tok.ExpiresAt) {
		return apperrors.Newf(apperrors.ErrorTypeTokenExpired, "override token %s expired at %s", nonce, tok.ExpiresAt)
	}
	if !verify.ConstantTimeEqual(presentedSignature, tok.IssuerSignature.Bytes) {
		return apperrors.Newf(apperrors.ErrorTypeInvalidSignature, "presented signature does not match issued token %s", nonce)
	}
	return nil
}
