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

// Package verify implements the Signature Verifier of spec §4.2:
// canonical message construction, algorithm dispatch across Ed25519 and
// the two supported ML-DSA post-quantum parameter sets, and public-key
// resolution against the identity registry with a rotation grace
// window.
package verify

import (
	"crypto/ed25519"
	"crypto/subtle"
	"strconv"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"

	apperrors "github.com/jordigilh/oversight/internal/errors"
	"github.com/jordigilh/oversight/pkg/domain"
)

// Algorithm names as they appear on the wire, spec §4.2/§6.
const (
	AlgorithmEd25519 = "Ed25519"
	AlgorithmMLDSA65 = "ML-DSA-65"
	AlgorithmMLDSA87 = "ML-DSA-87"
)

var mldsaSchemes = map[string]sign.Scheme{
	AlgorithmMLDSA65: schemes.ByName("ML-DSA-65"),
	AlgorithmMLDSA87: schemes.ByName("ML-DSA-87"),
}

// CanonicalMessage builds the canonical byte sequence a Response's
// signature must cover, per spec §4.2:
// request_id || "|" || decision_tag || "|" || response_unix_seconds.
func CanonicalMessage(requestID string, decisionTag string, responseUnixSeconds int64) []byte {
	return []byte(requestID + "|" + decisionTag + "|" + strconv.FormatInt(responseUnixSeconds, 10))
}

// VerifySignature checks sig against message under the named algorithm
// and public key. Returns UNKNOWN_ALGORITHM for an unsupported
// algorithm name, and INVALID_SIGNATURE when verification fails.
func VerifySignature(algorithm string, publicKey, message, sig []byte) error {
	switch algorithm {
	case AlgorithmEd25519:
		if len(publicKey) != ed25519.PublicKeySize {
			return apperrors.New(apperrors.ErrorTypeInvalidSignature, "ed25519 public key has the wrong length")
		}
		if !ed25519.Verify(ed25519.PublicKey(publicKey), message, sig) {
			return apperrors.New(apperrors.ErrorTypeInvalidSignature, "ed25519 signature verification failed")
		}
		return nil

	case AlgorithmMLDSA65, AlgorithmMLDSA87:
		scheme := mldsaSchemes[algorithm]
		if scheme == nil {
			return apperrors.Newf(apperrors.ErrorTypeUnknownAlgorithm, "ml-dsa scheme %q is not registered", algorithm)
		}
		pub, err := scheme.UnmarshalBinaryPublicKey(publicKey)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeInvalidSignature, "%s public key is malformed", algorithm)
		}
		if !scheme.Verify(pub, message, sig, nil) {
			return apperrors.Newf(apperrors.ErrorTypeInvalidSignature, "%s signature verification failed", algorithm)
		}
		return nil

	default:
		return apperrors.Newf(apperrors.ErrorTypeUnknownAlgorithm, "unsupported signature algorithm %q", algorithm)
	}
}

// ConstantTimeEqual reports whether a and b are byte-equal, in time
// independent of where they first differ, per spec §4.2's "comparisons
// use constant-time equality" requirement.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// VerifyResponse validates resp's signature end to end against the
// registry-resolved keys for its approver: the presented public key
// must byte-equal one of the accepted registry keys (current, or a
// prior key still within its rotation grace window), and the signature
// must verify over the canonical message for requestID.
func VerifyResponse(resp *domain.Response, requestID string, accepted []RegisteredKey) error {
	var match *RegisteredKey
	for i := range accepted {
		if accepted[i].Algorithm == resp.Signature.Algorithm && ConstantTimeEqual(accepted[i].PublicKey, resp.ApproverPublicKey) {
			match = &accepted[i]
			break
		}
	}
	if match == nil {
		return apperrors.Newf(apperrors.ErrorTypePublicKeyMismatch,
			"presented public key for approver %q does not match any registry key", resp.ApproverSubject)
	}

	message := CanonicalMessage(requestID, resp.Decision.DecisionTag(), resp.RespondedAt.Unix())
	if err := VerifySignature(resp.Signature.Algorithm, match.PublicKey, message, resp.Signature.Bytes); err != nil {
		return err
	}
	return nil
}

// RegisteredKey is one public key on file for an approver, as resolved
// from the identity registry.
type RegisteredKey struct {
	PublicKey []byte
	Algorithm string
}
