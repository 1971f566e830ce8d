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

package token

import (
	"crypto/ed25519"

	apperrors "github.com/jordigilh/oversight/internal/errors"
	"github.com/jordigilh/oversight/pkg/verify"
)

// Ed25519Signer is the production Signer: the oversight core's own
// Ed25519 keypair, used to attribute override tokens to this service
// rather than to any approver (spec §4.9's issuer signature).
type Ed25519Signer struct {
	private ed25519.PrivateKey
}

// NewEd25519Signer constructs an Ed25519Signer from a raw 64-byte
// private key (ed25519.PrivateKeySize), typically loaded from a secret
// mount rather than the YAML config file.
func NewEd25519Signer(private ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, apperrors.Newf(apperrors.ErrorTypeInvalidSignature, "issuer private key has the wrong length: got %d, want %d", len(private), ed25519.PrivateKeySize)
	}
	return &Ed25519Signer{private: private}, nil
}

// Algorithm reports the signing algorithm, matching pkg/verify's
// Ed25519 dispatch key so the issuer's own signature can be verified
// the same way an approver's is.
func (s *Ed25519Signer) Algorithm() string {
	return verify.AlgorithmEd25519
}

// Sign produces the Ed25519 signature over message.
func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.private, message), nil
}
