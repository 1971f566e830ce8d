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
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/oversight/pkg/domain"
	"github.com/jordigilh/oversight/pkg/verify"
)

func TestOversightService(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Oversight Service Suite")
}

var _ = Describe("DTO conversion", func() {
	Describe("approvalQuorumDTO", func() {
		It("converts a THRESHOLD quorum", func() {
			dto := approvalQuorumDTO{Kind: "THRESHOLD", Required: 2}
			Expect(dto.toDomain()).To(Equal(domain.ApprovalQuorum{Kind: domain.QuorumTHRESHOLD, Required: 2}))
		})

		It("converts an ANY quorum with no required count", func() {
			dto := approvalQuorumDTO{Kind: "ANY"}
			Expect(dto.toDomain()).To(Equal(domain.ApprovalQuorum{Kind: domain.QuorumANY}))
		})
	})

	Describe("escalationTierDTO", func() {
		It("builds an approver set and absolute timeout", func() {
			dto := escalationTierDTO{
				Approvers:         []string{"alice", "bob"},
				TimeoutSeconds:    120,
				PreferredChannels: []string{"webhook"},
			}
			tier := dto.toDomain(1)

			Expect(tier.Index).To(Equal(1))
			Expect(tier.Timeout).To(Equal(2 * time.Minute))
			Expect(tier.IsEligible("alice")).To(BeTrue())
			Expect(tier.IsEligible("carol")).To(BeFalse())
			Expect(tier.QuorumOverride).To(BeNil())
		})

		It("carries a tier-local quorum override", func() {
			dto := escalationTierDTO{
				Approvers:      []string{"alice"},
				TimeoutSeconds: 60,
				QuorumOverride: &approvalQuorumDTO{Kind: "ALL"},
			}
			tier := dto.toDomain(0)

			Expect(tier.QuorumOverride).NotTo(BeNil())
			Expect(tier.QuorumOverride.Kind).To(Equal(domain.QuorumALL))
		})
	})

	Describe("tokenDTO", func() {
		It("returns nil for a nil token", func() {
			Expect(tokenDTO(nil)).To(BeNil())
		})

		It("renders the expiry as RFC3339 and carries the issuer signature", func() {
			expires := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			tok := &domain.OverrideToken{
				Nonce:           "abc123",
				RequestID:       "req-1",
				ExpiresAt:       expires,
				IssuedBy:        domain.SystemIssuer,
				IssuerSignature: domain.Signature{Algorithm: "Ed25519", Bytes: []byte{1, 2, 3}},
			}

			dto := tokenDTO(tok)
			Expect(dto.Nonce).To(Equal("abc123"))
			Expect(dto.ExpiresAt).To(Equal("2026-01-01T00:00:00Z"))
			Expect(dto.IssuerSignatureAlgorithm).To(Equal("Ed25519"))
			Expect(dto.IssuerSignature).To(Equal([]byte{1, 2, 3}))
		})
	})
})

var _ = Describe("StaticRegistry", func() {
	It("returns APPROVER_NOT_ELIGIBLE for an unknown subject", func() {
		registry := &StaticRegistry{subjects: map[string]staticSubject{}}

		_, err := registry.Keys(context.Background(), "nobody")
		Expect(err).To(HaveOccurred())

		_, err = registry.URLFor("nobody")
		Expect(err).To(HaveOccurred())
	})

	It("resolves keys and webhook url for a known subject", func() {
		registry := &StaticRegistry{subjects: map[string]staticSubject{
			"alice": {
				keys:       []verify.RegisteredKey{{PublicKey: []byte{1}, Algorithm: "Ed25519"}},
				webhookURL: "https://example.test/hooks/alice",
			},
		}}

		keys, err := registry.Keys(context.Background(), "alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(keys).To(HaveLen(1))

		url, err := registry.URLFor("alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(url).To(Equal("https://example.test/hooks/alice"))
	})
})
