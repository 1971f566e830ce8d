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

package quorum_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/oversight/pkg/domain"
	"github.com/jordigilh/oversight/pkg/quorum"
)

func TestQuorum(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Quorum Suite")
}

func eligible(subjects ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		m[s] = struct{}{}
	}
	return m
}

func approve(subject string) domain.Response {
	return domain.Response{ApproverSubject: subject, Decision: domain.DecisionApprove}
}

func deny(subject string) domain.Response {
	return domain.Response{ApproverSubject: subject, Decision: domain.DecisionDeny}
}

func moreInfo(subject string) domain.Response {
	return domain.Response{ApproverSubject: subject, Decision: domain.DecisionRequestMoreInfo}
}

var _ = Describe("Evaluate", func() {
	DescribeTable("quorum outcomes",
		func(q domain.ApprovalQuorum, subjects []string, responses []domain.Response, wantOutcome quorum.Outcome) {
			result, err := quorum.Evaluate(q, eligible(subjects...), responses)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Outcome).To(Equal(wantOutcome))
		},
		Entry("ANY met by a single approve",
			domain.ApprovalQuorum{Kind: domain.QuorumANY},
			[]string{"alice", "bob"},
			[]domain.Response{approve("alice")},
			quorum.OutcomeMet),
		Entry("ANY pending with no responses",
			domain.ApprovalQuorum{Kind: domain.QuorumANY},
			[]string{"alice", "bob"},
			nil,
			quorum.OutcomePending),
		Entry("ANY denied by a single deny even with another pending approver",
			domain.ApprovalQuorum{Kind: domain.QuorumANY},
			[]string{"alice", "bob"},
			[]domain.Response{deny("alice")},
			quorum.OutcomeDenied),
		Entry("ALL pending until every approver has approved",
			domain.ApprovalQuorum{Kind: domain.QuorumALL},
			[]string{"alice", "bob", "carol"},
			[]domain.Response{approve("alice"), approve("bob")},
			quorum.OutcomePending),
		Entry("ALL met once every approver has approved",
			domain.ApprovalQuorum{Kind: domain.QuorumALL},
			[]string{"alice", "bob"},
			[]domain.Response{approve("alice"), approve("bob")},
			quorum.OutcomeMet),
		Entry("ALL denied by a single deny from any eligible approver",
			domain.ApprovalQuorum{Kind: domain.QuorumALL},
			[]string{"alice", "bob", "carol"},
			[]domain.Response{approve("alice"), deny("bob")},
			quorum.OutcomeDenied),
		Entry("THRESHOLD pending below the required count",
			domain.ApprovalQuorum{Kind: domain.QuorumTHRESHOLD, Required: 2},
			[]string{"alice", "bob", "carol"},
			[]domain.Response{approve("alice")},
			quorum.OutcomePending),
		Entry("THRESHOLD met at the required count",
			domain.ApprovalQuorum{Kind: domain.QuorumTHRESHOLD, Required: 2},
			[]string{"alice", "bob", "carol"},
			[]domain.Response{approve("alice"), approve("bob")},
			quorum.OutcomeMet),
		Entry("REQUEST_MORE_INFO counts toward neither side",
			domain.ApprovalQuorum{Kind: domain.QuorumANY},
			[]string{"alice", "bob"},
			[]domain.Response{moreInfo("alice")},
			quorum.OutcomePending),
		Entry("responses from ineligible subjects are ignored",
			domain.ApprovalQuorum{Kind: domain.QuorumANY},
			[]string{"alice"},
			[]domain.Response{approve("mallory")},
			quorum.OutcomePending),
	)

	It("rejects a THRESHOLD quorum requiring more approvers than are eligible", func() {
		_, err := quorum.Evaluate(
			domain.ApprovalQuorum{Kind: domain.QuorumTHRESHOLD, Required: 5},
			eligible("alice", "bob"),
			nil,
		)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a THRESHOLD quorum with a non-positive required count", func() {
		_, err := quorum.Evaluate(
			domain.ApprovalQuorum{Kind: domain.QuorumTHRESHOLD, Required: 0},
			eligible("alice"),
			nil,
		)
		Expect(err).To(HaveOccurred())
	})

	It("reports the denying response for audit purposes", func() {
		responses := []domain.Response{deny("alice")}
		result, err := quorum.Evaluate(domain.ApprovalQuorum{Kind: domain.QuorumANY}, eligible("alice"), responses)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.DenyingResponse).NotTo(BeNil())
		Expect(result.DenyingResponse.ApproverSubject).To(Equal("alice"))
	})
})
