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

package oversight_test

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go.uber.org/zap"

	apperrors "github.com/jordigilh/oversight/internal/errors"
	"github.com/jordigilh/oversight/pkg/audit"
	"github.com/jordigilh/oversight/pkg/await"
	"github.com/jordigilh/oversight/pkg/channel"
	"github.com/jordigilh/oversight/pkg/checkpoint"
	"github.com/jordigilh/oversight/pkg/clock"
	"github.com/jordigilh/oversight/pkg/delivery"
	"github.com/jordigilh/oversight/pkg/domain"
	"github.com/jordigilh/oversight/pkg/oversight"
	"github.com/jordigilh/oversight/pkg/token"
	"github.com/jordigilh/oversight/pkg/verify"
)

func TestOversight(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Request Manager Suite")
}

// fakeConsensus is an externally advanceable clock.ConsensusSource, so
// tests can drive tier timeouts and token expiry without real waits.
type fakeConsensus struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeConsensus) set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func (f *fakeConsensus) Now(_ context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now, nil
}

// memCheckpointStore is an in-memory checkpoint.Store with the same
// optimistic-concurrency contract as pkg/checkpoint's PostgresStore.
type memCheckpointStore struct {
	mu   sync.Mutex
	reqs map[string]*domain.Request
	idem map[string]string
}

func newMemCheckpointStore() *memCheckpointStore {
	return &memCheckpointStore{reqs: make(map[string]*domain.Request), idem: make(map[string]string)}
}

func cloneRequest(req *domain.Request) *domain.Request {
	c := *req
	c.Responses = append([]domain.Response{}, req.Responses...)
	return &c
}

func (s *memCheckpointStore) Save(_ context.Context, req *domain.Request) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.Version = 1
	s.reqs[req.ID] = cloneRequest(req)
	return 1, nil
}

func (s *memCheckpointStore) SaveIfVersion(_ context.Context, req *domain.Request, expectedPrevVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.reqs[req.ID]
	if !ok || existing.Version != expectedPrevVersion {
		return 0, apperrors.New(apperrors.ErrorTypeConcurrentModification, "version mismatch")
	}
	next := expectedPrevVersion + 1
	req.Version = next
	s.reqs[req.ID] = cloneRequest(req)
	return next, nil
}

func (s *memCheckpointStore) Load(_ context.Context, id string) (*domain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrorTypeRequestNotFound, "request %s not found", id)
	}
	return cloneRequest(req), nil
}

func (s *memCheckpointStore) ScanNonTerminal(_ context.Context) ([]*domain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Request
	for _, req := range s.reqs {
		if !req.State.Terminal() {
			out = append(out, cloneRequest(req))
		}
	}
	return out, nil
}

func (s *memCheckpointStore) ReserveIdempotencyKey(_ context.Context, key, requestID string, _ []byte) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.idem[key]; ok {
		return existing, false, nil
	}
	s.idem[key] = requestID
	return requestID, true, nil
}

func (s *memCheckpointStore) Close() error { return nil }

var _ checkpoint.Store = (*memCheckpointStore)(nil)

// memDeliveryStore is an in-memory delivery.Store.
type memDeliveryStore struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
}

func (s *memDeliveryStore) RecordAttempt(_ context.Context, a domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *memDeliveryStore) AttemptsForTier(_ context.Context, requestID string, tierIndex int) ([]domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, a := range s.attempts {
		if a.RequestID == requestID && a.TierIndex == tierIndex {
			out = append(out, a)
		}
	}
	return out, nil
}

var _ delivery.Store = (*memDeliveryStore)(nil)

// recordingAdapter is a channel.Adapter that always delivers on the
// first attempt and records who it notified.
type recordingAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *recordingAdapter) Kind() string { return "webhook" }

func (a *recordingAdapter) Send(_ context.Context, snapshot channel.RequestSnapshot, approval channel.ApprovalContext, approver channel.ApproverIdentity) (domain.DeliveryAttempt, error) {
	a.mu.Lock()
	a.sent = append(a.sent, approver.Subject)
	a.mu.Unlock()
	return domain.DeliveryAttempt{
		RequestID:   snapshot.RequestID,
		TierIndex:   approval.TierIndex,
		ChannelKind: "webhook",
		Recipient:   approver.Subject,
		Status:      domain.DeliveryDelivered,
		AttemptedAt: time.Now(),
	}, nil
}

func (a *recordingAdapter) VerifyInbound(_ context.Context, _ channel.InboundEnvelope) (domain.Response, error) {
	return domain.Response{}, nil
}

func (a *recordingAdapter) notified() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.sent...)
}

var _ channel.Adapter = (*recordingAdapter)(nil)

// memAuditStore captures every record the Chainer flushes, for
// asserting audit sequence without waiting on a real database.
type memAuditStore struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *memAuditStore) StoreRecord(_ context.Context, r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memAuditStore) StoreRoot(_ context.Context, _ []byte) error { return nil }
func (s *memAuditStore) Close() error                                { return nil }

func (s *memAuditStore) eventTypesFor(requestID string) []domain.AuditEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEventType
	for _, r := range s.records {
		if r.RequestID == requestID {
			out = append(out, r.EventType)
		}
	}
	return out
}

var _ audit.Store = (*memAuditStore)(nil)

// fakeSigner is a deterministic token.Signer stand-in (the teacher's
// pattern, shared with pkg/token's own test suite).
type fakeSigner struct{}

func (fakeSigner) Algorithm() string { return "Ed25519" }
func (fakeSigner) Sign(message []byte) ([]byte, error) {
	sig := make([]byte, 64)
	copy(sig, message)
	return sig, nil
}

// approverKey bundles an approver's signing key with its eligible
// subject name, so test bodies can sign responses in one line.
type approverKey struct {
	subject string
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
}

func newApproverKey(subject string) approverKey {
	pub, priv, err := ed25519.GenerateKey(nil)
	Expect(err).NotTo(HaveOccurred())
	return approverKey{subject: subject, priv: priv, pub: pub}
}

func (k approverKey) sign(requestID string, decision domain.Decision, respondedAt time.Time, tierIndex int) domain.Response {
	msg := verify.CanonicalMessage(requestID, decision.DecisionTag(), respondedAt.Unix())
	return domain.Response{
		ApproverSubject:   k.subject,
		ApproverPublicKey: append([]byte{}, k.pub...),
		Decision:          decision,
		Signature:         domain.Signature{Algorithm: verify.AlgorithmEd25519, Bytes: ed25519.Sign(k.priv, msg)},
		RespondedAt:       respondedAt,
		TierIndex:         tierIndex,
	}
}

// memKeyResolver answers KeyResolver.Keys from a fixed approver set.
type memKeyResolver struct {
	keys map[string][]verify.RegisteredKey
}

func newMemKeyResolver(approvers ...approverKey) *memKeyResolver {
	r := &memKeyResolver{keys: make(map[string][]verify.RegisteredKey)}
	for _, a := range approvers {
		r.keys[a.subject] = []verify.RegisteredKey{{PublicKey: append([]byte{}, a.pub...), Algorithm: verify.AlgorithmEd25519}}
	}
	return r
}

func (r *memKeyResolver) Keys(_ context.Context, subject string) ([]verify.RegisteredKey, error) {
	return r.keys[subject], nil
}

func humanDelegationChain() []domain.DelegationLink {
	return []domain.DelegationLink{
		{Subject: "agent-1", Kind: "agent"},
		{Subject: "owner-1", Kind: "human"},
	}
}

func tierOf(timeout time.Duration, subjects ...string) domain.EscalationTier {
	approvers := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		approvers[s] = struct{}{}
	}
	return domain.EscalationTier{
		Approvers:         approvers,
		Timeout:           timeout,
		PreferredChannels: []string{"webhook"},
	}
}

// testRig bundles one Manager with every fake it was wired from, so
// each Describe can reach into the fakes without threading a dozen
// return values through setup.
type testRig struct {
	mgr           *oversight.Manager
	clockFake     *fakeConsensus
	store         *memCheckpointStore
	deliveryStore *memDeliveryStore
	adapter       *recordingAdapter
	auditStore    *memAuditStore
	deliveryLog   *delivery.Log
	wheel         *clock.Wheel
	bus           *await.Bus
	chain         *audit.Chainer
	redisServer   *miniredis.Miniredis
	redisClient   *redis.Client
	keys          *memKeyResolver
}

func newTestRig(tokenTTL time.Duration, approvers ...approverKey) *testRig {
	clockFake := &fakeConsensus{}
	source := clock.NewSource(clockFake, false)

	fires := make(chan clock.Fire, 16)
	wheel := clock.NewWheel(fires)

	store := newMemCheckpointStore()

	adapter := &recordingAdapter{}
	registry := channel.NewRegistry()
	Expect(registry.Register(adapter)).To(Succeed())
	deliveryStore := &memDeliveryStore{}
	deliveryLog := delivery.NewLog(registry, deliveryStore, nil, nil, nil)

	auditStore := &memAuditStore{}
	chain := audit.NewChainer(auditStore, nil, 256)

	redisServer, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	redisClient := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	tokens := token.NewIssuer(redisClient, fakeSigner{}, tokenTTL)

	keys := newMemKeyResolver(approvers...)
	bus := await.NewBus()

	cfg := oversight.Config{TierTimeoutMin: time.Second, TierTimeoutMax: 24 * time.Hour}
	mgr := oversight.NewManager(source, wheel, fires, store, keys, deliveryLog, deliveryStore, chain, tokens, bus, cfg, zap.NewNop().Sugar(), nil)

	return &testRig{
		mgr: mgr, clockFake: clockFake, store: store, deliveryStore: deliveryStore,
		adapter: adapter, auditStore: auditStore, deliveryLog: deliveryLog, wheel: wheel,
		bus: bus, chain: chain, redisServer: redisServer, redisClient: redisClient, keys: keys,
	}
}

func (r *testRig) close() {
	r.chain.Close()
	r.redisClient.Close()
	r.redisServer.Close()
}

var baseTime = time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

var _ = Describe("Request Manager end-to-end scenarios", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("scenario 1: simple ANY quorum", func() {
		It("approves on the first APPROVE and issues an override token expiring 60s after the response", func() {
			alice := newApproverKey("alice")
			bob := newApproverKey("bob")
			rig := newTestRig(60*time.Second, alice, bob)
			defer rig.close()

			rig.clockFake.set(baseTime)
			out, err := rig.mgr.CreateRequest(ctx, oversight.CreateRequestInput{
				AgentID:         "agent-1",
				DelegationChain: humanDelegationChain(),
				Action:          "restart-deployment",
				Resource:        "prod/checkout",
				EscalationChain: []domain.EscalationTier{tierOf(3600*time.Second, "alice", "bob")},
				Quorum:          domain.ApprovalQuorum{Kind: domain.QuorumANY},
			})
			Expect(err).NotTo(HaveOccurred())
			rig.deliveryLog.Wait()

			respondedAt := baseTime.Add(120 * time.Second)
			rig.clockFake.set(respondedAt)
			resp := alice.sign(out.RequestID, domain.DecisionApprove, respondedAt, 0)
			subOut, err := rig.mgr.SubmitResponse(ctx, oversight.SubmitResponseInput{RequestID: out.RequestID, Response: resp})
			Expect(err).NotTo(HaveOccurred())

			Expect(subOut.State).To(Equal(domain.StateApproved))
			Expect(subOut.OverrideToken).NotTo(BeNil())
			Expect(subOut.OverrideToken.ExpiresAt).To(BeTemporally("~", respondedAt.Add(60*time.Second), time.Millisecond))

			Eventually(func() []domain.AuditEventType { return rig.auditStore.eventTypesFor(out.RequestID) }).Should(Equal([]domain.AuditEventType{
				domain.AuditEventRequestCreated,
				domain.AuditEventNotificationSent,
				domain.AuditEventNotificationSent,
				domain.AuditEventResponseReceived,
				domain.AuditEventStateTransition,
			}))
		})
	})

	Describe("scenario 2: a single denial short-circuits an ALL quorum", func() {
		It("denies as soon as one approver denies, and rejects a later response as already resolved", func() {
			alice := newApproverKey("alice")
			bob := newApproverKey("bob")
			carol := newApproverKey("carol")
			rig := newTestRig(60*time.Second, alice, bob, carol)
			defer rig.close()

			rig.clockFake.set(baseTime)
			out, err := rig.mgr.CreateRequest(ctx, oversight.CreateRequestInput{
				AgentID:         "agent-1",
				DelegationChain: humanDelegationChain(),
				Action:          "delete-namespace",
				Resource:        "prod/billing",
				EscalationChain: []domain.EscalationTier{tierOf(3600*time.Second, "alice", "bob", "carol")},
				Quorum:          domain.ApprovalQuorum{Kind: domain.QuorumALL},
			})
			Expect(err).NotTo(HaveOccurred())

			aliceAt := baseTime.Add(10 * time.Second)
			rig.clockFake.set(aliceAt)
			_, err = rig.mgr.SubmitResponse(ctx, oversight.SubmitResponseInput{
				RequestID: out.RequestID, Response: alice.sign(out.RequestID, domain.DecisionApprove, aliceAt, 0),
			})
			Expect(err).NotTo(HaveOccurred())

			bobAt := baseTime.Add(20 * time.Second)
			rig.clockFake.set(bobAt)
			bobOut, err := rig.mgr.SubmitResponse(ctx, oversight.SubmitResponseInput{
				RequestID: out.RequestID, Response: bob.sign(out.RequestID, domain.DecisionDeny, bobAt, 0),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(bobOut.State).To(Equal(domain.StateDenied))
			Expect(bobOut.OverrideToken).To(BeNil())

			carolAt := baseTime.Add(30 * time.Second)
			rig.clockFake.set(carolAt)
			_, err = rig.mgr.SubmitResponse(ctx, oversight.SubmitResponseInput{
				RequestID: out.RequestID, Response: carol.sign(out.RequestID, domain.DecisionApprove, carolAt, 0),
			})
			Expect(err).To(HaveOccurred())
			appErr, ok := err.(*apperrors.AppError)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(apperrors.ErrorTypeRequestAlreadyResolved))
		})
	})

	Describe("scenario 3: 2-of-3 threshold quorum", func() {
		It("approves on the second APPROVE and issues exactly one override token", func() {
			a := newApproverKey("a")
			b := newApproverKey("b")
			c := newApproverKey("c")
			rig := newTestRig(60*time.Second, a, b, c)
			defer rig.close()

			rig.clockFake.set(baseTime)
			out, err := rig.mgr.CreateRequest(ctx, oversight.CreateRequestInput{
				AgentID:         "agent-1",
				DelegationChain: humanDelegationChain(),
				Action:          "scale-down",
				Resource:        "prod/api",
				EscalationChain: []domain.EscalationTier{tierOf(3600 * time.Second, "a", "b", "c")},
				Quorum:          domain.ApprovalQuorum{Kind: domain.QuorumTHRESHOLD, Required: 2},
			})
			Expect(err).NotTo(HaveOccurred())

			tA := baseTime.Add(5 * time.Second)
			rig.clockFake.set(tA)
			aOut, err := rig.mgr.SubmitResponse(ctx, oversight.SubmitResponseInput{
				RequestID: out.RequestID, Response: a.sign(out.RequestID, domain.DecisionApprove, tA, 0),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(aOut.State).To(Equal(domain.StatePending))
			Expect(aOut.OverrideToken).To(BeNil())

			tB := baseTime.Add(10 * time.Second)
			rig.clockFake.set(tB)
			bOut, err := rig.mgr.SubmitResponse(ctx, oversight.SubmitResponseInput{
				RequestID: out.RequestID, Response: b.sign(out.RequestID, domain.DecisionApprove, tB, 0),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(bOut.State).To(Equal(domain.StateApproved))
			Expect(bOut.OverrideToken).NotTo(BeNil())

			tC := baseTime.Add(15 * time.Second)
			rig.clockFake.set(tC)
			_, err = rig.mgr.SubmitResponse(ctx, oversight.SubmitResponseInput{
				RequestID: out.RequestID, Response: c.sign(out.RequestID, domain.DecisionApprove, tC, 0),
			})
			Expect(err).To(HaveOccurred())
			appErr, ok := err.(*apperrors.AppError)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(apperrors.ErrorTypeRequestAlreadyResolved))
		})
	})

	Describe("scenario 4: timeout escalation across tiers", func() {
		It("escalates to the next tier on first timeout and applies AUTO_DENY on the final tier's timeout", func() {
			alice := newApproverKey("alice")
			cfo := newApproverKey("cfo")
			rig := newTestRig(60*time.Second, alice, cfo)
			defer rig.close()

			rig.clockFake.set(baseTime)
			out, err := rig.mgr.CreateRequest(ctx, oversight.CreateRequestInput{
				AgentID:         "agent-1",
				DelegationChain: humanDelegationChain(),
				Action:          "transfer-funds",
				Resource:        "prod/treasury",
				EscalationChain: []domain.EscalationTier{
					tierOf(3600*time.Second, "alice"),
					tierOf(7200*time.Second, "cfo"),
				},
				Quorum:      domain.ApprovalQuorum{Kind: domain.QuorumANY},
				FinalAction: domain.FinalActionAutoDeny,
			})
			Expect(err).NotTo(HaveOccurred())
			rig.deliveryLog.Wait()

			rig.clockFake.set(baseTime.Add(3600 * time.Second))
			Expect(rig.mgr.TierTimeoutOccurred(ctx, out.RequestID, 0)).To(Succeed())
			rig.deliveryLog.Wait()

			req, err := rig.store.Load(ctx, out.RequestID)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.State).To(Equal(domain.StatePending))
			Expect(req.TierIndex).To(Equal(1))
			Expect(rig.adapter.notified()).To(ContainElement("cfo"))
			Eventually(func() []domain.AuditEventType { return rig.auditStore.eventTypesFor(out.RequestID) }).
				Should(ContainElement(domain.AuditEventTierEscalation))

			Eventually(func() int {
				escalations := 0
				for _, t := range rig.auditStore.eventTypesFor(out.RequestID) {
					if t == domain.AuditEventTierEscalation {
						escalations++
					}
				}
				return escalations
			}).Should(Equal(1))

			rig.clockFake.set(baseTime.Add(3600*time.Second + 7200*time.Second))
			Expect(rig.mgr.TierTimeoutOccurred(ctx, out.RequestID, 1)).To(Succeed())

			req, err = rig.store.Load(ctx, out.RequestID)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.State).To(Equal(domain.StateTimedOut))
		})
	})

	Describe("scenario 5: recovery re-arms timers and retries only undelivered notifications", func() {
		It("re-arms the current tier's timer and skips approvers with a DELIVERED attempt on file", func() {
			alice := newApproverKey("alice")
			bob := newApproverKey("bob")
			rig := newTestRig(60*time.Second, alice, bob)
			defer rig.close()

			rig.clockFake.set(baseTime)
			out, err := rig.mgr.CreateRequest(ctx, oversight.CreateRequestInput{
				AgentID:         "agent-1",
				DelegationChain: humanDelegationChain(),
				Action:          "rotate-secret",
				Resource:        "prod/vault",
				EscalationChain: []domain.EscalationTier{tierOf(3600*time.Second, "alice", "bob")},
				Quorum:          domain.ApprovalQuorum{Kind: domain.QuorumANY},
			})
			Expect(err).NotTo(HaveOccurred())
			rig.deliveryLog.Wait()

			// Simulate a crash at t=1800: alice's notification already
			// landed, bob's never did. The attempts recorded by the
			// initial dispatch are dropped so the log holds only alice's.
			rig.deliveryStore.mu.Lock()
			rig.deliveryStore.attempts = nil
			rig.deliveryStore.mu.Unlock()
			Expect(rig.deliveryStore.RecordAttempt(ctx, domain.DeliveryAttempt{
				RequestID: out.RequestID, TierIndex: 0, ChannelKind: "webhook",
				Recipient: "alice", Status: domain.DeliveryDelivered,
			})).To(Succeed())

			rig.clockFake.set(baseTime.Add(1900 * time.Second))
			Expect(rig.mgr.Recover(ctx)).To(Succeed())
			rig.deliveryLog.Wait()

			Expect(rig.wheel.Pending()).To(Equal(1))

			Eventually(func() int {
				created := 0
				for _, t := range rig.auditStore.eventTypesFor(out.RequestID) {
					if t == domain.AuditEventRequestCreated {
						created++
					}
				}
				return created
			}).Should(Equal(1))
			Consistently(func() int {
				created := 0
				for _, t := range rig.auditStore.eventTypesFor(out.RequestID) {
					if t == domain.AuditEventRequestCreated {
						created++
					}
				}
				return created
			}, 100*time.Millisecond).Should(Equal(1))

			recoveryNotifications := rig.adapter.notified()[2:] // first two are the initial dispatch
			Expect(recoveryNotifications).To(ContainElement("bob"))
			Expect(recoveryNotifications).NotTo(ContainElement("alice"))
		})
	})

	Describe("scenario 6: override tokens are single-use and expire", func() {
		It("accepts the first presentation, rejects a replay, and rejects a token presented after expiry", func() {
			alice := newApproverKey("alice")
			rig := newTestRig(60*time.Second, alice)
			defer rig.close()

			rig.clockFake.set(baseTime)
			out, err := rig.mgr.CreateRequest(ctx, oversight.CreateRequestInput{
				AgentID:         "agent-1",
				DelegationChain: humanDelegationChain(),
				Action:          "restart-deployment",
				Resource:        "prod/checkout",
				EscalationChain: []domain.EscalationTier{tierOf(3600 * time.Second, "alice")},
				Quorum:          domain.ApprovalQuorum{Kind: domain.QuorumANY},
			})
			Expect(err).NotTo(HaveOccurred())

			respondedAt := baseTime.Add(10 * time.Second)
			rig.clockFake.set(respondedAt)
			subOut, err := rig.mgr.SubmitResponse(ctx, oversight.SubmitResponseInput{
				RequestID: out.RequestID, Response: alice.sign(out.RequestID, domain.DecisionApprove, respondedAt, 0),
			})
			Expect(err).NotTo(HaveOccurred())
			tok := subOut.OverrideToken
			Expect(tok).NotTo(BeNil())

			rig.clockFake.set(respondedAt.Add(20 * time.Second))
			Expect(rig.mgr.ValidateOverrideToken(ctx, tok.Nonce, tok.IssuerSignature.Bytes)).To(Succeed())

			rig.clockFake.set(respondedAt.Add(21 * time.Second))
			err = rig.mgr.ValidateOverrideToken(ctx, tok.Nonce, tok.IssuerSignature.Bytes)
			Expect(err).To(HaveOccurred())
			appErr, ok := err.(*apperrors.AppError)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(apperrors.ErrorTypeTokenAlreadyUsed))

			// A second request's token, presented after its 60s expiry.
			rig.clockFake.set(baseTime)
			out2, err := rig.mgr.CreateRequest(ctx, oversight.CreateRequestInput{
				AgentID:         "agent-1",
				DelegationChain: humanDelegationChain(),
				Action:          "restart-deployment",
				Resource:        "prod/checkout-2",
				EscalationChain: []domain.EscalationTier{tierOf(3600 * time.Second, "alice")},
				Quorum:          domain.ApprovalQuorum{Kind: domain.QuorumANY},
			})
			Expect(err).NotTo(HaveOccurred())

			respondedAt2 := baseTime.Add(10 * time.Second)
			rig.clockFake.set(respondedAt2)
			subOut2, err := rig.mgr.SubmitResponse(ctx, oversight.SubmitResponseInput{
				RequestID: out2.RequestID, Response: alice.sign(out2.RequestID, domain.DecisionApprove, respondedAt2, 0),
			})
			Expect(err).NotTo(HaveOccurred())
			tok2 := subOut2.OverrideToken
			Expect(tok2).NotTo(BeNil())

			rig.clockFake.set(respondedAt2.Add(61 * time.Second))
			err = rig.mgr.ValidateOverrideToken(ctx, tok2.Nonce, tok2.IssuerSignature.Bytes)
			Expect(err).To(HaveOccurred())
			appErr, ok = err.(*apperrors.AppError)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(apperrors.ErrorTypeTokenExpired))
		})
	})

	Describe("scenario 7: quorum at an escalated tier counts responses stamped with the request's current tier, not the caller's say-so", func() {
		It("meets an ALL quorum at tier 1 even when the submitted response carries no tier index", func() {
			dave := newApproverKey("dave")
			alice := newApproverKey("alice")
			bob := newApproverKey("bob")
			rig := newTestRig(60*time.Second, dave, alice, bob)
			defer rig.close()

			tier1 := tierOf(7200*time.Second, "alice", "bob")
			tier1.QuorumOverride = &domain.ApprovalQuorum{Kind: domain.QuorumALL}

			rig.clockFake.set(baseTime)
			out, err := rig.mgr.CreateRequest(ctx, oversight.CreateRequestInput{
				AgentID:         "agent-1",
				DelegationChain: humanDelegationChain(),
				Action:          "transfer-funds",
				Resource:        "prod/treasury",
				EscalationChain: []domain.EscalationTier{
					tierOf(3600*time.Second, "dave"),
					tier1,
				},
				Quorum:      domain.ApprovalQuorum{Kind: domain.QuorumANY},
				FinalAction: domain.FinalActionAutoDeny,
			})
			Expect(err).NotTo(HaveOccurred())
			rig.deliveryLog.Wait()

			rig.clockFake.set(baseTime.Add(3600 * time.Second))
			Expect(rig.mgr.TierTimeoutOccurred(ctx, out.RequestID, 0)).To(Succeed())
			rig.deliveryLog.Wait()

			req, err := rig.store.Load(ctx, out.RequestID)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.TierIndex).To(Equal(1))

			// Both tier-1 responses arrive with TierIndex left unset, as an
			// HTTP handler that never populates it would submit them.
			respondedAt := baseTime.Add(3600*time.Second + 10*time.Second)
			rig.clockFake.set(respondedAt)
			aliceResp := alice.sign(out.RequestID, domain.DecisionApprove, respondedAt, 0)
			aliceResp.TierIndex = 0
			_, err = rig.mgr.SubmitResponse(ctx, oversight.SubmitResponseInput{RequestID: out.RequestID, Response: aliceResp})
			Expect(err).NotTo(HaveOccurred())

			bobResp := bob.sign(out.RequestID, domain.DecisionApprove, respondedAt, 0)
			bobResp.TierIndex = 0
			subOut, err := rig.mgr.SubmitResponse(ctx, oversight.SubmitResponseInput{RequestID: out.RequestID, Response: bobResp})
			Expect(err).NotTo(HaveOccurred())

			Expect(subOut.State).To(Equal(domain.StateApproved))

			req, err = rig.store.Load(ctx, out.RequestID)
			Expect(err).NotTo(HaveOccurred())
			for _, r := range req.Responses {
				if r.ApproverSubject == "alice" || r.ApproverSubject == "bob" {
					Expect(r.TierIndex).To(Equal(1))
				}
			}
		})

		It("rejects an escalation chain with more than 10 tiers", func() {
			dave := newApproverKey("dave")
			rig := newTestRig(60*time.Second, dave)
			defer rig.close()

			chain := make([]domain.EscalationTier, 0, 11)
			for i := 0; i < 11; i++ {
				chain = append(chain, tierOf(3600*time.Second, "dave"))
			}

			rig.clockFake.set(baseTime)
			_, err := rig.mgr.CreateRequest(ctx, oversight.CreateRequestInput{
				AgentID:         "agent-1",
				DelegationChain: humanDelegationChain(),
				Action:          "transfer-funds",
				Resource:        "prod/treasury",
				EscalationChain: chain,
				Quorum:          domain.ApprovalQuorum{Kind: domain.QuorumANY},
			})
			Expect(err).To(HaveOccurred())
			appErr, ok := err.(*apperrors.AppError)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(apperrors.ErrorTypeEscalationChainEmpty))
		})
	})
})
