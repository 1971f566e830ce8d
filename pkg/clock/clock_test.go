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

package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/jordigilh/oversight/internal/errors"
	"github.com/jordigilh/oversight/pkg/clock"
	"github.com/jordigilh/oversight/pkg/domain"
)

func twoTierRequest(createdAt time.Time) *domain.Request {
	return &domain.Request{
		ID:        "r1",
		CreatedAt: createdAt,
		State:     domain.StatePending,
		EscalationChain: []domain.EscalationTier{
			{Index: 0, Timeout: 3600 * time.Second},
			{Index: 1, Timeout: 7200 * time.Second},
		},
	}
}

func TestClock(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Clock Suite")
}

type fakeConsensus struct {
	now time.Time
	err error
}

func (f *fakeConsensus) Now(_ context.Context) (time.Time, error) {
	if f.err != nil {
		return time.Time{}, f.err
	}
	return f.now, nil
}

var _ = Describe("Source", func() {
	It("returns the consensus source's time when available", func() {
		want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		src := clock.NewSource(&fakeConsensus{now: want}, true)
		got, err := src.Now(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(want))
		Expect(src.Degraded()).To(BeFalse())
	})

	It("returns TIMER_SOURCE_UNAVAILABLE when consensus is required but unreachable", func() {
		src := clock.NewSource(&fakeConsensus{err: errors.New("unreachable")}, true)
		_, err := src.Now(context.Background())
		Expect(err).To(HaveOccurred())
		var appErr *apperrors.AppError
		Expect(errors.As(err, &appErr)).To(BeTrue())
		Expect(appErr.Type).To(Equal(apperrors.ErrorTypeTimerSourceUnavailable))
	})

	It("falls back to the local clock and sets degraded when fallback is allowed", func() {
		src := clock.NewSource(&fakeConsensus{err: errors.New("unreachable")}, false)
		before := time.Now()
		got, err := src.Now(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeTemporally(">=", before))
		Expect(src.Degraded()).To(BeTrue())
	})
})

var _ = Describe("Wheel", func() {
	It("delivers exactly one fire for a still-current key", func() {
		sink := make(chan clock.Fire, 1)
		w := clock.NewWheel(sink)
		w.Schedule(clock.TimerKey{RequestID: "r1", TierIndex: 0}, time.Now().Add(10*time.Millisecond))

		Eventually(sink).Should(Receive())
		Consistently(sink, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("never fires a cancelled timer", func() {
		sink := make(chan clock.Fire, 1)
		w := clock.NewWheel(sink)
		w.Schedule(clock.TimerKey{RequestID: "r1", TierIndex: 0}, time.Now().Add(30*time.Millisecond))
		w.Cancel(clock.TimerKey{RequestID: "r1", TierIndex: 0})

		Consistently(sink, 60*time.Millisecond).ShouldNot(Receive())
	})

	It("cancellation is idempotent", func() {
		sink := make(chan clock.Fire, 1)
		w := clock.NewWheel(sink)
		key := clock.TimerKey{RequestID: "r1", TierIndex: 0}
		Expect(func() {
			w.Cancel(key)
			w.Cancel(key)
		}).NotTo(Panic())
	})

	It("re-arming a key replaces the prior timer, never double-fires", func() {
		sink := make(chan clock.Fire, 2)
		w := clock.NewWheel(sink)
		key := clock.TimerKey{RequestID: "r1", TierIndex: 0}
		w.Schedule(key, time.Now().Add(200*time.Millisecond))
		w.Schedule(key, time.Now().Add(10*time.Millisecond))

		Eventually(sink).Should(Receive())
		Consistently(sink, 250*time.Millisecond).ShouldNot(Receive())
	})
})

var _ = Describe("AbsoluteDeadline and Recover", func() {
	It("computes the deadline as created_at plus the sum of prior tier timeouts", func() {
		created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		req := twoTierRequest(created)
		deadline := clock.AbsoluteDeadline(req, 1)
		Expect(deadline).To(Equal(created.Add(3600*time.Second + 7200*time.Second)))
	})

	It("re-arms a timer that fires immediately when its recomputed deadline has already passed", func() {
		req := twoTierRequest(time.Now().Add(-2 * time.Hour))
		req.TierIndex = 0

		sink := make(chan clock.Fire, 1)
		w := clock.NewWheel(sink)
		w.Recover([]*domain.Request{req})

		Eventually(sink).Should(Receive())
	})
})
