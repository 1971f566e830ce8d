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

package clock

import (
	"sync"
	"time"

	"github.com/jordigilh/oversight/pkg/domain"
)

// TimerKey identifies one tier's timeout timer.
type TimerKey struct {
	RequestID string
	TierIndex int
}

// Fire is emitted when a scheduled timer reaches its fire time and its
// (request, tier) pair is still current.
type Fire struct {
	Key     TimerKey
	FiredAt time.Time
}

// Wheel schedules TIER_TIMEOUT fires keyed by (request id, tier index).
// Cancellation is idempotent. A fire for a pair the Wheel no longer
// considers current (superseded by a later Schedule or a Cancel) is
// never sent — Schedule/Cancel always replace or remove the prior
// *time.Timer before it can fire.
type Wheel struct {
	mu     sync.Mutex
	timers map[TimerKey]*time.Timer
	sink   chan<- Fire
}

// NewWheel constructs a Wheel that publishes fires onto sink. The
// caller owns sink and must keep draining it; the Request Manager's
// serial per-request processing path is the intended consumer.
func NewWheel(sink chan<- Fire) *Wheel {
	return &Wheel{
		timers: make(map[TimerKey]*time.Timer),
		sink:   sink,
	}
}

// Schedule arms (or re-arms) the timer for key to fire at absolute time
// fireAt. Any existing timer for key is stopped first.
func (w *Wheel) Schedule(key TimerKey, fireAt time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.timers[key]; ok {
		existing.Stop()
	}

	remaining := time.Until(fireAt)
	if remaining < 0 {
		remaining = 0
	}

	var timer *time.Timer
	timer = time.AfterFunc(remaining, func() {
		w.mu.Lock()
		current, ok := w.timers[key]
		if !ok || current != timer {
			w.mu.Unlock()
			return
		}
		delete(w.timers, key)
		w.mu.Unlock()
		w.sink <- Fire{Key: key, FiredAt: time.Now()}
	})
	w.timers[key] = timer
}

// Cancel stops the timer for key, if any. Idempotent.
func (w *Wheel) Cancel(key TimerKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.timers[key]; ok {
		existing.Stop()
		delete(w.timers, key)
	}
}

// Pending reports how many timers are currently armed, for tests and
// metrics.
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

// AbsoluteDeadline computes the absolute fire time for req's tier
// tierIndex: created_at plus the sum of every prior tier's timeout
// through tierIndex, inclusive (spec §4.1's restart-recovery formula).
func AbsoluteDeadline(req *domain.Request, tierIndex int) time.Time {
	var elapsed time.Duration
	for i := 0; i <= tierIndex && i < len(req.EscalationChain); i++ {
		elapsed += req.EscalationChain[i].Timeout
	}
	return req.CreatedAt.Add(elapsed)
}

// Recover re-populates the Wheel on process restart by scanning the
// given non-terminal requests and re-arming each one's current-tier
// timer against its recomputed absolute deadline. Deadlines already in
// the past fire immediately (remaining <= 0), per spec §4.1.
func (w *Wheel) Recover(requests []*domain.Request) {
	for _, req := range requests {
		if req.State.Terminal() {
			continue
		}
		deadline := AbsoluteDeadline(req, req.TierIndex)
		w.Schedule(TimerKey{RequestID: req.ID, TierIndex: req.TierIndex}, deadline)
	}
}
