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

// Package delivery implements the Delivery Log (spec §4.5): for each
// tier activation, it records a PENDING attempt per (approver ×
// channel), dispatches through a channel.Adapter, and retries FAILED
// attempts on the configured schedule before falling through to the
// approver's next preferred channel.
package delivery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/oversight/pkg/channel"
	"github.com/jordigilh/oversight/pkg/domain"
	"github.com/jordigilh/oversight/pkg/metrics"
	"github.com/jordigilh/oversight/pkg/shared/logging"
)

// DefaultRetrySchedule is spec §6's delivery_retry_schedule default.
var DefaultRetrySchedule = []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second}

// Store persists DeliveryAttempts to notification_log and answers
// "has approver X been notified for tier T of request R", the source
// of truth for idempotent retry on startup (spec §4.5).
type Store interface {
	RecordAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error
	AttemptsForTier(ctx context.Context, requestID string, tierIndex int) ([]domain.DeliveryAttempt, error)
}

// ApproverTarget is one (approver, preferred channels) pair the
// Request Manager submits for a tier activation.
type ApproverTarget struct {
	Subject           string
	Name              string
	PreferredChannels []string
}

// ExhaustionHandler is invoked when every preferred channel for an
// approver has exhausted its retry budget without a DELIVERED attempt.
// Per spec §4.5 this never auto-escalates the tier; it only needs an
// audit record, which the Request Manager supplies via this callback.
type ExhaustionHandler func(ctx context.Context, attempt domain.DeliveryAttempt)

// Log is the Delivery Log.
type Log struct {
	registry *channel.Registry
	store    Store
	schedule []time.Duration
	logger   *zap.SugaredLogger
	onExhausted ExhaustionHandler

	wg sync.WaitGroup
}

// NewLog constructs a Log with the given retry schedule (pass
// DefaultRetrySchedule for spec defaults).
func NewLog(registry *channel.Registry, store Store, schedule []time.Duration, logger *zap.SugaredLogger, onExhausted ExhaustionHandler) *Log {
	return &Log{registry: registry, store: store, schedule: schedule, logger: logger, onExhausted: onExhausted}
}

// Dispatch fans out notifications for one tier activation, one
// goroutine per approver, each working through its preferred channels
// in order with retries. Dispatch returns once every goroutine has
// been started; callers that need to know when delivery work has
// fully drained should call Wait.
func (l *Log) Dispatch(ctx context.Context, snapshot channel.RequestSnapshot, approval channel.ApprovalContext, targets []ApproverTarget) {
	for _, target := range targets {
		target := target
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.dispatchApprover(ctx, snapshot, approval, target)
		}()
	}
}

// Wait blocks until all in-flight Dispatch goroutines have finished.
// Intended for tests; production callers treat dispatch as
// fire-and-forget per spec §4.1/§9's async-notification design.
func (l *Log) Wait() {
	l.wg.Wait()
}

func (l *Log) dispatchApprover(ctx context.Context, snapshot channel.RequestSnapshot, approval channel.ApprovalContext, target ApproverTarget) {
	identity := channel.ApproverIdentity{Subject: target.Subject, Name: target.Name}

	for _, kind := range target.PreferredChannels {
		adapter, ok := l.registry.Get(kind)
		if !ok {
			if l.logger != nil {
				fields := logging.NewFields().Component("delivery-log").Operation("dispatch").RequestID(snapshot.RequestID).Approver(target.Subject)
				fields["channel"] = kind
				l.logger.Warnw("no adapter registered for channel", fields.KeysAndValues()...)
			}
			continue
		}

		if l.trySendWithRetries(ctx, adapter, snapshot, approval, identity) {
			return
		}
	}

	// Every preferred channel exhausted its retry budget.
	if l.onExhausted != nil {
		l.onExhausted(ctx, domain.DeliveryAttempt{
			RequestID:   snapshot.RequestID,
			TierIndex:   approval.TierIndex,
			Recipient:   target.Subject,
			Status:      domain.DeliveryFailed,
			Error:       "all preferred channels exhausted",
			AttemptedAt: time.Now(),
		})
	}
}

// trySendWithRetries attempts delivery over one channel up to
// len(schedule)+1 times, per spec §4.5's "3 attempts at 10s, 30s,
// 90s". It returns true once an attempt is recorded DELIVERED.
func (l *Log) trySendWithRetries(ctx context.Context, adapter channel.Adapter, snapshot channel.RequestSnapshot, approval channel.ApprovalContext, identity channel.ApproverIdentity) bool {
	attempts := len(l.schedule) + 1

	for i := 0; i < attempts; i++ {
		pending := domain.DeliveryAttempt{
			RequestID:   snapshot.RequestID,
			TierIndex:   approval.TierIndex,
			ChannelKind: adapter.Kind(),
			Recipient:   identity.Subject,
			Status:      domain.DeliveryPending,
			RetryCount:  i,
			AttemptedAt: time.Now(),
		}
		l.record(ctx, pending)

		attempt, err := adapter.Send(ctx, snapshot, approval, identity)
		attempt.RetryCount = i
		l.record(ctx, attempt)

		if err == nil && attempt.Status == domain.DeliveryDelivered {
			return true
		}

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(l.schedule[i]):
			}
		}
	}
	return false
}

func (l *Log) record(ctx context.Context, attempt domain.DeliveryAttempt) {
	if attempt.Status != domain.DeliveryPending {
		metrics.RecordNotificationDispatch(attempt.ChannelKind, string(attempt.Status))
	}
	if l.store == nil {
		return
	}
	if err := l.store.RecordAttempt(ctx, attempt); err != nil && l.logger != nil {
		fields := logging.NewFields().Component("delivery-log").Operation("record_attempt").RequestID(attempt.RequestID).TierIndex(attempt.TierIndex).Error(err)
		l.logger.Errorw("failed to record delivery attempt", fields.KeysAndValues()...)
	}
}
