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

// Package await implements the Await/Watch Facility (spec §4.10): a
// notification bus keyed by request id to which the state machine
// publishes every transition, with two consumption modes layered on
// top — a one-shot blocking wait for a terminal state, and a
// replayable ordered stream of updates.
package await

import (
	"context"
	"sync"
	"time"

	"github.com/jordigilh/oversight/pkg/domain"
)

// RequestUpdate is one published transition of a Request, the unit
// watch_request streams and await_approval waits on.
type RequestUpdate struct {
	RequestID     string
	Version       int64
	State         domain.State
	Responses     []domain.Response
	OverrideToken *domain.OverrideToken
	At            time.Time
}

// Result is what await_approval returns once the Request reaches a
// terminal state or the wait times out.
type Result struct {
	State         domain.State
	OverrideToken *domain.OverrideToken
	Responses     []domain.Response
	Elapsed       time.Duration
	TimedOut      bool
}

// StateReader loads the current durable view of a Request; await_approval
// uses it for both the race-free initial read and the periodic
// fallback poll.
type StateReader interface {
	Load(ctx context.Context, requestID string) (*domain.Request, error)
}

// historyLimit bounds how many past updates per request the Bus keeps
// for watch_request replay. Versions older than the oldest retained
// entry are not replayable from the bus alone; a caller wanting the
// full history for an old version falls back to the Checkpoint
// Store's audit log.
const historyLimit = 64

type subscriber struct {
	ch     chan RequestUpdate
	fromID string
}

// Bus is the in-process notification bus keyed by request id. It is
// scoped to one process replica and reconstructible from durable state:
// on restart there is simply nothing to replay until the next publish,
// which is why await_approval always falls back to StateReader.Load.
type Bus struct {
	mu          sync.Mutex
	waiters     map[string][]chan struct{}
	subscribers map[string][]*subscriber
	history     map[string][]RequestUpdate
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{
		waiters:     make(map[string][]chan struct{}),
		subscribers: make(map[string][]*subscriber),
		history:     make(map[string][]RequestUpdate),
	}
}

// Publish records update and wakes every registered waiter and
// subscriber for its Request. Called by the state machine's transition
// path after a successful commit, outside the transition's critical
// section per spec §5.
func (b *Bus) Publish(update RequestUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hist := append(b.history[update.RequestID], update)
	if len(hist) > historyLimit {
		hist = hist[len(hist)-historyLimit:]
	}
	b.history[update.RequestID] = hist

	for _, ch := range b.waiters[update.RequestID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	for _, sub := range b.subscribers[update.RequestID] {
		select {
		case sub.ch <- update:
		default:
		}
	}
}

// register adds a wake channel for requestID before the caller's
// initial state read, so a Publish racing the read is never missed.
func (b *Bus) register(requestID string) (chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.waiters[requestID] = append(b.waiters[requestID], ch)
	b.mu.Unlock()

	unregister := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		waiters := b.waiters[requestID]
		for i, w := range waiters {
			if w == ch {
				b.waiters[requestID] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		if len(b.waiters[requestID]) == 0 {
			delete(b.waiters, requestID)
		}
	}
	return ch, unregister
}

// Await blocks the caller until requestID reaches a terminal state or
// timeout elapses, per spec §4.10. Cancellation of ctx disconnects the
// waiter only; it never affects the underlying Request. pollInterval is
// a best-effort fallback read in case a Publish is missed (e.g. a
// leader-replica failover mid-transition); the wake channel is the
// primary signal.
func (b *Bus) Await(ctx context.Context, reader StateReader, requestID string, timeout, pollInterval time.Duration) (Result, error) {
	start := time.Now()

	wakeCh, unregister := b.register(requestID)
	defer unregister()

	req, err := reader.Load(ctx, requestID)
	if err != nil {
		return Result{}, err
	}
	if res, ok := terminalResult(req, start); ok {
		return res, nil
	}

	var pollCh <-chan time.Time
	if pollInterval > 0 {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		pollCh = ticker.C
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-wakeCh:
			req, err = reader.Load(ctx, requestID)
			if err != nil {
				return Result{}, err
			}
			if res, ok := terminalResult(req, start); ok {
				return res, nil
			}
		case <-pollCh:
			req, err = reader.Load(ctx, requestID)
			if err != nil {
				return Result{}, err
			}
			if res, ok := terminalResult(req, start); ok {
				return res, nil
			}
		case <-deadline.C:
			req, err = reader.Load(ctx, requestID)
			if err != nil {
				return Result{}, err
			}
			return Result{
				State:     req.State,
				Responses: req.Responses,
				Elapsed:   time.Since(start),
				TimedOut:  true,
			}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

func terminalResult(req *domain.Request, start time.Time) (Result, bool) {
	if !req.State.Terminal() {
		return Result{}, false
	}
	return Result{
		State:     req.State,
		Responses: req.Responses,
		Elapsed:   time.Since(start),
	}, true
}

// Watch returns a channel streaming every RequestUpdate published for
// requestID from fromVersion onward (exclusive), first replaying
// whatever matching history the Bus still retains, then forwarding
// live publishes until ctx is cancelled. The returned channel is closed
// when ctx is done.
func (b *Bus) Watch(ctx context.Context, requestID string, fromVersion int64) <-chan RequestUpdate {
	out := make(chan RequestUpdate, historyLimit)

	b.mu.Lock()
	var backlog []RequestUpdate
	for _, u := range b.history[requestID] {
		if u.Version > fromVersion {
			backlog = append(backlog, u)
		}
	}
	sub := &subscriber{ch: make(chan RequestUpdate, historyLimit)}
	b.subscribers[requestID] = append(b.subscribers[requestID], sub)
	b.mu.Unlock()

	go func() {
		defer close(out)
		defer b.unsubscribe(requestID, sub)

		for _, u := range backlog {
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case u, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (b *Bus) unsubscribe(requestID string, target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[requestID]
	for i, s := range subs {
		if s == target {
			b.subscribers[requestID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[requestID]) == 0 {
		delete(b.subscribers, requestID)
	}
}
