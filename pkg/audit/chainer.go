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

package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/oversight/pkg/domain"
)

// Chainer appends hash-linked Records, fire-and-forget from the state
// machine's perspective: Emit never blocks the caller on the Store, and
// never panics on a Store failure. It tracks the last content hash and
// sequence number per request to link the chain, and maintains an
// in-memory Merkle tree over every record it successfully buffers.
//
// When the buffer backlog exceeds its configured bound, the Chainer
// enters degraded mode: Emit keeps accepting records (oldest dropped to
// make room) but Degraded() reports true so the Request Manager can
// refuse to issue override tokens until the backlog drains, per spec
// §4.3.
type Chainer struct {
	store  Store
	logger *zap.SugaredLogger
	bound  int

	mu       sync.Mutex
	lastHash map[string][]byte
	lastSeq  map[string]int64
	tree     *MerkleTree
	buffer   chan Record
	degraded bool

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewChainer constructs a Chainer with the given buffer bound (spec
// §6's audit_buffer_limit) and starts its background flush worker.
func NewChainer(store Store, logger *zap.SugaredLogger, bound int) *Chainer {
	c := &Chainer{
		store:    store,
		logger:   logger,
		bound:    bound,
		lastHash: make(map[string][]byte),
		lastSeq:  make(map[string]int64),
		tree:     NewMerkleTree(),
		buffer:   make(chan Record, bound),
		stop:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.flushLoop()
	return c
}

// Emit appends the next Record in requestID's chain and returns it
// without waiting for the Store write to complete.
func (c *Chainer) Emit(requestID string, eventType domain.AuditEventType, actorType, actorID string, details map[string]interface{}, now time.Time) Record {
	c.mu.Lock()
	seq := c.lastSeq[requestID] + 1
	prior := c.lastHash[requestID]
	record := NewRecord(requestID, seq, eventType, actorType, actorID, details, prior, now)
	c.lastSeq[requestID] = seq
	c.lastHash[requestID] = record.ContentHash
	c.tree.Append(record.ContentHash)
	backlog := len(c.buffer)
	c.mu.Unlock()

	c.setDegraded(backlog >= c.bound)

	select {
	case c.buffer <- record:
	default:
		// Buffer full: drop the oldest buffered record to make room
		// rather than block the caller. The record is still durable in
		// the Merkle tree and chain bookkeeping above; only its
		// Store persistence is lost, which is why degraded mode exists.
		select {
		case <-c.buffer:
		default:
		}
		select {
		case c.buffer <- record:
		default:
		}
		c.setDegraded(true)
	}

	return record
}

// Degraded reports whether the Chainer's backlog currently exceeds its
// bound. While true, the Request Manager must refuse to issue override
// tokens (spec §4.3).
func (c *Chainer) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *Chainer) setDegraded(v bool) {
	c.mu.Lock()
	c.degraded = v
	c.mu.Unlock()
}

// Root returns the current in-memory Merkle root.
func (c *Chainer) Root() []byte {
	return c.tree.Root()
}

// Close stops the background flush worker and waits for it to drain.
func (c *Chainer) Close() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Chainer) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			c.drain()
			return
		case record := <-c.buffer:
			c.persist(record)
			if len(c.buffer) < c.bound {
				c.setDegraded(false)
			}
		case <-ticker.C:
			if root := c.tree.Root(); c.store != nil {
				if err := c.store.StoreRoot(context.Background(), root); err != nil && c.logger != nil {
					c.logger.Warnw("failed to persist audit merkle root", "error", err)
				}
			}
		}
	}
}

func (c *Chainer) drain() {
	for {
		select {
		case record := <-c.buffer:
			c.persist(record)
		default:
			return
		}
	}
}

func (c *Chainer) persist(record Record) {
	if c.store == nil {
		return
	}
	if err := c.store.StoreRecord(context.Background(), record); err != nil && c.logger != nil {
		c.logger.Errorw("failed to persist audit record", "request_id", record.RequestID, "error", err)
	}
}
