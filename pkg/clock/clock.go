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

// Package clock provides the oversight core's time source and timer
// wheel, per spec §4.1. The time source prefers an externally supplied
// consensus-ordered clock over the local wall clock, falling back only
// with a visible degradation flag; the wheel schedules TIER_TIMEOUT
// fires keyed by (request id, tier index) and survives restart by
// recomputing remaining durations from persisted state.
package clock

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/jordigilh/oversight/internal/errors"
)

// ConsensusSource is an externally supplied, consensus-ordered time
// source (e.g. a Raft/Paxos leader's clock, or an NTP-disciplined
// monotonic source shared across replicas).
type ConsensusSource interface {
	Now(ctx context.Context) (time.Time, error)
}

// SystemConsensusSource wraps the local wall clock as a ConsensusSource,
// used only for single-replica deployments or local development where
// no external consensus clock is configured.
type SystemConsensusSource struct{}

// Now implements ConsensusSource using time.Now.
func (SystemConsensusSource) Now(_ context.Context) (time.Time, error) {
	return time.Now(), nil
}

// Source is the oversight core's time source: a ConsensusSource with an
// optional local-clock fallback policy.
type Source struct {
	consensus        ConsensusSource
	requireConsensus bool

	mu       sync.RWMutex
	degraded bool
}

// NewSource constructs a Source. If requireConsensus is true, Now
// returns TIMER_SOURCE_UNAVAILABLE when consensus errors rather than
// falling back to the local wall clock.
func NewSource(consensus ConsensusSource, requireConsensus bool) *Source {
	return &Source{consensus: consensus, requireConsensus: requireConsensus}
}

// Now returns the current time, preferring the consensus source. On
// consensus failure: if requireConsensus is true, returns
// TIMER_SOURCE_UNAVAILABLE; otherwise falls back to the local wall
// clock and sets the degraded flag.
func (s *Source) Now(ctx context.Context) (time.Time, error) {
	t, err := s.consensus.Now(ctx)
	if err == nil {
		s.setDegraded(false)
		return t, nil
	}

	if s.requireConsensus {
		return time.Time{}, apperrors.Wrap(err, apperrors.ErrorTypeTimerSourceUnavailable,
			"consensus clock unreachable and local-clock fallback is disallowed")
	}

	s.setDegraded(true)
	return time.Now(), nil
}

// Degraded reports whether the Source is currently serving time from
// the local wall-clock fallback rather than the consensus source.
func (s *Source) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *Source) setDegraded(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = v
}
