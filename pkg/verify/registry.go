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

package verify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/jordigilh/oversight/internal/errors"
)

// IdentityRegistry is the upstream source of truth for an approver's
// public keys. Implementations call out to whatever identity system
// the deployment uses (LDAP, an internal PKI, etc.); this package never
// assumes a concrete transport.
type IdentityRegistry interface {
	// Keys returns the registry's current keys for subject: the active
	// key, and any prior key still within its post-rotation grace
	// window (spec §4.2's "keys in a 30-day grace window ... are both
	// accepted").
	Keys(ctx context.Context, subject string) ([]RegisteredKey, error)
}

// CachingResolver wraps an IdentityRegistry with a Redis-backed cache
// (TTL per spec §6's public_key_cache_ttl), a singleflight group that
// collapses concurrent lookups for the same subject into one upstream
// call, and a circuit breaker that fails fast as REGISTRY_UNAVAILABLE
// once the upstream registry is unhealthy.
type CachingResolver struct {
	upstream IdentityRegistry
	redis    *redis.Client
	cacheTTL time.Duration
	group    singleflight.Group
	breaker  *gobreaker.CircuitBreaker
}

// NewCachingResolver constructs a CachingResolver. cacheTTL should be
// spec §6's public_key_cache_ttl (default 5 minutes).
func NewCachingResolver(upstream IdentityRegistry, redisClient *redis.Client, cacheTTL time.Duration) *CachingResolver {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "identity-registry",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &CachingResolver{
		upstream: upstream,
		redis:    redisClient,
		cacheTTL: cacheTTL,
		breaker:  breaker,
	}
}

type cachedKeys struct {
	Keys []RegisteredKey `json:"keys"`
}

// Keys resolves subject's accepted public keys, consulting the cache
// first, then de-duplicating concurrent misses via singleflight, then
// calling through the circuit breaker to the upstream registry.
func (r *CachingResolver) Keys(ctx context.Context, subject string) ([]RegisteredKey, error) {
	cacheKey := "oversight:pubkeys:" + subject

	if cached, ok := r.readCache(ctx, cacheKey); ok {
		return cached, nil
	}

	result, err, _ := r.group.Do(subject, func() (interface{}, error) {
		if cached, ok := r.readCache(ctx, cacheKey); ok {
			return cached, nil
		}

		out, err := r.breaker.Execute(func() (interface{}, error) {
			return r.upstream.Keys(ctx, subject)
		})
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrorTypeRegistryUnavailable,
				"identity registry lookup failed for approver %q", subject)
		}

		keys := out.([]RegisteredKey)
		r.writeCache(ctx, cacheKey, keys)
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]RegisteredKey), nil
}

func (r *CachingResolver) readCache(ctx context.Context, cacheKey string) ([]RegisteredKey, bool) {
	if r.redis == nil {
		return nil, false
	}
	raw, err := r.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		return nil, false
	}
	var decoded cachedKeys
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, false
	}
	return decoded.Keys, true
}

func (r *CachingResolver) writeCache(ctx context.Context, cacheKey string, keys []RegisteredKey) {
	if r.redis == nil {
		return
	}
	encoded, err := json.Marshal(cachedKeys{Keys: keys})
	if err != nil {
		return
	}
	r.redis.Set(ctx, cacheKey, encoded, r.cacheTTL)
}
