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
	"encoding/json"
	"os"

	apperrors "github.com/jordigilh/oversight/internal/errors"
	"github.com/jordigilh/oversight/pkg/verify"
)

// StaticRegistry is a file-backed verify.IdentityRegistry (and, for the
// reference webhook channel adapter, a webhook.URLResolver), loaded
// once at startup. Identity registry internals (LDAP/PKI integration,
// key rotation workflows) are explicitly out of scope for this
// service; StaticRegistry exists only so the service is runnable end
// to end against a config-supplied subject list, with
// verify.CachingResolver still providing the cache, singleflight
// collapsing, and circuit breaker in front of it.
type StaticRegistry struct {
	subjects map[string]staticSubject
}

type staticSubject struct {
	keys       []verify.RegisteredKey
	webhookURL string
}

type staticSubjectFile struct {
	Keys []struct {
		PublicKey []byte `json:"public_key"`
		Algorithm string `json:"algorithm"`
	} `json:"keys"`
	WebhookURL string `json:"webhook_url"`
}

// NewStaticRegistry loads a StaticRegistry from a JSON file at path,
// shaped as {"subject": {"keys": [{"public_key": "<base64>",
// "algorithm": "Ed25519"}, ...], "webhook_url": "https://..."}}.
func NewStaticRegistry(path string) (*StaticRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to read identity registry file")
	}

	var raw map[string]staticSubjectFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeStoreUnavailable, "failed to parse identity registry file")
	}

	subjects := make(map[string]staticSubject, len(raw))
	for subject, entry := range raw {
		keys := make([]verify.RegisteredKey, 0, len(entry.Keys))
		for _, k := range entry.Keys {
			keys = append(keys, verify.RegisteredKey{PublicKey: k.PublicKey, Algorithm: k.Algorithm})
		}
		subjects[subject] = staticSubject{keys: keys, webhookURL: entry.WebhookURL}
	}

	return &StaticRegistry{subjects: subjects}, nil
}

// Keys implements verify.IdentityRegistry.
func (r *StaticRegistry) Keys(_ context.Context, subject string) ([]verify.RegisteredKey, error) {
	entry, ok := r.subjects[subject]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrorTypeApproverNotEligible, "no registered keys for subject %q", subject)
	}
	return entry.keys, nil
}

// URLFor implements webhook.URLResolver.
func (r *StaticRegistry) URLFor(subject string) (string, error) {
	entry, ok := r.subjects[subject]
	if !ok || entry.webhookURL == "" {
		return "", apperrors.Newf(apperrors.ErrorTypeApproverNotEligible, "no webhook url registered for subject %q", subject)
	}
	return entry.webhookURL, nil
}
