// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kbstest

import (
	"context"
	"sync"
	"time"

	"github.com/google/go-sev-kbs/policy"
)

// MemStore is a minimal in-memory policy.Store for dispatcher-level tests, standing in for a
// provisioned SQL database the way a fake KDS stands in for a live one.
type MemStore struct {
	mu sync.Mutex

	Policies  map[int64]*policy.Policy
	Secrets   map[string]*policy.Secret
	Keysets   map[string]*policy.Keyset
	Resources map[string]*policy.Resource
	Keypairs  map[string]*policy.ReportKeypair
	Bundles   map[string]*bundleRow
}

type bundleRow struct {
	bundle     *policy.ConnectionBundle
	createDate time.Time
}

// NewMemStore returns an empty MemStore ready for a test to populate.
func NewMemStore() *MemStore {
	return &MemStore{
		Policies:  map[int64]*policy.Policy{},
		Secrets:   map[string]*policy.Secret{},
		Keysets:   map[string]*policy.Keyset{},
		Resources: map[string]*policy.Resource{},
		Keypairs:  map[string]*policy.ReportKeypair{},
		Bundles:   map[string]*bundleRow{},
	}
}

func (s *MemStore) GetPolicy(ctx context.Context, id int64) (*policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Policies[id]
	if !ok {
		return nil, policy.ErrNotFound
	}
	return p, nil
}

func (s *MemStore) ListPolicies(ctx context.Context) ([]*policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*policy.Policy, 0, len(s.Policies))
	for _, p := range s.Policies {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemStore) GetSecret(ctx context.Context, secretID string) (*policy.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.Secrets[secretID]
	if !ok {
		return nil, policy.ErrNotFound
	}
	return sec, nil
}

func (s *MemStore) ListSecrets(ctx context.Context, secretIDs []string) ([]*policy.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*policy.Secret
	for _, id := range secretIDs {
		if sec, ok := s.Secrets[id]; ok {
			out = append(out, sec)
		}
	}
	return out, nil
}

func (s *MemStore) GetKeyset(ctx context.Context, keysetID string) (*policy.Keyset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.Keysets[keysetID]
	if !ok {
		return nil, policy.ErrNotFound
	}
	return ks, nil
}

func (s *MemStore) GetResource(ctx context.Context, resourceID string) (*policy.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Resources[resourceID]
	if !ok {
		return nil, policy.ErrNotFound
	}
	return r, nil
}

func (s *MemStore) GetReportKeypair(ctx context.Context, keyID string) (*policy.ReportKeypair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rk, ok := s.Keypairs[keyID]
	if !ok {
		return nil, policy.ErrNotFound
	}
	return rk, nil
}

func (s *MemStore) PutConnectionBundle(ctx context.Context, b *policy.ConnectionBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.Bundles[b.ID]; exists {
		return policy.ErrUniqueViolation
	}
	cp := *b
	s.Bundles[b.ID] = &bundleRow{bundle: &cp, createDate: time.Now()}
	return nil
}

func (s *MemStore) TakeConnectionBundle(ctx context.Context, id string, ttl time.Duration) (*policy.ConnectionBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.Bundles[id]
	if !ok {
		return nil, policy.ErrNotFound
	}
	delete(s.Bundles, id)
	if ttl > 0 && time.Since(row.createDate) > ttl {
		return nil, policy.ErrNotFound
	}
	return row.bundle, nil
}

func (s *MemStore) Close() error { return nil }
