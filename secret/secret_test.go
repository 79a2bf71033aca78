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

package secret

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-sev-kbs/abi"
	"github.com/google/go-sev-kbs/kbscrypto"
	"github.com/google/go-sev-kbs/policy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory policy.Store covering only the lookups secret.Build issues.
type fakeStore struct {
	policy.Store
	secrets   map[string]*policy.Secret
	keysets   map[string]*policy.Keyset
	resources map[string]*policy.Resource
	keypairs  map[string]*policy.ReportKeypair
}

func (s *fakeStore) GetSecret(ctx context.Context, id string) (*policy.Secret, error) {
	sec, ok := s.secrets[id]
	if !ok {
		return nil, policy.ErrNotFound
	}
	return sec, nil
}

func (s *fakeStore) GetKeyset(ctx context.Context, id string) (*policy.Keyset, error) {
	ks, ok := s.keysets[id]
	if !ok {
		return nil, policy.ErrNotFound
	}
	return ks, nil
}

func (s *fakeStore) GetResource(ctx context.Context, id string) (*policy.Resource, error) {
	r, ok := s.resources[id]
	if !ok {
		return nil, policy.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) GetReportKeypair(ctx context.Context, id string) (*policy.ReportKeypair, error) {
	rk, ok := s.keypairs[id]
	if !ok {
		return nil, policy.ErrNotFound
	}
	return rk, nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		secrets:   map[string]*policy.Secret{},
		keysets:   map[string]*policy.Keyset{},
		resources: map[string]*policy.Resource{},
		keypairs:  map[string]*policy.ReportKeypair{},
	}
}

func unseal(t *testing.T, tek, header, data []byte) []abi.SecretTableEntry {
	t.Helper()
	h, err := abi.UnmarshalLaunchSecretHeader(header)
	require.NoError(t, err)
	sealed := append(append([]byte{}, data...), h.Tag[:]...)
	table, err := kbscrypto.OpenGCM(tek, h.IV[:12], sealed, nil)
	require.NoError(t, err)
	entries, err := abi.UnmarshalSecretTable(table)
	require.NoError(t, err)
	return entries
}

func TestBuildRawRoundTrip(t *testing.T) {
	store := newFakeStore()
	store.secrets["s1"] = &policy.Secret{SecretID: "s1", Secret: []byte("hello world"), PolicyID: 1}
	tek := make([]byte, 16)
	_, err := rand.Read(tek)
	require.NoError(t, err)
	measurement := make([]byte, 32)
	_, err = rand.Read(measurement)
	require.NoError(t, err)

	guid := uuid.New()
	header, data, err := Build(context.Background(), store, tek, measurement, []Request{
		{Type: FormatRaw, ID: "s1", GUID: guid},
	})
	require.NoError(t, err)

	entries := unseal(t, tek, header, data)
	require.Len(t, entries, 1)
	require.Equal(t, guid, entries[0].GUID)
	require.Equal(t, []byte("hello world"), entries[0].Data)
}

func TestBuildOrderPreserved(t *testing.T) {
	store := newFakeStore()
	store.secrets["a"] = &policy.Secret{SecretID: "a", Secret: []byte("AAA")}
	store.secrets["b"] = &policy.Secret{SecretID: "b", Secret: []byte("BBB")}
	tek := make([]byte, 16)
	measurement := make([]byte, 32)

	reqs := []Request{
		{Type: FormatRaw, ID: "b", GUID: uuid.New()},
		{Type: FormatRaw, ID: "a", GUID: uuid.New()},
	}
	header, data, err := Build(context.Background(), store, tek, measurement, reqs)
	require.NoError(t, err)
	entries := unseal(t, tek, header, data)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("BBB"), entries[0].Data)
	require.Equal(t, []byte("AAA"), entries[1].Data)
}

func TestBuildBundleMergesIntoOneEntry(t *testing.T) {
	store := newFakeStore()
	store.secrets["s1"] = &policy.Secret{SecretID: "s1", Secret: []byte("one")}
	store.secrets["s2"] = &policy.Secret{SecretID: "s2", Secret: []byte("two")}
	tek := make([]byte, 16)
	measurement := make([]byte, 32)

	header, data, err := Build(context.Background(), store, tek, measurement, []Request{
		{Type: FormatBundle, ID: "s1"},
		{Type: FormatBundle, ID: "s2"},
	})
	require.NoError(t, err)
	entries := unseal(t, tek, header, data)
	require.Len(t, entries, 1)
	require.Equal(t, bundleGUID, entries[0].GUID)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(entries[0].Data, &decoded))
	require.Len(t, decoded, 2)
}

func TestBuildKeysetExpandsDistinctGUIDs(t *testing.T) {
	store := newFakeStore()
	store.secrets["k1"] = &policy.Secret{SecretID: "k1", Secret: []byte("key-one")}
	store.secrets["k2"] = &policy.Secret{SecretID: "k2", Secret: []byte("key-two")}
	store.keysets["ks"] = &policy.Keyset{KeysetID: "ks", KSKeys: []string{"k1", "k2"}}
	tek := make([]byte, 16)
	measurement := make([]byte, 32)

	guid := uuid.New()
	header, data, err := Build(context.Background(), store, tek, measurement, []Request{
		{Type: FormatKeyset, ID: "ks", GUID: guid},
	})
	require.NoError(t, err)
	entries := unseal(t, tek, header, data)
	require.Len(t, entries, 2)
	require.NotEqual(t, entries[0].GUID, entries[1].GUID)
	require.Equal(t, uuid.NewSHA1(guid, []byte("k1")), entries[0].GUID)
	require.Equal(t, uuid.NewSHA1(guid, []byte("k2")), entries[1].GUID)
}

func TestBuildKeysetMissingSecretNotFound(t *testing.T) {
	store := newFakeStore()
	store.keysets["ks"] = &policy.Keyset{KeysetID: "ks", KSKeys: []string{"missing"}}
	tek := make([]byte, 16)
	measurement := make([]byte, 32)

	_, _, err := Build(context.Background(), store, tek, measurement, []Request{
		{Type: FormatKeyset, ID: "ks", GUID: uuid.New()},
	})
	require.True(t, errors.Is(err, ErrSecretNotFound))
}

func TestBuildResourceReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte("resource-contents"), 0o600))

	store := newFakeStore()
	store.resources["r1"] = &policy.Resource{ResourceID: "r1", ResourceType: "my-type", ResourcePath: path}
	tek := make([]byte, 16)
	measurement := make([]byte, 32)

	header, data, err := Build(context.Background(), store, tek, measurement, []Request{
		{Type: FormatResource, ID: "r1"},
	})
	require.NoError(t, err)
	entries := unseal(t, tek, header, data)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("resource-contents"), entries[0].Data)
	require.Equal(t, uuid.NewSHA1(resourceGUIDNamespace, []byte("my-type")), entries[0].GUID)
}

func TestBuildResourcePathMissing(t *testing.T) {
	store := newFakeStore()
	store.resources["r1"] = &policy.Resource{ResourceID: "r1", ResourceType: "t", ResourcePath: "/no/such/path"}
	tek := make([]byte, 16)
	measurement := make([]byte, 32)

	_, _, err := Build(context.Background(), store, tek, measurement, []Request{
		{Type: FormatResource, ID: "r1"},
	})
	require.Error(t, err)
}

func genECKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func TestBuildReportDataSigns(t *testing.T) {
	keyPEM := genECKeyPEM(t)
	store := newFakeStore()
	store.keypairs["rk1"] = &policy.ReportKeypair{KeyID: "rk1", KeyPEM: keyPEM}
	tek := make([]byte, 16)
	measurement := make([]byte, 32)

	guid := uuid.New()
	header, data, err := Build(context.Background(), store, tek, measurement, []Request{
		{Type: FormatReportData, ID: "rk1", GUID: guid, Payload: []byte("report-data-bytes")},
	})
	require.NoError(t, err)
	entries := unseal(t, tek, header, data)
	require.Len(t, entries, 1)
	require.NotEmpty(t, entries[0].Data)

	block, _ := pem.Decode(keyPEM)
	key, err := x509.ParseECPrivateKey(block.Bytes)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("report-data-bytes"))
	require.True(t, ecdsa.VerifyASN1(&key.PublicKey, digest[:], entries[0].Data))
}

func TestBuildRawSecretNotFound(t *testing.T) {
	store := newFakeStore()
	tek := make([]byte, 16)
	measurement := make([]byte, 32)

	_, _, err := Build(context.Background(), store, tek, measurement, []Request{
		{Type: FormatRaw, ID: "missing", GUID: uuid.New()},
	})
	require.True(t, errors.Is(err, ErrSecretNotFound))
}

func TestBuildMeasurementTooShortForIV(t *testing.T) {
	store := newFakeStore()
	store.secrets["s1"] = &policy.Secret{SecretID: "s1", Secret: []byte("x")}
	tek := make([]byte, 16)

	_, _, err := Build(context.Background(), store, tek, []byte{1, 2, 3}, []Request{
		{Type: FormatRaw, ID: "s1", GUID: uuid.New()},
	})
	require.Error(t, err)
}
