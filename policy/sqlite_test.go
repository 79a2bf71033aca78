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

package policy

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// schema is a throwaway DDL used only to stand up an in-memory database for these tests; the
// database's real schema is provisioned out-of-band.
const schema = `
CREATE TABLE policy (
	id INTEGER PRIMARY KEY,
	allowed_digests TEXT NOT NULL DEFAULT '',
	allowed_policies TEXT NOT NULL DEFAULT '',
	min_fw_api_major INTEGER NOT NULL DEFAULT 0,
	min_fw_api_minor INTEGER NOT NULL DEFAULT 0,
	allowed_build_ids TEXT NOT NULL DEFAULT '',
	valid INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE secrets (
	secret_id TEXT PRIMARY KEY,
	secret TEXT NOT NULL,
	polid INTEGER NOT NULL
);
CREATE TABLE keysets (
	keysetid TEXT PRIMARY KEY,
	kskeys TEXT NOT NULL,
	polid INTEGER NOT NULL
);
CREATE TABLE resources (
	resource_id TEXT PRIMARY KEY,
	resource_type TEXT NOT NULL,
	resource_path TEXT NOT NULL,
	polid INTEGER NOT NULL
);
CREATE TABLE report_keypair (
	key_id TEXT PRIMARY KEY,
	keypair TEXT NOT NULL,
	polid INTEGER NOT NULL
);
CREATE TABLE conn_bundle (
	id TEXT PRIMARY KEY,
	sev_version INTEGER NOT NULL,
	policy INTEGER NOT NULL,
	fw_api_major INTEGER NOT NULL,
	fw_api_minor INTEGER NOT NULL,
	fw_build_id INTEGER NOT NULL,
	launch_description TEXT NOT NULL,
	fw_digest TEXT NOT NULL,
	symkey BLOB NOT NULL,
	create_date TIMESTAMP NOT NULL,
	delete_date TIMESTAMP
);
`

func newTestStore(t *testing.T) *sqlStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(schema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &sqlStore{db: db, d: sqliteDialect}
}

func TestGetPolicyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `INSERT INTO policy
		(id, allowed_digests, allowed_policies, min_fw_api_major, min_fw_api_minor, allowed_build_ids, valid)
		VALUES (1, '["AAAA"]', '[0]', 1, 40, '[1,2]', 1)`)
	require.NoError(t, err)

	p, err := s.GetPolicy(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"AAAA"}, p.AllowedDigests)
	require.Equal(t, []uint32{0}, p.AllowedPolicies)
	require.Equal(t, uint8(1), p.MinFWAPIMajor)
	require.Equal(t, uint8(40), p.MinFWAPIMinor)
	require.Equal(t, []uint32{1, 2}, p.AllowedBuildIDs)
	require.True(t, p.Valid)

	_, err = s.GetPolicy(ctx, 2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConnectionBundleOneShot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := &ConnectionBundle{
		ID:                "guid-1",
		SEVVersion:        1,
		GuestPolicy:       0,
		FWAPIMajor:        1,
		FWAPIMinor:        49,
		FWBuildID:         1,
		LaunchDescription: "test",
		FWDigest:          []byte("0123456789abcdef0123456789abcdef"),
		SymKey:            []byte("tik-and-tek-bytes-32-total-long!"),
	}
	require.NoError(t, s.PutConnectionBundle(ctx, b))

	got, err := s.TakeConnectionBundle(ctx, "guid-1", 0)
	require.NoError(t, err)
	if diff := cmp.Diff(b, got); diff != "" {
		t.Errorf("TakeConnectionBundle() round trip mismatch (-want +got):\n%s", diff)
	}

	// Replay: the bundle was consumed by the first take.
	_, err = s.TakeConnectionBundle(ctx, "guid-1", 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConnectionBundleTTLExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `INSERT INTO conn_bundle
		(id, sev_version, policy, fw_api_major, fw_api_minor, fw_build_id, launch_description, fw_digest, symkey, create_date)
		VALUES ('old', 1, 0, 1, 49, 1, 'd', '', X'00', ?)`, time.Now().Add(-time.Hour).UTC())
	require.NoError(t, err)

	_, err = s.TakeConnectionBundle(ctx, "old", time.Minute)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUniqueViolationNormalized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := &ConnectionBundle{ID: "dup", FWDigest: []byte{}, SymKey: []byte{}}
	require.NoError(t, s.PutConnectionBundle(ctx, b))
	err := s.PutConnectionBundle(ctx, b)
	require.ErrorIs(t, err, ErrUniqueViolation)
}
