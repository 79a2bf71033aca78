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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// dialect isolates the three differences between the SQL backends this package supports:
// placeholder syntax, unique-violation detection, and the one-shot take-and-delete primitive
// (sqlite and postgres support DELETE...RETURNING; mysql does not and needs a transaction).
type dialect struct {
	name         string
	placeholder  func(n int) string // nth bound parameter, 1-indexed
	isUnique     func(error) bool
	takeBundleFn func(ctx context.Context, db *sql.DB, id string, ttl time.Duration) (*ConnectionBundle, error)
}

// sqlStore implements Store once, against any dialect's database/sql driver plus its dialect
// quirks, so the three backends in this package share every query and row-scan instead of
// duplicating them three times.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) Close() error { return s.db.Close() }

func ph(d dialect, n int) string { return d.placeholder(n) }

func (s *sqlStore) GetPolicy(ctx context.Context, id int64) (*Policy, error) {
	q := fmt.Sprintf(`SELECT id, allowed_digests, allowed_policies, min_fw_api_major, min_fw_api_minor, allowed_build_ids, valid
		FROM policy WHERE id = %s`, ph(s.d, 1))
	var p Policy
	var digestsJSON, policiesJSON, buildIDsJSON string
	var valid int
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, q, id)
		return row.Scan(&p.ID, &digestsJSON, &policiesJSON, &p.MinFWAPIMajor, &p.MinFWAPIMinor, &buildIDsJSON, &valid)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetPolicy(%d): %w", id, err)
	}
	p.Valid = valid != 0
	if err := unmarshalSet(digestsJSON, &p.AllowedDigests); err != nil {
		return nil, fmt.Errorf("GetPolicy(%d): allowed_digests: %v", id, err)
	}
	if err := unmarshalSet(policiesJSON, &p.AllowedPolicies); err != nil {
		return nil, fmt.Errorf("GetPolicy(%d): allowed_policies: %v", id, err)
	}
	if err := unmarshalSet(buildIDsJSON, &p.AllowedBuildIDs); err != nil {
		return nil, fmt.Errorf("GetPolicy(%d): allowed_build_ids: %v", id, err)
	}
	return &p, nil
}

func (s *sqlStore) ListPolicies(ctx context.Context) ([]*Policy, error) {
	q := `SELECT id, allowed_digests, allowed_policies, min_fw_api_major, min_fw_api_minor, allowed_build_ids, valid FROM policy`
	var out []*Policy
	err := withRetry(ctx, func() error {
		out = nil
		rows, err := s.db.QueryContext(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p Policy
			var digestsJSON, policiesJSON, buildIDsJSON string
			var valid int
			if err := rows.Scan(&p.ID, &digestsJSON, &policiesJSON, &p.MinFWAPIMajor, &p.MinFWAPIMinor, &buildIDsJSON, &valid); err != nil {
				return err
			}
			p.Valid = valid != 0
			if err := unmarshalSet(digestsJSON, &p.AllowedDigests); err != nil {
				return err
			}
			if err := unmarshalSet(policiesJSON, &p.AllowedPolicies); err != nil {
				return err
			}
			if err := unmarshalSet(buildIDsJSON, &p.AllowedBuildIDs); err != nil {
				return err
			}
			out = append(out, &p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("ListPolicies: %w", err)
	}
	return out, nil
}

func (s *sqlStore) GetSecret(ctx context.Context, secretID string) (*Secret, error) {
	q := fmt.Sprintf(`SELECT secret_id, secret, polid FROM secrets WHERE secret_id = %s`, ph(s.d, 1))
	var sec Secret
	var secretB64 string
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, q, secretID)
		return row.Scan(&sec.SecretID, &secretB64, &sec.PolicyID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetSecret(%q): %w", secretID, err)
	}
	raw, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return nil, fmt.Errorf("GetSecret(%q): malformed base64: %v", secretID, err)
	}
	sec.Secret = raw
	return &sec, nil
}

func (s *sqlStore) ListSecrets(ctx context.Context, secretIDs []string) ([]*Secret, error) {
	out := make([]*Secret, 0, len(secretIDs))
	for _, id := range secretIDs {
		sec, err := s.GetSecret(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, nil
}

func (s *sqlStore) GetKeyset(ctx context.Context, keysetID string) (*Keyset, error) {
	q := fmt.Sprintf(`SELECT keysetid, kskeys, polid FROM keysets WHERE keysetid = %s`, ph(s.d, 1))
	var ks Keyset
	var kskeysJSON string
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, q, keysetID)
		return row.Scan(&ks.KeysetID, &kskeysJSON, &ks.PolicyID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetKeyset(%q): %w", keysetID, err)
	}
	if err := json.Unmarshal([]byte(kskeysJSON), &ks.KSKeys); err != nil {
		return nil, fmt.Errorf("GetKeyset(%q): malformed kskeys: %v", keysetID, err)
	}
	return &ks, nil
}

func (s *sqlStore) GetResource(ctx context.Context, resourceID string) (*Resource, error) {
	q := fmt.Sprintf(`SELECT resource_id, resource_type, resource_path, polid FROM resources WHERE resource_id = %s`, ph(s.d, 1))
	var r Resource
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, q, resourceID)
		return row.Scan(&r.ResourceID, &r.ResourceType, &r.ResourcePath, &r.PolicyID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetResource(%q): %w", resourceID, err)
	}
	return &r, nil
}

func (s *sqlStore) GetReportKeypair(ctx context.Context, keyID string) (*ReportKeypair, error) {
	q := fmt.Sprintf(`SELECT key_id, keypair, polid FROM report_keypair WHERE key_id = %s`, ph(s.d, 1))
	var rk ReportKeypair
	var pemStr string
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, q, keyID)
		return row.Scan(&rk.KeyID, &pemStr, &rk.PolicyID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetReportKeypair(%q): %w", keyID, err)
	}
	rk.KeyPEM = []byte(pemStr)
	return &rk, nil
}

func (s *sqlStore) PutConnectionBundle(ctx context.Context, b *ConnectionBundle) error {
	q := fmt.Sprintf(`INSERT INTO conn_bundle
		(id, sev_version, policy, fw_api_major, fw_api_minor, fw_build_id, launch_description, fw_digest, symkey, create_date, delete_date)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, NULL)`,
		ph(s.d, 1), ph(s.d, 2), ph(s.d, 3), ph(s.d, 4), ph(s.d, 5), ph(s.d, 6), ph(s.d, 7), ph(s.d, 8), ph(s.d, 9), ph(s.d, 10))
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q,
			b.ID, b.SEVVersion, b.GuestPolicy, b.FWAPIMajor, b.FWAPIMinor, b.FWBuildID,
			b.LaunchDescription, base64.StdEncoding.EncodeToString(b.FWDigest), b.SymKey, time.Now().UTC())
		return err
	})
	if err != nil {
		if s.d.isUnique(err) {
			return ErrUniqueViolation
		}
		return fmt.Errorf("PutConnectionBundle(%s): %w", b.ID, err)
	}
	return nil
}

func (s *sqlStore) TakeConnectionBundle(ctx context.Context, id string, ttl time.Duration) (*ConnectionBundle, error) {
	var b *ConnectionBundle
	err := withRetry(ctx, func() error {
		var err error
		b, err = s.d.takeBundleFn(ctx, s.db, id, ttl)
		return err
	})
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNotFound
	}
	return b, nil
}

func unmarshalSet[T any](raw string, out *[]T) error {
	if raw == "" {
		*out = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting scanConnBundle serve both the
// sqlite/postgres DELETE...RETURNING path and the mysql SELECT-then-DELETE transaction path.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnBundle(row rowScanner) (*ConnectionBundle, time.Time, error) {
	var b ConnectionBundle
	var digestB64 string
	var createDate time.Time
	err := row.Scan(&b.ID, &b.SEVVersion, &b.GuestPolicy, &b.FWAPIMajor, &b.FWAPIMinor, &b.FWBuildID,
		&b.LaunchDescription, &digestB64, &b.SymKey, &createDate)
	if err != nil {
		return nil, time.Time{}, err
	}
	raw, err := base64.StdEncoding.DecodeString(digestB64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("malformed fw_digest: %v", err)
	}
	b.FWDigest = raw
	return &b, createDate, nil
}

// ttlExpired reports whether a connection bundle's create_date exceeds ttl relative to now. A
// zero ttl disables the check, as TakeConnectionBundle's contract specifies.
func ttlExpired(createDate time.Time, ttl time.Duration) bool {
	return ttl > 0 && time.Since(createDate) > ttl
}
