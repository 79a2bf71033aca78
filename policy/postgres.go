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
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// postgresUniqueViolation is SQLSTATE 23505, Postgres's unique-violation error class.
const postgresUniqueViolation = "23505"

// OpenPostgres opens a PostgreSQL-backed Store using dsn, built by the caller from
// KBS_DB_HOST/KBS_DB_USER/KBS_DB_PW/KBS_DB.
func OpenPostgres(dsn string) (Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("OpenPostgres: %v", err)
	}
	return &sqlStore{db: db, d: postgresDialect}, nil
}

var postgresDialect = dialect{
	name:        "postgresql",
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	isUnique: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == postgresUniqueViolation
	},
	takeBundleFn: postgresTakeBundle,
}

func postgresTakeBundle(ctx context.Context, db *sql.DB, id string, ttl time.Duration) (*ConnectionBundle, error) {
	row := db.QueryRowContext(ctx, `DELETE FROM conn_bundle WHERE id = $1
		RETURNING id, sev_version, policy, fw_api_major, fw_api_minor, fw_build_id, launch_description, fw_digest, symkey, create_date`, id)
	b, createDate, err := scanConnBundle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("TakeConnectionBundle(%s): %w", id, err)
	}
	if ttlExpired(createDate, ttl) {
		return nil, nil
	}
	return b, nil
}
