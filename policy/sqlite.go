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
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// OpenSQLite opens (and, if absent, creates) a SQLite-backed Store at path, the file named by
// KBS_DB when KBS_DB_TYPE=sqlite.
func OpenSQLite(path string) (Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("OpenSQLite(%q): %v", path, err)
	}
	return &sqlStore{db: db, d: sqliteDialect}, nil
}

var sqliteDialect = dialect{
	name:        "sqlite",
	placeholder: func(int) string { return "?" },
	isUnique: func(err error) bool {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) {
			return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
		}
		return false
	},
	takeBundleFn: sqliteTakeBundle,
}

func sqliteTakeBundle(ctx context.Context, db *sql.DB, id string, ttl time.Duration) (*ConnectionBundle, error) {
	row := db.QueryRowContext(ctx, `DELETE FROM conn_bundle WHERE id = ?
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

// sqliteDSNFromResourcePath normalizes a bare filesystem path into a go-sqlite3 DSN; a separate
// unexported helper only for readability at call sites that build the DSN from KBS_DB.
func sqliteDSNFromResourcePath(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_foreign_keys=on"
}
