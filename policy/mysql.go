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

	"github.com/go-sql-driver/mysql"
)

// mysqlErrDupEntry is MySQL error number 1062 (ER_DUP_ENTRY), raised on a unique-key collision.
const mysqlErrDupEntry = 1062

// OpenMySQL opens a MySQL/MariaDB-backed Store using dsn, built by the caller from
// KBS_DB_HOST/KBS_DB_USER/KBS_DB_PW/KBS_DB.
func OpenMySQL(dsn string) (Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("OpenMySQL: %v", err)
	}
	return &sqlStore{db: db, d: mysqlDialect}, nil
}

var mysqlDialect = dialect{
	name:        "mysql",
	placeholder: func(int) string { return "?" },
	isUnique: func(err error) bool {
		var mysqlErr *mysql.MySQLError
		return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDupEntry
	},
	takeBundleFn: mysqlTakeBundle,
}

// mysqlTakeBundle implements the one-shot take as a short transaction, since MySQL has no
// DELETE...RETURNING: SELECT...FOR UPDATE locks the row, then DELETE removes it before commit, so
// a concurrent TakeConnectionBundle blocks until this transaction resolves and then observes no
// row, per spec's at-most-once guarantee.
func mysqlTakeBundle(ctx context.Context, db *sql.DB, id string, ttl time.Duration) (*ConnectionBundle, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("TakeConnectionBundle(%s): begin: %w", id, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id, sev_version, policy, fw_api_major, fw_api_minor, fw_build_id,
		launch_description, fw_digest, symkey, create_date FROM conn_bundle WHERE id = ? FOR UPDATE`, id)
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
	if _, err := tx.ExecContext(ctx, `DELETE FROM conn_bundle WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("TakeConnectionBundle(%s): delete: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("TakeConnectionBundle(%s): commit: %w", id, err)
	}
	return b, nil
}
