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

import "fmt"

// DBConfig holds the connection parameters read from the environment at startup (KBS_DB_TYPE,
// KBS_DB_HOST, KBS_DB_USER, KBS_DB_PW, KBS_DB).
type DBConfig struct {
	Type     string // "sqlite", "mysql", or "postgresql"
	Host     string
	User     string
	Password string
	DB       string // database name, or the file path when Type is "sqlite"
}

// Open selects and opens the Store backend named by cfg.Type.
func Open(cfg DBConfig) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		return OpenSQLite(sqliteDSNFromResourcePath(cfg.DB))
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", cfg.User, cfg.Password, cfg.Host, cfg.DB)
		return OpenMySQL(dsn)
	case "postgresql":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=disable", cfg.Host, cfg.User, cfg.Password, cfg.DB)
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown KBS_DB_TYPE %q: want one of sqlite, mysql, postgresql", cfg.Type)
	}
}
