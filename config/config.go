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

// Package config loads the key broker daemon's ambient configuration: the database connection it
// should open and the default policy it should fall back to when a secret or resource names no
// policy of its own.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/go-sev-kbs/policy"
	"go.uber.org/multierr"
)

// Environment variable names the daemon reads its database connection from.
const (
	envDBType = "KBS_DB_TYPE" // "sqlite", "mysql", or "postgresql"
	envDBHost = "KBS_DB_HOST"
	envDBUser = "KBS_DB_USER"
	envDBPass = "KBS_DB_PW"
	envDBName = "KBS_DB"
	envListen = "KBS_LISTEN_PORT"
	envTTL    = "KBS_CONNECTION_TTL_SECONDS"
)

// DefaultListenPort is the port the daemon listens on when KBS_LISTEN_PORT is unset.
const DefaultListenPort = 44444

// DefaultConnectionTTL bounds how long a connection bundle may sit between GetBundle and
// GetSecret before it is treated as expired, when KBS_CONNECTION_TTL_SECONDS is unset.
const DefaultConnectionTTL = 5 * time.Minute

// Config is the daemon's fully resolved ambient configuration.
type Config struct {
	DB                policy.DBConfig
	ListenPort        int
	ConnTTL           time.Duration
	DefaultPolicyPath string
}

// FromEnv reads Config from the process environment, applying defaults for everything optional.
// defaultPolicyPath names the default_policy.json file to load with LoadDefaultPolicy.
func FromEnv(defaultPolicyPath string) (*Config, error) {
	dbType := os.Getenv(envDBType)
	if dbType == "" {
		return nil, fmt.Errorf("%s must be set to one of sqlite, mysql, postgresql", envDBType)
	}

	cfg := &Config{
		DB: policy.DBConfig{
			Type:     dbType,
			Host:     os.Getenv(envDBHost),
			User:     os.Getenv(envDBUser),
			Password: os.Getenv(envDBPass),
			DB:       os.Getenv(envDBName),
		},
		ListenPort:        DefaultListenPort,
		ConnTTL:           DefaultConnectionTTL,
		DefaultPolicyPath: defaultPolicyPath,
	}

	if v := os.Getenv(envListen); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s=%q is not a valid port: %v", envListen, v, err)
		}
		cfg.ListenPort = port
	}
	if v := os.Getenv(envTTL); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s=%q is not a valid integer: %v", envTTL, v, err)
		}
		cfg.ConnTTL = time.Duration(secs) * time.Second
	}
	if err := validateNetworkedDB(dbType, cfg.DB); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateNetworkedDB reports every missing connection field at once, rather than stopping at the
// first, so an operator fixing a misconfigured environment sees the whole list in one pass. sqlite
// has no networked fields to validate.
func validateNetworkedDB(dbType string, db policy.DBConfig) error {
	if dbType == "sqlite" {
		return nil
	}
	var err error
	if db.Host == "" {
		err = multierr.Append(err, fmt.Errorf("%s must be set for db type %q", envDBHost, dbType))
	}
	if db.User == "" {
		err = multierr.Append(err, fmt.Errorf("%s must be set for db type %q", envDBUser, dbType))
	}
	if db.DB == "" {
		err = multierr.Append(err, fmt.Errorf("%s must be set for db type %q", envDBName, dbType))
	}
	return err
}

// defaultPolicyFile is the on-disk shape of the default policy file: the same fields as
// policy.Policy, without an ID, since the default policy is not addressed by row id.
type defaultPolicyFile struct {
	AllowedDigests  []string `json:"allowed_digests"`
	AllowedPolicies []uint32 `json:"allowed_policies"`
	MinFWAPIMajor   uint8    `json:"min_fw_api_major"`
	MinFWAPIMinor   uint8    `json:"min_fw_api_minor"`
	AllowedBuildIDs []uint32 `json:"allowed_build_ids"`
	Valid           bool     `json:"valid"`
}

// LoadDefaultPolicy reads and parses the default policy file at path, applied to any secret,
// keyset, resource, or report keypair whose polid is zero (no explicit polid). A nonzero polid
// that names no row in the policy table does not fall back to it.
func LoadDefaultPolicy(path string) (*policy.Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read default policy file %q: %v", path, err)
	}
	var f defaultPolicyFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("could not parse default policy file %q: %v", path, err)
	}
	return &policy.Policy{
		AllowedDigests:  f.AllowedDigests,
		AllowedPolicies: f.AllowedPolicies,
		MinFWAPIMajor:   f.MinFWAPIMajor,
		MinFWAPIMinor:   f.MinFWAPIMinor,
		AllowedBuildIDs: f.AllowedBuildIDs,
		Valid:           f.Valid,
	}, nil
}
