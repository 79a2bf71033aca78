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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("KBS_DB_TYPE", "sqlite")
	t.Setenv("KBS_DB", "/tmp/kbs.sqlite")
	os.Unsetenv("KBS_LISTEN_PORT")
	os.Unsetenv("KBS_CONNECTION_TTL_SECONDS")

	cfg, err := FromEnv("default_policy.json")
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.DB.Type)
	require.Equal(t, DefaultListenPort, cfg.ListenPort)
	require.Equal(t, DefaultConnectionTTL, cfg.ConnTTL)
}

func TestFromEnvMissingDBType(t *testing.T) {
	os.Unsetenv("KBS_DB_TYPE")
	_, err := FromEnv("default_policy.json")
	require.Error(t, err)
}

func TestFromEnvCustomPortAndTTL(t *testing.T) {
	t.Setenv("KBS_DB_TYPE", "sqlite")
	t.Setenv("KBS_LISTEN_PORT", "9000")
	t.Setenv("KBS_CONNECTION_TTL_SECONDS", "30")

	cfg, err := FromEnv("default_policy.json")
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.ListenPort)
	require.Equal(t, 30*time.Second, cfg.ConnTTL)
}

func TestFromEnvMissingNetworkedFields(t *testing.T) {
	t.Setenv("KBS_DB_TYPE", "mysql")
	os.Unsetenv("KBS_DB_HOST")
	os.Unsetenv("KBS_DB_USER")
	os.Unsetenv("KBS_DB")

	_, err := FromEnv("default_policy.json")
	require.Error(t, err)
	require.Contains(t, err.Error(), "KBS_DB_HOST")
	require.Contains(t, err.Error(), "KBS_DB_USER")
	require.Contains(t, err.Error(), "KBS_DB must be set")
}

func TestLoadDefaultPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "default_policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"allowed_digests": ["AAAA"],
		"min_fw_api_major": 1,
		"min_fw_api_minor": 49,
		"valid": true
	}`), 0o600))

	p, err := LoadDefaultPolicy(path)
	require.NoError(t, err)
	require.True(t, p.Valid)
	require.Equal(t, []string{"AAAA"}, p.AllowedDigests)
	require.Equal(t, uint8(1), p.MinFWAPIMajor)
	require.Equal(t, uint8(49), p.MinFWAPIMinor)
}

func TestLoadDefaultPolicyMissingFile(t *testing.T) {
	_, err := LoadDefaultPolicy("/no/such/file.json")
	require.Error(t, err)
}
