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

// Package policy is the persistence boundary of the key broker server: policy, secret, keyset,
// resource and report-keypair records, plus the one-shot connection bundle that carries session
// state between GetBundle and GetSecret. One Store interface is implemented by three SQL dialect
// backends (sqlite, mysql, postgresql), selected at startup by configuration.
package policy

// Policy gates which secrets a caller may retrieve. An empty set for any of AllowedDigests,
// AllowedPolicies or AllowedBuildIDs means "accept all" for that field, per its provisioning
// contract.
type Policy struct {
	ID              int64
	AllowedDigests  []string // base64 SHA-256 digests
	AllowedPolicies []uint32 // 32-bit guest-policy masks
	MinFWAPIMajor   uint8
	MinFWAPIMinor   uint8
	AllowedBuildIDs []uint32
	Valid           bool
}

// Secret is a single named secret value bound to at most one policy.
type Secret struct {
	SecretID string
	Secret   []byte // decoded from the stored base64 form
	PolicyID int64
}

// Keyset expands to an ordered list of secret ids. Its PolicyID gates the keyset as a whole; each
// member secret's own policy applies as well.
type Keyset struct {
	KeysetID string
	KSKeys   []string
	PolicyID int64
}

// Resource is opaque file content on disk, gated by a policy.
type Resource struct {
	ResourceID   string
	ResourceType string
	ResourcePath string
	PolicyID     int64
}

// ReportKeypair holds a PEM-encoded ECDSA key pair used to sign ReportData secrets.
type ReportKeypair struct {
	KeyID    string
	KeyPEM   []byte
	PolicyID int64
}

// ConnectionBundle is the per-connection session state persisted between GetBundle and GetSecret.
// Per the one-shot semantics, a successful take deletes it.
type ConnectionBundle struct {
	ID                string
	SEVVersion        uint32
	GuestPolicy       uint32
	FWAPIMajor        uint32
	FWAPIMinor        uint32
	FWBuildID         uint32
	LaunchDescription string
	FWDigest          []byte
	SymKey            []byte // TIK||TEK, persisted with the rest of the bundle row (see DESIGN.md)
}
