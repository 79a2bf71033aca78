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

// Package attest reconstructs the expected launch measurement and evaluates the effective policy
// for a phase-2 GetSecret request: the attestation state machine's verification step.
package attest

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/google/go-sev-kbs/abi"
	"github.com/google/go-sev-kbs/kbscrypto"
	"github.com/google/go-sev-kbs/policy"
)

func base64Digest(digest []byte) string {
	return base64.StdEncoding.EncodeToString(digest)
}

// LaunchDescription carries the fields the PSP reports alongside the launch measurement, exactly
// as named in GetSecret's wire request.
type LaunchDescription struct {
	APIMajor uint32
	APIMinor uint32
	BuildID  uint32
	Policy   abi.GuestPolicy
	FWDigest []byte // 32 bytes
	MNonce   []byte // measurement nonce, 16 bytes
}

// measurementTag is the fixed leading byte the SEV API prepends to the HMAC'd measurement
// content, identifying it as a launch measurement (as opposed to the other MEASURE message types
// the same PSP command can produce).
const measurementTag = 0x04

// ReconstructMeasurement recomputes the expected launch measurement under tik, per the SEV API's
// construction: HMAC-SHA-256(TIK, 0x04 || apimajor || apiminor || buildid || policy || digest ||
// mnonce), with every multi-byte field little-endian and exactly the SEV ABI's width.
func ReconstructMeasurement(tik []byte, d LaunchDescription) ([]byte, error) {
	if len(d.FWDigest) != 32 {
		return nil, fmt.Errorf("fw_digest must be 32 bytes, got %d", len(d.FWDigest))
	}
	if len(d.MNonce) != 16 {
		return nil, fmt.Errorf("measurement nonce must be 16 bytes, got %d", len(d.MNonce))
	}
	msg := make([]byte, 0, 1+1+1+4+4+32+16)
	msg = append(msg, measurementTag)
	msg = append(msg, byte(d.APIMajor))
	msg = append(msg, byte(d.APIMinor))
	msg = append(msg, byte(d.BuildID))
	policyBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(policyBytes, uint32(d.Policy))
	msg = append(msg, policyBytes...)
	msg = append(msg, d.FWDigest...)
	msg = append(msg, d.MNonce...)
	return kbscrypto.HMACSHA256(tik, msg), nil
}

// CompareMeasurement reports whether reported matches the measurement reconstructed under tik for
// d, using a constant-time comparison: there is no code path in the accept arm that compares
// measurement bytes non-constant-time.
func CompareMeasurement(tik []byte, d LaunchDescription, reported []byte) (bool, error) {
	expected, err := ReconstructMeasurement(tik, d)
	if err != nil {
		return false, err
	}
	return kbscrypto.ConstantTimeEqual(expected, reported), nil
}

// DeniedField names the Policy field that caused EvaluatePolicies to reject a request. Only the
// field name is revealed to the caller, never the policy's allowed values or which policy among
// several failed, per the information-leakage requirement on PolicyDenied.
type DeniedField string

// Fields EvaluatePolicies can report as denied. Within each policy the valid flag is checked
// first, then the remaining fields in the order listed here, so denial is deterministic across
// policies even though evaluation stops at the first failure.
const (
	FieldDigest   DeniedField = "digest"
	FieldPolicy   DeniedField = "policy"
	FieldFWAPI    DeniedField = "fw_api"
	FieldBuildID  DeniedField = "build_id"
	FieldValidity DeniedField = "valid"
)

// PolicyDenied is returned by EvaluatePolicies when any referenced policy rejects the request.
type PolicyDenied struct {
	Field DeniedField
}

func (e *PolicyDenied) Error() string {
	return fmt.Sprintf("policy denied: %s", e.Field)
}

// EvaluatePolicies checks every policy in policies against the reported launch parameters and
// returns nil if every one of them accepts the request, or the first failing field across all
// policies, evaluated in a fixed field order so a missing
// or disabled policy on any requested item is a hard reject. Evaluation stops at the first
// denial; policies after it are not evaluated, though fields within each policy are always
// checked in the same order for determinism.
func EvaluatePolicies(policies []*policy.Policy, d LaunchDescription) error {
	for _, p := range policies {
		if !p.Valid {
			return &PolicyDenied{Field: FieldValidity}
		}
		if len(p.AllowedDigests) > 0 && !containsDigest(p.AllowedDigests, d.FWDigest) {
			return &PolicyDenied{Field: FieldDigest}
		}
		if len(p.AllowedPolicies) > 0 && !containsUint32(p.AllowedPolicies, uint32(d.Policy)) {
			return &PolicyDenied{Field: FieldPolicy}
		}
		if !apiAtLeast(d.APIMajor, d.APIMinor, p.MinFWAPIMajor, p.MinFWAPIMinor) {
			return &PolicyDenied{Field: FieldFWAPI}
		}
		if len(p.AllowedBuildIDs) > 0 && !containsUint32(p.AllowedBuildIDs, d.BuildID) {
			return &PolicyDenied{Field: FieldBuildID}
		}
	}
	return nil
}

// apiAtLeast reports whether (major, minor) is lexicographically >= (minMajor, minMinor), the
// firmware API floor check every policy applies.
func apiAtLeast(major, minor uint32, minMajor, minMinor uint8) bool {
	if major != uint32(minMajor) {
		return major > uint32(minMajor)
	}
	return minor >= uint32(minMinor)
}

func containsUint32(set []uint32, v uint32) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsDigest(set []string, digest []byte) bool {
	encoded := base64Digest(digest)
	for _, s := range set {
		if s == encoded {
			return true
		}
	}
	return false
}
