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

package attest

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/google/go-sev-kbs/policy"
	"github.com/stretchr/testify/require"
)

func fakeDescription() LaunchDescription {
	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i)
	}
	nonce := make([]byte, 16)
	for i := range nonce {
		nonce[i] = byte(0xA0 + i)
	}
	return LaunchDescription{APIMajor: 1, APIMinor: 49, BuildID: 1, Policy: 0, FWDigest: digest, MNonce: nonce}
}

func TestReconstructMeasurementDeterministic(t *testing.T) {
	tik := make([]byte, 16)
	_, err := rand.Read(tik)
	require.NoError(t, err)
	d := fakeDescription()
	a, err := ReconstructMeasurement(tik, d)
	require.NoError(t, err)
	b, err := ReconstructMeasurement(tik, d)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 32)
}

func TestCompareMeasurementTamperDetected(t *testing.T) {
	tik := make([]byte, 16)
	_, err := rand.Read(tik)
	require.NoError(t, err)
	d := fakeDescription()
	expected, err := ReconstructMeasurement(tik, d)
	require.NoError(t, err)

	ok, err := CompareMeasurement(tik, d, expected)
	require.NoError(t, err)
	require.True(t, ok)

	tampered := append([]byte{}, expected...)
	tampered[0] ^= 0x01
	ok, err = CompareMeasurement(tik, d, tampered)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluatePoliciesPermissiveDefault(t *testing.T) {
	p := &policy.Policy{Valid: true}
	d := fakeDescription()
	require.NoError(t, EvaluatePolicies([]*policy.Policy{p}, d))
}

func TestEvaluatePoliciesDigestMismatch(t *testing.T) {
	p := &policy.Policy{Valid: true, AllowedDigests: []string{"AAAA"}}
	d := fakeDescription()
	err := EvaluatePolicies([]*policy.Policy{p}, d)
	var denied *PolicyDenied
	require.True(t, errors.As(err, &denied))
	require.Equal(t, FieldDigest, denied.Field)
}

func TestEvaluatePoliciesDigestMatch(t *testing.T) {
	d := fakeDescription()
	p := &policy.Policy{Valid: true, AllowedDigests: []string{base64.StdEncoding.EncodeToString(d.FWDigest)}}
	require.NoError(t, EvaluatePolicies([]*policy.Policy{p}, d))
}

func TestEvaluatePoliciesKeysetConflictingMinAPI(t *testing.T) {
	d := fakeDescription()
	d.APIMajor, d.APIMinor = 1, 45
	p1 := &policy.Policy{Valid: true, MinFWAPIMajor: 1, MinFWAPIMinor: 40}
	p2 := &policy.Policy{Valid: true, MinFWAPIMajor: 1, MinFWAPIMinor: 50}

	err := EvaluatePolicies([]*policy.Policy{p1, p2}, d)
	var denied *PolicyDenied
	require.True(t, errors.As(err, &denied))
	require.Equal(t, FieldFWAPI, denied.Field)

	d.APIMinor = 51
	require.NoError(t, EvaluatePolicies([]*policy.Policy{p1, p2}, d))
}

func TestEvaluatePoliciesInvalidIsHardReject(t *testing.T) {
	p := &policy.Policy{Valid: false}
	d := fakeDescription()
	err := EvaluatePolicies([]*policy.Policy{p}, d)
	var denied *PolicyDenied
	require.True(t, errors.As(err, &denied))
	require.Equal(t, FieldValidity, denied.Field)
}

func TestEvaluatePoliciesMonotonicity(t *testing.T) {
	d := fakeDescription()
	permissive := &policy.Policy{Valid: true}
	require.NoError(t, EvaluatePolicies([]*policy.Policy{permissive}, d))

	restrictive := &policy.Policy{Valid: true, AllowedDigests: []string{"not-the-digest"}}
	err := EvaluatePolicies([]*policy.Policy{permissive, restrictive}, d)
	require.Error(t, err)
}
