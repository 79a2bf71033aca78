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

package session

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/google/go-sev-kbs/abi"
	"github.com/google/go-sev-kbs/kbscrypto"
	"github.com/stretchr/testify/require"
)

func fakePDH(t *testing.T, curve ecdh.Curve, curveID abi.EccCurve) (*abi.PlatformCert, *ecdh.PrivateKey) {
	t.Helper()
	priv, err := curve.GenerateKey(rand.Reader)
	require.NoError(t, err)
	raw := priv.PublicKey().Bytes()
	n := curveID.ComponentSize()
	require.Len(t, raw, 1+2*n)
	return &abi.PlatformCert{
		Version: 1,
		Usage:   abi.UsagePDH,
		Curve:   curveID,
		QX:      raw[1 : 1+n],
		QY:      raw[1+n : 1+2*n],
	}, priv
}

func TestEstablishRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name    string
		curve   ecdh.Curve
		curveID abi.EccCurve
	}{
		{"P256", ecdh.P256(), abi.EccCurveP256},
		{"P384", ecdh.P384(), abi.EccCurveP384},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pdh, pdhPriv := fakePDH(t, tc.curve, tc.curveID)

			est, err := Establish(pdh, abi.PolicyNoDebug|abi.PolicyES)
			require.NoError(t, err)
			require.Len(t, est.LaunchBlob, abi.LaunchBlobSize)
			require.NotEmpty(t, est.GODHCert)
			require.Len(t, est.TEK.Bytes(), 16)
			require.Len(t, est.TIK.Bytes(), 16)
			defer est.TEK.Release()
			defer est.TIK.Release()

			blob, err := abi.UnmarshalLaunchBlob(est.LaunchBlob)
			require.NoError(t, err)
			require.Equal(t, abi.PolicyNoDebug|abi.PolicyES, blob.Policy)

			godh, _, err := abi.ParsePlatformCert(est.GODHCert)
			require.NoError(t, err)
			require.Equal(t, tc.curveID, godh.Curve)

			// The platform side recomputes Z from its own PDH private key and the guest owner's
			// ephemeral public key carried in the GODH cert, and must derive the same TIK/TEK.
			n := tc.curveID.ComponentSize()
			point := make([]byte, 1+2*n)
			point[0] = 0x04
			copy(point[1:1+n], godh.QX)
			copy(point[1+n:1+2*n], godh.QY)
			ephemeralPub, err := tc.curve.NewPublicKey(point)
			require.NoError(t, err)

			z, err := pdhPriv.ECDH(ephemeralPub)
			require.NoError(t, err)
			master, err := kbscrypto.KDF(z, "sev-master-secret")
			require.NoError(t, err)
			kek, err := kbscrypto.KDF(master, "sev-kek")
			require.NoError(t, err)
			kik, err := kbscrypto.KDF(master, "sev-kik")
			require.NoError(t, err)

			unwrapped, err := kbscrypto.CTRXor(kek[:16], blob.Nonce[:], blob.WrappedKeys[:])
			require.NoError(t, err)
			require.Equal(t, est.TIK.Bytes(), unwrapped[:16])
			require.Equal(t, est.TEK.Bytes(), unwrapped[16:])

			policyBytes := marshalPolicy(blob.Policy)
			wantMAC := kbscrypto.HMACSHA256(kik[:16], append(append(append([]byte{}, blob.Nonce[:]...), policyBytes...), blob.WrappedKeys[:]...))
			require.True(t, kbscrypto.ConstantTimeEqual(wantMAC, blob.MAC[:]))
		})
	}
}

func TestEstablishFreshness(t *testing.T) {
	pdh, _ := fakePDH(t, ecdh.P256(), abi.EccCurveP256)
	a, err := Establish(pdh, 0)
	require.NoError(t, err)
	b, err := Establish(pdh, 0)
	require.NoError(t, err)
	require.NotEqual(t, a.LaunchBlob, b.LaunchBlob)
	require.NotEqual(t, a.TEK.Bytes(), b.TEK.Bytes())
	require.NotEqual(t, a.TIK.Bytes(), b.TIK.Bytes())
	a.TEK.Release()
	a.TIK.Release()
	b.TEK.Release()
	b.TIK.Release()
}

func TestEstablishUnsupportedCurve(t *testing.T) {
	pdh := &abi.PlatformCert{Usage: abi.UsagePDH, Curve: abi.EccCurve(99)}
	_, err := Establish(pdh, 0)
	require.ErrorIs(t, err, abi.ErrUnsupportedCurve)
}
