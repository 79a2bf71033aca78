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

// Package session establishes a guest-owner session against a verified PDH public key: an
// ephemeral ECDH key exchange, the KEK/KIK/TIK/TEK key hierarchy, and the PSP launch blob and
// GODH certificate that result from it.
package session

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"github.com/google/go-sev-kbs/abi"
	"github.com/google/go-sev-kbs/kbscrypto"
)

// godhUsage is the key-usage value this package stamps onto the self-signed GODH certificate it
// builds around the guest owner's ephemeral public key. It does not correspond to any PDH/PEK/
// OCA/CEK role: the GODH cert is guest-owner, not platform, material.
const godhUsage = abi.PubkeyUsage(0x2001)

// Established holds the outcome of a successful session establishment: the wire artifacts to
// return to the caller, and the derived transport keys, scoped to the lifetime of the connection
// that requested them.
type Established struct {
	LaunchBlob []byte
	GODHCert   []byte
	TEK        *kbscrypto.ScopedKey
	TIK        *kbscrypto.ScopedKey
}

func curveFor(c abi.EccCurve) (ecdh.Curve, error) {
	switch c {
	case abi.EccCurveP256:
		return ecdh.P256(), nil
	case abi.EccCurveP384:
		return ecdh.P384(), nil
	default:
		return nil, abi.ErrUnsupportedCurve
	}
}

// pdhPublicKey reconstructs an *ecdh.PublicKey from a verified PDH certificate's big-endian,
// left-padded QX/QY coordinates, per the SEV API's uncompressed point encoding.
func pdhPublicKey(pdh *abi.PlatformCert, curve ecdh.Curve) (*ecdh.PublicKey, error) {
	n := pdh.Curve.ComponentSize()
	point := make([]byte, 1+2*n)
	point[0] = 0x04
	copy(point[1:1+n], pdh.QX)
	copy(point[1+n:1+2*n], pdh.QY)
	return curve.NewPublicKey(point)
}

// Establish runs the session establishment protocol against a verified PDH certificate and the
// guest policy the platform reported:
//
//  1. generate an ephemeral ECDH key pair on the PDH's curve;
//  2. compute the shared secret Z = ECDH(priv_go, pub_pdh);
//  3. derive master = KDF(Z, "sev-master-secret"), KEK = KDF(master, "sev-kek"),
//     KIK = KDF(master, "sev-kik");
//  4. sample 128-bit TIK and TEK;
//  5. wrap TIK||TEK under KEK with AES-128-CTR, authenticate with HMAC-SHA-256 under KIK;
//  6. assemble the launch blob and a self-signed GODH certificate around the ephemeral public key.
//
// The caller is responsible for calling Release on the returned TEK/TIK once the connection they
// are bound to terminates, on every exit path.
func Establish(pdh *abi.PlatformCert, policy abi.GuestPolicy) (*Established, error) {
	curve, err := curveFor(pdh.Curve)
	if err != nil {
		return nil, err
	}
	pub, err := pdhPublicKey(pdh, curve)
	if err != nil {
		return nil, fmt.Errorf("could not parse PDH public key: %v", err)
	}

	ephemeral, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate ephemeral key pair: %v", err)
	}
	z, err := ephemeral.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ECDH with PDH failed: %v", err)
	}

	master, err := kbscrypto.KDF(z, "sev-master-secret")
	if err != nil {
		return nil, fmt.Errorf("could not derive master secret: %v", err)
	}
	kek, err := kbscrypto.KDF(master, "sev-kek")
	if err != nil {
		return nil, fmt.Errorf("could not derive KEK: %v", err)
	}
	kik, err := kbscrypto.KDF(master, "sev-kik")
	if err != nil {
		return nil, fmt.Errorf("could not derive KIK: %v", err)
	}

	tik := make([]byte, 16)
	if _, err := rand.Read(tik); err != nil {
		return nil, fmt.Errorf("could not sample TIK: %v", err)
	}
	tek := make([]byte, 16)
	if _, err := rand.Read(tek); err != nil {
		return nil, fmt.Errorf("could not sample TEK: %v", err)
	}

	nonce := make([]byte, abi.LaunchBlobNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("could not sample nonce: %v", err)
	}

	// The session nonce doubles as the AES-CTR IV for wrapping TIK||TEK: it is 16 bytes (one AES
	// block) and, like the IV, only needs to be unique per session, never reused.
	wrapped, err := kbscrypto.CTRXor(kek[:16], nonce, append(append([]byte{}, tik...), tek...))
	if err != nil {
		return nil, fmt.Errorf("could not wrap TIK||TEK: %v", err)
	}

	blob := &abi.LaunchBlob{Policy: policy}
	copy(blob.Nonce[:], nonce)
	copy(blob.WrappedKeys[:], wrapped)

	mac := kbscrypto.HMACSHA256(kik[:16], append(append(blob.Nonce[:], marshalPolicy(policy)...), blob.WrappedKeys[:]...))
	copy(blob.MAC[:], mac)

	godh, err := marshalGODHCert(pdh.Curve, ephemeral.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("could not assemble GODH certificate: %v", err)
	}

	return &Established{
		LaunchBlob: blob.Marshal(),
		GODHCert:   godh,
		TEK:        kbscrypto.NewScopedKey(tek),
		TIK:        kbscrypto.NewScopedKey(tik),
	}, nil
}

func marshalPolicy(p abi.GuestPolicy) []byte {
	b := make([]byte, 4)
	b[0] = byte(p)
	b[1] = byte(p >> 8)
	b[2] = byte(p >> 16)
	b[3] = byte(p >> 24)
	return b
}

// marshalGODHCert wraps the guest owner's ephemeral public key in the same PlatformCert wire
// structure the platform certificates use, self-signed (its own key usage in both signature
// slots, zero-filled): the PSP extracts only the public key and curve, the signature fields exist
// to keep the wire layout uniform with the rest of the chain.
func marshalGODHCert(curve abi.EccCurve, pub *ecdh.PublicKey) ([]byte, error) {
	raw := pub.Bytes() // uncompressed point: 0x04 || X || Y
	n := curve.ComponentSize()
	if len(raw) != 1+2*n || raw[0] != 0x04 {
		return nil, fmt.Errorf("unexpected ephemeral public key encoding (%d bytes)", len(raw))
	}
	cert := &abi.PlatformCert{
		Version:   1,
		Usage:     godhUsage,
		Curve:     curve,
		QX:        append([]byte{}, raw[1:1+n]...),
		QY:        append([]byte{}, raw[1+n:1+2*n]...),
		Sig1Usage: godhUsage,
		Sig1:      make([]byte, abi.PlatformCertSigLen),
		Sig2Usage: godhUsage,
		Sig2:      make([]byte, abi.PlatformCertSigLen),
	}
	return cert.Marshal()
}
