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

// Package kbstest builds fixture platform certificate chains and ephemeral keys for tests in
// other packages, letting callers mint a fake attestation report signer without touching real
// AMD key material. Every signature in a built chain is real: a chain from this package passes
// trust.Verify's cryptographic checks, not just its structural ones.
package kbstest

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/google/go-sev-kbs/abi"
	"github.com/google/uuid"
)

// BuildAskCert constructs one AMD key certificate (ASK or ARK wire format) for pub, RSA-signed by
// signerPriv over its own preceding fields. Pass a nil signerPriv only for a certificate no test
// ever asks trust.Verify to check the signature of.
func BuildAskCert(keyID, certifyingID uuid.UUID, keyUsage uint32, pub *rsa.PublicKey, signerPriv *rsa.PrivateKey) ([]byte, error) {
	buf := make([]byte, abi.AskCertSize)
	binary.LittleEndian.PutUint32(buf[0:4], 1)
	copy(buf[4:20], keyID[:])
	copy(buf[20:36], certifyingID[:])
	binary.LittleEndian.PutUint32(buf[36:40], keyUsage)
	offset := 40 + 16
	if pub.N.BitLen() > 256*8 {
		return nil, fmt.Errorf("RSA modulus too large for the fixed-width AMD certificate field")
	}
	copy(buf[offset:offset+256], reverseBytes(pub.N.FillBytes(make([]byte, 256))))
	offset += 256
	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(pub.E))
	offset += 4
	if signerPriv != nil {
		digest := sha256.Sum256(buf[:offset])
		sig, err := rsa.SignPKCS1v15(rand.Reader, signerPriv, crypto.SHA256, digest[:])
		if err != nil {
			return nil, fmt.Errorf("could not sign ASK/ARK certificate: %w", err)
		}
		copy(buf[offset:offset+256], reverseBytes(sig))
	}
	return buf, nil
}

// BuildPlatformCert constructs one PDH/PEK/OCA/CEK certificate around pub, ECDSA-signed by
// signerPriv over its signed body. Pass a nil signerPriv for a self-owned root certificate (OCA)
// whose own signature trust.Verify never checks.
func BuildPlatformCert(usage, sig1Usage, sig2Usage abi.PubkeyUsage, curveID abi.EccCurve, pub *ecdsa.PublicKey, signerPriv *ecdsa.PrivateKey) ([]byte, error) {
	n := curveID.ComponentSize()
	if n == 0 {
		return nil, abi.ErrUnsupportedCurve
	}
	cert := &abi.PlatformCert{
		Version:   1,
		Usage:     usage,
		Curve:     curveID,
		QX:        pub.X.FillBytes(make([]byte, n)),
		QY:        pub.Y.FillBytes(make([]byte, n)),
		Sig1Usage: sig1Usage,
		Sig1:      make([]byte, abi.PlatformCertSigLen),
		Sig2Usage: sig2Usage,
		Sig2:      make([]byte, abi.PlatformCertSigLen),
	}
	if signerPriv != nil {
		body, err := cert.SignedBody()
		if err != nil {
			return nil, err
		}
		digest := sha256.Sum256(body)
		r, s, err := ecdsa.Sign(rand.Reader, signerPriv, digest[:])
		if err != nil {
			return nil, fmt.Errorf("could not sign platform certificate: %w", err)
		}
		copy(cert.Sig1[:n], r.FillBytes(make([]byte, n)))
		copy(cert.Sig1[n:2*n], s.FillBytes(make([]byte, n)))
	}
	return cert.Marshal()
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// ValidChain builds a well-formed chain (PDH signed by PEK, PEK signed by OCA, ASK signed by ARK)
// on curve, with the PDH carrying a real ECDH key pair so a session can be established against
// it, along with the ASK/ARK bytes a caller can parse into trust.Roots. Every signature in the
// chain is real.
func ValidChain(curve ecdh.Curve, curveID abi.EccCurve) (chainBytes, askBytes, arkBytes []byte, pdhPriv *ecdh.PrivateKey, err error) {
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	raw := priv.PublicKey().Bytes() // 0x04 || X || Y
	n := curveID.ComponentSize()
	qx, qy := raw[1:1+n], raw[1+n:1+2*n]

	ellipticCurve, err := curveID.Elliptic()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	pdhPub := &ecdsa.PublicKey{Curve: ellipticCurve, X: new(big.Int).SetBytes(qx), Y: new(big.Int).SetBytes(qy)}
	pekPriv, err := ecdsa.GenerateKey(ellipticCurve, rand.Reader)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ocaPriv, err := ecdsa.GenerateKey(ellipticCurve, rand.Reader)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	pdh, err := BuildPlatformCert(abi.UsagePDH, abi.UsagePEK, 0, curveID, pdhPub, pekPriv)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	pek, err := BuildPlatformCert(abi.UsagePEK, abi.UsageOCA, 0, curveID, &pekPriv.PublicKey, ocaPriv)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	oca, err := BuildPlatformCert(abi.UsageOCA, 0, 0, curveID, &ocaPriv.PublicKey, nil)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	arkPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	askPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	arkID := uuid.New()
	askID := uuid.New()
	ask, err := BuildAskCert(askID, arkID, 0x13, &askPriv.PublicKey, arkPriv)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ark, err := BuildAskCert(arkID, arkID, 0x0, &arkPriv.PublicKey, arkPriv)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	var data []byte
	data = append(data, pdh...)
	data = append(data, pek...)
	data = append(data, oca...)
	data = append(data, ask...)
	data = append(data, ark...)

	return data, ask, ark, priv, nil
}
