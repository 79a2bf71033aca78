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

package abi

import (
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// Field widths for the AMD SEV "key" certificate format used by the ARK and ASK, per the SEV API
// specification's description of root-of-trust certificates (RSA public key + RSA signature,
// fixed-width little-endian fields).
const (
	askCertKeyIDOffset       = 4
	askCertCertifyingOffset  = 20
	askCertKeyUsageOffset    = 36
	askCertReservedLen       = 16
	askCertModulusLen        = 256
	askCertPubExpLen         = 4
	askCertSignatureLen      = 256
	// AskCertSize is the total byte size of one AMD key certificate in the chain.
	AskCertSize = 4 + 16 + 16 + 4 + askCertReservedLen + askCertModulusLen + askCertPubExpLen + askCertSignatureLen
)

// AskCert is the AMD SEV API's root-of-trust certificate format, used for both the ASK
// (AMD SEV Signing Key) and ARK (AMD Root Key).
type AskCert struct {
	Version      uint32
	KeyID        uuid.UUID
	CertifyingID uuid.UUID
	KeyUsage     uint32
	Modulus      []byte // little-endian RSA modulus
	PubExp       []byte // little-endian RSA public exponent
	Signature    []byte // little-endian RSA signature over the preceding fields
	// SignedBody is the wire-form prefix the Signature field covers: Version, KeyID, CertifyingID,
	// KeyUsage, Reserved, Modulus and PubExp, in that order. ARK certificates are self-signed over
	// this same body; ASK certificates are signed by the ARK over it.
	SignedBody []byte
}

// ParseAskCert parses one AMD key certificate (ASK or ARK format) from the front of data and
// returns it along with the number of bytes consumed, so that callers can parse a concatenation
// of certificates (as delivered in a platform certificate chain) one at a time.
func ParseAskCert(data []byte) (*AskCert, int, error) {
	if len(data) < AskCertSize {
		return nil, 0, fmt.Errorf("AMD key certificate too short: got %d bytes, want at least %d", len(data), AskCertSize)
	}
	cert := &AskCert{
		Version:  binary.LittleEndian.Uint32(data[0:4]),
		KeyUsage: binary.LittleEndian.Uint32(data[askCertKeyUsageOffset : askCertKeyUsageOffset+4]),
	}
	var err error
	cert.KeyID, err = uuidFromLE(data[askCertKeyIDOffset : askCertKeyIDOffset+16])
	if err != nil {
		return nil, 0, fmt.Errorf("could not parse key ID: %v", err)
	}
	cert.CertifyingID, err = uuidFromLE(data[askCertCertifyingOffset : askCertCertifyingOffset+16])
	if err != nil {
		return nil, 0, fmt.Errorf("could not parse certifying ID: %v", err)
	}
	offset := askCertKeyUsageOffset + 4 + askCertReservedLen
	cert.Modulus = cloneBytes(data[offset : offset+askCertModulusLen])
	offset += askCertModulusLen
	cert.PubExp = cloneBytes(data[offset : offset+askCertPubExpLen])
	offset += askCertPubExpLen
	cert.SignedBody = cloneBytes(data[:offset])
	cert.Signature = cloneBytes(data[offset : offset+askCertSignatureLen])
	offset += askCertSignatureLen
	return cert, offset, nil
}

// AmdBigInt interprets an AMD little-endian encoded field (as found in Modulus, PubExp and
// Signature) as a big-endian math/big integer.
func AmdBigInt(field []byte) *big.Int {
	return new(big.Int).SetBytes(reverse(field))
}

// RSAPublicKey reconstructs the RSA public key cert certifies from its Modulus and PubExp fields.
func (cert *AskCert) RSAPublicKey() (*rsa.PublicKey, error) {
	exponent := AmdBigInt(cert.PubExp)
	if !exponent.IsInt64() {
		return nil, fmt.Errorf("AMD certificate public key exponent too large: %s", exponent.String())
	}
	return &rsa.PublicKey{N: AmdBigInt(cert.Modulus), E: int(exponent.Int64())}, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func uuidFromLE(b []byte) (uuid.UUID, error) {
	var out uuid.UUID
	if len(b) != 16 {
		return out, fmt.Errorf("expected 16 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// reverse returns a copy of b with byte order reversed, used to translate the little-endian
// big-integer fields of the AMD certificate format into the big-endian form math/big expects.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
