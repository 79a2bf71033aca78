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

// Package trust validates an SEV platform certificate chain (PDH ← PEK ← OCA/CEK ← ASK ← ARK)
// against AMD root public keys embedded in the binary. Revocation is not consulted; the ARK and
// ASK are shipped with the KBS and trusted directly as the root of trust.
package trust

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	_ "embed"
	"errors"
	"fmt"
	"hash"
	"math/big"

	"github.com/google/go-sev-kbs/abi"
)

// ark_ask_milan.sevcert holds the ASK followed by the ARK in the AMD key certificate format. The
// ARK does not expire and is not fetched from the network, to prevent a trivial downgrade of the
// trust anchor.
//
//go:embed ark_ask_milan.sevcert
var askArkMilanBytes []byte

// Roots holds the embedded AMD root-of-trust certificates.
type Roots struct {
	Ask *abi.AskCert
	Ark *abi.AskCert
}

// DefaultRoots is parsed once at package init time from the embedded AMD certificate bytes.
var DefaultRoots *Roots

func init() {
	var err error
	DefaultRoots, err = parseRoots(askArkMilanBytes)
	if err != nil {
		panic(fmt.Sprintf("trust: embedded AMD root certificates are malformed: %v", err))
	}
}

func parseRoots(data []byte) (*Roots, error) {
	ask, n, err := abi.ParseAskCert(data)
	if err != nil {
		return nil, fmt.Errorf("could not parse embedded ASK certificate: %v", err)
	}
	ark, _, err := abi.ParseAskCert(data[n:])
	if err != nil {
		return nil, fmt.Errorf("could not parse embedded ARK certificate: %v", err)
	}
	return &Roots{Ask: ask, Ark: ark}, nil
}

// ChainError is returned for every certificate chain validation failure, distinguishing which
// link in the chain failed and why.
type ChainError struct {
	Kind Kind
	Link string
	Err  error
}

// Kind enumerates the certificate chain verifier's failure modes.
type Kind int

// Chain verification failure kinds.
const (
	ChainMalformed Kind = iota
	SignatureInvalid
	UnknownRoot
	UnsupportedCurve
)

func (e *ChainError) Error() string {
	switch e.Kind {
	case ChainMalformed:
		return fmt.Sprintf("certificate chain malformed at %s: %v", e.Link, e.Err)
	case SignatureInvalid:
		return fmt.Sprintf("signature invalid for %s: %v", e.Link, e.Err)
	case UnknownRoot:
		return fmt.Sprintf("unknown root of trust at %s: %v", e.Link, e.Err)
	case UnsupportedCurve:
		return fmt.Sprintf("unsupported curve at %s: %v", e.Link, e.Err)
	default:
		return fmt.Sprintf("certificate chain error at %s: %v", e.Link, e.Err)
	}
}

func (e *ChainError) Unwrap() error { return e.Err }

// Chain is the parsed, not-yet-verified platform certificate chain delivered in a GetBundle
// request: PDH, PEK, and either OCA or CEK, plus the AMD-issued ASK and ARK.
type Chain struct {
	PDH *abi.PlatformCert
	PEK *abi.PlatformCert
	OCA *abi.PlatformCert // mutually exclusive with CEK: self-owned platforms use OCA
	CEK *abi.PlatformCert // externally-owned (CSP) platforms use CEK, itself certified by the ASK
	Ask *abi.AskCert
	Ark *abi.AskCert
}

// ParseChain parses a serialized platform certificate chain in the order PDH, PEK, OCA-or-CEK,
// ASK, ARK, the order the wire format delivers it in.
func ParseChain(data []byte) (*Chain, error) {
	c := &Chain{}
	rest := data
	parsePlat := func(link string) (*abi.PlatformCert, error) {
		cert, n, err := abi.ParsePlatformCert(rest)
		if err != nil {
			return nil, &ChainError{Kind: chainErrKind(err), Link: link, Err: err}
		}
		rest = rest[n:]
		return cert, nil
	}
	var err error
	if c.PDH, err = parsePlat("PDH"); err != nil {
		return nil, err
	}
	if c.PEK, err = parsePlat("PEK"); err != nil {
		return nil, err
	}
	ownerCert, err := parsePlat("OCA-or-CEK")
	if err != nil {
		return nil, err
	}
	switch ownerCert.Usage {
	case abi.UsageOCA:
		c.OCA = ownerCert
	case abi.UsageCEK:
		c.CEK = ownerCert
	default:
		return nil, &ChainError{Kind: ChainMalformed, Link: "OCA-or-CEK",
			Err: fmt.Errorf("unexpected key usage %v", ownerCert.Usage)}
	}
	ask, n, err := abi.ParseAskCert(rest)
	if err != nil {
		return nil, &ChainError{Kind: ChainMalformed, Link: "ASK", Err: err}
	}
	rest = rest[n:]
	c.Ask = ask
	ark, _, err := abi.ParseAskCert(rest)
	if err != nil {
		return nil, &ChainError{Kind: ChainMalformed, Link: "ARK", Err: err}
	}
	c.Ark = ark
	return c, nil
}

func chainErrKind(err error) Kind {
	if errors.Is(err, abi.ErrUnsupportedCurve) {
		return UnsupportedCurve
	}
	return ChainMalformed
}

// Verify validates every signature link in c up to the embedded AMD root certificates in roots,
// checks that each certificate's key-usage field permits the role it claims, and rejects chains
// whose PDH uses an unsupported curve (already enforced by ParseChain). It returns the verified
// PDH public key, ready for ECDH.
func Verify(c *Chain, roots *Roots) (*abi.PlatformCert, error) {
	if roots == nil {
		roots = DefaultRoots
	}
	if c.PDH.Usage != abi.UsagePDH {
		return nil, &ChainError{Kind: ChainMalformed, Link: "PDH", Err: fmt.Errorf("key usage is %v, want PDH", c.PDH.Usage)}
	}
	if c.PEK.Usage != abi.UsagePEK {
		return nil, &ChainError{Kind: ChainMalformed, Link: "PEK", Err: fmt.Errorf("key usage is %v, want PEK", c.PEK.Usage)}
	}
	// PDH is signed by PEK: step 1.
	if err := verifyPlatformSignature(c.PDH, c.PEK); err != nil {
		return nil, &ChainError{Kind: SignatureInvalid, Link: "PDH", Err: err}
	}
	// PEK is signed by the owner certificate (OCA, self-signed root of trust for this platform;
	// or CEK, itself certified by the ASK): step 2.
	owner := c.OCA
	if owner == nil {
		owner = c.CEK
	}
	if err := verifyPlatformSignature(c.PEK, owner); err != nil {
		return nil, &ChainError{Kind: SignatureInvalid, Link: "PEK", Err: err}
	}
	if c.CEK != nil {
		if c.CEK.Usage != abi.UsageCEK {
			return nil, &ChainError{Kind: ChainMalformed, Link: "CEK", Err: fmt.Errorf("key usage is %v, want CEK", c.CEK.Usage)}
		}
		cekBody, err := c.CEK.SignedBody()
		if err != nil {
			return nil, &ChainError{Kind: ChainMalformed, Link: "CEK", Err: err}
		}
		if err := verifyAskRSASignature(cekBody, c.CEK.Sig2, c.Ask); err != nil {
			return nil, &ChainError{Kind: SignatureInvalid, Link: "CEK", Err: err}
		}
	}
	// ASK is certified by the ARK: step 3.
	if c.Ask.CertifyingID != roots.Ark.KeyID {
		return nil, &ChainError{Kind: UnknownRoot, Link: "ASK",
			Err: fmt.Errorf("ASK is certified by key %s, embedded ARK has key ID %s", c.Ask.CertifyingID, roots.Ark.KeyID)}
	}
	if c.Ask.KeyID != roots.Ask.KeyID || string(c.Ask.Modulus) != string(roots.Ask.Modulus) {
		return nil, &ChainError{Kind: UnknownRoot, Link: "ASK", Err: fmt.Errorf("ASK does not match embedded root")}
	}
	if c.Ark.KeyID != roots.Ark.KeyID || string(c.Ark.Modulus) != string(roots.Ark.Modulus) {
		return nil, &ChainError{Kind: UnknownRoot, Link: "ARK", Err: fmt.Errorf("ARK does not match embedded root")}
	}
	if err := verifyAskRSASignature(c.Ask.SignedBody, c.Ask.Signature, c.Ark); err != nil {
		return nil, &ChainError{Kind: SignatureInvalid, Link: "ASK", Err: err}
	}
	return c.PDH, nil
}

// hashForCurve returns the hash construction the SEV API pairs with each ECDSA curve: SHA-256 for
// P-256, SHA-384 for P-384, matching the digest width AMD specifies for each signature scheme.
func hashForCurve(curve abi.EccCurve) (hash.Hash, error) {
	switch curve {
	case abi.EccCurveP256:
		return sha256.New(), nil
	case abi.EccCurveP384:
		return sha512.New384(), nil
	default:
		return nil, fmt.Errorf("%w: curve id %d", abi.ErrUnsupportedCurve, curve)
	}
}

// verifyPlatformSignature checks that subject's first signature field (Sig1) is signer's ECDSA
// signature over subject's signed body: the certificate's own version/usage/curve/public-key
// fields, reconstructed via PlatformCert.SignedBody. The signature is AMD's fixed-width r||s
// encoding, left-padded (zero-extended) to signer's curve component size within the field.
func verifyPlatformSignature(subject, signer *abi.PlatformCert) error {
	if subject.Sig1Usage != signer.Usage {
		return fmt.Errorf("subject's first signature claims usage %v, signer is %v", subject.Sig1Usage, signer.Usage)
	}
	body, err := subject.SignedBody()
	if err != nil {
		return fmt.Errorf("could not reconstruct signed body: %w", err)
	}
	pub, err := signer.ECDSAPublicKey()
	if err != nil {
		return fmt.Errorf("could not reconstruct signer public key: %w", err)
	}
	digest, err := hashForCurve(signer.Curve)
	if err != nil {
		return err
	}
	digest.Write(body)
	r, s, err := splitRS(subject.Sig1, signer.Curve.ComponentSize())
	if err != nil {
		return fmt.Errorf("could not parse signature: %w", err)
	}
	if !ecdsa.Verify(pub, digest.Sum(nil), r, s) {
		return fmt.Errorf("ECDSA signature does not verify against signer's public key")
	}
	return nil
}

// splitRS extracts the r and s components of an AMD-encoded ECDSA signature, each left-padded to
// n bytes (n being the signing curve's coordinate width) within the certificate's fixed-width
// signature field.
func splitRS(sig []byte, n int) (r, s *big.Int, err error) {
	if len(sig) < 2*n {
		return nil, nil, fmt.Errorf("signature field too short for a %d-byte curve: got %d bytes", n, len(sig))
	}
	r = new(big.Int).SetBytes(sig[:n])
	s = new(big.Int).SetBytes(sig[n : 2*n])
	return r, s, nil
}

// verifyAskRSASignature checks that sig is signer's RSA PKCS#1v1.5/SHA-256 signature over
// subjectBody, the signed content of whichever certificate carries sig (a CEK certified by the
// ASK, or the ASK itself certified by the ARK). AMD encodes both the RSA public key fields and
// the signature itself little-endian; abi.AmdBigInt and big.Int.FillBytes translate between that
// wire form and the big-endian integers crypto/rsa expects.
func verifyAskRSASignature(subjectBody, sig []byte, signer *abi.AskCert) error {
	pub, err := signer.RSAPublicKey()
	if err != nil {
		return fmt.Errorf("could not reconstruct signer public key: %w", err)
	}
	sigBytes := abi.AmdBigInt(sig).FillBytes(make([]byte, pub.Size()))
	digest := sha256.Sum256(subjectBody)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sigBytes); err != nil {
		return fmt.Errorf("RSA signature does not verify against signer's public key: %w", err)
	}
	return nil
}
