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

// Package kbscrypto wraps the primitive cryptographic operations the key broker server needs:
// AES-128-GCM seal/open, HMAC-SHA-256, and the SEV session key derivation function. Every
// operation here is a thin, well-documented wrapper around the Go standard library plus
// golang.org/x/crypto/hkdf; nothing in this package talks to certificates or the network.
package kbscrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HMACSHA256 returns the HMAC-SHA-256 of msg under key.
func HMACSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// ConstantTimeEqual reports whether a and b are equal, in time independent of their contents
// (but not their lengths). Used for every measurement and MAC comparison so a timing side
// channel can never help an unverified caller guess secret-dependent values.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// KDF derives a label-specific secret from a shared ECDH secret, following the construction in
// step 3 of the SEV session protocol: HKDF-SHA-256 with no salt, keyed on the shared secret, and
// the label as HKDF info.
func KDF(sharedSecret []byte, label string) ([]byte, error) {
	out := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, sharedSecret, nil, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("KDF(%q) failed: %v", label, err)
	}
	return out, nil
}

// SealGCM encrypts plaintext with AES-128-GCM under key and nonce, returning ciphertext||tag.
// Callers place the tag into the PSP-specified header layout themselves rather than relying on
// this function to lay out the wire format.
func SealGCM(key, nonce, plaintext, additionalData []byte) (ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid AES key: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("could not construct GCM: %v", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce is %d bytes, want %d", len(nonce), gcm.NonceSize())
	}
	return gcm.Seal(nil, nonce, plaintext, additionalData), nil
}

// OpenGCM decrypts ciphertext (which must include the trailing GCM tag, as produced by SealGCM)
// with AES-128-GCM under key.
func OpenGCM(key, nonce, ciphertext, additionalData []byte) (plaintext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid AES key: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("could not construct GCM: %v", err)
	}
	return gcm.Open(nil, nonce, ciphertext, additionalData)
}

// CTRXor applies AES-128-CTR keystream generated from key and iv to src and returns the result in
// a newly allocated slice, leaving src unchanged: used to wrap/unwrap the launch blob's TIK||TEK
// field under KEK, per the SEV API's launch blob construction.
func CTRXor(key, iv, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid AES key: %v", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("iv is %d bytes, want %d", len(iv), block.BlockSize())
	}
	stream := cipher.NewCTR(block, iv)
	dst := make([]byte, len(src))
	stream.XORKeyStream(dst, src)
	return dst, nil
}
