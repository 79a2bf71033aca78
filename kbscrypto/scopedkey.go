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

package kbscrypto

// ScopedKey holds secret-equivalent key material (TEK, TIK, KEK, KIK) for the lifetime of a
// single request. Callers must defer Release immediately after acquiring one, on every exit
// path including errors and cancellation, so the bytes never outlive the request that used them.
type ScopedKey struct {
	b []byte
}

// NewScopedKey takes ownership of b; the caller must not retain or reuse the slice afterward.
func NewScopedKey(b []byte) *ScopedKey {
	return lockScopedKey(&ScopedKey{b: b})
}

// Bytes returns the key material. The returned slice is only valid until Release is called.
func (k *ScopedKey) Bytes() []byte {
	if k == nil {
		return nil
	}
	return k.b
}

// Release zeroes the key material and unlocks its backing memory. Safe to call more than once.
func (k *ScopedKey) Release() {
	if k == nil {
		return
	}
	unlockScopedKey(k)
	for i := range k.b {
		k.b[i] = 0
	}
	k.b = nil
}
