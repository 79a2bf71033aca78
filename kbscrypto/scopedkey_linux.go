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

//go:build linux

package kbscrypto

import (
	"github.com/google/logger"
	"golang.org/x/sys/unix"
)

// lockScopedKey best-effort mlocks the key's backing memory so it cannot be paged to swap.
// Failures (e.g. RLIMIT_MEMLOCK, unprivileged container) are logged, not fatal: mlock is
// defense in depth, not a correctness requirement of the one-shot secret protocol.
func lockScopedKey(k *ScopedKey) *ScopedKey {
	if len(k.b) == 0 {
		return k
	}
	if err := unix.Mlock(k.b); err != nil {
		logger.V(1).Infof("mlock of session key material failed (continuing): %v", err)
	}
	return k
}

func unlockScopedKey(k *ScopedKey) {
	if len(k.b) == 0 {
		return
	}
	_ = unix.Munlock(k.b)
}
