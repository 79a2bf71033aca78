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

//go:build !linux

package kbscrypto

// lockScopedKey is a no-op outside Linux: mlock is a Linux-specific defense-in-depth measure,
// the zeroing in Release is what actually matters for correctness and is platform-independent.
func lockScopedKey(k *ScopedKey) *ScopedKey { return k }

func unlockScopedKey(*ScopedKey) {}
