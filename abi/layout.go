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

// Package abi defines the AMD-SP wire formats this key broker server produces and consumes:
// platform certificates, the launch blob, the OVMF secret table and the LAUNCH_SECRET header.
// All multi-byte fields are little-endian, per the SEV firmware ABI.
package abi

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// GuestPolicy is the 32-bit guest policy reported at GetBundle and re-reported at GetSecret. Bit
// layout matches the SEV API's guest policy structure.
type GuestPolicy uint32

// Guest policy bit flags, per the SEV API.
const (
	PolicyNoDebug    GuestPolicy = 1 << 0
	PolicyNoKeyShare GuestPolicy = 1 << 1
	PolicyES         GuestPolicy = 1 << 2
	PolicyNoSend     GuestPolicy = 1 << 3
	PolicyDomain     GuestPolicy = 1 << 4
	PolicySEV        GuestPolicy = 1 << 5
)

// MinAPIMajor returns the minimum firmware API major version the guest policy requires, encoded
// in bits 16-23.
func (p GuestPolicy) MinAPIMajor() uint8 { return uint8(p >> 16) }

// MinAPIMinor returns the minimum firmware API minor version the guest policy requires, encoded
// in bits 24-31.
func (p GuestPolicy) MinAPIMinor() uint8 { return uint8(p >> 24) }

// LaunchBlob field widths, per the SEV API's launch blob (SEV_SESSION_BUF) description: a nonce,
// the guest policy the session was started under, the KEK/KIK-wrapped TIK||TEK, and an
// authenticating MAC over everything before it.
const (
	LaunchBlobNonceSize  = 16
	LaunchBlobWrappedLen = 32 // wrapped TIK (16) || TEK (16)
	LaunchBlobMACSize    = 32
	LaunchBlobSize       = LaunchBlobNonceSize + 4 + LaunchBlobWrappedLen + LaunchBlobMACSize
)

// LaunchBlob is the PSP-consumable packet that binds a guest-owner session to a specific PSP
// instance, produced by the session establisher.
type LaunchBlob struct {
	Nonce       [LaunchBlobNonceSize]byte
	Policy      GuestPolicy
	WrappedKeys [LaunchBlobWrappedLen]byte // AES-128-CTR(KEK, TIK || TEK)
	MAC         [LaunchBlobMACSize]byte    // HMAC-SHA-256(KIK, Nonce || Policy || WrappedKeys)
}

// Marshal serializes the launch blob to its wire form.
func (b *LaunchBlob) Marshal() []byte {
	out := make([]byte, LaunchBlobSize)
	offset := 0
	copy(out[offset:], b.Nonce[:])
	offset += LaunchBlobNonceSize
	binary.LittleEndian.PutUint32(out[offset:], uint32(b.Policy))
	offset += 4
	copy(out[offset:], b.WrappedKeys[:])
	offset += LaunchBlobWrappedLen
	copy(out[offset:], b.MAC[:])
	return out
}

// UnmarshalLaunchBlob parses a launch blob from its wire form.
func UnmarshalLaunchBlob(data []byte) (*LaunchBlob, error) {
	if len(data) != LaunchBlobSize {
		return nil, fmt.Errorf("launch blob is %d bytes, want %d", len(data), LaunchBlobSize)
	}
	b := &LaunchBlob{}
	offset := 0
	copy(b.Nonce[:], data[offset:offset+LaunchBlobNonceSize])
	offset += LaunchBlobNonceSize
	b.Policy = GuestPolicy(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4
	copy(b.WrappedKeys[:], data[offset:offset+LaunchBlobWrappedLen])
	offset += LaunchBlobWrappedLen
	copy(b.MAC[:], data[offset:offset+LaunchBlobMACSize])
	return b, nil
}

// SecretTableHeaderGUID identifies the start of an OVMF secret table, per the OVMF secret
// injection GUID-hob layout.
var SecretTableHeaderGUID = [16]byte{
	0x1e, 0x74, 0xf5, 0x42, 0x71, 0xdd, 0x4d, 0x66,
	0x96, 0x3e, 0xef, 0x42, 0x87, 0xff, 0x17, 0x3b,
}

// SecretTableEntryHeaderSize is the size of one OVMF secret table entry's GUID+length header.
const SecretTableEntryHeaderSize = 16 + 4

// SecretTableEntry is one {GUID, payload} pair within the OVMF secret table.
type SecretTableEntry struct {
	GUID uuid.UUID
	Data []byte
}

// MarshalSecretTable concatenates a table header entry (identifying the table as a whole) and one
// entry per secret, little-endian GUID + length-including-header + payload, then pads the result
// to a multiple of 16 bytes with zero bytes.
func MarshalSecretTable(entries []SecretTableEntry) []byte {
	var out []byte
	out = append(out, SecretTableHeaderGUID[:]...)
	totalLen := make([]byte, 4) // patched below
	out = append(out, totalLen...)
	for _, e := range entries {
		entryLen := uint32(SecretTableEntryHeaderSize + len(e.Data))
		lenBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBytes, entryLen)
		out = append(out, e.GUID[:]...)
		out = append(out, lenBytes...)
		out = append(out, e.Data...)
	}
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(out)))
	if pad := len(out) % 16; pad != 0 {
		out = append(out, make([]byte, 16-pad)...)
	}
	return out
}

// UnmarshalSecretTable parses a secret table produced by MarshalSecretTable back into its
// entries, skipping the leading table-header entry.
func UnmarshalSecretTable(data []byte) ([]SecretTableEntry, error) {
	if len(data) < SecretTableEntryHeaderSize {
		return nil, fmt.Errorf("secret table too short: %d bytes", len(data))
	}
	tableLen := binary.LittleEndian.Uint32(data[16:20])
	if int(tableLen) > len(data) {
		return nil, fmt.Errorf("secret table header claims %d bytes, have %d", tableLen, len(data))
	}
	var entries []SecretTableEntry
	offset := SecretTableEntryHeaderSize
	for offset < int(tableLen) {
		if offset+SecretTableEntryHeaderSize > int(tableLen) {
			return nil, fmt.Errorf("truncated secret table entry at offset %d", offset)
		}
		var guid uuid.UUID
		copy(guid[:], data[offset:offset+16])
		entryLen := binary.LittleEndian.Uint32(data[offset+16 : offset+20])
		if entryLen < SecretTableEntryHeaderSize || int(offset)+int(entryLen) > int(tableLen) {
			return nil, fmt.Errorf("secret table entry at offset %d has invalid length %d", offset, entryLen)
		}
		payload := cloneBytes(data[offset+SecretTableEntryHeaderSize : offset+int(entryLen)])
		entries = append(entries, SecretTableEntry{GUID: guid, Data: payload})
		offset += int(entryLen)
	}
	return entries, nil
}

// LaunchSecretHeader is the PSP LAUNCH_SECRET header wrapping the encrypted OVMF secret table:
// the measurement-chained IV the PSP expects, followed by the AES-128-GCM tag.
type LaunchSecretHeader struct {
	FlagsMeasurementIV bool
	IV                 [16]byte
	Tag                [16]byte
}

// LaunchSecretHeaderSize is the wire size of a LaunchSecretHeader.
const LaunchSecretHeaderSize = 1 + 16 + 16

// Marshal serializes the LAUNCH_SECRET header to its wire form.
func (h *LaunchSecretHeader) Marshal() []byte {
	out := make([]byte, LaunchSecretHeaderSize)
	if h.FlagsMeasurementIV {
		out[0] = 1
	}
	copy(out[1:17], h.IV[:])
	copy(out[17:33], h.Tag[:])
	return out
}

// UnmarshalLaunchSecretHeader parses a LAUNCH_SECRET header from its wire form.
func UnmarshalLaunchSecretHeader(data []byte) (*LaunchSecretHeader, error) {
	if len(data) != LaunchSecretHeaderSize {
		return nil, fmt.Errorf("launch secret header is %d bytes, want %d", len(data), LaunchSecretHeaderSize)
	}
	h := &LaunchSecretHeader{FlagsMeasurementIV: data[0] != 0}
	copy(h.IV[:], data[1:17])
	copy(h.Tag[:], data[17:33])
	return h, nil
}
