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

// Package secret assembles a requested set of secrets into the OVMF secret table and seals it
// under the session transport key, producing the PSP LAUNCH_SECRET packet.
package secret

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/google/go-sev-kbs/abi"
	"github.com/google/go-sev-kbs/kbscrypto"
	"github.com/google/go-sev-kbs/policy"
	"github.com/google/uuid"
)

// Format identifies how one SecretRequestItem should be materialized into OVMF secret entries.
type Format string

// Recognized secret-request formats.
const (
	FormatBundle     Format = "bundle"
	FormatKeyset     Format = "keyset"
	FormatRaw        Format = "raw"
	FormatResource   Format = "resource"
	FormatReportData Format = "report_data"
)

// Request is one item of a GetSecret request's secret_requests list.
type Request struct {
	Type    Format
	ID      string // secret_id, keysetid, resource_id, or report keypair key_id
	GUID    uuid.UUID
	Payload []byte // ReportData: the caller-supplied bytes to sign
}

// bundleGUID identifies the Attestation-Agent "offline-sev-kbc" bundle format entry: every Bundle
// request in one GetSecret call is merged into a single JSON object under this one fixed GUID,
// rather than one entry per request, matching the offline-sev-kbc consumer's expectation of a
// single bundle blob.
var bundleGUID = uuid.MustParse("1ee27366-0c87-43a6-af48-28ed2f9f2fb9")

// resourceGUIDNamespace derives a per-resource-type GUID deterministically, so the same
// resource_type always yields the same OVMF entry GUID across requests.
var resourceGUIDNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8") // uuid.NameSpaceDNS

// ErrSecretNotFound is returned when a requested secret_id, or a secret_id referenced by a
// keyset, does not exist in the store.
var ErrSecretNotFound = errors.New("secret not found")

// Build resolves reqs against store, assembles the OVMF secret table in request order, seals it
// under tek with AES-128-GCM using an IV derived from the launch measurement (binding the packet
// to the specific launch it was issued for), and returns the marshaled LAUNCH_SECRET header and
// ciphertext.
func Build(ctx context.Context, store policy.Store, tek []byte, measurement []byte, reqs []Request) (header, data []byte, err error) {
	entries, err := buildEntries(ctx, store, reqs)
	if err != nil {
		return nil, nil, err
	}
	table := abi.MarshalSecretTable(entries)

	if len(measurement) < 12 {
		return nil, nil, fmt.Errorf("launch measurement too short to derive a sealing IV: %d bytes", len(measurement))
	}
	var iv [16]byte
	copy(iv[:12], measurement[:12])

	sealed, err := kbscrypto.SealGCM(tek, iv[:12], table, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("could not seal secret table: %v", err)
	}
	tagStart := len(sealed) - 16
	h := &abi.LaunchSecretHeader{FlagsMeasurementIV: true, IV: iv}
	copy(h.Tag[:], sealed[tagStart:])
	return h.Marshal(), sealed[:tagStart], nil
}

func buildEntries(ctx context.Context, store policy.Store, reqs []Request) ([]abi.SecretTableEntry, error) {
	firstBundle := -1
	bundleValues := map[string]string{}
	for i, r := range reqs {
		if r.Type != FormatBundle {
			continue
		}
		sec, err := store.GetSecret(ctx, r.ID)
		if errors.Is(err, policy.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, r.ID)
		}
		if err != nil {
			return nil, err
		}
		bundleValues[r.ID] = base64.StdEncoding.EncodeToString(sec.Secret)
		if firstBundle == -1 {
			firstBundle = i
		}
	}

	var entries []abi.SecretTableEntry
	for i, r := range reqs {
		switch r.Type {
		case FormatBundle:
			if i != firstBundle {
				continue
			}
			payload, err := json.Marshal(bundleValues)
			if err != nil {
				return nil, fmt.Errorf("could not marshal secret bundle: %v", err)
			}
			entries = append(entries, abi.SecretTableEntry{GUID: bundleGUID, Data: payload})

		case FormatRaw:
			sec, err := store.GetSecret(ctx, r.ID)
			if errors.Is(err, policy.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, r.ID)
			}
			if err != nil {
				return nil, err
			}
			entries = append(entries, abi.SecretTableEntry{GUID: r.GUID, Data: sec.Secret})

		case FormatKeyset:
			ks, err := store.GetKeyset(ctx, r.ID)
			if errors.Is(err, policy.ErrNotFound) {
				return nil, fmt.Errorf("%w: keyset %s", ErrSecretNotFound, r.ID)
			}
			if err != nil {
				return nil, err
			}
			for _, secretID := range ks.KSKeys {
				sec, err := store.GetSecret(ctx, secretID)
				if errors.Is(err, policy.ErrNotFound) {
					return nil, fmt.Errorf("%w: %s (via keyset %s)", ErrSecretNotFound, secretID, r.ID)
				}
				if err != nil {
					return nil, err
				}
				sub := uuid.NewSHA1(r.GUID, []byte(secretID))
				entries = append(entries, abi.SecretTableEntry{GUID: sub, Data: sec.Secret})
			}

		case FormatResource:
			res, err := store.GetResource(ctx, r.ID)
			if errors.Is(err, policy.ErrNotFound) {
				return nil, fmt.Errorf("%w: resource %s", ErrSecretNotFound, r.ID)
			}
			if err != nil {
				return nil, err
			}
			contents, err := os.ReadFile(res.ResourcePath)
			if err != nil {
				return nil, fmt.Errorf("could not read resource %s: %v", r.ID, err)
			}
			guid := uuid.NewSHA1(resourceGUIDNamespace, []byte(res.ResourceType))
			entries = append(entries, abi.SecretTableEntry{GUID: guid, Data: contents})

		case FormatReportData:
			rk, err := store.GetReportKeypair(ctx, r.ID)
			if errors.Is(err, policy.ErrNotFound) {
				return nil, fmt.Errorf("%w: report keypair %s", ErrSecretNotFound, r.ID)
			}
			if err != nil {
				return nil, err
			}
			sig, err := signReportData(rk.KeyPEM, r.Payload)
			if err != nil {
				return nil, fmt.Errorf("could not sign report data for %s: %v", r.ID, err)
			}
			entries = append(entries, abi.SecretTableEntry{GUID: r.GUID, Data: sig})

		default:
			return nil, fmt.Errorf("unknown secret request format %q", r.Type)
		}
	}
	return entries, nil
}

func signReportData(keyPEM, payload []byte) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("report keypair is not valid PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("could not parse EC private key: %v", err)
	}
	digest := sha256.Sum256(payload)
	return ecdsa.SignASN1(rand.Reader, key, digest[:])
}
