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

// Package dispatch drives the two-phase pre-attestation protocol: GetBundle establishes a session
// against a verified platform certificate chain and persists its connection bundle; GetSecret
// reconstructs the launch measurement, evaluates policy, and seals the requested secrets. It is
// the one place that sequences trust, session, policy and secret into the connection state
// machine Created -> Verified -> Consumed|Expired.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-sev-kbs/abi"
	"github.com/google/go-sev-kbs/attest"
	"github.com/google/go-sev-kbs/kbscrypto"
	"github.com/google/go-sev-kbs/policy"
	"github.com/google/go-sev-kbs/secret"
	"github.com/google/go-sev-kbs/session"
	"github.com/google/go-sev-kbs/trust"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// symKeySplit is the byte offset within a persisted ConnectionBundle.SymKey separating TIK from
// TEK, matching the order session.Establish samples and wraps them in.
const symKeySplit = 16

// Dispatcher is the request-handling core shared by every transport-facing frontend (out of
// scope here, per the RPC/transport non-goal): it holds no transport state of its own.
type Dispatcher struct {
	Store policy.Store
	Roots *trust.Roots // nil selects trust.DefaultRoots
	// TTL bounds how long a connection bundle may sit between GetBundle and GetSecret before it is
	// treated as expired and reported as UnknownConnection.
	TTL time.Duration
	// DefaultPolicy, if set, is substituted for any secret, keyset, resource, or report keypair
	// whose PolicyID is zero: the "no explicit polid" case, distinct from a nonzero polid that
	// names a row the policy table no longer has, which is always a hard reject.
	DefaultPolicy *policy.Policy
}

// BundleRequest is the phase-1 GetBundle request: a guest's platform certificate chain and the
// guest policy it intends to launch under.
type BundleRequest struct {
	CertChain   []byte
	GuestPolicy uint32
	SEVVersion  uint32
}

// BundleReply is the phase-1 GetBundle response: the artifacts the guest forwards to its PSP.
type BundleReply struct {
	ConnectionGUID string
	LaunchBlob     []byte
	GODHCert       []byte
}

// GetBundle verifies certChain against roots, establishes a guest-owner session against the
// verified PDH, and persists a connection bundle so the matching GetSecret can be correlated and
// rate-limited to exactly one take.
func (d *Dispatcher) GetBundle(ctx context.Context, req *BundleRequest) (*BundleReply, error) {
	chain, err := trust.ParseChain(req.CertChain)
	if err != nil {
		return nil, asChainError(err)
	}
	roots := d.Roots
	if roots == nil {
		roots = trust.DefaultRoots
	}
	pdh, err := trust.Verify(chain, roots)
	if err != nil {
		return nil, asChainError(err)
	}

	est, err := session.Establish(pdh, abi.GuestPolicy(req.GuestPolicy))
	if err != nil {
		return nil, internal(fmt.Errorf("session establishment failed: %w", err))
	}

	id := uuid.NewString()
	symKey := append(append([]byte{}, est.TIK.Bytes()...), est.TEK.Bytes()...)
	bundle := &policy.ConnectionBundle{
		ID:          id,
		SEVVersion:  req.SEVVersion,
		GuestPolicy: req.GuestPolicy,
		SymKey:      symKey,
	}
	if err := d.Store.PutConnectionBundle(ctx, bundle); err != nil {
		est.TIK.Release()
		est.TEK.Release()
		return nil, internal(fmt.Errorf("could not persist connection bundle: %w", err))
	}
	est.TIK.Release()
	est.TEK.Release()

	return &BundleReply{
		ConnectionGUID: id,
		LaunchBlob:     est.LaunchBlob,
		GODHCert:       est.GODHCert,
	}, nil
}

// SecretRequestItem is one entry of a GetSecret request's secret_requests list, in the wire's
// secret.Format vocabulary.
type SecretRequestItem struct {
	Type    secret.Format
	ID      string
	GUID    uuid.UUID
	Payload []byte
}

// SecretRequest is the phase-2 GetSecret request: the connection id GetBundle returned, the
// launch parameters the PSP reported, and the secrets to seal for delivery.
type SecretRequest struct {
	ConnectionGUID    string
	APIMajor          uint32
	APIMinor          uint32
	BuildID           uint32
	FWDigest          []byte
	LaunchMeasurement []byte // HMAC tag (32 bytes) || measurement nonce (16 bytes)
	SecretRequests    []SecretRequestItem
}

// SecretReply is the phase-2 GetSecret response: the PSP LAUNCH_SECRET header and its sealed
// payload.
type SecretReply struct {
	Header []byte
	Data   []byte
}

// GetSecret atomically takes the connection bundle req names, verifies the reported launch
// measurement under its TIK, evaluates every policy the requested secrets reference, and seals
// the secret table under its TEK. Any failure after the take still consumes the connection: a
// connection bundle is single-use regardless of whether GetSecret ultimately succeeds.
func (d *Dispatcher) GetSecret(ctx context.Context, req *SecretRequest) (*SecretReply, error) {
	if len(req.LaunchMeasurement) != 48 {
		return nil, fmt.Errorf("launch measurement must be 48 bytes (32 tag + 16 nonce), got %d", len(req.LaunchMeasurement))
	}

	bundle, err := d.Store.TakeConnectionBundle(ctx, req.ConnectionGUID, d.TTL)
	if errors.Is(err, policy.ErrNotFound) {
		return nil, ErrUnknownConnection
	}
	if err != nil {
		return nil, internal(fmt.Errorf("could not take connection bundle: %w", err))
	}
	if len(bundle.SymKey) != 2*symKeySplit {
		return nil, internal(fmt.Errorf("connection bundle has malformed session key (%d bytes)", len(bundle.SymKey)))
	}
	tik := kbscrypto.NewScopedKey(append([]byte{}, bundle.SymKey[:symKeySplit]...))
	tek := kbscrypto.NewScopedKey(append([]byte{}, bundle.SymKey[symKeySplit:]...))
	defer tik.Release()
	defer tek.Release()

	desc := attest.LaunchDescription{
		APIMajor: req.APIMajor,
		APIMinor: req.APIMinor,
		BuildID:  req.BuildID,
		Policy:   abi.GuestPolicy(bundle.GuestPolicy),
		FWDigest: req.FWDigest,
		MNonce:   req.LaunchMeasurement[32:48],
	}
	tag := req.LaunchMeasurement[:32]
	ok, err := attest.CompareMeasurement(tik.Bytes(), desc, tag)
	if err != nil {
		return nil, internal(fmt.Errorf("could not reconstruct launch measurement: %w", err))
	}
	if !ok {
		return nil, ErrMeasurementMismatch
	}

	policies, err := d.collectPolicies(ctx, req.SecretRequests)
	if err != nil {
		return nil, err
	}
	if err := attest.EvaluatePolicies(policies, desc); err != nil {
		var denied *attest.PolicyDenied
		if errors.As(err, &denied) {
			return nil, &PolicyDeniedError{Field: denied.Field}
		}
		return nil, internal(err)
	}

	reqs := make([]secret.Request, len(req.SecretRequests))
	for i, r := range req.SecretRequests {
		reqs[i] = secret.Request{Type: r.Type, ID: r.ID, GUID: r.GUID, Payload: r.Payload}
	}
	header, data, err := secret.Build(ctx, d.Store, tek.Bytes(), req.LaunchMeasurement[:12], reqs)
	if err != nil {
		if errors.Is(err, secret.ErrSecretNotFound) {
			return nil, &SecretNotFoundError{ID: err.Error()}
		}
		return nil, internal(err)
	}

	return &SecretReply{Header: header, Data: data}, nil
}

// collectPolicies resolves every policy referenced, directly or transitively, by reqs: a raw or
// bundle secret's own policy, a keyset's policy and every constituent secret's policy, a
// resource's policy, or a report keypair's policy. Including a keyset's own policy alongside its
// members' policies only ever makes evaluation more restrictive, never less, so it cannot weaken
// the conjunction spec's policy evaluation requires. A zero PolicyID falls back to d.DefaultPolicy
// (no explicit polid was ever set); a nonzero PolicyID that names no row is always a hard reject,
// since that can only mean the policy table and the secret table have drifted out of sync.
func (d *Dispatcher) collectPolicies(ctx context.Context, items []SecretRequestItem) ([]*policy.Policy, error) {
	cache := map[int64]*policy.Policy{}
	var policies []*policy.Policy

	resolve := func(id int64) error {
		if id == 0 {
			policies = append(policies, d.effectiveDefaultPolicy())
			return nil
		}
		if p, ok := cache[id]; ok {
			policies = append(policies, p)
			return nil
		}
		p, err := d.Store.GetPolicy(ctx, id)
		if errors.Is(err, policy.ErrNotFound) {
			p = &policy.Policy{ID: id, Valid: false}
		} else if err != nil {
			return internal(err)
		}
		cache[id] = p
		policies = append(policies, p)
		return nil
	}

	for _, item := range items {
		switch item.Type {
		case secret.FormatRaw, secret.FormatBundle:
			sec, err := d.Store.GetSecret(ctx, item.ID)
			if err != nil {
				return nil, storeErr(err, item.ID)
			}
			if err := resolve(sec.PolicyID); err != nil {
				return nil, err
			}
		case secret.FormatKeyset:
			ks, err := d.Store.GetKeyset(ctx, item.ID)
			if err != nil {
				return nil, storeErr(err, item.ID)
			}
			if err := resolve(ks.PolicyID); err != nil {
				return nil, err
			}
			for _, secretID := range ks.KSKeys {
				sec, err := d.Store.GetSecret(ctx, secretID)
				if err != nil {
					return nil, storeErr(err, secretID)
				}
				if err := resolve(sec.PolicyID); err != nil {
					return nil, err
				}
			}
		case secret.FormatResource:
			res, err := d.Store.GetResource(ctx, item.ID)
			if err != nil {
				return nil, storeErr(err, item.ID)
			}
			if err := resolve(res.PolicyID); err != nil {
				return nil, err
			}
		case secret.FormatReportData:
			rk, err := d.Store.GetReportKeypair(ctx, item.ID)
			if err != nil {
				return nil, storeErr(err, item.ID)
			}
			if err := resolve(rk.PolicyID); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown secret request format %q", item.Type)
		}
	}
	return policies, nil
}

// effectiveDefaultPolicy returns d.DefaultPolicy, or a hard-reject policy if none was configured:
// an unconfigured default must never be silently permissive.
func (d *Dispatcher) effectiveDefaultPolicy() *policy.Policy {
	if d.DefaultPolicy != nil {
		return d.DefaultPolicy
	}
	return &policy.Policy{Valid: false}
}

func storeErr(err error, id string) error {
	if errors.Is(err, policy.ErrNotFound) {
		return &SecretNotFoundError{ID: id}
	}
	return internal(err)
}

func asChainError(err error) error {
	var ce *trust.ChainError
	if errors.As(err, &ce) {
		return &CertChainInvalidError{Link: ce.Link, Cause: err}
	}
	return &CertChainInvalidError{Link: "unknown", Cause: err}
}
