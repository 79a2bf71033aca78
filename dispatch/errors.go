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

package dispatch

import (
	"fmt"

	"github.com/google/go-sev-kbs/attest"
	"github.com/pkg/errors"
)

// ErrUnknownConnection is returned for a GetSecret naming a connection id that does not exist, is
// already consumed, or has expired past its TTL.
var ErrUnknownConnection = errors.New("unknown connection")

// ErrMeasurementMismatch is returned when the reported launch measurement does not match the one
// reconstructed from the session's TIK and the reported launch description.
var ErrMeasurementMismatch = errors.New("launch measurement mismatch")

// CertChainInvalidError reports which link of the inbound platform certificate chain failed
// validation and why.
type CertChainInvalidError struct {
	Link  string
	Cause error
}

func (e *CertChainInvalidError) Error() string {
	return fmt.Sprintf("certificate chain invalid at %s: %v", e.Link, e.Cause)
}

func (e *CertChainInvalidError) Unwrap() error { return e.Cause }

// PolicyDeniedError is the dispatcher-level rendering of attest.PolicyDenied, the only form in
// which a denial reason crosses into the dispatcher's caller-facing error surface.
type PolicyDeniedError struct {
	Field attest.DeniedField
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied: %s", e.Field)
}

// SecretNotFoundError names the secret, keyset, resource, or report keypair id that a secret
// request referenced but the store does not have.
type SecretNotFoundError struct {
	ID string
}

func (e *SecretNotFoundError) Error() string {
	return fmt.Sprintf("secret not found: %s", e.ID)
}

// InternalError wraps any failure not surfaced as one of the above typed kinds: transient store
// errors that exhausted their retry, I/O faults reading a resource file, and crypto failures that
// indicate a programming error rather than caller input.
type InternalError struct {
	Cause error
}

func (e *InternalError) Error() string { return fmt.Sprintf("internal error: %v", e.Cause) }
func (e *InternalError) Unwrap() error { return e.Cause }

func internal(cause error) error { return &InternalError{Cause: cause} }
