// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package trust

import (
	"context"
	"errors"
	"fmt"
)

// VerifyResult classifies a fingerprint check against the trust backend.
type VerifyResult int

const (
	// Match means the backend's fingerprint equals the claimed one.
	Match VerifyResult = iota
	// Mismatch means the backend holds a different fingerprint for this id.
	Mismatch
	// Unknown means the backend has no record for this id. Callers must
	// treat this as an error condition, never as a silent accept.
	Unknown
)

func (r VerifyResult) String() string {
	switch r {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("VerifyResult(%d)", int(r))
	}
}

// Verifier compares claimed fingerprints against the trust backend. It keeps
// no local state; side effects are confined to the read-only backend query,
// so verifications of different identities never serialize on each other.
type Verifier struct {
	backend Backend
}

// NewVerifier returns a Verifier backed by the given trust authority.
func NewVerifier(backend Backend) *Verifier {
	return &Verifier{backend: backend}
}

// Verify checks the claimed fingerprint for claimedID. Backend connectivity
// failures are returned as errors; an absent record is reported as Unknown
// with a nil error.
func (v *Verifier) Verify(ctx context.Context, claimedID, claimedFingerprint string) (VerifyResult, error) {
	recorded, err := v.backend.LookupFingerprint(ctx, claimedID)
	if err != nil {
		if errors.Is(err, ErrUnknownIdentity) {
			return Unknown, nil
		}
		return Unknown, fmt.Errorf("fingerprint lookup for %s: %w", claimedID, err)
	}
	if recorded == claimedFingerprint {
		return Match, nil
	}
	return Mismatch, nil
}
