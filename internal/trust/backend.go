// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

// Package trust implements the minion key-trust lifecycle: the fingerprint
// verifier and the trust ledger that holds pending, accepted and rejected
// minion identities.
package trust

import (
	"context"
	"errors"
)

// ErrUnknownIdentity is returned by a Backend when it holds no fingerprint
// for the queried identifier.
var ErrUnknownIdentity = errors.New("trust backend has no record for identity")

// Backend is the external trust authority consulted during handshake review.
// Implementations are expected to be safe for concurrent use.
type Backend interface {
	// LookupFingerprint returns the fingerprint the backend currently
	// associates with id, or ErrUnknownIdentity.
	LookupFingerprint(ctx context.Context, id string) (string, error)

	// AdmitToFleet performs the external admission side effect for an
	// accepted minion. It must be idempotent on the backend's side.
	AdmitToFleet(ctx context.Context, id string) error
}
