// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package trust

import (
	"fmt"

	"github.com/fleetwarden/fleetwarden/internal/model"
)

// ConflictError reports a handshake or decision whose fingerprint differs
// from the one already bound to the identity. It implies a different remote
// host (or an attacker) is presenting itself under a known id, so it is kept
// distinct from AlreadyDecidedError: the two call for different operator
// actions.
type ConflictError struct {
	ID       string
	Existing string
	Claimed  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("fingerprint conflict for %s: recorded %s, presented %s", e.ID, e.Existing, e.Claimed)
}

// AlreadyDecidedError reports that the identity reached a terminal trust
// state before the caller's decision could commit. The loser of a racing
// accept/reject pair observes this and must not blindly retry.
type AlreadyDecidedError struct {
	ID    string
	State model.MinionState
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("identity %s already decided: %s", e.ID, e.State)
}
