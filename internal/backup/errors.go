// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package backup

import "fmt"

// ErrorKind classifies a transport failure so the orchestrator can decide
// whether repository bootstrap is safe to attempt.
type ErrorKind int

const (
	// KindAuth covers credential failures: a wrong passphrase, a refused
	// key, a rejected host fingerprint.
	KindAuth ErrorKind = iota
	// KindNetwork covers unreachable or dropped transport connections.
	KindNetwork
	// KindNotRepository means the target exists but does not hold a
	// recognizable repository.
	KindNotRepository
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	case KindNotRepository:
		return "not-a-repository"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ConnectivityError is a structured transport failure. Initialization is
// attempted only on a clean NotFound probe, never on one of these.
type ConnectivityError struct {
	Kind   ErrorKind
	Target string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s failure for %s: %v", e.Kind, e.Target, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// SecretHandlingError reports a failure to materialize or remove ephemeral
// key material. It is fatal for the invocation; the orchestrator never
// proceeds with a partially handled secret.
type SecretHandlingError struct {
	Op  string
	Err error
}

func (e *SecretHandlingError) Error() string {
	return fmt.Sprintf("secret handling: %s: %v", e.Op, e.Err)
}

func (e *SecretHandlingError) Unwrap() error { return e.Err }
