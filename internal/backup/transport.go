// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

// Package backup implements the scheduled backup orchestrator: probe the
// repository, bootstrap it when absent, then capture and push the payload.
// Bootstrap is idempotent and only ever attempted after a clean not-found
// probe; credential material never reaches the durable run record.
package backup

import (
	"context"
	"io"

	"github.com/fleetwarden/fleetwarden/internal/security"
)

// ProbeStatus is the answer of a successful repository probe. Transport
// failures (auth, network) come back as a ConnectivityError instead.
type ProbeStatus int

const (
	// StatusExists means the repository is present and the credentials
	// opened it.
	StatusExists ProbeStatus = iota
	// StatusNotFound means the target location holds no repository yet.
	// This is the only status that permits initialization.
	StatusNotFound
)

// Credentials carries the secret material for one orchestrator invocation.
// Both fields are redaction-safe Secret values; PrivateKey is optional and
// empty when the transport authenticates another way.
type Credentials struct {
	Passphrase security.Secret
	PrivateKey security.Secret
}

// RepositoryTransport is the storage backend protocol. Implementations
// must make Initialize safe to observe partially (a crashed initialize
// followed by a probe must not report Exists).
type RepositoryTransport interface {
	Probe(ctx context.Context, target string, creds Credentials) (ProbeStatus, error)
	Initialize(ctx context.Context, target string, creds Credentials) error
	Run(ctx context.Context, target string, creds Credentials, payload io.Reader) error
}

// PayloadSource produces the backup payload stream for one run. The
// orchestrator closes the reader when the transport is done with it.
type PayloadSource func() (io.ReadCloser, error)
