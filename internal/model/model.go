// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

// Package model defines the core data models used across Fleetwarden. These
// are simple structs that represent database entities and are intentionally
// minimal to keep serialization and DB adapters straightforward.
package model

import (
	"fmt"
	"time"
)

// MinionState is the trust status of a minion identity.
type MinionState string

const (
	// MinionPending means the minion has presented its handshake and is
	// awaiting an operator decision.
	MinionPending MinionState = "pending"
	// MinionAccepted means an operator verified the fingerprint and admitted
	// the minion to the fleet. Accepted is final.
	MinionAccepted MinionState = "accepted"
	// MinionRejected means an operator refused the minion. Rejected is final.
	MinionRejected MinionState = "rejected"
)

// Terminal reports whether the state permits no further transitions.
func (s MinionState) Terminal() bool {
	return s == MinionAccepted || s == MinionRejected
}

// MinionIdentity represents one remote agent's trust record. The fingerprint
// is immutable once the identity is accepted; re-onboarding a host requires a
// new identity record.
type MinionIdentity struct {
	ID          string
	Fingerprint string
	State       MinionState
	FirstSeenAt time.Time
	DecidedAt   time.Time // zero until an operator decides
	DecidedBy   string
}

// String returns the id with its state, e.g. "web-01 (pending)".
func (m MinionIdentity) String() string {
	return fmt.Sprintf("%s (%s)", m.ID, m.State)
}

// ExecState is the lifecycle state of a dispatched command execution.
type ExecState string

const (
	ExecQueued    ExecState = "queued"
	ExecRunning   ExecState = "running"
	ExecCompleted ExecState = "completed"
	ExecFailed    ExecState = "failed"
	ExecTimedOut  ExecState = "timed_out"
)

// Terminal reports whether the execution has reached a final state.
func (s ExecState) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecTimedOut
}

// MaxOutputBytes is the ceiling applied to captured command output. Output
// beyond this is dropped and the truncation is flagged on the record.
const MaxOutputBytes = 64 * 1024

// CommandExecution represents one dispatched command instance. FinishedAt is
// set exactly when the execution reaches a terminal state.
type CommandExecution struct {
	ID              string
	TargetMinionID  string
	Payload         string
	State           ExecState
	StartedAt       time.Time
	FinishedAt      time.Time // zero until terminal
	ExitCode        *int
	Output          string
	OutputTruncated bool
	Timeout         time.Duration
}

// BackupOutcome is the terminal result of one backup run.
type BackupOutcome string

const (
	// BackupSuccess means the repository already existed and the run
	// completed normally.
	BackupSuccess BackupOutcome = "success"
	// BackupInitialized means the repository was bootstrapped on this run
	// and the backup then completed normally.
	BackupInitialized BackupOutcome = "initialized_and_succeeded"
	// BackupFailed covers every other ending, including interrupted runs
	// discovered during crash recovery.
	BackupFailed BackupOutcome = "failed"
	// BackupRunning marks a run that has not reached an outcome yet. It is
	// never a valid final value in the backup_runs log.
	BackupRunning BackupOutcome = "running"
)

// BackupRun represents one execution of the scheduled backup job.
// ErrorDetail must never contain passphrase or key material; the
// orchestrator redacts before persisting.
type BackupRun struct {
	ID               string
	RepositoryTarget string
	StartedAt        time.Time
	FinishedAt       time.Time
	Outcome          BackupOutcome
	ErrorDetail      string
}

// AuditLogEntry records one operator-visible action for attribution.
type AuditLogEntry struct {
	ID        int
	Timestamp string
	Actor     string
	Action    string
	Details   string
}
