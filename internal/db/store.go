// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"time"

	"github.com/fleetwarden/fleetwarden/internal/model"
)

// Store defines the interface for all database operations in Fleetwarden.
// This allows for multiple database backends to be implemented.
//
// Transition methods return (false, nil) when the guarded compare-and-set did
// not match the expected current state; the owning component decides what
// that means (race loser, duplicate callback, and so on).
type Store interface {
	// Minion identity methods
	InsertPendingMinion(id, fingerprint string, firstSeen time.Time) error
	GetMinion(id string) (*model.MinionIdentity, error)
	GetAllMinions() ([]model.MinionIdentity, error)
	DecideMinion(id string, to model.MinionState, decidedBy string, decidedAt time.Time) (bool, error)

	// Command execution methods
	InsertExecution(exec model.CommandExecution) error
	GetExecution(id string) (*model.CommandExecution, error)
	GetNonTerminalExecutions() ([]model.CommandExecution, error)
	MarkExecutionRunning(id string) (bool, error)
	FinishExecution(id string, from, to model.ExecState, exitCode *int, output string, truncated bool, finishedAt time.Time) (bool, error)
	TimeOutExecution(id string, finishedAt time.Time) (bool, error)

	// Backup run methods
	InsertBackupRun(run model.BackupRun) error
	FinishBackupRun(id string, outcome model.BackupOutcome, errDetail string, finishedAt time.Time) error
	GetLastBackupRun(target string) (*model.BackupRun, error)
	GetUnfinishedBackupRuns() ([]model.BackupRun, error)

	// Audit log methods
	LogAction(actor, action, details string) error
	GetAllAuditLogEntries() ([]model.AuditLogEntry, error)
}
