// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"time"

	"github.com/fleetwarden/fleetwarden/internal/model"
	"github.com/uptrace/bun"
)

// bunStore implements Store on top of a *bun.DB. The SQL it issues is
// dialect-neutral; engine-specific concerns live in the dialect wrappers and
// the per-engine migration files.
type bunStore struct {
	bun *bun.DB
}

func (s *bunStore) InsertPendingMinion(id, fingerprint string, firstSeen time.Time) error {
	return InsertPendingMinionBun(s.bun, id, fingerprint, firstSeen)
}

func (s *bunStore) GetMinion(id string) (*model.MinionIdentity, error) {
	return GetMinionBun(s.bun, id)
}

func (s *bunStore) GetAllMinions() ([]model.MinionIdentity, error) {
	return GetAllMinionsBun(s.bun)
}

func (s *bunStore) DecideMinion(id string, to model.MinionState, decidedBy string, decidedAt time.Time) (bool, error) {
	return DecideMinionBun(s.bun, id, to, decidedBy, decidedAt)
}

func (s *bunStore) InsertExecution(exec model.CommandExecution) error {
	return InsertExecutionBun(s.bun, exec)
}

func (s *bunStore) GetExecution(id string) (*model.CommandExecution, error) {
	return GetExecutionBun(s.bun, id)
}

func (s *bunStore) GetNonTerminalExecutions() ([]model.CommandExecution, error) {
	return GetNonTerminalExecutionsBun(s.bun)
}

func (s *bunStore) MarkExecutionRunning(id string) (bool, error) {
	return MarkExecutionRunningBun(s.bun, id)
}

func (s *bunStore) FinishExecution(id string, from, to model.ExecState, exitCode *int, output string, truncated bool, finishedAt time.Time) (bool, error) {
	return FinishExecutionBun(s.bun, id, from, to, exitCode, output, truncated, finishedAt)
}

func (s *bunStore) TimeOutExecution(id string, finishedAt time.Time) (bool, error) {
	return TimeOutExecutionBun(s.bun, id, finishedAt)
}

func (s *bunStore) InsertBackupRun(run model.BackupRun) error {
	return InsertBackupRunBun(s.bun, run)
}

func (s *bunStore) FinishBackupRun(id string, outcome model.BackupOutcome, errDetail string, finishedAt time.Time) error {
	return FinishBackupRunBun(s.bun, id, outcome, errDetail, finishedAt)
}

func (s *bunStore) GetLastBackupRun(target string) (*model.BackupRun, error) {
	return GetLastBackupRunBun(s.bun, target)
}

func (s *bunStore) GetUnfinishedBackupRuns() ([]model.BackupRun, error) {
	return GetUnfinishedBackupRunsBun(s.bun)
}

func (s *bunStore) LogAction(actor, action, details string) error {
	return LogActionBun(s.bun, actor, action, details)
}

func (s *bunStore) GetAllAuditLogEntries() ([]model.AuditLogEntry, error) {
	return GetAllAuditLogEntriesBun(s.bun)
}
