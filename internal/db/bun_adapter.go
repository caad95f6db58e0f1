package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/fleetwarden/fleetwarden/internal/model"
	"github.com/uptrace/bun"
)

// MinionModel maps the `minions` table for Bun queries.
type MinionModel struct {
	bun.BaseModel `bun:"table:minions"`
	ID            string         `bun:"id,pk"`
	Fingerprint   string         `bun:"fingerprint"`
	State         string         `bun:"state"`
	FirstSeenAt   time.Time      `bun:"first_seen_at"`
	DecidedAt     sql.NullTime   `bun:"decided_at"`
	DecidedBy     sql.NullString `bun:"decided_by"`
}

// ExecutionModel maps the `command_executions` table.
type ExecutionModel struct {
	bun.BaseModel   `bun:"table:command_executions"`
	ID              string         `bun:"id,pk"`
	TargetMinionID  string         `bun:"target_minion_id"`
	Payload         string         `bun:"payload"`
	State           string         `bun:"state"`
	StartedAt       time.Time      `bun:"started_at"`
	FinishedAt      sql.NullTime   `bun:"finished_at"`
	ExitCode        sql.NullInt64  `bun:"exit_code"`
	Output          sql.NullString `bun:"output"`
	OutputTruncated bool           `bun:"output_truncated"`
	TimeoutMillis   int64          `bun:"timeout_ms"`
}

// BackupRunModel maps the `backup_runs` table.
type BackupRunModel struct {
	bun.BaseModel    `bun:"table:backup_runs"`
	ID               string         `bun:"id,pk"`
	RepositoryTarget string         `bun:"repository_target"`
	StartedAt        time.Time      `bun:"started_at"`
	FinishedAt       sql.NullTime   `bun:"finished_at"`
	Outcome          string         `bun:"outcome"`
	ErrorDetail      sql.NullString `bun:"error_detail"`
}

// AuditLogModel maps the audit_log table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log"`
	ID            int    `bun:"id,pk,autoincrement"`
	Timestamp     string `bun:"timestamp"`
	Actor         string `bun:"actor"`
	Action        string `bun:"action"`
	Details       string `bun:"details"`
}

// --- Mapping helpers (centralized conversions) ---

func minionModelToModel(m MinionModel) model.MinionIdentity {
	mi := model.MinionIdentity{
		ID:          m.ID,
		Fingerprint: m.Fingerprint,
		State:       model.MinionState(m.State),
		FirstSeenAt: m.FirstSeenAt,
	}
	if m.DecidedAt.Valid {
		mi.DecidedAt = m.DecidedAt.Time
	}
	if m.DecidedBy.Valid {
		mi.DecidedBy = m.DecidedBy.String
	}
	return mi
}

func executionModelToModel(e ExecutionModel) model.CommandExecution {
	ce := model.CommandExecution{
		ID:              e.ID,
		TargetMinionID:  e.TargetMinionID,
		Payload:         e.Payload,
		State:           model.ExecState(e.State),
		StartedAt:       e.StartedAt,
		OutputTruncated: e.OutputTruncated,
		Timeout:         time.Duration(e.TimeoutMillis) * time.Millisecond,
	}
	if e.FinishedAt.Valid {
		ce.FinishedAt = e.FinishedAt.Time
	}
	if e.ExitCode.Valid {
		code := int(e.ExitCode.Int64)
		ce.ExitCode = &code
	}
	if e.Output.Valid {
		ce.Output = e.Output.String
	}
	return ce
}

func backupRunModelToModel(b BackupRunModel) model.BackupRun {
	br := model.BackupRun{
		ID:               b.ID,
		RepositoryTarget: b.RepositoryTarget,
		StartedAt:        b.StartedAt,
		Outcome:          model.BackupOutcome(b.Outcome),
	}
	if b.FinishedAt.Valid {
		br.FinishedAt = b.FinishedAt.Time
	}
	if b.ErrorDetail.Valid {
		br.ErrorDetail = b.ErrorDetail.String
	}
	return br
}

// --- Minion identity operations ---

// InsertPendingMinionBun inserts a new pending identity row.
func InsertPendingMinionBun(bdb *bun.DB, id, fingerprint string, firstSeen time.Time) error {
	ctx := context.Background()
	m := &MinionModel{
		ID:          id,
		Fingerprint: fingerprint,
		State:       string(model.MinionPending),
		FirstSeenAt: firstSeen,
	}
	_, err := bdb.NewInsert().Model(m).Exec(ctx)
	return MapDBError(err)
}

// GetMinionBun fetches one identity; returns ErrNotFound when absent.
func GetMinionBun(bdb *bun.DB, id string) (*model.MinionIdentity, error) {
	ctx := context.Background()
	var m MinionModel
	err := bdb.NewSelect().Model(&m).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	mi := minionModelToModel(m)
	return &mi, nil
}

// GetAllMinionsBun returns all identities ordered by first handshake time.
func GetAllMinionsBun(bdb *bun.DB) ([]model.MinionIdentity, error) {
	ctx := context.Background()
	var mm []MinionModel
	if err := bdb.NewSelect().Model(&mm).OrderExpr("first_seen_at, id").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.MinionIdentity, 0, len(mm))
	for _, m := range mm {
		out = append(out, minionModelToModel(m))
	}
	return out, nil
}

// DecideMinionBun commits pending -> accepted/rejected. The WHERE clause
// guards on the pending state so two racing deciders cannot both commit.
func DecideMinionBun(bdb *bun.DB, id string, to model.MinionState, decidedBy string, decidedAt time.Time) (bool, error) {
	ctx := context.Background()
	res, err := bdb.NewUpdate().Model((*MinionModel)(nil)).
		Set("state = ?", string(to)).
		Set("decided_at = ?", decidedAt).
		Set("decided_by = ?", decidedBy).
		Where("id = ? AND state = ?", id, string(model.MinionPending)).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- Command execution operations ---

// InsertExecutionBun persists a freshly queued execution.
func InsertExecutionBun(bdb *bun.DB, exec model.CommandExecution) error {
	ctx := context.Background()
	e := &ExecutionModel{
		ID:             exec.ID,
		TargetMinionID: exec.TargetMinionID,
		Payload:        exec.Payload,
		State:          string(exec.State),
		StartedAt:      exec.StartedAt,
		TimeoutMillis:  exec.Timeout.Milliseconds(),
	}
	_, err := bdb.NewInsert().Model(e).Exec(ctx)
	return MapDBError(err)
}

// GetExecutionBun fetches one execution; returns ErrNotFound when absent.
func GetExecutionBun(bdb *bun.DB, id string) (*model.CommandExecution, error) {
	ctx := context.Background()
	var e ExecutionModel
	err := bdb.NewSelect().Model(&e).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ce := executionModelToModel(e)
	return &ce, nil
}

// GetNonTerminalExecutionsBun returns executions still queued or running.
func GetNonTerminalExecutionsBun(bdb *bun.DB) ([]model.CommandExecution, error) {
	ctx := context.Background()
	var em []ExecutionModel
	err := bdb.NewSelect().Model(&em).
		Where("state IN (?)", bun.In([]string{string(model.ExecQueued), string(model.ExecRunning)})).
		OrderExpr("started_at").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.CommandExecution, 0, len(em))
	for _, e := range em {
		out = append(out, executionModelToModel(e))
	}
	return out, nil
}

// MarkExecutionRunningBun commits queued -> running.
func MarkExecutionRunningBun(bdb *bun.DB, id string) (bool, error) {
	ctx := context.Background()
	res, err := bdb.NewUpdate().Model((*ExecutionModel)(nil)).
		Set("state = ?", string(model.ExecRunning)).
		Where("id = ? AND state = ?", id, string(model.ExecQueued)).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishExecutionBun commits a terminal transition guarded on the from state.
// A loser of the result/watchdog race affects zero rows and reports false.
func FinishExecutionBun(bdb *bun.DB, id string, from, to model.ExecState, exitCode *int, output string, truncated bool, finishedAt time.Time) (bool, error) {
	ctx := context.Background()
	q := bdb.NewUpdate().Model((*ExecutionModel)(nil)).
		Set("state = ?", string(to)).
		Set("finished_at = ?", finishedAt).
		Set("output = ?", output).
		Set("output_truncated = ?", truncated).
		Where("id = ? AND state = ?", id, string(from))
	if exitCode != nil {
		q = q.Set("exit_code = ?", *exitCode)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TimeOutExecutionBun forces queued/running -> timed_out.
func TimeOutExecutionBun(bdb *bun.DB, id string, finishedAt time.Time) (bool, error) {
	ctx := context.Background()
	res, err := bdb.NewUpdate().Model((*ExecutionModel)(nil)).
		Set("state = ?", string(model.ExecTimedOut)).
		Set("finished_at = ?", finishedAt).
		Where("id = ? AND state IN (?)", id, bun.In([]string{string(model.ExecQueued), string(model.ExecRunning)})).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- Backup run operations ---

// InsertBackupRunBun persists a run in its initial (running) state.
func InsertBackupRunBun(bdb *bun.DB, run model.BackupRun) error {
	ctx := context.Background()
	b := &BackupRunModel{
		ID:               run.ID,
		RepositoryTarget: run.RepositoryTarget,
		StartedAt:        run.StartedAt,
		Outcome:          string(run.Outcome),
	}
	_, err := bdb.NewInsert().Model(b).Exec(ctx)
	return MapDBError(err)
}

// FinishBackupRunBun records the terminal outcome of a run.
func FinishBackupRunBun(bdb *bun.DB, id string, outcome model.BackupOutcome, errDetail string, finishedAt time.Time) error {
	ctx := context.Background()
	_, err := bdb.NewUpdate().Model((*BackupRunModel)(nil)).
		Set("outcome = ?", string(outcome)).
		Set("error_detail = ?", errDetail).
		Set("finished_at = ?", finishedAt).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// GetLastBackupRunBun returns the most recent run for a target.
func GetLastBackupRunBun(bdb *bun.DB, target string) (*model.BackupRun, error) {
	ctx := context.Background()
	var b BackupRunModel
	err := bdb.NewSelect().Model(&b).
		Where("repository_target = ?", target).
		OrderExpr("started_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	br := backupRunModelToModel(b)
	return &br, nil
}

// GetUnfinishedBackupRunsBun returns runs without a terminal outcome.
func GetUnfinishedBackupRunsBun(bdb *bun.DB) ([]model.BackupRun, error) {
	ctx := context.Background()
	var bm []BackupRunModel
	err := bdb.NewSelect().Model(&bm).
		Where("outcome = ?", string(model.BackupRunning)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.BackupRun, 0, len(bm))
	for _, b := range bm {
		out = append(out, backupRunModelToModel(b))
	}
	return out, nil
}

// --- Audit log operations ---

// LogActionBun appends one audit entry.
func LogActionBun(bdb *bun.DB, actor, action, details string) error {
	ctx := context.Background()
	e := &AuditLogModel{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Actor:     actor,
		Action:    action,
		Details:   details,
	}
	_, err := bdb.NewInsert().Model(e).Column("timestamp", "actor", "action", "details").Exec(ctx)
	return err
}

// GetAllAuditLogEntriesBun returns the audit trail, most recent first.
func GetAllAuditLogEntriesBun(bdb *bun.DB) ([]model.AuditLogEntry, error) {
	ctx := context.Background()
	var am []AuditLogModel
	if err := bdb.NewSelect().Model(&am).OrderExpr("id DESC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.AuditLogEntry, 0, len(am))
	for _, a := range am {
		out = append(out, model.AuditLogEntry{
			ID:        a.ID,
			Timestamp: a.Timestamp,
			Actor:     a.Actor,
			Action:    a.Action,
			Details:   a.Details,
		})
	}
	return out, nil
}
