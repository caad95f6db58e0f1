// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwarden/fleetwarden/internal/db"
	"github.com/fleetwarden/fleetwarden/internal/logging"
	"github.com/fleetwarden/fleetwarden/internal/model"
)

// ErrRunInFlight reports that a run for the same repository target is
// already executing. The arriving run is skipped, not queued; the next
// scheduler tick retries.
var ErrRunInFlight = errors.New("backup run already in flight for this target")

// Clock abstracts time.Now for scheduler tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Orchestrator drives the probe / bootstrap-if-absent / run protocol and
// records every run in the backup_runs log.
type Orchestrator struct {
	store     db.Store
	transport RepositoryTransport
	target    string
	creds     Credentials
	payload   PayloadSource
	clock     Clock

	inflight sync.Map // target -> *sync.Mutex
}

// NewOrchestrator wires an orchestrator for one repository target.
func NewOrchestrator(store db.Store, transport RepositoryTransport, target string, creds Credentials, payload PayloadSource) *Orchestrator {
	return &Orchestrator{
		store:     store,
		transport: transport,
		target:    target,
		creds:     creds,
		payload:   payload,
		clock:     systemClock{},
	}
}

// SetClock replaces the orchestrator's clock. Tests may set a fake clock.
func (o *Orchestrator) SetClock(c Clock) { o.clock = c }

func (o *Orchestrator) lockFor(target string) *sync.Mutex {
	mu, _ := o.inflight.LoadOrStore(target, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Trigger runs one backup now. At most one run per target executes at a
// time; a second caller gets ErrRunInFlight instead of a queued run.
func (o *Orchestrator) Trigger(ctx context.Context) (*model.BackupRun, error) {
	mu := o.lockFor(o.target)
	if !mu.TryLock() {
		return nil, ErrRunInFlight
	}
	defer mu.Unlock()
	return o.runOnce(ctx)
}

// runOnce executes the three-step protocol. Callers hold the per-target
// lock.
func (o *Orchestrator) runOnce(ctx context.Context) (*model.BackupRun, error) {
	run := model.BackupRun{
		ID:               uuid.NewString(),
		RepositoryTarget: o.target,
		StartedAt:        o.clock.Now(),
		Outcome:          model.BackupRunning,
	}
	if err := o.store.InsertBackupRun(run); err != nil {
		return nil, fmt.Errorf("record backup run: %w", err)
	}

	outcome, errDetail := o.execute(ctx)
	run.Outcome = outcome
	run.ErrorDetail = o.redact(errDetail)
	run.FinishedAt = o.clock.Now()
	if err := o.store.FinishBackupRun(run.ID, run.Outcome, run.ErrorDetail, run.FinishedAt); err != nil {
		return nil, fmt.Errorf("finish backup run %s: %w", run.ID, err)
	}
	_ = o.store.LogAction("", "BACKUP_RUN", fmt.Sprintf("run: %s, target: %s, outcome: %s", run.ID, o.target, outcome))

	if outcome == model.BackupFailed {
		logging.Warnf("backup: run %s for %s failed: %s", run.ID, o.target, run.ErrorDetail)
	} else {
		logging.Infof("backup: run %s for %s finished: %s", run.ID, o.target, outcome)
	}
	return &run, nil
}

// execute performs probe, bootstrap-if-absent and run. It returns the
// outcome plus an unredacted error detail; the caller redacts.
func (o *Orchestrator) execute(ctx context.Context) (model.BackupOutcome, string) {
	status, err := o.transport.Probe(ctx, o.target, o.creds)
	if err != nil {
		// Auth and network failures never trigger initialization: a
		// bootstrap under a misconfigured credential would plant a stray
		// repository.
		return model.BackupFailed, fmt.Sprintf("probe: %v", err)
	}

	initialized := false
	if status == StatusNotFound {
		if err := o.transport.Initialize(ctx, o.target, o.creds); err != nil {
			return model.BackupFailed, fmt.Sprintf("initialize: %v", err)
		}
		initialized = true
		logging.Infof("backup: initialized repository at %s", o.target)
	}

	payload, err := o.payload()
	if err != nil {
		return model.BackupFailed, fmt.Sprintf("capture payload: %v", err)
	}
	defer payload.Close()

	if err := o.transport.Run(ctx, o.target, o.creds, payload); err != nil {
		return model.BackupFailed, fmt.Sprintf("run: %v", err)
	}

	if initialized {
		return model.BackupInitialized, ""
	}
	return model.BackupSuccess, ""
}

// redact strips secret material out of an error detail before it is
// persisted.
func (o *Orchestrator) redact(detail string) string {
	detail = o.creds.Passphrase.Redact(detail)
	return o.creds.PrivateKey.Redact(detail)
}

// LastRun returns the most recent run for the configured target.
func (o *Orchestrator) LastRun() (*model.BackupRun, error) {
	return o.store.GetLastBackupRun(o.target)
}

// Start triggers a run on every tick until ctx is done. A tick that finds
// the previous run still executing is skipped.
func (o *Orchestrator) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Trigger(ctx); err != nil && !errors.Is(err, ErrRunInFlight) {
				logging.Errorf("backup: scheduled run: %v", err)
			}
		}
	}
}

// RecoverInterrupted closes out runs left in the running state by a crash
// or restart and sweeps stale key files the crashed process could not
// remove. Called once during startup, before the scheduler starts.
func (o *Orchestrator) RecoverInterrupted() error {
	runs, err := o.store.GetUnfinishedBackupRuns()
	if err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	now := o.clock.Now()
	for _, run := range runs {
		if err := o.store.FinishBackupRun(run.ID, model.BackupFailed, "interrupted by restart", now); err != nil {
			return fmt.Errorf("crash recovery for run %s: %w", run.ID, err)
		}
		logging.Warnf("backup: run %s for %s marked failed after restart", run.ID, run.RepositoryTarget)
	}

	if removed, err := CleanupStaleKeyFiles(); err != nil {
		logging.Warnf("backup: stale key sweep: %v", err)
	} else if removed > 0 {
		logging.Infof("backup: removed %d stale transport key file(s)", removed)
	}
	return nil
}
