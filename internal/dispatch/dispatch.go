// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

// Package dispatch owns the command execution lifecycle. An execution
// moves Queued -> Running -> Completed/Failed, or to TimedOut when the
// watchdog fires first. All transitions are guarded compare-and-set
// updates against the store, so a late backend result and a concurrent
// watchdog sweep can race freely: exactly one of them commits and the
// loser observes the record already terminal.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwarden/fleetwarden/internal/db"
	"github.com/fleetwarden/fleetwarden/internal/logging"
	"github.com/fleetwarden/fleetwarden/internal/model"
	"github.com/fleetwarden/fleetwarden/internal/throttle"
)

// SuccessExitCode is the backend's success sentinel.
const SuccessExitCode = 0

// UnknownTargetError reports a dispatch aimed at a minion that is not an
// accepted fleet member. The guard runs before any backend submission.
type UnknownTargetError struct {
	MinionID string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("minion %s is not an accepted fleet member", e.MinionID)
}

// CommandBackend delivers a command payload to a minion. Acks and results
// arrive asynchronously through OnBackendAck / OnBackendResult; Submit
// only confirms hand-off to the transport.
type CommandBackend interface {
	Submit(ctx context.Context, minionID, executionID, payload string) error
}

// TargetGate answers whether a minion may receive commands. The trust
// ledger implements it.
type TargetGate interface {
	IsAccepted(id string) (bool, error)
}

// Clock abstracts time.Now for watchdog tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Dispatcher creates, submits and transitions command executions.
type Dispatcher struct {
	store   db.Store
	gate    TargetGate
	backend CommandBackend
	limiter *throttle.Limiter
	clock   Clock
}

// NewDispatcher wires a dispatcher. limiter may be nil, which disables
// admission throttling (used by internal callers such as the CLI).
func NewDispatcher(store db.Store, gate TargetGate, backend CommandBackend, limiter *throttle.Limiter) *Dispatcher {
	return &Dispatcher{
		store:   store,
		gate:    gate,
		backend: backend,
		limiter: limiter,
		clock:   systemClock{},
	}
}

// SetClock replaces the dispatcher's clock. Tests may set a fake clock.
func (d *Dispatcher) SetClock(c Clock) { d.clock = c }

// Dispatch creates a Queued execution for an accepted minion and submits
// it to the backend. The throttle gates the call first; the target guard
// runs before any backend side effect.
func (d *Dispatcher) Dispatch(ctx context.Context, targetMinionID, payload string, timeout time.Duration, clientKey string) (*model.CommandExecution, error) {
	if d.limiter != nil {
		if err := d.limiter.Allow(throttle.Dispatch, clientKey, d.clock.Now()); err != nil {
			return nil, err
		}
	}

	accepted, err := d.gate.IsAccepted(targetMinionID)
	if err != nil {
		return nil, fmt.Errorf("target check for %s: %w", targetMinionID, err)
	}
	if !accepted {
		return nil, &UnknownTargetError{MinionID: targetMinionID}
	}

	exec := model.CommandExecution{
		ID:             uuid.NewString(),
		TargetMinionID: targetMinionID,
		Payload:        payload,
		State:          model.ExecQueued,
		StartedAt:      d.clock.Now(),
		Timeout:        timeout,
	}
	if err := d.store.InsertExecution(exec); err != nil {
		return nil, fmt.Errorf("record execution for %s: %w", targetMinionID, err)
	}
	_ = d.store.LogAction("", "COMMAND_DISPATCHED", fmt.Sprintf("execution: %s, target: %s", exec.ID, targetMinionID))

	if err := d.backend.Submit(ctx, targetMinionID, exec.ID, payload); err != nil {
		// The record exists but never reached the transport. Fail it now
		// rather than waiting for the watchdog.
		exitCode := -1
		if ok, ferr := d.store.FinishExecution(exec.ID, model.ExecQueued, model.ExecFailed, &exitCode, fmt.Sprintf("submission failed: %v", err), false, d.clock.Now()); ferr != nil || !ok {
			logging.Warnf("dispatch: could not fail unsubmitted execution %s: ok=%v err=%v", exec.ID, ok, ferr)
		}
		return nil, fmt.Errorf("submit to %s: %w", targetMinionID, err)
	}

	logging.Infof("dispatch: execution %s queued for %s (timeout %s)", exec.ID, targetMinionID, timeout)
	return &exec, nil
}

// OnBackendAck marks a queued execution Running. A duplicate ack for an
// execution already past Queued is logged and ignored.
func (d *Dispatcher) OnBackendAck(executionID string) error {
	ok, err := d.store.MarkExecutionRunning(executionID)
	if err != nil {
		return fmt.Errorf("ack for %s: %w", executionID, err)
	}
	if !ok {
		logging.Debugf("dispatch: duplicate or late ack for %s ignored", executionID)
	}
	return nil
}

// OnBackendResult records the command outcome. The output is capped at
// model.MaxOutputBytes; the truncation is flagged on the record. A result
// for an already-terminal execution (duplicate callback, or the watchdog
// won the race) is logged and discarded.
func (d *Dispatcher) OnBackendResult(executionID string, exitCode int, output string) error {
	truncated := false
	if len(output) > model.MaxOutputBytes {
		output = output[:model.MaxOutputBytes]
		truncated = true
	}

	exec, err := d.store.GetExecution(executionID)
	if err != nil {
		return fmt.Errorf("result for %s: %w", executionID, err)
	}
	if exec.State.Terminal() {
		logging.Infof("dispatch: result for terminal execution %s (%s) discarded", executionID, exec.State)
		return nil
	}

	// A result can outrun the ack; take the queued record through
	// Running so the transition history stays well-formed.
	if exec.State == model.ExecQueued {
		if _, err := d.store.MarkExecutionRunning(executionID); err != nil {
			return fmt.Errorf("result for %s: %w", executionID, err)
		}
	}

	to := model.ExecFailed
	if exitCode == SuccessExitCode {
		to = model.ExecCompleted
	}
	ok, err := d.store.FinishExecution(executionID, model.ExecRunning, to, &exitCode, output, truncated, d.clock.Now())
	if err != nil {
		return fmt.Errorf("finish %s: %w", executionID, err)
	}
	if !ok {
		// Lost the race against the watchdog (or a duplicate result).
		logging.Infof("dispatch: late result for %s discarded, record already terminal", executionID)
		return nil
	}

	logging.Infof("dispatch: execution %s finished %s (exit %d)", executionID, to, exitCode)
	return nil
}

// WatchdogSweep times out every non-terminal execution whose deadline has
// passed. Returns how many executions it transitioned.
func (d *Dispatcher) WatchdogSweep(now time.Time) (int, error) {
	execs, err := d.store.GetNonTerminalExecutions()
	if err != nil {
		return 0, fmt.Errorf("watchdog sweep: %w", err)
	}

	fired := 0
	for _, exec := range execs {
		if !exec.StartedAt.Add(exec.Timeout).Before(now) {
			continue
		}
		ok, err := d.store.TimeOutExecution(exec.ID, now)
		if err != nil {
			logging.Warnf("dispatch: watchdog could not time out %s: %v", exec.ID, err)
			continue
		}
		if !ok {
			// Backend result committed between the read and the update.
			continue
		}
		fired++
		_ = d.store.LogAction("", "COMMAND_TIMED_OUT", fmt.Sprintf("execution: %s, target: %s", exec.ID, exec.TargetMinionID))
		logging.Warnf("dispatch: execution %s for %s timed out after %s", exec.ID, exec.TargetMinionID, exec.Timeout)
	}
	return fired, nil
}

// RunWatchdog sweeps on the given interval until ctx is done.
func (d *Dispatcher) RunWatchdog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.WatchdogSweep(d.clock.Now()); err != nil {
				logging.Errorf("dispatch: %v", err)
			}
		}
	}
}

// Status returns the execution record for id.
func (d *Dispatcher) Status(id string) (*model.CommandExecution, error) {
	return d.store.GetExecution(id)
}
