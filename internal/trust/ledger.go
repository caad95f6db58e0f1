// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package trust

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fleetwarden/fleetwarden/internal/db"
	"github.com/fleetwarden/fleetwarden/internal/logging"
	"github.com/fleetwarden/fleetwarden/internal/model"
)

// Ledger owns the minion identity records. Accept and Reject are the only
// mutating operations; both run under a per-identity mutex so two racing
// deciders cannot both commit. Identities are never physically deleted here;
// purge is an administrative concern outside the ledger.
type Ledger struct {
	store    db.Store
	verifier *Verifier
	backend  Backend
	clock    Clock

	locks sync.Map // minion id -> *sync.Mutex
}

// NewLedger constructs a Ledger around the given store and trust backend.
func NewLedger(store db.Store, backend Backend) *Ledger {
	return &Ledger{
		store:    store,
		verifier: NewVerifier(backend),
		backend:  backend,
		clock:    systemClock{},
	}
}

// SetClock replaces the ledger's clock. Tests may set a fake clock.
func (l *Ledger) SetClock(c Clock) { l.clock = c }

// lockFor returns the mutex dedicated to one identity. Locks are scoped per
// id so decisions on different minions never serialize on each other.
func (l *Ledger) lockFor(id string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// RecordPending registers a first-seen handshake. It is idempotent for a
// repeated (id, fingerprint) pair and returns a ConflictError when the id is
// already bound to a different fingerprint, whatever its state.
func (l *Ledger) RecordPending(id, fingerprint string) (*model.MinionIdentity, error) {
	mu := l.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	existing, err := l.store.GetMinion(id)
	switch {
	case err == nil:
		if existing.Fingerprint != fingerprint {
			return nil, &ConflictError{ID: id, Existing: existing.Fingerprint, Claimed: fingerprint}
		}
		// Same pair presented again: no-op, whatever the current state.
		return existing, nil
	case errors.Is(err, db.ErrNotFound):
		// First handshake for this id.
	default:
		return nil, fmt.Errorf("handshake lookup for %s: %w", id, err)
	}

	now := l.clock.Now()
	if err := l.store.InsertPendingMinion(id, fingerprint, now); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			// Lost an insert race; re-read and apply the same rules.
			return l.reloadAfterInsertRace(id, fingerprint)
		}
		return nil, fmt.Errorf("record pending %s: %w", id, err)
	}
	_ = l.store.LogAction("", "MINION_HANDSHAKE", fmt.Sprintf("id: %s, fingerprint: %s", id, fingerprint))
	logging.Infof("trust: new pending minion %s (%s)", id, fingerprint)

	return &model.MinionIdentity{
		ID:          id,
		Fingerprint: fingerprint,
		State:       model.MinionPending,
		FirstSeenAt: now,
	}, nil
}

func (l *Ledger) reloadAfterInsertRace(id, fingerprint string) (*model.MinionIdentity, error) {
	existing, err := l.store.GetMinion(id)
	if err != nil {
		return nil, fmt.Errorf("reload after insert race for %s: %w", id, err)
	}
	if existing.Fingerprint != fingerprint {
		return nil, &ConflictError{ID: id, Existing: existing.Fingerprint, Claimed: fingerprint}
	}
	return existing, nil
}

// Accept verifies the fingerprint, performs the external fleet admission and
// commits Pending -> Accepted. The ledger transition is committed only after
// the admission side effect acknowledges success; on side-effect failure the
// record stays Pending so the caller may retry.
func (l *Ledger) Accept(ctx context.Context, id, fingerprint, operator string) (*model.MinionIdentity, error) {
	mu := l.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	m, err := l.store.GetMinion(id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("accept %s: %w", id, db.ErrNotFound)
		}
		return nil, fmt.Errorf("accept lookup for %s: %w", id, err)
	}
	if m.State.Terminal() {
		return nil, &AlreadyDecidedError{ID: id, State: m.State}
	}
	if m.Fingerprint != fingerprint {
		return nil, &ConflictError{ID: id, Existing: m.Fingerprint, Claimed: fingerprint}
	}

	result, err := l.verifier.Verify(ctx, id, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("accept %s: %w", id, err)
	}
	switch result {
	case Mismatch:
		backendFP, _ := l.backend.LookupFingerprint(ctx, id)
		return nil, &ConflictError{ID: id, Existing: backendFP, Claimed: fingerprint}
	case Unknown:
		return nil, fmt.Errorf("accept %s: %w", id, ErrUnknownIdentity)
	}

	// Admission must succeed before the local transition commits. The
	// backend call is idempotent, so a retry after a transient failure is
	// safe.
	if err := l.backend.AdmitToFleet(ctx, id); err != nil {
		logging.Warnf("trust: fleet admission for %s failed, identity stays pending: %v", id, err)
		return nil, fmt.Errorf("fleet admission for %s: %w", id, err)
	}

	now := l.clock.Now()
	ok, err := l.store.DecideMinion(id, model.MinionAccepted, operator, now)
	if err != nil {
		return nil, fmt.Errorf("commit accept for %s: %w", id, err)
	}
	if !ok {
		// Guarded update matched nothing: decided concurrently outside this
		// process. The admission side effect is idempotent, nothing to undo.
		decided, derr := l.store.GetMinion(id)
		if derr != nil {
			return nil, fmt.Errorf("accept %s: lost decision race and reload failed: %w", id, derr)
		}
		return nil, &AlreadyDecidedError{ID: id, State: decided.State}
	}

	_ = l.store.LogAction(operator, "MINION_ACCEPTED", fmt.Sprintf("id: %s, fingerprint: %s", id, fingerprint))
	logging.Infof("trust: %s accepted by %s", id, operator)

	accepted := *m
	accepted.State = model.MinionAccepted
	accepted.DecidedAt = now
	accepted.DecidedBy = operator
	return &accepted, nil
}

// Reject commits Pending -> Rejected. Rejection has no downstream side
// effect, so once the pending state is confirmed under the per-id lock it
// always succeeds.
func (l *Ledger) Reject(id, operator string) (*model.MinionIdentity, error) {
	mu := l.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	m, err := l.store.GetMinion(id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("reject %s: %w", id, db.ErrNotFound)
		}
		return nil, fmt.Errorf("reject lookup for %s: %w", id, err)
	}
	if m.State.Terminal() {
		return nil, &AlreadyDecidedError{ID: id, State: m.State}
	}

	now := l.clock.Now()
	ok, err := l.store.DecideMinion(id, model.MinionRejected, operator, now)
	if err != nil {
		return nil, fmt.Errorf("commit reject for %s: %w", id, err)
	}
	if !ok {
		decided, derr := l.store.GetMinion(id)
		if derr != nil {
			return nil, fmt.Errorf("reject %s: lost decision race and reload failed: %w", id, derr)
		}
		return nil, &AlreadyDecidedError{ID: id, State: decided.State}
	}

	_ = l.store.LogAction(operator, "MINION_REJECTED", fmt.Sprintf("id: %s", id))
	logging.Infof("trust: %s rejected by %s", id, operator)

	rejected := *m
	rejected.State = model.MinionRejected
	rejected.DecidedAt = now
	rejected.DecidedBy = operator
	return &rejected, nil
}

// Status returns the identity record for id.
func (l *Ledger) Status(id string) (*model.MinionIdentity, error) {
	m, err := l.store.GetMinion(id)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// List returns all identity records, oldest handshake first.
func (l *Ledger) List() ([]model.MinionIdentity, error) {
	return l.store.GetAllMinions()
}

// IsAccepted reports whether id is an admitted fleet member.
func (l *Ledger) IsAccepted(id string) (bool, error) {
	m, err := l.store.GetMinion(id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return m.State == model.MinionAccepted, nil
}
