package db

import (
	"testing"
	"time"

	"github.com/fleetwarden/fleetwarden/internal/model"
)

// newTestStore opens a fresh in-memory SQLite store for one test.
func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewStoreFromDSN("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	return s
}

func TestInsertPendingMinionAndGet(t *testing.T) {
	s := newTestStore(t)
	seen := time.Now().UTC().Truncate(time.Second)

	if err := s.InsertPendingMinion("web-01", "SHA256:abc", seen); err != nil {
		t.Fatalf("insert: %v", err)
	}

	m, err := s.GetMinion("web-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.State != model.MinionPending {
		t.Errorf("state = %s, want pending", m.State)
	}
	if m.Fingerprint != "SHA256:abc" {
		t.Errorf("fingerprint = %q", m.Fingerprint)
	}
	if !m.DecidedAt.IsZero() {
		t.Errorf("DecidedAt should be zero before decision")
	}
}

func TestInsertPendingMinionDuplicate(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	if err := s.InsertPendingMinion("web-01", "SHA256:abc", now); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.InsertPendingMinion("web-01", "SHA256:other", now)
	if err != ErrDuplicate {
		t.Fatalf("second insert err = %v, want ErrDuplicate", err)
	}
}

func TestGetMinionNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetMinion("ghost"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDecideMinionGuardsOnPending(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	if err := s.InsertPendingMinion("web-01", "SHA256:abc", now); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := s.DecideMinion("web-01", model.MinionAccepted, "alice", now)
	if err != nil || !ok {
		t.Fatalf("first decide: ok=%v err=%v", ok, err)
	}

	// A second decision, accept or reject, must affect nothing.
	ok, err = s.DecideMinion("web-01", model.MinionRejected, "bob", now)
	if err != nil {
		t.Fatalf("second decide: %v", err)
	}
	if ok {
		t.Fatalf("second decide committed; accepted state must be final")
	}

	m, err := s.GetMinion("web-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.State != model.MinionAccepted || m.DecidedBy != "alice" {
		t.Errorf("record mutated after terminal state: %+v", m)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	start := time.Now().UTC().Truncate(time.Second)
	exec := model.CommandExecution{
		ID:             "exec-1",
		TargetMinionID: "web-01",
		Payload:        `{"cmd":"uptime"}`,
		State:          model.ExecQueued,
		StartedAt:      start,
		Timeout:        30 * time.Second,
	}
	if err := s.InsertExecution(exec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := s.MarkExecutionRunning("exec-1")
	if err != nil || !ok {
		t.Fatalf("mark running: ok=%v err=%v", ok, err)
	}
	// Duplicate ack is a no-op.
	ok, err = s.MarkExecutionRunning("exec-1")
	if err != nil {
		t.Fatalf("duplicate ack: %v", err)
	}
	if ok {
		t.Fatalf("duplicate ack affected a row")
	}

	code := 0
	finished := start.Add(2 * time.Second)
	ok, err = s.FinishExecution("exec-1", model.ExecRunning, model.ExecCompleted, &code, "ok\n", false, finished)
	if err != nil || !ok {
		t.Fatalf("finish: ok=%v err=%v", ok, err)
	}

	// A late watchdog must lose the race.
	ok, err = s.TimeOutExecution("exec-1", finished.Add(time.Minute))
	if err != nil {
		t.Fatalf("late timeout: %v", err)
	}
	if ok {
		t.Fatalf("timeout resurrected a terminal execution")
	}

	got, err := s.GetExecution("exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.ExecCompleted {
		t.Errorf("state = %s", got.State)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit code = %v", got.ExitCode)
	}
	if got.FinishedAt.IsZero() {
		t.Errorf("FinishedAt not set on terminal state")
	}
	if got.Timeout != 30*time.Second {
		t.Errorf("timeout round trip = %s", got.Timeout)
	}
}

func TestTimeOutExecutionFromQueued(t *testing.T) {
	s := newTestStore(t)
	start := time.Now().UTC()
	exec := model.CommandExecution{
		ID:             "exec-2",
		TargetMinionID: "web-01",
		Payload:        "{}",
		State:          model.ExecQueued,
		StartedAt:      start,
		Timeout:        time.Second,
	}
	if err := s.InsertExecution(exec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := s.TimeOutExecution("exec-2", start.Add(2*time.Second))
	if err != nil || !ok {
		t.Fatalf("timeout from queued: ok=%v err=%v", ok, err)
	}

	// The backend result arriving afterwards must be discarded.
	code := 0
	ok, err = s.FinishExecution("exec-2", model.ExecRunning, model.ExecCompleted, &code, "", false, time.Now())
	if err != nil {
		t.Fatalf("late result: %v", err)
	}
	if ok {
		t.Fatalf("late result overwrote timed_out state")
	}
}

func TestGetNonTerminalExecutions(t *testing.T) {
	s := newTestStore(t)
	start := time.Now().UTC()
	for _, e := range []model.CommandExecution{
		{ID: "a", TargetMinionID: "m", Payload: "{}", State: model.ExecQueued, StartedAt: start, Timeout: time.Second},
		{ID: "b", TargetMinionID: "m", Payload: "{}", State: model.ExecQueued, StartedAt: start.Add(time.Second), Timeout: time.Second},
	} {
		if err := s.InsertExecution(e); err != nil {
			t.Fatalf("insert %s: %v", e.ID, err)
		}
	}
	if _, err := s.TimeOutExecution("a", start.Add(time.Minute)); err != nil {
		t.Fatalf("timeout: %v", err)
	}

	open, err := s.GetNonTerminalExecutions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 || open[0].ID != "b" {
		t.Errorf("non-terminal = %+v, want just b", open)
	}
}

func TestBackupRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	start := time.Now().UTC().Truncate(time.Second)
	run := model.BackupRun{
		ID:               "run-1",
		RepositoryTarget: "sftp://backups/fleet",
		StartedAt:        start,
		Outcome:          model.BackupRunning,
	}
	if err := s.InsertBackupRun(run); err != nil {
		t.Fatalf("insert: %v", err)
	}

	open, err := s.GetUnfinishedBackupRuns()
	if err != nil {
		t.Fatalf("unfinished: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("unfinished = %d, want 1", len(open))
	}

	if err := s.FinishBackupRun("run-1", model.BackupInitialized, "", start.Add(time.Minute)); err != nil {
		t.Fatalf("finish: %v", err)
	}

	last, err := s.GetLastBackupRun("sftp://backups/fleet")
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if last.Outcome != model.BackupInitialized {
		t.Errorf("outcome = %s", last.Outcome)
	}

	open, err = s.GetUnfinishedBackupRuns()
	if err != nil {
		t.Fatalf("unfinished after finish: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("unfinished after finish = %d", len(open))
	}
}

func TestAuditLogOrder(t *testing.T) {
	s := newTestStore(t)
	if err := s.LogAction("alice", "MINION_ACCEPTED", "web-01"); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := s.LogAction("bob", "COMMAND_DISPATCHED", "web-01"); err != nil {
		t.Fatalf("log: %v", err)
	}

	entries, err := s.GetAllAuditLogEntries()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Action != "COMMAND_DISPATCHED" {
		t.Errorf("most recent first expected, got %+v", entries[0])
	}
}

func TestMapDBError(t *testing.T) {
	if MapDBError(nil) != nil {
		t.Errorf("nil should map to nil")
	}
	if err := MapDBError(errDuplicateLike{}); err != ErrDuplicate {
		t.Errorf("unique violation should map to ErrDuplicate, got %v", err)
	}
}

type errDuplicateLike struct{}

func (errDuplicateLike) Error() string { return "UNIQUE constraint failed: minions.id" }
