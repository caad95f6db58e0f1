package model

import "testing"

func TestMinionStateTerminal(t *testing.T) {
	cases := []struct {
		state MinionState
		want  bool
	}{
		{MinionPending, false},
		{MinionAccepted, true},
		{MinionRejected, true},
	}
	for _, c := range cases {
		if got := c.state.Terminal(); got != c.want {
			t.Errorf("%s.Terminal() = %v, want %v", c.state, got, c.want)
		}
	}
}

func TestExecStateTerminal(t *testing.T) {
	cases := []struct {
		state ExecState
		want  bool
	}{
		{ExecQueued, false},
		{ExecRunning, false},
		{ExecCompleted, true},
		{ExecFailed, true},
		{ExecTimedOut, true},
	}
	for _, c := range cases {
		if got := c.state.Terminal(); got != c.want {
			t.Errorf("%s.Terminal() = %v, want %v", c.state, got, c.want)
		}
	}
}

func TestMinionIdentityString(t *testing.T) {
	m := MinionIdentity{ID: "web-01", State: MinionPending}
	if got := m.String(); got != "web-01 (pending)" {
		t.Errorf("String() = %q", got)
	}
}
