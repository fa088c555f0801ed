package stack

import (
	"strings"
	"testing"
	"time"
)

func TestStateString(t *testing.T) {
	s := State{Action: ActionCreate, Status: StatusComplete}
	if s.String() != "CREATE_COMPLETE" {
		t.Errorf("got %q", s.String())
	}
}

func TestParseState(t *testing.T) {
	s, err := ParseState("UPDATE_IN_PROGRESS")
	if err != nil {
		t.Fatalf("ParseState failed: %v", err)
	}
	if s.Action != ActionUpdate || s.Status != StatusInProgress {
		t.Errorf("got %+v", s)
	}

	if _, err := ParseState("BOGUS"); err == nil {
		t.Error("expected an error for invalid state")
	}
	if _, err := ParseState("FLY_COMPLETE"); err == nil {
		t.Error("expected an error for invalid action")
	}
}

func TestCanStartTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		action  Action
		wantErr string
	}{
		{
			name:   "create from init",
			from:   NewState(),
			action: ActionCreate,
		},
		{
			name:    "create twice",
			from:    State{ActionCreate, StatusComplete},
			action:  ActionCreate,
			wantErr: "cannot create",
		},
		{
			name:    "update while in progress",
			from:    State{ActionCreate, StatusInProgress},
			action:  ActionUpdate,
			wantErr: "in progress",
		},
		{
			name:   "update after failed create",
			from:   State{ActionCreate, StatusFailed},
			action: ActionUpdate,
		},
		{
			name:   "update after update",
			from:   State{ActionUpdate, StatusComplete},
			action: ActionUpdate,
		},
		{
			name:    "update before create",
			from:    NewState(),
			action:  ActionUpdate,
			wantErr: "never created",
		},
		{
			name:   "delete after failed update",
			from:   State{ActionUpdate, StatusFailed},
			action: ActionDelete,
		},
		{
			name:   "delete a deleted stack",
			from:   State{ActionDelete, StatusComplete},
			action: ActionDelete,
		},
		{
			name:    "update a deleted stack",
			from:    State{ActionDelete, StatusComplete},
			action:  ActionUpdate,
			wantErr: "deleted stack",
		},
		{
			name:   "suspend healthy stack",
			from:   State{ActionCreate, StatusComplete},
			action: ActionSuspend,
		},
		{
			name:    "suspend failed stack",
			from:    State{ActionCreate, StatusFailed},
			action:  ActionSuspend,
			wantErr: "cannot suspend",
		},
		{
			name:   "resume suspended stack",
			from:   State{ActionSuspend, StatusComplete},
			action: ActionResume,
		},
		{
			name:    "resume running stack",
			from:    State{ActionCreate, StatusComplete},
			action:  ActionResume,
			wantErr: "cannot resume",
		},
		{
			name:    "check suspended stack",
			from:    State{ActionSuspend, StatusComplete},
			action:  ActionCheck,
			wantErr: "suspended",
		},
		{
			name:   "rollback failed update",
			from:   State{ActionUpdate, StatusFailed},
			action: ActionRollback,
		},
		{
			name:    "rollback complete stack",
			from:    State{ActionUpdate, StatusComplete},
			action:  ActionRollback,
			wantErr: "cannot rollback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.from.CanStart(tt.action)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestStateHelpers(t *testing.T) {
	if !(State{ActionDelete, StatusComplete}).IsDeleted() {
		t.Error("DELETE_COMPLETE should be deleted")
	}
	if !(State{ActionSuspend, StatusComplete}).IsSuspended() {
		t.Error("SUSPEND_COMPLETE should be suspended")
	}
	if !(State{ActionRollback, StatusComplete}).IsHealthy() {
		t.Error("ROLLBACK_COMPLETE should be healthy")
	}
	if (State{ActionDelete, StatusComplete}).IsHealthy() {
		t.Error("DELETE_COMPLETE should not be healthy")
	}
	if (State{ActionCreate, StatusInProgress}).IsTerminal() {
		t.Error("IN_PROGRESS should not be terminal")
	}
}

func TestLockStaleness(t *testing.T) {
	now := time.Now()
	fresh := &Lock{StackID: "s", EngineID: "e", Action: ActionCreate, CreatedAt: now}
	if fresh.IsStale(now) {
		t.Error("fresh lock reported stale")
	}
	old := &Lock{StackID: "s", EngineID: "e", Action: ActionCreate, CreatedAt: now.Add(-StaleAfter - time.Minute)}
	if !old.IsStale(now) {
		t.Error("old lock not reported stale")
	}
}
