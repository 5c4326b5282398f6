package calls

import (
	"errors"
	"testing"
	"time"
)

func TestCallStatus_TerminalSet(t *testing.T) {
	terminal := map[CallStatus]bool{
		CallStatusInitiated: false,
		CallStatusRinging:   false,
		CallStatusActive:    false,
		CallStatusCompleted: true,
		CallStatusDeclined:  true,
		CallStatusMissed:    true,
		CallStatusFailed:    true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Fatalf("%s: expected terminal=%v, got %v", s, want, got)
		}
	}
}

func TestCanTransition_NothingLeavesTerminal(t *testing.T) {
	all := []CallStatus{
		CallStatusInitiated, CallStatusRinging, CallStatusActive,
		CallStatusCompleted, CallStatusDeclined, CallStatusMissed, CallStatusFailed,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Fatalf("expected %s -> %s to be illegal", from, to)
			}
		}
	}
}

func TestCanTransition_NeverReentersOpenStates(t *testing.T) {
	if CanTransition(CallStatusRinging, CallStatusInitiated) {
		t.Fatalf("ringing -> initiated must be illegal")
	}
	if CanTransition(CallStatusActive, CallStatusRinging) {
		t.Fatalf("active -> ringing must be illegal")
	}
	if CanTransition(CallStatusActive, CallStatusMissed) || CanTransition(CallStatusActive, CallStatusDeclined) {
		t.Fatalf("an answered call cannot become missed or declined")
	}
	if CanTransition(CallStatusRinging, CallStatusCompleted) {
		t.Fatalf("an unanswered call cannot complete")
	}
}

func TestApply_StampsTimestampsOnce(t *testing.T) {
	t0 := time.Unix(1700000000, 0).UTC()
	c := Call{ID: "c1", Status: CallStatusRinging, CreatedAt: t0}

	changed, err := c.Apply(CallStatusActive, t0.Add(5*time.Second), "dev-1", "")
	if err != nil || !changed {
		t.Fatalf("unexpected: changed=%v err=%v", changed, err)
	}
	if c.AnsweredAt == nil || !c.AnsweredAt.Equal(t0.Add(5*time.Second)) || c.AnsweredBy != "dev-1" {
		t.Fatalf("expected answered stamp, got %+v", c)
	}

	changed, err = c.Apply(CallStatusActive, t0.Add(9*time.Second), "dev-2", "")
	if err != nil || changed {
		t.Fatalf("same-status write must be a no-op: changed=%v err=%v", changed, err)
	}
	if c.AnsweredBy != "dev-1" {
		t.Fatalf("answered_by overwritten: %q", c.AnsweredBy)
	}

	if _, err := c.Apply(CallStatusCompleted, t0.Add(65*time.Second), "", "hangup"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.EndedAt == nil || c.EndReason != "hangup" {
		t.Fatalf("expected ended stamp, got %+v", c)
	}
	if c.Duration() != 60*time.Second {
		t.Fatalf("expected 60s duration, got %s", c.Duration())
	}

	_, err = c.Apply(CallStatusFailed, t0.Add(70*time.Second), "", "late")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApply_RejectsUnknownStatus(t *testing.T) {
	c := Call{Status: CallStatusInitiated}
	if _, err := c.Apply(CallStatus("queued"), time.Now(), "", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestLedgerError_Unwraps(t *testing.T) {
	err := error(&LedgerError{Op: "create", Err: ErrCallerBusy})
	if !errors.Is(err, ErrCallerBusy) {
		t.Fatalf("expected to unwrap to ErrCallerBusy")
	}
	if !IsLedgerError(err) {
		t.Fatalf("expected ledger error")
	}
	if err.Error() != "ledger create: caller already has a call in progress" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}
