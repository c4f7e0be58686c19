package connstate

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func drive(t *testing.T, m *Machine, path ...State) {
	t.Helper()
	for _, s := range path {
		if !m.Transition(s, "test", false) {
			t.Fatalf("transition to %s failed from %s", s, m.Current())
		}
	}
}

func TestInitialState(t *testing.T) {
	m := NewMachine("c1", 0, nil)
	if m.Current() != StateInitializing {
		t.Fatalf("expected INITIALIZING, got %s", m.Current())
	}
}

func TestLegalHappyPath(t *testing.T) {
	m := NewMachine("c1", 0, nil)
	drive(t, m,
		StateConnecting, StateConnected, StateAuthenticating,
		StateAuthenticated, StateActive, StateIdle, StateActive,
		StateDisconnecting, StateDisconnected, StateTerminated)
	if m.Current() != StateTerminated {
		t.Fatalf("expected TERMINATED, got %s", m.Current())
	}
}

func TestIllegalTransitionRejectedAndStateUnchanged(t *testing.T) {
	m := NewMachine("c1", 0, nil)

	cases := []struct {
		path   []State
		target State
	}{
		{nil, StateActive},
		{nil, StateAuthenticated},
		{[]State{StateConnecting}, StateIdle},
		{[]State{StateConnecting, StateConnected}, StateDegraded},
	}

	for i, tc := range cases {
		m := NewMachine("c1", 0, nil)
		drive(t, m, tc.path...)
		before := m.Current()
		if m.Transition(tc.target, "test", false) {
			t.Errorf("case %d: illegal transition %s -> %s accepted", i, before, tc.target)
		}
		if m.Current() != before {
			t.Errorf("case %d: state changed after rejected transition: %s", i, m.Current())
		}
	}

	if m.Stats().InvalidTransitions != 0 {
		t.Fatal("fresh machine should have zero invalid transitions")
	}
}

func TestInvalidTransitionCounted(t *testing.T) {
	m := NewMachine("c1", 0, nil)
	m.Transition(StateActive, "test", false)
	m.Transition(StateIdle, "test", false)
	if got := m.Stats().InvalidTransitions; got != 2 {
		t.Fatalf("expected 2 invalid transitions recorded, got %d", got)
	}
}

func TestTerminatedHasNoOutgoingTransitions(t *testing.T) {
	m := NewMachine("c1", 0, nil)
	drive(t, m, StateTerminated)
	for _, target := range []State{StateConnecting, StateActive, StateError, StateInitializing} {
		if m.Transition(target, "test", false) {
			t.Fatalf("TERMINATED -> %s accepted; TERMINATED must be terminal", target)
		}
	}
}

func TestForcedTransitionRunsActions(t *testing.T) {
	m := NewMachine("c1", 0, nil)

	// INITIALIZING -> ACTIVE is not in the table, but forced transitions
	// always succeed and run the same entry actions.
	if !m.Transition(StateActive, "admin", true) {
		t.Fatal("forced transition failed")
	}
	if m.Current() != StateActive {
		t.Fatalf("expected ACTIVE, got %s", m.Current())
	}
	if !m.Healthy() {
		t.Fatal("entering ACTIVE must mark the connection healthy")
	}

	// Forced entry into CONNECTING still bumps the attempt counter.
	m2 := NewMachine("c2", 0, nil)
	m2.Transition(StateConnecting, "admin", true)
	if m2.Stats().ConnectAttempts != 1 {
		t.Fatal("forced CONNECTING entry must increment connect attempts")
	}
}

func TestEntryActionsOnConnecting(t *testing.T) {
	m := NewMachine("c1", 0, nil)
	drive(t, m, StateConnecting)
	stats := m.Stats()
	if stats.ConnectAttempts != 1 {
		t.Fatalf("expected 1 connect attempt, got %d", stats.ConnectAttempts)
	}
	if stats.LastAttemptAt.IsZero() {
		t.Fatal("expected attempt timestamp to be stamped")
	}
}

func TestErrorEntryMarksUnhealthy(t *testing.T) {
	m := NewMachine("c1", 0, nil)
	drive(t, m, StateConnecting)
	m.Transition(StateError, "timeout", false)
	if m.Healthy() {
		t.Fatal("entering ERROR must mark the connection unhealthy")
	}
	if err := m.CheckDelivery(); !errors.Is(err, ErrInvalidStateForDelivery) {
		t.Fatalf("delivery from ERROR must fail, got %v", err)
	}
}

func TestErrorRecoveryPath(t *testing.T) {
	m := NewMachine("c1", 0, nil)
	drive(t, m, StateConnecting, StateConnected, StateActive)
	drive(t, m, StateError)
	drive(t, m, StateReconnecting, StateConnected, StateActive)
	if !m.Healthy() {
		t.Fatal("recovered connection must be healthy again")
	}
}

func TestActiveUptimeAccumulatedOnExit(t *testing.T) {
	m := NewMachine("c1", 0, nil)
	base := time.Unix(1000, 0)
	current := base
	m.SetClock(func() time.Time { return current })

	drive(t, m, StateConnecting, StateConnected, StateActive)
	current = base.Add(5 * time.Second)
	drive(t, m, StateIdle)

	if got := m.Stats().ActiveUptime; got != 5*time.Second {
		t.Fatalf("expected 5s uptime, got %v", got)
	}

	// Second active interval adds on.
	drive(t, m, StateActive)
	current = base.Add(8 * time.Second)
	drive(t, m, StateIdle)
	if got := m.Stats().ActiveUptime; got != 8*time.Second {
		t.Fatalf("expected 8s accumulated uptime, got %v", got)
	}
}

func TestDeliveryGate(t *testing.T) {
	m := NewMachine("c1", 0, nil)
	drive(t, m, StateConnecting, StateConnected, StateAuthenticated)

	if err := m.CheckDelivery(); err != nil {
		t.Fatalf("AUTHENTICATED must allow delivery: %v", err)
	}

	drive(t, m, StateActive, StateIdle)
	if err := m.CheckDelivery(); !errors.Is(err, ErrInvalidStateForDelivery) {
		t.Fatalf("IDLE must reject delivery, got %v", err)
	}

	drive(t, m, StateActive)
	if err := m.CheckDelivery(); err != nil {
		t.Fatalf("ACTIVE must allow delivery after leaving IDLE: %v", err)
	}
}

func TestDegradedDeliveryBestEffort(t *testing.T) {
	m := NewMachine("c1", 0.5, nil)
	m.SetRandSource(rand.NewSource(42))
	drive(t, m, StateConnecting, StateConnected, StateActive, StateDegraded)

	var dropped, delivered int
	for i := 0; i < 1000; i++ {
		err := m.CheckDelivery()
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrDegradedDrop):
			dropped++
		default:
			t.Fatalf("unexpected error in DEGRADED: %v", err)
		}
	}

	if dropped == 0 || delivered == 0 {
		t.Fatalf("degraded delivery should be a mix: dropped=%d delivered=%d", dropped, delivered)
	}
	// With rate 0.5 over 1000 sends the drop count should be nowhere near
	// the extremes.
	if dropped < 350 || dropped > 650 {
		t.Fatalf("drop fraction far from configured rate: %d/1000", dropped)
	}
	if m.Stats().DegradedDrops != dropped {
		t.Fatal("degraded drop counter out of sync")
	}
}

func TestDegradedRateZeroNeverDrops(t *testing.T) {
	m := NewMachine("c1", 0, nil)
	drive(t, m, StateConnecting, StateConnected, StateActive, StateDegraded)
	for i := 0; i < 100; i++ {
		if err := m.CheckDelivery(); err != nil {
			t.Fatalf("rate 0 must never drop: %v", err)
		}
	}
}

func TestSetDegradedFailureRateClamped(t *testing.T) {
	m := NewMachine("c1", 0, nil)
	m.SetDegradedFailureRate(1.5)
	drive(t, m, StateConnecting, StateConnected, StateActive, StateDegraded)
	if err := m.CheckDelivery(); !errors.Is(err, ErrDegradedDrop) {
		t.Fatalf("rate clamped to 1 must always drop, got %v", err)
	}
}

func TestSelfTransitionIsNoOp(t *testing.T) {
	m := NewMachine("c1", 0, nil)
	drive(t, m, StateConnecting)
	if !m.Transition(StateConnecting, "dup", false) {
		t.Fatal("self transition should be accepted as a no-op")
	}
	if m.Stats().ConnectAttempts != 1 {
		t.Fatal("self transition must not re-run entry actions")
	}
}
