package execctx

import (
	"errors"
	"testing"
)

func TestNewValidContext(t *testing.T) {
	ctx, err := New("u1", "t1", "r1", "req1", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.UserID != "u1" || ctx.ConnectionID != "c1" {
		t.Fatalf("fields not preserved: %+v", ctx)
	}
}

func TestNewOptionalConnectionID(t *testing.T) {
	ctx, err := New("u1", "t1", "r1", "req1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.IsolationKey() != "u1" {
		t.Fatalf("expected isolation key u1, got %s", ctx.IsolationKey())
	}
}

func TestIsolationKeyNarrowedByConnection(t *testing.T) {
	ctx, err := New("u1", "t1", "r1", "req1", "c9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.IsolationKey() != "u1/c9" {
		t.Fatalf("expected isolation key u1/c9, got %s", ctx.IsolationKey())
	}
}

func TestNewRejectsEmptyAndSentinelFields(t *testing.T) {
	cases := []struct {
		name string
		args [5]string
	}{
		{"empty user", [5]string{"", "t", "r", "req", ""}},
		{"whitespace user", [5]string{"   ", "t", "r", "req", ""}},
		{"None user", [5]string{"None", "t", "r", "req", ""}},
		{"null thread", [5]string{"u", "null", "r", "req", ""}},
		{"empty run", [5]string{"u", "t", "", "req", ""}},
		{"None run", [5]string{"u", "t", "None", "req", ""}},
		{"empty request", [5]string{"u", "t", "r", "", ""}},
		{"sentinel connection", [5]string{"u", "t", "r", "req", "none"}},
	}

	for _, tc := range cases {
		_, err := New(tc.args[0], tc.args[1], tc.args[2], tc.args[3], tc.args[4])
		if !errors.Is(err, ErrInvalidIdentity) {
			t.Errorf("%s: expected ErrInvalidIdentity, got %v", tc.name, err)
		}
	}
}

func TestNewRejectsReservedRunTokens(t *testing.T) {
	for _, run := range []string{"nil", "undefined", "default", "run_000000"} {
		_, err := New("u", "t", run, "req", "")
		if !errors.Is(err, ErrInvalidIdentity) {
			t.Errorf("run=%q: expected ErrInvalidIdentity, got %v", run, err)
		}
	}
}
