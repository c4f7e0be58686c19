// Package execctx defines the validated identity tuple that keys every
// session manager and connection in the system. A Context is built once per
// connection attempt and never mutated afterwards.
package execctx

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidIdentity is returned when any identity field is empty or a
	// known placeholder value.
	ErrInvalidIdentity = errors.New("invalid identity field")
)

// forbiddenSentinels are placeholder strings that upstream clients have been
// observed sending instead of real identifiers. They are rejected for every
// field.
var forbiddenSentinels = map[string]bool{
	"None": true,
	"none": true,
	"null": true,
	"NULL": true,
}

// reservedRunTokens are additional placeholders rejected only for the run id,
// where templating bugs tend to surface.
var reservedRunTokens = map[string]bool{
	"nil":        true,
	"undefined":  true,
	"default":    true,
	"run_000000": true,
}

// Context is the immutable isolation key for one connection attempt. It is
// used for lookup and audit labelling only; nothing reads it back for
// authorization decisions.
type Context struct {
	UserID       string
	ThreadID     string
	RunID        string
	RequestID    string
	ConnectionID string // optional, narrows the isolation key per-connection
}

// New validates and constructs a Context. ConnectionID may be empty; every
// other field must be a real identifier.
func New(userID, threadID, runID, requestID, connectionID string) (Context, error) {
	for _, f := range []struct {
		name  string
		value string
	}{
		{"user_id", userID},
		{"thread_id", threadID},
		{"run_id", runID},
		{"request_id", requestID},
	} {
		if err := checkField(f.name, f.value); err != nil {
			return Context{}, err
		}
	}
	if reservedRunTokens[runID] {
		return Context{}, fmt.Errorf("%w: run_id is a reserved placeholder %q", ErrInvalidIdentity, runID)
	}
	if connectionID != "" {
		if err := checkField("connection_id", connectionID); err != nil {
			return Context{}, err
		}
	}

	return Context{
		UserID:       userID,
		ThreadID:     threadID,
		RunID:        runID,
		RequestID:    requestID,
		ConnectionID: connectionID,
	}, nil
}

func checkField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidIdentity, name)
	}
	if forbiddenSentinels[value] {
		return fmt.Errorf("%w: %s is the placeholder %q", ErrInvalidIdentity, name, value)
	}
	return nil
}

// IsolationKey returns the key used to select a session manager: the user id,
// narrowed by the connection id when one was supplied.
func (c Context) IsolationKey() string {
	if c.ConnectionID == "" {
		return c.UserID
	}
	return c.UserID + "/" + c.ConnectionID
}

// String renders the context for log lines and audit records.
func (c Context) String() string {
	return fmt.Sprintf("user=%s thread=%s run=%s request=%s conn=%s",
		c.UserID, c.ThreadID, c.RunID, c.RequestID, c.ConnectionID)
}
