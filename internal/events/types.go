// Package events defines the typed message envelope exchanged with clients
// and the validator that classifies inbound and outbound events.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Canonical event types
const (
	EventAgentStarted   = "agent_started"
	EventAgentThinking  = "agent_thinking"
	EventAgentCompleted = "agent_completed"
	EventToolExecuting  = "tool_executing"
	EventToolCompleted  = "tool_completed"

	// Connection lifecycle event types
	EventConnectionEstablished = "connection_established"
	EventConnectionClosed      = "connection_closed"
	EventConnectionDegraded    = "connection_degraded"
	EventHeartbeat             = "heartbeat"

	// Error event types
	EventError      = "error"
	EventAgentError = "agent_error"
)

// legacyAliases maps older client spellings to canonical types. Lookups that
// miss both this table and the canonical set are a construction failure, never
// a silent default.
var legacyAliases = map[string]string{
	"agent_start":    EventAgentStarted,
	"agent_begin":    EventAgentStarted,
	"thinking":       EventAgentThinking,
	"agent_thought":  EventAgentThinking,
	"tool_call":      EventToolExecuting,
	"tool_start":     EventToolExecuting,
	"tool_result":    EventToolCompleted,
	"tool_end":       EventToolCompleted,
	"agent_done":     EventAgentCompleted,
	"agent_finished": EventAgentCompleted,
	"ws_connected":   EventConnectionEstablished,
	"ws_closed":      EventConnectionClosed,
	"err":            EventError,
}

// canonicalTypes is the closed vocabulary of event types this subsystem
// produces or accepts.
var canonicalTypes = map[string]bool{
	EventAgentStarted:          true,
	EventAgentThinking:         true,
	EventAgentCompleted:        true,
	EventToolExecuting:         true,
	EventToolCompleted:         true,
	EventConnectionEstablished: true,
	EventConnectionClosed:      true,
	EventConnectionDegraded:    true,
	EventHeartbeat:             true,
	EventError:                 true,
	EventAgentError:            true,
}

// CriticalPath lists the event types whose absence from a run constitutes a
// business-impacting failure, in their expected order.
var CriticalPath = []string{
	EventAgentStarted,
	EventAgentThinking,
	EventToolExecuting,
	EventToolCompleted,
	EventAgentCompleted,
}

var (
	// ErrUnknownEventType is returned when a type string resolves through
	// neither the canonical vocabulary nor the legacy alias table.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrMalformedPayload is returned when an event payload cannot be
	// represented in the wire format.
	ErrMalformedPayload = errors.New("malformed event payload")
)

// forbiddenPayloadKeys are payload keys rejected outright. Clients run in
// browsers, and these keys have been used for prototype-pollution probes.
var forbiddenPayloadKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Event is the wire envelope for a single typed message. Timestamp is
// float seconds since the epoch to match the client protocol.
type Event struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp float64                `json:"timestamp"`
	MessageID string                 `json:"message_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	ThreadID  string                 `json:"thread_id,omitempty"`
}

// Resolve maps an event type string to its canonical form. The second return
// is false when the string is neither canonical nor a known legacy alias.
func Resolve(eventType string) (string, bool) {
	if canonicalTypes[eventType] {
		return eventType, true
	}
	if canonical, ok := legacyAliases[eventType]; ok {
		return canonical, true
	}
	return "", false
}

// New constructs a validated Event with the current timestamp. The type is
// normalized to its canonical spelling and the payload checked for wire
// representability.
func New(eventType string, payload map[string]interface{}) (*Event, error) {
	canonical, ok := Resolve(eventType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	if err := checkPayload(payload); err != nil {
		return nil, err
	}

	return &Event{
		Type:      canonical,
		Payload:   payload,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}, nil
}

// ParseEnvelope decodes a wire envelope and applies the same construction
// checks as New. Unresolvable types and malformed payloads are hard failures.
func ParseEnvelope(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	canonical, ok := Resolve(evt.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, evt.Type)
	}
	evt.Type = canonical

	if err := checkPayload(evt.Payload); err != nil {
		return nil, err
	}
	return &evt, nil
}

// Marshal renders the event back into its wire form.
func (e *Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return data, nil
}

// checkPayload rejects payloads that cannot round-trip through the wire
// format: non-finite numbers, forbidden keys and non-serializable values.
func checkPayload(payload map[string]interface{}) error {
	for key, value := range payload {
		if forbiddenPayloadKeys[key] {
			return fmt.Errorf("%w: forbidden key %q", ErrMalformedPayload, key)
		}
		if err := checkValue(key, value); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(path string, value interface{}) error {
	switch v := value.(type) {
	case nil, string, bool, int, int32, int64, uint, uint32, uint64, json.Number:
		return nil
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: non-finite number at %q", ErrMalformedPayload, path)
		}
		return nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite number at %q", ErrMalformedPayload, path)
		}
		return nil
	case map[string]interface{}:
		for key, nested := range v {
			if forbiddenPayloadKeys[key] {
				return fmt.Errorf("%w: forbidden key %q at %q", ErrMalformedPayload, key, path)
			}
			if err := checkValue(path+"."+key, nested); err != nil {
				return err
			}
		}
		return nil
	case []interface{}:
		for i, nested := range v {
			if err := checkValue(fmt.Sprintf("%s[%d]", path, i), nested); err != nil {
				return err
			}
		}
		return nil
	default:
		// Unusual but possibly serializable value (time.Time, custom
		// structs). Let the JSON encoder decide.
		if _, err := json.Marshal(value); err != nil {
			return fmt.Errorf("%w: non-serializable value at %q: %v", ErrMalformedPayload, path, err)
		}
		return nil
	}
}
