// Package connstate implements the finite-state machine that governs the
// legal lifecycle of a single transport connection. All transitions for one
// machine are serialized; illegal transitions are rejected and recorded, never
// silently applied.
package connstate

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/codefionn/streamgate/internal/logger"
)

// State is a connection lifecycle state.
type State int

const (
	// StateInitializing is the sole initial state.
	StateInitializing State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateActive
	StateIdle
	StateDegraded
	StateReconnecting
	StateDisconnecting
	StateDisconnected
	StateError
	// StateTerminated is the sole terminal state; it has no outgoing
	// transitions, not even forced re-entry side effects.
	StateTerminated
)

// String returns the string representation of a state
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateActive:
		return "ACTIVE"
	case StateIdle:
		return "IDLE"
	case StateDegraded:
		return "DEGRADED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateError:
		return "ERROR"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// transitions is the legal transition table. A target absent from the
// current state's row is rejected unless forced.
var transitions = map[State][]State{
	StateInitializing:   {StateConnecting, StateError, StateTerminated},
	StateConnecting:     {StateConnected, StateError, StateReconnecting, StateTerminated},
	StateConnected:      {StateAuthenticating, StateAuthenticated, StateActive, StateDisconnecting, StateError},
	StateAuthenticating: {StateAuthenticated, StateError, StateDisconnecting},
	StateAuthenticated:  {StateActive, StateIdle, StateDisconnecting, StateError},
	StateActive:         {StateIdle, StateDegraded, StateDisconnecting, StateReconnecting, StateError},
	StateIdle:           {StateActive, StateDisconnecting, StateError},
	StateDegraded:       {StateActive, StateReconnecting, StateError, StateDisconnecting},
	StateReconnecting:   {StateConnecting, StateConnected, StateError, StateTerminated},
	StateDisconnecting:  {StateDisconnected, StateError},
	StateDisconnected:   {StateConnecting, StateTerminated},
	StateError:          {StateConnecting, StateReconnecting, StateTerminated},
	StateTerminated:     {},
}

// deliveryStates are the states in which message delivery is permitted.
var deliveryStates = map[State]bool{
	StateActive:        true,
	StateAuthenticated: true,
	StateDegraded:      true,
}

var (
	// ErrInvalidStateForDelivery is returned when a send is attempted
	// while the connection is not delivery-ready.
	ErrInvalidStateForDelivery = errors.New("invalid state for delivery")
	// ErrDegradedDrop is returned when the degraded-delivery policy drops
	// a send. Callers must treat it as retryable.
	ErrDegradedDrop = errors.New("send dropped by degraded delivery policy")
)

// Stats is a point-in-time snapshot of a machine's counters.
type Stats struct {
	State              string        `json:"state"`
	Healthy            bool          `json:"healthy"`
	ConnectAttempts    int           `json:"connect_attempts"`
	InvalidTransitions int           `json:"invalid_transitions"`
	DegradedDrops      int           `json:"degraded_drops"`
	ActiveUptime       time.Duration `json:"active_uptime"`
	LastAttemptAt      time.Time     `json:"last_attempt_at,omitempty"`
}

// Machine drives one connection through its lifecycle. The zero value is not
// usable; construct with NewMachine.
type Machine struct {
	mu      sync.Mutex
	id      string
	current State
	log     *logger.Logger
	now     func() time.Time

	// degraded-delivery policy
	degradedFailureRate float64
	rng                 *rand.Rand

	// counters and accounting maintained by entry/exit actions
	connectAttempts    int
	invalidTransitions int
	degradedDrops      int
	healthy            bool
	lastAttemptAt      time.Time
	activeSince        time.Time
	activeUptime       time.Duration
}

// NewMachine creates a machine in INITIALIZING for the given connection id.
// degradedFailureRate is the fraction of sends dropped while DEGRADED, in
// [0, 1].
func NewMachine(connectionID string, degradedFailureRate float64, log *logger.Logger) *Machine {
	if log == nil {
		log = logger.Global()
	}
	if degradedFailureRate < 0 {
		degradedFailureRate = 0
	}
	if degradedFailureRate > 1 {
		degradedFailureRate = 1
	}
	return &Machine{
		id:                  connectionID,
		current:             StateInitializing,
		log:                 log.WithPrefix("fsm"),
		now:                 time.Now,
		degradedFailureRate: degradedFailureRate,
		rng:                 rand.New(rand.NewSource(time.Now().UnixNano())),
		healthy:             true,
	}
}

// SetClock overrides the machine's time source. Test use only.
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetRandSource overrides the degraded-policy randomness. Test use only.
func (m *Machine) SetRandSource(src rand.Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rng = rand.New(src)
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Healthy reports whether the connection is considered healthy.
func (m *Machine) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Transition attempts a state change. Without force, targets outside the
// legal table are rejected, logged, counted and leave the state unchanged.
// With force, any transition is applied; forced transitions run the same
// entry/exit actions as legal ones.
func (m *Machine) Transition(target State, trigger string, force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if target == m.current {
		// Self-transition is a no-op, not an error.
		return true
	}

	if !force && !legal(m.current, target) {
		m.invalidTransitions++
		m.log.Warn("conn %s: invalid transition %s -> %s (trigger: %s)",
			m.id, m.current, target, trigger)
		return false
	}

	from := m.current
	m.runExit(from)
	m.current = target
	m.runEntry(target)

	m.log.Debug("conn %s: %s -> %s (trigger: %s, forced: %v)", m.id, from, target, trigger, force)
	return true
}

func legal(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func (m *Machine) runExit(from State) {
	switch from {
	case StateActive:
		if !m.activeSince.IsZero() {
			m.activeUptime += m.now().Sub(m.activeSince)
			m.activeSince = time.Time{}
		}
	}
}

func (m *Machine) runEntry(to State) {
	switch to {
	case StateConnecting:
		m.connectAttempts++
		m.lastAttemptAt = m.now()
	case StateActive:
		m.activeSince = m.now()
		m.healthy = true
	case StateAuthenticated:
		m.healthy = true
	case StateDegraded:
		m.log.Warn("conn %s: entering degraded delivery (failure rate %.2f)", m.id, m.degradedFailureRate)
	case StateError:
		m.healthy = false
	case StateTerminated:
		m.healthy = false
	}
}

// CheckDelivery gates a send against the current state. In DEGRADED the
// configured fraction of sends fails with ErrDegradedDrop; callers retry.
func (m *Machine) CheckDelivery() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !deliveryStates[m.current] {
		return fmt.Errorf("%w: connection %s is %s", ErrInvalidStateForDelivery, m.id, m.current)
	}
	if m.current == StateDegraded && m.rng.Float64() < m.degradedFailureRate {
		m.degradedDrops++
		return fmt.Errorf("%w: connection %s", ErrDegradedDrop, m.id)
	}
	return nil
}

// SetDegradedFailureRate updates the degraded-delivery drop fraction,
// clamped to [0, 1]. Safe to call while the connection is live.
func (m *Machine) SetDegradedFailureRate(rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	m.degradedFailureRate = rate
}

// Stats returns a snapshot of the machine's counters.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	uptime := m.activeUptime
	if !m.activeSince.IsZero() {
		uptime += m.now().Sub(m.activeSince)
	}
	return Stats{
		State:              m.current.String(),
		Healthy:            m.healthy,
		ConnectAttempts:    m.connectAttempts,
		InvalidTransitions: m.invalidTransitions,
		DegradedDrops:      m.degradedDrops,
		ActiveUptime:       uptime,
		LastAttemptAt:      m.lastAttemptAt,
	}
}
