package sessions

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/streamgate/internal/events"
	"github.com/codefionn/streamgate/internal/execctx"
	"github.com/codefionn/streamgate/internal/logger"
)

var (
	// ErrOwnershipMismatch is returned when a connection owned by another
	// user is registered against a manager. The central security
	// invariant: this must fail loudly, never be accepted.
	ErrOwnershipMismatch = errors.New("connection ownership mismatch")
	// ErrManagerClosed is returned for operations on a deactivated manager.
	ErrManagerClosed = errors.New("session manager closed")
)

// DeliveryResult is the per-connection outcome of a fan-out send.
type DeliveryResult struct {
	ConnectionID string
	Err          error
}

// Manager owns every connection for one isolation key. Managers for
// different keys share nothing mutable; no operation on one manager can
// observe another's connections or counters.
type Manager struct {
	ctx       execctx.Context
	key       string
	validator *events.Validator
	log       *logger.Logger

	mu           sync.RWMutex
	connections  map[string]*Connection
	active       bool
	createdAt    time.Time
	lastActivity time.Time
	totalAdded   int
}

// NewManager creates an active manager for the context's isolation key.
func NewManager(ctx execctx.Context, validator *events.Validator, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Global()
	}
	if validator == nil {
		validator = events.NewValidator(log)
	}
	now := time.Now()
	return &Manager{
		ctx:          ctx,
		key:          ctx.IsolationKey(),
		validator:    validator,
		log:          log.WithPrefix("manager"),
		connections:  make(map[string]*Connection),
		active:       true,
		createdAt:    now,
		lastActivity: now,
	}
}

// Context returns the execution context this manager was created for.
func (m *Manager) Context() execctx.Context {
	return m.ctx
}

// IsolationKey returns the key this manager is registered under.
func (m *Manager) IsolationKey() string {
	return m.key
}

// Active reports whether the manager still accepts operations.
func (m *Manager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// AddConnection registers a connection with this manager. A connection whose
// owning user differs from the manager's is rejected loudly.
func (m *Manager) AddConnection(conn *Connection) error {
	if conn.UserID != m.ctx.UserID {
		m.log.Error("SECURITY: refused connection %s owned by %q on manager for %q",
			conn.ID, conn.UserID, m.ctx.UserID)
		return fmt.Errorf("%w: connection user %q, manager user %q",
			ErrOwnershipMismatch, conn.UserID, m.ctx.UserID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return ErrManagerClosed
	}
	m.connections[conn.ID] = conn
	m.totalAdded++
	m.lastActivity = time.Now()
	m.log.Debug("manager %s: connection %s registered (%d live)", m.key, conn.ID, len(m.connections))
	return nil
}

// RemoveConnection deregisters and closes a connection. Unknown ids are a
// no-op.
func (m *Manager) RemoveConnection(id string) {
	m.mu.Lock()
	conn, ok := m.connections[id]
	if ok {
		delete(m.connections, id)
		m.lastActivity = time.Now()
	}
	m.mu.Unlock()

	if ok {
		conn.Close()
		m.log.Debug("manager %s: connection %s removed", m.key, id)
	}
}

// Connection returns a registered connection by id.
func (m *Manager) Connection(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[id]
	return conn, ok
}

// ConnectionCount returns the number of live connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// SendToUser validates the event and fans it out to every connection this
// manager owns. Transport writes happen outside the manager's lock. The
// returned slice has one entry per connection attempted.
func (m *Manager) SendToUser(evt *events.Event) ([]DeliveryResult, error) {
	if !m.Active() {
		return nil, ErrManagerClosed
	}

	if _, err := m.validator.ValidateRealtime(m.ctx.UserID, evt); err != nil {
		return nil, err
	}

	data, err := evt.Marshal()
	if err != nil {
		return nil, err
	}

	// Snapshot under the read lock; write outside it.
	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	results := make([]DeliveryResult, 0, len(targets))
	for _, conn := range targets {
		err := conn.Deliver(data)
		if err != nil {
			m.log.Warn("manager %s: delivery of %s to %s failed: %v", m.key, evt.Type, conn.ID, err)
		}
		results = append(results, DeliveryResult{ConnectionID: conn.ID, Err: err})
	}

	m.Touch()
	return results, nil
}

// EmitCriticalEvent builds an event of the given type, stamps the execution
// context onto its payload so receivers can verify provenance, and fans it
// out.
func (m *Manager) EmitCriticalEvent(eventType string, payload map[string]interface{}) ([]DeliveryResult, error) {
	stamped := make(map[string]interface{}, len(payload)+4)
	for k, v := range payload {
		stamped[k] = v
	}
	stamped["user_id"] = m.ctx.UserID
	stamped["thread_id"] = m.ctx.ThreadID
	stamped["run_id"] = m.ctx.RunID
	stamped["request_id"] = m.ctx.RequestID

	evt, err := events.New(eventType, stamped)
	if err != nil {
		return nil, err
	}
	evt.UserID = m.ctx.UserID
	evt.ThreadID = m.ctx.ThreadID

	return m.SendToUser(evt)
}

// Touch stamps the manager's last-activity time.
func (m *Manager) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// LastActivity returns the manager's last-activity time.
func (m *Manager) LastActivity() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActivity
}

// CreatedAt returns the manager's creation time.
func (m *Manager) CreatedAt() time.Time {
	return m.createdAt
}

// TotalConnectionsAdded returns the cumulative number of connections ever
// registered, for audit summaries.
func (m *Manager) TotalConnectionsAdded() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalAdded
}

// Deactivate closes every connection and marks the manager unusable.
// Idempotent; deactivating twice is a safe no-op.
func (m *Manager) Deactivate() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	m.log.Info("manager %s deactivated (%d connections closed)", m.key, len(conns))
}
