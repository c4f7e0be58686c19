// Package sessions implements per-user isolated session managers and the
// process-wide factory that manufactures and bounds them.
package sessions

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/streamgate/internal/connstate"
	"github.com/codefionn/streamgate/internal/logger"
	"github.com/codefionn/streamgate/internal/transport"
)

// Connection is one live transport channel owned by exactly one Manager. The
// owning Manager is the only writer of its state.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	tr      transport.Transport
	machine *connstate.Machine
	log     *logger.Logger

	mu           sync.RWMutex
	lastActivity time.Time
	metadata     map[string]interface{}
	sendFailures int
}

// NewConnection wraps an established transport for the given user. An empty
// id gets a fresh uuid.
func NewConnection(id, userID string, tr transport.Transport, degradedFailureRate float64, log *logger.Logger) *Connection {
	if id == "" {
		id = uuid.NewString()
	}
	if log == nil {
		log = logger.Global()
	}
	now := time.Now()
	return &Connection{
		ID:           id,
		UserID:       userID,
		ConnectedAt:  now,
		lastActivity: now,
		tr:           tr,
		machine:      connstate.NewMachine(id, degradedFailureRate, log),
		log:          log.WithPrefix("conn"),
		metadata:     make(map[string]interface{}),
	}
}

// Machine exposes the connection's state machine for lifecycle driving.
func (c *Connection) Machine() *connstate.Machine {
	return c.machine
}

// State returns the current lifecycle state.
func (c *Connection) State() connstate.State {
	return c.machine.Current()
}

// Deliver writes one envelope through the delivery gate. Failures outside the
// gate are surfaced, never silently dropped.
func (c *Connection) Deliver(data []byte) error {
	if err := c.machine.CheckDelivery(); err != nil {
		return err
	}
	if err := c.tr.Write(data); err != nil {
		c.mu.Lock()
		c.sendFailures++
		c.mu.Unlock()
		return fmt.Errorf("write to connection %s failed: %w", c.ID, err)
	}
	c.Touch()
	return nil
}

// Touch stamps the last-activity time.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the last-activity time.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// SendFailures returns the number of failed transport writes.
func (c *Connection) SendFailures() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sendFailures
}

// SetMetadata attaches a free-form attribute to the connection.
func (c *Connection) SetMetadata(key string, value interface{}) {
	c.mu.Lock()
	c.metadata[key] = value
	c.mu.Unlock()
}

// Metadata returns a copy of the connection's attributes.
func (c *Connection) Metadata() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// Close drives the connection to TERMINATED and closes the transport.
// Idempotent.
func (c *Connection) Close() {
	if c.machine.Current() != connstate.StateTerminated {
		c.machine.Transition(connstate.StateTerminated, "close", true)
	}
	if c.tr != nil {
		if err := c.tr.Close(); err != nil && err != transport.ErrClosed {
			c.log.Debug("transport close for %s: %v", c.ID, err)
		}
	}
}
