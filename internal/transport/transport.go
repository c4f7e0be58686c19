// Package transport abstracts the bidirectional message channel a connection
// is layered on. The session subsystem never touches framing or TLS; it
// writes and reads opaque envelope bytes.
package transport

import "errors"

// ErrClosed is returned for operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Transport is an established bidirectional message channel.
type Transport interface {
	// Write sends one envelope to the peer.
	Write(data []byte) error
	// Close tears the channel down. Idempotent.
	Close() error
	// RemoteAddr describes the peer for log lines.
	RemoteAddr() string
}
