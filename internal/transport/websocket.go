package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/streamgate/internal/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 65536
)

// WS adapts a gorilla websocket connection to the Transport interface.
// Writes are serialized; gorilla connections allow one concurrent writer.
type WS struct {
	conn   *websocket.Conn
	log    *logger.Logger
	mu     sync.Mutex
	closed bool
	quit   chan struct{}
}

// NewWS wraps an upgraded websocket connection and starts its keepalive
// pinger.
func NewWS(conn *websocket.Conn, log *logger.Logger) *WS {
	if log == nil {
		log = logger.Global()
	}
	t := &WS{
		conn: conn,
		log:  log.WithPrefix("ws"),
		quit: make(chan struct{}),
	}
	go t.pingLoop()
	return t
}

// Write sends one text frame with a write deadline.
func (t *WS) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and tears the socket down. Safe to call twice.
func (t *WS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.quit)

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.conn.WriteMessage(websocket.CloseMessage, []byte{})
	return t.conn.Close()
}

// RemoteAddr returns the peer address.
func (t *WS) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// ReadLoop pumps inbound frames to handler until the peer disconnects or the
// transport is closed. It applies the read limit and pong deadline handling.
func (t *WS) ReadLoop(handler func(data []byte)) error {
	t.conn.SetReadLimit(maxMessageSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				t.log.Error("read error: %v", err)
				return err
			}
			return nil
		}
		handler(message)
	}
}

func (t *WS) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				return
			}
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.mu.Unlock()
			if err != nil {
				return
			}
		case <-t.quit:
			return
		}
	}
}
