// Package gateway exposes the session subsystem over HTTP: a websocket
// accept endpoint, the factory stats snapshot, and sequence-validation
// submission. Route handling here is a thin wrapper; all semantics live in
// the sessions, connstate and events packages.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/streamgate/internal/audit"
	"github.com/codefionn/streamgate/internal/config"
	"github.com/codefionn/streamgate/internal/connstate"
	"github.com/codefionn/streamgate/internal/events"
	"github.com/codefionn/streamgate/internal/execctx"
	"github.com/codefionn/streamgate/internal/logger"
	"github.com/codefionn/streamgate/internal/sessions"
	"github.com/codefionn/streamgate/internal/transport"
)

// Authenticator validates a credential and returns the owning user identity.
// Token internals are never processed in this subsystem.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// ErrAuthFailed is returned when the authenticator rejects a credential.
var ErrAuthFailed = errors.New("authentication failed")

// Server is the HTTP/websocket front of the session backend.
type Server struct {
	cfg        *config.Config
	factory    *sessions.Factory
	validator  *events.Validator
	auth       Authenticator
	store      *audit.Store
	log        *logger.Logger
	router     *httprouter.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	// tunables hot-reloaded from the config watcher
	tunablesMu          sync.RWMutex
	degradedFailureRate float64
}

// NewServer wires the gateway. store may be nil when no persistence
// collaborator is attached.
func NewServer(cfg *config.Config, factory *sessions.Factory, auth Authenticator, store *audit.Store, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	s := &Server{
		cfg:       cfg,
		factory:   factory,
		validator: events.NewValidator(log),
		auth:      auth,
		store:     store,
		log:       log.WithPrefix("gateway"),
		router:    httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway sits behind a trusted edge proxy that
			// enforces origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.degradedFailureRate = cfg.DegradedFailureRate
	s.routes()
	return s
}

// SetDegradedFailureRate applies a hot-reloaded degraded-delivery rate to
// connections accepted from now on.
func (s *Server) SetDegradedFailureRate(rate float64) {
	s.tunablesMu.Lock()
	s.degradedFailureRate = rate
	s.tunablesMu.Unlock()
	s.log.Info("degraded failure rate now %.2f", rate)
}

func (s *Server) currentDegradedFailureRate() float64 {
	s.tunablesMu.RLock()
	defer s.tunablesMu.RUnlock()
	return s.degradedFailureRate
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/stats", s.handleStats)
	s.router.GET("/ws", s.handleWebSocket)
	s.router.POST("/runs/:run_id/validate", s.handleSequenceValidate)
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server error: %v", err)
		}
	}()

	s.log.Info("gateway listening on %s", s.cfg.ListenAddr)
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.factory.GetStats())
}

// handleWebSocket runs the accept handshake: upgrade, identity validation,
// authentication, activation. Each phase is individually time-boxed; a
// timeout or failure drives the connection to ERROR instead of leaving it in
// limbo.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()

	ectx, err := execctx.New(
		q.Get("user_id"), q.Get("thread_id"), q.Get("run_id"),
		q.Get("request_id"), q.Get("connection_id"))
	if err != nil {
		s.log.Warn("rejected connect with invalid identity: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed: %v", err)
		return
	}

	tr := transport.NewWS(wsConn, s.log)
	conn := sessions.NewConnection(ectx.ConnectionID, ectx.UserID, tr, s.currentDegradedFailureRate(), s.log)
	machine := conn.Machine()

	machine.Transition(connstate.StateConnecting, "accept", false)
	machine.Transition(connstate.StateConnected, "upgrade_complete", false)

	// Authentication phase, time-boxed.
	machine.Transition(connstate.StateAuthenticating, "auth_begin", false)
	authCtx, cancel := context.WithTimeout(r.Context(), s.cfg.HandshakeTimeout())
	user, err := s.authenticate(authCtx, q.Get("token"))
	cancel()
	if err != nil || user != ectx.UserID {
		if err == nil {
			err = fmt.Errorf("%w: token belongs to %q, caller claims %q", ErrAuthFailed, user, ectx.UserID)
		}
		s.log.Warn("auth failed for %s: %v", ectx.IsolationKey(), err)
		machine.Transition(connstate.StateError, "auth_failed", false)
		conn.Close()
		return
	}
	machine.Transition(connstate.StateAuthenticated, "auth_ok", false)

	mgr, err := s.factory.CreateOrGet(ectx)
	if err != nil {
		s.log.Warn("manager unavailable for %s: %v", ectx.IsolationKey(), err)
		machine.Transition(connstate.StateError, "limit", false)
		conn.Close()
		return
	}
	if err := mgr.AddConnection(conn); err != nil {
		machine.Transition(connstate.StateError, "register_failed", false)
		conn.Close()
		return
	}

	machine.Transition(connstate.StateActive, "activated", false)

	if _, err := mgr.EmitCriticalEvent(events.EventConnectionEstablished, map[string]interface{}{
		"connection_id": conn.ID,
	}); err != nil {
		s.log.Warn("connection_established emit failed for %s: %v", conn.ID, err)
	}

	s.log.Info("connection %s active for %s", conn.ID, ectx.IsolationKey())

	// Inbound pump; returns when the peer goes away.
	readErr := tr.ReadLoop(func(data []byte) {
		s.handleInbound(mgr, conn, data)
	})

	machine.Transition(connstate.StateDisconnecting, "peer_gone", false)
	machine.Transition(connstate.StateDisconnected, "closed", false)
	// Removal closes the transport and terminates the machine.
	mgr.RemoveConnection(conn.ID)

	if readErr != nil {
		s.log.Debug("connection %s ended with read error: %v", conn.ID, readErr)
	}
}

func (s *Server) authenticate(ctx context.Context, token string) (string, error) {
	type result struct {
		user string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		user, err := s.auth.Authenticate(ctx, token)
		ch <- result{user, err}
	}()

	select {
	case res := <-ch:
		return res.user, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: phase timeout: %v", ErrAuthFailed, ctx.Err())
	}
}

// handleInbound processes one envelope from the client: validation,
// isolation check, then dispatch back through the manager so every owned
// connection observes the event.
func (s *Server) handleInbound(mgr *sessions.Manager, conn *sessions.Connection, data []byte) {
	conn.Touch()

	evt, err := events.ParseEnvelope(data)
	if err != nil {
		s.log.Warn("connection %s sent bad envelope: %v", conn.ID, err)
		return
	}

	if evt.Type == events.EventHeartbeat {
		mgr.Touch()
		return
	}

	results, err := mgr.SendToUser(evt)
	if err != nil {
		if errors.Is(err, events.ErrCrossUserContamination) {
			// Security violation: force the offending connection out
			// of delivery rotation.
			s.log.Error("SECURITY: contaminated event on connection %s; forcing ERROR", conn.ID)
			conn.Machine().Transition(connstate.StateError, "contamination", true)
			return
		}
		s.log.Warn("dispatch of %s from %s failed: %v", evt.Type, conn.ID, err)
		return
	}

	for _, res := range results {
		if res.Err != nil && errors.Is(res.Err, connstate.ErrDegradedDrop) {
			// Best-effort by policy; the client retries.
			s.log.Debug("degraded drop on %s", res.ConnectionID)
		}
	}
}

// handleSequenceValidate scores a posted event batch against the critical
// path and records the verdict for the business-reporting collaborator.
func (s *Server) handleSequenceValidate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	runID := ps.ByName("run_id")

	var batch []events.Event
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, fmt.Sprintf("invalid batch: %v", err), http.StatusBadRequest)
		return
	}

	report := s.validator.ScoreSequence(runID, batch)

	if s.store != nil {
		if err := s.store.RecordSequenceReport(report); err != nil {
			s.log.Warn("failed to persist sequence report for %s: %v", runID, err)
		}
	}

	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response: %v", err)
	}
}

// StaticTokenAuthenticator authenticates against a fixed token -> user table.
// Real credential issuance lives in the auth collaborator; this is the
// interface-boundary implementation used for development and tests.
type StaticTokenAuthenticator struct {
	Tokens map[string]string
}

// Authenticate implements Authenticator.
func (a *StaticTokenAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	user, ok := a.Tokens[token]
	if !ok {
		return "", ErrAuthFailed
	}
	return user, nil
}
