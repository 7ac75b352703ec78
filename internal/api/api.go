// Package api serves the admin REST API: session creation, inspection,
// termination, and event streams.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/aixgo-dev/convene/pkg/launcher"
	"github.com/aixgo-dev/convene/pkg/observability"
	"github.com/aixgo-dev/convene/pkg/payment"
	"github.com/aixgo-dev/convene/pkg/security"
	"github.com/aixgo-dev/convene/pkg/session"
)

const (
	maxRequestBody   = 1 << 20
	maxReasonLength  = 256
	defaultHeartbeat = 15 * time.Second
	eventBuffer      = 64
)

// Settlements looks up settled payment records.
type Settlements interface {
	Settlement(key session.Key) (payment.Settlement, bool)
}

// CreateResponse is returned by POST /api/v1/sessions.
type CreateResponse struct {
	SessionID string             `json:"sessionId"`
	Namespace string             `json:"namespace"`
	Agents    []AgentCredentials `json:"agents"`
}

// AgentCredentials tells one agent how to connect.
type AgentCredentials struct {
	Name          string `json:"name"`
	Secret        string `json:"secret"`
	ConnectionURL string `json:"connectionUrl"`
	SSEURL        string `json:"sseUrl"`
}

// ListResponse is returned by GET /api/v1/sessions.
type ListResponse struct {
	Sessions []session.SessionState `json:"sessions"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Server is the admin API handler.
type Server struct {
	mgr         *session.Manager
	auth        security.Authenticator
	authz       security.Authorizer
	audit       security.AuditLogger
	settlements Settlements
	publicURL   string
	heartbeat   time.Duration
	logger      *zap.Logger
	mux         *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithAuthenticator sets the authenticator. Without one every caller is an
// anonymous admin.
func WithAuthenticator(a security.Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithAuthorizer replaces the default RBAC authorizer.
func WithAuthorizer(a security.Authorizer) Option {
	return func(s *Server) { s.authz = a }
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(l security.AuditLogger) Option {
	return func(s *Server) { s.audit = l }
}

// WithSettlements enables the settlement endpoint.
func WithSettlements(st Settlements) Option {
	return func(s *Server) { s.settlements = st }
}

// WithPublicURL sets the base URL used in agent connection URLs.
func WithPublicURL(u string) Option {
	return func(s *Server) { s.publicURL = strings.TrimSuffix(u, "/") }
}

// WithHeartbeat sets the keep-alive interval of event streams.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates the admin API over mgr.
func New(mgr *session.Manager, opts ...Option) *Server {
	s := &Server{
		mgr:       mgr,
		auth:      security.NewOpenAuthenticator(),
		authz:     security.NewRBACAuthorizer(),
		audit:     security.NewNoOpAuditLogger(),
		publicURL: "http://localhost:8080",
		heartbeat: defaultHeartbeat,
		logger:    zap.NewNop(),
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.route("POST /api/v1/sessions", "sessions.create", security.PermWrite, s.handleCreate)
	s.route("GET /api/v1/sessions", "sessions.list", security.PermRead, s.handleList)
	s.route("GET /api/v1/sessions/{namespace}/{id}", "sessions.get", security.PermRead, s.handleGet)
	s.route("DELETE /api/v1/sessions/{namespace}/{id}", "sessions.end", security.PermWrite, s.handleEnd)
	s.route("GET /api/v1/sessions/{namespace}/{id}/events", "sessions.events", security.PermRead, s.handleEvents)
	s.route("GET /api/v1/sessions/{namespace}/{id}/settlement", "sessions.settlement", security.PermRead, s.handleSettlement)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) route(pattern, name string, perm security.Permission, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.instrument(name, s.authenticated(perm, h)))
}

func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := observability.NewStatusRecorder(w)
		next.ServeHTTP(rec, r)
		d := time.Since(start)
		observability.RecordHTTPRequest(name, r.Method, strconv.Itoa(rec.Status()), d)
		s.logger.Debug("admin request",
			zap.String("handler", name),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.Status()),
			zap.Duration("duration", d))
	})
}

func (s *Server) authenticated(perm security.Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.auth.Authenticate(r.Context(), security.TokenFromRequest(r))
		ctx := security.WithAuthContext(r.Context(), &security.AuthContext{
			Principal:   principal,
			IPAddress:   clientIP(r),
			UserAgent:   r.UserAgent(),
			RequestTime: time.Now(),
		})
		if err != nil {
			s.audit.LogAuthAttempt(ctx, false, err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="convene"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
			return
		}
		if err := s.authz.Authorize(ctx, principal, r.URL.Path, perm); err != nil {
			s.audit.LogAuthorizationCheck(ctx, r.URL.Path, perm, false)
			writeError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
			return
		}
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := s.mgr.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": st.Sessions,
		"active":   st.Active,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req session.CreateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Namespace != "" {
		if err := security.ValidateIdentifier("namespace", req.Namespace); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	if req.SessionID != "" {
		if err := security.ValidateIdentifier("sessionId", req.SessionID); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	sess, err := s.mgr.CreateSession(r.Context(), req)
	resource := session.Key{Namespace: req.Namespace, ID: req.SessionID}.String()
	if sess != nil {
		resource = sess.Key().String()
	}
	s.audit.LogAdminAction(r.Context(), "session.create", resource, err)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.logger.Info("session created",
		zap.String("session", resource),
		zap.String("principal", principalID(r)))

	writeJSON(w, http.StatusCreated, s.credentials(sess))
}

func (s *Server) credentials(sess *session.Session) CreateResponse {
	key := sess.Key()
	resp := CreateResponse{SessionID: key.ID, Namespace: key.Namespace}
	for _, name := range sess.Agents() {
		a, err := sess.Agent(name)
		if err != nil {
			continue
		}
		mcpURL, sseURL := launcher.Endpoints(s.publicURL, a.Secret())
		resp.Agents = append(resp.Agents, AgentCredentials{
			Name:          name,
			Secret:        a.Secret(),
			ConnectionURL: mcpURL,
			SSEURL:        sseURL,
		})
	}
	return resp
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ns := r.URL.Query().Get("namespace")
	if ns != "" {
		if err := security.ValidateIdentifier("namespace", ns); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	states, err := s.mgr.List(r.Context(), ns)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Sessions: states})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	withMessages, _ := strconv.ParseBool(r.URL.Query().Get("messages"))
	st, err := s.mgr.State(r.Context(), key, withMessages)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	reason := truncate(security.SanitizeString(r.URL.Query().Get("reason")), maxReasonLength)

	err := s.mgr.EndSession(r.Context(), key, reason)
	s.audit.LogAdminAction(r.Context(), "session.end", key.String(), err)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.logger.Info("session ended",
		zap.String("session", key.String()),
		zap.String("reason", reason),
		zap.String("principal", principalID(r)))

	st, err := s.mgr.State(r.Context(), key, false)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	if s.settlements == nil {
		writeError(w, http.StatusNotFound, "not_found", "payments are not enabled")
		return
	}
	st, found := s.settlements.Settlement(key)
	if !found {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("session %s has not settled", key))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleEvents streams session events as server-sent events until the
// session is evicted or the client goes away. The first event is a state
// snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	sess, err := s.mgr.Session(key)
	if err != nil {
		if _, stateErr := s.mgr.State(r.Context(), key, false); stateErr == nil {
			writeError(w, http.StatusGone, "session_closed", fmt.Sprintf("session %s has ended", key))
			return
		}
		s.writeSessionError(w, err)
		return
	}

	events, cancel := sess.Events().Subscribe(eventBuffer)
	defer cancel()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "", "session.state", sess.Snapshot(false)); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.logger.Warn("event stream cannot flush", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-events:
			if !open {
				_ = writeSSE(w, "", "stream.closed", map[string]string{"session": key.String()})
				_ = rc.Flush()
				return
			}
			if err := writeSSE(w, e.ID, string(e.Type), e); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, session.ErrInvalidGraph):
		status, code = http.StatusBadRequest, "invalid_graph"
	case errors.Is(err, session.ErrUnresolvedAgent):
		status, code = http.StatusUnprocessableEntity, "unresolved_agent"
	case errors.Is(err, session.ErrSessionExists):
		status, code = http.StatusConflict, "session_exists"
	case errors.Is(err, session.ErrSessionNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrSessionClosed):
		status, code = http.StatusGone, "session_closed"
	case errors.Is(err, session.ErrCapacity), errors.Is(err, session.ErrStorageClosed):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("admin request failed", zap.Error(err))
		msg = security.SanitizeMessage(msg)
	}
	writeError(w, status, code, msg)
}

func sessionKey(w http.ResponseWriter, r *http.Request) (session.Key, bool) {
	key := session.Key{Namespace: r.PathValue("namespace"), ID: r.PathValue("id")}
	if err := security.ValidateIdentifier("namespace", key.Namespace); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return key, false
	}
	if err := security.ValidateIdentifier("session id", key.ID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return key, false
	}
	return key, true
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func principalID(r *http.Request) string {
	p, err := security.GetPrincipal(r.Context())
	if err != nil || p == nil {
		return ""
	}
	return p.ID
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeSSE(w http.ResponseWriter, id, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
