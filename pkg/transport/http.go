package transport

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	metrics "github.com/aixgo-dev/convene/pkg/observability"
	"github.com/aixgo-dev/convene/pkg/security"
	"github.com/aixgo-dev/convene/pkg/session"
)

// SessionIDHeader carries the continuation id of a streamable binding.
const SessionIDHeader = "Mcp-Session-Id"

// HTTPHandler serves the agent surface:
//
//	POST|GET|DELETE /agents/{secret}/mcp   continuation bindings
//	GET             /agents/{secret}/sse   streaming bindings
//	POST            /agents/{secret}/sse/messages?sessionid=<id>
type HTTPHandler struct {
	binder   *Binder
	limiter  *security.RateLimiter
	logger   *zap.Logger
	mux      *http.ServeMux
	handlers map[Kind]http.HandlerFunc
}

// HTTPOption configures an HTTPHandler.
type HTTPOption func(*HTTPHandler)

// WithRateLimiter limits requests per agent secret.
func WithRateLimiter(rl *security.RateLimiter) HTTPOption {
	return func(hh *HTTPHandler) { hh.limiter = rl }
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *zap.Logger) HTTPOption {
	return func(hh *HTTPHandler) {
		if l != nil {
			hh.logger = l
		}
	}
}

// NewHTTPHandler creates the agent HTTP surface over b.
func NewHTTPHandler(b *Binder, opts ...HTTPOption) *HTTPHandler {
	hh := &HTTPHandler{
		binder: b,
		logger: zap.NewNop(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(hh)
	}
	hh.handlers = map[Kind]http.HandlerFunc{
		Continuation: hh.serveContinuation,
		Streaming:    hh.serveStreaming,
	}

	hh.mux.Handle("/agents/{secret}/mcp", hh.instrument("mcp", hh.handlers[Continuation]))
	hh.mux.Handle("GET /agents/{secret}/sse", hh.instrument("sse", hh.handlers[Streaming]))
	hh.mux.Handle("POST /agents/{secret}/sse/messages", hh.instrument("sse_messages", http.HandlerFunc(hh.serveStreamingMessage)))
	return hh
}

func (hh *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hh.mux.ServeHTTP(w, r)
}

// instrument applies the per-agent rate limit and records request metrics.
func (hh *HTTPHandler) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := metrics.NewStatusRecorder(w)
		defer func() {
			metrics.RecordHTTPRequest(name, r.Method, strconv.Itoa(rec.Status()), time.Since(start))
		}()

		if hh.limiter != nil && !hh.limiter.Allow(r.PathValue("secret")) {
			http.Error(rec, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(rec, r)
	})
}

func (hh *HTTPHandler) serveContinuation(w http.ResponseWriter, r *http.Request) {
	secret := r.PathValue("secret")
	id := r.Header.Get(SessionIDHeader)

	switch r.Method {
	case http.MethodPost:
		if !acceptsAll(r, "application/json", "text/event-stream") {
			http.Error(w, "Accept must contain both 'application/json' and 'text/event-stream'", http.StatusBadRequest)
			return
		}
	case http.MethodGet:
		if id == "" {
			http.Error(w, "GET requires an "+SessionIDHeader+" header", http.StatusBadRequest)
			return
		}
	case http.MethodDelete:
		if id == "" {
			http.Error(w, "DELETE requires an "+SessionIDHeader+" header", http.StatusBadRequest)
			return
		}
		h, err := hh.binder.Lookup(secret, Continuation, id)
		if err != nil {
			hh.writeBindError(w, err)
			return
		}
		hh.binder.Unbind(h)
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if id != "" {
		h, err := hh.binder.Lookup(secret, Continuation, id)
		if err != nil {
			hh.writeBindError(w, err)
			return
		}
		if wire := h.handler(); wire != nil {
			wire.ServeHTTP(w, r)
			return
		}
		hh.writeBindError(w, ErrNotFound)
		return
	}

	h, err := hh.binder.Bind(r.Context(), secret, Continuation, "")
	if err != nil {
		hh.writeBindError(w, err)
		return
	}
	t, wire, err := kindTable[Continuation].newWire(h, w, r)
	if err == nil {
		err = hh.binder.connect(h, t, wire)
	}
	if err != nil {
		hh.binder.unbind(h, "connect failed")
		hh.logger.Error("continuation connect failed", zap.Error(err))
		http.Error(w, "connection failed", http.StatusInternalServerError)
		return
	}
	wire.ServeHTTP(w, r)
}

func (hh *HTTPHandler) serveStreaming(w http.ResponseWriter, r *http.Request) {
	h, err := hh.binder.Bind(r.Context(), r.PathValue("secret"), Streaming, "")
	if err != nil {
		hh.writeBindError(w, err)
		return
	}
	// The stream lives for this request only.
	defer hh.binder.unbind(h, "stream closed")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	t, wire, err := kindTable[Streaming].newWire(h, w, r)
	if err == nil {
		err = hh.binder.connect(h, t, wire)
	}
	if err != nil {
		hh.logger.Error("stream connect failed", zap.Error(err))
		http.Error(w, "connection failed", http.StatusInternalServerError)
		return
	}

	select {
	case <-r.Context().Done():
	case <-h.Done():
	}
}

func (hh *HTTPHandler) serveStreamingMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionid")
	if id == "" {
		http.Error(w, "sessionid must be provided", http.StatusBadRequest)
		return
	}
	h, err := hh.binder.Lookup(r.PathValue("secret"), Streaming, id)
	if err != nil {
		hh.writeBindError(w, err)
		return
	}
	wire := h.handler()
	if wire == nil {
		hh.writeBindError(w, ErrNotFound)
		return
	}
	wire.ServeHTTP(w, r)
}

func (hh *HTTPHandler) writeBindError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidAgentSecret):
		http.Error(w, "invalid agent secret", http.StatusUnauthorized)
	case errors.Is(err, ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, session.ErrSessionClosed):
		http.Error(w, "session closed", http.StatusGone)
	case errors.Is(err, ErrClosed):
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
	default:
		hh.logger.Error("bind failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func acceptsAll(r *http.Request, types ...string) bool {
	var accept []string
	for _, v := range r.Header.Values("Accept") {
		for _, part := range strings.Split(v, ",") {
			mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
			accept = append(accept, strings.TrimSpace(mt))
		}
	}
	for _, want := range types {
		ok := false
		for _, a := range accept {
			if a == want || a == "*/*" {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
