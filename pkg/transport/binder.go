package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aixgo-dev/convene/internal/observability"
	metrics "github.com/aixgo-dev/convene/pkg/observability"
	"github.com/aixgo-dev/convene/pkg/security"
	"github.com/aixgo-dev/convene/pkg/session"
)

// Directory resolves agent secrets and session keys. *session.Manager
// implements it.
type Directory interface {
	LocateAgent(secret string) (*session.Session, *session.Agent, error)
	Session(key session.Key) (*session.Session, error)
}

// Handle is one live transport binding of an agent. It stores the session
// key and agent name only; the session is re-resolved through the directory.
type Handle struct {
	id     string
	kind   Kind
	key    session.Key
	agent  string
	secret string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ss     *mcp.ServerSession
	wire   http.Handler
	closed bool
}

// ID returns the transport id. For continuation bindings it is the
// continuation id; for streaming bindings it keys the message endpoint.
func (h *Handle) ID() string { return h.id }

// Kind returns the transport kind.
func (h *Handle) Kind() Kind { return h.kind }

// SessionKey returns the key of the bound session.
func (h *Handle) SessionKey() session.Key { return h.key }

// Agent returns the bound agent's name.
func (h *Handle) Agent() string { return h.agent }

// Done is closed when the binding is released or evicted.
func (h *Handle) Done() <-chan struct{} { return h.ctx.Done() }

// Closed reports whether the binding was released.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) handler() http.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.wire
}

// close releases the wire connection once. It reports whether this call
// closed the handle.
func (h *Handle) close() bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.closed = true
	ss := h.ss
	h.mu.Unlock()

	// Cancel first so blocked tool calls return before Close waits on them.
	h.cancel()
	if ss != nil {
		_ = ss.Close()
	}
	return true
}

type slotKey struct {
	session session.Key
	agent   string
	kind    Kind
}

// slot serializes binds of one (agent, kind). current is guarded by the
// binder mutex.
type slot struct {
	mu      sync.Mutex
	current *Handle
}

// Binder maps agent secrets to live transport bindings. An agent holds at
// most one binding per kind; binding again evicts the previous one.
type Binder struct {
	dir    Directory
	tools  *Toolset
	logger *zap.Logger
	impl   *mcp.Implementation

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[string]*Handle
	slots   map[slotKey]*slot
	closed  bool
}

// BinderOption configures a Binder.
type BinderOption func(*Binder)

// WithBinderLogger sets the logger.
func WithBinderLogger(l *zap.Logger) BinderOption {
	return func(b *Binder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithImplementation sets the server identity reported to MCP clients.
func WithImplementation(impl *mcp.Implementation) BinderOption {
	return func(b *Binder) { b.impl = impl }
}

// NewBinder creates a binder serving tools from ts.
func NewBinder(dir Directory, ts *Toolset, opts ...BinderOption) *Binder {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Binder{
		dir:     dir,
		tools:   ts,
		logger:  zap.NewNop(),
		impl:    &mcp.Implementation{Name: "convene", Version: "dev"},
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[string]*Handle),
		slots:   make(map[slotKey]*slot),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind returns a binding of the requested kind for the agent owning secret.
// An empty id creates a new binding, evicting any prior binding of the same
// kind; a non-empty id must name a live binding of that agent and kind.
func (b *Binder) Bind(ctx context.Context, secret string, kind Kind, id string) (*Handle, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if id != "" {
		return b.Lookup(secret, kind, id)
	}

	_, span := observability.StartSpanWithOtel(ctx, "transport.bind",
		trace.WithAttributes(attribute.String("transport.kind", kind.String())))
	defer span.End()

	s, a, err := b.dir.LocateAgent(secret)
	if err != nil {
		return nil, err
	}
	key := slotKey{session: s.Key(), agent: a.Name(), kind: kind}
	span.SetAttributes(
		attribute.String("session.id", key.session.String()),
		attribute.String("session.agent", key.agent))

	sl, err := b.slot(key)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	b.mu.Lock()
	prev := sl.current
	b.mu.Unlock()
	if prev != nil {
		b.unbind(prev, "rebound")
	}

	tid, err := security.NewToken(18)
	if err != nil {
		return nil, err
	}
	hctx, hcancel := context.WithCancel(b.ctx)
	h := &Handle{
		id:     tid,
		kind:   kind,
		key:    key.session,
		agent:  key.agent,
		secret: secret,
		ctx:    hctx,
		cancel: hcancel,
	}

	if err := s.AttachTransport(h.agent, kind.String()); err != nil {
		hcancel()
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		hcancel()
		s.DetachTransport(h.agent, kind.String())
		return nil, ErrClosed
	}
	b.handles[h.id] = h
	sl.current = h
	b.updateGaugesLocked()
	b.mu.Unlock()

	b.logger.Info("transport bound",
		zap.String("session", h.key.String()),
		zap.String("agent", h.agent),
		zap.Stringer("kind", kind),
		zap.String("transport_id", security.MaskSecret(h.id)))
	return h, nil
}

// Lookup returns the live binding id of the given kind, provided it belongs
// to the agent owning secret.
func (b *Binder) Lookup(secret string, kind Kind, id string) (*Handle, error) {
	b.mu.Lock()
	h := b.handles[id]
	b.mu.Unlock()

	if h == nil || h.kind != kind || !security.SecretsEqual(h.secret, secret) || h.Closed() {
		return nil, ErrNotFound
	}
	return h, nil
}

// Unbind releases a binding. The agent stays connected while any other
// binding remains.
func (b *Binder) Unbind(h *Handle) {
	b.unbind(h, "released")
}

// Len returns the number of live bindings.
func (b *Binder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles)
}

// Close releases every binding and rejects new ones.
func (b *Binder) Close() {
	b.mu.Lock()
	b.closed = true
	handles := make([]*Handle, 0, len(b.handles))
	for _, h := range b.handles {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, h := range handles {
		b.unbind(h, "shutdown")
	}
	b.cancel()
}

// HandleEvent implements session.EventSink. Bindings of an ended session
// are released asynchronously: closing a binding waits for its in-flight
// tool calls, one of which may be the call that ended the session.
func (b *Binder) HandleEvent(e session.Event) {
	if e.Type != session.EventSessionEnded {
		return
	}
	go b.unbindSession(e.Key())
}

func (b *Binder) unbindSession(key session.Key) {
	b.mu.Lock()
	var handles []*Handle
	for _, h := range b.handles {
		if h.key == key {
			handles = append(handles, h)
		}
	}
	for sk := range b.slots {
		if sk.session == key {
			delete(b.slots, sk)
		}
	}
	b.mu.Unlock()

	for _, h := range handles {
		b.unbind(h, "session ended")
	}
}

func (b *Binder) slot(key slotKey) (*slot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sl := b.slots[key]
	if sl == nil {
		sl = &slot{}
		b.slots[key] = sl
	}
	return sl, nil
}

func (b *Binder) unbind(h *Handle, reason string) {
	b.mu.Lock()
	if b.handles[h.id] == h {
		delete(b.handles, h.id)
	}
	if sl := b.slots[slotKey{session: h.key, agent: h.agent, kind: h.kind}]; sl != nil && sl.current == h {
		sl.current = nil
	}
	b.updateGaugesLocked()
	b.mu.Unlock()

	if !h.close() {
		return
	}
	if s, err := b.dir.Session(h.key); err == nil {
		s.DetachTransport(h.agent, h.kind.String())
	}
	b.logger.Info("transport released",
		zap.String("session", h.key.String()),
		zap.String("agent", h.agent),
		zap.Stringer("kind", h.kind),
		zap.String("transport_id", security.MaskSecret(h.id)),
		zap.String("reason", reason))
}

func (b *Binder) updateGaugesLocked() {
	counts := make(map[Kind]int, len(kindTable))
	for _, h := range b.handles {
		counts[h.kind]++
	}
	for _, k := range Kinds() {
		metrics.SetTransportBindings(k.String(), counts[k])
	}
}

// connect attaches an MCP server session to h over t. The binding is
// released when the client side of the connection goes away.
func (b *Binder) connect(h *Handle, t mcp.Transport, wire http.Handler) error {
	srv := mcp.NewServer(b.impl, &mcp.ServerOptions{
		Instructions: fmt.Sprintf("You are agent %q in session %s. Use the tools to exchange messages with the other agents.", h.agent, h.key),
	})
	b.tools.install(srv, h)

	ss, err := srv.Connect(h.ctx, t, nil)
	if err != nil {
		return fmt.Errorf("connect mcp session: %w", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ss.Close()
		return ErrNotFound
	}
	h.ss = ss
	h.wire = wire
	h.mu.Unlock()

	go func() {
		_ = ss.Wait()
		b.unbind(h, "disconnected")
	}()
	return nil
}
