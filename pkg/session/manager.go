package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aixgo-dev/convene/internal/observability"
	"github.com/aixgo-dev/convene/pkg/security"
)

// DefaultNamespace is used when a request names no namespace.
const DefaultNamespace = "default"

// Manager is the process-wide directory of sessions. It is the only way to
// create sessions, resolve agent secrets, and end sessions.
type Manager struct {
	logger           *zap.Logger
	resolver         Resolver
	launcher         Launcher
	payment          Payment
	store            RecordStore
	newSecret        func() (string, error)
	defaultNamespace string
	defaultTTL       time.Duration
	maxSessions      int

	mu       sync.RWMutex
	sessions map[Key]*Session
	bySecret map[string]*Agent
	sinks    []EventSink
	closed   bool

	droppedEvents atomic.Uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithResolver sets the registry resolver.
func WithResolver(r Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithLauncher sets the runtime launcher.
func WithLauncher(l Launcher) Option {
	return func(m *Manager) { m.launcher = l }
}

// WithPayment sets the payment collaborator.
func WithPayment(p Payment) Option {
	return func(m *Manager) { m.payment = p }
}

// WithRecordStore sets the archive for evicted sessions.
func WithRecordStore(s RecordStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithSecretGenerator replaces the agent secret generator.
func WithSecretGenerator(fn func() (string, error)) Option {
	return func(m *Manager) { m.newSecret = fn }
}

// WithDefaultNamespace sets the namespace of requests that name none.
func WithDefaultNamespace(ns string) Option {
	return func(m *Manager) {
		if ns != "" {
			m.defaultNamespace = ns
		}
	}
}

// WithDefaultTTL sets the TTL of sessions created without one.
func WithDefaultTTL(d time.Duration) Option {
	return func(m *Manager) { m.defaultTTL = d }
}

// WithMaxSessions caps the number of tracked sessions. Zero means unlimited.
func WithMaxSessions(n int) Option {
	return func(m *Manager) { m.maxSessions = n }
}

// WithEventSink attaches a sink to every session created afterwards.
func WithEventSink(s EventSink) Option {
	return func(m *Manager) { m.sinks = append(m.sinks, s) }
}

// NewManager creates a session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:           zap.NewNop(),
		resolver:         PassthroughResolver{},
		launcher:         noopLauncher{},
		payment:          noopPayment{},
		newSecret:        security.NewSecret,
		defaultNamespace: DefaultNamespace,
		sessions:         make(map[Key]*Session),
		bySecret:         make(map[string]*Agent),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMemoryRecordStore(0)
	}
	return m
}

// AddSink attaches a sink to every session created afterwards.
func (m *Manager) AddSink(s EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// CreateSession validates the agent graph, resolves every agent, registers
// the session, and launches its agents. Nothing stays registered when any
// step fails.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*Session, error) {
	ctx, span := observability.StartSpanWithOtel(ctx, "session.create",
		trace.WithAttributes(attribute.Int("session.agents", len(req.Agents))))
	defer span.End()

	s, err := m.createSession(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("session.namespace", s.key.Namespace),
		attribute.String("session.id", s.key.ID))
	return s, nil
}

func (m *Manager) createSession(ctx context.Context, req CreateRequest) (*Session, error) {
	if req.Namespace == "" {
		req.Namespace = m.defaultNamespace
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	if req.Settings.TTL == 0 && m.defaultTTL > 0 {
		req.Settings.TTL = Duration(m.defaultTTL)
	}
	req.Agents = append([]AgentSpec(nil), req.Agents...)
	for i := range req.Agents {
		if req.Agents[i].RegistryID.Name == "" {
			req.Agents[i].RegistryID.Name = req.Agents[i].Name
		}
	}

	g, err := validateGraph(&req)
	if err != nil {
		return nil, err
	}

	defs := make(map[string]AgentDefinition, len(req.Agents))
	for _, a := range req.Agents {
		def, err := m.resolver.Resolve(ctx, a.RegistryID.Name, a.RegistryID.Version)
		if err != nil {
			if errors.Is(err, ErrUnresolvedAgent) {
				return nil, fmt.Errorf("resolve %s: %w", a.Name, err)
			}
			return nil, fmt.Errorf("%w: resolve %s: %v", ErrUnresolvedAgent, a.Name, err)
		}
		defs[a.Name] = def
	}

	key := Key{Namespace: req.Namespace, ID: req.SessionID}
	if err := m.checkArchived(ctx, key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	sinks := append([]EventSink(nil), m.sinks...)
	m.mu.RUnlock()

	s := newSession(key, g, req.Settings, m.logger, newEventBus(m.logger, sinks, &m.droppedEvents))
	s.hooks = hooks{ended: m.onEnded, expired: m.evict}
	for _, name := range s.agentOrder {
		a := s.agents[name]
		a.definition = defs[name]
		if a.description == "" {
			a.description = a.definition.Description
		}
		secret, err := m.newSecret()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCapacity, err)
		}
		a.secret = secret
	}

	if err := m.register(s); err != nil {
		return nil, err
	}
	s.armTimer()

	for _, name := range s.agentOrder {
		a := s.agents[name]
		err := m.launcher.Launch(ctx, LaunchRequest{
			Session:    key,
			Agent:      name,
			Definition: a.definition,
			Secret:     a.secret,
		})
		if err != nil {
			err = fmt.Errorf("launch %s: %w", name, err)
			m.discard(s, err)
			if stopErr := m.launcher.Stop(context.WithoutCancel(ctx), key); stopErr != nil {
				m.logger.Warn("stop launched agents", zap.String("session", key.String()), zap.Error(stopErr))
			}
			return nil, err
		}
	}

	s.bus.publish(newEvent(key, EventSessionCreated))
	m.logger.Info("session created",
		zap.String("session", key.String()),
		zap.Int("agents", len(s.agentOrder)),
		zap.Int("threads", len(s.threadOrder)),
		zap.Duration("ttl", req.Settings.TTL.Std()))
	return s, nil
}

// checkArchived rejects keys of sessions that already ended and were
// archived. Keys become reusable once the archive forgets them.
func (m *Manager) checkArchived(ctx context.Context, key Key) error {
	_, err := m.store.Load(ctx, key)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s (ended)", ErrSessionExists, key)
	case errors.Is(err, ErrSessionNotFound):
		return nil
	default:
		return fmt.Errorf("check archive for %s: %w", key, err)
	}
}

func (m *Manager) register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("%w: manager is shut down", ErrCapacity)
	}
	if _, exists := m.sessions[s.key]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, s.key)
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return fmt.Errorf("%w: %d sessions", ErrCapacity, m.maxSessions)
	}
	for _, a := range s.agents {
		if _, dup := m.bySecret[a.secret]; dup {
			return fmt.Errorf("%w: secret collision", ErrCapacity)
		}
	}

	m.sessions[s.key] = s
	for _, a := range s.agents {
		m.bySecret[a.secret] = a
	}
	return nil
}

// unregister removes s from both indexes.
func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.key] == s {
		delete(m.sessions, s.key)
	}
	for _, a := range s.agents {
		if m.bySecret[a.secret] == a {
			delete(m.bySecret, a.secret)
		}
	}
}

// discard drops a session whose creation failed part-way.
func (m *Manager) discard(s *Session, cause error) {
	m.unregister(s)
	s.mu.Lock()
	s.hooks = hooks{}
	s.mu.Unlock()
	s.Fail(cause)
	s.stopTimer()
	s.bus.close()
}

// LocateAgent resolves an agent secret to its live session and agent.
func (m *Manager) LocateAgent(secret string) (*Session, *Agent, error) {
	m.mu.RLock()
	a, ok := m.bySecret[secret]
	var s *Session
	if ok {
		s = m.sessions[a.session]
	}
	m.mu.RUnlock()

	if !ok || s == nil || !security.SecretsEqual(a.secret, secret) {
		return nil, nil, ErrInvalidAgentSecret
	}
	if s.State() >= StateEnding {
		return nil, nil, ErrInvalidAgentSecret
	}
	return s, a, nil
}

// Session returns a tracked session, live or held.
func (m *Manager) Session(key Key) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	return s, nil
}

// EndSession ends a session. Ending an ended or archived session is a no-op.
func (m *Manager) EndSession(ctx context.Context, key Key, reason string) error {
	if reason == "" {
		reason = ReasonAPI
	}
	s, err := m.Session(key)
	if err != nil {
		if _, loadErr := m.store.Load(ctx, key); loadErr == nil {
			return nil
		}
		return err
	}
	s.End(reason)
	return nil
}

// State returns the state of a tracked session, falling back to the archive.
func (m *Manager) State(ctx context.Context, key Key, withMessages bool) (SessionState, error) {
	if s, err := m.Session(key); err == nil {
		return s.Snapshot(withMessages), nil
	}
	st, err := m.store.Load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return SessionState{}, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
		}
		return SessionState{}, err
	}
	if !withMessages {
		for i := range st.Threads {
			st.Threads[i].Messages = nil
		}
	}
	return *st, nil
}

// List returns tracked and archived sessions of a namespace, or of every
// namespace when namespace is empty.
func (m *Manager) List(ctx context.Context, namespace string) ([]SessionState, error) {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for key, s := range m.sessions {
		if namespace == "" || key.Namespace == namespace {
			live = append(live, s)
		}
	}
	m.mu.RUnlock()

	seen := make(map[Key]struct{}, len(live))
	out := make([]SessionState, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot(false))
		seen[s.key] = struct{}{}
	}

	archived, err := m.store.List(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	for _, st := range archived {
		if _, dup := seen[st.Key()]; dup {
			continue
		}
		for i := range st.Threads {
			st.Threads[i].Messages = nil
		}
		out = append(out, st)
	}
	sortStates(out)
	return out, nil
}

// Stats is a snapshot of manager counters.
type Stats struct {
	Sessions      int
	Active        int
	Held          int
	Waiters       int
	DroppedEvents uint64
}

// Stats returns current manager counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	st := Stats{Sessions: len(sessions), DroppedEvents: m.droppedEvents.Load()}
	for _, s := range sessions {
		s.mu.Lock()
		switch {
		case s.held:
			st.Held++
		case s.state < StateEnding:
			st.Active++
		}
		for _, a := range s.agents {
			st.Waiters += len(a.mailbox.waiters)
		}
		s.mu.Unlock()
	}
	return st
}

// PruneArchive drops expired archive records.
func (m *Manager) PruneArchive(ctx context.Context) (int, error) {
	return m.store.Prune(ctx)
}

// Shutdown ends every session and stops admitting new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.End(ReasonShutdown)
		// Held records have nothing left to wait for.
		m.evict(s)
	}
	m.logger.Info("session manager shut down", zap.Int("sessions", len(sessions)))
	return nil
}

// onEnded runs after a session reached Ended.
func (m *Manager) onEnded(s *Session, held bool) {
	m.mu.Lock()
	for _, a := range s.agents {
		if m.bySecret[a.secret] == a {
			delete(m.bySecret, a.secret)
		}
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.payment.OnSessionEnd(ctx, s.key); err != nil {
		m.logger.Warn("payment settlement failed", zap.String("session", s.key.String()), zap.Error(err))
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.launcher.Stop(ctx, s.key); err != nil {
			m.logger.Warn("stop launched agents", zap.String("session", s.key.String()), zap.Error(err))
		}
	}()

	s.mu.Lock()
	reason := s.endReason
	s.mu.Unlock()
	m.logger.Info("session ended",
		zap.String("session", s.key.String()),
		zap.String("reason", reason),
		zap.Bool("held", held))

	if !held {
		m.evict(s)
	}
}

// evict archives the final state of s, then removes it from the directory.
// The record is saved first so the key is never free in between.
func (m *Manager) evict(s *Session) {
	m.mu.RLock()
	live := m.sessions[s.key] == s
	m.mu.RUnlock()
	if !live {
		return
	}

	s.stopTimer()
	s.mu.Lock()
	s.held = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.Save(ctx, s.Snapshot(true)); err != nil {
		m.logger.Warn("archive session", zap.String("session", s.key.String()), zap.Error(err))
	}

	m.mu.Lock()
	if m.sessions[s.key] != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.key)
	m.mu.Unlock()

	s.bus.publish(newEvent(s.key, EventSessionEvicted))
	s.bus.close()
}

// Payment returns the payment collaborator.
func (m *Manager) Payment() Payment {
	return m.payment
}
