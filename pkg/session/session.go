package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Session owns a fixed set of agents, the threads derived from their groups,
// and the session lifecycle. A single mutex serializes every post and wait so
// that appending to a thread and resolving waiters happen atomically.
type Session struct {
	key       Key
	createdAt time.Time
	settings  Settings
	logger    *zap.Logger
	bus       *EventBus
	hooks     hooks

	mu          sync.Mutex
	state       State
	held        bool
	endReason   string
	endedAt     time.Time
	agents      map[string]*Agent
	agentOrder  []string
	threads     map[string]*thread
	threadOrder []string
	seq         uint64
	timer       *time.Timer
	deadline    time.Time
}

// hooks connect a session to its manager without a back-reference.
type hooks struct {
	ended   func(s *Session, held bool)
	expired func(s *Session)
}

func newSession(key Key, g *graph, settings Settings, logger *zap.Logger, bus *EventBus) *Session {
	s := &Session{
		key:       key,
		createdAt: time.Now().UTC(),
		settings:  settings,
		logger:    logger,
		bus:       bus,
		state:     StateCreated,
		agents:    make(map[string]*Agent, len(g.agents)),
		threads:   make(map[string]*thread, len(g.threads)),
	}
	for _, spec := range g.agents {
		s.agents[spec.Name] = &Agent{
			name:        spec.Name,
			session:     key,
			registryID:  spec.RegistryID,
			description: spec.Description,
			links:       g.links[spec.Name],
		}
		s.agentOrder = append(s.agentOrder, spec.Name)
	}
	for _, ts := range g.threads {
		s.threads[ts.name] = newThread(ts.name, ts.members)
		s.threadOrder = append(s.threadOrder, ts.name)
	}
	return s
}

// Key returns the session key.
func (s *Session) Key() Key { return s.key }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Settings returns the runtime settings the session was created with.
func (s *Session) Settings() Settings { return s.settings }

// Events returns the session's event bus.
func (s *Session) Events() *EventBus { return s.bus }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Agents returns the agent names in graph order.
func (s *Session) Agents() []string {
	return append([]string(nil), s.agentOrder...)
}

// Agent returns the named agent.
func (s *Session) Agent(name string) (*Agent, error) {
	a, ok := s.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return a, nil
}

// Snapshot returns the current session state.
func (s *Session) Snapshot(withMessages bool) SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SessionState{
		ID:        s.key.ID,
		Namespace: s.key.Namespace,
		Timestamp: s.createdAt,
		State:     s.state,
		Held:      s.held,
		EndReason: s.endReason,
		Agents:    make([]AgentState, 0, len(s.agentOrder)),
		Threads:   make([]ThreadState, 0, len(s.threadOrder)),
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		st.EndedAt = &t
	}
	for _, name := range s.agentOrder {
		st.Agents = append(st.Agents, s.agents[name].state())
	}
	for _, name := range s.threadOrder {
		st.Threads = append(st.Threads, s.threads[name].state(withMessages))
	}
	return st
}

// PendingWaiters returns the number of unresolved waiters across all agents.
func (s *Session) PendingWaiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.agents {
		n += len(a.mailbox.waiters)
	}
	return n
}

// AttachTransport records a new transport binding for the agent. The first
// attachment of any agent activates the session.
func (s *Session) AttachTransport(agent, kind string) error {
	s.mu.Lock()
	if s.state >= StateEnding {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	a, ok := s.agents[agent]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agent)
	}

	var events []Event
	a.transports++
	if a.transports == 1 {
		e := newEvent(s.key, EventAgentConnected)
		e.Agent = agent
		e.Kind = kind
		events = append(events, e)
	}
	if s.state == StateCreated {
		s.state = StateActive
	}
	s.mu.Unlock()

	s.bus.publish(events...)
	return nil
}

// DetachTransport releases one transport binding of the agent. The agent is
// disconnected once no binding remains.
func (s *Session) DetachTransport(agent, kind string) {
	s.mu.Lock()
	a, ok := s.agents[agent]
	if !ok || a.transports == 0 {
		s.mu.Unlock()
		return
	}
	var events []Event
	a.transports--
	if a.transports == 0 {
		e := newEvent(s.key, EventAgentDisconnected)
		e.Agent = agent
		e.Kind = kind
		events = append(events, e)
	}
	s.mu.Unlock()

	s.bus.publish(events...)
}

// PostMessage appends payload to the thread and hands it to every other
// member: the oldest compatible waiter of each recipient is resolved, or the
// message is queued for a later wait.
func (s *Session) PostMessage(sender, threadName, payload string) (*Message, error) {
	s.mu.Lock()
	if s.state >= StateEnding {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	from, ok := s.agents[sender]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, sender)
	}
	if from.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	t, ok := s.threads[threadName]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadName)
	}
	if !t.isMember(sender) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is not a member of %s", ErrUnauthorized, sender, threadName)
	}

	s.seq++
	msg := t.append(sender, payload, time.Now().UTC(), s.seq)

	posted := newEvent(s.key, EventMessagePosted)
	posted.Agent = sender
	posted.Thread = threadName
	posted.MessageID = msg.ID
	events := []Event{posted}

	for _, name := range t.members {
		if name == sender {
			continue
		}
		to, ok := s.agents[name]
		if !ok {
			// Threads are built from validated groups, so this is corruption.
			endEvents, held := s.failLocked(fmt.Errorf("thread %s: member %s missing from session", threadName, name))
			s.mu.Unlock()
			s.finishEnd(append(events, endEvents...), held)
			return nil, ErrSessionClosed
		}
		if to.mailbox.deliver(msg) {
			e := newEvent(s.key, EventMessageDelivered)
			e.Agent = name
			e.Thread = threadName
			e.MessageID = msg.ID
			events = append(events, e)
		}
	}
	s.mu.Unlock()

	s.bus.publish(events...)
	return msg, nil
}

// WaitForMessage returns the oldest undelivered message matching f, blocking
// until one is posted, the timeout elapses, ctx is done, or the session ends.
// A non-positive timeout waits without a deadline.
func (s *Session) WaitForMessage(ctx context.Context, agent string, f Filter, timeout time.Duration) (*Message, error) {
	s.mu.Lock()
	if s.state >= StateEnding {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	a, ok := s.agents[agent]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agent)
	}
	if a.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	for _, name := range f.Threads {
		t, ok := s.threads[name]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, name)
		}
		if !t.isMember(agent) {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is not a member of %s", ErrUnauthorized, agent, name)
		}
	}

	if msg := a.mailbox.take(f); msg != nil {
		s.mu.Unlock()
		s.bus.publish(s.deliveredEvent(agent, msg))
		return msg, nil
	}

	w := a.mailbox.register(f)
	s.mu.Unlock()

	waiting := newEvent(s.key, EventAgentWaiting)
	waiting.Agent = agent
	s.bus.publish(waiting)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-w.slot:
		return r.msg, r.err
	case <-expired:
		return s.abandon(a, w, ErrTimeout)
	case <-ctx.Done():
		return s.abandon(a, w, ctx.Err())
	}
}

// abandon withdraws a waiter whose caller gave up. If a post resolved the
// waiter concurrently, a timed-out caller still receives the message; a
// cancelled caller hands it back so the next waiter or a later wait gets it.
func (s *Session) abandon(a *Agent, w *waiter, cause error) (*Message, error) {
	s.mu.Lock()
	if a.mailbox.remove(w) {
		s.mu.Unlock()
		return nil, cause
	}
	s.mu.Unlock()

	r := <-w.slot
	if r.err != nil || cause == ErrTimeout {
		return r.msg, r.err
	}

	s.mu.Lock()
	if s.state < StateEnding {
		a.mailbox.deliver(r.msg)
	}
	s.mu.Unlock()
	return nil, cause
}

func (s *Session) deliveredEvent(agent string, msg *Message) Event {
	e := newEvent(s.key, EventMessageDelivered)
	e.Agent = agent
	e.Thread = msg.Thread
	e.MessageID = msg.ID
	return e
}

// Close handles a close-session call from agent. By default any agent ends
// the session; with RequireAllClose the session ends once every agent closed.
// It reports whether the session has ended.
func (s *Session) Close(agent, reason string) (bool, error) {
	s.mu.Lock()
	if s.state >= StateEnding {
		s.mu.Unlock()
		return true, nil
	}
	a, ok := s.agents[agent]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrAgentNotFound, agent)
	}

	closed := newEvent(s.key, EventAgentClosed)
	closed.Agent = agent
	closed.Reason = reason
	events := []Event{closed}

	if s.settings.RequireAllClose {
		a.closed = true
		a.mailbox.closeAll(ErrSessionClosed)
		for _, other := range s.agents {
			if !other.closed {
				s.mu.Unlock()
				s.bus.publish(events...)
				return false, nil
			}
		}
	}

	endEvents, held := s.endLocked(ReasonClosed)
	s.mu.Unlock()
	s.finishEnd(append(events, endEvents...), held)
	return true, nil
}

// End moves the session to Ended, resolving every pending waiter with
// ErrSessionClosed. It reports whether this call performed the transition.
func (s *Session) End(reason string) bool {
	s.mu.Lock()
	if s.state >= StateEnding {
		s.mu.Unlock()
		return false
	}
	events, held := s.endLocked(reason)
	s.mu.Unlock()
	s.finishEnd(events, held)
	return true
}

// Fail ends the session after a session-fatal error. It reports whether
// this call performed the transition.
func (s *Session) Fail(err error) bool {
	s.mu.Lock()
	if s.state >= StateEnding {
		s.mu.Unlock()
		return false
	}
	events, held := s.failLocked(err)
	s.mu.Unlock()
	s.finishEnd(events, held)
	return true
}

// failLocked logs err and ends the session with ReasonError. Callers hold s.mu.
func (s *Session) failLocked(err error) ([]Event, bool) {
	s.logger.Error("session failed",
		zap.String("session", s.key.String()),
		zap.Error(err))
	return s.endLocked(ReasonError)
}

// endLocked performs Ending and Ended within one critical section so no
// waiter outlives the transition. Callers hold s.mu.
func (s *Session) endLocked(reason string) ([]Event, bool) {
	s.state = StateEnding
	s.endReason = reason
	ending := newEvent(s.key, EventSessionEnding)
	ending.Reason = reason
	events := []Event{ending}

	for _, name := range s.agentOrder {
		s.agents[name].mailbox.closeAll(ErrSessionClosed)
	}

	s.state = StateEnded
	s.endedAt = time.Now().UTC()
	ended := newEvent(s.key, EventSessionEnded)
	ended.Reason = reason
	events = append(events, ended)

	ttl := s.settings.TTL.Std()
	hold := s.settings.HoldForTTL && ttl > 0 && s.timer != nil
	if hold {
		s.held = true
		s.deadline = time.Now().Add(ttl)
		s.timer.Reset(ttl)
	} else if s.timer != nil {
		s.timer.Stop()
	}
	return events, hold
}

func (s *Session) finishEnd(events []Event, held bool) {
	s.bus.publish(events...)
	s.mu.Lock()
	ended := s.hooks.ended
	s.mu.Unlock()
	if ended != nil {
		ended(s, held)
	}
}

// armTimer starts the TTL clock.
func (s *Session) armTimer() {
	ttl := s.settings.TTL.Std()
	if ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = time.Now().Add(ttl)
	s.timer = time.AfterFunc(ttl, s.onTimer)
}

// onTimer forces the end of a live session, or evicts a held one.
func (s *Session) onTimer() {
	s.mu.Lock()
	if time.Now().Before(s.deadline) {
		// Fired for a deadline that has since been moved.
		s.mu.Unlock()
		return
	}
	switch {
	case s.state < StateEnding:
		events, held := s.endLocked(ReasonTTL)
		s.mu.Unlock()
		s.finishEnd(events, held)
	case s.held:
		expired := s.hooks.expired
		s.mu.Unlock()
		if expired != nil {
			expired(s)
		}
	default:
		s.mu.Unlock()
	}
}

// stopTimer stops the TTL clock once the session is evicted.
func (s *Session) stopTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}
