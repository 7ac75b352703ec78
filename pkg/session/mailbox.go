package session

// result is the value a waiter slot is filled with.
type result struct {
	msg *Message
	err error
}

// waiter is a single-assignment slot for one pending wait-for-message call.
type waiter struct {
	filter Filter
	slot   chan result
}

func (w *waiter) resolve(r result) {
	// slot has capacity one and each waiter is resolved at most once.
	w.slot <- r
}

// mailbox holds an agent's pending waiters in registration order and the
// messages that arrived while no compatible waiter existed. All methods
// require the owning session's mutex.
type mailbox struct {
	waiters []*waiter
	inbox   []*Message
}

// deliver hands msg to the oldest compatible waiter, or queues it in the
// inbox in acceptance order. It reports whether a waiter was resolved.
func (m *mailbox) deliver(msg *Message) bool {
	for i, w := range m.waiters {
		if !w.filter.Match(msg) {
			continue
		}
		m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
		w.resolve(result{msg: msg})
		return true
	}

	// Redelivered messages may be older than the inbox tail.
	i := len(m.inbox)
	for i > 0 && m.inbox[i-1].seq > msg.seq {
		i--
	}
	m.inbox = append(m.inbox, nil)
	copy(m.inbox[i+1:], m.inbox[i:])
	m.inbox[i] = msg
	return false
}

// take removes and returns the oldest inbox message matching f.
func (m *mailbox) take(f Filter) *Message {
	for i, msg := range m.inbox {
		if f.Match(msg) {
			m.inbox = append(m.inbox[:i], m.inbox[i+1:]...)
			return msg
		}
	}
	return nil
}

func (m *mailbox) register(f Filter) *waiter {
	w := &waiter{filter: f, slot: make(chan result, 1)}
	m.waiters = append(m.waiters, w)
	return w
}

// remove drops w if it is still pending and reports whether it was.
func (m *mailbox) remove(w *waiter) bool {
	for i, p := range m.waiters {
		if p == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// closeAll resolves every pending waiter with err and returns how many there were.
func (m *mailbox) closeAll(err error) int {
	n := len(m.waiters)
	for _, w := range m.waiters {
		w.resolve(result{err: err})
	}
	m.waiters = nil
	return n
}

func (m *mailbox) waiting() bool {
	return len(m.waiters) > 0
}
