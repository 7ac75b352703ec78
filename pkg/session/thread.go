package session

import "time"

// thread is an append-only message log. It is guarded by the owning
// session's mutex.
type thread struct {
	name     string
	members  []string
	permit   map[string]struct{}
	messages []*Message
	nextID   int64
}

func newThread(name string, members []string) *thread {
	t := &thread{
		name:    name,
		members: members,
		permit:  make(map[string]struct{}, len(members)),
		nextID:  1,
	}
	for _, m := range members {
		t.permit[m] = struct{}{}
	}
	return t
}

func (t *thread) isMember(agent string) bool {
	_, ok := t.permit[agent]
	return ok
}

// append assigns the next id and stores the message.
func (t *thread) append(sender, payload string, now time.Time, seq uint64) *Message {
	msg := &Message{
		ID:        t.nextID,
		Thread:    t.name,
		Sender:    sender,
		Payload:   payload,
		Timestamp: now,
		seq:       seq,
	}
	t.nextID++
	t.messages = append(t.messages, msg)
	return msg
}

func (t *thread) state(withMessages bool) ThreadState {
	ts := ThreadState{
		Name:         t.name,
		Members:      append([]string(nil), t.members...),
		MessageCount: len(t.messages),
	}
	if withMessages {
		ts.Messages = append([]*Message(nil), t.messages...)
	}
	return ts
}
