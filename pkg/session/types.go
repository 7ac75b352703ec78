// Package session implements the session orchestration and messaging engine.
// A session is a bounded collaboration between a fixed set of named agents.
// Agents exchange messages over threads derived from the agent graph and block
// on per-agent mailboxes until a matching message arrives.
package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Key identifies a session within the manager.
type Key struct {
	Namespace string `json:"namespace"`
	ID        string `json:"sessionId"`
}

func (k Key) String() string {
	return k.Namespace + "/" + k.ID
}

// State is the lifecycle state of a session.
type State int

const (
	// StateCreated is the state of a session no agent has connected to yet.
	StateCreated State = iota
	// StateActive is entered on the first agent connection.
	StateActive
	// StateEnding is entered when the session starts shutting down.
	StateEnding
	// StateEnded is terminal. Ended sessions answer read queries only.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "created":
		*s = StateCreated
	case "active":
		*s = StateActive
	case "ending":
		*s = StateEnding
	case "ended":
		*s = StateEnded
	default:
		return fmt.Errorf("unknown session state %q", string(b))
	}
	return nil
}

// Reasons recorded when a session ends.
const (
	ReasonClosed   = "closed"
	ReasonTTL      = "ttl"
	ReasonShutdown = "shutdown"
	ReasonError    = "error"
	ReasonAPI      = "api"
)

// Message is a single entry in a thread. Messages are immutable once accepted.
type Message struct {
	// ID is assigned by the server and increases monotonically within the thread.
	ID int64 `json:"id"`
	// Thread is the name of the thread the message was posted to.
	Thread string `json:"thread"`
	// Sender is the name of the posting agent.
	Sender string `json:"sender"`
	// Payload is the opaque message body.
	Payload string `json:"payload"`
	// Timestamp is the acceptance time.
	Timestamp time.Time `json:"timestamp"`

	// seq orders messages across all threads of a session.
	seq uint64
}

// Filter selects which messages a waiter accepts. Empty sets match anything.
type Filter struct {
	Threads []string `json:"threads,omitempty"`
	Senders []string `json:"senders,omitempty"`
}

// Match reports whether msg satisfies the filter.
func (f Filter) Match(msg *Message) bool {
	return matchAny(f.Threads, msg.Thread) && matchAny(f.Senders, msg.Sender)
}

func matchAny(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// RegistryID references an agent definition in the registry.
type RegistryID struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

func (r RegistryID) String() string {
	if r.Version == "" {
		return r.Name
	}
	return r.Name + "@" + r.Version
}

// AgentSpec declares one participant of the agent graph.
type AgentSpec struct {
	Name        string     `json:"name" yaml:"name"`
	RegistryID  RegistryID `json:"registryId" yaml:"registry_id"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
}

// Group is a set of agents that share a thread. The thread takes the group's
// name, or the sorted member names joined with "+" when the name is empty.
type Group struct {
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Members []string `json:"members" yaml:"members"`
}

// Settings controls session runtime behaviour.
type Settings struct {
	// TTL bounds the session lifetime. Zero disables the timer.
	TTL Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	// HoldForTTL keeps the ended session readable until the TTL timer fires again.
	HoldForTTL bool `json:"holdForTtl,omitempty" yaml:"hold_for_ttl,omitempty"`
	// RequireAllClose ends the session only once every agent called close-session.
	RequireAllClose bool `json:"requireAllClose,omitempty" yaml:"require_all_close,omitempty"`
}

// CreateRequest is the external session creation request.
type CreateRequest struct {
	Namespace string      `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	SessionID string      `json:"sessionId,omitempty" yaml:"session_id,omitempty"`
	Agents    []AgentSpec `json:"agents" yaml:"agents"`
	Groups    []Group     `json:"groups" yaml:"groups"`
	Settings  Settings    `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// SessionState is a point-in-time view of a session.
type SessionState struct {
	ID        string        `json:"sessionId"`
	Namespace string        `json:"namespace"`
	Timestamp time.Time     `json:"timestamp"`
	State     State         `json:"state"`
	Held      bool          `json:"held,omitempty"`
	EndReason string        `json:"endReason,omitempty"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
	Agents    []AgentState  `json:"agents"`
	Threads   []ThreadState `json:"threads"`
}

// Key returns the session key of the snapshot.
func (s *SessionState) Key() Key {
	return Key{Namespace: s.Namespace, ID: s.ID}
}

// AgentState is the per-agent part of SessionState.
type AgentState struct {
	Name        string   `json:"name"`
	RegistryID  string   `json:"registryId"`
	Waiting     bool     `json:"waiting"`
	Connected   bool     `json:"connected"`
	Closed      bool     `json:"closed,omitempty"`
	Description string   `json:"description,omitempty"`
	Links       []string `json:"links"`
}

// ThreadState is the per-thread part of SessionState.
type ThreadState struct {
	Name         string     `json:"name"`
	Members      []string   `json:"members"`
	MessageCount int        `json:"messageCount"`
	Messages     []*Message `json:"messages,omitempty"`
}

// Duration is a time.Duration that encodes as a Go duration string ("250ms").
// Bare numbers are read as milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return d.parse(s)
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" {
		var ms int64
		if err := node.Decode(&ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	return d.parse(node.Value)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(v)
	return nil
}
