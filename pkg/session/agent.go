package session

import "sort"

// Agent is a named participant of a session. Agent fields are guarded by the
// owning session's mutex; the agent refers back to its session by key only.
type Agent struct {
	name        string
	session     Key
	secret      string
	registryID  RegistryID
	description string
	definition  AgentDefinition
	links       []string

	mailbox    mailbox
	transports int
	closed     bool
}

// Name returns the agent's name within its session.
func (a *Agent) Name() string { return a.name }

// SessionKey returns the key of the owning session.
func (a *Agent) SessionKey() Key { return a.session }

// Secret returns the transport credential issued to the agent.
func (a *Agent) Secret() string { return a.secret }

// RegistryID returns the registry identifier of the agent definition.
func (a *Agent) RegistryID() RegistryID { return a.registryID }

func (a *Agent) state() AgentState {
	return AgentState{
		Name:        a.name,
		RegistryID:  a.registryID.String(),
		Waiting:     a.mailbox.waiting(),
		Connected:   a.transports > 0,
		Closed:      a.closed,
		Description: a.description,
		Links:       append([]string(nil), a.links...),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
