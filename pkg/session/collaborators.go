package session

import "context"

// AgentDefinition is a resolved registry entry.
type AgentDefinition struct {
	Name        string            `json:"name" yaml:"name"`
	Version     string            `json:"version" yaml:"version"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Runtime     RuntimeSpec       `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// RuntimeSpec describes how a launcher starts an agent process.
type RuntimeSpec struct {
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Resolver resolves agent definitions by name and version.
// Implementations return an error wrapping ErrUnresolvedAgent for unknown agents.
type Resolver interface {
	Resolve(ctx context.Context, name, version string) (AgentDefinition, error)
}

// LaunchRequest carries everything a launcher needs to start one agent.
type LaunchRequest struct {
	Session    Key
	Agent      string
	Definition AgentDefinition
	Secret     string
}

// Launcher starts agent processes. The session engine only hands out the
// secret; process lifecycle belongs to the launcher.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) error
	// Stop releases whatever the launcher started for the session.
	Stop(ctx context.Context, key Key) error
}

// Payment receives claims made during tool calls and the end-of-session
// settlement trigger.
type Payment interface {
	OnClaim(ctx context.Context, key Key, agent string, amount int64) error
	OnSessionEnd(ctx context.Context, key Key) error
}

// EventSink receives session events. Sinks must not block.
type EventSink interface {
	HandleEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// HandleEvent implements EventSink.
func (f EventSinkFunc) HandleEvent(e Event) { f(e) }

// PassthroughResolver resolves any name to a bare definition.
type PassthroughResolver struct{}

// Resolve implements Resolver.
func (PassthroughResolver) Resolve(_ context.Context, name, version string) (AgentDefinition, error) {
	return AgentDefinition{Name: name, Version: version}, nil
}

type noopLauncher struct{}

func (noopLauncher) Launch(context.Context, LaunchRequest) error { return nil }
func (noopLauncher) Stop(context.Context, Key) error             { return nil }

type noopPayment struct{}

func (noopPayment) OnClaim(context.Context, Key, string, int64) error { return nil }
func (noopPayment) OnSessionEnd(context.Context, Key) error           { return nil }
