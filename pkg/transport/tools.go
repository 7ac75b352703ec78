package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aixgo-dev/convene/internal/observability"
	metrics "github.com/aixgo-dev/convene/pkg/observability"
	"github.com/aixgo-dev/convene/pkg/session"
)

// Tool names of the agent surface.
const (
	ToolSendMessage  = "send-message"
	ToolWaitMessage  = "wait-for-message"
	ToolCloseSession = "close-session"
	ToolListAgents   = "list-agents"
	ToolClaimPayment = "claim-payment"
)

// Stable error codes prefixed to failed tool results.
const (
	CodeOK              = "ok"
	CodeUnauthorized    = "unauthorized"
	CodeThreadNotFound  = "thread_not_found"
	CodeTimeout         = "timeout"
	CodeSessionClosed   = "session_closed"
	CodeInvalidArgument = "invalid_argument"
	CodeCancelled       = "cancelled"
	CodeInternal        = "internal"
)

const (
	defaultWait = 60 * time.Second
	maxWait     = 5 * time.Minute
)

// ToolError is a failed tool call with a stable code.
type ToolError struct {
	Code string
	Err  error
}

func (e *ToolError) Error() string {
	return e.Code + ": " + e.Err.Error()
}

func (e *ToolError) Unwrap() error { return e.Err }

// ErrorCode maps err to its tool error code.
func ErrorCode(err error) string {
	var te *ToolError
	switch {
	case err == nil:
		return CodeOK
	case errors.As(err, &te):
		return te.Code
	case errors.Is(err, session.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, session.ErrThreadNotFound):
		return CodeThreadNotFound
	case errors.Is(err, session.ErrTimeout):
		return CodeTimeout
	case errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrAgentNotFound):
		return CodeSessionClosed
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	default:
		return CodeInternal
	}
}

// Schema describes the input object of a tool.
type Schema map[string]SchemaField

// SchemaField is one property of a tool input.
type SchemaField struct {
	Type        string
	Description string
	Required    bool
	// Items is the element type of an array field.
	Items   string
	Minimum *float64
}

// jsonSchema renders the schema as a JSON Schema object.
func (s Schema) jsonSchema() map[string]any {
	props := make(map[string]any, len(s))
	var required []string
	for name, f := range s {
		p := map[string]any{}
		if f.Type != "" {
			p["type"] = f.Type
		}
		if f.Description != "" {
			p["description"] = f.Description
		}
		if f.Items != "" {
			p["items"] = map[string]any{"type": f.Items}
		}
		if f.Minimum != nil {
			p["minimum"] = *f.Minimum
		}
		props[name] = p
		if f.Required {
			required = append(required, name)
		}
	}
	out := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

type toolCall struct {
	session *session.Session
	agent   string
	args    json.RawMessage
}

type tool struct {
	name        string
	description string
	schema      Schema
	handler     func(context.Context, *toolCall) (any, error)
}

// Toolset routes agent tool calls to the session engine.
type Toolset struct {
	dir         Directory
	payment     session.Payment
	logger      *zap.Logger
	defaultWait time.Duration
	maxWait     time.Duration
	tools       []tool
}

// ToolsetOption configures a Toolset.
type ToolsetOption func(*Toolset)

// WithPayment routes claim-payment calls to p.
func WithPayment(p session.Payment) ToolsetOption {
	return func(ts *Toolset) { ts.payment = p }
}

// WithToolLogger sets the logger.
func WithToolLogger(l *zap.Logger) ToolsetOption {
	return func(ts *Toolset) {
		if l != nil {
			ts.logger = l
		}
	}
}

// WithWaitLimits sets the wait used when a call gives no timeout and the
// upper bound applied to every wait.
func WithWaitLimits(def, limit time.Duration) ToolsetOption {
	return func(ts *Toolset) {
		if def > 0 {
			ts.defaultWait = def
		}
		if limit > 0 {
			ts.maxWait = limit
		}
	}
}

// NewToolset creates the agent tool surface.
func NewToolset(dir Directory, opts ...ToolsetOption) *Toolset {
	ts := &Toolset{
		dir:         dir,
		logger:      zap.NewNop(),
		defaultWait: defaultWait,
		maxWait:     maxWait,
	}
	for _, opt := range opts {
		opt(ts)
	}
	if ts.defaultWait > ts.maxWait {
		ts.defaultWait = ts.maxWait
	}

	zero := 0.0
	ts.tools = []tool{
		{
			name:        ToolSendMessage,
			description: "Post a message to a thread you are a member of. Every other member receives it.",
			schema: Schema{
				"thread":  {Type: "string", Description: "Thread name", Required: true},
				"payload": {Description: "Message body. Strings are sent as is, other JSON values as their encoding.", Required: true},
			},
			handler: ts.sendMessage,
		},
		{
			name:        ToolWaitMessage,
			description: "Block until a message addressed to you arrives, optionally filtered by thread and sender.",
			schema: Schema{
				"threads":   {Type: "array", Items: "string", Description: "Accept messages from these threads only"},
				"senders":   {Type: "array", Items: "string", Description: "Accept messages from these agents only"},
				"timeoutMs": {Type: "integer", Description: "Wait limit in milliseconds", Minimum: &zero},
			},
			handler: ts.waitForMessage,
		},
		{
			name:        ToolCloseSession,
			description: "End the session, or record your departure when every agent must close.",
			schema: Schema{
				"reason": {Type: "string", Description: "Why the session is being closed"},
			},
			handler: ts.closeSession,
		},
		{
			name:        ToolListAgents,
			description: "List yourself and the agents you share a thread with.",
			schema:      Schema{},
			handler:     ts.listAgents,
		},
		{
			name:        ToolClaimPayment,
			description: "Claim a payment amount for work done in this session.",
			schema: Schema{
				"amount": {Type: "integer", Description: "Amount in minor units", Required: true},
				"note":   {Type: "string", Description: "Free-form note"},
			},
			handler: ts.claimPayment,
		},
	}
	return ts
}

// Names returns the tool names in registration order.
func (ts *Toolset) Names() []string {
	names := make([]string, len(ts.tools))
	for i, t := range ts.tools {
		names[i] = t.name
	}
	return names
}

func (ts *Toolset) lookup(name string) (tool, bool) {
	for _, t := range ts.tools {
		if t.name == name {
			return t, true
		}
	}
	return tool{}, false
}

// Dispatch decodes raw and runs tool name on behalf of the agent bound to h.
// The call is cancelled when either ctx or the binding ends.
func (ts *Toolset) Dispatch(ctx context.Context, h *Handle, name string, raw json.RawMessage) (out any, err error) {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	ctx, span := observability.StartSpanWithOtel(ctx, "tool."+name,
		trace.WithAttributes(
			attribute.String("session.id", h.key.String()),
			attribute.String("session.agent", h.agent),
			attribute.String("transport.kind", h.kind.String())))
	defer func() {
		if r := recover(); r != nil {
			ts.logger.Error("tool panic",
				zap.String("tool", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			out, err = nil, &ToolError{Code: CodeInternal, Err: fmt.Errorf("panic: %v", r)}
		}
		code := ErrorCode(err)
		span.SetAttributes(attribute.String("tool.code", code))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.RecordToolCall(name, code, time.Since(start))
		ts.logger.Debug("tool call",
			zap.String("tool", name),
			zap.String("session", h.key.String()),
			zap.String("agent", h.agent),
			zap.String("code", code),
			zap.Duration("duration", time.Since(start)))
	}()

	t, ok := ts.lookup(name)
	if !ok {
		return nil, &ToolError{Code: CodeInvalidArgument, Err: fmt.Errorf("unknown tool %q", name)}
	}
	s, err := ts.dir.Session(h.key)
	if err != nil {
		return nil, err
	}
	return t.handler(ctx, &toolCall{session: s, agent: h.agent, args: raw})
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

type sendMessageArgs struct {
	Thread  string          `json:"thread"`
	Payload json.RawMessage `json:"payload"`
}

// SendMessageResult is the result of send-message.
type SendMessageResult struct {
	MessageID int64  `json:"messageId"`
	Thread    string `json:"thread"`
}

func (ts *Toolset) sendMessage(_ context.Context, c *toolCall) (any, error) {
	var args sendMessageArgs
	if err := decodeArgs(c.args, &args); err != nil {
		return nil, err
	}
	if args.Thread == "" {
		return nil, fmt.Errorf("%w: thread is required", ErrInvalidArgument)
	}
	payload, err := payloadText(args.Payload)
	if err != nil {
		return nil, err
	}
	msg, err := c.session.PostMessage(c.agent, args.Thread, payload)
	if err != nil {
		return nil, err
	}
	return SendMessageResult{MessageID: msg.ID, Thread: msg.Thread}, nil
}

// payloadText returns a JSON string payload unquoted and any other JSON
// value as its compact encoding.
func payloadText(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", fmt.Errorf("%w: payload is required", ErrInvalidArgument)
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return s, nil
	}
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

type waitArgs struct {
	Threads   []string `json:"threads"`
	Senders   []string `json:"senders"`
	TimeoutMS int64    `json:"timeoutMs"`
}

// WaitResult is the result of wait-for-message.
type WaitResult struct {
	Message *session.Message `json:"message"`
}

func (ts *Toolset) waitForMessage(ctx context.Context, c *toolCall) (any, error) {
	var args waitArgs
	if err := decodeArgs(c.args, &args); err != nil {
		return nil, err
	}
	msg, err := c.session.WaitForMessage(ctx, c.agent,
		session.Filter{Threads: args.Threads, Senders: args.Senders},
		ts.waitTimeout(args.TimeoutMS))
	if err != nil {
		return nil, err
	}
	return WaitResult{Message: msg}, nil
}

func (ts *Toolset) waitTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return ts.defaultWait
	}
	if ms > int64(ts.maxWait/time.Millisecond) {
		return ts.maxWait
	}
	return time.Duration(ms) * time.Millisecond
}

type closeArgs struct {
	Reason string `json:"reason"`
}

// CloseResult is the result of close-session.
type CloseResult struct {
	Ack   bool `json:"ack"`
	Ended bool `json:"ended"`
}

func (ts *Toolset) closeSession(_ context.Context, c *toolCall) (any, error) {
	var args closeArgs
	if err := decodeArgs(c.args, &args); err != nil {
		return nil, err
	}
	ended, err := c.session.Close(c.agent, args.Reason)
	if err != nil {
		return nil, err
	}
	return CloseResult{Ack: true, Ended: ended}, nil
}

// ListAgentsResult is the result of list-agents.
type ListAgentsResult struct {
	Agents []session.AgentState `json:"agents"`
}

func (ts *Toolset) listAgents(_ context.Context, c *toolCall) (any, error) {
	st := c.session.Snapshot(false)
	var self *session.AgentState
	for i := range st.Agents {
		if st.Agents[i].Name == c.agent {
			self = &st.Agents[i]
			break
		}
	}
	if self == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrAgentNotFound, c.agent)
	}
	visible := make(map[string]bool, len(self.Links)+1)
	visible[c.agent] = true
	for _, l := range self.Links {
		visible[l] = true
	}
	out := ListAgentsResult{Agents: make([]session.AgentState, 0, len(visible))}
	for _, a := range st.Agents {
		if visible[a.Name] {
			out.Agents = append(out.Agents, a)
		}
	}
	return out, nil
}

type claimArgs struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

// ClaimResult is the result of claim-payment.
type ClaimResult struct {
	Ack bool `json:"ack"`
}

func (ts *Toolset) claimPayment(ctx context.Context, c *toolCall) (any, error) {
	var args claimArgs
	if err := decodeArgs(c.args, &args); err != nil {
		return nil, err
	}
	if args.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	if st := c.session.State(); st >= session.StateEnding {
		return nil, session.ErrSessionClosed
	}
	if ts.payment != nil {
		if err := ts.payment.OnClaim(ctx, c.session.Key(), c.agent, args.Amount); err != nil {
			return nil, err
		}
	}
	ts.logger.Info("payment claimed",
		zap.String("session", c.session.Key().String()),
		zap.String("agent", c.agent),
		zap.Int64("amount", args.Amount),
		zap.String("note", args.Note))
	return ClaimResult{Ack: true}, nil
}
