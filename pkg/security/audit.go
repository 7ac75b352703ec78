package security

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// AuditEvent is a security relevant action on the admin API.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Resource  string            `json:"resource"`
	Action    string            `json:"action"`
	Result    string            `json:"result"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Audit event types.
const (
	AuditAuthAttempt   = "auth.attempt"
	AuditAuthorization = "auth.authorization"
	AuditAdminAction   = "admin.action"
)

// AuditLogger records audit events.
type AuditLogger interface {
	Log(event *AuditEvent)
	LogAuthAttempt(ctx context.Context, success bool, err error)
	LogAuthorizationCheck(ctx context.Context, resource string, permission Permission, allowed bool)
	LogAdminAction(ctx context.Context, action, resource string, err error)
	Close() error
}

// newAuditEvent fills the caller fields from the auth context in ctx.
func newAuditEvent(ctx context.Context, typ, resource, action string) *AuditEvent {
	event := &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: typ,
		Resource:  resource,
		Action:    action,
	}
	if authCtx, err := GetAuthContext(ctx); err == nil {
		if authCtx.Principal != nil {
			event.UserID = authCtx.Principal.ID
		}
		event.IPAddress = authCtx.IPAddress
		event.UserAgent = authCtx.UserAgent
	}
	return event
}

func outcome(event *AuditEvent, err error) {
	if err != nil {
		event.Result = "failure"
		event.Error = sanitizeErrorMessage(err.Error())
		return
	}
	event.Result = "success"
}

// auditRecorder implements the typed helpers on top of a Log func.
type auditRecorder struct {
	log func(*AuditEvent)
}

func (r auditRecorder) LogAuthAttempt(ctx context.Context, success bool, err error) {
	event := newAuditEvent(ctx, AuditAuthAttempt, "system", "authenticate")
	if success {
		err = nil
	} else if err == nil {
		err = ErrInvalidToken
	}
	outcome(event, err)
	r.log(event)
}

func (r auditRecorder) LogAuthorizationCheck(ctx context.Context, resource string, permission Permission, allowed bool) {
	event := newAuditEvent(ctx, AuditAuthorization, resource, string(permission))
	event.Result = "denied"
	if allowed {
		event.Result = "allowed"
	}
	r.log(event)
}

func (r auditRecorder) LogAdminAction(ctx context.Context, action, resource string, err error) {
	event := newAuditEvent(ctx, AuditAdminAction, resource, action)
	outcome(event, err)
	r.log(event)
}

// ZapAuditLogger writes audit events as structured log entries.
type ZapAuditLogger struct {
	auditRecorder
	logger *zap.Logger
}

// NewZapAuditLogger creates an audit logger on a child of logger named
// "audit".
func NewZapAuditLogger(logger *zap.Logger) *ZapAuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &ZapAuditLogger{logger: logger.Named("audit")}
	l.auditRecorder = auditRecorder{log: l.Log}
	return l
}

// Log implements AuditLogger.
func (l *ZapAuditLogger) Log(event *AuditEvent) {
	fields := []zap.Field{
		zap.Time("timestamp", event.Timestamp),
		zap.String("resource", event.Resource),
		zap.String("action", event.Action),
		zap.String("result", event.Result),
	}
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if event.IPAddress != "" {
		fields = append(fields, zap.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", event.UserAgent))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	if event.Result == "failure" || event.Result == "denied" {
		l.logger.Warn(event.EventType, fields...)
		return
	}
	l.logger.Info(event.EventType, fields...)
}

// Close flushes the underlying logger.
func (l *ZapAuditLogger) Close() error {
	_ = l.logger.Sync()
	return nil
}

// NoOpAuditLogger discards events.
type NoOpAuditLogger struct{}

// NewNoOpAuditLogger creates a NoOpAuditLogger.
func NewNoOpAuditLogger() *NoOpAuditLogger { return &NoOpAuditLogger{} }

func (NoOpAuditLogger) Log(*AuditEvent) {}
func (NoOpAuditLogger) LogAuthAttempt(context.Context, bool, error) {}
func (NoOpAuditLogger) LogAuthorizationCheck(context.Context, string, Permission, bool) {}
func (NoOpAuditLogger) LogAdminAction(context.Context, string, string, error) {}
func (NoOpAuditLogger) Close() error { return nil }
