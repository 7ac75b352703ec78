package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aixgo-dev/convene/pkg/session"
)

// EventLogger writes session events to a logger. Lifecycle events are logged
// at info, message traffic at debug.
type EventLogger struct {
	logger *zap.Logger
}

// NewEventLogger returns an event sink that logs to logger.
func NewEventLogger(logger *zap.Logger) *EventLogger {
	return &EventLogger{logger: logger.Named("events")}
}

// HandleEvent implements session.EventSink.
func (l *EventLogger) HandleEvent(e session.Event) {
	level := zapcore.InfoLevel
	switch e.Type {
	case session.EventMessagePosted, session.EventMessageDelivered, session.EventAgentWaiting:
		level = zapcore.DebugLevel
	}
	ce := l.logger.Check(level, string(e.Type))
	if ce == nil {
		return
	}

	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("session", e.Key().String()),
	}
	if e.Agent != "" {
		fields = append(fields, zap.String("agent", e.Agent))
	}
	if e.Thread != "" {
		fields = append(fields, zap.String("thread", e.Thread))
	}
	if e.MessageID != 0 {
		fields = append(fields, zap.Int64("message_id", e.MessageID))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.Kind != "" {
		fields = append(fields, zap.String("transport", e.Kind))
	}
	ce.Write(fields...)
}
