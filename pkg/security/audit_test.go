package security

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func authedContext() context.Context {
	return WithAuthContext(context.Background(), &AuthContext{
		Principal: &Principal{ID: "ops"},
		IPAddress: "10.1.2.3",
		UserAgent: "convene-cli",
	})
}

func TestAuditRecorder(t *testing.T) {
	var events []AuditEvent
	l := auditRecorder{log: func(e *AuditEvent) { events = append(events, *e) }}
	ctx := authedContext()

	l.LogAuthAttempt(ctx, true, nil)
	l.LogAuthAttempt(context.Background(), false, nil)
	l.LogAuthorizationCheck(ctx, "sessions", PermWrite, false)
	l.LogAdminAction(ctx, "session.end", "default/s1", nil)
	l.LogAdminAction(ctx, "session.create", "default/s2", errors.New("bad token=abcdefghijklmnopqrstuvwxyz"))

	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}

	tests := []struct {
		typ, result, user string
	}{
		{AuditAuthAttempt, "success", "ops"},
		{AuditAuthAttempt, "failure", ""},
		{AuditAuthorization, "denied", "ops"},
		{AuditAdminAction, "success", "ops"},
		{AuditAdminAction, "failure", "ops"},
	}
	for i, tt := range tests {
		e := events[i]
		if e.EventType != tt.typ || e.Result != tt.result || e.UserID != tt.user {
			t.Errorf("event %d = %s/%s/%s, want %s/%s/%s", i, e.EventType, e.Result, e.UserID, tt.typ, tt.result, tt.user)
		}
	}

	if events[3].Resource != "default/s1" || events[3].Action != "session.end" {
		t.Errorf("admin action fields = %+v", events[3])
	}
	if events[0].IPAddress != "10.1.2.3" || events[0].UserAgent != "convene-cli" {
		t.Errorf("caller fields missing: %+v", events[0])
	}
	if strings.Contains(events[4].Error, "abcdefghijklmnopqrstuvwxyz") {
		t.Errorf("error was not sanitized: %q", events[4].Error)
	}
}

func TestZapAuditLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewZapAuditLogger(zap.New(core))

	l.LogAdminAction(authedContext(), "session.end", "default/s1", nil)
	l.LogAuthorizationCheck(authedContext(), "sessions", PermWrite, false)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Message != AuditAdminAction || entries[0].Level != zapcore.InfoLevel {
		t.Errorf("entry 0 = %s at %s", entries[0].Message, entries[0].Level)
	}
	if entries[0].LoggerName != "audit" {
		t.Errorf("logger name = %q", entries[0].LoggerName)
	}
	if got := entries[0].ContextMap()["user_id"]; got != "ops" {
		t.Errorf("user_id = %v", got)
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Errorf("denials should log at warn, got %s", entries[1].Level)
	}
	if err := l.Close(); err != nil {
		t.Error(err)
	}
}

func TestAuditLoggers_Interface(t *testing.T) {
	for _, l := range []AuditLogger{
		NewZapAuditLogger(nil),
		NewNoOpAuditLogger(),
	} {
		l.LogAuthAttempt(context.Background(), true, nil)
		if err := l.Close(); err != nil {
			t.Errorf("%T.Close: %v", l, err)
		}
	}
}

func TestSanitizeMessage(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		absent  string
		present string
	}{
		{name: "agent secret", in: "bind cvs_AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA failed", absent: "cvs_AAAA", present: "[REDACTED]"},
		{name: "file path", in: "open /etc/convene/registry.yaml", absent: "/etc/", present: "[PATH]"},
		{name: "ip address", in: "dial 10.0.0.1 refused", absent: "10.0.0.1", present: "[IP_ADDRESS]"},
		{name: "stack frame", in: "at handler.go:42", absent: "handler.go:42", present: "[FILE:LINE]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeMessage(tt.in)
			if strings.Contains(got, tt.absent) {
				t.Errorf("%q still contains %q", got, tt.absent)
			}
			if !strings.Contains(got, tt.present) {
				t.Errorf("%q lacks %q", got, tt.present)
			}
		})
	}
}

func TestMaskSecret(t *testing.T) {
	if got := MaskSecret("cvs_abcdefghijkl"); got != "cvs_****ijkl" {
		t.Errorf("MaskSecret = %q", got)
	}
	if got := MaskSecret("short"); got != "****" {
		t.Errorf("MaskSecret(short) = %q", got)
	}
	if MaskSecret("") != "" {
		t.Error("empty secret should stay empty")
	}
}

func TestIsValidAPIKeyFormat(t *testing.T) {
	if IsValidAPIKeyFormat("short") {
		t.Error("short keys are invalid")
	}
	if IsValidAPIKeyFormat("0123456789abcdef ghi") {
		t.Error("keys with spaces are invalid")
	}
	if !IsValidAPIKeyFormat("0123456789abcdef") {
		t.Error("16 printable characters are valid")
	}
}

func TestSecrets(t *testing.T) {
	a, err := NewSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewSecret()
	if !strings.HasPrefix(a, SecretPrefix) || len(a) != len(SecretPrefix)+43 {
		t.Errorf("secret %q has the wrong shape", a)
	}
	if SecretsEqual(a, b) || !SecretsEqual(a, a) {
		t.Error("SecretsEqual is wrong")
	}
	tok, err := NewToken(18)
	if err != nil || len(tok) != 24 {
		t.Errorf("NewToken(18) = %q, %v", tok, err)
	}
}
