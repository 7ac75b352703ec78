package security

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestAPIKeyAuthenticator(t *testing.T) {
	auth := NewAPIKeyAuthenticator()
	ops := &Principal{ID: "ops", Roles: []string{RoleAdmin}}
	viewer := &Principal{ID: "viewer", Roles: []string{RoleReadOnly}}
	auth.AddKey("ops-key-0123456789", ops)
	auth.AddKey("viewer-key-0123456789", viewer)

	tests := []struct {
		name    string
		token   string
		want    *Principal
		wantErr error
	}{
		{name: "admin key", token: "ops-key-0123456789", want: ops},
		{name: "readonly key", token: "viewer-key-0123456789", want: viewer},
		{name: "empty", token: "", wantErr: ErrMissingToken},
		{name: "unknown", token: "nope", wantErr: ErrInvalidToken},
		{name: "prefix of a key", token: "ops-key", wantErr: ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := auth.Authenticate(context.Background(), tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("principal = %v, want %v", got, tt.want)
			}
		})
	}
	if auth.Len() != 2 {
		t.Errorf("Len = %d, want 2", auth.Len())
	}
}

func TestRBACAuthorizer(t *testing.T) {
	authz := NewRBACAuthorizer()
	authz.AddRolePermission("writer", PermWrite)
	authz.AddRolePermission("writer", PermWrite)

	tests := []struct {
		name      string
		principal *Principal
		perm      Permission
		allowed   bool
	}{
		{name: "admin writes", principal: &Principal{Roles: []string{RoleAdmin}}, perm: PermWrite, allowed: true},
		{name: "readonly reads", principal: &Principal{Roles: []string{RoleReadOnly}}, perm: PermRead, allowed: true},
		{name: "readonly cannot write", principal: &Principal{Roles: []string{RoleReadOnly}}, perm: PermWrite},
		{name: "custom role", principal: &Principal{Roles: []string{"writer"}}, perm: PermWrite, allowed: true},
		{name: "custom role cannot read", principal: &Principal{Roles: []string{"writer"}}, perm: PermRead},
		{name: "direct permission", principal: &Principal{Permissions: []Permission{PermRead}}, perm: PermRead, allowed: true},
		{name: "direct admin implies all", principal: &Principal{Permissions: []Permission{PermAdmin}}, perm: PermWrite, allowed: true},
		{name: "unknown role", principal: &Principal{Roles: []string{"ghost"}}, perm: PermRead},
		{name: "nil principal", principal: nil, perm: PermRead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := authz.Authorize(context.Background(), tt.principal, "sessions", tt.perm)
			if tt.allowed && err != nil {
				t.Fatalf("unexpected denial: %v", err)
			}
			if !tt.allowed && !errors.Is(err, ErrAccessDenied) {
				t.Fatalf("err = %v, want ErrAccessDenied", err)
			}
		})
	}

	if n := len(authz.rolePermissions["writer"]); n != 1 {
		t.Errorf("duplicate grant stored %d permissions", n)
	}
}

func TestOpenAuthenticator(t *testing.T) {
	p, err := NewOpenAuthenticator().Authenticate(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := NewRBACAuthorizer().Authorize(context.Background(), p, "sessions", PermWrite); err != nil {
		t.Errorf("anonymous principal should be an admin: %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "bearer", headers: map[string]string{"Authorization": "Bearer abc"}, want: "abc"},
		{name: "bearer lower case", headers: map[string]string{"Authorization": "bearer  abc "}, want: "abc"},
		{name: "basic is ignored", headers: map[string]string{"Authorization": "Basic abc"}, want: ""},
		{name: "api key header", headers: map[string]string{APIKeyHeader: "xyz"}, want: "xyz"},
		{name: "authorization wins", headers: map[string]string{"Authorization": "Bearer abc", APIKeyHeader: "xyz"}, want: "abc"},
		{name: "none", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := TokenFromRequest(r); got != tt.want {
				t.Errorf("TokenFromRequest = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthContext(t *testing.T) {
	if _, err := GetPrincipal(context.Background()); err == nil {
		t.Error("expected an error without auth context")
	}

	p := &Principal{ID: "ops"}
	ctx := WithAuthContext(context.Background(), &AuthContext{Principal: p, IPAddress: "10.0.0.1"})
	got, err := GetPrincipal(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != p {
		t.Errorf("principal = %v, want %v", got, p)
	}
}

func TestAPIKeyAuthenticator_Concurrent(t *testing.T) {
	auth := NewAPIKeyAuthenticator()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		key := "key-" + strings.Repeat("x", i+1)
		go func() {
			defer wg.Done()
			auth.AddKey(key, &Principal{ID: key})
		}()
		go func() {
			defer wg.Done()
			_, _ = auth.Authenticate(context.Background(), key)
		}()
	}
	wg.Wait()
	if auth.Len() != 20 {
		t.Errorf("Len = %d, want 20", auth.Len())
	}
}
