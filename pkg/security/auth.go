package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Permission is an action on the admin API.
type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
	PermAdmin Permission = "admin"
)

// Roles understood by RBACAuthorizer.
const (
	RoleAdmin    = "admin"
	RoleReadOnly = "readonly"
)

// APIKeyHeader is the alternative to "Authorization: Bearer <key>".
const APIKeyHeader = "X-API-Key"

var (
	// ErrMissingToken is returned when a request carries no credentials.
	ErrMissingToken = errors.New("missing authentication token")
	// ErrInvalidToken is returned for credentials that match no key.
	ErrInvalidToken = errors.New("invalid authentication token")
	// ErrAccessDenied is returned when a principal lacks a permission.
	ErrAccessDenied = errors.New("access denied")
)

// Principal is an authenticated API caller.
type Principal struct {
	ID    string
	Name  string
	Roles []string
	// Permissions are granted on top of the roles.
	Permissions []Permission
}

// AuthContext travels with an authenticated request.
type AuthContext struct {
	Principal   *Principal
	IPAddress   string
	UserAgent   string
	RequestTime time.Time
}

// Authenticator resolves a token to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// Authorizer decides whether a principal may act on a resource.
type Authorizer interface {
	Authorize(ctx context.Context, principal *Principal, resource string, permission Permission) error
}

// APIKeyAuthenticator authenticates static API keys.
type APIKeyAuthenticator struct {
	keys map[string]*Principal
	mu   sync.RWMutex
}

// NewAPIKeyAuthenticator creates an authenticator without keys.
func NewAPIKeyAuthenticator() *APIKeyAuthenticator {
	return &APIKeyAuthenticator{
		keys: make(map[string]*Principal),
	}
}

// AddKey registers an API key for principal.
func (a *APIKeyAuthenticator) AddKey(apiKey string, principal *Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[apiKey] = principal
}

// Len returns the number of registered keys.
func (a *APIKeyAuthenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// Authenticate implements Authenticator.
func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	// Every key is compared so the match position doesn't leak through timing.
	var found *Principal
	for key, principal := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			found = principal
		}
	}
	if found == nil {
		return nil, ErrInvalidToken
	}
	return found, nil
}

// RBACAuthorizer grants permissions by role.
type RBACAuthorizer struct {
	rolePermissions map[string][]Permission
	mu              sync.RWMutex
}

// NewRBACAuthorizer creates an authorizer with the admin and readonly roles.
func NewRBACAuthorizer() *RBACAuthorizer {
	a := &RBACAuthorizer{rolePermissions: make(map[string][]Permission)}
	for _, perm := range []Permission{PermRead, PermWrite, PermAdmin} {
		a.AddRolePermission(RoleAdmin, perm)
	}
	a.AddRolePermission(RoleReadOnly, PermRead)
	return a
}

// AddRolePermission grants perm to role, creating the role if needed.
func (a *RBACAuthorizer) AddRolePermission(role string, perm Permission) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, existing := range a.rolePermissions[role] {
		if existing == perm {
			return
		}
	}
	a.rolePermissions[role] = append(a.rolePermissions[role], perm)
}

// Authorize implements Authorizer. PermAdmin implies every permission.
func (a *RBACAuthorizer) Authorize(_ context.Context, principal *Principal, _ string, permission Permission) error {
	if principal == nil {
		return ErrAccessDenied
	}
	if grants(principal.Permissions, permission) {
		return nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, role := range principal.Roles {
		if grants(a.rolePermissions[role], permission) {
			return nil
		}
	}
	return ErrAccessDenied
}

func grants(perms []Permission, want Permission) bool {
	for _, p := range perms {
		if p == want || p == PermAdmin {
			return true
		}
	}
	return false
}

// OpenAuthenticator accepts every request as an anonymous admin. It is used
// when no API keys are configured.
type OpenAuthenticator struct {
	principal *Principal
}

// NewOpenAuthenticator creates an OpenAuthenticator.
func NewOpenAuthenticator() *OpenAuthenticator {
	return &OpenAuthenticator{
		principal: &Principal{
			ID:    "anonymous",
			Name:  "anonymous",
			Roles: []string{RoleAdmin},
		},
	}
}

// Authenticate implements Authenticator.
func (a *OpenAuthenticator) Authenticate(context.Context, string) (*Principal, error) {
	return a.principal, nil
}

// TokenFromRequest extracts a bearer token or X-API-Key header value.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}

type contextKey string

const authContextKey contextKey = "auth_context"

// WithAuthContext stores authCtx in ctx.
func WithAuthContext(ctx context.Context, authCtx *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, authCtx)
}

// GetAuthContext retrieves the auth context stored by WithAuthContext.
func GetAuthContext(ctx context.Context) (*AuthContext, error) {
	authCtx, ok := ctx.Value(authContextKey).(*AuthContext)
	if !ok || authCtx == nil {
		return nil, errors.New("no authentication context found")
	}
	return authCtx, nil
}

// GetPrincipal retrieves the principal of the request.
func GetPrincipal(ctx context.Context) (*Principal, error) {
	authCtx, err := GetAuthContext(ctx)
	if err != nil {
		return nil, err
	}
	return authCtx.Principal, nil
}
