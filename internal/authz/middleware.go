package authz

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tessera-app/tessera/internal/shared"
)

type principalCtxKey struct{}

type scopeCtxKey struct{}

// ContextWithPrincipal stores the resolved principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFromContext extracts the resolved principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(Principal)
	return p, ok
}

// ContextWithScope stores the request scope in context.
func ContextWithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeCtxKey{}, s)
}

// ScopeFromContext extracts the request scope from context.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeCtxKey{}).(Scope)
	return s, ok
}

// PrincipalSource fetches principals by id.
type PrincipalSource interface {
	Principal(ctx context.Context, id int64) (Principal, error)
}

// Middleware wires authorization guards for HTTP handlers. It resolves the
// session principal and the request scope into the request context; guarded
// handlers read both back instead of re-deriving them.
type Middleware struct {
	Authorizer *Authorizer
	Principals PrincipalSource
	Logger     *slog.Logger

	// SystemContextID is the configured identifier substituted when a
	// request addresses the singleton system scope without an explicit id.
	SystemContextID int64
}

// RequireAuthenticated resolves the principal and scope and rejects
// anonymous or unknown principals without running an authorization check.
func (m Middleware) RequireAuthenticated() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, scope, ok := m.resolve(w, r)
			if !ok {
				return
			}
			ctx := ContextWithPrincipal(r.Context(), principal)
			ctx = ContextWithScope(ctx, scope)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Require guards a route with a hybrid check: the request proceeds when the
// principal's role level in the request scope meets minLevel, or the named
// permission is held. Pass LevelNever to gate on the permission alone. The
// response on denial is a generic 403; the matched clause stays internal.
func (m Middleware) Require(permission string, minLevel int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, scope, ok := m.resolve(w, r)
			if !ok {
				return
			}
			decision := m.Authorizer.Authorize(r.Context(), principal, scope, permission, minLevel)
			if !decision.Granted {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			ctx := ContextWithPrincipal(r.Context(), principal)
			ctx = ContextWithScope(ctx, scope)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (m Middleware) resolve(w http.ResponseWriter, r *http.Request) (Principal, Scope, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || !sess.Authenticated() {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return Principal{}, Scope{}, false
	}
	principal, err := m.Principals.Principal(r.Context(), sess.PrincipalID())
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("authz middleware: load principal",
				slog.Int64("principal", sess.PrincipalID()),
				slog.Any("error", err))
		}
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return Principal{}, Scope{}, false
	}
	scope, err := m.requestScope(r, principal)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return Principal{}, Scope{}, false
	}
	return principal, scope, true
}

// requestScope derives the evaluation scope from the request. Without
// explicit parameters the principal's own tenant is used; tenant-less
// principals default to the system scope. The singleton system scope always
// resolves to the configured identifier, never to an inferred one.
func (m Middleware) requestScope(r *http.Request, principal Principal) (Scope, error) {
	q := r.URL.Query()
	rawType := q.Get("context_type")
	rawID := q.Get("context_id")

	if rawType == "" {
		if principal.TenantID != nil {
			return Scope{Type: ScopeTenant, ID: *principal.TenantID}, nil
		}
		return Scope{Type: ScopeSystem, ID: m.SystemContextID}, nil
	}

	scopeType := ScopeType(rawType)
	if !scopeType.Valid() {
		return Scope{}, errInvalidScope
	}
	if rawID == "" {
		switch {
		case scopeType == ScopeSystem:
			return Scope{Type: ScopeSystem, ID: m.SystemContextID}, nil
		case scopeType == ScopeTenant && principal.TenantID != nil:
			return Scope{Type: ScopeTenant, ID: *principal.TenantID}, nil
		}
		return Scope{}, errMissingScopeID
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return Scope{}, errInvalidScope
	}
	return Scope{Type: scopeType, ID: id}, nil
}

var (
	errInvalidScope   = &scopeError{"invalid context"}
	errMissingScopeID = &scopeError{"context id required"}
)

type scopeError struct{ msg string }

func (e *scopeError) Error() string { return e.msg }
