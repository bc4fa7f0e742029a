package authz

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tessera-app/tessera/internal/platform/httpx"
	"github.com/tessera-app/tessera/internal/shared"
)

// Handler exposes authorization introspection and cache invalidation.
type Handler struct {
	logger     *slog.Logger
	authorizer *Authorizer
	cache      *Cache
	mw         Middleware
	validate   *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, authorizer *Authorizer, cache *Cache, mw Middleware) *Handler {
	return &Handler{
		logger:     logger,
		authorizer: authorizer,
		cache:      cache,
		mw:         mw,
		validate:   validator.New(),
	}
}

// MountRoutes registers authorization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAuthenticated())
		r.Post("/check", h.check)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.Require(shared.PermRolesEdit, LevelNever))
		r.Post("/invalidate/principal", h.invalidatePrincipal)
		r.Post("/invalidate/scope", h.invalidateScope)
	})
}

type checkRequest struct {
	ContextType string `json:"context_type" validate:"required,oneof=system tenant subtenant"`
	ContextID   int64  `json:"context_id" validate:"gte=0"`
	Permission  string `json:"permission" validate:"required_without=MinLevel"`
	MinLevel    *int   `json:"min_level" validate:"omitempty,gte=0"`
}

// check evaluates a hybrid authorization question for the session principal.
// Only the boolean outcome leaves the process; the matched clause is
// reserved for audit logging.
func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	// An absent min_level gates on the permission alone; an explicit value,
	// zero included, is taken at face value.
	minLevel := LevelNever
	if req.MinLevel != nil {
		minLevel = *req.MinLevel
	}
	scope := h.requestedScope(req.ContextType, req.ContextID)
	decision := h.authorizer.Authorize(r.Context(), principal, scope, req.Permission, minLevel)
	httpx.JSON(w, http.StatusOK, map[string]bool{"granted": decision.Granted})
}

// requestedScope mirrors the middleware's scope resolution: the singleton
// system scope always evaluates under the configured identifier, so the
// introspection answer matches what enforcement would decide.
func (h *Handler) requestedScope(contextType string, contextID int64) Scope {
	scope := Scope{Type: ScopeType(contextType), ID: contextID}
	if scope.Type == ScopeSystem {
		scope.ID = h.mw.SystemContextID
	}
	return scope
}

type invalidatePrincipalRequest struct {
	PrincipalID int64 `json:"principal_id" validate:"required,gt=0"`
}

func (h *Handler) invalidatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req invalidatePrincipalRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	h.cache.InvalidatePrincipal(r.Context(), req.PrincipalID)
	w.WriteHeader(http.StatusNoContent)
}

type invalidateScopeRequest struct {
	ContextType string `json:"context_type" validate:"required,oneof=system tenant subtenant"`
	ContextID   int64  `json:"context_id" validate:"gte=0"`
}

func (h *Handler) invalidateScope(w http.ResponseWriter, r *http.Request) {
	var req invalidateScopeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	h.cache.InvalidateScope(r.Context(), h.requestedScope(req.ContextType, req.ContextID))
	w.WriteHeader(http.StatusNoContent)
}
