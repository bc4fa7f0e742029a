package menu

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tessera-app/tessera/internal/authz"
	"github.com/tessera-app/tessera/internal/platform/httpx"
	"github.com/tessera-app/tessera/internal/tenant"
)

// Handler serves the permission-filtered navigation menu.
type Handler struct {
	logger  *slog.Logger
	service *Service
	mw      authz.Middleware
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw authz.Middleware) *Handler {
	return &Handler{logger: logger, service: service, mw: mw}
}

// MountRoutes registers menu routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAuthenticated())
		r.Get("/", h.userMenu)
	})
}

func (h *Handler) userMenu(w http.ResponseWriter, r *http.Request) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	scope, ok := authz.ScopeFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	tree, err := h.service.UserMenu(r.Context(), principal.ID, scope)
	if err != nil {
		h.logger.Error("menu: build user menu",
			slog.Int64("principal", principal.ID),
			slog.Any("error", err))
		if errors.Is(err, tenant.ErrNoTenant) || errors.Is(err, tenant.ErrInactivePrincipal) {
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"menu": tree})
}
