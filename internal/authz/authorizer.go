package authz

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/tessera-app/tessera/internal/observability"
	"github.com/tessera-app/tessera/internal/shared"
)

// LevelNever is a role-level threshold no assignment can meet. Callers gating
// on a named permission alone pass it as minRoleLevel.
const LevelNever = math.MaxInt32

// LevelSource resolves the highest active role level for a principal in a scope.
type LevelSource interface {
	MaxRoleLevel(ctx context.Context, principalID int64, scope Scope) (int, error)
}

// Authorizer answers hybrid "role-level OR named-permission" checks. A check
// is granted iff the principal's max role level in the scope meets the
// threshold, or the principal holds the required permission; either clause
// alone is sufficient. Transient lookup failures resolve to deny, never to a
// default grant.
type Authorizer struct {
	cache   *Cache
	levels  LevelSource
	logger  *slog.Logger
	audit   *shared.AuditLogger
	metrics *observability.Metrics
}

// NewAuthorizer constructs an Authorizer. The audit logger and metrics are
// optional.
func NewAuthorizer(cache *Cache, levels LevelSource, logger *slog.Logger, audit *shared.AuditLogger, metrics *observability.Metrics) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{cache: cache, levels: levels, logger: logger, audit: audit, metrics: metrics}
}

// Authorize evaluates the hybrid check for the principal in the scope. The
// returned Decision carries the matched clause for audit logging; HTTP
// surfaces must expose only the boolean outcome.
func (a *Authorizer) Authorize(ctx context.Context, principal Principal, scope Scope, requiredPermission string, minRoleLevel int) Decision {
	d := a.evaluate(ctx, principal, scope, requiredPermission, minRoleLevel)

	a.metrics.ObserveDecision(string(d.Clause), d.Granted)
	if d.Err != nil {
		a.logger.Error("authz: check indeterminate",
			slog.Int64("principal", principal.ID),
			slog.String("scope_type", string(scope.Type)),
			slog.Int64("scope_id", scope.ID),
			slog.String("permission", requiredPermission),
			slog.Any("error", d.Err))
	}
	a.recordAudit(ctx, principal, scope, requiredPermission, minRoleLevel, d)
	return d
}

func (a *Authorizer) evaluate(ctx context.Context, principal Principal, scope Scope, requiredPermission string, minRoleLevel int) Decision {
	if !principal.IsActive {
		return Decision{Granted: false, Clause: ClauseNone}
	}
	if principal.IsAdmin {
		return Decision{Granted: true, Clause: ClauseAdmin}
	}

	maxLevel, err := a.levels.MaxRoleLevel(ctx, principal.ID, scope)
	if err != nil {
		return Decision{Granted: false, Clause: ClauseIndeterminate, Err: err}
	}
	if maxLevel >= minRoleLevel {
		return Decision{Granted: true, Clause: ClauseLevel, MaxLevel: maxLevel}
	}

	set, err := a.cache.Get(ctx, principal, scope, false)
	if err != nil {
		return Decision{Granted: false, Clause: ClauseIndeterminate, MaxLevel: maxLevel, Err: err}
	}
	if requiredPermission != "" && set.Has(requiredPermission) {
		return Decision{Granted: true, Clause: ClausePermission, MaxLevel: maxLevel}
	}
	return Decision{Granted: false, Clause: ClauseNone, MaxLevel: maxLevel}
}

func (a *Authorizer) recordAudit(ctx context.Context, principal Principal, scope Scope, requiredPermission string, minRoleLevel int, d Decision) {
	if a.audit == nil {
		return
	}
	entry := shared.AuditLog{
		ActorID:  principal.ID,
		Action:   "authz.decision",
		Entity:   string(scope.Type),
		EntityID: fmt.Sprintf("%d", scope.ID),
		Meta: map[string]any{
			"permission": requiredPermission,
			"min_level":  minRoleLevel,
			"max_level":  d.MaxLevel,
			"clause":     string(d.Clause),
			"granted":    d.Granted,
		},
	}
	if err := a.audit.Record(ctx, entry); err != nil {
		a.logger.Warn("authz: audit record", slog.Any("error", err))
	}
}
