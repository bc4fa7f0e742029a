// Package tenant binds the per-request tenant marker that row-visibility
// rules in the database consult. Exactly one binding is active per logical
// request, and the marker is always reset before the underlying session
// returns to the pool.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessera-app/tessera/internal/authz"
)

// markerSetting is the session setting row-visibility policies read.
const markerSetting = "app.current_tenant"

var (
	// ErrNoTenant rejects principals with no tenant association. Only
	// admin-bypass principals may run without one.
	ErrNoTenant = errors.New("tenant: principal has no tenant association")
	// ErrInactivePrincipal rejects disabled accounts before any binding.
	ErrInactivePrincipal = errors.New("tenant: principal is not active")
)

// Execer is the slice of a database session the binding needs.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Session is the database surface handed to callers while their tenant
// marker is bound.
type Session interface {
	Execer
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PooledSession extends Session with its pool lifecycle. Release returns the
// session for reuse; Discard closes it so it never serves another caller.
type PooledSession interface {
	Session
	Release()
	Discard(ctx context.Context) error
}

// SessionPool hands out pooled sessions. PoolSessions adapts a pgx pool.
type SessionPool interface {
	AcquireSession(ctx context.Context) (PooledSession, error)
}

// PoolSessions adapts a pgx connection pool to SessionPool.
func PoolSessions(pool *pgxpool.Pool) SessionPool {
	return poolSessions{pool: pool}
}

type poolSessions struct {
	pool *pgxpool.Pool
}

func (p poolSessions) AcquireSession(ctx context.Context) (PooledSession, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return poolSession{conn: conn}, nil
}

type poolSession struct {
	conn *pgxpool.Conn
}

func (s poolSession) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return s.conn.Exec(ctx, sql, arguments...)
}

func (s poolSession) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.conn.Query(ctx, sql, args...)
}

func (s poolSession) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.conn.QueryRow(ctx, sql, args...)
}

func (s poolSession) Release() {
	s.conn.Release()
}

func (s poolSession) Discard(ctx context.Context) error {
	return s.conn.Hijack().Close(ctx)
}

// Bind validates the principal and sets the session tenant marker. A
// tenant-less admin-bypass principal gets the neutral "no restriction"
// marker; any other tenant-less principal is rejected.
func Bind(ctx context.Context, sess Execer, principal authz.Principal) error {
	if !principal.IsActive {
		return ErrInactivePrincipal
	}
	if principal.TenantID == nil {
		if !principal.IsAdmin {
			return ErrNoTenant
		}
		return setMarker(ctx, sess, "")
	}
	return setMarker(ctx, sess, strconv.FormatInt(*principal.TenantID, 10))
}

// Unbind restores the marker to the neutral value.
func Unbind(ctx context.Context, sess Execer) error {
	return setMarker(ctx, sess, "")
}

func setMarker(ctx context.Context, sess Execer, value string) error {
	if _, err := sess.Exec(ctx, `SELECT set_config($1, $2, false)`, markerSetting, value); err != nil {
		return fmt.Errorf("tenant: set marker: %w", err)
	}
	return nil
}

// PrincipalSource resolves principals for tenant-ownership validation.
type PrincipalSource interface {
	Principal(ctx context.Context, id int64) (authz.Principal, error)
}

// Propagator scopes tenant bindings to one pooled session per unit of work.
type Propagator struct {
	sessions SessionPool
	store    PrincipalSource
	logger   *slog.Logger
}

// NewPropagator constructs a Propagator over a pgx pool.
func NewPropagator(pool *pgxpool.Pool, store PrincipalSource, logger *slog.Logger) *Propagator {
	return NewPropagatorWithSessions(PoolSessions(pool), store, logger)
}

// NewPropagatorWithSessions constructs a Propagator over any session pool.
func NewPropagatorWithSessions(sessions SessionPool, store PrincipalSource, logger *slog.Logger) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Propagator{sessions: sessions, store: store, logger: logger}
}

// WithTenant resolves the principal, acquires a session, binds its tenant
// marker, runs fn, and guarantees the marker is reset on every exit path.
func (p *Propagator) WithTenant(ctx context.Context, principalID int64, fn func(ctx context.Context, sess Session) error) error {
	principal, err := p.store.Principal(ctx, principalID)
	if err != nil {
		return fmt.Errorf("tenant: resolve principal: %w", err)
	}
	return p.WithPrincipal(ctx, principal, fn)
}

// WithPrincipal is WithTenant for callers that already hold the principal.
func (p *Propagator) WithPrincipal(ctx context.Context, principal authz.Principal, fn func(ctx context.Context, sess Session) error) error {
	sess, err := p.sessions.AcquireSession(ctx)
	if err != nil {
		return fmt.Errorf("tenant: acquire session: %w", err)
	}
	if err := Bind(ctx, sess, principal); err != nil {
		sess.Release()
		return err
	}
	defer func() {
		// The reset must run even when ctx is cancelled: a session returned
		// to the pool with a live marker would leak rows across tenants.
		cleanupCtx := context.WithoutCancel(ctx)
		if err := Unbind(cleanupCtx, sess); err != nil {
			p.logger.Error("tenant: unbind failed, discarding session",
				slog.Int64("principal", principal.ID),
				slog.Any("error", err))
			if err := sess.Discard(cleanupCtx); err != nil {
				p.logger.Error("tenant: discard session",
					slog.Int64("principal", principal.ID),
					slog.Any("error", err))
			}
			return
		}
		sess.Release()
	}()
	return fn(ctx, sess)
}
