package tenant_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tessera-app/tessera/internal/authz"
	"github.com/tessera-app/tessera/internal/tenant"
	_ "github.com/tessera-app/tessera/testing"
)

type fakeSession struct {
	markers []string
	err     error

	// failReset makes only the neutral-marker reset fail.
	failReset bool
	// rejectCancelled makes Exec honor context cancellation.
	rejectCancelled bool
}

func (f *fakeSession) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.rejectCancelled && ctx.Err() != nil {
		return pgconn.CommandTag{}, ctx.Err()
	}
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	if len(args) != 2 {
		return pgconn.CommandTag{}, errors.New("unexpected arguments")
	}
	if args[0] != "app.current_tenant" {
		return pgconn.CommandTag{}, errors.New("unexpected setting name")
	}
	value := args[1].(string)
	if f.failReset && value == "" {
		return pgconn.CommandTag{}, errors.New("connection reset")
	}
	f.markers = append(f.markers, value)
	return pgconn.NewCommandTag("SELECT 1"), nil
}

type fakePooledSession struct {
	fakeSession
	releases int
	discards int
}

func (f *fakePooledSession) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePooledSession) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (f *fakePooledSession) Release() { f.releases++ }

func (f *fakePooledSession) Discard(ctx context.Context) error {
	f.discards++
	return nil
}

type fakeSessionPool struct {
	sess *fakePooledSession
	err  error
}

func (f *fakeSessionPool) AcquireSession(ctx context.Context) (tenant.PooledSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

func tenantPrincipal(id, tenantID int64) authz.Principal {
	return authz.Principal{ID: id, TenantID: &tenantID, IsActive: true}
}

func newPropagator(sess *fakePooledSession) *tenant.Propagator {
	return tenant.NewPropagatorWithSessions(&fakeSessionPool{sess: sess}, nil, nil)
}

func TestBindSetsTenantMarker(t *testing.T) {
	sess := &fakeSession{}
	if err := tenant.Bind(context.Background(), sess, tenantPrincipal(1, 77)); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if len(sess.markers) != 1 || sess.markers[0] != "77" {
		t.Fatalf("markers = %v, want [77]", sess.markers)
	}
}

func TestBindRejectsTenantlessPrincipal(t *testing.T) {
	sess := &fakeSession{}
	err := tenant.Bind(context.Background(), sess, authz.Principal{ID: 1, IsActive: true})
	if !errors.Is(err, tenant.ErrNoTenant) {
		t.Fatalf("expected ErrNoTenant, got %v", err)
	}
	if len(sess.markers) != 0 {
		t.Fatalf("no marker must be set on rejection, got %v", sess.markers)
	}
}

func TestBindRejectsInactivePrincipal(t *testing.T) {
	sess := &fakeSession{}
	err := tenant.Bind(context.Background(), sess, authz.Principal{ID: 1, IsActive: false})
	if !errors.Is(err, tenant.ErrInactivePrincipal) {
		t.Fatalf("expected ErrInactivePrincipal, got %v", err)
	}
}

func TestBindAdminWithoutTenantGetsNeutralMarker(t *testing.T) {
	sess := &fakeSession{}
	if err := tenant.Bind(context.Background(), sess, authz.Principal{ID: 1, IsAdmin: true, IsActive: true}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if len(sess.markers) != 1 || sess.markers[0] != "" {
		t.Fatalf("markers = %v, want one neutral marker", sess.markers)
	}
}

func TestUnbindResetsMarker(t *testing.T) {
	sess := &fakeSession{}
	if err := tenant.Bind(context.Background(), sess, tenantPrincipal(1, 77)); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := tenant.Unbind(context.Background(), sess); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	want := []string{"77", ""}
	if len(sess.markers) != 2 || sess.markers[0] != want[0] || sess.markers[1] != want[1] {
		t.Fatalf("markers = %v, want %v", sess.markers, want)
	}
}

func TestSequentialReuseNeverLeaksMarker(t *testing.T) {
	sess := &fakeSession{}
	ctx := context.Background()

	// Session serves tenant A, is reset, then serves tenant B.
	if err := tenant.Bind(ctx, sess, tenantPrincipal(1, 10)); err != nil {
		t.Fatalf("bind A: %v", err)
	}
	if err := tenant.Unbind(ctx, sess); err != nil {
		t.Fatalf("unbind A: %v", err)
	}
	if err := tenant.Bind(ctx, sess, tenantPrincipal(2, 20)); err != nil {
		t.Fatalf("bind B: %v", err)
	}
	if err := tenant.Unbind(ctx, sess); err != nil {
		t.Fatalf("unbind B: %v", err)
	}

	want := []string{"10", "", "20", ""}
	if len(sess.markers) != len(want) {
		t.Fatalf("markers = %v, want %v", sess.markers, want)
	}
	for i := range want {
		if sess.markers[i] != want[i] {
			t.Fatalf("markers = %v, want %v", sess.markers, want)
		}
	}
}

func TestBindSurfacesExecError(t *testing.T) {
	sess := &fakeSession{err: errors.New("connection reset")}
	err := tenant.Bind(context.Background(), sess, tenantPrincipal(1, 77))
	if err == nil {
		t.Fatalf("expected exec error to surface")
	}
}

func TestWithPrincipalUnbindsAndReleases(t *testing.T) {
	sess := &fakePooledSession{}
	p := newPropagator(sess)

	err := p.WithPrincipal(context.Background(), tenantPrincipal(1, 7), func(ctx context.Context, s tenant.Session) error {
		return nil
	})
	if err != nil {
		t.Fatalf("with principal: %v", err)
	}
	want := []string{"7", ""}
	if len(sess.markers) != 2 || sess.markers[0] != want[0] || sess.markers[1] != want[1] {
		t.Fatalf("markers = %v, want %v", sess.markers, want)
	}
	if sess.releases != 1 || sess.discards != 0 {
		t.Fatalf("releases = %d, discards = %d, want 1 and 0", sess.releases, sess.discards)
	}
}

func TestWithPrincipalUnbindsWhenFnFails(t *testing.T) {
	sess := &fakePooledSession{}
	p := newPropagator(sess)

	wantErr := errors.New("handler blew up")
	err := p.WithPrincipal(context.Background(), tenantPrincipal(1, 7), func(ctx context.Context, s tenant.Session) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if len(sess.markers) != 2 || sess.markers[1] != "" {
		t.Fatalf("markers = %v, marker must be reset after fn error", sess.markers)
	}
	if sess.releases != 1 || sess.discards != 0 {
		t.Fatalf("releases = %d, discards = %d, want 1 and 0", sess.releases, sess.discards)
	}
}

func TestWithPrincipalUnbindsOnCancelledContext(t *testing.T) {
	sess := &fakePooledSession{}
	sess.rejectCancelled = true
	p := newPropagator(sess)

	ctx, cancel := context.WithCancel(context.Background())
	err := p.WithPrincipal(ctx, tenantPrincipal(1, 7), func(ctx context.Context, s tenant.Session) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// The reset runs detached from the cancelled request context.
	if len(sess.markers) != 2 || sess.markers[1] != "" {
		t.Fatalf("markers = %v, marker must be reset despite cancellation", sess.markers)
	}
	if sess.releases != 1 || sess.discards != 0 {
		t.Fatalf("releases = %d, discards = %d, want 1 and 0", sess.releases, sess.discards)
	}
}

func TestWithPrincipalDiscardsSessionWhenResetFails(t *testing.T) {
	sess := &fakePooledSession{}
	sess.failReset = true
	p := newPropagator(sess)

	err := p.WithPrincipal(context.Background(), tenantPrincipal(1, 7), func(ctx context.Context, s tenant.Session) error {
		return nil
	})
	if err != nil {
		t.Fatalf("with principal: %v", err)
	}
	// A session whose marker could not be reset must never re-enter the pool.
	if sess.releases != 0 {
		t.Fatalf("releases = %d, session with a live marker must not be released", sess.releases)
	}
	if sess.discards != 1 {
		t.Fatalf("discards = %d, want 1", sess.discards)
	}
}

func TestWithPrincipalReleasesOnBindRejection(t *testing.T) {
	sess := &fakePooledSession{}
	p := newPropagator(sess)

	err := p.WithPrincipal(context.Background(), authz.Principal{ID: 1, IsActive: true}, func(ctx context.Context, s tenant.Session) error {
		t.Fatalf("fn must not run when binding is rejected")
		return nil
	})
	if !errors.Is(err, tenant.ErrNoTenant) {
		t.Fatalf("expected ErrNoTenant, got %v", err)
	}
	if sess.releases != 1 || sess.discards != 0 {
		t.Fatalf("releases = %d, discards = %d, want 1 and 0", sess.releases, sess.discards)
	}
}

type fakePrincipals struct {
	principal authz.Principal
	err       error
}

func (f *fakePrincipals) Principal(ctx context.Context, id int64) (authz.Principal, error) {
	if f.err != nil {
		return authz.Principal{}, f.err
	}
	return f.principal, nil
}

func TestWithTenantResolvesPrincipal(t *testing.T) {
	sess := &fakePooledSession{}
	p := tenant.NewPropagatorWithSessions(
		&fakeSessionPool{sess: sess},
		&fakePrincipals{principal: tenantPrincipal(9, 31)},
		nil,
	)

	err := p.WithTenant(context.Background(), 9, func(ctx context.Context, s tenant.Session) error {
		return nil
	})
	if err != nil {
		t.Fatalf("with tenant: %v", err)
	}
	want := []string{"31", ""}
	if len(sess.markers) != 2 || sess.markers[0] != want[0] || sess.markers[1] != want[1] {
		t.Fatalf("markers = %v, want %v", sess.markers, want)
	}
}
