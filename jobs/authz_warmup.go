package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessera-app/tessera/internal/authz"
	jobmetrics "github.com/tessera-app/tessera/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AuthzWarmupJob re-populates permission cache entries so the first request
// after an invalidation does not pay the database round trip.
type AuthzWarmupJob struct {
	Cache   *authz.Cache
	Store   *authz.Store
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewAuthzWarmupJob wires dependencies for the warmup handler.
func NewAuthzWarmupJob(cache *authz.Cache, store *authz.Store, pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuthzWarmupJob {
	return &AuthzWarmupJob{
		Cache:   cache,
		Store:   store,
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes authz warmup tasks.
func (j *AuthzWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Cache == nil || j.Store == nil {
		return errors.New("authz warmup: handler not configured")
	}
	var payload AuthzWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskTypeAuthzWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	start := j.now()

	targets, err := j.resolveTargets(ctx, payload)
	if err != nil {
		resultErr = err
		logger.Error("resolve warmup targets", slog.Any("error", err))
		return resultErr
	}
	if len(targets) == 0 {
		logger.Info("no warmup targets discovered")
		return resultErr
	}

	warmed := 0
	for principalID, scopes := range targets {
		principal, err := j.Store.Principal(ctx, principalID)
		if err != nil {
			if errors.Is(err, authz.ErrNotFound) {
				continue
			}
			resultErr = err
			logger.Error("load principal", slog.Int64("principal", principalID), slog.Any("error", err))
			return resultErr
		}
		if !principal.IsActive {
			continue
		}
		warmCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		err = j.Cache.Preload(warmCtx, principal, scopes)
		cancel()
		if err != nil {
			resultErr = err
			logger.Error("preload principal", slog.Int64("principal", principalID), slog.Any("error", err))
			return resultErr
		}
		warmed++
	}

	logger.Info("completed authz warmup", slog.Int("principals", warmed), slog.Duration("duration", time.Since(start)))
	return resultErr
}

// resolveTargets maps principals to the scopes to warm. A zero principal id
// expands to every active assignment.
func (j *AuthzWarmupJob) resolveTargets(ctx context.Context, payload AuthzWarmupPayload) (map[int64][]authz.Scope, error) {
	if payload.PrincipalID > 0 {
		scopes := make([]authz.Scope, 0, len(payload.Scopes))
		for _, s := range payload.Scopes {
			scopes = append(scopes, authz.Scope{Type: authz.ScopeType(s.ContextType), ID: s.ContextID})
		}
		if len(scopes) == 0 {
			return j.assignedScopes(ctx, payload.PrincipalID)
		}
		return map[int64][]authz.Scope{payload.PrincipalID: scopes}, nil
	}
	return j.assignedScopes(ctx, 0)
}

// assignedScopes queries active assignments, optionally filtered by principal.
func (j *AuthzWarmupJob) assignedScopes(ctx context.Context, principalID int64) (map[int64][]authz.Scope, error) {
	if j.Pool == nil {
		return nil, errors.New("authz warmup: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `
		SELECT DISTINCT principal_id, context_type, context_id
		FROM role_assignments
		WHERE status = 'active' AND ($1 = 0 OR principal_id = $1)
		ORDER BY principal_id, context_type, context_id`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := make(map[int64][]authz.Scope)
	for rows.Next() {
		var (
			pid       int64
			scopeType string
			scopeID   int64
		)
		if err := rows.Scan(&pid, &scopeType, &scopeID); err != nil {
			return nil, err
		}
		targets[pid] = append(targets[pid], authz.Scope{Type: authz.ScopeType(scopeType), ID: scopeID})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return targets, nil
}

func (j *AuthzWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeAuthzWarmup))
	}
	return slog.Default().With(slog.String("job", TaskTypeAuthzWarmup))
}

func (j *AuthzWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *AuthzWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
