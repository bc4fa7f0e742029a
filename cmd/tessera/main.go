package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tessera-app/tessera/internal/app"
	"github.com/tessera-app/tessera/internal/auth"
	"github.com/tessera-app/tessera/internal/authz"
	"github.com/tessera-app/tessera/internal/menu"
	"github.com/tessera-app/tessera/internal/observability"
	"github.com/tessera-app/tessera/internal/platform/cache"
	"github.com/tessera-app/tessera/internal/platform/db"
	"github.com/tessera-app/tessera/internal/roles"
	"github.com/tessera-app/tessera/internal/shared"
	"github.com/tessera-app/tessera/internal/tenant"
	"github.com/tessera-app/tessera/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "tessera_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(logger, authService, sessionManager)

	authzStore := authz.NewStore(dbpool)
	authzCache := authz.NewCache(redisClient, authzStore, cfg.AuthzCacheTTL, logger, metrics)
	authorizer := authz.NewAuthorizer(authzCache, authzStore, logger, auditLogger, metrics)
	authzMW := authz.Middleware{
		Authorizer:      authorizer,
		Principals:      authzStore,
		Logger:          logger,
		SystemContextID: cfg.AuthzSystemContextID,
	}
	authzHandler := authz.NewHandler(logger, authorizer, authzCache, authzMW)

	propagator := tenant.NewPropagator(dbpool, authzStore, logger)
	menuCatalog := menu.NewTenantCatalog(propagator)
	menuService := menu.NewService(menuCatalog, authzCache, authzStore, logger)
	menuHandler := menu.NewHandler(logger, menuService, authzMW)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	rolesRepo := roles.NewRepository(dbpool)
	rolesService := roles.NewService(rolesRepo, authzCache, jobClient, logger)
	rolesHandler := roles.NewHandler(logger, rolesService, authzMW)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		AuthHandler:    authHandler,
		AuthzHandler:   authzHandler,
		MenuHandler:    menuHandler,
		RolesHandler:   rolesHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
