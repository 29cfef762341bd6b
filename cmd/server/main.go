package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/welldanyogia/jobportal-auth/internal/account"
	"github.com/welldanyogia/jobportal-auth/internal/audit"
	"github.com/welldanyogia/jobportal-auth/internal/auth"
	"github.com/welldanyogia/jobportal-auth/internal/config"
	"github.com/welldanyogia/jobportal-auth/internal/health"
	"github.com/welldanyogia/jobportal-auth/internal/logger"
	"github.com/welldanyogia/jobportal-auth/internal/mailer"
	"github.com/welldanyogia/jobportal-auth/internal/metrics"
	"github.com/welldanyogia/jobportal-auth/internal/mfa"
	authmw "github.com/welldanyogia/jobportal-auth/internal/middleware"
	"github.com/welldanyogia/jobportal-auth/internal/password"
	"github.com/welldanyogia/jobportal-auth/internal/protect"
	"github.com/welldanyogia/jobportal-auth/internal/recaptcha"
	"github.com/welldanyogia/jobportal-auth/internal/repository"
	"github.com/welldanyogia/jobportal-auth/internal/sanitizer"
	"github.com/welldanyogia/jobportal-auth/internal/session"
	"github.com/welldanyogia/jobportal-auth/internal/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	cfg := config.Load()

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	dbPool, err := setupDatabase(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer dbPool.Close()

	readerDB, err := sqlx.Connect("pgx", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect audit reader: %w", err)
	}
	defer readerDB.Close()

	dbCollector := metrics.NewDBStatsCollector(dbPool, readerDB.DB, log)
	dbCollector.Start(15 * time.Second)
	defer dbCollector.Stop()

	store := repository.NewPostgresStore(dbPool)

	protector, err := protect.NewXChaChaFromHex(cfg.Protect.Key, "nric")
	if err != nil {
		return fmt.Errorf("load PII key: %w", err)
	}

	templates, err := mailer.NewRenderer("Job Portal")
	if err != nil {
		return fmt.Errorf("load mail templates: %w", err)
	}
	sender := mailer.NewMailgunSender(cfg.Mail.Domain, cfg.Mail.APIKey, cfg.Mail.APIBase, cfg.Mail.From, log)

	recorder := audit.NewRecorder(log)
	policy := password.NewPolicy(password.Config{
		MinChangeMinutes: cfg.Password.MinChangeMinutes,
		MaxAgeDays:       cfg.Password.MaxAgeDays,
	}, password.NewBcryptHasher(cfg.Auth.BcryptCost))
	sessions := session.NewManager(store, cfg.Auth.SessionIdleTimeout, log)
	pending := auth.NewPendingTokenService(auth.PendingTokenConfig{
		Secret: cfg.Auth.PendingTokenSecret,
		TTL:    cfg.Auth.PendingTokenTTL,
		Issuer: cfg.Auth.Issuer,
	})

	authService, err := auth.NewAuthService(store, policy, mfa.NewManager(cfg.Auth.Issuer), sessions, pending, recorder,
		auth.Config{
			LockoutThreshold: cfg.Auth.LockoutThreshold,
			LockoutDuration:  cfg.Auth.LockoutDuration,
		}, log)
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}

	deps := account.Dependencies{
		Store:     store,
		AuditLog:  repository.NewAuditLogReader(readerDB),
		Policy:    policy,
		Sessions:  sessions,
		Audit:     recorder,
		Protector: protector,
		Sanitizer: sanitizer.NewStrictSanitizer(),
		Mailer:    sender,
		Templates: templates,
		Captcha:   recaptcha.New(cfg.Recaptcha, log),
		Logger:    log,
	}

	healthCfg := health.Config{Database: dbPool, Version: Version}

	if cfg.Storage.Bucket != "" {
		resumes, err := storage.NewS3Store(&cfg.Storage)
		if err != nil {
			return fmt.Errorf("create resume store: %w", err)
		}
		deps.Resumes = resumes
		healthCfg.Optional = map[string]health.Pinger{"storage": resumes}

		cleanupCfg := storage.DefaultOrphanCleanupConfig()
		cleanupCfg.Enabled = cfg.Storage.OrphanCleanup
		cleanup := storage.NewOrphanCleanupJob(resumes, repository.NewResumeKeyChecker(dbPool), cleanupCfg, log)
		if err := cleanup.Start(); err != nil {
			return fmt.Errorf("start orphan cleanup: %w", err)
		}
		defer cleanup.Stop()
		healthCfg.Jobs = map[string]health.JobStatus{"orphan_cleanup": cleanup}
	} else {
		log.Warn("S3_BUCKET is not set; resume uploads are disabled")
	}

	accountService := account.NewService(deps, account.Config{PublicURL: cfg.Server.PublicURL})

	limiter := authmw.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	limiter.Start(time.Minute)
	defer limiter.Stop()

	sessionAuth := authmw.NewAuthMiddleware(authService)
	healthHandler := health.NewHandler(healthCfg)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if cfg.Server.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(authmw.StructuredLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		auth.RegisterRoutes(r, auth.NewAuthHandler(authService), limiter.Handler)
		account.RegisterRoutes(r, account.NewHandler(accountService, log),
			sessionAuth.Authenticate, sessionAuth.RequireFreshPassword, limiter.Handler)
		r.Get("/recaptcha/config", recaptcha.ConfigHandler(cfg.Recaptcha))
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting server", slog.String("addr", addr), slog.String("env", cfg.Env), slog.String("version", Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		log.Info("shutting down", slog.String("signal", sig.String()))
	}

	healthHandler.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info("server exited")
	return nil
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
