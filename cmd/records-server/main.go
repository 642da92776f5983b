package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/records/internal/config"
	"github.com/ehr/records/internal/domain/patient"
	"github.com/ehr/records/internal/domain/staff"
	"github.com/ehr/records/internal/domain/visit"
	"github.com/ehr/records/internal/platform/audit"
	"github.com/ehr/records/internal/platform/auth"
	"github.com/ehr/records/internal/platform/db"
	"github.com/ehr/records/internal/platform/middleware"
	"github.com/ehr/records/internal/platform/mutation"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "records-server",
		Short:        "Patient records API with transactional audit trail",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), auditCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the records API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// withPool loads the configuration and runs fn against a connected pool.
func withPool(ctx context.Context, fn func(cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(cfg, pool)
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(_ *config.Config, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, db.EmbeddedMigrations()).Up(cmd.Context())
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(_ *config.Config, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, db.EmbeddedMigrations()).Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail maintenance",
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete audit entries older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			return withPool(cmd.Context(), func(cfg *config.Config, pool *pgxpool.Pool) error {
				if days <= 0 {
					days = cfg.AuditRetentionDays
				}
				svc := audit.NewRetentionService(audit.NewPGStore(pool), newLogger(cfg.Env))
				res, err := svc.Purge(cmd.Context(), days, dryRun)
				if err != nil {
					return err
				}
				verb := "Deleted"
				if res.DryRun {
					verb = "Would delete"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d audit entries older than %s (run %s).\n",
					verb, res.Matched, res.Cutoff.Format(time.RFC3339), res.RunID)
				return nil
			})
		},
	}
	purge.Flags().Int("days", 0, "Retention window in days (defaults to AUDIT_RETENTION_DAYS)")
	purge.Flags().Bool("dry-run", false, "Only count the entries that would be deleted")
	cmd.AddCommand(purge)

	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds the wired services behind the HTTP surface.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	redis   *redis.Client
	visits  *visit.Service
	patient *patient.Service
	staff   *staff.Service
	audit   *audit.Engine
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, logger zerolog.Logger) *app {
	store := audit.NewPGStore(pool)
	recorder := audit.NewRecorder(store, logger)
	coord := mutation.NewCoordinator(db.NewTransactor(pool, cfg.DBAcquireTimeout), recorder, cfg.MutationTimeout, logger)

	staffSvc := staff.NewService(staff.NewHospitalRepo(pool), staff.NewUserRepo(pool), coord)

	var opts []audit.EngineOption
	if rdb != nil {
		opts = append(opts, audit.WithStatsCache(audit.NewRedisStatsCache(rdb), cfg.AuditStatsCacheTTL))
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		redis:   rdb,
		visits:  visit.NewService(visit.NewRepo(pool), coord, recorder),
		patient: patient.NewService(patient.NewRepo(pool), coord, recorder),
		staff:   staffSvc,
		audit:   audit.NewEngine(store, staffSvc, logger, opts...),
	}
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	if a.cfg.IsDev() {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		SigningKey: []byte(a.cfg.AuthSigningKey),
	})
}

func (a *app) healthChecks() []db.HealthCheck {
	var checks []db.HealthCheck
	if a.pool != nil {
		checks = append(checks, db.PoolCheck(a.pool))
	}
	if a.redis != nil {
		checks = append(checks, db.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		})
	}
	return checks
}

// routes builds the echo instance. Health endpoints stay outside
// authentication.
func (a *app) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(a.logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	var stats func() *db.PoolStats
	if a.pool != nil {
		stats = func() *db.PoolStats { return db.GetPoolStats(a.pool) }
	}
	e.GET("/health/db", db.HealthHandler(stats, a.healthChecks()...))

	api := e.Group("/api/v1",
		middleware.RequestTimeout(a.cfg.RequestTimeout, "/api/v1/audit/export"),
		middleware.Provenance(),
		a.authMiddleware(),
		middleware.RateLimit(middleware.DefaultRateLimitConfig(a.cfg.RateLimitRPS)),
	)

	visit.NewHandler(a.visits).RegisterRoutes(api)
	patient.NewHandler(a.patient).RegisterRoutes(api)
	staff.NewHandler(a.staff).RegisterRoutes(api)
	audit.NewHandler(a.audit).RegisterRoutes(api)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("ENV=development: requests without a token run as system admin 1")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		// Statistics are computed from the store without the cache.
		logger.Warn().Err(err).Msg("redis unavailable, audit statistics cache disabled")
		rdb = nil
	}
	if rdb != nil {
		defer rdb.Close()
	}

	e := newApp(cfg, pool, rdb, logger).routes()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
