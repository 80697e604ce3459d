package main

import (
	"context"
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
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/monitoring/internal/config"
	"github.com/ehr/monitoring/internal/domain/monitoring"
	"github.com/ehr/monitoring/internal/platform/auth"
	"github.com/ehr/monitoring/internal/platform/db"
	"github.com/ehr/monitoring/internal/platform/lock"
	"github.com/ehr/monitoring/internal/platform/metrics"
	"github.com/ehr/monitoring/internal/platform/middleware"
	"github.com/ehr/monitoring/internal/platform/websocket"
	"github.com/ehr/monitoring/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "monitor-server",
		Short:        "Patient monitoring API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the monitoring API server and escalation sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// openDatabase loads config and connects; every subcommand starts this way.
func openDatabase(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := openDatabase(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			tenants, err := sweepTenants(ctx, cmd, pool)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env, os.Stderr)

			svc := monitoring.NewService(monitoring.Deps{
				Readings:    monitoring.NewReadingRepoPG(pool),
				Alerts:      monitoring.NewAlertRepoPG(pool),
				Assessments: monitoring.NewAssessmentRepoPG(pool),
				Directory:   monitoring.NewPatientDirectoryPG(pool),
				Tx:          db.NewTxManager(pool),
				Logger:      logger,
			}, serviceConfig(cfg))

			now := time.Now().UTC()
			for _, tenant := range tenants {
				var n int
				err = db.WithTenantConn(ctx, pool, tenant, func(ctx context.Context) error {
					var err error
					n, err = svc.RunEscalationSweep(ctx, now)
					return err
				})
				if err != nil {
					return fmt.Errorf("escalation sweep for tenant %s: %w", tenant, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Escalated %d alert(s) in tenant %s.\n", n, tenant)
			}
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant to sweep (defaults to every migrated tenant)")
	return cmd
}

// sweepTenants returns the --tenant flag if given, otherwise every tenant
// with a migrated schema.
func sweepTenants(ctx context.Context, cmd *cobra.Command, pool *pgxpool.Pool) ([]string, error) {
	if tenant, _ := cmd.Flags().GetString("tenant"); tenant != "" {
		return []string{tenant}, nil
	}
	tenants, err := db.ListTenants(ctx, pool)
	if err != nil {
		return nil, err
	}
	if len(tenants) == 0 {
		return nil, fmt.Errorf("no migrated tenants found; run migrate up first")
	}
	return tenants, nil
}

// serviceConfig maps environment settings onto the monitoring policy.
func serviceConfig(cfg *config.Config) monitoring.Config {
	sc := monitoring.DefaultConfig()
	sc.Alerts.DedupWindow = cfg.AlertDedupWindow
	sc.Alerts.WarningSLA = cfg.AlertSLAWarning
	sc.Alerts.CriticalSLA = cfg.AlertSLACritical
	sc.Alerts.MaxEscalationLevel = cfg.AlertMaxEscalationLevel
	sc.Alerts.AutoResolveWarning = cfg.AutoResolveWarning
	sc.Alerts.AutoResolveCritical = cfg.AutoResolveCritical
	sc.HistoryDefaultWindow = cfg.HistoryDefaultWindow
	sc.ScoreWindow = cfg.ScoreWindow
	sc.Prediction.ConfidenceLevel = cfg.PredictionConfidenceLevel
	sc.Prediction.DataQualityScore = cfg.PredictionDataQuality
	return sc
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth is active: every request is treated as admin on the default tenant")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if err := db.CreateTenantSchema(ctx, pool, cfg.DefaultTenant, migrations.FS); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate default tenant")
	}

	var (
		locker lock.Locker = lock.NewLocalLocker()
		checks []db.Check
	)
	if cfg.RedisURL != "" {
		rdb, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, "monitoring:lock:", cfg.LockTTL)
		checks = append(checks, redisCheck(rdb))
		logger.Info().Msg("using redis patient locks")
	}

	var directory monitoring.PatientDirectory = monitoring.NewPatientDirectoryPG(pool)
	if cfg.PatientDirectoryURL != "" {
		remote := monitoring.NewHTTPPatientDirectory(cfg.PatientDirectoryURL, cfg.DirectoryTimeout)
		if cfg.PatientDirectoryToken != "" {
			remote.SetAuthToken(cfg.PatientDirectoryToken)
		}
		directory = remote
		logger.Info().Str("url", cfg.PatientDirectoryURL).Msg("using remote patient directory")
	}

	m := metrics.New()
	hub := websocket.NewHub(logger)

	svc := monitoring.NewService(monitoring.Deps{
		Readings:    monitoring.NewReadingRepoPG(pool),
		Alerts:      monitoring.NewAlertRepoPG(pool),
		Assessments: monitoring.NewAssessmentRepoPG(pool),
		Directory:   directory,
		Tx:          db.NewTxManager(pool),
		Locker:      locker,
		Metrics:     m,
		Publisher:   hub,
		Logger:      logger,
	}, serviceConfig(cfg))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(echomw.BodyLimit("1M"))

	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, checks...))
	e.GET("/metrics", m.Handler())
	wsTenant := func(c echo.Context) (string, error) { return db.ResolveTenant(c, cfg.DefaultTenant) }
	websocket.NewHandler(hub, cfg.CORSOrigins, wsTenant).
		RegisterRoutes(e.Group(""), auth.RequireRole("admin", "physician", "nurse"))

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.RequestTimeout(middleware.TimeoutConfig{
		Timeout: cfg.RequestTimeout,
		Logger:  logger,
	}))
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant, logger))
	monitoring.NewHandler(svc).RegisterRoutes(apiV1)

	sweeper := monitoring.NewEscalationSweeper(svc.AlertManager(), cfg.EscalationSweepInterval, logger).
		WithTenants(
			func(ctx context.Context) ([]string, error) { return db.ListTenants(ctx, pool) },
			func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
				return db.WithTenantConn(ctx, pool, tenantID, fn)
			})
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Start(ctx)
	}()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	<-sweepDone
	logger.Info().Msg("server stopped")
	return nil
}

func redisCheck(rdb goredis.UniversalClient) db.Check {
	return db.Check{
		Name: "redis",
		Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
}
