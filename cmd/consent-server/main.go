package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/consent/internal/config"
	"github.com/ehr/consent/internal/domain/audit"
	"github.com/ehr/consent/internal/domain/compliance"
	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/platform/actors"
	"github.com/ehr/consent/internal/platform/auth"
	"github.com/ehr/consent/internal/platform/db"
	"github.com/ehr/consent/internal/platform/metrics"
	"github.com/ehr/consent/internal/platform/middleware"
	"github.com/ehr/consent/internal/platform/notification"
	"github.com/ehr/consent/internal/platform/scheduler"
	"github.com/ehr/consent/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "consent-server",
		Short:        "Patient consent and data access authorization server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), sweepCmd(), scanCmd(), auditCmd())
	return root
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg == nil || cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, newLogger(nil), fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, logger)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	e := newEcho(ctx, a, reg)

	go a.scanner.Run(ctx)

	sched := scheduler.New(logger, 5*time.Minute)
	if err := registerJobs(sched, a); err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting consent server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// newEcho builds the HTTP surface: middleware chain, health, metrics and
// the /api/v1 routes.
func newEcho(ctx context.Context, a *app, reg *prometheus.Registry) *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(reg)))

	var authMW echo.MiddlewareFunc
	if cfg.IsDev() && cfg.AuthIssuer == "" {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		})
	}

	api := e.Group("/api/v1", authMW, middleware.RateLimit(ctx, middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	consent.NewHandler(a.service, a.gate).RegisterRoutes(api)
	audit.NewHandler(a.auditLog).RegisterRoutes(api)
	compliance.NewHandler(a.desk, a.reporter, a.scanner).RegisterRoutes(api)
	notification.NewHandler(a.notifier).RegisterRoutes(api)
	actors.NewHandler(a.actors).RegisterRoutes(api)
	return e
}

// registerJobs schedules the expiry sweep and the full violation scan.
func registerJobs(s *scheduler.Scheduler, a *app) error {
	if err := s.Add("expiry-sweep", a.cfg.SweepSchedule, func(ctx context.Context) error {
		_, err := sweep(ctx, a, time.Now())
		return err
	}); err != nil {
		return err
	}
	return s.Add("violation-scan", a.cfg.ScanSchedule, func(ctx context.Context) error {
		_, err := scan(ctx, a, time.Now())
		return err
	})
}

type sweepResult struct {
	RequestsExpired  int `json:"requests_expired"`
	ContractsExpired int `json:"contracts_expired"`
}

func sweep(ctx context.Context, a *app, now time.Time) (*sweepResult, error) {
	res := &sweepResult{}
	var err error
	if res.RequestsExpired, err = a.service.SweepExpired(ctx, now); err != nil {
		return res, err
	}
	if res.ContractsExpired, err = a.service.ExpireContracts(ctx, now); err != nil {
		return res, err
	}
	return res, nil
}

type scanOutput struct {
	*compliance.ScanResult
	ComplianceScore int `json:"compliance_score"`
}

func scan(ctx context.Context, a *app, now time.Time) (*scanOutput, error) {
	res, err := a.scanner.ScanAll(ctx, now)
	if err != nil {
		return nil, err
	}
	score, err := a.reporter.Score(ctx)
	if err != nil {
		return nil, err
	}
	return &scanOutput{ScanResult: res, ComplianceScore: score}, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.PersistentFlags().String("dir", "", "read migrations from this directory instead of the embedded set")

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.StoreDriver != "postgres" {
			return fmt.Errorf("migrate requires STORE_DRIVER=postgres")
		}
		ctx := cmd.Context()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		var fsys fs.FS = migrations.FS
		if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
			fsys = os.DirFS(dir)
		}
		return fn(ctx, db.NewMigrator(pool, fsys, logger))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				n, err := m.Up(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})
	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	for _, s := range statuses {
		state := "pending"
		if s.Applied {
			state = "applied " + s.AppliedAt.UTC().Format(time.RFC3339)
		}
		if s.Modified {
			state += " (modified since applied)"
		}
		fmt.Fprintf(w, "%03d  %-32s %s\n", s.Version, s.Name, state)
	}
}

// withApp runs fn against a fully wired app built from the environment.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue requests and contracts once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := sweep(ctx, a, time.Now())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the violation scanner once",
		RunE: func(cmd *cobra.Command, args []string) error {
			contractFlag, _ := cmd.Flags().GetString("contract")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if contractFlag == "" {
					out, err := scan(ctx, a, time.Now())
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), out)
				}
				id, err := uuid.Parse(contractFlag)
				if err != nil {
					return fmt.Errorf("invalid contract id %q: %w", contractFlag, err)
				}
				raised, err := a.scanner.ScanContract(ctx, id, time.Now())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), &compliance.ScanResult{Contracts: 1, Raised: raised})
			})
		},
	}
	cmd.Flags().String("contract", "", "scan only this contract id")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Recompute every audit event digest and check sequence continuity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.auditLog.Verify(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.Valid {
					return fmt.Errorf("audit trail failed verification: %d tampered, %d gaps", len(report.Tampered), len(report.Gaps))
				}
				return nil
			})
		},
	})
	return cmd
}
