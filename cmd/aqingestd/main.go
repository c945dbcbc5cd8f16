// Command aqingestd drains the fetchlog queue: fetching newly-notified
// objects from object storage, parsing and accumulating their records, and
// bulk-loading them into Postgres.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"aqingest/internal/bulkload"
	"aqingest/internal/eventintake"
	"aqingest/internal/fetchlog"
	"aqingest/internal/objectstore"
	"aqingest/internal/orchestrator"
	"aqingest/internal/settings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	logLevel := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	rootCmd := &cobra.Command{
		Use:   "aqingestd",
		Short: "Air quality fetch-log ingest daemon",
	}

	invokeCmd := &cobra.Command{
		Use:   "invoke",
		Short: "Drain the fetchlog queue once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fetchlogKey, _ := cmd.Flags().GetString("fetchlog-key")
			fetchlogLimit, _ := cmd.Flags().GetInt("fetchlog-limit")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runInvoke(ctx, logger, logLevel, fetchlogKey, fetchlogLimit)
		},
	}
	invokeCmd.Flags().String("fetchlog-key", "", "process only rows whose key matches this glob, ignoring stream partitioning")
	invokeCmd.Flags().Int("fetchlog-limit", 0, "row limit for --fetchlog-key (default 100)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator on an in-process cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cronExpr, _ := cmd.Flags().GetString("cron")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runServe(ctx, logger, logLevel, cronExpr)
		},
	}
	serveCmd.Flags().String("cron", "*/5 * * * *", "cron expression for the drain schedule")

	invokeEventCmd := &cobra.Command{
		Use:   "invoke-event",
		Short: "Dispatch a single notification envelope (S3, SNS-wrapped, or scheduler) read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return runInvokeEvent(ctx, logger, logLevel)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(invokeCmd, serveCmd, invokeEventCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// components bundles everything built from Settings, shared by invoke and
// serve.
type components struct {
	settings settings.Settings
	store    *objectstore.Store
	queue    *fetchlog.Queue
	loader   *bulkload.Loader
	orch     *orchestrator.Orchestrator
	pool     *pgxpool.Pool
}

func buildComponents(ctx context.Context, logger *slog.Logger, logLevel *slog.LevelVar) (*components, error) {
	s, err := settings.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	logLevel.Set(parseLogLevel(s.LogLevel))

	var store *objectstore.Store
	if s.DryRun {
		store = &objectstore.Store{DryRun: true, LocalRoot: "."}
		logger.Info("object store running in dry-run mode")
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		store = objectstore.New(client, s.FetchBucket)
	}

	pool, err := connectWithBackoff(ctx, logger, s.ConnString())
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := bulkload.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	queue := fetchlog.New(pool, logger, s.VisibilityWindow)
	loader := bulkload.New(&bulkload.PoolDB{Pool: pool}, logger, s.UseTempTables)
	orch := orchestrator.New(queue, store, loader, logger, s)

	return &components{settings: s, store: store, queue: queue, loader: loader, orch: orch, pool: pool}, nil
}

func runInvoke(ctx context.Context, logger *slog.Logger, logLevel *slog.LevelVar, fetchlogKey string, fetchlogLimit int) error {
	c, err := buildComponents(ctx, logger, logLevel)
	if err != nil {
		return err
	}
	defer c.pool.Close()

	event := orchestrator.EventFromSettings(c.settings)
	event.FetchlogKey = fetchlogKey
	event.FetchlogLimit = fetchlogLimit

	result := c.orch.Run(ctx, event)
	for _, stream := range result.Streams {
		logger.Info("stream drained",
			"stream", stream.Stream,
			"files_claimed", stream.FilesClaimed,
			"files_failed", stream.FilesFailed,
			"error", stream.Err)
	}
	logger.Info("invoke complete", "duration", result.Duration, "paused", result.Paused)
	return nil
}

func runServe(ctx context.Context, logger *slog.Logger, logLevel *slog.LevelVar, cronExpr string) error {
	c, err := buildComponents(ctx, logger, logLevel)
	if err != nil {
		return err
	}
	defer c.pool.Close()

	sched, err := c.orch.Serve(ctx, cronExpr, func() orchestrator.Event {
		s, err := settings.FromEnv()
		if err != nil {
			logger.Error("reload settings failed, reusing prior values", "error", err)
			return orchestrator.EventFromSettings(c.settings)
		}
		c.settings = s
		return orchestrator.EventFromSettings(s)
	})
	if err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	logger.Info("orchestrator serving", "cron", cronExpr)

	<-ctx.Done()

	logger.Info("shutting down")
	return sched.Stop()
}

// runInvokeEvent reads one JSON notification envelope from stdin and
// dispatches it through Event Intake, matching the Lambda entry point this
// daemon replaces: a single call handles direct S3 notifications,
// SNS-wrapped notifications, and EventBridge-style scheduler triggers alike.
func runInvokeEvent(ctx context.Context, logger *slog.Logger, logLevel *slog.LevelVar) error {
	c, err := buildComponents(ctx, logger, logLevel)
	if err != nil {
		return err
	}
	defer c.pool.Close()

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read event from stdin: %w", err)
	}

	intake := eventintake.New(c.queue, c.store, c.orch, orchestrator.EventFromSettings(c.settings), logger)
	result, err := intake.Handle(ctx, raw)
	if err != nil {
		return fmt.Errorf("handle event: %w", err)
	}
	if result != nil {
		logger.Info("scheduler event handled", "duration", result.Duration, "paused", result.Paused)
	}
	return nil
}

// connectWithBackoff opens the database pool, retrying with exponential
// backoff while the database is unreachable (e.g. a fresh deployment racing
// its own Postgres container).
func connectWithBackoff(ctx context.Context, logger *slog.Logger, connString string) (*pgxpool.Pool, error) {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		pool, err := pgxpool.New(ctx, connString)
		if err == nil {
			if pingErr := pool.Ping(ctx); pingErr == nil {
				return pool, nil
			} else {
				pool.Close()
				err = pingErr
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		logger.Warn("database not ready, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
