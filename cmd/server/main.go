package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/castcue/castcue/internal/config"
	"github.com/castcue/castcue/internal/server"
	"github.com/castcue/castcue/internal/service"
	"github.com/castcue/castcue/pkg/logger"
)

var (
	configPath string
	version    = "0.1.0"
	gitCommit  = "unknown"
	buildTime  = "unknown"
)

const statsInterval = 10 * time.Minute

var rootCmd = &cobra.Command{
	Use:   "castcue",
	Short: "CastCue - stream go-live announcements",
	Long:  `CastCue turns Twitch go-live events into announcements on X, falling back to Discord when X is unavailable.`,
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("CastCue %s\n", version)
		fmt.Printf("Git commit: %s\n", gitCommit)
		fmt.Printf("Build time: %s\n", buildTime)
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run a periodic job once and exit",
}

var resetQuotasCmd = &cobra.Command{
	Use:   "reset-quotas",
	Short: "Reset monthly quotas whose period has ended",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd.Context(), func(ctx context.Context, rt *server.Runtime) (interface{}, error) {
			return rt.Ledger.ResetMonthlyQuotas(ctx)
		})
	},
}

var sampleViewersCmd = &cobra.Command{
	Use:   "sample-viewers",
	Short: "Sample viewer counts for every open stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd.Context(), func(ctx context.Context, rt *server.Runtime) (interface{}, error) {
			return rt.Sampler.SampleAll(ctx)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/server.yaml", "config file path")
	jobsCmd.AddCommand(resetQuotasCmd, sampleViewersCmd)
	rootCmd.AddCommand(versionCmd, jobsCmd)
}

func setup(ctx context.Context) (*config.Config, *zap.Logger, *server.Runtime, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	rt, err := server.NewRuntime(ctx, cfg, appLogger)
	if err != nil {
		_ = appLogger.Sync()
		return nil, nil, nil, err
	}
	return cfg, appLogger, rt, nil
}

func runJob(ctx context.Context, job func(ctx context.Context, rt *server.Runtime) (interface{}, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, appLogger, rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer appLogger.Sync()
	defer rt.Close()

	report, err := job(ctx, rt)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(report)
}

func runServer(*cobra.Command, []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, appLogger, rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer appLogger.Sync()
	defer rt.Close()

	appLogger.Info("Starting CastCue server", zap.String("version", version))

	srv := server.NewServer(cfg, appLogger, rt.Services)
	srv.Scheduler = rt.Scheduler
	srv.StatsUpdater = service.NewStatsUpdater(rt.Monitoring, appLogger, statsInterval)

	go func() {
		if err := srv.Start(ctx); err != nil {
			appLogger.Error("Server failed to start", zap.Error(err))
			cancel()
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		appLogger.Info("Shutting down server...")
	case <-ctx.Done():
		appLogger.Info("Server context cancelled")
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		appLogger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	appLogger.Info("Server exited")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
