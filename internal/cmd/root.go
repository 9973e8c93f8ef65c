// Package cmd wires the labrunner CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iamcos/labrunner/internal/config"
	"github.com/iamcos/labrunner/internal/execution"
	"github.com/iamcos/labrunner/internal/observability"
	"github.com/iamcos/labrunner/internal/poller"
	"github.com/iamcos/labrunner/internal/queue"
	"github.com/iamcos/labrunner/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "labrunner",
	Short: "Backtest lab orchestration and live-bot validation",
	Long: `labrunner queues and monitors backtest jobs across trading-platform
servers, discovers usable data windows, and validates live bots against
fresh backtests.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	cfgFile           string
	flagServers       []string
	flagMaxConcurrent int
	flagInterval      time.Duration
	flagStatePath     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (YAML)")
	rootCmd.PersistentFlags().StringSliceVar(&flagServers, "servers", nil, "Server names to operate on")
	rootCmd.PersistentFlags().IntVar(&flagMaxConcurrent, "max-concurrent", 0, "Max concurrent jobs per server")
	rootCmd.PersistentFlags().DurationVar(&flagInterval, "interval", 0, "Monitoring cycle interval")
	rootCmd.PersistentFlags().StringVar(&flagStatePath, "state", "", "Path to the state document")
}

// ExecuteContext runs the CLI under ctx and returns the process exit code.
func ExecuteContext(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Println("Error:", err)
		}
		return 1
	}
	return 0
}

// runtime bundles the components most subcommands need.
type runtime struct {
	cfg     config.Config
	log     *zap.Logger
	fs      *store.FileStore
	mgr     *queue.Manager
	client  *execution.Client
	limiter *execution.ProbeLimiter
	redis   *redis.Client
}

// newRuntime loads config (flags override file/env), the state document, and
// the shared clients. A corrupt state document falls back to empty state.
func newRuntime() (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if len(flagServers) > 0 {
		cfg.Servers = flagServers
	}
	if flagMaxConcurrent > 0 {
		cfg.MaxConcurrentPerServer = flagMaxConcurrent
	}
	if flagInterval > 0 {
		cfg.CycleInterval = flagInterval
	}
	if flagStatePath != "" {
		cfg.StatePath = flagStatePath
	}

	log, err := observability.NewLogger(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	fs := store.NewFileStore(cfg.StatePath, log)
	st, err := fs.Load()
	if err != nil {
		if !errors.Is(err, store.ErrCorruptState) {
			return nil, err
		}
		log.Warn("state document corrupt, starting from empty state", zap.Error(err))
		st = store.Empty()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return &runtime{
		cfg:     cfg,
		log:     log,
		fs:      fs,
		mgr:     queue.NewManager(st, cfg.MaxConcurrentPerServer, log),
		client:  execution.NewClient(cfg.ServerURL, cfg.ExecTimeout),
		limiter: execution.NewProbeLimiter(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		redis:   rdb,
	}, nil
}

func (rt *runtime) newPoller() *poller.Poller {
	return poller.New(rt.mgr, rt.client, rt.limiter, rt.cfg.JobTimeout, rt.log)
}

// newArchive connects the terminal-job archive when a Postgres DSN is
// configured. Archive trouble never blocks orchestration.
func (rt *runtime) newArchive(ctx context.Context) *store.Archive {
	if rt.cfg.PostgresDSN == "" {
		return nil
	}
	a, err := store.NewArchive(ctx, rt.cfg.PostgresDSN)
	if err != nil {
		rt.log.Warn("archive unavailable", zap.Error(err))
		return nil
	}
	if err := a.RunMigrations(ctx); err != nil {
		rt.log.Warn("archive migrations failed", zap.Error(err))
		a.Close()
		return nil
	}
	return a
}

func (rt *runtime) close() {
	_ = rt.redis.Close()
	_ = rt.log.Sync()
}
