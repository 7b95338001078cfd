package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spend-enrichment-pipeline/internal/config"
	"spend-enrichment-pipeline/internal/logging"
	"spend-enrichment-pipeline/internal/queue"
	"spend-enrichment-pipeline/internal/store"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "pipeline",
		Short:         "Operate the spend enrichment pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(aggregateCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(importSpendCmd())
	rootCmd.AddCommand(importBuyersCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env holds the connections a command needs. Close releases them.
type env struct {
	cfg    config.Config
	log    *zap.Logger
	store  *store.Store
	client *redis.Client
}

func openEnv(ctx context.Context, withRedis bool) (*env, error) {
	config.LoadDotEnv()
	cfg := config.Load()
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	e := &env{cfg: cfg, log: logger, store: st}
	if withRedis {
		e.client = queue.NewRedisClient(cfg)
		if err := e.client.Ping(ctx).Err(); err != nil {
			e.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}
	return e, nil
}

func (e *env) Close() {
	if e.client != nil {
		_ = e.client.Close()
	}
	e.store.Close()
	_ = e.log.Sync()
}
