// Package bootstrap assembles the stage handlers and shared clients used by
// the worker and the pipeline CLI.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"spend-enrichment-pipeline/internal/archive"
	"spend-enrichment-pipeline/internal/config"
	"spend-enrichment-pipeline/internal/harvest"
	"spend-enrichment-pipeline/internal/ratelimit"
	"spend-enrichment-pipeline/internal/stage"
	"spend-enrichment-pipeline/internal/store"
)

// hostBucketTTL bounds how long an idle host's bucket lingers in Redis.
const hostBucketTTL = time.Hour

// Handlers builds one handler per stage named in cfg.Stages. Unknown stage
// names are an error so a typo in STAGES fails at startup.
func Handlers(ctx context.Context, cfg config.Config, st *store.Store, client *redis.Client, log *zap.Logger) ([]stage.Handler, error) {
	limiter := ratelimit.NewTokenBucket(client, "host", cfg.HostRateCapacity, cfg.HostRateRefill, hostBucketTTL)
	fetcher := harvest.NewFetcher(cfg.UserAgent, limiter, cfg.FetchMaxBytes)

	handlers := make([]stage.Handler, 0, len(cfg.Stages))
	for _, name := range cfg.Stages {
		switch name {
		case stage.TagModernGov:
			h := &stage.ModernGov{
				Client:       harvest.NewModernGovClient(fetcher, cfg.ProbeTimeout, cfg.FetchTimeout),
				Docs:         st,
				Lookback:     cfg.ModernGovLookback,
				FetchTimeout: cfg.FetchTimeout,
			}
			if cfg.ArchiveDocuments {
				up, err := archive.New(ctx, cfg)
				if err != nil {
					return nil, fmt.Errorf("archive: %w", err)
				}
				h.Archive, h.Download = up, fetcher
				log.Info("bootstrap: archiving board documents", zap.String("destination", cfg.ArchiveDestination))
			}
			handlers = append(handlers, h)
		case stage.TagTransparencyDiscovery:
			handlers = append(handlers, &stage.TransparencyDiscovery{
				Prober: harvest.NewTransparencyProber(fetcher, cfg.ProbeTimeout, cfg.FetchTimeout, cfg.DiscoveryTopN),
				Links:  st,
			})
		default:
			return nil, fmt.Errorf("unknown stage %q", name)
		}
	}
	return handlers, nil
}

// WorkerID identifies this process as a lease holder.
func WorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
