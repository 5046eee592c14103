package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/stagegate/internal/extract"
	"github.com/sells-group/stagegate/internal/fetcher"
	"github.com/sells-group/stagegate/internal/orchestrator"
	"github.com/sells-group/stagegate/internal/resilience"
	"github.com/sells-group/stagegate/internal/review"
	"github.com/sells-group/stagegate/internal/staging"
	"github.com/sells-group/stagegate/internal/store"
)

// pipelineEnv holds what the scrape and serve commands share.
type pipelineEnv struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Review       *review.Service
	Breakers     *resilience.HostBreakers

	closeLock func()
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.closeLock != nil {
		pe.closeLock()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens the store and run lock, and
// builds the orchestrator. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	locker, closeLock, err := initLocker(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	breakers := resilience.NewHostBreakers(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Fetch.BreakerFailures,
		ShouldTrip:       resilience.IsTransient,
		OnStateChange: func(host string, from, to resilience.CircuitState) {
			zap.L().Warn("fetch circuit changed",
				zap.String("host", host),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:       cfg.Fetch.UserAgent,
		Timeout:         cfg.Fetch.Timeout(),
		MaxRetries:      cfg.Fetch.MaxRetries,
		HostConcurrency: cfg.Fetch.HostConcurrency,
		HostSpacing:     time.Duration(cfg.Fetch.HostSpacingMs) * time.Millisecond,
		MaxBodyBytes:    cfg.Fetch.MaxBodyBytes,
		Breakers:        breakers,
	})

	engine := extract.NewEngine(f, st, extract.Options{
		ListPageDelay: time.Duration(cfg.Fetch.ListPageDelayMs) * time.Millisecond,
	})
	writer := staging.NewWriter(st, cfg.Run.StagingBatchSize)

	orch := orchestrator.New(st, engine, writer, locker, orchestrator.Config{
		MaxConcurrentSources: cfg.Run.MaxConcurrentSources,
		SourceTimeout:        time.Duration(cfg.Run.SourceTimeoutMins) * time.Minute,
	})

	zap.L().Info("pipeline initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
		zap.Int("max_concurrent_sources", cfg.Run.MaxConcurrentSources),
		zap.Int("staging_batch_size", writer.BatchSize()),
	)

	return &pipelineEnv{
		Store:        st,
		Orchestrator: orch,
		Review:       review.NewService(st),
		Breakers:     breakers,
		closeLock:    closeLock,
	}, nil
}
