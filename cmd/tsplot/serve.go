package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/tsplot/internal/config"
	"github.com/vjranagit/tsplot/pkg/api"
	"github.com/vjranagit/tsplot/pkg/archive"
	"github.com/vjranagit/tsplot/pkg/types"
)

// ServeParams are the flags of the serve command.
type ServeParams struct {
	ListenAddr  string `help:"Listen address, overrides the environment."`
	StoragePath string `help:"Archive directory, overrides the environment." type:"path"`
}

func serve(ctx context.Context, cfg *config.Config, params *ServeParams, l *zap.Logger) error {
	if params.ListenAddr != "" {
		cfg.Server.ListenAddr = params.ListenAddr
	}
	if params.StoragePath != "" {
		cfg.Storage.Path = params.StoragePath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	l.Info("Configuration loaded",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("path", cfg.Storage.Path),
		zap.Int("retention_days", cfg.Storage.RetentionDays),
		zap.Int("compression", cfg.Storage.CompressionLevel),
		zap.Bool("wal", cfg.Storage.EnableWAL),
	)

	acfg := cfg.ToArchiveConfig()
	store, err := archive.Open(acfg, l)
	if err != nil {
		return err
	}
	defer store.Close()

	// replay what a previous run logged but did not flush
	n, err := archive.ReplayWAL(acfg.Path, func(req *types.WriteRequest) error {
		return store.Write(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("WAL replay failed: %w", err)
	}
	if n > 0 {
		l.Info("Replayed WAL", zap.Int("entries", n))
	}

	cached := archive.NewCachedStorage(store, acfg.CacheCapacity, acfg.CacheTTL)

	var wal *archive.WAL
	if acfg.EnableWAL {
		if wal, err = archive.NewWAL(acfg.Path, l); err != nil {
			return err
		}
		defer wal.Close()
	}

	bw := archive.NewBatchWriter(cached, wal, cfg.Server.BatchSize, cfg.Server.BatchFlush, l)
	defer func() {
		// ctx is canceled by now
		if err := bw.Close(context.Background()); err != nil {
			l.Error("Final flush failed", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := api.NewServer(cfg.ToServerConfig(), cached, bw, reg, l)
	reg.MustRegister(srv.Metrics())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				l.Info("Archive stats",
					zap.Int("streams", store.Index().StreamCount()),
					zap.Int("cached_queries", cached.Size()),
					zap.Float64("hit_rate", cached.HitRate()),
				)
			}
		}
	})

	return g.Wait()
}
