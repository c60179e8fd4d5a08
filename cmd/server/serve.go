package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"voxelstream.ai/internal/config"
	"voxelstream.ai/internal/directory"
	"voxelstream.ai/internal/distribution"
	"voxelstream.ai/internal/ingest"
	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/octree"
	"voxelstream.ai/internal/persistence"
	"voxelstream.ai/internal/persistence/indexdb"
	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/persistence/mirror"
)

func newServeCmd() *cobra.Command {
	var configPath, listen, dataDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			log, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signalContext()
			defer cancel()
			return serve(ctx, cfg, log.Sugar())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to voxelstream.yaml (defaults apply when empty)")
	cmd.Flags().StringVar(&listen, "listen", "", "http listen address (overrides config)")
	cmd.Flags().StringVar(&dataDir, "data", "", "runtime data directory (overrides config)")
	return cmd
}

func newLogger(c config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

// components is everything serve wires together. Fields are nil when the
// config turns the part off.
type components struct {
	tree        *octree.Octree
	dir         *directory.Directory
	ingest      *ingest.Processor
	persistence *persistence.Manager
	manager     *distribution.Manager
	index       *indexdb.SQLiteIndex
	mirror      *mirror.Mirror
	edits       *persistlog.EditLogger
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
}

func build(cfg config.Config, log *zap.SugaredLogger) (c *components, err error) {
	region, err := cfg.Region()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	c = &components{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c.tree = octree.New(octree.WithScale(cfg.Tree.Scale))
	m := metrics.New(c.registry, c.tree.VoxelCount)
	c.metrics = m
	c.dir = directory.New(cfg.Distribution.OutboundQueue, log.Named("directory"))

	if cfg.Persistence.Index {
		c.index, err = indexdb.OpenSQLite(indexPath(cfg.DataDir))
		if err != nil {
			return c, fmt.Errorf("open index: %w", err)
		}
	}
	c.mirror, err = buildMirror(cfg, log.Named("mirror"), m)
	if err != nil {
		return c, err
	}

	popts := []persistence.Option{persistence.WithLogger(log.Named("persistence")), persistence.WithMetrics(m)}
	if c.index != nil {
		popts = append(popts, persistence.WithIndex(c.index))
	}
	if c.mirror != nil {
		popts = append(popts, persistence.WithMirror(c.mirror))
	}
	c.persistence = persistence.New(c.tree, cfg.PersistenceConfig(), popts...)
	if err := c.persistence.Load(); err != nil {
		return c, err
	}

	var audit ingest.AuditSinks
	if cfg.Ingest.AuditLog {
		c.edits = persistlog.NewEditLogger(cfg.DataDir, nil)
		audit = append(audit, c.edits)
	}
	if c.index != nil {
		audit = append(audit, c.index)
	}
	iopts := []ingest.Option{
		ingest.WithLogger(log.Named("ingest")),
		ingest.WithMetrics(m),
		ingest.WithReplier(c.dir),
		ingest.WithSnapshots(c.persistence),
		ingest.WithJurisdiction(region),
		ingest.WithQueueSize(cfg.Ingest.QueueSize),
	}
	if len(audit) > 0 {
		iopts = append(iopts, ingest.WithAudit(audit))
	}
	c.ingest = ingest.New(c.tree, iopts...)

	sinks := func(id string) (distribution.PacketSink, bool) {
		cl, ok := c.dir.Get(id)
		if !ok {
			return nil, false
		}
		return cl, true
	}
	c.manager = distribution.NewManager(c.tree, sinks, cfg.DistributionConfig(region),
		distribution.WithLogger(log.Named("distribution")),
		distribution.WithMetrics(m),
		distribution.WithEnvironment(distribution.NewEnvironment(clock.New(), c.tree, c.dir)),
	)
	c.dir.AddListener(c.manager)
	c.dir.AddListener(c.ingest)
	return c, nil
}

// Close releases the optional sinks. The mirror drains first so uploads
// queued by the final snapshot still go out.
func (c *components) Close() error {
	var err error
	if c.mirror != nil {
		err = multierr.Append(err, c.mirror.Close())
	}
	if c.index != nil {
		err = multierr.Append(err, c.index.Close())
	}
	if c.edits != nil {
		err = multierr.Append(err, c.edits.Close())
	}
	return err
}

func serve(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (err error) {
	c, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, c.Close()) }()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(c, log.Named("http")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.ingest.Run(gctx) })
	g.Go(func() error { return c.persistence.Run(gctx) })
	g.Go(func() error { return c.manager.Run(gctx) })
	g.Go(func() error {
		log.Infow("listening", "addr", cfg.Listen, "data_dir", cfg.DataDir, "voxels", c.tree.VoxelCount())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx2)
	})
	err = g.Wait()
	log.Infow("stopped", "err", err)
	return err
}

func buildMirror(cfg config.Config, log *zap.SugaredLogger, m *metrics.Metrics) (*mirror.Mirror, error) {
	if !cfg.Mirror.Enabled {
		return nil, nil
	}
	s3cfg := cfg.S3Config()
	// Secrets may come from the environment instead of the file.
	if v := strings.TrimSpace(os.Getenv("VOXELSTREAM_S3_ACCESS_KEY_ID")); v != "" {
		s3cfg.AccessKeyID = v
	}
	if v := strings.TrimSpace(os.Getenv("VOXELSTREAM_S3_SECRET_ACCESS_KEY")); v != "" {
		s3cfg.SecretAccessKey = v
	}
	client, err := mirror.NewS3(s3cfg)
	if err != nil {
		return nil, fmt.Errorf("mirror: %w", err)
	}
	return mirror.New(client, mirror.Config{
		DataDir:   cfg.DataDir,
		Prefix:    cfg.Mirror.Prefix,
		Workers:   cfg.Mirror.Workers,
		QueueSize: cfg.Mirror.QueueSize,
	}, log, m), nil
}
