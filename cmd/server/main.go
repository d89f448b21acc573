// Package main is the entry point for the point cloud server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pcview/server/internal/api"
	"github.com/pcview/server/internal/cache"
	"github.com/pcview/server/internal/config"
	"github.com/pcview/server/internal/data/importer"
	"github.com/pcview/server/internal/journal"
	"github.com/pcview/server/internal/logging"
	"github.com/pcview/server/internal/pointtree"
	"github.com/pcview/server/internal/protocol"
	"github.com/pcview/server/internal/render"
	"github.com/pcview/server/internal/service"
)

var serveFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Value: "config/server.yaml",
		Usage: "path to configuration file",
	},
	&cli.IntFlag{
		Name:  "port",
		Usage: "HTTP port, overrides the configuration",
	},
	&cli.StringFlag{
		Name:  "point-data",
		Usage: "point data of the default dataset (octree directory, .ply or .las file)",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "log level, overrides the configuration",
	},
}

func main() {
	app := &cli.App{
		Name:   "pcview-server",
		Usage:  "stream level-of-detail point clouds to remote viewers",
		Flags:  serveFlags,
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the streaming server",
				Flags:  serveFlags,
				Action: serveAction,
			},
			{
				Name:  "convert",
				Usage: "import a .ply or .las file into an on-disk octree",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "input", Required: true, Usage: "input .ply or .las file"},
					&cli.StringFlag{Name: "output", Required: true, Usage: "output octree directory"},
					&cli.StringFlag{Name: "encoding", Value: "uint16", Usage: "position encoding: float32, uint16 or uint8"},
					&cli.IntFlag{Name: "node-size", Value: pointtree.NodeSize, Usage: "maximum points per octree node"},
					&cli.Float64Flag{Name: "min-point-distance", Value: importer.DefaultMinPointDistance, Usage: "dedup grid size, negative keeps every point"},
					&cli.StringFlag{Name: "log-level", Value: "info", Usage: "log level"},
				},
				Action: convertAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("point-data") {
		ds := cfg.Data.Datasets[cfg.Data.DefaultDataset]
		ds.PointData = c.String("point-data")
		cfg.Data.Set(cfg.Data.DefaultDataset, ds)
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}

	logger, err := logging.New("pcview", cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Infow("starting point cloud server", "port", cfg.Server.Port)

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		NodeCacheSizeMB: cfg.Cache.NodeCacheMB,
		NodeTTL:         cfg.Cache.NodeTTL(),
		QueryCacheSize:  cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	codec, err := protocol.NewCodec(cfg.Stream.Compression)
	if err != nil {
		cacheManager.Close()
		return err
	}
	defer codec.Close()

	// Initialize selection renderer (shared across all datasets)
	renderer := render.NewSelectionRenderer(render.Config{
		ImageSize:       cfg.Render.ImageSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	registry, err := loadDatasets(cfg, cacheManager, codec, renderer, logger)
	if err != nil {
		cacheManager.Close()
		return err
	}

	var j *journal.Journal
	if cfg.Journal.SQLitePath != "" {
		j, err = journal.Open(journal.Config{
			SQLitePath:    cfg.Journal.SQLitePath,
			Retention:     cfg.Journal.Retention(),
			CleanupPeriod: 1 * time.Hour,
			Logger:        logger,
		})
		if err != nil {
			cacheManager.Close()
			return fmt.Errorf("failed to open session journal: %w", err)
		}
		j.Start()
		logger.Infow("session journal", "sqlite", cfg.Journal.SQLitePath, "retention_days", cfg.Journal.RetentionDays)
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		Journal:     j,
		Cache:       cacheManager,
		Stream: api.StreamOptions{
			BatchSize:  cfg.Stream.BatchSize,
			BatchPause: cfg.Stream.BatchPause(),
		},
		Logger: logger,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = multierr.Combine(runErr, server.Shutdown(shutdownCtx))
	if j != nil {
		err = multierr.Append(err, j.Stop())
	}
	err = multierr.Append(err, cacheManager.Close())

	logger.Info("server stopped")
	return err
}

func loadDatasets(
	cfg *config.Config,
	cacheManager *cache.Manager,
	codec *protocol.Codec,
	renderer *render.SelectionRenderer,
	logger *zap.SugaredLogger,
) (*api.DatasetRegistry, error) {
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)

	logger.Infow("initializing datasets", "count", len(datasetIDs), "default", cfg.Data.DefaultDataset)

	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]
		dsLogger := logger.With("dataset", datasetID)

		tree, storage, err := service.LoadDataset(service.DatasetOptions{
			PointData:        ds.PointData,
			NodeSize:         ds.NodeSize,
			MinPointDistance: float32(ds.MinPointDistance),
			SubtreeCacheSize: cfg.Cache.SubtreeCacheSize,
			Logger:           dsLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load dataset %q: %w", datasetID, err)
		}
		dsLogger.Infow("dataset loaded", "path", ds.PointData, "storage", storage, "nodes", tree.NumNodes())

		registry.Register(datasetID, service.NewPointCloudService(service.PointCloudServiceConfig{
			DatasetID: datasetID,
			Tree:      tree,
			Storage:   storage,
			NodeSize:  ds.NodeSize,
			Cache:     cacheManager,
			Codec:     codec,
			Renderer:  renderer,
			Limits: service.Limits{
				MaxNodes:   cfg.Stream.MaxNodes,
				MaxPoints:  cfg.Stream.MaxPoints,
				MaxDensity: cfg.Stream.MaxDensity,
			},
			Logger: logger,
		}))
	}
	return registry, nil
}

func convertAction(c *cli.Context) error {
	logger, err := logging.New("convert", c.String("log-level"), false)
	if err != nil {
		return err
	}
	defer logger.Sync()

	enc, err := pointtree.ParsePositionEncoding(c.String("encoding"))
	if err != nil {
		return err
	}

	tree, stats, err := importer.LoadFile(c.String("input"), importer.Config{
		NodeSize:         c.Int("node-size"),
		MinPointDistance: float32(c.Float64("min-point-distance")),
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	out := c.String("output")
	if err := pointtree.WriteOnDiskOcTree(out, tree, enc); err != nil {
		return err
	}
	logger.Infow("wrote octree", "path", out, "encoding", enc.String(), "nodes", tree.NumNodes(),
		"points", stats.PointsKept, "duration", stats.Duration)
	return nil
}
