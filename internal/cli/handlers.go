package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BartekS5/convsync/internal/coord"
	"github.com/BartekS5/convsync/internal/etl"
	"github.com/BartekS5/convsync/internal/staging"
	"github.com/BartekS5/convsync/internal/transform"
	"github.com/BartekS5/convsync/pkg/database"
	"github.com/BartekS5/convsync/pkg/shell"
)

// openStore builds the configured intermediate storage backend.
func (a *app) openStore(ctx context.Context) (staging.Store, error) {
	s := a.cfg.Staging
	log := a.log.With("staging")
	switch s.Backend {
	case "snapshot":
		return staging.OpenSnapshot(ctx, staging.SnapshotOptions{
			CatalogPath: a.cfg.CatalogPath(),
			Namespace:   s.Namespace,
			Table:       s.Table,
		}, log, a.metrics)
	default:
		if s.Minio.Endpoint == "" {
			return staging.NewFiles(staging.NewLocalBucket(s.RawDir), log, a.metrics), nil
		}
		bucket, err := staging.NewMinioBucket(ctx, staging.MinioOptions{
			Endpoint:  s.Minio.Endpoint,
			AccessKey: s.Minio.AccessKey,
			SecretKey: s.Minio.SecretKey,
			Bucket:    s.Minio.Bucket,
			Prefix:    s.Minio.Prefix,
			UseSSL:    s.Minio.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open bucket %s: %w", s.Minio.Bucket, err)
		}
		return staging.NewFiles(bucket, log, a.metrics), nil
	}
}

func (a *app) warehouse() (*etl.Warehouse, error) {
	dialect, err := etl.ParseDialect(a.cfg.Warehouse.Driver)
	if err != nil {
		return nil, err
	}
	return etl.NewWarehouse(etl.WarehouseOptions{
		Dialect: dialect,
		DSN:     a.cfg.WarehouseDSN(),
		Path:    a.cfg.Warehouse.Path,
	}, a.log.With("warehouse"), a.metrics), nil
}

func (a *app) watermark() *etl.WatermarkStore {
	return etl.NewWatermarkStore(a.cfg.Pipeline.WatermarkFile, a.log.With("watermark"))
}

// components holds the steps of one run and releases their connections.
type components struct {
	store     staging.Store
	extractor *etl.Extractor
	loader    *etl.Loader
	closers   []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// build opens only what the enabled steps need, so a load-only run never
// touches MongoDB.
func (a *app) build(ctx context.Context, withExtract, withLoad bool) (*components, error) {
	c := &components{}
	if !withExtract && !withLoad {
		return c, nil
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	c.store = store
	c.closers = append(c.closers, func() { _ = store.Close() })

	if withExtract {
		client, err := database.ConnectMongo(ctx, a.cfg.Mongo.URI, a.log.With("mongo"))
		if err != nil {
			c.Close()
			return nil, err
		}
		c.closers = append(c.closers, func() { database.DisconnectMongo(client) })

		source := etl.NewMongoSource(client, a.cfg.Mongo.DB, a.cfg.Mongo.Collection)
		c.extractor = etl.NewExtractor(source, store, a.watermark(), etl.ExtractorOptions{
			BatchSize:      a.cfg.Pipeline.BatchSize,
			WriteBatchSize: a.cfg.Pipeline.WriteBatchSize,
		}, a.log.With("extract"), a.metrics)
	}

	if withLoad {
		wh, err := a.warehouse()
		if err != nil {
			c.Close()
			return nil, err
		}
		c.loader = etl.NewLoader(wh, store, a.log.With("load"), a.metrics)
	}
	return c, nil
}

func (a *app) transformer() *transform.Runner {
	return transform.NewRunner(transform.Options{
		Bin:         a.cfg.DBT.Bin,
		ProjectDir:  a.cfg.DBT.ProjectDir,
		ProfilesDir: a.cfg.DBT.ProfilesDir,
		Target:      a.cfg.DBT.Target,
	}, shell.ExecRunner{}, a.log.With("dbt"))
}

func (a *app) coordinator() coord.Coordinator {
	if !a.cfg.Readers.Enabled {
		return coord.Noop{}
	}
	d := coord.NewDocker(a.cfg.Readers.Containers, a.log.With("readers"), a.metrics)
	d.Timeout = a.cfg.Readers.Timeout
	d.Settle = a.cfg.Readers.Settle
	return d
}

func (a *app) stepRetry() etl.StepRetry {
	p := a.cfg.Pipeline
	return etl.StepRetry{
		Extract:   p.Retries.Extract,
		Load:      p.Retries.Load,
		Transform: p.Retries.Transform,
		Delays:    p.RetryDelays,
	}
}

func (a *app) writeMetrics() {
	if err := a.metrics.WriteFile(a.cfg.Metrics.File); err != nil {
		a.log.Warnf("Failed to write metrics file %s: %v", a.cfg.Metrics.File, err)
	}
}

func (a *app) extract(ctx context.Context, full bool) error {
	c, err := a.build(ctx, true, false)
	if err != nil {
		return err
	}
	defer c.Close()
	defer a.writeMetrics()

	n, err := c.extractor.Extract(ctx, full)
	if err != nil {
		return err
	}
	renderExtraction(a.out, &etl.ExtractionResult{Records: n})
	return nil
}

func (a *app) storageInfo(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	info, err := store.Info(ctx)
	if err != nil {
		return err
	}
	renderStorageInfo(a.out, info)
	return nil
}

func (a *app) initSchema(ctx context.Context) error {
	wh, err := a.warehouse()
	if err != nil {
		return err
	}
	return etl.NewLoader(wh, nil, a.log.With("load"), a.metrics).InitSchema(ctx)
}

func (a *app) load(ctx context.Context, fullRefresh bool) error {
	c, err := a.build(ctx, false, true)
	if err != nil {
		return err
	}
	defer c.Close()
	defer a.writeMetrics()

	report, err := c.loader.Load(ctx, fullRefresh)
	if err != nil {
		return err
	}
	renderLoad(a.out, &etl.LoadResult{Report: report})
	return nil
}

func (a *app) stats(ctx context.Context) error {
	wh, err := a.warehouse()
	if err != nil {
		return err
	}
	stats, err := etl.NewLoader(wh, nil, a.log.With("load"), a.metrics).Stats(ctx)
	if err != nil {
		return err
	}
	renderStats(a.out, stats)
	return nil
}

func (a *app) transform(ctx context.Context, fullRefresh bool, selector string) error {
	out, err := a.transformer().WithCommand(transform.CommandRun).Run(ctx, fullRefresh, selector)
	fmt.Fprintln(a.out, out)
	return err
}

func (a *app) runPipeline(ctx context.Context, opts etl.Options) (*etl.Result, error) {
	c, err := a.build(ctx, !opts.SkipExtract, !opts.SkipLoad)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	defer a.writeMetrics()

	var ext etl.ExtractStep
	if c.extractor != nil {
		ext = c.extractor
	}
	var loader etl.LoadStep
	if c.loader != nil {
		loader = c.loader
	}
	p := etl.NewPipeline(ext, loader, a.transformer(), a.coordinator(), a.stepRetry(),
		a.log.With("pipeline"), a.metrics)

	res, err := p.Run(ctx, opts)
	if res != nil {
		renderResult(a.out, res)
	}
	return res, err
}

// serve runs an incremental sync immediately and then every interval until
// ctx is cancelled. Failed runs are logged and retried on the next tick.
func (a *app) serve(ctx context.Context, interval time.Duration, addr string) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}

	var srv *http.Server
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Errorf("Metrics server failed: %v", err)
			}
		}()
		a.log.Infof("Serving metrics on %s/metrics", addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	opts := etl.Options{CoordinateReaders: a.cfg.Readers.Enabled}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.runPipeline(ctx, opts); err != nil {
			a.log.Errorf("Scheduled run failed: %v", err)
		}
		select {
		case <-ctx.Done():
			a.log.Infof("Shutting down scheduler")
			return nil
		case <-ticker.C:
		}
	}
}
