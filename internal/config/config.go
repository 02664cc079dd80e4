// Package config builds the sync engine settings from built-in defaults, an
// optional YAML file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

const (
	MinBatchSize = 100
	MaxBatchSize = 100000
)

// Config holds every setting of the application. It is built once at startup
// and passed down explicitly.
type Config struct {
	Mongo     MongoConfig     `yaml:"mongo"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Staging   StagingConfig   `yaml:"staging"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	DBT       DBTConfig       `yaml:"dbt"`
	Readers   ReadersConfig   `yaml:"readers"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	DB         string `yaml:"db"`
	Collection string `yaml:"collection"`
}

type WarehouseConfig struct {
	Driver  string `yaml:"driver"` // duckdb, sqlite or sqlserver
	Path    string `yaml:"path"`
	Threads int    `yaml:"threads"`
	DSN     string `yaml:"dsn"` // sqlserver connection string
}

type StagingConfig struct {
	Backend       string      `yaml:"backend"` // files or snapshot
	RawDir        string      `yaml:"raw_dir"`
	WarehousePath string      `yaml:"warehouse_path"`
	CatalogURI    string      `yaml:"catalog_uri"`
	Namespace     string      `yaml:"namespace"`
	Table         string      `yaml:"table"`
	Minio         MinioConfig `yaml:"minio"`
}

// MinioConfig switches the files backend to an S3-compatible bucket when
// Endpoint is set.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type PipelineConfig struct {
	BatchSize      int             `yaml:"batch_size"`
	WriteBatchSize int             `yaml:"write_batch_size"`
	WatermarkFile  string          `yaml:"watermark_file"`
	Retries        StepRetries     `yaml:"retries"`
	RetryDelays    []time.Duration `yaml:"retry_delays"`
}

type StepRetries struct {
	Extract   int `yaml:"extract"`
	Load      int `yaml:"load"`
	Transform int `yaml:"transform"`
}

type DBTConfig struct {
	Bin         string `yaml:"bin"`
	ProjectDir  string `yaml:"project_dir"`
	ProfilesDir string `yaml:"profiles_dir"`
	Target      string `yaml:"target"`
}

type ReadersConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Containers []string      `yaml:"containers"`
	Timeout    time.Duration `yaml:"timeout"`
	Settle     time.Duration `yaml:"settle"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type MetricsConfig struct {
	File string `yaml:"file"` // textfile collector output, written after each run
	Addr string `yaml:"addr"` // listen address for serve
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		Mongo: MongoConfig{
			URI:        "mongodb://localhost:27017",
			DB:         "claude_logs",
			Collection: "conversations",
		},
		Warehouse: WarehouseConfig{
			Driver:  "duckdb",
			Path:    "/duckdb/analytics.db",
			Threads: 4,
		},
		Staging: StagingConfig{
			Backend:       "files",
			RawDir:        "/data/raw",
			WarehousePath: "/data/iceberg",
			Namespace:     "analytics",
			Table:         "conversations",
			Minio:         MinioConfig{Bucket: "conversations"},
		},
		Pipeline: PipelineConfig{
			BatchSize:     10000,
			WatermarkFile: "/data/.high_water_mark",
			Retries:       StepRetries{Extract: 3, Load: 3, Transform: 2},
			RetryDelays:   []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
		},
		DBT: DBTConfig{
			Bin:         "dbt",
			ProjectDir:  "/app/dbt",
			ProfilesDir: "/app/dbt",
			Target:      "dev",
		},
		Readers: ReadersConfig{
			Enabled:    true,
			Containers: []string{"metabase", "dbt-docs"},
			Timeout:    30 * time.Second,
			Settle:     2 * time.Second,
		},
		Logging: LoggingConfig{Level: "INFO", Format: "text"},
	}
}

// Validate checks ranges and names. It returns all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Mongo.URI == "" {
		errs = append(errs, errors.New("mongo uri must be set"))
	}
	if c.Mongo.DB == "" || c.Mongo.Collection == "" {
		errs = append(errs, errors.New("mongo db and collection must be set"))
	}

	switch c.Warehouse.Driver {
	case "duckdb", "sqlite":
		if c.Warehouse.Path == "" {
			errs = append(errs, fmt.Errorf("warehouse path is required for %s", c.Warehouse.Driver))
		}
	case "sqlserver", "mssql":
		if c.Warehouse.DSN == "" {
			errs = append(errs, errors.New("warehouse dsn is required for sqlserver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown warehouse driver %q", c.Warehouse.Driver))
	}
	if c.Warehouse.Threads < 1 || c.Warehouse.Threads > 32 {
		errs = append(errs, fmt.Errorf("warehouse threads must be between 1 and 32, got %d", c.Warehouse.Threads))
	}

	switch c.Staging.Backend {
	case "files":
		if c.Staging.RawDir == "" && c.Staging.Minio.Endpoint == "" {
			errs = append(errs, errors.New("staging raw_dir or minio endpoint must be set"))
		}
		if c.Staging.Minio.Endpoint != "" && c.Staging.Minio.Bucket == "" {
			errs = append(errs, errors.New("minio bucket must be set"))
		}
	case "snapshot":
		if c.CatalogPath() == "" {
			errs = append(errs, errors.New("staging warehouse_path or catalog_uri must be set"))
		}
		if c.Staging.Table == "" {
			errs = append(errs, errors.New("staging table must be set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown staging backend %q", c.Staging.Backend))
	}

	p := c.Pipeline
	if p.BatchSize < MinBatchSize || p.BatchSize > MaxBatchSize {
		errs = append(errs, fmt.Errorf("batch size must be between %d and %d, got %d", MinBatchSize, MaxBatchSize, p.BatchSize))
	}
	if p.WriteBatchSize < 0 {
		errs = append(errs, fmt.Errorf("write batch size must not be negative, got %d", p.WriteBatchSize))
	}
	if p.WatermarkFile == "" {
		errs = append(errs, errors.New("watermark file must be set"))
	}
	if p.Retries.Extract < 0 || p.Retries.Load < 0 || p.Retries.Transform < 0 {
		errs = append(errs, errors.New("step retries must not be negative"))
	}
	for _, d := range p.RetryDelays {
		if d < 0 {
			errs = append(errs, fmt.Errorf("retry delay must not be negative, got %s", d))
			break
		}
	}

	if c.DBT.Target != "dev" && c.DBT.Target != "prod" {
		errs = append(errs, fmt.Errorf("dbt target must be dev or prod, got %q", c.DBT.Target))
	}
	if c.Readers.Timeout < 0 || c.Readers.Settle < 0 {
		errs = append(errs, errors.New("reader timeout and settle must not be negative"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// WarehouseDSN is the database/sql connection string for the configured driver.
func (c *Config) WarehouseDSN() string {
	switch c.Warehouse.Driver {
	case "duckdb":
		return fmt.Sprintf("%s?threads=%d", c.Warehouse.Path, c.Warehouse.Threads)
	case "sqlite":
		return c.Warehouse.Path + "?_txlock=immediate"
	default:
		return c.Warehouse.DSN
	}
}

// CatalogPath is the SQLite file backing the snapshot store.
func (c *Config) CatalogPath() string {
	if c.Staging.CatalogURI != "" {
		return strings.TrimPrefix(c.Staging.CatalogURI, "sqlite:///")
	}
	if c.Staging.WarehousePath == "" {
		return ""
	}
	return filepath.Join(c.Staging.WarehousePath, "catalog.db")
}

// Redacted returns a copy safe to print, with credentials masked.
func (c *Config) Redacted() *Config {
	r := *c
	r.Mongo.URI = redactURI(c.Mongo.URI)
	if r.Warehouse.DSN != "" {
		r.Warehouse.DSN = redactURI(c.Warehouse.DSN)
	}
	if r.Staging.Minio.SecretKey != "" {
		r.Staging.Minio.SecretKey = "redacted"
	}
	return &r
}

func redactURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "redacted")
	}
	return u.String()
}
