package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// applyEnv overrides cfg with every variable that is set. Empty values count
// as unset.
func applyEnv(cfg *Config, lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	if !e.str("MONGO_URI", &cfg.Mongo.URI) {
		e.str("MONGO_CONNECTION_STRING", &cfg.Mongo.URI)
	}
	e.str("MONGO_DB", &cfg.Mongo.DB)
	e.str("MONGO_COLLECTION", &cfg.Mongo.Collection)

	e.str("WAREHOUSE_DRIVER", &cfg.Warehouse.Driver)
	e.str("DUCKDB_PATH", &cfg.Warehouse.Path)
	e.int("DUCKDB_THREADS", &cfg.Warehouse.Threads)
	e.str("SQL_CONNECTION_STRING", &cfg.Warehouse.DSN)

	e.str("STAGING_BACKEND", &cfg.Staging.Backend)
	e.str("RAW_DIR", &cfg.Staging.RawDir)
	e.str("ICEBERG_WAREHOUSE_PATH", &cfg.Staging.WarehousePath)
	e.str("ICEBERG_CATALOG_URI", &cfg.Staging.CatalogURI)
	e.str("ICEBERG_NAMESPACE", &cfg.Staging.Namespace)
	e.str("ICEBERG_TABLE_NAME", &cfg.Staging.Table)
	e.str("MINIO_ENDPOINT", &cfg.Staging.Minio.Endpoint)
	e.str("MINIO_ACCESS_KEY", &cfg.Staging.Minio.AccessKey)
	e.str("MINIO_SECRET_KEY", &cfg.Staging.Minio.SecretKey)
	e.str("MINIO_BUCKET", &cfg.Staging.Minio.Bucket)
	e.bool("MINIO_USE_SSL", &cfg.Staging.Minio.UseSSL)

	e.int("BATCH_SIZE", &cfg.Pipeline.BatchSize)
	e.int("WRITE_BATCH_SIZE", &cfg.Pipeline.WriteBatchSize)
	e.str("HIGH_WATER_MARK_FILE", &cfg.Pipeline.WatermarkFile)
	e.durations("STEP_RETRY_DELAYS", &cfg.Pipeline.RetryDelays)

	e.str("DBT_BIN", &cfg.DBT.Bin)
	e.str("DBT_PROJECT_DIR", &cfg.DBT.ProjectDir)
	e.str("DBT_PROFILES_DIR", &cfg.DBT.ProfilesDir)
	e.str("DBT_TARGET", &cfg.DBT.Target)

	e.list("READER_CONTAINERS", &cfg.Readers.Containers)
	e.bool("READER_COORDINATION", &cfg.Readers.Enabled)
	e.duration("READER_TIMEOUT", &cfg.Readers.Timeout)
	e.duration("READER_SETTLE", &cfg.Readers.Settle)

	e.str("LOG_LEVEL", &cfg.Logging.Level)
	e.str("LOG_FORMAT", &cfg.Logging.Format)
	e.str("LOG_FILE", &cfg.Logging.File)
	e.str("METRICS_FILE", &cfg.Metrics.File)
	e.str("METRICS_ADDR", &cfg.Metrics.Addr)

	return e.err
}

// envReader keeps the first parse error so callers can chain lookups.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key, val string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s=%q: %w", key, val, err)
	}
}

func (e *envReader) str(key string, dst *string) bool {
	v, ok := e.get(key)
	if ok {
		*dst = v
	}
	return ok
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := parseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}

func (e *envReader) durations(key string, dst *[]time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []time.Duration
	for _, part := range splitList(v) {
		d, err := parseDuration(part)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		out = append(out, d)
	}
	*dst = out
}

func (e *envReader) list(key string, dst *[]string) {
	if v, ok := e.get(key); ok {
		*dst = splitList(v)
	}
}

// parseDuration accepts Go durations ("90s", "2m") and bare seconds ("30").
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
