// Package cli handles the command-line interface logic
// using the Cobra library.
package cli

import (
	"time"

	"github.com/BartekS5/convsync/internal/etl"
	"github.com/spf13/cobra"
)

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return renderConfig(a.out, a.cfg)
		},
	}
}

func newExtractCmd(a *app) *cobra.Command {
	var full, info bool
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Copy new MongoDB entries into intermediate storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if info {
				return a.storageInfo(cmd.Context())
			}
			return a.extract(cmd.Context(), full)
		},
	}
	cmd.Flags().BoolVar(&full, "full-backfill", false, "Ignore the watermark and read every entry")
	cmd.Flags().BoolVar(&info, "info", false, "Show intermediate storage contents and exit")
	return cmd
}

func newLoadCmd(a *app) *cobra.Command {
	var refresh, stats, initOnly bool
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Upsert intermediate storage into the analytical table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if initOnly {
				return a.initSchema(cmd.Context())
			}
			if err := a.load(cmd.Context(), refresh); err != nil {
				return err
			}
			if stats {
				return a.stats(cmd.Context())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "full-refresh", false, "Empty the table before loading")
	cmd.Flags().BoolVar(&stats, "stats", false, "Print table statistics after loading")
	cmd.Flags().BoolVar(&initOnly, "init-only", false, "Only create the schema")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show analytical table statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.stats(cmd.Context())
		},
	}
}

func newTransformCmd(a *app) *cobra.Command {
	var models string
	var refresh bool
	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Run dbt against the analytical store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.transform(cmd.Context(), refresh, models)
		},
	}
	cmd.Flags().StringVar(&models, "models", "", "dbt selector, e.g. +fct_messages")
	cmd.Flags().BoolVar(&refresh, "full-refresh", false, "Rebuild incremental models")
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	opts := etl.Options{}
	var noCoordinate bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run extract, load and transform",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CoordinateReaders = a.cfg.Readers.Enabled && !noCoordinate
			_, err := a.runPipeline(cmd.Context(), opts)
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.FullBackfill, "full-backfill", false, "Ignore the watermark and read every entry")
	cmd.Flags().BoolVar(&opts.FullRefresh, "full-refresh", false, "Rebuild the table and dbt models")
	cmd.Flags().BoolVar(&opts.SkipExtract, "skip-extract", false, "Skip extraction")
	cmd.Flags().BoolVar(&opts.SkipLoad, "skip-load", false, "Skip loading")
	cmd.Flags().BoolVar(&opts.SkipTransform, "skip-transform", false, "Skip dbt")
	cmd.Flags().StringVar(&opts.Select, "select", "", "dbt selector")
	cmd.Flags().BoolVar(&noCoordinate, "no-coordinate", false, "Do not pause readers during load and transform")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var interval time.Duration
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run incremental syncs on a schedule and expose metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Metrics.Addr
			}
			return a.serve(cmd.Context(), interval, addr)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Hour, "Time between runs")
	cmd.Flags().StringVar(&addr, "metrics-addr", "", "Listen address for /metrics (empty disables)")
	return cmd
}

func newWatermarkCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Inspect or reset the extraction watermark",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored watermark",
		RunE: func(cmd *cobra.Command, args []string) error {
			wm := etl.NewWatermarkStore(a.cfg.Pipeline.WatermarkFile, a.log.With("watermark"))
			renderWatermark(a.out, wm.Path(), wm.Get())
			return nil
		},
	}
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Delete the watermark so the next run reads everything",
		RunE: func(cmd *cobra.Command, args []string) error {
			wm := etl.NewWatermarkStore(a.cfg.Pipeline.WatermarkFile, a.log.With("watermark"))
			return wm.Reset()
		},
	}
	cmd.AddCommand(show, reset)
	return cmd
}
