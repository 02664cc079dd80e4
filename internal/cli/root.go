package cli

import (
	"fmt"
	"io"

	"github.com/BartekS5/convsync/internal/config"
	"github.com/BartekS5/convsync/internal/metrics"
	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

// app carries what every command needs once flags have been parsed.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Registry
	out     io.Writer
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "convsync",
		Short: "Incremental sync of conversation logs from MongoDB into an analytical store",
		Long: `convsync copies new conversation entries from MongoDB into intermediate
storage, upserts them into the analytical table and rebuilds the dbt models.
Runs are incremental: only entries ingested after the stored watermark are read.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd, opts)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.log.Close()
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newConfigCmd(a),
		newExtractCmd(a),
		newLoadCmd(a),
		newStatsCmd(a),
		newTransformCmd(a),
		newRunCmd(a),
		newServeCmd(a),
		newWatermarkCmd(a),
	)
	return rootCmd
}

func (a *app) init(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.verbose {
		cfg.Logging.Level = "DEBUG"
	}
	log, err := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	a.cfg = cfg
	a.log = log
	a.metrics = metrics.New()
	a.out = cmd.OutOrStdout()
	return nil
}
