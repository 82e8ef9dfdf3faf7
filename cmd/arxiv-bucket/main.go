package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	bucket "github.com/gradhouse/arxiv-bucket"
)

var (
	// Global flags
	verbose    bool
	rootDir    string
	configPath string

	cfg    *Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "arxiv-bucket",
	Short: "Mirror the arXiv bulk source archives from S3",
	Long: `arxiv-bucket keeps a local, verified mirror of the arXiv bulk source
archives published in the requester-pays bucket s3://arxiv/src/.

Downloads are billed to your AWS account. Credentials come from the
standard AWS chain (environment, shared config, instance role).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if rootDir == "" {
			rootDir = defaultRoot()
		}
		if configPath == "" {
			configPath = filepath.Join(rootDir, "config.yaml")
		}
		cfg, err = LoadConfig(configPath)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Mirror directory (default: $ARXIV_BUCKET_ROOT or ~/.cache/arxiv-bucket)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <root>/config.yaml)")

	manifestCmd.AddCommand(manifestFetchCmd)
	manifestCmd.AddCommand(manifestInfoCmd)
	manifestCmd.AddCommand(manifestDiffCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func openStore() (*bucket.Store, error) {
	store, err := bucket.Open(rootDir,
		bucket.WithLogger(logger),
		bucket.WithDriver(cfg.Driver),
		bucket.WithLRUSize(cfg.LRUSize))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

func newBucket(ctx context.Context) (*bucket.Bucket, error) {
	timeout, err := cfg.S3Timeout()
	if err != nil {
		return nil, err
	}
	return bucket.NewBucket(ctx, bucket.BucketOptions{
		Region:   cfg.S3.Region,
		Endpoint: cfg.S3.Endpoint,
		Timeout:  timeout,
		Logger:   logger,
	})
}
