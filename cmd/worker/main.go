package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/screenager/imagehost/internal/clip"
	"github.com/screenager/imagehost/internal/common"
	"github.com/screenager/imagehost/internal/config"
	"github.com/screenager/imagehost/internal/search"
	"github.com/screenager/imagehost/internal/worker"
)

var (
	defaultBatchSize = 16
	defaultMaxDelay  = 100
	defaultModelDir  = "models"
	defaultOrtLib    = ""
)

func main() {
	// Optional .worker.toml overrides the built-in flag defaults, the same
	// way deployment-specific model paths are usually pinned.
	var fileCfg struct {
		BatchSize  int    `toml:"batch-size"`
		MaxDelayMs int    `toml:"max-delay-ms"`
		ModelDir   string `toml:"model-dir"`
		OrtLib     string `toml:"ort-lib"`
	}
	if b, err := os.ReadFile(".worker.toml"); err == nil {
		if err := toml.Unmarshal(b, &fileCfg); err == nil {
			if fileCfg.BatchSize > 0 {
				defaultBatchSize = fileCfg.BatchSize
			}
			if fileCfg.MaxDelayMs > 0 {
				defaultMaxDelay = fileCfg.MaxDelayMs
			}
			if fileCfg.ModelDir != "" {
				defaultModelDir = fileCfg.ModelDir
			}
			if fileCfg.OrtLib != "" {
				defaultOrtLib = fileCfg.OrtLib
			}
		}
	}

	var batchSize int
	var maxDelayMs int
	var modelDir string
	var ortLib string

	root := &cobra.Command{
		Use:   "worker",
		Short: "Inference and indexing worker for the image hosting service",
		Long: "worker consumes upload and search jobs from RabbitMQ, computes CLIP\n" +
			"embeddings in batches, and maintains the Elasticsearch image index.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(batchSize, time.Duration(maxDelayMs)*time.Millisecond, modelDir, ortLib)
		},
	}
	root.Flags().IntVar(&batchSize, "batch-size", defaultBatchSize, "maximum items per inference batch")
	root.Flags().IntVar(&maxDelayMs, "max-delay-ms", defaultMaxDelay, "maximum wait before flushing a partial batch")
	root.Flags().StringVar(&modelDir, "model-dir", defaultModelDir, "directory containing the ONNX model files")
	root.Flags().StringVar(&ortLib, "ort-lib", defaultOrtLib, "path to onnxruntime shared library (empty = system default)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(batchSize int, maxDelay time.Duration, modelDir, ortLib string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.LogLevel)

	index, err := search.NewClient(cfg.Elasticsearch, nil)
	if err != nil {
		return err
	}
	if err := index.EnsureIndex(context.Background(), common.IndexName); err != nil {
		return fmt.Errorf("can't create index: %w", err)
	}

	if err := clip.InitRuntime(ortLib); err != nil {
		return err
	}
	defer clip.CloseRuntime()

	images, err := clip.NewImageModel(modelDir, batchSize, maxDelay, logger)
	if err != nil {
		return fmt.Errorf("can't initialize vision model: %w", err)
	}
	defer images.Close()

	texts, err := clip.NewTextModel(modelDir, batchSize, maxDelay, logger)
	if err != nil {
		return fmt.Errorf("can't initialize text model: %w", err)
	}
	defer texts.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := worker.New(cfg.RabbitMQ, logger, images, texts, index)
	w.Run(ctx)

	logger.Info().Msg("shut down")
	return nil
}

// setupLogger configures the process-wide zerolog output: console writer on
// stderr, level from LOG_LEVEL (default debug).
func setupLogger(level string) zerolog.Logger {
	lvl := zerolog.DebugLevel
	if level != "" {
		if parsed, err := zerolog.ParseLevel(level); err == nil {
			lvl = parsed
		}
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
	log.Logger = logger
	return logger
}
