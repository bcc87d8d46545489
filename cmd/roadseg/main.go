package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"roadseg/internal/config"
	"roadseg/internal/logging"
	"roadseg/internal/report"
	"roadseg/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/roadseg.yaml", "Path to YAML config")
	imageDir := flag.String("image-dir", "", "Override image directory")
	maskDir := flag.String("mask-dir", "", "Override mask directory")
	epochs := flag.Int("epochs", 0, "Number of training epochs")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numWorkers := flag.Int("num-workers", 0, "Number of data loader workers")
	seed := flag.Int64("seed", 0, "PRNG seed")
	outputDir := flag.String("output-dir", "", "Directory for plots and summary")
	show := flag.Bool("show", false, "Open a window with the saved figures")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	cfg.ApplyOverrides(config.Overrides{
		ImageDir:   *imageDir,
		MaskDir:    *maskDir,
		Epochs:     *epochs,
		BatchSize:  *batchSize,
		NumWorkers: *numWorkers,
		Seed:       *seed,
		OutputDir:  *outputDir,
		Show:       *show,
		LogLevel:   *logLevel,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("image_dir", cfg.ImageDir).
		Str("mask_dir", cfg.MaskDir).
		Strs("models", cfg.Models).
		Int("epochs", cfg.Epochs).
		Int64("seed", cfg.Seed).
		Msg("experiment starting")

	art, err := trainer.Run(ctx, cfg, logger)
	if err != nil {
		stop()
		logger.Fatal().Err(err).Msg("experiment failed")
	}

	if cfg.Show {
		if err := report.Show(art.Paths(cfg.Models)); err != nil {
			logger.Error().Err(err).Msg("viewer failed")
		}
	}
}
