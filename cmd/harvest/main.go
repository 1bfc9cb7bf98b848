// Package main is the local batch harvester: it runs the crop pipeline over
// video files on disk and writes the dataset tree under the output root.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fiapx/fiapx-harvester-service/internal/detector"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/fiapx/fiapx-harvester-service/internal/infra/config"
	"github.com/fiapx/fiapx-harvester-service/internal/infra/ffmpeg"
	"github.com/fiapx/fiapx-harvester-service/internal/infra/output"
	"github.com/fiapx/fiapx-harvester-service/internal/pipeline"
	"github.com/fiapx/fiapx-harvester-service/internal/textskip"
	"github.com/fiapx/fiapx-harvester-service/pkg/logger"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	flagEnvFile    = "env-file"
	flagOutput     = "output"
	flagRatio      = "ratio"
	flagInterval   = "interval"
	flagConfidence = "confidence"
	flagPadding    = "padding"
	flagEnsemble   = "ensemble"
	flagModels     = "models"
	flagVoting     = "voting"
	flagTurbo      = "turbo"
	flagBatchSize  = "batch-size"
	flagSkipText   = "skip-text"
	flagONNXModel  = "onnx-model"
	flagLogLevel   = "log-level"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "harvest",
		Usage:     "crop person, animal and object shots out of videos into a training dataset",
		ArgsUsage: "VIDEO [VIDEO...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagEnvFile, Value: ".env", Usage: "preload environment from `FILE`"},
			&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Usage: "dataset root `DIR` (default $OUTPUT_ROOT)"},
			&cli.StringFlag{Name: flagRatio, Aliases: []string{"r"}, Usage: "target aspect ratio: 9:16, 3:4, 1:1, 4:5, 16:9 or 4:3"},
			&cli.IntFlag{Name: flagInterval, Usage: "sample every Nth frame"},
			&cli.Float64Flag{Name: flagConfidence, Usage: "minimum detection confidence"},
			&cli.Float64Flag{Name: flagPadding, Usage: "minimum padding around the subject in pixels"},
			&cli.BoolFlag{Name: flagEnsemble, Usage: "vote across several models"},
			&cli.StringSliceFlag{Name: flagModels, Usage: "ensemble models (fast-cnn, transformer, region-proposal)"},
			&cli.IntFlag{Name: flagVoting, Usage: "models that must agree on a subject"},
			&cli.BoolFlag{Name: flagTurbo, Usage: "batch frames through each model"},
			&cli.IntFlag{Name: flagBatchSize, Usage: "frames per batch in turbo mode"},
			&cli.BoolFlag{Name: flagSkipText, Value: true, Usage: "skip frames with burned-in subtitles"},
			&cli.StringFlag{Name: flagONNXModel, Usage: "run the fast CNN in-process from this ONNX `FILE`"},
			&cli.StringFlag{Name: flagLogLevel, Usage: "log level (default $LOG_LEVEL)"},
		},
		Action: run,
	}
}

// loadConfig reads the environment and overrides it with the flags that were set.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(flagEnvFile))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if c.IsSet(flagOutput) {
		cfg.OutputRoot = c.String(flagOutput)
	}
	if c.IsSet(flagRatio) {
		cfg.TargetAspectRatio = c.String(flagRatio)
	}
	if c.IsSet(flagInterval) {
		cfg.FrameInterval = c.Int(flagInterval)
	}
	if c.IsSet(flagConfidence) {
		cfg.ConfidenceThreshold = c.Float64(flagConfidence)
	}
	if c.IsSet(flagPadding) {
		cfg.MinPadding = c.Float64(flagPadding)
	}
	if c.IsSet(flagEnsemble) {
		cfg.EnsembleEnabled = c.Bool(flagEnsemble)
	}
	if c.IsSet(flagModels) {
		cfg.EnsembleModels = c.StringSlice(flagModels)
	}
	if c.IsSet(flagVoting) {
		cfg.VotingThreshold = c.Int(flagVoting)
	}
	if c.IsSet(flagTurbo) {
		cfg.TurboEnabled = c.Bool(flagTurbo)
	}
	if c.IsSet(flagBatchSize) {
		cfg.BatchSize = c.Int(flagBatchSize)
	}
	if c.IsSet(flagSkipText) {
		cfg.SkipTextEnabled = c.Bool(flagSkipText)
	}
	if c.IsSet(flagONNXModel) {
		cfg.ONNXModelPath = c.String(flagONNXModel)
	}
	if c.IsSet(flagLogLevel) {
		cfg.LogLevel = c.String(flagLogLevel)
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("no videos given", 2)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	pipeCfg, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, logger.WithFile(cfg.LogFile))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	workDir, err := os.MkdirTemp(cfg.TempDir, "harvest-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	registry := detector.NewRegistry(pipeCfg.ActiveModels(), detector.NewLoader(cfg.LoaderConfig(), log), log)
	p, err := pipeline.New(pipeCfg, pipeline.Deps{
		Models: registry,
		Frames: ffmpeg.NewSampler(workDir, cfg.FFmpegFormat, log),
		Text:   textskip.New(textskip.DefaultOptions()),
		Sink:   output.NewDatasetSink(cfg.OutputRoot, log),
	}, log)
	if err != nil {
		return err
	}

	videos := lo.Map(c.Args().Slice(), func(path string, _ int) pipeline.Video {
		return pipeline.VideoFromPath(path)
	})

	log.Info("harvest starting",
		zap.Int("videos", len(videos)),
		zap.String("output", cfg.OutputRoot),
		zap.Strings("models", lo.Map(pipeCfg.ActiveModels(), func(m entity.ModelKind, _ int) string { return string(m) })),
		zap.Bool("turbo", pipeCfg.TurboEnabled),
	)

	totals, err := p.Run(ctx, videos, pipeline.Hooks{
		OnProgress: func(pr pipeline.Progress) {
			log.Info("progress",
				zap.String("video", pr.Video),
				zap.Int("frame", pr.FrameIndex),
				zap.Int("crops_saved", pr.Stats.CropsSaved()),
			)
		},
	})
	logSummary(log, totals)

	switch {
	case errors.Is(err, pipeline.ErrStopped):
		log.Warn("harvest interrupted, partial dataset kept", zap.String("output", cfg.OutputRoot))
		return cli.Exit("interrupted", 130)
	case err != nil:
		return err
	case totals.VideosFailed > 0:
		return cli.Exit(fmt.Sprintf("%d of %d videos failed", totals.VideosFailed, len(videos)), 1)
	}
	return nil
}

func logSummary(log *zap.Logger, totals entity.RunTotals) {
	for _, v := range totals.Videos {
		log.Info("video",
			zap.String("video", v.Video),
			zap.String("dir", filepath.Base(v.OutputDir)),
			zap.Int("frames_sampled", v.FramesSampled),
			zap.Int("persons", v.PersonCrops),
			zap.Int("animals", v.AnimalCrops),
			zap.Int("objects", v.ObjectCrops),
		)
	}
	log.Info("harvest summary",
		zap.Int("videos_processed", totals.VideosProcessed),
		zap.Int("videos_failed", totals.VideosFailed),
		zap.Int("crops_saved", totals.CropsSaved),
		zap.Duration("elapsed", totals.Duration),
	)
}
