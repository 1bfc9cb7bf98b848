package pipeline

import (
	"fmt"

	"github.com/fiapx/fiapx-harvester-service/internal/consensus"
	"github.com/fiapx/fiapx-harvester-service/internal/cropper"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/fiapx/fiapx-harvester-service/internal/quality"
)

type Config struct {
	TargetAspectRatio   entity.AspectRatio
	FrameInterval       int
	ConfidenceThreshold float64
	MinPadding          float64
	EnsembleEnabled     bool
	EnsembleModels      []entity.ModelKind
	VotingThreshold     int
	IoUThreshold        float64
	TurboEnabled        bool
	BatchSize           int
	SkipTextEnabled     bool
	ProgressEvery       int
	Quality             quality.Options
	Cropper             cropper.Options
}

func DefaultConfig() Config {
	return Config{
		TargetAspectRatio:   entity.Ratio9x16,
		FrameInterval:       30,
		ConfidenceThreshold: 0.5,
		MinPadding:          500,
		EnsembleModels:      append([]entity.ModelKind(nil), entity.ModelKinds...),
		VotingThreshold:     2,
		IoUThreshold:        consensus.DefaultIoUThreshold,
		BatchSize:           4,
		SkipTextEnabled:     true,
		ProgressEvery:       30,
		Quality:             quality.DefaultOptions(),
		Cropper:             cropper.DefaultOptions(),
	}
}

// ActiveModels is the model set a run loads. Without the ensemble only the fast CNN runs.
func (c Config) ActiveModels() []entity.ModelKind {
	if !c.EnsembleEnabled {
		return []entity.ModelKind{entity.ModelFastCNN}
	}
	return c.EnsembleModels
}

func (c Config) EffectiveVotingThreshold() int {
	if !c.EnsembleEnabled {
		return 1
	}
	return c.VotingThreshold
}

func (c Config) CropperOptions() cropper.Options {
	opts := c.Cropper
	opts.Ratio = c.TargetAspectRatio
	opts.MinPadding = c.MinPadding
	return opts
}

// VideoDirName is the per-video output folder, e.g. "clip_9x16_ensemble_turbo".
func (c Config) VideoDirName(video string) string {
	mode := "single"
	if c.EnsembleEnabled {
		mode = "ensemble"
	}
	name := fmt.Sprintf("%s_%s_%s", video, c.TargetAspectRatio.Slug(), mode)
	if c.TurboEnabled {
		name += "_turbo"
	}
	return name
}

func (c Config) Validate() error {
	if !c.TargetAspectRatio.Valid() {
		return &entity.ConfigurationError{Field: "target_aspect_ratio", Reason: fmt.Sprintf("unsupported ratio %q", c.TargetAspectRatio)}
	}
	if c.FrameInterval <= 0 {
		return &entity.ConfigurationError{Field: "frame_interval", Reason: "must be positive"}
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return &entity.ConfigurationError{Field: "confidence_threshold", Reason: "must be within [0,1]"}
	}
	if c.MinPadding < 0 {
		return &entity.ConfigurationError{Field: "min_padding", Reason: "must not be negative"}
	}
	if c.IoUThreshold <= 0 || c.IoUThreshold > 1 {
		return &entity.ConfigurationError{Field: "iou_threshold", Reason: "must be within (0,1]"}
	}
	if c.EnsembleEnabled {
		if len(c.EnsembleModels) == 0 {
			return &entity.ConfigurationError{Field: "ensemble_models", Reason: "empty model set"}
		}
		seen := map[entity.ModelKind]bool{}
		for _, m := range c.EnsembleModels {
			if m.Priority() >= len(entity.ModelKinds) {
				return &entity.ConfigurationError{Field: "ensemble_models", Reason: fmt.Sprintf("unknown model %q", m)}
			}
			if seen[m] {
				return &entity.ConfigurationError{Field: "ensemble_models", Reason: fmt.Sprintf("duplicate model %q", m)}
			}
			seen[m] = true
		}
		if c.VotingThreshold < 1 || c.VotingThreshold > len(c.EnsembleModels) {
			return &entity.ConfigurationError{
				Field:  "voting_threshold",
				Reason: fmt.Sprintf("must be within 1..%d", len(c.EnsembleModels)),
			}
		}
	}
	if c.TurboEnabled && c.BatchSize <= 0 {
		return &entity.ConfigurationError{Field: "batch_size", Reason: "must be positive"}
	}
	if err := c.Quality.Validate(); err != nil {
		return err
	}
	return c.CropperOptions().Validate()
}
