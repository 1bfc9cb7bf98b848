// Package pipeline drives sampled frames through detection, consensus, cropping and scoring.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fiapx/fiapx-harvester-service/internal/consensus"
	"github.com/fiapx/fiapx-harvester-service/internal/cropper"
	"github.com/fiapx/fiapx-harvester-service/internal/detector"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/port"
	"github.com/fiapx/fiapx-harvester-service/internal/infra/metrics"
	"github.com/fiapx/fiapx-harvester-service/internal/quality"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrStopped is returned when a run was cancelled. Outputs persisted before
// the stop are kept and the totals so far are returned alongside.
var ErrStopped = errors.New("pipeline stopped")

type Video struct {
	Name string
	Path string
}

// VideoFromPath names a video after its file stem.
func VideoFromPath(path string) Video {
	base := filepath.Base(path)
	return Video{Name: strings.TrimSuffix(base, filepath.Ext(base)), Path: path}
}

type Progress struct {
	Video      string
	FrameIndex int
	Stats      entity.VideoRunStats
}

// Hooks are optional callbacks for a run.
type Hooks struct {
	// OnProgress fires every ProgressEvery sampled frames.
	OnProgress func(Progress)
	// OnVideoDone fires once per finished video with its output directory.
	OnVideoDone func(ctx context.Context, video Video, stats entity.VideoRunStats) error
}

type Deps struct {
	Models port.ModelRegistry
	Frames port.FrameSourceFactory
	Text   port.TextDetector
	Sink   port.DatasetSink
}

type Pipeline struct {
	cfg       Config
	deps      Deps
	consensus consensus.Engine
	cropper   *cropper.Cropper
	scorer    *quality.Scorer
	logger    *zap.Logger

	state  *atomic.Int32
	runMu  sync.Mutex
	loaded bool
}

func New(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Models == nil || deps.Frames == nil || deps.Sink == nil {
		return nil, errors.New("pipeline: models, frames and sink are required")
	}
	if cfg.SkipTextEnabled && deps.Text == nil {
		return nil, &entity.ConfigurationError{Field: "skip_text_enabled", Reason: "no text detector configured"}
	}

	c, err := cropper.New(cfg.CropperOptions())
	if err != nil {
		return nil, err
	}
	s, err := quality.NewScorer(cfg.Quality)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:       cfg,
		deps:      deps,
		consensus: consensus.NewEngine(cfg.EffectiveVotingThreshold(), cfg.IoUThreshold),
		cropper:   c,
		scorer:    s,
		logger:    logger,
		state:     atomic.NewInt32(int32(StateIdle)),
	}, nil
}

func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
	metrics.PipelineState.Set(float64(s))
}

// Start loads the models once for the lifetime of the pipeline.
func (p *Pipeline) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.start(ctx)
}

func (p *Pipeline) start(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	p.setState(StateLoadingModels)
	if err := p.deps.Models.Load(ctx); err != nil {
		p.setState(StateIdle)
		return err
	}
	p.loaded = true
	p.setState(StateIdle)
	return nil
}

// Close unloads the models.
func (p *Pipeline) Close() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	p.loaded = false
	return p.deps.Models.Close()
}

// Run loads the models, processes videos and unloads the models again.
func (p *Pipeline) Run(ctx context.Context, videos []Video, hooks Hooks) (entity.RunTotals, error) {
	if err := p.Start(ctx); err != nil {
		return entity.RunTotals{}, err
	}
	totals, err := p.Process(ctx, videos, hooks)
	if cerr := p.Close(); cerr != nil {
		p.logger.Warn("failed to unload models", zap.Error(cerr))
	}
	return totals, err
}

// Process harvests videos one after another with the already loaded models.
// Only one Process call runs at a time.
func (p *Pipeline) Process(ctx context.Context, videos []Video, hooks Hooks) (entity.RunTotals, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	var totals entity.RunTotals
	start := time.Now()

	if err := p.start(ctx); err != nil {
		return totals, err
	}
	if err := p.deps.Sink.EnsureRoot(); err != nil {
		return totals, err
	}

	for _, v := range videos {
		if ctx.Err() != nil {
			return p.stopped(totals, start)
		}

		stats, err := p.processVideo(ctx, v, hooks)
		if err != nil && !errors.Is(err, ErrStopped) {
			totals.VideosFailed++
			metrics.VideosProcessedTotal.WithLabelValues("failed").Inc()
			p.logger.Error("video failed", zap.String("video", v.Name), zap.Error(err))
			continue
		}

		totals.Add(stats)
		metrics.VideosProcessedTotal.WithLabelValues("ok").Inc()
		if errors.Is(err, ErrStopped) {
			return p.stopped(totals, start)
		}
	}

	totals.Duration = time.Since(start)
	p.setState(StateIdle)
	p.logger.Info("run finished",
		zap.Int("videos_processed", totals.VideosProcessed),
		zap.Int("videos_failed", totals.VideosFailed),
		zap.Int("crops_saved", totals.CropsSaved),
		zap.Duration("elapsed", totals.Duration),
	)
	return totals, nil
}

func (p *Pipeline) stopped(totals entity.RunTotals, start time.Time) (entity.RunTotals, error) {
	totals.Duration = time.Since(start)
	p.setState(StateStopped)
	p.logger.Warn("run stopped",
		zap.Int("videos_processed", totals.VideosProcessed),
		zap.Int("crops_saved", totals.CropsSaved),
	)
	return totals, ErrStopped
}

func (p *Pipeline) processVideo(ctx context.Context, v Video, hooks Hooks) (entity.VideoRunStats, error) {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "Pipeline.processVideo")
	defer span.End()
	span.SetAttributes(attribute.String("video.name", v.Name), attribute.Bool("turbo", p.cfg.TurboEnabled))

	log := p.logger.With(zap.String("video", v.Name))
	start := time.Now()
	stats := entity.VideoRunStats{Video: v.Name}

	p.setState(StateProcessingVideo)

	writer, err := p.deps.Sink.Writer(p.cfg.VideoDirName(v.Name))
	if err != nil {
		return stats, fmt.Errorf("open output: %w", err)
	}
	stats.OutputDir = writer.Dir()

	src, err := p.deps.Frames.Open(ctx, v.Path, p.cfg.FrameInterval)
	if err != nil {
		return stats, fmt.Errorf("open frames: %w", err)
	}
	defer src.Close()

	log.Info("processing video",
		zap.String("path", v.Path),
		zap.Bool("ensemble", p.cfg.EnsembleEnabled),
		zap.Bool("turbo", p.cfg.TurboEnabled),
		zap.String("ratio", string(p.cfg.TargetAspectRatio)),
	)

	r := &videoRun{p: p, video: v, writer: writer, stats: &stats, hooks: hooks, log: log}
	if p.cfg.TurboEnabled {
		err = r.runTurbo(ctx, src)
	} else {
		err = r.runStandard(ctx, src)
	}

	p.setState(StateFinalizingVideo)
	stats.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("crops.saved", stats.CropsSaved()))

	log.Info("video summary",
		zap.Int("frames_sampled", stats.FramesSampled),
		zap.Int("frames_saved", stats.FramesSaved),
		zap.Int("skipped_text", stats.SkippedText),
		zap.Int("no_subject", stats.NoSubject),
		zap.Int("detection_failures", stats.DetectionFailures),
		zap.Int("decode_failures", stats.DecodeFailures),
		zap.Int("write_failures", stats.WriteFailures),
		zap.Int("crops_discarded", stats.CropsDiscarded),
		zap.Int("person_crops", stats.PersonCrops),
		zap.Int("animal_crops", stats.AnimalCrops),
		zap.Int("object_crops", stats.ObjectCrops),
		zap.Duration("elapsed", stats.Duration),
	)

	if err != nil && !errors.Is(err, ErrStopped) {
		return stats, err
	}

	if hooks.OnVideoDone != nil {
		if herr := hooks.OnVideoDone(context.WithoutCancel(ctx), v, stats); herr != nil {
			log.Error("video finalizer failed", zap.Error(herr))
		}
	}
	return stats, err
}

// videoRun holds the per-video state of the frame loop.
type videoRun struct {
	p      *Pipeline
	video  Video
	writer port.OutputWriter
	stats  *entity.VideoRunStats
	hooks  Hooks
	log    *zap.Logger
}

// next pulls the next frame. It reports ok=false at end of stream and
// counts decode failures, which are skipped.
func (r *videoRun) next(ctx context.Context, src port.FrameSource) (entity.Frame, bool, error) {
	for {
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return entity.Frame{}, false, nil
		}
		var decErr *entity.DecodeError
		if errors.As(err, &decErr) {
			r.stats.FramesSampled++
			r.stats.DecodeFailures++
			metrics.FramesSampledTotal.Inc()
			metrics.FramesSkippedTotal.WithLabelValues("decode_error").Inc()
			r.log.Warn("frame decode failed", zap.Int("frame", decErr.FrameIndex), zap.Error(err))
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return entity.Frame{}, false, ErrStopped
			}
			return entity.Frame{}, false, fmt.Errorf("read frame: %w", err)
		}

		r.stats.FramesSampled++
		metrics.FramesSampledTotal.Inc()
		r.progress(frame.Index)
		return frame, true, nil
	}
}

func (r *videoRun) progress(frameIndex int) {
	every := r.p.cfg.ProgressEvery
	if r.hooks.OnProgress == nil || every <= 0 || r.stats.FramesSampled%every != 0 {
		return
	}
	r.hooks.OnProgress(Progress{Video: r.video.Name, FrameIndex: frameIndex, Stats: *r.stats})
}

func (r *videoRun) skipText(frame entity.Frame) bool {
	if !r.p.cfg.SkipTextEnabled || !r.p.deps.Text.ContainsText(frame.Image) {
		return false
	}
	r.stats.SkippedText++
	metrics.FramesSkippedTotal.WithLabelValues("text").Inc()
	return true
}

func (r *videoRun) runStandard(ctx context.Context, src port.FrameSource) error {
	for {
		if ctx.Err() != nil {
			return ErrStopped
		}
		frame, ok, err := r.next(ctx, src)
		if err != nil || !ok {
			return err
		}
		if r.skipText(frame) {
			continue
		}

		// the current frame is finished even if a stop arrives mid-way
		inflight := context.WithoutCancel(ctx)
		dets, err := r.detectFrame(inflight, frame.Image)
		if err != nil {
			r.detectionFailed(frame.Index, err)
			continue
		}
		r.finishFrame(inflight, frame, dets)
	}
}

func (r *videoRun) runTurbo(ctx context.Context, src port.FrameSource) error {
	batch := make([]entity.Frame, 0, r.p.cfg.BatchSize)
	for {
		stopped := ctx.Err() != nil
		eof := false
		if !stopped {
			frame, ok, err := r.next(ctx, src)
			switch {
			case errors.Is(err, ErrStopped):
				stopped = true
			case err != nil:
				return err
			case !ok:
				eof = true
			case !r.skipText(frame):
				batch = append(batch, frame)
			}
		}

		if len(batch) > 0 && (len(batch) == r.p.cfg.BatchSize || eof || stopped) {
			r.flush(context.WithoutCancel(ctx), batch)
			batch = batch[:0]
		}
		if stopped {
			return ErrStopped
		}
		if eof {
			return nil
		}
	}
}

func (r *videoRun) flush(ctx context.Context, batch []entity.Frame) {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "Pipeline.batch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(batch)))

	imgs := make([]image.Image, len(batch))
	for i, f := range batch {
		imgs[i] = f.Image
	}

	results, err := r.detectBatch(ctx, imgs)
	if err != nil {
		r.log.Warn("batch detection failed, falling back to per-frame", zap.Int("batch", len(batch)), zap.Error(err))
		for _, frame := range batch {
			dets, err := r.detectFrame(ctx, frame.Image)
			if err != nil {
				r.detectionFailed(frame.Index, err)
				continue
			}
			r.finishFrame(ctx, frame, dets)
		}
		return
	}

	for i, frame := range batch {
		r.finishFrame(ctx, frame, results[i])
	}
}

func (r *videoRun) detectionFailed(frameIndex int, err error) {
	r.stats.DetectionFailures++
	metrics.FramesSkippedTotal.WithLabelValues("detection_error").Inc()
	r.log.Warn("detection failed", zap.Int("frame", frameIndex), zap.Error(err))
}

func (r *videoRun) detectFrame(ctx context.Context, img image.Image) ([]entity.Detection, error) {
	defer observe("detect", time.Now())

	models := r.p.deps.Models.Active()
	perModel := make([][]entity.Detection, len(models))
	for i, m := range models {
		dets, err := m.Detect(ctx, img)
		if err != nil {
			return nil, err
		}
		perModel[i] = dets
	}
	return r.assemble(perModel), nil
}

func (r *videoRun) detectBatch(ctx context.Context, imgs []image.Image) ([][]entity.Detection, error) {
	defer observe("detect", time.Now())

	models := r.p.deps.Models.Active()
	perModel := make([][][]entity.Detection, len(models))
	for i, m := range models {
		out, err := detector.Batch(m).DetectBatch(ctx, imgs)
		if err != nil {
			return nil, err
		}
		perModel[i] = out
	}

	results := make([][]entity.Detection, len(imgs))
	for f := range imgs {
		frameDets := make([][]entity.Detection, len(models))
		for m := range models {
			frameDets[m] = perModel[m][f]
		}
		results[f] = r.assemble(frameDets)
	}
	return results, nil
}

// assemble concatenates per-model results in priority order, numbers them in
// emission order and drops low-confidence boxes.
func (r *videoRun) assemble(perModel [][]entity.Detection) []entity.Detection {
	var all []entity.Detection
	for _, dets := range perModel {
		all = append(all, dets...)
	}
	for i := range all {
		all[i].Seq = i
	}
	return detector.FilterConfidence(all, r.p.cfg.ConfidenceThreshold)
}

// finishFrame runs consensus, cropping and scoring, then persists the kept crops.
func (r *videoRun) finishFrame(ctx context.Context, frame entity.Frame, dets []entity.Detection) entity.FrameJob {
	job := entity.FrameJob{FrameIndex: frame.Index, Image: frame.Image, Detections: dets}

	t := time.Now()
	job.Clusters = r.p.consensus.Cluster(dets)
	observe("consensus", t)

	t = time.Now()
	b := frame.Image.Bounds()
	var accepted []entity.ConsensusCluster
	for _, c := range job.Clusters {
		if !c.Accepted {
			continue
		}
		region := r.p.cropper.Crop(c, b.Dx(), b.Dy())
		job.Crops = append(job.Crops, region)
		job.Scores = append(job.Scores, r.p.scorer.Score(region, c))
		accepted = append(accepted, c)
	}
	observe("crop", t)

	if len(job.Crops) == 0 {
		r.stats.NoSubject++
		metrics.FramesSkippedTotal.WithLabelValues("no_subject").Inc()
		return job
	}

	t = time.Now()
	saved := false
	for i, region := range job.Crops {
		category := accepted[i].Label.Category()
		score := job.Scores[i]
		outcome := entity.CropOutcome{Category: category}

		if !score.Keep {
			outcome.Reason = "quality"
			r.stats.CropsDiscarded++
			metrics.CropsDiscardedTotal.WithLabelValues("quality").Inc()
			job.Outcomes = append(job.Outcomes, outcome)
			continue
		}

		crop := imaging.Crop(frame.Image, region.Rect.Rectangle(b))
		path, err := r.writer.Persist(ctx, crop, category, frame.Index, score.Value)
		if err != nil {
			outcome.Reason = "write_error"
			r.stats.WriteFailures++
			r.stats.CropsDiscarded++
			metrics.CropsDiscardedTotal.WithLabelValues("write_error").Inc()
			r.log.Error("failed to persist crop", zap.Int("frame", frame.Index), zap.String("category", category), zap.Error(err))
			job.Outcomes = append(job.Outcomes, outcome)
			continue
		}

		outcome.Saved = true
		outcome.Path = path
		saved = true
		r.stats.AddSaved(accepted[i].Label)
		metrics.CropsSavedTotal.WithLabelValues(category).Inc()
		job.Outcomes = append(job.Outcomes, outcome)
	}
	observe("persist", t)

	if saved {
		r.stats.FramesSaved++
	}
	return job
}

func observe(stage string, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
