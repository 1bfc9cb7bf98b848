package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/port"
	"github.com/fiapx/fiapx-harvester-service/internal/infra/metrics"
	"github.com/fiapx/fiapx-harvester-service/internal/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Harvester runs already loaded models over a list of local videos.
type Harvester interface {
	Process(ctx context.Context, videos []pipeline.Video, hooks pipeline.Hooks) (entity.RunTotals, error)
}

type HarvestVideosUseCase struct {
	jobs      port.HarvestJobRepository
	runs      port.VideoRunRepository
	storage   port.DatasetStorage
	archiver  port.Archiver
	harvester Harvester
	publisher port.StatusPublisher
	dlq       port.DLQPublisher
	notifier  port.FailureNotifier
	logger    *zap.Logger
	tempDir   string
	maxRetry  int
}

type HarvestVideosConfig struct {
	TempDir    string
	MaxRetries int
}

func NewHarvestVideosUseCase(
	jobs port.HarvestJobRepository,
	runs port.VideoRunRepository,
	storage port.DatasetStorage,
	archiver port.Archiver,
	harvester Harvester,
	publisher port.StatusPublisher,
	dlq port.DLQPublisher,
	notifier port.FailureNotifier,
	logger *zap.Logger,
	cfg HarvestVideosConfig,
) *HarvestVideosUseCase {
	return &HarvestVideosUseCase{
		jobs:      jobs,
		runs:      runs,
		storage:   storage,
		archiver:  archiver,
		harvester: harvester,
		publisher: publisher,
		dlq:       dlq,
		notifier:  notifier,
		logger:    logger,
		tempDir:   cfg.TempDir,
		maxRetry:  cfg.MaxRetries,
	}
}

// Execute handles one harvest request. A nil return acks the message; an
// error requeues it for another attempt.
func (uc *HarvestVideosUseCase) Execute(ctx context.Context, rawMsg []byte) error {
	ctx, span := otel.Tracer("usecase").Start(ctx, "HarvestVideosUseCase.Execute")
	defer span.End()

	totalTimer := time.Now()

	var msg entity.HarvestMessage
	if err := json.Unmarshal(rawMsg, &msg); err != nil {
		uc.logger.Error("failed to unmarshal message", zap.Error(err), zap.ByteString("body", rawMsg))
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, "unmarshal_error: "+err.Error())
		return nil
	}
	if len(msg.VideoKeys) == 0 {
		uc.logger.Error("harvest request without videos", zap.String("job_id", msg.JobID.String()))
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, "invalid_message: no video keys")
		return nil
	}

	span.SetAttributes(
		attribute.String("job.id", msg.JobID.String()),
		attribute.Int("job.videos", len(msg.VideoKeys)),
	)

	log := uc.logger.With(zap.String("job_id", msg.JobID.String()), zap.Int("videos", len(msg.VideoKeys)))

	job, err := uc.jobs.FindByID(ctx, msg.JobID)
	if err != nil {
		job = entity.NewHarvestJob(msg.UserID, msg.VideoKeys, uc.maxRetry)
		job.ID = msg.JobID
		if err := uc.jobs.Create(ctx, job); err != nil {
			log.Error("failed to create job record", zap.Error(err))
			return fmt.Errorf("create job: %w", err)
		}
	}

	if !job.CanRetry() {
		log.Warn("job exhausted retries, sending to DLQ")
		return uc.handlePermanentFailure(ctx, job, msg, rawMsg, "max retries exceeded", log)
	}

	job.MarkProcessing()
	if err := uc.jobs.Update(ctx, job); err != nil {
		log.Error("failed to update job to PROCESSING", zap.Error(err))
		return fmt.Errorf("update job: %w", err)
	}

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	if err := uc.harvest(ctx, job, msg, rawMsg, log); err != nil {
		return err
	}

	metrics.JobProcessingDuration.WithLabelValues("total").Observe(time.Since(totalTimer).Seconds())
	return nil
}

func (uc *HarvestVideosUseCase) harvest(
	ctx context.Context,
	job *entity.HarvestJob,
	msg entity.HarvestMessage,
	rawMsg []byte,
	log *zap.Logger,
) error {
	tracer := otel.Tracer("usecase")

	workDir := filepath.Join(uc.tempDir, job.ID.String())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	published, err := uc.runs.ListByJob(ctx, job.ID)
	if err != nil {
		log.Error("failed to list published videos", zap.Error(err))
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "list_video_runs: "+err.Error(), log)
	}
	done := make(map[string]bool, len(published))
	for _, r := range published {
		done[r.Video] = true
	}
	if len(done) > 0 {
		log.Info("resuming job", zap.Int("videos_published", len(done)))
	}

	dlStart := time.Now()
	dlCtx, spanDl := tracer.Start(ctx, "download_videos")
	videos, err := uc.download(dlCtx, job, workDir, done)
	spanDl.End()
	if err != nil {
		log.Error("failed to download videos", zap.Error(err))
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "download_video: "+err.Error(), log)
	}
	metrics.JobProcessingDuration.WithLabelValues("download").Observe(time.Since(dlStart).Seconds())

	var finalizeErr error
	hooks := pipeline.Hooks{
		OnProgress: func(p pipeline.Progress) {
			log.Debug("harvest progress",
				zap.String("video", p.Video),
				zap.Int("frame", p.FrameIndex),
				zap.Int("crops_saved", p.Stats.CropsSaved()),
			)
		},
		OnVideoDone: func(ctx context.Context, _ pipeline.Video, stats entity.VideoRunStats) error {
			err := uc.publishDataset(ctx, job, stats, workDir)
			finalizeErr = multierr.Append(finalizeErr, err)
			return err
		},
	}

	hvStart := time.Now()
	hvCtx, spanHv := tracer.Start(ctx, "harvest_videos")
	run, err := uc.harvester.Process(hvCtx, videos, hooks)
	totals := withPublished(published, run)
	spanHv.SetAttributes(attribute.Int("crops.saved", totals.CropsSaved))
	spanHv.End()
	metrics.JobProcessingDuration.WithLabelValues("harvest").Observe(time.Since(hvStart).Seconds())

	var cfgErr *entity.ConfigurationError
	var loadErr *entity.ModelLoadError
	switch {
	case errors.Is(err, pipeline.ErrStopped):
		job.MarkCancelled(totals)
		stopCtx := context.WithoutCancel(ctx)
		_ = uc.jobs.Update(stopCtx, job)
		uc.publishStatus(stopCtx, job, log)
		metrics.JobsProcessedTotal.WithLabelValues("cancelled").Inc()
		log.Warn("harvest interrupted", zap.Int("crops_saved", totals.CropsSaved))
		return fmt.Errorf("harvest interrupted: %w", err)
	case errors.As(err, &cfgErr), errors.As(err, &loadErr):
		log.Error("harvest cannot run", zap.Error(err))
		return uc.handlePermanentFailure(ctx, job, msg, rawMsg, "harvest: "+err.Error(), log)
	case err != nil:
		log.Error("harvest failed", zap.Error(err))
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "harvest: "+err.Error(), log)
	}

	if finalizeErr != nil {
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "publish_dataset: "+finalizeErr.Error(), log)
	}
	if totals.VideosProcessed == 0 {
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "harvest: every video failed", log)
	}

	job.MarkCompleted(totals)
	if totals.VideosFailed > 0 {
		job.ErrorMessage = fmt.Sprintf("%d of %d videos failed", totals.VideosFailed, len(job.VideoKeys))
	}
	if err := uc.jobs.Update(ctx, job); err != nil {
		log.Error("failed to update job to COMPLETED", zap.Error(err))
		return fmt.Errorf("update job completed: %w", err)
	}

	uc.publishStatus(ctx, job, log)
	metrics.JobsProcessedTotal.WithLabelValues("completed").Inc()

	log.Info("job completed successfully",
		zap.Int("videos_processed", totals.VideosProcessed),
		zap.Int("videos_failed", totals.VideosFailed),
		zap.Int("crops_saved", totals.CropsSaved),
		zap.Strings("archive_keys", job.ArchiveKeys),
	)
	return nil
}

// withPublished folds the videos finished by earlier attempts into this run's totals.
func withPublished(published []entity.VideoRunStats, run entity.RunTotals) entity.RunTotals {
	var totals entity.RunTotals
	for _, s := range published {
		totals.Add(s)
	}
	for _, s := range run.Videos {
		totals.Add(s)
	}
	totals.VideosFailed = run.VideosFailed
	totals.Duration = run.Duration
	return totals
}

// download fetches the videos of the job not yet published. Local names
// depend only on the job and position, so a resumed job maps each video to
// the same dataset directory and archive key.
func (uc *HarvestVideosUseCase) download(ctx context.Context, job *entity.HarvestJob, workDir string, done map[string]bool) ([]pipeline.Video, error) {
	dir := filepath.Join(workDir, "videos")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create videos dir: %w", err)
	}

	videos := make([]pipeline.Video, 0, len(job.VideoKeys))
	for i, key := range job.VideoKeys {
		base := path.Base(key)
		stem := strings.TrimSuffix(base, path.Ext(base))
		name := fmt.Sprintf("%s-%02d_%s", job.ID.String()[:8], i, stem)
		if done[name] {
			continue
		}
		dest := filepath.Join(dir, name+path.Ext(base))

		if err := uc.storage.DownloadVideo(ctx, key, dest); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		videos = append(videos, pipeline.Video{Name: name, Path: dest})
	}
	return videos, nil
}

// publishDataset zips one finished video's dataset, uploads it and records its stats.
func (uc *HarvestVideosUseCase) publishDataset(ctx context.Context, job *entity.HarvestJob, stats entity.VideoRunStats, workDir string) error {
	ctx, span := otel.Tracer("usecase").Start(ctx, "publish_dataset")
	defer span.End()

	if stats.OutputDir == "" {
		return fmt.Errorf("%s: no output directory", stats.Video)
	}
	dirName := filepath.Base(stats.OutputDir)

	zipStart := time.Now()
	zipPath := filepath.Join(workDir, dirName+".zip")
	count, err := uc.archiver.CreateZip(ctx, stats.OutputDir, zipPath)
	if err != nil {
		return fmt.Errorf("create zip: %w", err)
	}
	metrics.JobProcessingDuration.WithLabelValues("zip").Observe(time.Since(zipStart).Seconds())

	upStart := time.Now()
	key := fmt.Sprintf("%s/%s/%s.zip", job.UserID, job.ID.String(), dirName)
	zipFile, err := os.Open(zipPath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zipFile.Close()

	info, err := zipFile.Stat()
	if err != nil {
		return fmt.Errorf("stat zip: %w", err)
	}
	if err := uc.storage.UploadArchive(ctx, key, zipFile, info.Size()); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	metrics.JobProcessingDuration.WithLabelValues("upload").Observe(time.Since(upStart).Seconds())

	job.AddArchive(key)
	if err := uc.runs.Save(ctx, job.ID, key, stats); err != nil {
		return fmt.Errorf("save video run: %w", err)
	}

	if err := os.RemoveAll(stats.OutputDir); err != nil {
		uc.logger.Warn("failed to remove local dataset", zap.String("dir", stats.OutputDir), zap.Error(err))
	}

	uc.logger.Info("dataset published",
		zap.String("job_id", job.ID.String()),
		zap.String("video", stats.Video),
		zap.String("archive_key", key),
		zap.Int("files", count),
	)
	return nil
}

func (uc *HarvestVideosUseCase) handleRetryableFailure(
	ctx context.Context,
	job *entity.HarvestJob,
	msg entity.HarvestMessage,
	rawMsg []byte,
	errMsg string,
	log *zap.Logger,
) error {
	trace.SpanFromContext(ctx).SetStatus(codes.Error, errMsg)
	job.MarkFailed(errMsg)
	_ = uc.jobs.Update(ctx, job)

	if !job.CanRetry() {
		return uc.handlePermanentFailure(ctx, job, msg, rawMsg, errMsg, log)
	}

	metrics.RetryTotal.WithLabelValues(strconv.Itoa(job.Attempt)).Inc()
	uc.publishStatus(ctx, job, log)

	return fmt.Errorf("retryable failure (attempt %d/%d): %s", job.Attempt, job.MaxAttempts, errMsg)
}

func (uc *HarvestVideosUseCase) handlePermanentFailure(
	ctx context.Context,
	job *entity.HarvestJob,
	msg entity.HarvestMessage,
	rawMsg []byte,
	errMsg string,
	log *zap.Logger,
) error {
	trace.SpanFromContext(ctx).SetStatus(codes.Error, errMsg)
	job.MarkFailed(errMsg)
	_ = uc.jobs.Update(ctx, job)

	_ = uc.dlq.PublishToDLQ(ctx, rawMsg, errMsg)

	uc.publishStatus(ctx, job, log)

	metrics.JobsProcessedTotal.WithLabelValues("dlq").Inc()

	if msg.UserEmail != "" {
		_ = uc.notifier.NotifyFailure(ctx, msg.UserEmail, job.ID.String(), job.VideoKeys, errMsg)
	}

	return nil
}

func (uc *HarvestVideosUseCase) publishStatus(ctx context.Context, job *entity.HarvestJob, log *zap.Logger) {
	statusMsg := entity.HarvestStatusMessage{
		JobID:           job.ID,
		UserID:          job.UserID,
		Status:          job.Status,
		VideoKeys:       job.VideoKeys,
		ArchiveKeys:     job.ArchiveKeys,
		CropsSaved:      job.CropsSaved,
		VideosProcessed: job.VideosProcessed,
		ErrorMessage:    job.ErrorMessage,
		Attempt:         job.Attempt,
		MaxAttempts:     job.MaxAttempts,
	}
	data, _ := json.Marshal(statusMsg)
	if err := uc.publisher.PublishStatus(ctx, data); err != nil {
		log.Error("failed to publish status", zap.Error(err))
	}
}
