package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// VideoRunRepository stores the per-video statistics of a harvest job.
type VideoRunRepository struct {
	pool *pgxpool.Pool
}

func NewVideoRunRepository(pool *pgxpool.Pool) *VideoRunRepository {
	return &VideoRunRepository{pool: pool}
}

func (r *VideoRunRepository) Save(ctx context.Context, jobID uuid.UUID, archiveKey string, s entity.VideoRunStats) error {
	query := `
		INSERT INTO video_runs (
			job_id, video_name, archive_key, frames_sampled, frames_saved,
			skipped_text, no_subject, detection_failures, decode_failures,
			write_failures, crops_discarded, person_crops, animal_crops,
			object_crops, duration_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

	_, err := r.pool.Exec(ctx, query,
		jobID, s.Video, archiveKey, s.FramesSampled, s.FramesSaved,
		s.SkippedText, s.NoSubject, s.DetectionFailures, s.DecodeFailures,
		s.WriteFailures, s.CropsDiscarded, s.PersonCrops, s.AnimalCrops,
		s.ObjectCrops, s.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert video run: %w", err)
	}
	return nil
}

func (r *VideoRunRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]entity.VideoRunStats, error) {
	query := `
		SELECT video_name, frames_sampled, frames_saved, skipped_text, no_subject,
			detection_failures, decode_failures, write_failures, crops_discarded,
			person_crops, animal_crops, object_crops, duration_ms
		FROM video_runs WHERE job_id=$1 ORDER BY id`

	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list video runs: %w", err)
	}

	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.VideoRunStats, error) {
		var s entity.VideoRunStats
		var durationMs int64
		err := row.Scan(
			&s.Video, &s.FramesSampled, &s.FramesSaved, &s.SkippedText, &s.NoSubject,
			&s.DetectionFailures, &s.DecodeFailures, &s.WriteFailures, &s.CropsDiscarded,
			&s.PersonCrops, &s.AnimalCrops, &s.ObjectCrops, &durationMs,
		)
		s.Duration = time.Duration(durationMs) * time.Millisecond
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan video runs: %w", err)
	}
	return runs, nil
}
