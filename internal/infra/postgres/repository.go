package postgres

import (
	"context"
	"fmt"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type HarvestJobRepository struct {
	pool *pgxpool.Pool
}

func NewHarvestJobRepository(pool *pgxpool.Pool) *HarvestJobRepository {
	return &HarvestJobRepository{pool: pool}
}

func (r *HarvestJobRepository) Create(ctx context.Context, job *entity.HarvestJob) error {
	query := `
		INSERT INTO harvest_jobs (
			id, user_id, video_keys, archive_keys, status, crops_saved,
			videos_processed, attempt, max_attempts, error_message,
			created_at, updated_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	_, err := r.pool.Exec(ctx, query,
		job.ID, job.UserID, nonNil(job.VideoKeys), nonNil(job.ArchiveKeys), string(job.Status),
		job.CropsSaved, job.VideosProcessed,
		job.Attempt, job.MaxAttempts, job.ErrorMessage,
		job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *HarvestJobRepository) Update(ctx context.Context, job *entity.HarvestJob) error {
	query := `
		UPDATE harvest_jobs SET
			status=$2, archive_keys=$3, crops_saved=$4, videos_processed=$5,
			attempt=$6, error_message=$7, updated_at=$8, completed_at=$9
		WHERE id=$1`

	_, err := r.pool.Exec(ctx, query,
		job.ID, string(job.Status), nonNil(job.ArchiveKeys), job.CropsSaved,
		job.VideosProcessed, job.Attempt, job.ErrorMessage,
		job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func (r *HarvestJobRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.HarvestJob, error) {
	query := `
		SELECT id, user_id, video_keys, archive_keys, status, crops_saved,
			videos_processed, attempt, max_attempts, error_message,
			created_at, updated_at, completed_at
		FROM harvest_jobs WHERE id=$1`

	job := &entity.HarvestJob{}
	var status string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &job.UserID, &job.VideoKeys, &job.ArchiveKeys, &status,
		&job.CropsSaved, &job.VideosProcessed,
		&job.Attempt, &job.MaxAttempts, &job.ErrorMessage,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("find job by id: %w", err)
	}
	job.Status = entity.JobStatus(status)
	return job, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
