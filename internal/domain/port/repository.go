package port

import (
	"context"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/google/uuid"
)

type HarvestJobRepository interface {
	Create(ctx context.Context, job *entity.HarvestJob) error
	Update(ctx context.Context, job *entity.HarvestJob) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.HarvestJob, error)
}

type VideoRunRepository interface {
	Save(ctx context.Context, jobID uuid.UUID, archiveKey string, stats entity.VideoRunStats) error
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]entity.VideoRunStats, error)
}
