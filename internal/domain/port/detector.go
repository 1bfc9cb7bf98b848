package port

import (
	"context"
	"image"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
)

// Detector is a loaded object-detection model.
type Detector interface {
	Kind() entity.ModelKind
	Detect(ctx context.Context, img image.Image) ([]entity.Detection, error)
}

// BatchDetector returns one result slice per input image, in input order.
type BatchDetector interface {
	DetectBatch(ctx context.Context, imgs []image.Image) ([][]entity.Detection, error)
}

// ModelRegistry owns the lifecycle of the active detectors.
type ModelRegistry interface {
	Load(ctx context.Context) error
	Active() []Detector
	Close() error
}
