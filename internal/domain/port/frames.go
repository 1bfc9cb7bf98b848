package port

import (
	"context"
	"image"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
)

// FrameSource yields sampled frames in increasing index order.
// Next returns io.EOF when exhausted and *entity.DecodeError for a frame
// that could not be decoded; the source stays usable after a decode error.
type FrameSource interface {
	Next(ctx context.Context) (entity.Frame, error)
	Close() error
}

type FrameSourceFactory interface {
	Open(ctx context.Context, videoPath string, stride int) (FrameSource, error)
}

type TextDetector interface {
	ContainsText(img image.Image) bool
}
