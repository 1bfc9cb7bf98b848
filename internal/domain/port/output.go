package port

import (
	"context"
	"image"
)

// OutputWriter persists kept crops for one video.
type OutputWriter interface {
	Persist(ctx context.Context, img image.Image, category string, frameIndex int, score float64) (string, error)
	Dir() string
}

type DatasetSink interface {
	EnsureRoot() error
	Writer(videoDir string) (OutputWriter, error)
}
