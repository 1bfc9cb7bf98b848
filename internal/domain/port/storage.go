package port

import (
	"context"
	"io"
)

type DatasetStorage interface {
	DownloadVideo(ctx context.Context, objectKey string, destPath string) error
	UploadArchive(ctx context.Context, objectKey string, reader io.Reader, size int64) error
}

// Archiver packs a dataset directory into a zip file and returns the number of files stored.
type Archiver interface {
	CreateZip(ctx context.Context, sourceDir string, outputPath string) (int, error)
}
