package output

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/port"
	"go.uber.org/zap"
)

const jpegQuality = 95

// saveFunc is swapped in tests to simulate disk failures.
type saveFunc func(img image.Image, path string) error

func saveJPEG(img image.Image, path string) error {
	return imaging.Save(img, path, imaging.JPEGQuality(jpegQuality))
}

type mkdirFunc func(path string, perm os.FileMode) error

// DatasetSink lays out one directory per video under root.
type DatasetSink struct {
	root   string
	logger *zap.Logger
	save   saveFunc
	mkdir  mkdirFunc
	fresh  bool
}

type SinkOption func(*DatasetSink)

// WithFreshDirs clears a video directory left behind by an interrupted run
// before writing to it again.
func WithFreshDirs() SinkOption {
	return func(s *DatasetSink) { s.fresh = true }
}

func NewDatasetSink(root string, logger *zap.Logger, opts ...SinkOption) *DatasetSink {
	s := &DatasetSink{root: root, logger: logger, save: saveJPEG, mkdir: os.MkdirAll}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *DatasetSink) EnsureRoot() error {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return fmt.Errorf("create output root: %w", err)
	}
	return nil
}

func (s *DatasetSink) Writer(videoDir string) (port.OutputWriter, error) {
	dir := filepath.Join(s.root, videoDir)
	if s.fresh {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("clear video dir: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create video dir: %w", err)
	}
	return &DatasetWriter{
		dir:     dir,
		logger:  s.logger.With(zap.String("dir", dir)),
		save:    s.save,
		mkdir:   s.mkdir,
		created: map[string]bool{},
		used:    map[string]int{},
	}, nil
}

// DatasetWriter files crops as <dir>/<category>/frame_<index>_q<score>.jpg.
type DatasetWriter struct {
	dir    string
	logger *zap.Logger
	save   saveFunc
	mkdir  mkdirFunc

	mu      sync.Mutex
	created map[string]bool
	used    map[string]int
}

func (w *DatasetWriter) Dir() string { return w.dir }

func (w *DatasetWriter) Persist(ctx context.Context, img image.Image, category string, frameIndex int, score float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	catDir := filepath.Join(w.dir, category)
	name := FileName(frameIndex, score)
	key := filepath.Join(category, name)
	if n := w.used[key]; n > 0 {
		name = fmt.Sprintf("%s_%d.jpg", name[:len(name)-len(".jpg")], n)
	}
	path := filepath.Join(catDir, name)

	err := w.write(img, catDir, path)
	if err != nil {
		w.logger.Warn("write failed, retrying", zap.String("path", path), zap.Error(err))
		err = w.write(img, catDir, path)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write crop: %w", err)
	}

	w.used[key]++
	return path, nil
}

// write creates the category dir on first use, then saves the crop.
func (w *DatasetWriter) write(img image.Image, catDir, path string) error {
	if !w.created[catDir] {
		if err := w.mkdir(catDir, 0755); err != nil {
			return fmt.Errorf("create category dir: %w", err)
		}
		w.created[catDir] = true
	}
	return w.save(img, path)
}

// FileName renders the dataset file name for a crop.
func FileName(frameIndex int, score float64) string {
	q := int(score*100 + 0.5)
	return fmt.Sprintf("frame_%06d_q%02d.jpg", frameIndex, q)
}
