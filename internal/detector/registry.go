// Package detector loads the configured object-detection backends and serialises access to them.
package detector

import (
	"context"
	"errors"
	"image"
	"io"
	"sort"
	"sync"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/port"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Loader builds a ready-to-use detector for one model kind.
type Loader interface {
	Load(ctx context.Context, kind entity.ModelKind) (port.Detector, error)
}

type LoaderFunc func(ctx context.Context, kind entity.ModelKind) (port.Detector, error)

func (f LoaderFunc) Load(ctx context.Context, kind entity.ModelKind) (port.Detector, error) {
	return f(ctx, kind)
}

// Registry owns the loaded models of a process. Inference calls through the
// detectors it hands out are serialised on a single mutex.
type Registry struct {
	kinds  []entity.ModelKind
	loader Loader
	logger *zap.Logger

	inferMu sync.Mutex

	mu        sync.Mutex
	detectors []port.Detector
	loaded    bool
}

func NewRegistry(kinds []entity.ModelKind, loader Loader, logger *zap.Logger) *Registry {
	kinds = lo.Uniq(kinds)
	sort.SliceStable(kinds, func(i, j int) bool {
		return kinds[i].Priority() < kinds[j].Priority()
	})
	return &Registry{kinds: kinds, loader: loader, logger: logger}
}

func (r *Registry) Kinds() []entity.ModelKind {
	return r.kinds
}

// Load loads every declared model. It is a no-op when already loaded. On the
// first failure the models loaded so far are released and a ModelLoadError returned.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return nil
	}
	if len(r.kinds) == 0 {
		return &entity.ConfigurationError{Field: "ensemble_models", Reason: "no models configured"}
	}

	detectors := make([]port.Detector, 0, len(r.kinds))
	for _, kind := range r.kinds {
		r.logger.Info("loading model", zap.String("model", string(kind)))
		d, err := r.loader.Load(ctx, kind)
		if err != nil {
			if cerr := closeAll(detectors); cerr != nil {
				r.logger.Warn("failed to release partially loaded models", zap.Error(cerr))
			}
			var loadErr *entity.ModelLoadError
			if errors.As(err, &loadErr) {
				return loadErr
			}
			return &entity.ModelLoadError{Model: kind, Err: err}
		}
		detectors = append(detectors, &serialized{Detector: d, kind: kind, mu: &r.inferMu})
	}

	r.detectors = detectors
	r.loaded = true
	r.logger.Info("models loaded", zap.Int("count", len(detectors)))
	return nil
}

// Active returns the loaded detectors in priority order.
func (r *Registry) Active() []port.Detector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]port.Detector(nil), r.detectors...)
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := closeAll(r.detectors)
	r.detectors = nil
	r.loaded = false
	return err
}

func closeAll(detectors []port.Detector) error {
	var err error
	for _, d := range detectors {
		if s, ok := d.(*serialized); ok {
			d = s.Detector
		}
		if c, ok := d.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}

// serialized stamps the model kind on results and holds the inference lock for each call.
type serialized struct {
	port.Detector
	kind entity.ModelKind
	mu   *sync.Mutex
}

func (s *serialized) Kind() entity.ModelKind { return s.kind }

func (s *serialized) Detect(ctx context.Context, img image.Image) ([]entity.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dets, err := s.Detector.Detect(ctx, img)
	if err != nil {
		return nil, asDetectionError(s.kind, err)
	}
	return stamp(dets, s.kind), nil
}

func (s *serialized) DetectBatch(ctx context.Context, imgs []image.Image) ([][]entity.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results, err := Batch(s.Detector).DetectBatch(ctx, imgs)
	if err != nil {
		return nil, asDetectionError(s.kind, err)
	}
	for i := range results {
		results[i] = stamp(results[i], s.kind)
	}
	return results, nil
}

func stamp(dets []entity.Detection, kind entity.ModelKind) []entity.Detection {
	for i := range dets {
		dets[i].Source = kind
	}
	return dets
}

func asDetectionError(kind entity.ModelKind, err error) error {
	var detErr *entity.DetectionError
	if errors.As(err, &detErr) {
		return err
	}
	return &entity.DetectionError{Model: kind, Err: err}
}
