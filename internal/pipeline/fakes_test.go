package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/port"
)

const (
	frameW = 640
	frameH = 360
)

var (
	personBox = entity.Box{X1: 270, Y1: 80, X2: 370, Y2: 280}
	animalBox = entity.Box{X1: 50, Y1: 50, X2: 150, Y2: 130}
)

// newFrame encodes the index in pixel (0,0); a blue 255 marks a caption frame.
func newFrame(index int, caption bool) entity.Frame {
	img := image.NewRGBA(image.Rect(0, 0, frameW, frameH))
	var b uint8
	if caption {
		b = 255
	}
	img.Set(0, 0, color.RGBA{R: uint8(index & 0xff), G: uint8(index >> 8), B: b, A: 255})
	return entity.Frame{Index: index, Image: img}
}

func frameIndex(img image.Image) int {
	r, g, _, _ := img.At(0, 0).RGBA()
	return int(r>>8) | int(g>>8)<<8
}

// scene: every third frame shows a person seen by all models, the next one an
// animal seen only by the fast CNN, the rest nothing.
type fakeDetector struct {
	kind       entity.ModelKind
	failFrames map[int]bool
}

func (d *fakeDetector) Kind() entity.ModelKind { return d.kind }

func (d *fakeDetector) Detect(_ context.Context, img image.Image) ([]entity.Detection, error) {
	idx := frameIndex(img)
	if d.failFrames[idx] {
		return nil, &entity.DetectionError{Model: d.kind, Err: fmt.Errorf("frame %d", idx)}
	}
	switch (idx / 30) % 3 {
	case 0:
		conf := 0.9 - 0.05*float64(d.kind.Priority())
		return []entity.Detection{
			{Box: personBox, Label: entity.LabelPerson, Confidence: conf, Source: d.kind},
			{Box: entity.Box{X1: 600, Y1: 300, X2: 610, Y2: 310}, Label: entity.LabelObject, Confidence: 0.1, Source: d.kind},
		}, nil
	case 1:
		if d.kind == entity.ModelFastCNN {
			return []entity.Detection{{Box: animalBox, Label: entity.LabelAnimal, Confidence: 0.8, Source: d.kind}}, nil
		}
	}
	return nil, nil
}

// fakeBatchDetector fails whole batches containing a poisoned frame.
type fakeBatchDetector struct {
	fakeDetector
	failBatchWith map[int]bool
	batchCalls    int
}

func (d *fakeBatchDetector) DetectBatch(ctx context.Context, imgs []image.Image) ([][]entity.Detection, error) {
	d.batchCalls++
	out := make([][]entity.Detection, len(imgs))
	for i, img := range imgs {
		if d.failBatchWith[frameIndex(img)] {
			return nil, errors.New("batch rejected")
		}
		dets, err := d.Detect(ctx, img)
		if err != nil {
			return nil, err
		}
		out[i] = dets
	}
	return out, nil
}

type fakeRegistry struct {
	detectors []port.Detector
	loadErr   error
	loads     int
	closes    int
}

func (r *fakeRegistry) Load(context.Context) error {
	r.loads++
	return r.loadErr
}

func (r *fakeRegistry) Active() []port.Detector { return r.detectors }

func (r *fakeRegistry) Close() error {
	r.closes++
	return nil
}

type fakeSource struct {
	frames   []entity.Frame
	decodeAt map[int]bool
	pos      int
	onNext   func(pos int)
	closed   bool
}

func (s *fakeSource) Next(ctx context.Context) (entity.Frame, error) {
	if s.onNext != nil {
		s.onNext(s.pos)
	}
	if err := ctx.Err(); err != nil {
		return entity.Frame{}, err
	}
	if s.pos >= len(s.frames) {
		return entity.Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	if s.decodeAt[f.Index] {
		return entity.Frame{}, &entity.DecodeError{FrameIndex: f.Index, Err: errors.New("corrupt")}
	}
	return f, nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeFrames struct {
	count    int
	captions map[int]bool
	decodeAt map[int]bool
	openErr  map[string]error
	onNext   func(pos int)
	opened   []string
}

func (f *fakeFrames) Open(_ context.Context, path string, stride int) (port.FrameSource, error) {
	f.opened = append(f.opened, path)
	if err := f.openErr[path]; err != nil {
		return nil, err
	}
	src := &fakeSource{decodeAt: f.decodeAt, onNext: f.onNext}
	for i := 0; i < f.count; i++ {
		idx := i * stride
		src.frames = append(src.frames, newFrame(idx, f.captions[idx]))
	}
	return src, nil
}

type fakeText struct{}

func (fakeText) ContainsText(img image.Image) bool {
	_, _, b, _ := img.At(0, 0).RGBA()
	return b>>8 == 255
}

type record struct {
	Category string
	Frame    int
	Score    float64
	Size     image.Point
}

type memSink struct {
	mu      sync.Mutex
	rootErr error
	failAt  map[int]bool
	records map[string][]record
}

func newMemSink() *memSink {
	return &memSink{records: map[string][]record{}}
}

func (s *memSink) EnsureRoot() error { return s.rootErr }

func (s *memSink) Writer(videoDir string) (port.OutputWriter, error) {
	return &memWriter{sink: s, dir: videoDir}, nil
}

func (s *memSink) all() []record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []record
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, s.records[k]...)
	}
	return out
}

type memWriter struct {
	sink *memSink
	dir  string
}

func (w *memWriter) Dir() string { return w.dir }

func (w *memWriter) Persist(_ context.Context, img image.Image, category string, frameIndex int, score float64) (string, error) {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	if w.sink.failAt[frameIndex] {
		return "", errors.New("disk full")
	}
	w.sink.records[w.dir] = append(w.sink.records[w.dir], record{
		Category: category,
		Frame:    frameIndex,
		Score:    score,
		Size:     img.Bounds().Size(),
	})
	return filepath.Join(w.dir, category, fmt.Sprintf("%d.jpg", frameIndex)), nil
}
