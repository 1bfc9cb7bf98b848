package detector

import (
	"context"
	"fmt"
	"image"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/port"
)

// Batch returns d as a BatchDetector. Detectors without native batch support
// are called once per image.
func Batch(d port.Detector) port.BatchDetector {
	if bd, ok := d.(port.BatchDetector); ok {
		return checkedBatch{bd: bd}
	}
	return perImage{d: d}
}

type perImage struct {
	d port.Detector
}

func (p perImage) DetectBatch(ctx context.Context, imgs []image.Image) ([][]entity.Detection, error) {
	out := make([][]entity.Detection, len(imgs))
	for i, img := range imgs {
		dets, err := p.d.Detect(ctx, img)
		if err != nil {
			return nil, err
		}
		out[i] = dets
	}
	return out, nil
}

type checkedBatch struct {
	bd port.BatchDetector
}

func (c checkedBatch) DetectBatch(ctx context.Context, imgs []image.Image) ([][]entity.Detection, error) {
	out, err := c.bd.DetectBatch(ctx, imgs)
	if err != nil {
		return nil, err
	}
	if len(out) != len(imgs) {
		return nil, fmt.Errorf("batch returned %d results for %d images", len(out), len(imgs))
	}
	return out, nil
}

// FilterConfidence drops detections below threshold, keeping order.
func FilterConfidence(dets []entity.Detection, threshold float64) []entity.Detection {
	out := dets[:0:0]
	for _, d := range dets {
		if d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	return out
}
