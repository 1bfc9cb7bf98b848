// Package cropper frames accepted subjects at a fixed aspect ratio.
package cropper

import (
	"fmt"
	"math"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
)

const epsilon = 1e-6

type Options struct {
	Ratio               entity.AspectRatio
	MinPadding          float64
	HeadSpaceFraction   float64
	MinOccupancy        float64
	MaxOccupancy        float64
	MinCropAreaFraction float64
}

func DefaultOptions() Options {
	return Options{
		Ratio:               entity.Ratio9x16,
		MinPadding:          500,
		HeadSpaceFraction:   0.15,
		MinOccupancy:        0.10,
		MaxOccupancy:        0.80,
		MinCropAreaFraction: 0.05,
	}
}

func (o Options) Validate() error {
	if !o.Ratio.Valid() {
		return &entity.ConfigurationError{Field: "target_aspect_ratio", Reason: fmt.Sprintf("unsupported ratio %q", o.Ratio)}
	}
	if o.MinPadding < 0 {
		return &entity.ConfigurationError{Field: "min_padding", Reason: "must not be negative"}
	}
	if o.HeadSpaceFraction < 0 || o.HeadSpaceFraction > 1 {
		return &entity.ConfigurationError{Field: "head_space_fraction", Reason: "must be within [0,1]"}
	}
	if o.MinOccupancy <= 0 || o.MaxOccupancy > 1 || o.MinOccupancy >= o.MaxOccupancy {
		return &entity.ConfigurationError{Field: "occupancy", Reason: "need 0 < min < max <= 1"}
	}
	if o.MinCropAreaFraction < 0 || o.MinCropAreaFraction > 1 {
		return &entity.ConfigurationError{Field: "min_crop_area_fraction", Reason: "must be within [0,1]"}
	}
	return nil
}

type Cropper struct {
	opts  Options
	ratio float64
}

func New(opts Options) (*Cropper, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Cropper{opts: opts, ratio: opts.Ratio.Value()}, nil
}

// Crop computes the crop region for one accepted cluster in a frame of
// frameW x frameH pixels. The returned rect always has the exact target ratio.
func (c *Cropper) Crop(cluster entity.ConsensusCluster, frameW, frameH int) entity.CropRegion {
	fw, fh := float64(frameW), float64(frameH)
	subject := cluster.MergedBox

	framing := subject
	headCut := false
	if cluster.Label == entity.LabelPerson {
		top := subject.Y1 - c.opts.HeadSpaceFraction*subject.H()
		headCut = top < -epsilon
		framing.Y1 = math.Max(0, top)
	}

	cx, cy := framing.Center()
	w := framing.W() + 2*c.opts.MinPadding
	h := framing.H() + 2*c.opts.MinPadding
	w, h = c.toRatio(w, h)
	requestedW := w

	w, h = c.zoom(subject, framing, w, h, fw, fh)
	zoomFactor := requestedW / w

	clamped := headCut || touchesEdge(subject, fw, fh)

	// Largest ratio-exact rect that fits the frame.
	if w > fw+epsilon || h > fh+epsilon {
		s := math.Min(fw/w, fh/h)
		w *= s
		h *= s
		clamped = true
	}

	x := cx - w/2
	y := cy - h/2
	nx := clampRange(x, 0, fw-w)
	ny := clampRange(y, 0, fh-h)
	if math.Abs(nx-x) > epsilon || math.Abs(ny-y) > epsilon {
		clamped = true
	}

	return entity.CropRegion{
		Rect:        entity.Box{X1: nx, Y1: ny, X2: nx + w, Y2: ny + h},
		TargetRatio: c.opts.Ratio,
		ZoomFactor:  zoomFactor,
		Clamped:     clamped,
	}
}

// toRatio grows the shorter side, relative to the target ratio, until w/h is exact.
func (c *Cropper) toRatio(w, h float64) (float64, float64) {
	if w/h > c.ratio {
		return w, w / c.ratio
	}
	return h * c.ratio, h
}

func (c *Cropper) zoom(subject, framing entity.Box, w, h, fw, fh float64) (float64, float64) {
	subjectArea := subject.Area()
	if subjectArea <= 0 {
		return w, h
	}
	occ := subjectArea / (w * h)

	switch {
	case occ < c.opts.MinOccupancy:
		s := math.Sqrt(subjectArea / c.opts.MinOccupancy / (w * h))
		floor := math.Sqrt(c.opts.MinCropAreaFraction * fw * fh / (w * h))
		contain := math.Max(framing.W()/w, framing.H()/h)
		s = math.Max(s, math.Max(floor, contain))
		if s < 1 {
			return w * s, h * s
		}
	case occ > c.opts.MaxOccupancy:
		s := math.Sqrt(occ / c.opts.MaxOccupancy)
		return w * s, h * s
	}
	return w, h
}

func touchesEdge(b entity.Box, fw, fh float64) bool {
	return b.X1 <= epsilon || b.Y1 <= epsilon || b.X2 >= fw-epsilon || b.Y2 >= fh-epsilon
}

func clampRange(v, lo, hi float64) float64 {
	if hi < lo {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}
