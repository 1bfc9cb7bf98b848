package entity

import (
	"image"
	"math"
)

// Box is an axis-aligned rectangle in pixel space. X2/Y2 are exclusive.
type Box struct {
	X1, Y1, X2, Y2 float64
}

func (b Box) W() float64 { return math.Max(0, b.X2-b.X1) }
func (b Box) H() float64 { return math.Max(0, b.Y2-b.Y1) }

func (b Box) Area() float64 { return b.W() * b.H() }

func (b Box) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

func (b Box) Empty() bool { return b.W() <= 0 || b.H() <= 0 }

func (b Box) Intersect(o Box) Box {
	r := Box{
		X1: math.Max(b.X1, o.X1),
		Y1: math.Max(b.Y1, o.Y1),
		X2: math.Min(b.X2, o.X2),
		Y2: math.Min(b.Y2, o.Y2),
	}
	if r.Empty() {
		return Box{}
	}
	return r
}

// IoU returns the intersection-over-union of two boxes, 0 when either is empty.
func (b Box) IoU(o Box) float64 {
	inter := b.Intersect(o).Area()
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Rectangle rounds the box to integer pixels, offset by origin and clipped to bounds.
func (b Box) Rectangle(bounds image.Rectangle) image.Rectangle {
	r := image.Rect(
		bounds.Min.X+int(math.Round(b.X1)),
		bounds.Min.Y+int(math.Round(b.Y1)),
		bounds.Min.X+int(math.Round(b.X2)),
		bounds.Min.Y+int(math.Round(b.Y2)),
	)
	return r.Intersect(bounds)
}

// Occupancy is the fraction of region covered by subject.
func Occupancy(subject, region Box) float64 {
	a := region.Area()
	if a == 0 {
		return 0
	}
	return subject.Intersect(region).Area() / a
}
