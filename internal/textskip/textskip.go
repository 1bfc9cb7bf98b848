// Package textskip is a quick check for subtitle-like text in the lower band of a frame.
package textskip

import (
	"image"

	"github.com/disintegration/imaging"
)

type Options struct {
	BandFraction      float64
	GradientThreshold int
	DilateRadius      int
	MinAspect         float64
	MinWidthFraction  float64
	MinArea           int
	MinTopFraction    float64
	MinRegions        int
}

func DefaultOptions() Options {
	return Options{
		BandFraction:      0.25,
		GradientThreshold: 60,
		DilateRadius:      3,
		MinAspect:         2.5,
		MinWidthFraction:  0.08,
		MinArea:           100,
		MinTopFraction:    0.3,
		MinRegions:        2,
	}
}

type Detector struct {
	opts Options
}

func New(opts Options) *Detector {
	return &Detector{opts: opts}
}

// ContainsText reports whether the bottom band holds at least MinRegions wide,
// flat, high-contrast regions.
func (d *Detector) ContainsText(img image.Image) bool {
	if img == nil {
		return false
	}
	b := img.Bounds()
	bandH := int(float64(b.Dy()) * d.opts.BandFraction)
	if bandH < 3 || b.Dx() < 3 {
		return false
	}

	band := imaging.Grayscale(imaging.Crop(img, image.Rect(b.Min.X, b.Max.Y-bandH, b.Max.X, b.Max.Y)))
	w, h := band.Bounds().Dx(), band.Bounds().Dy()

	mask := d.edgeMask(band, w, h)
	regions := 0
	for _, r := range components(mask, w, h) {
		if d.textLike(r, b.Dx(), h) {
			regions++
		}
	}
	return regions >= d.opts.MinRegions
}

func (d *Detector) textLike(r image.Rectangle, frameW, bandH int) bool {
	rw, rh := r.Dx(), r.Dy()
	if rh == 0 {
		return false
	}
	return float64(rw)/float64(rh) > d.opts.MinAspect &&
		float64(rw) > float64(frameW)*d.opts.MinWidthFraction &&
		rw*rh > d.opts.MinArea &&
		float64(r.Min.Y) > float64(bandH)*d.opts.MinTopFraction
}

// edgeMask marks strong luminance gradients, then dilates horizontally so the
// glyphs of a word join into one region.
func (d *Detector) edgeMask(gray *image.NRGBA, w, h int) []bool {
	lum := func(x, y int) int { return int(gray.Pix[y*gray.Stride+x*4]) }

	edges := make([]bool, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := lum(x+1, y) - lum(x-1, y)
			gy := lum(x, y+1) - lum(x, y-1)
			if abs(gx)+abs(gy) > d.opts.GradientThreshold {
				edges[y*w+x] = true
			}
		}
	}

	if d.opts.DilateRadius <= 0 {
		return edges
	}
	mask := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !edges[y*w+x] {
				continue
			}
			for dx := -d.opts.DilateRadius; dx <= d.opts.DilateRadius; dx++ {
				if nx := x + dx; nx >= 0 && nx < w {
					mask[y*w+nx] = true
				}
			}
		}
	}
	return mask
}

// components returns the bounding rect of every 4-connected region of mask.
func components(mask []bool, w, h int) []image.Rectangle {
	seen := make([]bool, w*h)
	var out []image.Rectangle
	var queue []image.Point

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if seen[idx] || !mask[idx] {
				continue
			}
			seen[idx] = true
			queue = append(queue[:0], image.Pt(x, y))
			x0, y0, x1, y1 := x, y, x, y

			for len(queue) != 0 {
				p := queue[0]
				queue = queue[1:]
				x0, y0 = min(x0, p.X), min(y0, p.Y)
				x1, y1 = max(x1, p.X), max(y1, p.Y)

				for _, n := range [4]image.Point{{p.X, p.Y - 1}, {p.X, p.Y + 1}, {p.X - 1, p.Y}, {p.X + 1, p.Y}} {
					if n.X < 0 || n.Y < 0 || n.X >= w || n.Y >= h {
						continue
					}
					ni := n.Y*w + n.X
					if seen[ni] || !mask[ni] {
						continue
					}
					seen[ni] = true
					queue = append(queue, n)
				}
			}
			out = append(out, image.Rect(x0, y0, x1+1, y1+1))
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
