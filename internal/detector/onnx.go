//go:build onnx

package detector

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"runtime"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/port"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	onnxInputSize  = 640
	onnxClasses    = 80
	onnxCandidates = 8400
	onnxNMSIoU     = 0.45
)

// onnxDetector runs a YOLOv8-style COCO model exported to ONNX.
type onnxDetector struct {
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	output    *ort.Tensor[float32]
	threshold float32
}

// LoadONNX initialises the runtime and opens the model session.
func LoadONNX(_ context.Context, cfg ONNXConfig) (port.Detector, error) {
	if cfg.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(runtime.NumCPU())

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, onnxInputSize, onnxInputSize))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 4+onnxClasses, onnxCandidates))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &onnxDetector{
		session:   session,
		input:     input,
		output:    output,
		threshold: float32(cfg.ConfidenceThreshold),
	}, nil
}

func (d *onnxDetector) Kind() entity.ModelKind { return entity.ModelFastCNN }

func (d *onnxDetector) Detect(ctx context.Context, img image.Image) ([]entity.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scale := letterbox(img, d.input.GetData())
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}
	return d.decode(d.output.GetData(), scale, img.Bounds()), nil
}

func (d *onnxDetector) Close() error {
	d.session.Destroy()
	d.input.Destroy()
	d.output.Destroy()
	return nil
}

// letterbox resizes img into the top-left of a grey square canvas and writes it
// as planar RGB into dst. It returns the applied scale.
func letterbox(img image.Image, dst []float32) float64 {
	b := img.Bounds()
	scale := min(float64(onnxInputSize)/float64(b.Dx()), float64(onnxInputSize)/float64(b.Dy()))
	w := max(1, int(float64(b.Dx())*scale))
	h := max(1, int(float64(b.Dy())*scale))

	canvas := imaging.New(onnxInputSize, onnxInputSize, color.NRGBA{R: 114, G: 114, B: 114, A: 255})
	canvas = imaging.Paste(canvas, imaging.Resize(img, w, h, imaging.Linear), image.Pt(0, 0))

	plane := onnxInputSize * onnxInputSize
	for y := 0; y < onnxInputSize; y++ {
		for x := 0; x < onnxInputSize; x++ {
			i := y*onnxInputSize + x
			p := canvas.Pix[y*canvas.Stride+x*4:]
			dst[i] = float32(p[0]) / 255.0
			dst[plane+i] = float32(p[1]) / 255.0
			dst[2*plane+i] = float32(p[2]) / 255.0
		}
	}
	return scale
}

func (d *onnxDetector) decode(out []float32, scale float64, bounds image.Rectangle) []entity.Detection {
	var candidates []struct {
		det   entity.Detection
		class int
	}

	for i := 0; i < onnxCandidates; i++ {
		best, class := float32(0), 0
		for c := 0; c < onnxClasses; c++ {
			if s := out[(4+c)*onnxCandidates+i]; s > best {
				best, class = s, c
			}
		}
		if best < d.threshold {
			continue
		}

		cx, cy := float64(out[i]), float64(out[onnxCandidates+i])
		w, h := float64(out[2*onnxCandidates+i]), float64(out[3*onnxCandidates+i])
		box := entity.Box{
			X1: max(0, (cx-w/2)/scale),
			Y1: max(0, (cy-h/2)/scale),
			X2: min(float64(bounds.Dx()), (cx+w/2)/scale),
			Y2: min(float64(bounds.Dy()), (cy+h/2)/scale),
		}
		candidates = append(candidates, struct {
			det   entity.Detection
			class int
		}{
			det: entity.Detection{
				Box:        box,
				Label:      entity.LabelFromCOCO(class),
				Confidence: float64(best),
				Source:     entity.ModelFastCNN,
			},
			class: class,
		})
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].det.Confidence > candidates[b].det.Confidence
	})

	// class-aware NMS
	var kept []entity.Detection
	suppressed := make([]bool, len(candidates))
	for i := range candidates {
		if suppressed[i] {
			continue
		}
		kept = append(kept, candidates[i].det)
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].class == candidates[i].class && candidates[i].det.Box.IoU(candidates[j].det.Box) > onnxNMSIoU {
				suppressed[j] = true
			}
		}
	}
	return kept
}
