// Package quality rates crop regions and decides which ones are kept.
package quality

import (
	"fmt"
	"math"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
)

// Weight keys accepted by WeightsFromMap.
const (
	KeyOccupancyWeight  = "occupancy_weight"
	KeyCenteringWeight  = "centering_weight"
	KeyClampPenalty     = "clamp_penalty"
	KeyConfidenceWeight = "confidence_weight"
)

type Weights struct {
	OccupancyWeight  float64
	CenteringWeight  float64
	ClampPenalty     float64
	ConfidenceWeight float64
}

type Options struct {
	Weights         Weights
	IdealOccupancy  float64
	ConfidenceFloor float64
	MinScore        float64
}

func DefaultOptions() Options {
	return Options{
		Weights: Weights{
			OccupancyWeight:  0.5,
			CenteringWeight:  0.25,
			ClampPenalty:     0.1,
			ConfidenceWeight: 0.25,
		},
		IdealOccupancy:  0.45,
		ConfidenceFloor: 0.5,
		MinScore:        0.3,
	}
}

// WeightsFromMap overrides defaults with the recognised keys and rejects unknown ones.
func WeightsFromMap(base Weights, m map[string]float64) (Weights, error) {
	for k, v := range m {
		switch k {
		case KeyOccupancyWeight:
			base.OccupancyWeight = v
		case KeyCenteringWeight:
			base.CenteringWeight = v
		case KeyClampPenalty:
			base.ClampPenalty = v
		case KeyConfidenceWeight:
			base.ConfidenceWeight = v
		default:
			return base, &entity.ConfigurationError{Field: "quality_weights", Reason: fmt.Sprintf("unknown key %q", k)}
		}
	}
	return base, nil
}

func (o Options) Validate() error {
	w := o.Weights
	if w.OccupancyWeight < 0 || w.CenteringWeight < 0 || w.ConfidenceWeight < 0 || w.ClampPenalty < 0 {
		return &entity.ConfigurationError{Field: "quality_weights", Reason: "weights must not be negative"}
	}
	if w.OccupancyWeight+w.CenteringWeight+w.ConfidenceWeight == 0 {
		return &entity.ConfigurationError{Field: "quality_weights", Reason: "at least one weight must be positive"}
	}
	if o.IdealOccupancy <= 0 || o.IdealOccupancy >= 1 {
		return &entity.ConfigurationError{Field: "ideal_occupancy", Reason: "must be within (0,1)"}
	}
	if o.ConfidenceFloor < 0 || o.ConfidenceFloor >= 1 {
		return &entity.ConfigurationError{Field: "confidence_floor", Reason: "must be within [0,1)"}
	}
	if o.MinScore < 0 || o.MinScore > 1 {
		return &entity.ConfigurationError{Field: "min_quality_score", Reason: "must be within [0,1]"}
	}
	return nil
}

type Scorer struct {
	opts Options
}

func NewScorer(opts Options) (*Scorer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{opts: opts}, nil
}

// Score rates one crop of the given cluster. It is a pure function of its inputs.
func (s *Scorer) Score(region entity.CropRegion, cluster entity.ConsensusCluster) entity.QualityScore {
	w := s.opts.Weights

	occ := entity.Occupancy(cluster.MergedBox, region.Rect)
	occFit := 1 - math.Abs(occ-s.opts.IdealOccupancy)/math.Max(s.opts.IdealOccupancy, 1-s.opts.IdealOccupancy)

	sx, sy := cluster.MergedBox.Center()
	cx, cy := region.Rect.Center()
	halfDiag := 0.5 * math.Hypot(region.Rect.W(), region.Rect.H())
	centering := 0.0
	if halfDiag > 0 {
		centering = 1 - math.Min(1, math.Hypot(sx-cx, sy-cy)/halfDiag)
	}

	conf := clamp01((cluster.MergedConfidence - s.opts.ConfidenceFloor) / (1 - s.opts.ConfidenceFloor))

	score := entity.QualityScore{
		Occupancy:  clamp01(occFit),
		Centering:  centering,
		Confidence: conf,
	}

	total := w.OccupancyWeight + w.CenteringWeight + w.ConfidenceWeight
	value := (w.OccupancyWeight*score.Occupancy + w.CenteringWeight*score.Centering + w.ConfidenceWeight*score.Confidence) / total
	if region.Clamped {
		score.Penalty = w.ClampPenalty
		value -= w.ClampPenalty
	}

	score.Value = clamp01(value)
	score.Keep = score.Value >= s.opts.MinScore
	return score
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
