package entity

import "image"

// Frame is a decoded sampled frame. Index is the source frame number.
type Frame struct {
	Index int
	Image image.Image
}

type ConsensusCluster struct {
	Label            Label
	Members          []Detection
	MergedBox        Box
	MergedConfidence float64
	VoteCount        int
	Accepted         bool
}

// Has reports whether the cluster already holds a detection from model.
func (c *ConsensusCluster) Has(model ModelKind) bool {
	for _, m := range c.Members {
		if m.Source == model {
			return true
		}
	}
	return false
}

type CropRegion struct {
	Rect        Box
	TargetRatio AspectRatio
	ZoomFactor  float64
	Clamped     bool
}

type QualityScore struct {
	Value      float64
	Keep       bool
	Occupancy  float64
	Centering  float64
	Confidence float64
	Penalty    float64
}

type CropOutcome struct {
	Category string
	Saved    bool
	Path     string
	Reason   string
}

// FrameJob carries one sampled frame through detection, consensus, cropping and scoring.
type FrameJob struct {
	FrameIndex int
	Image      image.Image
	Detections []Detection
	Clusters   []ConsensusCluster
	Crops      []CropRegion
	Scores     []QualityScore
	Outcomes   []CropOutcome
}
