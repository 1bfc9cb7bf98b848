package entity

import (
	"fmt"
	"strings"
)

type Label string

const (
	LabelPerson Label = "person"
	LabelAnimal Label = "animal"
	LabelObject Label = "object"
)

// Labels lists every label in processing order.
var Labels = []Label{LabelPerson, LabelAnimal, LabelObject}

// Category is the dataset directory a label is filed under.
func (l Label) Category() string {
	switch l {
	case LabelPerson:
		return "persons"
	case LabelAnimal:
		return "animals"
	default:
		return "objects"
	}
}

// COCO ids 14..23 are bird, cat, dog, horse, sheep, cow, elephant, bear, zebra, giraffe.
const (
	cocoPerson      = 0
	cocoAnimalFirst = 14
	cocoAnimalLast  = 23
)

func LabelFromCOCO(classID int) Label {
	switch {
	case classID == cocoPerson:
		return LabelPerson
	case classID >= cocoAnimalFirst && classID <= cocoAnimalLast:
		return LabelAnimal
	default:
		return LabelObject
	}
}

type ModelKind string

const (
	ModelFastCNN        ModelKind = "fast-cnn"
	ModelTransformer    ModelKind = "transformer"
	ModelRegionProposal ModelKind = "region-proposal"
)

var ModelKinds = []ModelKind{ModelFastCNN, ModelTransformer, ModelRegionProposal}

// Priority orders models for tie-breaking, lower wins.
func (m ModelKind) Priority() int {
	switch m {
	case ModelFastCNN:
		return 0
	case ModelTransformer:
		return 1
	case ModelRegionProposal:
		return 2
	default:
		return 3
	}
}

var modelAliases = map[string]ModelKind{
	"fast-cnn":        ModelFastCNN,
	"yolo":            ModelFastCNN,
	"transformer":     ModelTransformer,
	"detr":            ModelTransformer,
	"region-proposal": ModelRegionProposal,
	"fasterrcnn":      ModelRegionProposal,
	"faster-rcnn":     ModelRegionProposal,
}

func ParseModelKind(s string) (ModelKind, error) {
	if k, ok := modelAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return "", &ConfigurationError{Field: "ensemble_models", Reason: fmt.Sprintf("unknown model %q", s)}
}

// Detection is a single box emitted by one model for one frame.
type Detection struct {
	Box        Box       `json:"box"`
	Label      Label     `json:"label"`
	Confidence float64   `json:"confidence"`
	Source     ModelKind `json:"source"`
	Seq        int       `json:"seq"`
}
