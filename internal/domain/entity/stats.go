package entity

import "time"

// VideoRunStats holds the counters for a single video.
type VideoRunStats struct {
	Video             string        `json:"video"`
	OutputDir         string        `json:"output_dir"`
	FramesSampled     int           `json:"frames_sampled"`
	FramesSaved       int           `json:"frames_saved"`
	SkippedText       int           `json:"skipped_text"`
	NoSubject         int           `json:"no_subject"`
	DetectionFailures int           `json:"detection_failures"`
	DecodeFailures    int           `json:"decode_failures"`
	WriteFailures     int           `json:"write_failures"`
	CropsDiscarded    int           `json:"crops_discarded"`
	PersonCrops       int           `json:"person_crops"`
	AnimalCrops       int           `json:"animal_crops"`
	ObjectCrops       int           `json:"object_crops"`
	Duration          time.Duration `json:"duration"`
}

func (s *VideoRunStats) AddSaved(l Label) {
	switch l {
	case LabelPerson:
		s.PersonCrops++
	case LabelAnimal:
		s.AnimalCrops++
	default:
		s.ObjectCrops++
	}
}

func (s VideoRunStats) CropsSaved() int {
	return s.PersonCrops + s.AnimalCrops + s.ObjectCrops
}

// RunTotals aggregates every video of a run.
type RunTotals struct {
	VideosProcessed int
	VideosFailed    int
	CropsSaved      int
	Videos          []VideoRunStats
	Duration        time.Duration
}

func (t *RunTotals) Add(s VideoRunStats) {
	t.VideosProcessed++
	t.CropsSaved += s.CropsSaved()
	t.Videos = append(t.Videos, s)
}
