package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// HarvestJob tracks one request to turn a set of videos into dataset archives.
type HarvestJob struct {
	ID              uuid.UUID
	UserID          string
	VideoKeys       []string
	ArchiveKeys     []string
	Status          JobStatus
	CropsSaved      int
	VideosProcessed int
	Attempt         int
	MaxAttempts     int
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

func NewHarvestJob(userID string, videoKeys []string, maxAttempts int) *HarvestJob {
	now := time.Now().UTC()
	return &HarvestJob{
		ID:          uuid.New(),
		UserID:      userID,
		VideoKeys:   videoKeys,
		Status:      JobStatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// MarkProcessing starts a new attempt. Archives published by earlier
// attempts stay on the job.
func (j *HarvestJob) MarkProcessing() {
	j.Status = JobStatusProcessing
	j.Attempt++
	j.ErrorMessage = ""
	j.UpdatedAt = time.Now().UTC()
}

func (j *HarvestJob) AddArchive(key string) {
	for _, k := range j.ArchiveKeys {
		if k == key {
			return
		}
	}
	j.ArchiveKeys = append(j.ArchiveKeys, key)
	j.UpdatedAt = time.Now().UTC()
}

func (j *HarvestJob) MarkCompleted(totals RunTotals) {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.CropsSaved = totals.CropsSaved
	j.VideosProcessed = totals.VideosProcessed
	j.UpdatedAt = now
	j.CompletedAt = &now
}

// MarkCancelled keeps whatever was produced before the stop. A stop is not a
// failed attempt, so the attempt it started is handed back.
func (j *HarvestJob) MarkCancelled(totals RunTotals) {
	j.Status = JobStatusCancelled
	if j.Attempt > 0 {
		j.Attempt--
	}
	j.CropsSaved = totals.CropsSaved
	j.VideosProcessed = totals.VideosProcessed
	j.UpdatedAt = time.Now().UTC()
}

func (j *HarvestJob) MarkFailed(errMsg string) {
	j.Status = JobStatusFailed
	j.ErrorMessage = errMsg
	j.UpdatedAt = time.Now().UTC()
}

func (j *HarvestJob) CanRetry() bool {
	return j.Attempt < j.MaxAttempts
}
