package entity

import "github.com/google/uuid"

// HarvestMessage is the inbound message from the harvest.request queue.
type HarvestMessage struct {
	JobID     uuid.UUID `json:"job_id"`
	UserID    string    `json:"user_id"`
	VideoKeys []string  `json:"video_keys"`
	UserEmail string    `json:"user_email"`
}

// HarvestStatusMessage is the outbound message published to the harvest.status queue.
type HarvestStatusMessage struct {
	JobID           uuid.UUID `json:"job_id"`
	UserID          string    `json:"user_id"`
	Status          JobStatus `json:"status"`
	VideoKeys       []string  `json:"video_keys"`
	ArchiveKeys     []string  `json:"archive_keys,omitempty"`
	CropsSaved      int       `json:"crops_saved,omitempty"`
	VideosProcessed int       `json:"videos_processed,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Attempt         int       `json:"attempt"`
	MaxAttempts     int       `json:"max_attempts"`
}
