package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/fiapx/fiapx-harvester-service/internal/pipeline"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	uc        *HarvestVideosUseCase
	jobs      *fakeJobRepo
	runs      *fakeRunRepo
	storage   *fakeStorage
	harvester *fakeHarvester
	publisher *fakePublisher
	dlq       *fakeDLQ
	notifier  *fakeNotifier
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()
	h := &harness{
		jobs:      newFakeJobRepo(),
		runs:      &fakeRunRepo{},
		storage:   &fakeStorage{},
		harvester: &fakeHarvester{outRoot: t.TempDir()},
		publisher: &fakePublisher{},
		dlq:       &fakeDLQ{},
		notifier:  &fakeNotifier{},
	}
	h.uc = NewHarvestVideosUseCase(
		h.jobs, h.runs, h.storage, fakeArchiver{}, h.harvester,
		h.publisher, h.dlq, h.notifier,
		zap.NewNop(),
		HarvestVideosConfig{TempDir: t.TempDir(), MaxRetries: maxRetries},
	)
	return h
}

func (h *harness) lastStatus(t *testing.T) entity.HarvestStatusMessage {
	t.Helper()
	require.NotEmpty(t, h.publisher.msgs)
	var msg entity.HarvestStatusMessage
	require.NoError(t, json.Unmarshal(h.publisher.msgs[len(h.publisher.msgs)-1], &msg))
	return msg
}

func request(t *testing.T, keys ...string) (uuid.UUID, []byte) {
	t.Helper()
	id := uuid.New()
	body, err := json.Marshal(entity.HarvestMessage{
		JobID:     id,
		UserID:    "user-1",
		VideoKeys: keys,
		UserEmail: "user@fiapx.local",
	})
	require.NoError(t, err)
	return id, body
}

func TestExecute_MalformedMessageGoesToDLQ(t *testing.T) {
	h := newHarness(t, 3)

	err := h.uc.Execute(context.Background(), []byte(`{invalid json`))
	require.NoError(t, err)

	require.Len(t, h.dlq.entries, 1)
	assert.Equal(t, `{invalid json`, string(h.dlq.entries[0].body))
	assert.Empty(t, h.publisher.msgs)
}

func TestExecute_NoVideosGoesToDLQ(t *testing.T) {
	h := newHarness(t, 3)
	_, body := request(t)

	require.NoError(t, h.uc.Execute(context.Background(), body))
	require.Len(t, h.dlq.entries, 1)
	assert.Contains(t, h.dlq.entries[0].reason, "no video keys")
}

func TestExecute_Success(t *testing.T) {
	h := newHarness(t, 3)
	id, body := request(t, "user-1/beach.mp4", "user-1/park.mov")

	require.NoError(t, h.uc.Execute(context.Background(), body))

	assert.Equal(t, []string{"user-1/beach.mp4", "user-1/park.mov"}, h.storage.downloaded)
	require.Len(t, h.harvester.videos, 2)
	prefix := id.String()[:8]
	assert.Equal(t, prefix+"-00_beach", h.harvester.videos[0].Name)
	assert.Equal(t, prefix+"-01_park", h.harvester.videos[1].Name)

	job, err := h.jobs.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.CropsSaved)
	assert.Equal(t, 2, job.VideosProcessed)
	require.Len(t, job.ArchiveKeys, 2)
	assert.Equal(t, fmt.Sprintf("user-1/%s/%s-00_beach_9x16_single.zip", id, prefix), job.ArchiveKeys[0])

	assert.Len(t, h.storage.uploaded, 2)
	require.Len(t, h.runs.saved, 2)
	assert.Equal(t, job.ArchiveKeys[1], h.runs.saved[1].archiveKey)

	for _, r := range h.runs.saved {
		_, err := os.Stat(r.stats.OutputDir)
		assert.True(t, os.IsNotExist(err), "local dataset should be removed after upload")
	}

	status := h.lastStatus(t)
	assert.Equal(t, entity.JobStatusCompleted, status.Status)
	assert.Equal(t, job.ArchiveKeys, status.ArchiveKeys)
	assert.Empty(t, h.dlq.entries)
}

func TestExecute_PartialFailureCompletes(t *testing.T) {
	h := newHarness(t, 3)
	h.harvester.failed = 1
	id, body := request(t, "user-1/a.mp4", "user-1/b.mp4")

	require.NoError(t, h.uc.Execute(context.Background(), body))

	job, _ := h.jobs.FindByID(context.Background(), id)
	assert.Equal(t, entity.JobStatusCompleted, job.Status)
	assert.Equal(t, "1 of 2 videos failed", job.ErrorMessage)
	assert.Len(t, job.ArchiveKeys, 1)
}

func TestExecute_ModelLoadFailureIsPermanent(t *testing.T) {
	h := newHarness(t, 3)
	h.harvester.err = &entity.ModelLoadError{Model: entity.ModelTransformer, Err: errors.New("unreachable")}
	id, body := request(t, "user-1/a.mp4")

	require.NoError(t, h.uc.Execute(context.Background(), body))

	job, _ := h.jobs.FindByID(context.Background(), id)
	assert.Equal(t, entity.JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempt)
	require.Len(t, h.dlq.entries, 1)
	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, []string{"user-1/a.mp4"}, h.notifier.sent[0].videoKeys)
	assert.Equal(t, entity.JobStatusFailed, h.lastStatus(t).Status)
}

func TestExecute_TransientFailureRequeues(t *testing.T) {
	h := newHarness(t, 3)
	h.harvester.err = errors.New("disk full")
	id, body := request(t, "user-1/a.mp4")

	err := h.uc.Execute(context.Background(), body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempt 1/3")

	job, _ := h.jobs.FindByID(context.Background(), id)
	assert.Equal(t, entity.JobStatusFailed, job.Status)
	assert.Empty(t, h.dlq.entries)
	assert.Empty(t, h.notifier.sent)

	// second delivery reuses the stored job
	err = h.uc.Execute(context.Background(), body)
	require.Error(t, err)
	job, _ = h.jobs.FindByID(context.Background(), id)
	assert.Equal(t, 2, job.Attempt)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	h := newHarness(t, 1)
	h.harvester.err = errors.New("disk full")
	_, body := request(t, "user-1/a.mp4")

	require.NoError(t, h.uc.Execute(context.Background(), body))
	require.Len(t, h.dlq.entries, 1)
	assert.Len(t, h.notifier.sent, 1)
}

func TestExecute_DownloadFailureRetries(t *testing.T) {
	h := newHarness(t, 3)
	h.storage.downloadErr = errors.New("no such key")
	_, body := request(t, "user-1/missing.mp4")

	err := h.uc.Execute(context.Background(), body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download_video")
	assert.Nil(t, h.harvester.videos)
}

func TestExecute_StoppedMarksCancelled(t *testing.T) {
	h := newHarness(t, 3)
	h.harvester.err = pipeline.ErrStopped
	id, body := request(t, "user-1/a.mp4")

	err := h.uc.Execute(context.Background(), body)
	require.ErrorIs(t, err, pipeline.ErrStopped)

	job, _ := h.jobs.FindByID(context.Background(), id)
	assert.Equal(t, entity.JobStatusCancelled, job.Status)
	assert.Equal(t, 1, job.CropsSaved)
	assert.Len(t, job.ArchiveKeys, 1)
	assert.Equal(t, entity.JobStatusCancelled, h.lastStatus(t).Status)
}

func TestExecute_ResumesAfterStopWithoutSpendingAttempt(t *testing.T) {
	h := newHarness(t, 1)
	h.harvester.stopAfter = 1
	id, body := request(t, "user-1/a.mp4", "user-1/b.mp4")

	require.ErrorIs(t, h.uc.Execute(context.Background(), body), pipeline.ErrStopped)

	job, _ := h.jobs.FindByID(context.Background(), id)
	assert.Equal(t, entity.JobStatusCancelled, job.Status)
	assert.Equal(t, 0, job.Attempt)
	require.Len(t, job.ArchiveKeys, 1)
	firstArchive := job.ArchiveKeys[0]

	h.harvester.stopAfter = 0
	require.NoError(t, h.uc.Execute(context.Background(), body))

	require.Len(t, h.harvester.videos, 1, "published video is not harvested again")
	assert.Equal(t, id.String()[:8]+"-01_b", h.harvester.videos[0].Name)

	job, _ = h.jobs.FindByID(context.Background(), id)
	assert.Equal(t, entity.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Attempt)
	require.Len(t, job.ArchiveKeys, 2)
	assert.Equal(t, firstArchive, job.ArchiveKeys[0])
	assert.Equal(t, 2, job.CropsSaved)
	assert.Equal(t, 2, job.VideosProcessed)
	assert.Len(t, h.runs.saved, 2)
	assert.Equal(t, []string{"user-1/a.mp4", "user-1/b.mp4", "user-1/b.mp4"}, h.storage.downloaded)
	assert.Empty(t, h.dlq.entries)
}
