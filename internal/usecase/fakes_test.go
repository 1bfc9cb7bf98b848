package usecase

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/fiapx/fiapx-harvester-service/internal/pipeline"
	"github.com/google/uuid"
)

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]entity.HarvestJob
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[uuid.UUID]entity.HarvestJob{}}
}

func (r *fakeJobRepo) Create(_ context.Context, job *entity.HarvestJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = *job
	return nil
}

func (r *fakeJobRepo) Update(_ context.Context, job *entity.HarvestJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = *job
	return nil
}

func (r *fakeJobRepo) FindByID(_ context.Context, id uuid.UUID) (*entity.HarvestJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, errors.New("job not found")
	}
	return &job, nil
}

type savedRun struct {
	archiveKey string
	stats      entity.VideoRunStats
}

type fakeRunRepo struct {
	saved []savedRun
}

func (r *fakeRunRepo) Save(_ context.Context, _ uuid.UUID, archiveKey string, stats entity.VideoRunStats) error {
	r.saved = append(r.saved, savedRun{archiveKey: archiveKey, stats: stats})
	return nil
}

func (r *fakeRunRepo) ListByJob(context.Context, uuid.UUID) ([]entity.VideoRunStats, error) {
	out := make([]entity.VideoRunStats, 0, len(r.saved))
	for _, s := range r.saved {
		out = append(out, s.stats)
	}
	return out, nil
}

type fakeStorage struct {
	downloadErr error
	downloaded  []string
	uploaded    map[string][]byte
}

func (s *fakeStorage) DownloadVideo(_ context.Context, key, dest string) error {
	if s.downloadErr != nil {
		return s.downloadErr
	}
	s.downloaded = append(s.downloaded, key)
	return os.WriteFile(dest, []byte("video"), 0o644)
}

func (s *fakeStorage) UploadArchive(_ context.Context, key string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if s.uploaded == nil {
		s.uploaded = map[string][]byte{}
	}
	s.uploaded[key] = data
	return nil
}

type fakeArchiver struct{}

func (fakeArchiver) CreateZip(_ context.Context, sourceDir, outputPath string) (int, error) {
	if _, err := os.Stat(sourceDir); err != nil {
		return 0, err
	}
	return 1, os.WriteFile(outputPath, []byte("zip:"+filepath.Base(sourceDir)), 0o644)
}

// fakeHarvester writes one crop per video into outRoot and reports it
// through the hooks, unless err is set.
type fakeHarvester struct {
	outRoot   string
	err       error
	failed    int
	stopAfter int // > 0 stops the run after that many videos, as a shutdown would
	videos    []pipeline.Video
}

func (h *fakeHarvester) Process(ctx context.Context, videos []pipeline.Video, hooks pipeline.Hooks) (entity.RunTotals, error) {
	h.videos = videos
	var totals entity.RunTotals
	if h.err != nil && !errors.Is(h.err, pipeline.ErrStopped) {
		return totals, h.err
	}
	for i, v := range videos {
		if h.stopAfter > 0 && i >= h.stopAfter {
			return totals, pipeline.ErrStopped
		}
		if i < h.failed {
			totals.VideosFailed++
			continue
		}
		dir := filepath.Join(h.outRoot, v.Name+"_9x16_single")
		if err := os.MkdirAll(filepath.Join(dir, "persons"), 0o755); err != nil {
			return totals, err
		}
		if err := os.WriteFile(filepath.Join(dir, "persons", "frame_000000_q80.jpg"), []byte("jpg"), 0o644); err != nil {
			return totals, err
		}
		stats := entity.VideoRunStats{Video: v.Name, OutputDir: dir, FramesSampled: 1, FramesSaved: 1, PersonCrops: 1}
		if hooks.OnVideoDone != nil {
			_ = hooks.OnVideoDone(ctx, v, stats)
		}
		totals.Add(stats)
	}
	return totals, h.err
}

type fakePublisher struct {
	msgs [][]byte
}

func (p *fakePublisher) PublishStatus(_ context.Context, msg []byte) error {
	p.msgs = append(p.msgs, msg)
	return nil
}

type dlqEntry struct {
	body   []byte
	reason string
}

type fakeDLQ struct {
	entries []dlqEntry
}

func (d *fakeDLQ) PublishToDLQ(_ context.Context, msg []byte, reason string) error {
	d.entries = append(d.entries, dlqEntry{body: msg, reason: reason})
	return nil
}

type notification struct {
	to        string
	jobID     string
	videoKeys []string
}

type fakeNotifier struct {
	sent []notification
}

func (n *fakeNotifier) NotifyFailure(_ context.Context, userEmail, jobID string, videoKeys []string, _ string) error {
	n.sent = append(n.sent, notification{to: userEmail, jobID: jobID, videoKeys: videoKeys})
	return nil
}
