package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/port"
	"go.uber.org/zap"
)

// Sampler extracts every stride-th frame of a video with ffmpeg.
type Sampler struct {
	workDir string
	format  string
	logger  *zap.Logger
}

func NewSampler(workDir, format string, logger *zap.Logger) *Sampler {
	return &Sampler{workDir: workDir, format: format, logger: logger}
}

type VideoInfo struct {
	Duration   float64
	FrameCount int
}

// Open samples the video into a scratch directory removed by Close.
func (s *Sampler) Open(ctx context.Context, videoPath string, stride int) (port.FrameSource, error) {
	if stride <= 0 {
		return nil, fmt.Errorf("invalid stride %d", stride)
	}
	if err := os.MkdirAll(s.workDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(s.workDir, "frames-")
	if err != nil {
		return nil, fmt.Errorf("create frames dir: %w", err)
	}

	info, err := s.Probe(ctx, videoPath)
	if err != nil {
		s.logger.Warn("could not probe video", zap.String("video", videoPath), zap.Error(err))
	}

	framePattern := filepath.Join(dir, fmt.Sprintf("frame_%%06d.%s", s.format))
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", videoPath,
		"-vf", fmt.Sprintf(`select=not(mod(n\,%d))`, stride),
		"-vsync", "vfr",
		"-y",
		framePattern,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("ffmpeg error: %w, output: %s", err, string(output))
	}

	frames, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("*.%s", s.format)))
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("glob frames: %w", err)
	}
	if len(frames) == 0 {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("no frames extracted from video")
	}
	sort.Strings(frames)

	s.logger.Info("frames sampled",
		zap.String("video", videoPath),
		zap.Int("sampled", len(frames)),
		zap.Int("stride", stride),
		zap.Int("source_frames", info.FrameCount),
		zap.Float64("video_duration", info.Duration),
	)

	return NewDirSource(dir, frames, stride, true), nil
}

// Probe reads duration and frame count with ffprobe.
func (s *Sampler) Probe(ctx context.Context, videoPath string) (VideoInfo, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "format=duration:stream=nb_read_packets",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe: %w", err)
	}
	return parseProbe(string(output))
}

// parseProbe reads the stream packet count and the container duration, in that order.
func parseProbe(out string) (VideoInfo, error) {
	var info VideoInfo
	lines := strings.Fields(out)
	if len(lines) < 2 {
		return info, fmt.Errorf("unexpected ffprobe output %q", out)
	}
	n, err := strconv.Atoi(lines[0])
	if err != nil {
		return info, fmt.Errorf("parse frame count: %w", err)
	}
	d, err := strconv.ParseFloat(lines[1], 64)
	if err != nil {
		return info, fmt.Errorf("parse duration: %w", err)
	}
	info.FrameCount, info.Duration = n, d
	return info, nil
}

// DirSource decodes sampled frame files one at a time. The k-th file holds
// source frame k*stride.
type DirSource struct {
	dir     string
	files   []string
	stride  int
	pos     int
	cleanup bool
}

func NewDirSource(dir string, files []string, stride int, cleanup bool) *DirSource {
	return &DirSource{dir: dir, files: files, stride: stride, cleanup: cleanup}
}

func (d *DirSource) Next(ctx context.Context) (entity.Frame, error) {
	if err := ctx.Err(); err != nil {
		return entity.Frame{}, err
	}
	if d.pos >= len(d.files) {
		return entity.Frame{}, io.EOF
	}

	index := d.pos * d.stride
	path := d.files[d.pos]
	d.pos++

	img, err := imaging.Open(path)
	if err != nil {
		return entity.Frame{}, &entity.DecodeError{FrameIndex: index, Err: err}
	}
	return entity.Frame{Index: index, Image: img}, nil
}

func (d *DirSource) Close() error {
	if !d.cleanup {
		return nil
	}
	return os.RemoveAll(d.dir)
}
