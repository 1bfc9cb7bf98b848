package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"go.uber.org/zap"
)

// RemoteConfig points a model kind at an HTTP inference server.
type RemoteConfig struct {
	Endpoint            string
	Timeout             time.Duration
	ConfidenceThreshold float64
}

// Remote talks to an inference server exposing /detect, /detect_batch and /healthz.
type Remote struct {
	kind   entity.ModelKind
	cfg    RemoteConfig
	client *http.Client
	logger *zap.Logger
}

type remoteDetection struct {
	Box     [4]float64 `json:"box"`
	ClassID int        `json:"class_id"`
	Score   float64    `json:"score"`
}

type detectRequest struct {
	Image      string   `json:"image,omitempty"`
	Images     []string `json:"images,omitempty"`
	Confidence float64  `json:"confidence"`
}

type detectResponse struct {
	Detections []remoteDetection `json:"detections"`
}

type batchResponse struct {
	Results []detectResponse `json:"results"`
}

func NewRemote(kind entity.ModelKind, cfg RemoteConfig, logger *zap.Logger) *Remote {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &Remote{
		kind:   kind,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("model", string(kind)), zap.String("endpoint", cfg.Endpoint)),
	}
}

func (r *Remote) Kind() entity.ModelKind { return r.kind }

// Ping checks that the server is up and has its model loaded.
func (r *Remote) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.Endpoint+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	return nil
}

func (r *Remote) Detect(ctx context.Context, img image.Image) ([]entity.Detection, error) {
	encoded, err := encodeImage(img)
	if err != nil {
		return nil, err
	}

	var resp detectResponse
	if err := r.post(ctx, "/detect", detectRequest{Image: encoded, Confidence: r.cfg.ConfidenceThreshold}, &resp); err != nil {
		return nil, err
	}
	return r.toDetections(resp.Detections), nil
}

func (r *Remote) DetectBatch(ctx context.Context, imgs []image.Image) ([][]entity.Detection, error) {
	encoded := make([]string, len(imgs))
	for i, img := range imgs {
		e, err := encodeImage(img)
		if err != nil {
			return nil, err
		}
		encoded[i] = e
	}

	var resp batchResponse
	if err := r.post(ctx, "/detect_batch", detectRequest{Images: encoded, Confidence: r.cfg.ConfidenceThreshold}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) != len(imgs) {
		return nil, fmt.Errorf("detect_batch returned %d results for %d images", len(resp.Results), len(imgs))
	}

	out := make([][]entity.Detection, len(imgs))
	for i, res := range resp.Results {
		out[i] = r.toDetections(res.Detections)
	}
	return out, nil
}

func (r *Remote) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}

	r.logger.Debug("inference call", zap.String("path", path), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (r *Remote) toDetections(in []remoteDetection) []entity.Detection {
	out := make([]entity.Detection, 0, len(in))
	for _, d := range in {
		out = append(out, entity.Detection{
			Box:        entity.Box{X1: d.Box[0], Y1: d.Box[1], X2: d.Box[2], Y2: d.Box[3]},
			Label:      entity.LabelFromCOCO(d.ClassID),
			Confidence: d.Score,
			Source:     r.kind,
		})
	}
	return out
}

func encodeImage(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
