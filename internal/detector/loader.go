package detector

import (
	"context"
	"errors"
	"time"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/entity"
	"github.com/fiapx/fiapx-harvester-service/internal/domain/port"
	"go.uber.org/zap"
)

type ONNXConfig struct {
	ModelPath           string
	SharedLibraryPath   string
	ConfidenceThreshold float64
}

// LoaderConfig selects a backend per model kind. The fast-CNN runs in-process
// when an ONNX model path is set; every other kind needs an endpoint.
type LoaderConfig struct {
	Endpoints           map[entity.ModelKind]string
	ONNX                ONNXConfig
	Timeout             time.Duration
	ConfidenceThreshold float64
}

type backendLoader struct {
	cfg    LoaderConfig
	logger *zap.Logger
}

func NewLoader(cfg LoaderConfig, logger *zap.Logger) Loader {
	return &backendLoader{cfg: cfg, logger: logger}
}

func (l *backendLoader) Load(ctx context.Context, kind entity.ModelKind) (port.Detector, error) {
	if kind == entity.ModelFastCNN && l.cfg.ONNX.ModelPath != "" {
		onnxCfg := l.cfg.ONNX
		onnxCfg.ConfidenceThreshold = l.cfg.ConfidenceThreshold
		d, err := LoadONNX(ctx, onnxCfg)
		if err != nil {
			return nil, &entity.ModelLoadError{Model: kind, Err: err}
		}
		l.logger.Info("model backend ready", zap.String("model", string(kind)), zap.String("backend", "onnx"))
		return d, nil
	}

	endpoint := l.cfg.Endpoints[kind]
	if endpoint == "" {
		return nil, &entity.ModelLoadError{Model: kind, Err: errors.New("no backend configured")}
	}

	r := NewRemote(kind, RemoteConfig{
		Endpoint:            endpoint,
		Timeout:             l.cfg.Timeout,
		ConfidenceThreshold: l.cfg.ConfidenceThreshold,
	}, l.logger)
	if err := r.Ping(ctx); err != nil {
		return nil, &entity.ModelLoadError{Model: kind, Err: err}
	}
	l.logger.Info("model backend ready", zap.String("model", string(kind)), zap.String("backend", "remote"))
	return r, nil
}
