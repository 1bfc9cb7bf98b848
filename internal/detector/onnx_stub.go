//go:build !onnx

package detector

import (
	"context"
	"errors"

	"github.com/fiapx/fiapx-harvester-service/internal/domain/port"
)

var errONNXDisabled = errors.New("binary built without the onnx tag")

func LoadONNX(_ context.Context, _ ONNXConfig) (port.Detector, error) {
	return nil, errONNXDisabled
}
