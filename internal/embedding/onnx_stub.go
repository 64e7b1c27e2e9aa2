//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

// ONNXOptions configures the image model.
type ONNXOptions struct {
	ModelPath  string
	Dimensions int
	ImageSize  int
	InputName  string
	OutputName string
}

// ONNXExtractor stub type when built without CGO (see onnx.go for real implementation).
type ONNXExtractor struct{}

// NewONNXExtractor returns an error when built without CGO (ONNX not available).
func NewONNXExtractor(_ ONNXOptions) (*ONNXExtractor, error) {
	return nil, errors.New("ONNX extractor requires CGO; build with CGO_ENABLED=1 and onnxruntime")
}

// Extract is never reached; NewONNXExtractor always fails without CGO.
func (e *ONNXExtractor) Extract(ctx context.Context, image []byte) ([]float32, error) {
	return nil, errors.New("ONNX extractor not available")
}

// Dimensions returns 0.
func (e *ONNXExtractor) Dimensions() int { return 0 }

// Close is a no-op.
func (e *ONNXExtractor) Close() error { return nil }
