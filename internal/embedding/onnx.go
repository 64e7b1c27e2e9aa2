//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/kanshou/internal/errs"
)

// ONNXOptions configures the image model.
type ONNXOptions struct {
	ModelPath  string
	Dimensions int
	ImageSize  int
	InputName  string
	OutputName string
}

// ONNXExtractor runs an image embedding model with ONNX Runtime. It requires CGO
// and the onnxruntime shared library.
type ONNXExtractor struct {
	session    *ort.AdvancedSession
	dimensions int
	imageSize  int
	// Pre-allocated tensors for Run(); we overwrite the input and read the output.
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	mu           sync.Mutex
}

// NewONNXExtractor creates an ONNX extractor. InitializeEnvironment is called if not already done.
func NewONNXExtractor(opts ONNXOptions) (*ONNXExtractor, error) {
	if opts.InputName == "" {
		opts.InputName = "pixel_values"
	}
	if opts.OutputName == "" {
		opts.OutputName = "image_embeds"
	}
	if opts.ImageSize <= 0 {
		opts.ImageSize = 224
	}
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", opts.Dimensions)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	s := int64(opts.ImageSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, s, s))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(opts.Dimensions)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXExtractor{
		session:      session,
		dimensions:   opts.Dimensions,
		imageSize:    opts.ImageSize,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Extract decodes and preprocesses image, runs the model and returns the L2-normalized embedding.
// Undecodable input is an invalid-input error; model failures are embedding failures.
func (e *ONNXExtractor) Extract(ctx context.Context, image []byte) ([]float32, error) {
	img, _, err := DecodeImage(image)
	if err != nil {
		return nil, err
	}
	pixels, err := Preprocess(img, e.imageSize)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, errs.Embedding(fmt.Errorf("extractor is closed"))
	}

	copy(e.inputTensor.GetData(), pixels)
	if err := e.session.Run(); err != nil {
		return nil, errs.Embedding(fmt.Errorf("inference failed: %w", err))
	}

	embedding := make([]float32, e.dimensions)
	copy(embedding, e.outputTensor.GetData())
	NormalizeL2Slice(embedding)
	return embedding, nil
}

// Dimensions returns the embedding dimension.
func (e *ONNXExtractor) Dimensions() int {
	return e.dimensions
}

// Close destroys the session and tensors.
func (e *ONNXExtractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.inputTensor != nil {
		_ = e.inputTensor.Destroy()
		e.inputTensor = nil
	}
	if e.outputTensor != nil {
		_ = e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	return err
}
