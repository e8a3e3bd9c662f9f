// Package model defines the Model interface for speech-emotion classifiers.
//
// A Model wraps a loaded neural network that maps one window of standardized
// 16 kHz mono samples to one logit per emotion class. The inference engine
// owns a single Model handle and shares it across sessions; implementations
// must therefore be safe for concurrent calls to Run.
//
// Concrete backends live in subpackages (onnx). Test code uses the mock
// subpackage.
package model

import (
	"context"
	"errors"
	"fmt"
)

// Default input geometry.
const (
	// DefaultWindowSamples is the window length used when the model does not
	// declare a fixed input length. 2376 samples is about 148 ms at 16 kHz.
	DefaultWindowSamples = 2376

	// DefaultNumClasses is the number of logits the classifier must produce.
	DefaultNumClasses = 8
)

// ErrInvalidModel is returned when a loaded artifact does not satisfy the
// model contract.
var ErrInvalidModel = errors.New("model: invalid model")

// Info describes a loaded model's tensor signature.
type Info struct {
	// InputName and OutputName are the tensor names used for inference.
	InputName  string
	OutputName string

	// InputShape is the declared input shape. Dimensions that are dynamic
	// are reported as -1.
	InputShape []int64

	// NumClasses is the number of logits the output carries.
	NumClasses int

	// Inputs and Outputs count the declared tensor descriptors.
	Inputs  int
	Outputs int
}

// WindowSamples returns the fixed input length the model declares, or
// [DefaultWindowSamples] when the sample dimension is dynamic.
func (i Info) WindowSamples() int {
	if len(i.InputShape) >= 2 && i.InputShape[1] > 0 {
		return int(i.InputShape[1])
	}
	return DefaultWindowSamples
}

// Rank returns the input tensor rank, defaulting to 3 when unknown.
func (i Info) Rank() int {
	if n := len(i.InputShape); n == 2 || n == 3 {
		return n
	}
	return 3
}

// Shape returns the concrete input shape for a window of n samples:
// (1, n, 1) for rank-3 models and (1, n) for rank-2 models.
func (i Info) Shape(n int) []int64 {
	if i.Rank() == 2 {
		return []int64{1, int64(n)}
	}
	return []int64{1, int64(n), 1}
}

// Validate checks the descriptor counts and class count.
func (i Info) Validate() error {
	var errs []error
	if i.Inputs < 1 {
		errs = append(errs, errors.New("no input tensor descriptor"))
	}
	if i.Outputs < 1 {
		errs = append(errs, errors.New("no output tensor descriptor"))
	}
	if i.NumClasses > 0 && i.NumClasses != DefaultNumClasses {
		errs = append(errs, fmt.Errorf("output declares %d classes, want %d", i.NumClasses, DefaultNumClasses))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidModel, errors.Join(errs...))
	}
	return nil
}

// Model is a loaded emotion classifier.
type Model interface {
	// Info returns the tensor signature discovered at load time.
	Info() Info

	// Run feeds one input tensor of the given shape and returns the logits
	// of the first output. The returned slice is owned by the caller.
	Run(ctx context.Context, input []float32, shape []int64) ([]float32, error)

	// Close releases the runtime resources. Calling Close more than once is
	// safe.
	Close() error
}

// Loader loads and validates a model artifact.
type Loader func(ctx context.Context) (Model, error)
