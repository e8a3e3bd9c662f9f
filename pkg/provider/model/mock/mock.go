// Package mock provides a test double for the model.Model interface.
//
// Model returns configurable logits and records every Run call. Set Block to
// a channel to hold Run until the test releases it, which is how tests
// simulate an inference that is still in flight.
//
// Example:
//
//	m := &mock.Model{Logits: []float32{0, 0, 5, 0, 0, 0, 0, 0}}
//	logits, _ := m.Run(ctx, window, []int64{1, 2376, 1})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxmood/pkg/provider/model"
)

// RunCall records a single invocation of Model.Run.
type RunCall struct {
	// Input is a copy of the samples passed to Run.
	Input []float32

	// Shape is a copy of the shape passed to Run.
	Shape []int64
}

// Model is a mock implementation of model.Model.
type Model struct {
	mu sync.Mutex

	// InfoResult is returned by Info. A zero value reports one input, one
	// output, 8 classes and shape (1, -1, 1).
	InfoResult model.Info

	// Logits is returned (copied) by every Run call.
	Logits []float32

	// RunErr, if non-nil, is returned by every Run call.
	RunErr error

	// RunFunc, if set, replaces the Logits/RunErr behaviour.
	RunFunc func(ctx context.Context, input []float32, shape []int64) ([]float32, error)

	// Block, if non-nil, makes Run wait until a value is received or the
	// channel is closed. Started is signalled (non-blocking) when Run begins.
	Block   chan struct{}
	Started chan struct{}

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// RunCalls records every call to Run in order.
	RunCalls []RunCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Info returns InfoResult or the default signature.
func (m *Model) Info() model.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InfoResult.Inputs == 0 && m.InfoResult.Outputs == 0 {
		return model.Info{
			InputName:  "input",
			OutputName: "logits",
			InputShape: []int64{1, -1, 1},
			NumClasses: model.DefaultNumClasses,
			Inputs:     1,
			Outputs:    1,
		}
	}
	return m.InfoResult
}

// Run records the call and returns Logits, RunErr.
func (m *Model) Run(ctx context.Context, input []float32, shape []int64) ([]float32, error) {
	m.mu.Lock()
	m.RunCalls = append(m.RunCalls, RunCall{
		Input: append([]float32(nil), input...),
		Shape: append([]int64(nil), shape...),
	})
	block, started, fn := m.Block, m.Started, m.RunFunc
	logits, err := m.Logits, m.RunErr
	m.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, input, shape)
	}
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), logits...), nil
}

// Close records the call and returns CloseErr.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCallCount++
	return m.CloseErr
}

// Calls returns a snapshot of the recorded Run calls. Thread-safe.
func (m *Model) Calls() []RunCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunCall(nil), m.RunCalls...)
}

// SetLogits replaces Logits. Thread-safe.
func (m *Model) SetLogits(logits []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logits = logits
}

// SetRunErr replaces RunErr. Thread-safe.
func (m *Model) SetRunErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunErr = err
}

// Reset clears all recorded calls. Thread-safe.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunCalls = nil
	m.CloseCallCount = 0
}

// Loader returns a model.Loader that yields m.
func (m *Model) Loader() model.Loader {
	return func(context.Context) (model.Model, error) { return m, nil }
}

// Ensure Model implements model.Model at compile time.
var _ model.Model = (*Model)(nil)
