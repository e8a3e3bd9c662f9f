// Package onnx implements model.Model on top of ONNX Runtime using
// github.com/yalue/onnxruntime_go.
//
// The runtime environment is process-global. The first successful [Load]
// initialises it with the configured shared library; later loads reuse it.
// Each Run allocates its own input and output tensors, so one [Model] can
// serve several sessions concurrently.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/voxmood/pkg/provider/model"
)

// Config selects the model artifact and runtime options.
type Config struct {
	// Path is the .onnx file to load. Required.
	Path string

	// SharedLibraryPath points at the onnxruntime shared library. Empty uses
	// the library's platform default lookup.
	SharedLibraryPath string

	// InputName and OutputName override the tensor names. Empty selects the
	// first declared input and output.
	InputName  string
	OutputName string

	// IntraOpThreads limits the runtime's intra-op thread pool. Zero keeps
	// the runtime default.
	IntraOpThreads int
}

var (
	envMu   sync.Mutex
	envLibs string
	envInit bool
)

// initEnvironment initialises ONNX Runtime once per process.
func initEnvironment(lib string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envInit {
		if lib != "" && lib != envLibs {
			slog.Warn("onnx: runtime already initialised with a different library", "active", envLibs, "requested", lib)
		}
		return nil
	}
	if lib != "" {
		ort.SetSharedLibraryPath(lib)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("onnx: initialize environment: %w", err)
	}
	envLibs = lib
	envInit = true
	return nil
}

// Model is a loaded ONNX classifier.
type Model struct {
	info    model.Info
	session *ort.DynamicAdvancedSession

	mu     sync.RWMutex
	closed bool
}

// Ensure Model implements model.Model at compile time.
var _ model.Model = (*Model)(nil)

// Load opens the artifact, checks its signature and creates a session.
func Load(ctx context.Context, cfg Config) (*Model, error) {
	if cfg.Path == "" {
		return nil, errors.New("onnx: model path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := initEnvironment(cfg.SharedLibraryPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("onnx: read signature of %q: %w", cfg.Path, err)
	}
	info, err := describe(inputs, outputs, cfg)
	if err != nil {
		return nil, err
	}

	var opts *ort.SessionOptions
	if cfg.IntraOpThreads > 0 {
		opts, err = ort.NewSessionOptions()
		if err != nil {
			return nil, fmt.Errorf("onnx: session options: %w", err)
		}
		defer opts.Destroy()
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("onnx: set intra-op threads: %w", err)
		}
	}

	sess, err := ort.NewDynamicAdvancedSession(cfg.Path,
		[]string{info.InputName}, []string{info.OutputName}, opts)
	if err != nil {
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}

	slog.Info("onnx model loaded",
		"path", cfg.Path,
		"input", info.InputName,
		"output", info.OutputName,
		"input_shape", info.InputShape,
		"classes", info.NumClasses,
	)
	return &Model{info: info, session: sess}, nil
}

// describe builds a model.Info from the declared tensors and validates it.
func describe(inputs, outputs []ort.InputOutputInfo, cfg Config) (model.Info, error) {
	info := model.Info{Inputs: len(inputs), Outputs: len(outputs)}
	if err := info.Validate(); err != nil {
		return info, err
	}

	in, err := pick(inputs, cfg.InputName)
	if err != nil {
		return info, fmt.Errorf("onnx: input: %w", err)
	}
	out, err := pick(outputs, cfg.OutputName)
	if err != nil {
		return info, fmt.Errorf("onnx: output: %w", err)
	}

	info.InputName = in.Name
	info.OutputName = out.Name
	info.InputShape = append([]int64(nil), in.Dimensions...)
	if n := len(out.Dimensions); n > 0 && out.Dimensions[n-1] > 0 {
		info.NumClasses = int(out.Dimensions[n-1])
	}
	if err := info.Validate(); err != nil {
		return info, err
	}
	if info.NumClasses == 0 {
		info.NumClasses = model.DefaultNumClasses
	}
	return info, nil
}

func pick(list []ort.InputOutputInfo, name string) (ort.InputOutputInfo, error) {
	if name == "" {
		return list[0], nil
	}
	for _, t := range list {
		if t.Name == name {
			return t, nil
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("%w: tensor %q not declared", model.ErrInvalidModel, name)
}

// Info returns the discovered signature.
func (m *Model) Info() model.Info { return m.info }

// Run executes the model on one window. ONNX Runtime calls cannot be
// interrupted, so ctx is only checked before the call starts.
func (m *Model) Run(ctx context.Context, input []float32, shape []int64) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errors.New("onnx: model closed")
	}

	in, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, fmt.Errorf("onnx: input tensor: %w", err)
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(m.info.NumClasses)))
	if err != nil {
		return nil, fmt.Errorf("onnx: output tensor: %w", err)
	}
	defer out.Destroy()

	if err := m.session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}
	return append([]float32(nil), out.GetData()...), nil
}

// Close destroys the session. The process-wide environment stays up.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.session.Destroy(); err != nil {
		return fmt.Errorf("onnx: destroy session: %w", err)
	}
	return nil
}

// Loader returns a model.Loader for cfg.
func Loader(cfg Config) model.Loader {
	return func(ctx context.Context) (model.Model, error) {
		m, err := Load(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}
