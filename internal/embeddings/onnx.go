package embeddings

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Runtime owns the process-wide ONNX Runtime environment. Sessions may only
// be created between Init and Close.
type Runtime struct {
	mu          sync.Mutex
	libraryPath string
	initialized bool
	logger      *slog.Logger
}

// NewRuntime returns an uninitialized runtime. An empty libraryPath leaves
// the platform default shared library name in place.
func NewRuntime(libraryPath string, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{libraryPath: libraryPath, logger: logger}
}

// Init loads the shared library and creates the environment
func (r *Runtime) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	if r.libraryPath != "" {
		ort.SetSharedLibraryPath(r.libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}
	r.initialized = true
	r.logger.Debug("onnxruntime initialized", "library", r.libraryPath)
	return nil
}

// Close destroys the environment. All sessions must be closed first.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil
	}
	r.initialized = false
	return ort.DestroyEnvironment()
}

// ModelConfig describes an image classification model exported to ONNX
type ModelConfig struct {
	Path       string
	InputName  string
	OutputName string
	// Dimension is the length of the output vector. Zero reads it from the
	// model's output shape.
	Dimension      int
	UseCUDA        bool
	IntraOpThreads int
	Preprocess     Preprocessor
}

// Session evaluates the model on one preprocessed tensor. Implementations are
// not safe for concurrent use.
type Session interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

// onnxSession binds fixed input and output tensors to one AdvancedSession.
type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// ResolveModel fills in the input name, output name and dimension from the
// model file when they are not configured.
func (r *Runtime) ResolveModel(cfg ModelConfig) (ModelConfig, error) {
	if cfg.InputName != "" && cfg.OutputName != "" && cfg.Dimension > 0 {
		return cfg, nil
	}
	inputs, outputs, err := ort.GetInputOutputInfo(cfg.Path)
	if err != nil {
		return cfg, fmt.Errorf("failed to inspect model %s: %w", cfg.Path, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return cfg, fmt.Errorf("model %s has no inputs or outputs", cfg.Path)
	}
	if cfg.InputName == "" {
		cfg.InputName = inputs[0].Name
	}
	out := outputs[0]
	if cfg.OutputName == "" {
		cfg.OutputName = out.Name
	} else {
		for _, o := range outputs {
			if o.Name == cfg.OutputName {
				out = o
				break
			}
		}
	}
	if cfg.Dimension <= 0 {
		d := int64(1)
		for i, n := range out.Dimensions {
			if i == 0 {
				continue // batch
			}
			if n <= 0 {
				return cfg, fmt.Errorf("model output %q has dynamic shape %v; set the dimension explicitly", cfg.OutputName, out.Dimensions)
			}
			d *= n
		}
		if len(out.Dimensions) < 2 {
			return cfg, fmt.Errorf("model output %q has shape %v, want [batch, D]", cfg.OutputName, out.Dimensions)
		}
		cfg.Dimension = int(d)
	}
	return cfg, nil
}

// NewSession creates a session for cfg, which must already be resolved.
// CUDA is tried first when requested and CPU is used if it is unavailable.
func (r *Runtime) NewSession(cfg ModelConfig) (Session, error) {
	r.mu.Lock()
	ready := r.initialized
	r.mu.Unlock()
	if !ready {
		return nil, errors.New("onnxruntime is not initialized")
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(cfg.Preprocess.Shape()...))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.Dimension)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to allocate output tensor: %w", err)
	}

	session, err := r.newAdvancedSession(cfg, input, output, cfg.UseCUDA)
	if err != nil && cfg.UseCUDA {
		r.logger.Warn("CUDA session unavailable, falling back to CPU", "error", err)
		session, err = r.newAdvancedSession(cfg, input, output, false)
	}
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create session for %s: %w", cfg.Path, err)
	}
	return &onnxSession{session: session, input: input, output: output}, nil
}

func (r *Runtime) newAdvancedSession(cfg ModelConfig, input, output *ort.Tensor[float32], cuda bool) (*ort.AdvancedSession, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	if cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, err
		}
	}
	if cuda {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, err
		}
		defer cudaOpts.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, err
		}
	}

	return ort.NewAdvancedSession(cfg.Path,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.Value{input}, []ort.Value{output}, opts)
}

func (s *onnxSession) Run(input []float32) ([]float32, error) {
	copy(s.input.GetData(), input)
	if err := s.session.Run(); err != nil {
		return nil, err
	}
	out := s.output.GetData()
	vec := make([]float32, len(out))
	copy(vec, out)
	return vec, nil
}

func (s *onnxSession) Close() error {
	err := s.session.Destroy()
	s.input.Destroy()
	s.output.Destroy()
	return err
}
