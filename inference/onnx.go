// Package inference - ONNX Runtime model backend.
package inference

import (
	"context"
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/em-ai/go-detect3d/volumes"
)

// ONNXConfig configures an ONNX Runtime backed model.
type ONNXConfig struct {
	// Name identifies the model in logs and reports.
	Name string
	// ModelPath is the path to the .onnx file.
	ModelPath string
	// InputName and OutputName are the graph tensor names.
	InputName  string
	OutputName string
	// OutputChannels is the number of class channels the network emits.
	OutputChannels int
	// ShapeFn is the network's forward shape transform. ONNX graphs with
	// dynamic spatial dims cannot report valid output extents themselves, so
	// the transform is supplied explicitly (UNetShapeFn or ContextShapeFn).
	ShapeFn ShapeFn
	// IntraOpThreads and InterOpThreads bound ONNX Runtime's internal
	// parallelism. Zero uses the runtime default.
	IntraOpThreads int
	InterOpThreads int
}

// ONNXModel runs a 3D detection network through ONNX Runtime. It implements
// Model. ONNX Runtime dynamic sessions are not reentrant, so Evaluate
// serializes the Run call; tile extraction and assembly still overlap across
// engine workers.
type ONNXModel struct {
	cfg     ONNXConfig
	session *ort.DynamicAdvancedSession
	mu      sync.Mutex
}

var ortInitOnce sync.Once

// GetSharedLibPath returns the path to the ONNX Runtime shared library for
// the current platform. ONNXRUNTIME_SHARED_LIBRARY_PATH overrides it.
func GetSharedLibPath() string {
	if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
		return p
	}
	if runtime.GOOS == "windows" {
		return "./third_party/onnxruntime.dll"
	}
	if runtime.GOOS == "darwin" {
		return "./third_party/libonnxruntime.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "./third_party/onnxruntime_arm64.so"
	}
	return "./third_party/onnxruntime.so"
}

// NewONNXModel loads the network and creates a dynamic-shape session.
func NewONNXModel(cfg ONNXConfig) (*ONNXModel, error) {
	if cfg.ShapeFn == nil {
		return nil, errors.New("ONNX model requires an explicit shape transform")
	}
	if cfg.OutputChannels < 1 {
		return nil, errors.Errorf("ONNX model %s: output channels must be at least 1", cfg.Name)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "model file %s", cfg.ModelPath)
	}

	libPath := GetSharedLibPath()
	if _, err := os.Stat(libPath); os.IsNotExist(err) {
		return nil, errors.Errorf("ONNX Runtime library not found at %s", libPath)
	}

	var initErr error
	ortInitOnce.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, errors.Wrap(initErr, "initializing ORT environment")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating ORT session options")
	}
	defer options.Destroy()

	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, errors.Wrap(err, "setting intra-op threads")
		}
	}
	if cfg.InterOpThreads > 0 {
		if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
			return nil, errors.Wrap(err, "setting inter-op threads")
		}
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return nil, errors.Wrap(err, "setting graph optimization level")
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		options,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "creating ORT session for %s", cfg.ModelPath)
	}

	return &ONNXModel{cfg: cfg, session: session}, nil
}

// Name implements Model.
func (m *ONNXModel) Name() string { return m.cfg.Name }

// OutputShape implements Model by delegating to the configured transform.
func (m *ONNXModel) OutputShape(input volumes.Shape) (volumes.Shape, error) {
	return m.cfg.ShapeFn(input)
}

// OutputChannels implements Model.
func (m *ONNXModel) OutputChannels() int { return m.cfg.OutputChannels }

// Evaluate runs the network on one (1, 1, z, y, x) tile.
func (m *ONNXModel) Evaluate(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	dims := input.Shape()
	ortShape := make(ort.Shape, len(dims))
	for i, d := range dims {
		ortShape[i] = int64(d)
	}
	inTensor, err := ort.NewTensor(ortShape, input.Data().([]float32))
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}
	defer inTensor.Destroy()

	outputs := []ort.Value{nil}
	m.mu.Lock()
	err = m.session.Run([]ort.Value{inTensor}, outputs)
	m.mu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "running ORT session")
	}

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
		return nil, errors.Errorf("model %s produced a non-float32 output", m.cfg.Name)
	}
	defer outTensor.Destroy()

	outDims := outTensor.GetShape()
	shape := make([]int, len(outDims))
	for i, d := range outDims {
		shape[i] = int(d)
	}
	data := make([]float32, len(outTensor.GetData()))
	copy(data, outTensor.GetData())

	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}

// Close releases the ONNX Runtime session.
func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		err := m.session.Destroy()
		m.session = nil
		return err
	}
	return nil
}
