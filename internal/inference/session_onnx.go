//go:build onnx

package inference

import (
	"fmt"
	"log"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	envMu       sync.Mutex
	initialized bool
)

// Available reports whether ONNX sessions can be created in this build.
func Available() bool { return true }

// Initialize loads the ONNX Runtime shared library once per process.
func Initialize(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if initialized {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	initialized = true
	return nil
}

func Shutdown() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !initialized {
		return nil
	}
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("destroy onnx runtime: %w", err)
	}
	initialized = false
	return nil
}

// Session serializes Run calls on one DynamicAdvancedSession.
type Session struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	path    string
	inputs  []string
	outputs []string
	device  Device
}

func NewSession(modelPath string, inputNames, outputNames []string, device Device, logger *log.Logger) (*Session, error) {
	envMu.Lock()
	ready := initialized
	envMu.Unlock()
	if !ready {
		return nil, fmt.Errorf("onnx runtime not initialized")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	used := DeviceCPU
	if device == DeviceCUDA || device == DeviceAuto {
		if err := appendCUDA(options); err != nil {
			if device == DeviceCUDA {
				return nil, fmt.Errorf("enable cuda for %s: %w", modelPath, err)
			}
			if logger != nil {
				logger.Printf("cuda unavailable model=%s err=%v, using cpu", modelPath, err)
			}
		} else {
			used = DeviceCUDA
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", modelPath, err)
	}
	if logger != nil {
		logger.Printf("model loaded path=%s device=%s", modelPath, used)
	}

	return &Session{
		session: session,
		path:    modelPath,
		inputs:  inputNames,
		outputs: outputNames,
		device:  used,
	}, nil
}

// InspectModel reads the declared inputs and outputs of a model file without
// opening a session.
func InspectModel(modelPath string) (inputs, outputs []TensorInfo, err error) {
	envMu.Lock()
	ready := initialized
	envMu.Unlock()
	if !ready {
		return nil, nil, fmt.Errorf("onnx runtime not initialized")
	}

	in, out, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, nil, fmt.Errorf("inspect %s: %w", modelPath, err)
	}
	return tensorInfos(in), tensorInfos(out), nil
}

func tensorInfos(infos []ort.InputOutputInfo) []TensorInfo {
	out := make([]TensorInfo, len(infos))
	for i, info := range infos {
		elem := ElementOther
		switch info.DataType {
		case ort.TensorElementDataTypeFloat:
			elem = ElementFloat32
		case ort.TensorElementDataTypeDouble:
			elem = ElementFloat64
		}
		out[i] = TensorInfo{
			Name:    info.Name,
			Shape:   append([]int64(nil), info.Dimensions...),
			Element: elem,
		}
	}
	return out
}

func appendCUDA(options *ort.SessionOptions) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cuda.Destroy()
	if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
		return err
	}
	return options.AppendExecutionProviderCUDA(cuda)
}

func (s *Session) Device() Device { return s.device }

// RunFloat feeds the input tensors and returns every float32 output as a flat
// slice plus its shape. Outputs are allocated by the runtime.
func (s *Session) RunFloat(inputs []Input) ([]Output, error) {
	values := make([]ort.Value, 0, len(inputs))
	defer func() {
		for _, v := range values {
			v.Destroy()
		}
	}()
	for _, in := range inputs {
		tensor, err := newInputTensor(in)
		if err != nil {
			return nil, fmt.Errorf("create input tensor: %w", err)
		}
		values = append(values, tensor)
	}

	outputs := make([]ort.Value, len(s.outputs))
	s.mu.Lock()
	err := s.session.Run(values, outputs)
	s.mu.Unlock()
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", s.path, err)
	}

	result := make([]Output, len(outputs))
	for i, v := range outputs {
		tensor, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %s is not a float32 tensor", s.outputs[i])
		}
		data := tensor.GetData()
		result[i] = Output{
			Name:  s.outputs[i],
			Shape: append([]int64(nil), tensor.GetShape()...),
			Data:  append([]float32(nil), data...),
		}
	}
	return result, nil
}

func newInputTensor(in Input) (ort.Value, error) {
	shape := ort.NewShape(in.Shape...)
	if in.Float64 != nil {
		t, err := ort.NewTensor(shape, in.Float64)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	t, err := ort.NewTensor(shape, in.Data)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Session) Close() error {
	if s.session == nil {
		return nil
	}
	return s.session.Destroy()
}
