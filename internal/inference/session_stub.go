//go:build !onnx

package inference

import "log"

func Available() bool { return false }

func Initialize(string) error { return ErrUnavailable }

func Shutdown() error { return nil }

type Session struct{}

func NewSession(string, []string, []string, Device, *log.Logger) (*Session, error) {
	return nil, ErrUnavailable
}

func InspectModel(string) ([]TensorInfo, []TensorInfo, error) {
	return nil, nil, ErrUnavailable
}

func (*Session) Device() Device { return DeviceCPU }

func (*Session) RunFloat([]Input) ([]Output, error) { return nil, ErrUnavailable }

func (*Session) Close() error { return nil }
