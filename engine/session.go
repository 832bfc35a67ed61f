package engine

import (
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// Spec describes the single input and single output of a model.
type Spec struct {
	InputName   string
	InputShape  []int64
	OutputName  string
	OutputShape []int64
	Threads     int
}

func (s Spec) validate() error {
	if s.InputName == "" || s.OutputName == "" {
		return fmt.Errorf("model needs input and output names")
	}
	if len(s.InputShape) == 0 || len(s.OutputShape) == 0 {
		return fmt.Errorf("model needs input and output shapes")
	}
	return nil
}

// ModelSession is one ONNX session with its preallocated tensors. It is not
// safe for concurrent Run calls; the pool hands out one session per caller.
type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

func newModelSession(onnxData []byte, spec Spec) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	threads := spec.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options.SetIntraOpNumThreads(threads)
	options.SetInterOpNumThreads(threads)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSessionWithONNXData(
		onnxData,
		[]string{spec.InputName},
		[]string{spec.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}
