package engine

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var ErrEnvironmentClosed = errors.New("onnx environment closed")

// Environment owns the process-wide ONNX Runtime initialisation. It is
// started at most once successfully; a failed Start may be retried.
type Environment struct {
	libraryPath string

	mu      sync.Mutex
	started bool
	closed  bool
}

func NewEnvironment(libraryPath string) *Environment {
	return &Environment{libraryPath: libraryPath}
}

func (e *Environment) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEnvironmentClosed
	}
	if e.started {
		return nil
	}

	if e.libraryPath != "" {
		ort.SetSharedLibraryPath(e.libraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnx environment: %w", err)
		}
	}
	e.started = true
	return nil
}

func (e *Environment) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *Environment) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if !e.started {
		return nil
	}
	e.started = false
	return ort.DestroyEnvironment()
}
