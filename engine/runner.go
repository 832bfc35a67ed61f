package engine

import (
	"context"
	"fmt"

	"github.com/Tutortoise/face-prediction-demo/models"
)

// Runner serves forward passes for one model from a pool of sessions.
type Runner struct {
	spec Spec
	pool *Pool[*ModelSession]
}

var _ models.Runner = (*Runner)(nil)

// NewRunner builds poolSize sessions from the serialized model. The
// environment must have been started. Bytes that do not parse as a model
// fail here.
func NewRunner(env *Environment, onnxData []byte, spec Spec, poolSize int) (*Runner, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if !env.Started() {
		return nil, fmt.Errorf("onnx environment not started")
	}

	pool, err := NewPool(poolSize, func() (*ModelSession, error) {
		return newModelSession(onnxData, spec)
	})
	if err != nil {
		return nil, fmt.Errorf("create session pool: %w", err)
	}

	return &Runner{spec: spec, pool: pool}, nil
}

func (r *Runner) Run(ctx context.Context, inputs map[string]models.Tensor) (map[string]models.Tensor, error) {
	in, ok := inputs[r.spec.InputName]
	if !ok {
		return nil, fmt.Errorf("missing input tensor %q", r.spec.InputName)
	}

	session, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}

	dst := session.Input.GetData()
	if len(in.Data) != len(dst) {
		r.pool.Release(session)
		return nil, fmt.Errorf("input %q has %d values, model expects %d", r.spec.InputName, len(in.Data), len(dst))
	}
	copy(dst, in.Data)

	if err := session.Session.Run(); err != nil {
		r.pool.Discard(session)
		return nil, fmt.Errorf("model inference: %w", err)
	}

	out := make([]float32, len(session.Output.GetData()))
	copy(out, session.Output.GetData())
	r.pool.Release(session)

	return map[string]models.Tensor{
		r.spec.OutputName: {Shape: append([]int64(nil), r.spec.OutputShape...), Data: out},
	}, nil
}

func (r *Runner) Stats() PoolStats {
	return r.pool.Stats()
}

func (r *Runner) Close() error {
	r.pool.Destroy()
	return nil
}
