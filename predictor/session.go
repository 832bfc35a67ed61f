package predictor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Tutortoise/face-prediction-demo/models"
	"github.com/Tutortoise/face-prediction-demo/tensors"
)

// State is the lifecycle state of a Session.
type State int32

const (
	Uninitialized State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

var (
	ErrNotReady = errors.New("predictor session is not ready")
	ErrReset    = errors.New("predictor session was reset during load")
)

// Loader builds the inference engine: fetches the model artifact and creates
// the runtime session. It runs at most once at a time per Session.
type Loader func(ctx context.Context) (models.Runner, error)

type Config struct {
	InputName   string
	OutputName  string
	InputWidth  int
	InputHeight int
	Mode        OutputMode
	LoadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.InputName == "" {
		c.InputName = "input"
	}
	if c.OutputName == "" {
		c.OutputName = "output"
	}
	if c.InputWidth <= 0 {
		c.InputWidth = 224
	}
	if c.InputHeight <= 0 {
		c.InputHeight = 224
	}
	if c.Mode == "" {
		c.Mode = Regression
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 2 * time.Minute
	}
	return c
}

// InputShape is the NCHW tensor shape the predictor model takes.
func (c Config) InputShape() []int64 {
	c = c.withDefaults()
	return []int64{1, 3, int64(c.InputHeight), int64(c.InputWidth)}
}

// Session owns the predictor engine handle and its lifecycle:
// Uninitialized -> Loading -> Ready | Failed. A Failed session is loaded
// again only by an explicit Load.
type Session struct {
	cfg    Config
	loader Loader
	pre    *tensors.Preprocessor
	log    logrus.FieldLogger
	group  singleflight.Group

	mu      sync.RWMutex
	state   State
	runner  models.Runner
	lastErr error
	epoch   uint64
	loads   int
}

func NewSession(loader Loader, cfg Config, log logrus.FieldLogger) *Session {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{
		cfg:    cfg,
		loader: loader,
		pre:    tensors.NewPreprocessor(cfg.InputWidth, cfg.InputHeight),
		log:    log.WithField("component", "predictor"),
	}
}

// Load brings the session to Ready. Callers arriving while a load is in
// flight wait for that same load. ctx only bounds how long this caller waits.
func (s *Session) Load(ctx context.Context) error {
	s.mu.RLock()
	ready := s.state == Ready
	s.mu.RUnlock()
	if ready {
		return nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan("load", func() (interface{}, error) {
		return nil, s.load(loadCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) load(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Ready {
		s.mu.Unlock()
		return nil
	}
	s.state = Loading
	s.loads++
	epoch := s.epoch
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.LoadTimeout)
	defer cancel()

	start := time.Now()
	runner, err := s.loader(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		if runner != nil {
			_ = runner.Close()
		}
		return ErrReset
	}
	if err != nil {
		s.state = Failed
		s.lastErr = err
		s.log.WithError(err).Error("predictor load failed")
		return fmt.Errorf("load predictor: %w", err)
	}

	s.state = Ready
	s.runner = runner
	s.lastErr = nil
	s.log.WithField("took", time.Since(start)).Info("predictor ready")
	return nil
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err is the cause of the last failed load, if the session is Failed.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Loads counts load attempts actually started.
func (s *Session) Loads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loads
}

// Reset drops the engine reference and returns to Uninitialized. A load in
// flight finishes but its result is discarded.
func (s *Session) Reset() {
	s.mu.Lock()
	runner := s.runner
	s.runner = nil
	s.state = Uninitialized
	s.lastErr = nil
	s.epoch++
	s.mu.Unlock()

	if runner != nil {
		if err := runner.Close(); err != nil {
			s.log.WithError(err).Warn("closing predictor engine")
		}
	}
}

// PredictFace crops box out of frame and runs the model on it.
func (s *Session) PredictFace(ctx context.Context, frame image.Image, box models.BoundingBox) (float64, error) {
	s.mu.RLock()
	runner, state := s.runner, s.state
	s.mu.RUnlock()
	if state != Ready || runner == nil {
		return 0, ErrNotReady
	}

	face, err := FaceInput(frame, box, s.cfg.InputWidth, s.cfg.InputHeight)
	if err != nil {
		return 0, err
	}

	data, shape := s.pre.Tensor(face)
	outputs, err := runner.Run(ctx, map[string]models.Tensor{
		s.cfg.InputName: {Shape: shape, Data: data},
	})
	if err != nil {
		return 0, fmt.Errorf("predictor inference: %w", err)
	}

	out, ok := outputs[s.cfg.OutputName]
	if !ok {
		return 0, fmt.Errorf("predictor output %q missing", s.cfg.OutputName)
	}
	return decodeOutput(s.cfg.Mode, out.Data)
}
