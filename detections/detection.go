package detections

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/face-prediction-demo/models"
	"github.com/Tutortoise/face-prediction-demo/tensors"
)

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error { return e.Cause }

var ErrEmptyFrame = errors.New("frame has no pixels")

// Config describes the face detector model.
type Config struct {
	InputName     string
	OutputName    string
	InputSize     int
	ConfThreshold float32
	// Normalized is set when the model emits box coordinates in [0,1]
	// instead of model-input pixels.
	Normalized    bool
	RetryAttempts int
	RetryDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.InputName == "" {
		c.InputName = "images"
	}
	if c.OutputName == "" {
		c.OutputName = "output0"
	}
	if c.InputSize <= 0 {
		c.InputSize = DefaultInputSize
	}
	if c.ConfThreshold <= 0 {
		c.ConfThreshold = DefaultConfThreshold
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = RetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = RetryDelay
	}
	return c
}

// AnchorCount is the number of candidate boxes a stride 8/16/32 detector
// emits for a square input of the given size.
func AnchorCount(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		side := size / stride
		n += side * side
	}
	return n
}

// InputShape and OutputShape describe the detector tensors for a config.
func InputShape(cfg Config) []int64 {
	cfg = cfg.withDefaults()
	return []int64{1, 3, int64(cfg.InputSize), int64(cfg.InputSize)}
}

func OutputShape(cfg Config) []int64 {
	cfg = cfg.withDefaults()
	return []int64{1, outputChannels, int64(AnchorCount(cfg.InputSize))}
}

// Locator finds faces in a frame and reports them in the frame's native
// pixel coordinates.
type Locator struct {
	runner models.Runner
	cfg    Config
	pre    *tensors.Preprocessor
	log    logrus.FieldLogger
}

func NewLocator(runner models.Runner, cfg Config, log logrus.FieldLogger) *Locator {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Locator{
		runner: runner,
		cfg:    cfg,
		pre:    tensors.NewPreprocessor(cfg.InputSize, cfg.InputSize),
		log:    log.WithField("component", "locator"),
	}
}

func (l *Locator) Locate(ctx context.Context, frame image.Image) ([]models.BoundingBox, error) {
	if frame == nil || frame.Bounds().Empty() {
		return nil, ErrEmptyFrame
	}

	var lastErr error
	for attempt := 1; attempt <= l.cfg.RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		boxes, err := l.locateOnce(ctx, frame)
		if err == nil {
			return boxes, nil
		}
		lastErr = err

		var perr *ProcessingError
		if errors.As(err, &perr) {
			// malformed model output does not improve on retry
			return nil, err
		}

		if attempt < l.cfg.RetryAttempts {
			l.log.WithError(err).WithField("attempt", attempt).Debug("face detection failed, retrying")
			select {
			case <-time.After(time.Duration(attempt) * l.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, lastErr
}

func (l *Locator) locateOnce(ctx context.Context, frame image.Image) ([]models.BoundingBox, error) {
	size := l.cfg.InputSize
	resized := imaging.Resize(frame, size, size, imaging.Linear)

	data, shape := l.pre.Tensor(resized)
	outputs, err := l.runner.Run(ctx, map[string]models.Tensor{
		l.cfg.InputName: {Shape: shape, Data: data},
	})
	if err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	out, ok := outputs[l.cfg.OutputName]
	if !ok {
		return nil, &ProcessingError{Message: fmt.Sprintf("missing output %q", l.cfg.OutputName)}
	}

	bounds := frame.Bounds()
	detected, err := decodePredictions(out.Data, l.cfg, bounds.Dx(), bounds.Dy())
	if err != nil {
		return nil, err
	}

	return ClusterBoxes(detected), nil
}

// decodePredictions turns the [1, 5, N] detector output into detections in
// native frame pixels, clamped to the frame and sorted by confidence.
func decodePredictions(predictions []float32, cfg Config, frameWidth, frameHeight int) ([]models.Detection, error) {
	numPredictions := AnchorCount(cfg.InputSize)
	expected := outputChannels * numPredictions
	if len(predictions) != expected {
		return nil, &ProcessingError{
			Message: fmt.Sprintf("unexpected predictions length: got %d, want %d", len(predictions), expected),
		}
	}

	coordScale := float32(1)
	if cfg.Normalized {
		coordScale = float32(cfg.InputSize)
	}
	scaleX := float32(frameWidth) / float32(cfg.InputSize)
	scaleY := float32(frameHeight) / float32(cfg.InputSize)

	detections := make([]models.Detection, 0, 16)
	for i := 0; i < numPredictions; i++ {
		confidence := predictions[4*numPredictions+i]
		if confidence < cfg.ConfThreshold {
			continue
		}

		cx := predictions[i] * coordScale
		cy := predictions[numPredictions+i] * coordScale
		w := predictions[2*numPredictions+i] * coordScale
		h := predictions[3*numPredictions+i] * coordScale

		x1 := int((cx - w/2) * scaleX)
		y1 := int((cy - h/2) * scaleY)
		x2 := int((cx + w/2) * scaleX)
		y2 := int((cy + h/2) * scaleY)

		box := models.BoundingBox{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}.Clamp(frameWidth, frameHeight)
		if box.Empty() {
			continue
		}
		detections = append(detections, models.Detection{Box: box, Confidence: confidence})
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})

	return detections, nil
}
