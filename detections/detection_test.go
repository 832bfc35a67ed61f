package detections

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/face-prediction-demo/models"
)

const testInputSize = 64

type candidate struct {
	cx, cy, w, h, conf float32
}

// rawOutput lays candidates out as a [1, 5, N] detector output.
func rawOutput(size int, candidates ...candidate) []float32 {
	n := AnchorCount(size)
	out := make([]float32, outputChannels*n)
	for i, c := range candidates {
		out[i] = c.cx
		out[n+i] = c.cy
		out[2*n+i] = c.w
		out[3*n+i] = c.h
		out[4*n+i] = c.conf
	}
	return out
}

type fakeRunner struct {
	mu       sync.Mutex
	output   []float32
	outName  string
	failures int
	calls    int
	inputs   []models.Tensor
}

func (r *fakeRunner) Run(_ context.Context, inputs map[string]models.Tensor) (map[string]models.Tensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	for _, in := range inputs {
		r.inputs = append(r.inputs, in)
	}
	if r.calls <= r.failures {
		return nil, errors.New("session busy")
	}
	return map[string]models.Tensor{
		r.outName: {Shape: []int64{1, 5, int64(AnchorCount(testInputSize))}, Data: r.output},
	}, nil
}

func (r *fakeRunner) Close() error { return nil }

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() Config {
	return Config{InputSize: testInputSize, RetryDelay: time.Millisecond}.withDefaults()
}

func TestAnchorCount(t *testing.T) {
	assert.Equal(t, 8400, AnchorCount(640))
	assert.Equal(t, 1344, AnchorCount(256))
	assert.Equal(t, 84, AnchorCount(64))
}

func TestShapes(t *testing.T) {
	assert.Equal(t, []int64{1, 3, 640, 640}, InputShape(Config{}))
	assert.Equal(t, []int64{1, 5, 8400}, OutputShape(Config{}))
	assert.Equal(t, []int64{1, 5, 84}, OutputShape(Config{InputSize: 64}))
}

func TestDecodePredictionsScalesToNativeFrame(t *testing.T) {
	cfg := testConfig()
	out := rawOutput(testInputSize,
		candidate{cx: 32, cy: 32, w: 16, h: 16, conf: 0.9},
		candidate{cx: 10, cy: 10, w: 8, h: 8, conf: 0.3},
		candidate{cx: 60, cy: 10, w: 20, h: 30, conf: 0.7},
	)

	// native frame is twice as wide as the model input
	dets, err := decodePredictions(out, cfg, 128, 64)
	require.NoError(t, err)
	require.Len(t, dets, 2, "low confidence candidates are dropped")

	assert.Equal(t, models.BoundingBox{X: 48, Y: 24, Width: 32, Height: 16}, dets[0].Box)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6)

	// partly outside the frame: clamped to its edges
	assert.Equal(t, models.BoundingBox{X: 100, Y: 0, Width: 28, Height: 25}, dets[1].Box)
}

func TestDecodePredictionsNormalized(t *testing.T) {
	cfg := testConfig()
	cfg.Normalized = true
	out := rawOutput(testInputSize, candidate{cx: 0.5, cy: 0.5, w: 0.25, h: 0.25, conf: 0.8})

	dets, err := decodePredictions(out, cfg, 640, 480)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, models.BoundingBox{X: 240, Y: 180, Width: 160, Height: 120}, dets[0].Box)
}

func TestDecodePredictionsDropsBoxesOutsideFrame(t *testing.T) {
	cfg := testConfig()
	out := rawOutput(testInputSize, candidate{cx: -40, cy: -40, w: 10, h: 10, conf: 0.95})

	dets, err := decodePredictions(out, cfg, 64, 64)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestDecodePredictionsRejectsMalformedOutput(t *testing.T) {
	_, err := decodePredictions(make([]float32, 10), testConfig(), 64, 64)

	var perr *ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "unexpected predictions length")
}

func TestLocateMergesCandidatesOfOneFace(t *testing.T) {
	runner := &fakeRunner{
		outName: "output0",
		output: rawOutput(testInputSize,
			candidate{cx: 32, cy: 32, w: 16, h: 16, conf: 0.9},
			candidate{cx: 33, cy: 32, w: 16, h: 16, conf: 0.8},
			candidate{cx: 60, cy: 10, w: 20, h: 30, conf: 0.7},
		),
	}
	l := NewLocator(runner, testConfig(), quietLogger())

	boxes, err := l.Locate(context.Background(), image.NewRGBA(image.Rect(0, 0, 128, 64)))
	require.NoError(t, err)
	assert.Equal(t, []models.BoundingBox{
		{X: 48, Y: 24, Width: 34, Height: 16},
		{X: 100, Y: 0, Width: 28, Height: 25},
	}, boxes)

	require.Len(t, runner.inputs, 1)
	assert.Equal(t, []int64{1, 3, testInputSize, testInputSize}, runner.inputs[0].Shape)
	assert.Len(t, runner.inputs[0].Data, 3*testInputSize*testInputSize)
}

func TestLocateNoFaces(t *testing.T) {
	runner := &fakeRunner{outName: "output0", output: rawOutput(testInputSize)}
	l := NewLocator(runner, testConfig(), quietLogger())

	boxes, err := l.Locate(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 64)))
	require.NoError(t, err)
	assert.Empty(t, boxes)
}

func TestLocateRetriesRunnerErrors(t *testing.T) {
	runner := &fakeRunner{outName: "output0", output: rawOutput(testInputSize), failures: 2}
	l := NewLocator(runner, testConfig(), quietLogger())

	_, err := l.Locate(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 64)))
	require.NoError(t, err)
	assert.Equal(t, 3, runner.calls)

	runner = &fakeRunner{outName: "output0", output: rawOutput(testInputSize), failures: 5}
	l = NewLocator(runner, testConfig(), quietLogger())
	_, err = l.Locate(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 64)))
	require.Error(t, err)
	assert.Equal(t, RetryAttempts, runner.calls)
}

func TestLocateDoesNotRetryMalformedOutput(t *testing.T) {
	runner := &fakeRunner{outName: "something_else", output: rawOutput(testInputSize)}
	l := NewLocator(runner, testConfig(), quietLogger())

	_, err := l.Locate(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 64)))
	var perr *ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, runner.calls)
}

func TestLocateEmptyFrame(t *testing.T) {
	l := NewLocator(&fakeRunner{}, testConfig(), quietLogger())

	_, err := l.Locate(context.Background(), image.NewRGBA(image.Rect(0, 0, 0, 0)))
	assert.ErrorIs(t, err, ErrEmptyFrame)
	_, err = l.Locate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}
