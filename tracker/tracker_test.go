package tracker

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/face-prediction-demo/metrics"
	"github.com/Tutortoise/face-prediction-demo/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakePredictor struct {
	mu      sync.Mutex
	values  []float64
	err     error
	calls   int
	release chan struct{}
}

func (p *fakePredictor) PredictFace(ctx context.Context, _ image.Image, _ models.BoundingBox) (float64, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	err := p.err
	release := p.release
	p.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err != nil {
		return 0, err
	}
	if len(p.values) == 0 {
		return float64(n), nil
	}
	if n > len(p.values) {
		return p.values[len(p.values)-1], nil
	}
	return p.values[n-1], nil
}

func (p *fakePredictor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakePredictor) SetErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestTracker(p FacePredictor, clock *fakeClock, updates *atomic.Int32) *Tracker {
	return New(p, Options{
		Now: clock.Now,
		OnUpdate: func() {
			if updates != nil {
				updates.Add(1)
			}
		},
		Log: quietLogger(),
	})
}

var (
	frame    = image.NewRGBA(image.Rect(0, 0, 320, 240))
	faceBox  = models.BoundingBox{X: 10, Y: 10, Width: 100, Height: 100}
	otherBox = models.BoundingBox{X: 200, Y: 50, Width: 60, Height: 60}
)

func TestIdentityKey(t *testing.T) {
	tests := []struct {
		name string
		box  models.BoundingBox
		step int
		want Key
	}{
		{"exact grid", models.BoundingBox{X: 10, Y: 20, Width: 100, Height: 50}, 10, "10:20:100:50"},
		{"rounds down", models.BoundingBox{X: 14, Y: 21, Width: 104, Height: 49}, 10, "10:20:100:50"},
		{"half rounds up", models.BoundingBox{X: 15, Y: 25, Width: 95, Height: 45}, 10, "20:30:100:50"},
		{"negative", models.BoundingBox{X: -4, Y: -6, Width: 10, Height: 10}, 10, "0:-10:10:10"},
		{"default step", models.BoundingBox{X: 12, Y: 12, Width: 12, Height: 12}, 0, "10:10:10:10"},
		{"coarse step", models.BoundingBox{X: 30, Y: 70, Width: 130, Height: 140}, 50, "50:50:150:150"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IdentityKey(tt.box, tt.step))
		})
	}
}

func TestIdentityKeyTolerance(t *testing.T) {
	jittered := models.BoundingBox{X: 12, Y: 11, Width: 101, Height: 99}
	assert.Equal(t, IdentityKey(faceBox, 10), IdentityKey(jittered, 10))

	moved := models.BoundingBox{X: 30, Y: 10, Width: 100, Height: 100}
	assert.NotEqual(t, IdentityKey(faceBox, 10), IdentityKey(moved, 10))
}

func TestNewFaceTriggersInference(t *testing.T) {
	clock := newFakeClock()
	p := &fakePredictor{values: []float64{0.42}}
	tr := newTestTracker(p, clock, nil)

	tracks := tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	require.Len(t, tracks, 1)
	assert.Nil(t, tracks[0].Prediction, "no value before the first result lands")
	tr.Wait()

	assert.Equal(t, 1, p.Calls())
	assert.Equal(t, 1, tr.Len())
	snap := tr.Snapshot()
	require.Contains(t, snap, IdentityKey(faceBox, DefaultQuantizationStep))
	assert.Equal(t, 0.42, snap[IdentityKey(faceBox, DefaultQuantizationStep)].Value)
}

func TestNoRefreshWithinInterval(t *testing.T) {
	clock := newFakeClock()
	p := &fakePredictor{values: []float64{0.42, 0.9}}
	tr := newTestTracker(p, clock, nil)

	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	tr.Wait()

	clock.Advance(200 * time.Millisecond)
	jittered := models.BoundingBox{X: 12, Y: 11, Width: 101, Height: 99}
	tracks := tr.Observe(context.Background(), frame, []models.BoundingBox{jittered})
	tr.Wait()

	assert.Equal(t, 1, p.Calls())
	require.Len(t, tracks, 1)
	require.NotNil(t, tracks[0].Prediction)
	assert.Equal(t, 0.42, tracks[0].Prediction.Value)
	assert.Equal(t, jittered, tracks[0].Box, "tracks carry this cycle's box")
}

func TestRefreshAfterInterval(t *testing.T) {
	clock := newFakeClock()
	p := &fakePredictor{values: []float64{0.42, 0.9}}
	var updates atomic.Int32
	tr := newTestTracker(p, clock, &updates)

	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	tr.Wait()
	first := tr.Snapshot()[IdentityKey(faceBox, DefaultQuantizationStep)]

	clock.Advance(1200 * time.Millisecond)
	tracks := tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	require.NotNil(t, tracks[0].Prediction, "stale value stays visible while refreshing")
	assert.Equal(t, 0.42, tracks[0].Prediction.Value)
	tr.Wait()

	assert.Equal(t, 2, p.Calls())
	second := tr.Snapshot()[IdentityKey(faceBox, DefaultQuantizationStep)]
	assert.Equal(t, 0.9, second.Value)
	assert.True(t, second.LastUpdated.After(first.LastUpdated))
	assert.Equal(t, int32(2), updates.Load())
}

func TestDisappearedFaceIsPruned(t *testing.T) {
	clock := newFakeClock()
	p := &fakePredictor{}
	tr := newTestTracker(p, clock, nil)

	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox, otherBox})
	tr.Wait()
	require.Equal(t, 2, tr.Len())

	tr.Observe(context.Background(), frame, []models.BoundingBox{otherBox})
	assert.Equal(t, 1, tr.Len())
	assert.NotContains(t, tr.Snapshot(), IdentityKey(faceBox, DefaultQuantizationStep))

	tr.Observe(context.Background(), frame, nil)
	assert.Equal(t, 0, tr.Len())
}

func TestFailedInferenceKeepsPreviousValue(t *testing.T) {
	clock := newFakeClock()
	p := &fakePredictor{values: []float64{0.42}}
	var updates atomic.Int32
	tr := newTestTracker(p, clock, &updates)
	key := IdentityKey(faceBox, DefaultQuantizationStep)

	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	tr.Wait()

	p.SetErr(errors.New("inference exploded"))
	clock.Advance(1500 * time.Millisecond)
	assert.NotPanics(t, func() {
		tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
		tr.Wait()
	})

	assert.Equal(t, 2, p.Calls())
	assert.Equal(t, 0.42, tr.Snapshot()[key].Value)
	assert.Equal(t, int32(1), updates.Load(), "a failed call does not redraw")

	// the failed attempt restarts the refresh interval
	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	tr.Wait()
	assert.Equal(t, 2, p.Calls())

	clock.Advance(time.Second)
	p.SetErr(nil)
	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	tr.Wait()
	assert.Equal(t, 3, p.Calls())
}

func TestOneCallInFlightPerIdentity(t *testing.T) {
	clock := newFakeClock()
	p := &fakePredictor{release: make(chan struct{})}
	tr := newTestTracker(p, clock, nil)

	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	for i := 0; i < 5; i++ {
		clock.Advance(2 * time.Second)
		tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	}
	close(p.release)
	tr.Wait()

	assert.Equal(t, 1, p.Calls())
}

func TestDuplicateBoxesShareOneCall(t *testing.T) {
	clock := newFakeClock()
	p := &fakePredictor{}
	tr := newTestTracker(p, clock, nil)

	near := models.BoundingBox{X: 11, Y: 9, Width: 100, Height: 101}
	tracks := tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox, near})
	tr.Wait()

	assert.Len(t, tracks, 2)
	assert.Equal(t, tracks[0].Key, tracks[1].Key)
	assert.Equal(t, 1, p.Calls())
	assert.Equal(t, 1, tr.Len())
}

func TestRefreshRateIsBounded(t *testing.T) {
	clock := newFakeClock()
	p := &fakePredictor{}
	tr := newTestTracker(p, clock, nil)

	// 3s of cycles every 100ms: calls at 0, 1s, 2s and 3s
	for i := 0; i <= 30; i++ {
		tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
		tr.Wait()
		clock.Advance(100 * time.Millisecond)
	}
	assert.Equal(t, 4, p.Calls())
}

func TestResetDiscardsInFlightResults(t *testing.T) {
	clock := newFakeClock()
	p := &fakePredictor{release: make(chan struct{})}
	var updates atomic.Int32
	tr := newTestTracker(p, clock, &updates)

	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	tr.Reset()
	close(p.release)
	tr.Wait()

	assert.Equal(t, 0, tr.Len())
	assert.Empty(t, tr.Snapshot())
	assert.Equal(t, int32(0), updates.Load())
}

func TestResultForPrunedIdentityIsDropped(t *testing.T) {
	clock := newFakeClock()
	p := &fakePredictor{release: make(chan struct{})}
	tr := newTestTracker(p, clock, nil)

	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	tr.Observe(context.Background(), frame, nil)
	close(p.release)
	tr.Wait()

	assert.Equal(t, 0, tr.Len())
	assert.Empty(t, tr.Snapshot())
}

func TestLabelUsesCacheWithoutScheduling(t *testing.T) {
	clock := newFakeClock()
	p := &fakePredictor{values: []float64{7}}
	tr := newTestTracker(p, clock, nil)

	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	tr.Wait()

	tracks := tr.Label([]models.BoundingBox{faceBox, otherBox})
	require.Len(t, tracks, 2)
	require.NotNil(t, tracks[0].Prediction)
	assert.Equal(t, 7.0, tracks[0].Prediction.Value)
	assert.Nil(t, tracks[1].Prediction)
	assert.Equal(t, 1, p.Calls())
	assert.Equal(t, 1, tr.Len())
}

func TestCacheOnlyHoldsLatestCycle(t *testing.T) {
	clock := newFakeClock()
	p := &fakePredictor{}
	tr := newTestTracker(p, clock, nil)

	cycles := [][]models.BoundingBox{
		{faceBox},
		{faceBox, otherBox},
		{otherBox},
		{{X: 100, Y: 100, Width: 40, Height: 40}},
		{},
	}
	for _, boxes := range cycles {
		tr.Observe(context.Background(), frame, boxes)
		tr.Wait()

		want := make(map[Key]struct{})
		for _, b := range boxes {
			want[IdentityKey(b, DefaultQuantizationStep)] = struct{}{}
		}
		assert.Equal(t, len(want), tr.Len())
		for key := range tr.Snapshot() {
			assert.Contains(t, want, key)
		}
	}
}

func TestFailedFirstInferenceRetriesSooner(t *testing.T) {
	clock := newFakeClock()
	p := &fakePredictor{err: errors.New("warming up")}
	tr := newTestTracker(p, clock, nil)

	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	tr.Wait()
	require.Equal(t, 1, p.Calls())

	clock.Advance(DefaultRetryInterval / 2)
	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	tr.Wait()
	assert.Equal(t, 1, p.Calls())

	p.SetErr(nil)
	clock.Advance(DefaultRetryInterval / 2)
	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	tr.Wait()
	assert.Equal(t, 2, p.Calls())
	assert.Contains(t, tr.Snapshot(), IdentityKey(faceBox, DefaultQuantizationStep))

	// with a value cached, the full refresh interval applies again
	clock.Advance(DefaultRetryInterval)
	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	tr.Wait()
	assert.Equal(t, 2, p.Calls())
}

func TestRetryIntervalNeverExceedsRefresh(t *testing.T) {
	tr := New(&fakePredictor{}, Options{RefreshInterval: 100 * time.Millisecond, RetryInterval: time.Second})
	assert.Equal(t, 100*time.Millisecond, tr.opts.RetryInterval)
}

// gatedPredictor blocks each call until the gate for its box x is closed.
type gatedPredictor struct {
	gates map[int]chan struct{}
}

func (p *gatedPredictor) PredictFace(ctx context.Context, _ image.Image, box models.BoundingBox) (float64, error) {
	select {
	case <-p.gates[box.X]:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return float64(box.X), nil
}

func TestOutOfOrderCompletionsAllLand(t *testing.T) {
	clock := newFakeClock()
	p := &gatedPredictor{gates: map[int]chan struct{}{
		faceBox.X:  make(chan struct{}),
		otherBox.X: make(chan struct{}),
	}}
	var updates atomic.Int32
	tr := newTestTracker(p, clock, &updates)

	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox, otherBox})

	close(p.gates[otherBox.X])
	require.Eventually(t, func() bool { return updates.Load() == 1 }, time.Second, time.Millisecond)
	close(p.gates[faceBox.X])
	tr.Wait()

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, float64(faceBox.X), snap[IdentityKey(faceBox, DefaultQuantizationStep)].Value)
	assert.Equal(t, float64(otherBox.X), snap[IdentityKey(otherBox, DefaultQuantizationStep)].Value)

	tracks := tr.Label([]models.BoundingBox{faceBox, otherBox})
	for _, track := range tracks {
		assert.NotNil(t, track.Prediction, "identity %s", track.Key)
	}
}

func TestCloseStopsObserving(t *testing.T) {
	clock := newFakeClock()
	p := &fakePredictor{release: make(chan struct{})}
	var updates atomic.Int32
	tr := newTestTracker(p, clock, &updates)

	tr.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	tr.Close()

	tracks := tr.Observe(context.Background(), frame, []models.BoundingBox{otherBox})
	close(p.release)
	tr.Wait()

	require.Len(t, tracks, 1)
	assert.Nil(t, tracks[0].Prediction)
	assert.Equal(t, 1, p.Calls(), "a closed tracker schedules nothing")
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, int32(0), updates.Load())
}

func TestCacheGaugeIsSharedAcrossTrackers(t *testing.T) {
	m := metrics.New()
	a := New(&fakePredictor{}, Options{Metrics: m, Log: quietLogger()})
	b := New(&fakePredictor{}, Options{Metrics: m, Log: quietLogger()})

	a.Observe(context.Background(), frame, []models.BoundingBox{faceBox, otherBox})
	b.Observe(context.Background(), frame, []models.BoundingBox{faceBox})
	a.Wait()
	b.Wait()
	assert.Equal(t, 3.0, cacheGauge(t, m))

	b.Reset()
	assert.Equal(t, 2.0, cacheGauge(t, m))
	a.Observe(context.Background(), frame, []models.BoundingBox{otherBox})
	assert.Equal(t, 1.0, cacheGauge(t, m))
	a.Close()
	assert.Equal(t, 0.0, cacheGauge(t, m))
}

func cacheGauge(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "facepredict_cache_identities" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("cache gauge not registered")
	return 0
}
