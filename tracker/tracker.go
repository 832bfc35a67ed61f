package tracker

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/face-prediction-demo/metrics"
	"github.com/Tutortoise/face-prediction-demo/models"
)

const (
	DefaultRefreshInterval  = time.Second
	DefaultRetryInterval    = 250 * time.Millisecond
	DefaultInferenceTimeout = 10 * time.Second
)

// FacePredictor runs the model on one face of a frame.
type FacePredictor interface {
	PredictFace(ctx context.Context, frame image.Image, box models.BoundingBox) (float64, error)
}

type Options struct {
	QuantizationStep int
	RefreshInterval  time.Duration
	// RetryInterval spaces attempts for identities whose calls have all
	// failed so far. It never exceeds RefreshInterval.
	RetryInterval    time.Duration
	InferenceTimeout time.Duration
	// OnUpdate runs after an inference result lands in the cache.
	OnUpdate func()
	Now      func() time.Time
	Metrics  *metrics.Metrics
	Log      logrus.FieldLogger
}

// Track is one detected face of the current cycle with its cached prediction.
type Track struct {
	Key        Key                `json:"key"`
	Box        models.BoundingBox `json:"box"`
	Prediction *models.Prediction `json:"prediction,omitempty"`
}

type entry struct {
	prediction  models.Prediction
	hasValue    bool
	attempted   bool
	lastAttempt time.Time
	inFlight    bool
}

// Tracker keys detections into identities, decides which identities need a
// fresh prediction, and caches the latest prediction per identity. The cache
// only holds identities seen in the most recent cycle.
type Tracker struct {
	predictor FacePredictor
	opts      Options
	log       logrus.FieldLogger

	mu         sync.Mutex
	entries    map[Key]*entry
	generation uint64
	closed     bool

	wg sync.WaitGroup
}

func New(predictor FacePredictor, opts Options) *Tracker {
	if opts.QuantizationStep <= 0 {
		opts.QuantizationStep = DefaultQuantizationStep
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.RetryInterval > opts.RefreshInterval {
		opts.RetryInterval = opts.RefreshInterval
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = DefaultInferenceTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracker{
		predictor: predictor,
		opts:      opts,
		log:       log.WithField("component", "tracker"),
		entries:   make(map[Key]*entry),
	}
}

type job struct {
	key        Key
	box        models.BoundingBox
	entry      *entry
	generation uint64
}

// Observe processes one detection cycle: it starts inference for identities
// that are new or due for a refresh, prunes identities that are no longer
// visible and returns the boxes labelled with their cached predictions.
// Inference runs in the background; Observe never waits for it. After Close
// it only returns unlabelled tracks.
func (t *Tracker) Observe(ctx context.Context, frame image.Image, boxes []models.BoundingBox) []Track {
	now := t.opts.Now()
	keys := make([]Key, len(boxes))
	seen := make(map[Key]struct{}, len(boxes))
	var jobs []job

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		tracks := make([]Track, len(boxes))
		for i, box := range boxes {
			tracks[i] = Track{Key: IdentityKey(box, t.opts.QuantizationStep), Box: box}
		}
		return tracks
	}
	before := len(t.entries)
	for i, box := range boxes {
		key := IdentityKey(box, t.opts.QuantizationStep)
		keys[i] = key
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		e, ok := t.entries[key]
		if !ok {
			e = &entry{}
			t.entries[key] = e
		}
		if t.dueLocked(e, now) {
			e.inFlight = true
			e.attempted = true
			e.lastAttempt = now
			jobs = append(jobs, job{key: key, box: box, entry: e, generation: t.generation})
		}
	}

	pruned := 0
	for key := range t.entries {
		if _, ok := seen[key]; !ok {
			delete(t.entries, key)
			pruned++
		}
	}

	tracks := make([]Track, len(boxes))
	for i, box := range boxes {
		tracks[i] = Track{Key: keys[i], Box: box}
		if e := t.entries[keys[i]]; e != nil && e.hasValue {
			p := e.prediction
			tracks[i].Prediction = &p
		}
	}
	delta := len(t.entries) - before
	t.mu.Unlock()

	t.opts.Metrics.CacheChanged(delta, pruned)

	for _, j := range jobs {
		t.dispatch(ctx, frame, j)
	}
	return tracks
}

// dueLocked reports whether e needs an inference call now. A call already in
// flight blocks another; otherwise the first sighting is due immediately.
// Identities without a value retry after RetryInterval, the rest wait
// RefreshInterval after the last update or attempt.
func (t *Tracker) dueLocked(e *entry, now time.Time) bool {
	if e.inFlight {
		return false
	}
	if !e.attempted {
		return true
	}
	if !e.hasValue {
		return now.Sub(e.lastAttempt) >= t.opts.RetryInterval
	}
	since := e.lastAttempt
	if e.prediction.LastUpdated.After(since) {
		since = e.prediction.LastUpdated
	}
	return now.Sub(since) >= t.opts.RefreshInterval
}

func (t *Tracker) dispatch(ctx context.Context, frame image.Image, j job) {
	t.opts.Metrics.InferenceStarted()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.InferenceTimeout)
		defer cancel()

		start := time.Now()
		value, err := t.predictor.PredictFace(callCtx, frame, j.box)
		t.opts.Metrics.InferenceFinished(time.Since(start), err)
		t.complete(j, value, err)
	}()
}

func (t *Tracker) complete(j job, value float64, err error) {
	t.mu.Lock()
	e, ok := t.entries[j.key]
	if !ok || e != j.entry || t.generation != j.generation {
		t.mu.Unlock()
		t.opts.Metrics.ResultDiscarded()
		if err == nil {
			t.log.WithField("identity", j.key).Debug("discarding prediction for identity no longer tracked")
		}
		return
	}

	e.inFlight = false
	if err != nil {
		t.mu.Unlock()
		t.log.WithError(err).WithField("identity", j.key).Warn("inference failed, keeping last known value")
		return
	}

	e.prediction = models.Prediction{Value: value, LastUpdated: t.opts.Now()}
	e.hasValue = true
	t.mu.Unlock()

	if t.opts.OnUpdate != nil {
		t.opts.OnUpdate()
	}
}

// Label attaches the current cached predictions to boxes without touching
// the cache or scheduling inference.
func (t *Tracker) Label(boxes []models.BoundingBox) []Track {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracks := make([]Track, len(boxes))
	for i, box := range boxes {
		key := IdentityKey(box, t.opts.QuantizationStep)
		tracks[i] = Track{Key: key, Box: box}
		if e := t.entries[key]; e != nil && e.hasValue {
			p := e.prediction
			tracks[i].Prediction = &p
		}
	}
	return tracks
}

// Snapshot copies every cached prediction.
func (t *Tracker) Snapshot() map[Key]models.Prediction {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Key]models.Prediction, len(t.entries))
	for key, e := range t.entries {
		if e.hasValue {
			out[key] = e.prediction
		}
	}
	return out
}

// Len is the number of tracked identities, with or without a value.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Reset forgets every identity. Results of calls still in flight are
// dropped when they arrive.
func (t *Tracker) Reset() {
	t.reset(false)
}

// Close resets the tracker and makes later Observe calls no-ops, so a cycle
// racing with shutdown cannot repopulate the cache.
func (t *Tracker) Close() {
	t.reset(true)
}

func (t *Tracker) reset(closing bool) {
	t.mu.Lock()
	dropped := len(t.entries)
	t.entries = make(map[Key]*entry)
	t.generation++
	if closing {
		t.closed = true
	}
	t.mu.Unlock()

	t.opts.Metrics.CacheChanged(-dropped, 0)
}

// Wait blocks until every inference call started so far has completed.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
