package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Tutortoise/face-prediction-demo/capture"
	"github.com/Tutortoise/face-prediction-demo/metrics"
	"github.com/Tutortoise/face-prediction-demo/models"
	"github.com/Tutortoise/face-prediction-demo/render"
	"github.com/Tutortoise/face-prediction-demo/tracker"
)

const DefaultTargetFPS = 15

var ErrCapture = errors.New("capture failed")

// FaceLocator finds faces in a frame, in native frame pixels.
type FaceLocator interface {
	Locate(ctx context.Context, frame image.Image) ([]models.BoundingBox, error)
}

// Result is one overlay update for the display.
type Result struct {
	Seq      uint64
	Width    int
	Height   int
	Mirrored bool
	Tracks   []tracker.Track
	Overlay  *image.RGBA
	// Redraw is set when the update comes from a prediction landing rather
	// than from a new frame.
	Redraw bool
}

// Sink receives overlay updates. It may be called from several goroutines,
// one call at a time.
type Sink func(Result)

type Options struct {
	TargetFPS float64
	Tracker   tracker.Options
	Render    render.Options
	Metrics   *metrics.Metrics
	Log       logrus.FieldLogger
}

// Controller runs the capture -> locate -> track -> render cycle for one
// camera session.
type Controller struct {
	locator  FaceLocator
	tracker  *tracker.Tracker
	renderer *render.Renderer
	source   capture.Source
	limiter  *rate.Limiter
	sink     Sink
	metrics  *metrics.Metrics
	log      logrus.FieldLogger

	mu        sync.Mutex
	lastSeq   uint64
	lastFrame capture.Frame
	lastBoxes []models.BoundingBox
	cancel    context.CancelFunc
	stopped   bool

	emitMu sync.Mutex
}

func New(locator FaceLocator, predictor tracker.FacePredictor, source capture.Source, sink Sink, opts Options) *Controller {
	if opts.TargetFPS <= 0 {
		opts.TargetFPS = DefaultTargetFPS
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	c := &Controller{
		locator:  locator,
		renderer: render.New(opts.Render),
		source:   source,
		limiter:  rate.NewLimiter(rate.Limit(opts.TargetFPS), 1),
		sink:     sink,
		metrics:  opts.Metrics,
		log:      log.WithField("component", "pipeline"),
	}

	trackerOpts := opts.Tracker
	trackerOpts.OnUpdate = c.redraw
	if trackerOpts.Metrics == nil {
		trackerOpts.Metrics = opts.Metrics
	}
	if trackerOpts.Log == nil {
		trackerOpts.Log = log
	}
	c.tracker = tracker.New(predictor, trackerOpts)
	return c
}

func (c *Controller) Tracker() *tracker.Tracker { return c.tracker }

// Run cycles until ctx is cancelled, Stop is called or the source fails.
// Per-cycle detection and inference failures never end the loop.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()

	// sources that signal new frames let an idle loop sleep instead of
	// polling at the target rate
	notifier, _ := c.source.(updateNotifier)

	idle := false
	for {
		if idle && notifier != nil {
			select {
			case <-notifier.Updates():
			case <-ctx.Done():
				return nil
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.source.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCapture, err)
		}
		idle = !c.Cycle(ctx)
	}
}

type updateNotifier interface {
	Updates() <-chan struct{}
}

// Cycle runs one detection cycle and reports whether it produced an update.
func (c *Controller) Cycle(ctx context.Context) bool {
	start := time.Now()

	frame, ok := c.source.Latest()
	if !ok {
		c.metrics.CycleSkipped("not_ready")
		return false
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	if frame.Seq == c.lastSeq {
		c.mu.Unlock()
		c.metrics.CycleSkipped("no_new_frame")
		return false
	}
	c.lastSeq = frame.Seq
	c.mu.Unlock()

	if c.renderer.Sync(frame.Width, frame.Height) {
		c.log.WithFields(logrus.Fields{"width": frame.Width, "height": frame.Height}).Debug("overlay resized to native frame")
	}

	boxes, err := c.locator.Locate(ctx, frame.Image)
	if err != nil {
		c.metrics.DetectionFailed()
		c.metrics.CycleSkipped("detection_error")
		c.log.WithError(err).WithField("seq", frame.Seq).Warn("face detection failed, skipping cycle")
		return false
	}

	// Stop may have run while Locate was busy. The tracker is closed by then,
	// so Observe after this check cannot repopulate it either.
	c.mu.Lock()
	if c.stopped || ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.lastFrame = frame
	c.lastBoxes = boxes
	c.mu.Unlock()

	c.tracker.Observe(ctx, frame.Image, boxes)

	c.emit(frame, boxes, false)
	c.metrics.CycleCompleted(time.Since(start), len(boxes))
	return true
}

// redraw re-renders the last boxes with the full current cache.
func (c *Controller) redraw() {
	c.mu.Lock()
	if c.stopped || c.lastFrame.Image == nil {
		c.mu.Unlock()
		return
	}
	frame, boxes := c.lastFrame, c.lastBoxes
	c.mu.Unlock()

	c.emit(frame, boxes, true)
}

func (c *Controller) emit(frame capture.Frame, boxes []models.BoundingBox, redraw bool) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped || c.sink == nil {
		return
	}

	tracks := c.tracker.Label(boxes)
	c.sink(Result{
		Seq:      frame.Seq,
		Width:    frame.Width,
		Height:   frame.Height,
		Mirrored: c.renderer.Mirrored(),
		Tracks:   tracks,
		Overlay:  c.renderer.Overlay(tracks),
		Redraw:   redraw,
	})
}

// SetMirrored switches mirrored display and redraws.
func (c *Controller) SetMirrored(mirrored bool) {
	c.renderer.SetMirrored(mirrored)
	c.redraw()
}

// Stop ends the loop and clears session state. Inference calls already
// running finish, but their results are dropped.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
	c.lastBoxes = nil
	c.lastFrame = capture.Frame{}
	c.mu.Unlock()

	c.tracker.Close()
}
