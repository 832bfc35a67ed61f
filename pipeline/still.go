package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Tutortoise/face-prediction-demo/capture"
	"github.com/Tutortoise/face-prediction-demo/models"
	"github.com/Tutortoise/face-prediction-demo/render"
	"github.com/Tutortoise/face-prediction-demo/tracker"
)

// StillFace is one face found in an uploaded image.
type StillFace struct {
	Box   models.BoundingBox `json:"box"`
	Value *float64           `json:"value,omitempty"`
	Error string             `json:"error,omitempty"`
}

type StillResult struct {
	Width     int                      `json:"width"`
	Height    int                      `json:"height"`
	Faces     []StillFace              `json:"faces"`
	Annotated image.Image              `json:"-"`
	Timings   models.ProcessingTimings `json:"-"`
}

var ErrNoFrame = errors.New("source has no frame")

// AnalyzeStill runs the upload path on the source's current frame: detect
// every face, predict each one and wait for all predictions. The same image
// always yields the same crops.
func AnalyzeStill(ctx context.Context, locator FaceLocator, predictor tracker.FacePredictor, source capture.Source, opts render.Options, log logrus.FieldLogger) (*StillResult, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	frame, ok := source.Latest()
	if !ok {
		return nil, ErrNoFrame
	}
	img := frame.Image
	var timings models.ProcessingTimings

	detectStart := time.Now()
	boxes, err := locator.Locate(ctx, img)
	timings.Detect = time.Since(detectStart)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}

	predictStart := time.Now()
	faces := make([]StillFace, len(boxes))
	g, gctx := errgroup.WithContext(ctx)
	for i, box := range boxes {
		i, box := i, box
		faces[i].Box = box
		g.Go(func() error {
			value, err := predictor.PredictFace(gctx, img, box)
			if err != nil {
				log.WithError(err).WithField("box", box).Warn("prediction failed for uploaded face")
				faces[i].Error = err.Error()
				return nil
			}
			faces[i].Value = &value
			return nil
		})
	}
	_ = g.Wait()
	timings.Predict = time.Since(predictStart)

	tracks := make([]tracker.Track, len(faces))
	for i, f := range faces {
		tracks[i] = tracker.Track{Box: f.Box}
		if f.Value != nil {
			tracks[i].Prediction = &models.Prediction{Value: *f.Value}
		}
	}

	renderStart := time.Now()
	annotated := render.New(opts).Annotate(img, tracks)
	timings.Render = time.Since(renderStart)

	return &StillResult{
		Width:     frame.Width,
		Height:    frame.Height,
		Faces:     faces,
		Annotated: annotated,
		Timings:   timings,
	}, nil
}
