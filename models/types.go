package models

import (
	"image"
	"time"
)

// BoundingBox is a face region in native frame pixels, origin top-left,
// never mirrored.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

func (b BoundingBox) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// Clamp restricts the box to a width x height frame. The result may be empty
// when the box lies entirely outside the frame.
func (b BoundingBox) Clamp(width, height int) BoundingBox {
	r := b.Rect().Intersect(image.Rect(0, 0, width, height))
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

func BoxFromRect(r image.Rectangle) BoundingBox {
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

type Detection struct {
	Box        BoundingBox
	Confidence float32
}

// Prediction is the latest known model output for one face identity.
type Prediction struct {
	Value       float64   `json:"value"`
	LastUpdated time.Time `json:"last_updated"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Detect      time.Duration
	Predict     time.Duration
	Render      time.Duration
	Total       time.Duration
}
