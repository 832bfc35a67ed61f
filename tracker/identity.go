package tracker

import (
	"fmt"

	"github.com/Tutortoise/face-prediction-demo/models"
)

const DefaultQuantizationStep = 10

// Key identifies "the same" face across cycles. Two boxes share a key when
// their position and size round to the same grid cell; there is no motion
// model, so a face that moves more than half a step per cycle gets a new key
// and nearby faces of similar size may collide.
type Key string

func IdentityKey(box models.BoundingBox, step int) Key {
	if step <= 0 {
		step = DefaultQuantizationStep
	}
	return Key(fmt.Sprintf("%d:%d:%d:%d",
		quantize(box.X, step),
		quantize(box.Y, step),
		quantize(box.Width, step),
		quantize(box.Height, step),
	))
}

// quantize rounds v to the nearest multiple of step, halves away from zero.
func quantize(v, step int) int {
	if v >= 0 {
		return (v + step/2) / step * step
	}
	return -((-v + step/2) / step * step)
}
