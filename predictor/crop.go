package predictor

import (
	"errors"
	"image"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/face-prediction-demo/models"
)

var ErrEmptyCrop = errors.New("face box does not overlap the frame")

// ExtractFace returns exactly the pixels inside box, with no padding or aspect
// correction. The box is in native frame coordinates relative to the frame's
// top-left corner; the parts that fall outside the frame are clipped.
func ExtractFace(frame image.Image, box models.BoundingBox) (*image.NRGBA, error) {
	if frame == nil {
		return nil, ErrEmptyCrop
	}
	bounds := frame.Bounds()
	clamped := box.Clamp(bounds.Dx(), bounds.Dy())
	if clamped.Empty() {
		return nil, ErrEmptyCrop
	}
	return imaging.Crop(frame, clamped.Rect().Add(bounds.Min)), nil
}

// FaceInput crops box from frame and resizes it to the model input.
func FaceInput(frame image.Image, box models.BoundingBox, width, height int) (*image.NRGBA, error) {
	face, err := ExtractFace(frame, box)
	if err != nil {
		return nil, err
	}
	if face.Bounds().Dx() == width && face.Bounds().Dy() == height {
		return face, nil
	}
	return imaging.Resize(face, width, height, imaging.Linear), nil
}
