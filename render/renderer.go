package render

import (
	"image"
	"image/color"
	"image/draw"
	"strconv"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/Tutortoise/face-prediction-demo/models"
	"github.com/Tutortoise/face-prediction-demo/tracker"
)

type Options struct {
	Mirrored   bool
	BoxColor   color.Color
	TextColor  color.Color
	LabelColor color.Color
	Thickness  int
	// Precision is the number of decimals shown for a prediction.
	Precision int
}

func (o Options) withDefaults() Options {
	if o.BoxColor == nil {
		o.BoxColor = color.RGBA{R: 0, G: 230, B: 64, A: 255}
	}
	if o.TextColor == nil {
		o.TextColor = color.White
	}
	if o.LabelColor == nil {
		o.LabelColor = color.RGBA{A: 200}
	}
	if o.Thickness <= 0 {
		o.Thickness = 3
	}
	if o.Precision < 0 {
		o.Precision = 0
	}
	return o
}

const labelPadding = 3

// Renderer draws face boxes and their predictions onto an overlay that lines
// up pixel for pixel with the native frame. When mirrored, box positions
// follow the flipped frame but the label text stays readable.
type Renderer struct {
	opts Options
	face font.Face

	mu       sync.Mutex
	mirrored bool
	overlay  *image.RGBA
}

func New(opts Options) *Renderer {
	opts = opts.withDefaults()
	return &Renderer{
		opts:     opts,
		face:     basicfont.Face7x13,
		mirrored: opts.Mirrored,
		overlay:  image.NewRGBA(image.Rect(0, 0, 0, 0)),
	}
}

// Sync resizes the overlay buffer to the native frame size. It reports
// whether the size changed.
func (r *Renderer) Sync(width, height int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncLocked(width, height)
}

func (r *Renderer) syncLocked(width, height int) bool {
	b := r.overlay.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return false
	}
	r.overlay = image.NewRGBA(image.Rect(0, 0, width, height))
	return true
}

func (r *Renderer) SetMirrored(mirrored bool) {
	r.mu.Lock()
	r.mirrored = mirrored
	r.mu.Unlock()
}

func (r *Renderer) Mirrored() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mirrored
}

// DisplayBox maps a native box into display coordinates of a frame of the
// given width, flipping horizontally when mirrored.
func DisplayBox(box models.BoundingBox, frameWidth int, mirrored bool) models.BoundingBox {
	if !mirrored {
		return box
	}
	box.X = frameWidth - box.X - box.Width
	return box
}

// Label formats a prediction for display; empty when there is none yet.
func Label(p *models.Prediction, precision int) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(p.Value, 'f', precision, 64)
}

// Overlay draws tracks onto a cleared, transparent overlay and returns a copy
// the caller may keep.
func (r *Renderer) Overlay(tracks []tracker.Track) *image.RGBA {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drawLocked(tracks)

	out := image.NewRGBA(r.overlay.Bounds())
	copy(out.Pix, r.overlay.Pix)
	return out
}

// Annotate composites the frame, flipped when mirrored, with the overlay.
func (r *Renderer) Annotate(frame image.Image, tracks []tracker.Track) *image.NRGBA {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := frame.Bounds()
	r.syncLocked(b.Dx(), b.Dy())
	r.drawLocked(tracks)

	var base *image.NRGBA
	if r.mirrored {
		base = imaging.FlipH(frame)
	} else {
		base = imaging.Clone(frame)
	}
	draw.Draw(base, base.Bounds(), r.overlay, image.Point{}, draw.Over)
	return base
}

func (r *Renderer) drawLocked(tracks []tracker.Track) {
	draw.Draw(r.overlay, r.overlay.Bounds(), image.Transparent, image.Point{}, draw.Src)

	width := r.overlay.Bounds().Dx()
	for _, t := range tracks {
		box := DisplayBox(t.Box, width, r.mirrored)
		r.drawRect(box)
		if label := Label(t.Prediction, r.opts.Precision); label != "" {
			r.drawLabel(box, label)
		}
	}
}

func (r *Renderer) drawRect(box models.BoundingBox) {
	th := r.opts.Thickness
	src := image.NewUniform(r.opts.BoxColor)
	rect := box.Rect()
	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+th),
		image.Rect(rect.Min.X, rect.Max.Y-th, rect.Max.X, rect.Max.Y),
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+th, rect.Max.Y),
		image.Rect(rect.Max.X-th, rect.Min.Y, rect.Max.X, rect.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(r.overlay, e.Intersect(r.overlay.Bounds()), src, image.Point{}, draw.Src)
	}
}

// drawLabel puts text above the box, or below it when the box touches the top
// edge. Glyphs are never flipped.
func (r *Renderer) drawLabel(box models.BoundingBox, text string) {
	metrics := r.face.Metrics()
	textW := font.MeasureString(r.face, text).Ceil()
	textH := (metrics.Ascent + metrics.Descent).Ceil()
	bgW := textW + 2*labelPadding
	bgH := textH + 2*labelPadding

	x := box.X
	y := box.Y - bgH
	if y < 0 {
		y = box.Y + box.Height
	}
	bounds := r.overlay.Bounds()
	if x+bgW > bounds.Max.X {
		x = bounds.Max.X - bgW
	}
	if x < 0 {
		x = 0
	}
	if y+bgH > bounds.Max.Y {
		y = bounds.Max.Y - bgH
	}

	bg := image.Rect(x, y, x+bgW, y+bgH)
	draw.Draw(r.overlay, bg.Intersect(bounds), image.NewUniform(r.opts.LabelColor), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  r.overlay,
		Src:  image.NewUniform(r.opts.TextColor),
		Face: r.face,
		Dot:  fixed.P(x+labelPadding, y+labelPadding+metrics.Ascent.Ceil()),
	}
	d.DrawString(text)
}
