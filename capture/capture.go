package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

var (
	ErrClosed     = errors.New("capture source closed")
	ErrEmptyImage = errors.New("image has no pixels")
)

// Frame is one captured image in its native resolution.
type Frame struct {
	Image      image.Image
	Seq        uint64
	Width      int
	Height     int
	CapturedAt time.Time
}

// Source produces frames for the pipeline.
type Source interface {
	// Latest returns the newest frame, if any has arrived.
	Latest() (Frame, bool)
	// Err reports a capture failure; the pipeline stops when it is set.
	Err() error
}

// DecodeImage decodes an uploaded image, applying its EXIF orientation.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	return img, nil
}

func DecodeBytes(data []byte) (image.Image, error) {
	return DecodeImage(bytes.NewReader(data))
}

// Still is a source holding a single decoded image.
type Still struct {
	frame Frame
}

func NewStill(img image.Image) *Still {
	b := img.Bounds()
	return &Still{frame: Frame{
		Image:      img,
		Seq:        1,
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: time.Now(),
	}}
}

func (s *Still) Latest() (Frame, bool) { return s.frame, true }
func (s *Still) Err() error            { return nil }

// Live holds the most recent frame of a camera stream. Publishing never
// blocks: a frame not yet consumed is replaced by the next one.
type Live struct {
	mu          sync.Mutex
	frame       *Frame
	seq         uint64
	consumed    bool
	overwritten uint64
	err         error
	closed      bool
	updates     chan struct{}
}

func NewLive() *Live {
	return &Live{updates: make(chan struct{}, 1)}
}

func (l *Live) Publish(img image.Image) error {
	if img == nil || img.Bounds().Empty() {
		return ErrEmptyImage
	}
	b := img.Bounds()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.seq++
	if l.frame != nil && !l.consumed {
		l.overwritten++
	}
	l.frame = &Frame{
		Image:      img,
		Seq:        l.seq,
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: time.Now(),
	}
	l.consumed = false
	l.mu.Unlock()

	l.signal()
	return nil
}

// PublishEncoded decodes a JPEG/PNG frame and publishes it.
func (l *Live) PublishEncoded(data []byte) error {
	img, err := DecodeBytes(data)
	if err != nil {
		return err
	}
	return l.Publish(img)
}

func (l *Live) Latest() (Frame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frame == nil {
		return Frame{}, false
	}
	l.consumed = true
	return *l.frame, true
}

// Overwritten counts frames replaced before anyone read them.
func (l *Live) Overwritten() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overwritten
}

// Fail records a capture failure such as a denied camera permission.
func (l *Live) Fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *Live) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Live) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

// Updates fires after a publish, failure or close.
func (l *Live) Updates() <-chan struct{} {
	return l.updates
}

func (l *Live) signal() {
	select {
	case l.updates <- struct{}{}:
	default:
	}
}
