package tensors

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 10), B: 255, A: 255})
		}
	}
	return img
}

func TestTensorLayout(t *testing.T) {
	p := NewPreprocessor(4, 3)
	data, shape := p.Tensor(gradient(4, 3))

	assert.Equal(t, []int64{1, 3, 3, 4}, shape)
	require.Len(t, data, 3*4*3)

	plane := 4 * 3
	// pixel (x=2, y=1)
	i := 1*4 + 2
	assert.InDelta(t, 20.0/255, data[i], 1e-6)
	assert.InDelta(t, 10.0/255, data[plane+i], 1e-6)
	assert.InDelta(t, 1.0, data[2*plane+i], 1e-6)
}

func TestProcessPathsAgree(t *testing.T) {
	src := gradient(8, 6)

	rgba := image.NewRGBA(src.Bounds())
	gray := image.NewGray(src.Bounds())
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			rgba.Set(x, y, src.At(x, y))
		}
	}

	p := NewPreprocessor(8, 6)
	fromNRGBA, _ := p.Tensor(src)
	fromRGBA, _ := p.Tensor(rgba)
	assert.Equal(t, fromNRGBA, fromRGBA)

	// every path must honour a non-zero bounds origin
	offset := image.NewNRGBA(image.Rect(5, 5, 13, 11))
	offsetRGBA := image.NewRGBA(image.Rect(5, 5, 13, 11))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			offset.Set(x+5, y+5, src.At(x, y))
			offsetRGBA.Set(x+5, y+5, src.At(x, y))
		}
	}
	fromOffset, _ := p.Tensor(offset)
	assert.Equal(t, fromNRGBA, fromOffset)
	fromOffsetRGBA, _ := p.Tensor(offsetRGBA)
	assert.Equal(t, fromNRGBA, fromOffsetRGBA)
	generic := image.Image(struct{ *image.NRGBA }{offset})
	fromGeneric, _ := p.Tensor(generic)
	assert.Equal(t, fromNRGBA, fromGeneric)

	fromGray, _ := p.Tensor(gray)
	for _, v := range fromGray {
		assert.Zero(t, v)
	}
}

func TestSequentialAndParallelAgree(t *testing.T) {
	src := gradient(16, 16)

	p := NewPreprocessor(16, 16)
	seq := make([]float32, 16*16*3)
	p.processRows(src, seq, 0, 16)

	par := make([]float32, 16*16*3)
	p.numWorkers = 4
	p.processParallel(src, par)

	assert.Equal(t, seq, par)
}

func TestSubImageOfLargerFrame(t *testing.T) {
	frame := gradient(20, 20)
	sub := frame.SubImage(image.Rect(6, 4, 10, 7)).(*image.NRGBA)

	p := NewPreprocessor(4, 3)
	data, _ := p.Tensor(sub)

	// tensor pixel (0,0) is frame pixel (6,4)
	assert.InDelta(t, 60.0/255, data[0], 1e-6)
	assert.InDelta(t, 40.0/255, data[12], 1e-6)
	// tensor pixel (3,2) is frame pixel (9,6)
	i := 2*4 + 3
	assert.InDelta(t, 90.0/255, data[i], 1e-6)
	assert.InDelta(t, 60.0/255, data[12+i], 1e-6)
}

func TestSmallerImageLeavesZeros(t *testing.T) {
	p := NewPreprocessor(4, 4)
	data, _ := p.Tensor(gradient(2, 2))

	// (x=3, y=3) lies outside the 2x2 source
	i := 3*4 + 3
	assert.Zero(t, data[i])
	assert.Zero(t, data[16+i])
	assert.Zero(t, data[32+i])

	// a second call must not leak the first image
	p.Tensor(gradient(4, 4))
	again, _ := p.Tensor(gradient(2, 2))
	assert.Equal(t, data, again)
}
