package tensors

import (
	"image"
	"runtime"
	"sync"

	"golang.org/x/sys/cpu"
)

var (
	useParallel = cpu.X86.HasAVX2 || cpu.X86.HasSSE41 || cpu.ARM64.HasASIMD
)

// Preprocessor converts images of exactly width x height pixels into a planar
// RGB float buffer scaled to [0,1], the layout the ONNX models expect.
type Preprocessor struct {
	width, height int
	numWorkers    int
}

func NewPreprocessor(width, height int) *Preprocessor {
	return &Preprocessor{
		width:      width,
		height:     height,
		numWorkers: runtime.GOMAXPROCS(0),
	}
}

// Shape is the NCHW shape of the produced tensor.
func (p *Preprocessor) Shape() []int64 {
	return []int64{1, 3, int64(p.height), int64(p.width)}
}

// Tensor converts img into a fresh buffer and returns it with the model
// shape. Pixels outside img's bounds stay zero; the bounds origin maps to
// tensor pixel (0,0).
func (p *Preprocessor) Tensor(img image.Image) ([]float32, []int64) {
	data := make([]float32, p.width*p.height*3)
	if useParallel && p.numWorkers > 1 {
		p.processParallel(img, data)
	} else {
		p.processRows(img, data, 0, p.height)
	}
	return data, p.Shape()
}

func (p *Preprocessor) processParallel(img image.Image, buffer []float32) {
	workers := p.numWorkers
	if workers > p.height {
		workers = p.height
	}
	rowsPerWorker := p.height / workers

	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == workers-1 {
			endRow = p.height
		}

		go func(start, end int) {
			defer wg.Done()
			p.processRows(img, buffer, start, end)
		}(startRow, endRow)
	}

	wg.Wait()
}

func (p *Preprocessor) processRows(img image.Image, buffer []float32, start, end int) {
	channelSize := p.width * p.height
	b := img.Bounds()

	switch src := img.(type) {
	case *image.NRGBA:
		for y := start; y < end && y < b.Dy(); y++ {
			for x := 0; x < p.width && x < b.Dx(); x++ {
				o := src.PixOffset(b.Min.X+x, b.Min.Y+y)
				i := y*p.width + x
				buffer[i] = float32(src.Pix[o]) / 255.0
				buffer[channelSize+i] = float32(src.Pix[o+1]) / 255.0
				buffer[channelSize*2+i] = float32(src.Pix[o+2]) / 255.0
			}
		}
	case *image.RGBA:
		for y := start; y < end && y < b.Dy(); y++ {
			for x := 0; x < p.width && x < b.Dx(); x++ {
				o := src.PixOffset(b.Min.X+x, b.Min.Y+y)
				i := y*p.width + x
				buffer[i] = float32(src.Pix[o]) / 255.0
				buffer[channelSize+i] = float32(src.Pix[o+1]) / 255.0
				buffer[channelSize*2+i] = float32(src.Pix[o+2]) / 255.0
			}
		}
	default:
		for y := start; y < end && y < b.Dy(); y++ {
			for x := 0; x < p.width && x < b.Dx(); x++ {
				i := y*p.width + x
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				buffer[i] = float32(r>>8) / 255.0
				buffer[channelSize+i] = float32(g>>8) / 255.0
				buffer[channelSize*2+i] = float32(bl>>8) / 255.0
			}
		}
	}
}
