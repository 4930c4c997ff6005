package detections

import (
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/object-detection-service/models"
)

// Preprocessor turns a source image into the network's input tensor.
type Preprocessor struct {
	width, height int
	channels      int
	scale         float32
	mean          [3]float32
	order         ChannelOrder
	layout        models.Layout
	numWorkers    int
}

func NewPreprocessor(cfg DetectorConfig) *Preprocessor {
	return &Preprocessor{
		width:      cfg.NetworkWidth,
		height:     cfg.NetworkHeight,
		channels:   cfg.ChannelCount,
		scale:      cfg.Scale,
		mean:       cfg.Mean,
		order:      cfg.ChannelOrder,
		layout:     cfg.Layout,
		numWorkers: runtime.GOMAXPROCS(0),
	}
}

// OutputShape is the shape every Process call produces.
func (p *Preprocessor) OutputShape() models.Shape {
	if p.layout == models.LayoutNHWC {
		return models.NewShape(1, int64(p.height), int64(p.width), int64(p.channels))
	}
	return models.NewShape(1, int64(p.channels), int64(p.height), int64(p.width))
}

// Process stretches img to the network size with bilinear filtering (no
// letterboxing), converts the channel order, normalizes and lays the values
// out as configured.
func (p *Preprocessor) Process(img image.Image) (models.TensorBuffer, error) {
	if img == nil {
		return models.TensorBuffer{}, models.NewError(models.ErrInvalidInput, nil, "image is nil")
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return models.TensorBuffer{}, models.NewError(models.ErrInvalidInput, nil, "image has zero size %dx%d", b.Dx(), b.Dy())
	}

	resized := imaging.Resize(img, p.width, p.height, imaging.Linear)
	out := models.NewTensorBuffer(p.OutputShape(), p.layout)
	p.processParallel(resized, out.Data)
	return out, nil
}

func (p *Preprocessor) processParallel(img *image.NRGBA, buffer []float32) {
	workers := p.numWorkers
	if workers < 1 {
		workers = 1
	}
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
			for y := start; y < end; y++ {
				p.processRow(img, buffer, y)
			}
		}(startRow, endRow)
	}

	wg.Wait()
}

func (p *Preprocessor) processRow(img *image.NRGBA, buffer []float32, y int) {
	planeSize := p.width * p.height
	row := img.Pix[y*img.Stride : y*img.Stride+p.width*4]

	for x := 0; x < p.width; x++ {
		px := row[x*4 : x*4+3]
		var values [3]float32
		switch {
		case p.channels == 1:
			// ITU-R 601 luma, same weights as image/color.GrayModel.
			values[0] = (0.299*float32(px[0]) + 0.587*float32(px[1]) + 0.114*float32(px[2]))
		case p.order == ChannelOrderBGR:
			values = [3]float32{float32(px[2]), float32(px[1]), float32(px[0])}
		default:
			values = [3]float32{float32(px[0]), float32(px[1]), float32(px[2])}
		}

		i := y*p.width + x
		for c := 0; c < p.channels; c++ {
			v := (values[c] - p.mean[c]) * p.scale
			if p.layout == models.LayoutNHWC {
				buffer[i*p.channels+c] = v
			} else {
				buffer[c*planeSize+i] = v
			}
		}
	}
}
