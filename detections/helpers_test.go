package detections

import (
	"image"
	"image/color"
	"sync"

	"github.com/Tutortoise/object-detection-service/models"
)

// fakeBackend returns canned outputs and records what it was given.
type fakeBackend struct {
	mu      sync.Mutex
	spec    models.ModelIOSpec
	outputs []models.TensorBuffer
	err     error
	calls   int
	inputs  []models.TensorBuffer
	closed  bool

	// entered and release let a test hold a call inside Infer.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeBackend) IOSpec() models.ModelIOSpec {
	return f.spec
}

func (f *fakeBackend) Infer(inputs []models.TensorBuffer) ([]models.TensorBuffer, error) {
	f.mu.Lock()
	f.calls++
	f.inputs = inputs
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}

	out := make([]models.TensorBuffer, len(f.outputs))
	for i, t := range f.outputs {
		out[i] = models.TensorBuffer{
			Data:  append([]float32(nil), t.Data...),
			Shape: models.NewShape(t.Shape...),
		}
	}
	return out, nil
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

// rowMajor packs rows into a [1, rows, attrs] tensor.
func rowMajor(rows [][]float32) models.TensorBuffer {
	attrs := len(rows[0])
	data := make([]float32, 0, attrs*len(rows))
	for _, row := range rows {
		data = append(data, row...)
	}
	return models.TensorBuffer{Data: data, Shape: models.Shape{1, int64(len(rows)), int64(attrs)}}
}

// channelMajor packs rows into a [1, attrs, rows] tensor.
func channelMajor(rows [][]float32) models.TensorBuffer {
	attrs := len(rows[0])
	data := make([]float32, attrs*len(rows))
	for r, row := range rows {
		for a, v := range row {
			data[a*len(rows)+r] = v
		}
	}
	return models.TensorBuffer{Data: data, Shape: models.Shape{1, int64(attrs), int64(len(rows))}}
}

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}
