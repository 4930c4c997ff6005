package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"
)

// stubBackend answers every Infer call with the same anchor-free output.
type stubBackend struct {
	mu     sync.Mutex
	output models.TensorBuffer
	err    error
	calls  int
}

func (s *stubBackend) IOSpec() models.ModelIOSpec {
	return models.ModelIOSpec{
		InputNames:  []string{"images"},
		OutputNames: []string{"output0"},
		InputShapes: map[string]models.Shape{"images": {1, 3, 32, 32}},
	}
}

func (s *stubBackend) Infer([]models.TensorBuffer) ([]models.TensorBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []models.TensorBuffer{{
		Data:  append([]float32(nil), s.output.Data...),
		Shape: models.NewShape(s.output.Shape...),
	}}, nil
}

func testDetectorConfig() detections.DetectorConfig {
	cfg := detections.DefaultConfig(detections.FamilyYoloV8)
	cfg.NetworkWidth, cfg.NetworkHeight = 32, 32
	cfg.ClassNames = []string{"person", "car"}
	return cfg
}

// personOutput is a [1, 6, 1] channel-major head holding one person box
// centred in the network input.
func personOutput() models.TensorBuffer {
	return models.TensorBuffer{
		Data:  []float32{16, 16, 8, 8, 0.9, 0.1},
		Shape: models.Shape{1, 6, 1},
	}
}

func stubFactory(t *testing.T, b *stubBackend) DetectorFactory {
	return func() (*detections.Detector, error) {
		d, err := detections.NewDetector(testDetectorConfig(), b, nil)
		require.NoError(t, err)
		return d, nil
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func nopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
