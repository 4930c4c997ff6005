package detections

import (
	"image"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Tutortoise/object-detection-service/models"
)

// Backend is the inference capability a Detector needs. The backend
// package provides ONNX Runtime, TensorFlow Lite and OpenCV DNN versions.
type Backend interface {
	IOSpec() models.ModelIOSpec
	Infer(inputs []models.TensorBuffer) ([]models.TensorBuffer, error)
}

type detectorState int32

const (
	stateUninitialized detectorState = iota
	stateReady
	stateInferring
)

// Detector runs preprocess, inference, decoding and NMS for one model
// family. It is not safe for concurrent use: a call made while another is
// in flight fails with ErrNotReady. Use one Detector (and backend) per
// goroutine, or a pool.
type Detector struct {
	cfg          DetectorConfig
	backend      Backend
	boundInput   models.Shape
	preprocessor *Preprocessor
	decoder      Decoder
	logger       *zap.SugaredLogger
	state        atomic.Int32

	// owned is closed by Close when the Detector opened the backend itself.
	owned interface{ Close() error }
}

// NewDetector validates cfg against the backend's bindings and returns a
// Ready detector. The backend is referenced, not owned.
func NewDetector(cfg DetectorConfig, backend Backend, logger *zap.SugaredLogger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, models.NewError(models.ErrConfig, nil, "no inference backend")
	}

	io := backend.IOSpec()
	preprocessor := NewPreprocessor(cfg)

	var bound models.Shape
	if shape, ok := io.InputShape(0); ok && len(shape) > 0 {
		if !preprocessor.OutputShape().Matches(shape) {
			return nil, models.NewError(models.ErrConfig, nil, "network input %v does not match configured %v (%s)", shape, preprocessor.OutputShape(), cfg.Layout)
		}
		bound = shape
	}

	decoder, err := NewDecoder(cfg, io)
	if err != nil {
		return nil, err
	}

	d := &Detector{
		cfg:          cfg,
		backend:      backend,
		boundInput:   bound,
		preprocessor: preprocessor,
		decoder:      decoder,
		logger:       logger,
	}
	d.state.Store(int32(stateReady))

	logger.Infow("detector ready", "config", cfg.String(), "inputs", io.InputNames, "outputs", io.OutputNames)
	return d, nil
}

// Config returns the configuration the detector was built with.
func (d *Detector) Config() DetectorConfig {
	return d.cfg
}

// Ready reports whether Detect can be called.
func (d *Detector) Ready() bool {
	return d != nil && detectorState(d.state.Load()) == stateReady
}

// Detect returns the detections for img in img's pixel coordinates.
func (d *Detector) Detect(img image.Image) ([]models.Detection, error) {
	return d.DetectWithTimings(img, &models.ProcessingTimings{})
}

// DetectWithTimings is Detect that also records per-stage durations.
func (d *Detector) DetectWithTimings(img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if d == nil {
		return nil, models.NewError(models.ErrNotReady, nil, "detector is not initialized")
	}
	if !d.state.CompareAndSwap(int32(stateReady), int32(stateInferring)) {
		if detectorState(d.state.Load()) == stateInferring {
			return nil, models.NewError(models.ErrNotReady, nil, "detector is busy")
		}
		return nil, models.NewError(models.ErrNotReady, nil, "detector is not initialized")
	}
	defer d.state.CompareAndSwap(int32(stateInferring), int32(stateReady))

	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	prepStart := time.Now()
	input, err := d.preprocessor.Process(img)
	if err != nil {
		return nil, err
	}
	if d.boundInput != nil && !input.Shape.Matches(d.boundInput) {
		return nil, models.NewError(models.ErrConfig, nil, "input tensor %v does not match bound shape %v", input.Shape, d.boundInput)
	}
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	outputs, err := d.backend.Infer([]models.TensorBuffer{input})
	if err != nil {
		return nil, err
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	frame := image.Pt(img.Bounds().Dx(), img.Bounds().Dy())
	candidates, err := d.decoder.Decode(outputs, frame)
	if err != nil {
		return nil, err
	}
	timings.Postprocess = time.Since(postStart)

	nmsStart := time.Now()
	detections := d.suppress(candidates, frame)
	timings.NMS = time.Since(nmsStart)

	d.logger.Debugw("frame processed",
		"candidates", len(candidates),
		"detections", len(detections),
		"preprocess", timings.Preprocess,
		"inference", timings.Inference,
		"postprocess", timings.Postprocess,
		"nms", timings.NMS)

	return detections, nil
}

func (d *Detector) suppress(candidates []Candidate, frame image.Point) []models.Detection {
	if len(candidates) == 0 {
		return []models.Detection{}
	}

	boxes := make([]models.Box, len(candidates))
	scores := make([]float32, len(candidates))
	classIDs := make([]int, len(candidates))
	for i, c := range candidates {
		boxes[i] = c.Box
		scores[i] = c.Score
		classIDs[i] = c.ClassID
	}

	var keep []int
	if d.cfg.ClassAwareNMS {
		keep = NMSPerClass(boxes, scores, classIDs, d.cfg.NMSThreshold)
	} else {
		keep = NMS(boxes, scores, d.cfg.NMSThreshold)
	}

	detections := make([]models.Detection, 0, len(keep))
	for _, idx := range keep {
		c := candidates[idx]
		if len(d.cfg.ClassNames) > 0 && c.ClassID >= len(d.cfg.ClassNames) {
			d.logger.Debugw("class id outside label list", "class_id", c.ClassID, "labels", len(d.cfg.ClassNames))
		}
		detections = append(detections, models.Detection{
			ClassID: c.ClassID,
			Score:   c.Score,
			Box:     c.Box.Clamp(frame.X, frame.Y),
		})
	}
	return detections
}

// Close releases the backend if the detector opened it. Closing a detector
// built with NewDetector leaves the backend to its owner.
func (d *Detector) Close() error {
	if d == nil {
		return nil
	}
	d.state.Store(int32(stateUninitialized))
	if d.owned != nil {
		owned := d.owned
		d.owned = nil
		return owned.Close()
	}
	return nil
}
