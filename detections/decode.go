package detections

import (
	"image"

	"github.com/Tutortoise/object-detection-service/models"
)

// Candidate is a decoded box before NMS, already in source-frame pixels.
type Candidate struct {
	ClassID int
	Score   float32
	Box     models.Box
}

// Decoder interprets raw output tensors. Implementations are pure: the
// same tensors and frame always produce the same candidates.
type Decoder interface {
	Decode(outputs []models.TensorBuffer, frame image.Point) ([]Candidate, error)
}

// NewDecoder resolves the decoding strategy for cfg.Family. io is only
// consulted by families whose layout is self-describing.
func NewDecoder(cfg DetectorConfig, io models.ModelIOSpec) (Decoder, error) {
	switch cfg.Family {
	case FamilySSD, FamilyFasterRCNN:
		convention, err := detectionOutputConvention(io)
		if err != nil {
			return nil, err
		}
		return &DetectionOutputDecoder{
			Convention:          convention,
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			NetworkWidth:        cfg.NetworkWidth,
			NetworkHeight:       cfg.NetworkHeight,
		}, nil

	case FamilyYoloV4:
		return &RegionDecoder{ConfidenceThreshold: cfg.ConfidenceThreshold}, nil

	case FamilyYoloV5, FamilyYoloV7:
		return &RegionDecoder{
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			ObjectnessScaled:    true,
			PixelCoordinates:    !cfg.NormalizedBoxes,
			NetworkWidth:        cfg.NetworkWidth,
			NetworkHeight:       cfg.NetworkHeight,
		}, nil

	case FamilyYoloV8, FamilyYoloV9, FamilyYolo11:
		return &AnchorFreeDecoder{
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			PixelCoordinates:    !cfg.NormalizedBoxes,
			NetworkWidth:        cfg.NetworkWidth,
			NetworkHeight:       cfg.NetworkHeight,
		}, nil

	case FamilyRTDETR:
		return NewQueryDecoder(cfg, querySlots(cfg, io)), nil
	}
	return nil, models.NewError(models.ErrConfig, nil, "no decoder for model family %q", cfg.Family)
}

// NewQueryDecoder builds the fixed-slot variant of the anchor-free decoder.
func NewQueryDecoder(cfg DetectorConfig, slots int) *AnchorFreeDecoder {
	return &AnchorFreeDecoder{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		AcceptanceFloor:     QueryScoreFloor,
		Slots:               slots,
	}
}

func querySlots(cfg DetectorConfig, io models.ModelIOSpec) int {
	if cfg.QuerySlots > 0 {
		return cfg.QuerySlots
	}
	if shape, ok := io.OutputShape(0); ok && len(shape) == 3 && shape[1] > 0 {
		return int(shape[1])
	}
	return DefaultQuerySlots
}

// argmax returns the index and value of the largest score. Ties go to the
// lowest index.
func argmax(scores []float32) (int, float32) {
	best, bestScore := 0, scores[0]
	for i := 1; i < len(scores); i++ {
		if scores[i] > bestScore {
			best, bestScore = i, scores[i]
		}
	}
	return best, bestScore
}

// rowsOf splits a tensor into rows of the trailing dimension.
func rowsOf(t models.TensorBuffer) (rows, cols int, err error) {
	if len(t.Shape) < 2 {
		return 0, 0, models.NewError(models.ErrUnsupportedOutputFormat, nil, "output shape %v has fewer than 2 dimensions", t.Shape)
	}
	cols = int(t.Shape[len(t.Shape)-1])
	if cols <= 0 || len(t.Data)%cols != 0 {
		return 0, 0, models.NewError(models.ErrUnsupportedOutputFormat, nil, "output of %d values does not split into rows of %d", len(t.Data), cols)
	}
	return len(t.Data) / cols, cols, nil
}

func requireOutputs(outputs []models.TensorBuffer, n int) error {
	if len(outputs) < n {
		return models.NewError(models.ErrUnsupportedOutputFormat, nil, "decoder needs %d output tensors, got %d", n, len(outputs))
	}
	return nil
}
