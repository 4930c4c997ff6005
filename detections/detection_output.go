package detections

import (
	"image"

	"github.com/Tutortoise/object-detection-service/models"
)

// BoxConvention is the coordinate unit of a detection-output record.
type BoxConvention int

const (
	// ConventionNormalized coordinates are fractions of the frame.
	ConventionNormalized BoxConvention = iota
	// ConventionInputPixels coordinates are pixels of the network input.
	ConventionInputPixels
)

// detectionOutputConvention inspects the loaded network: an im_info input on
// the first layer means Faster-RCNN/R-FCN style absolute pixels, a final
// DetectionOutput layer means normalized coordinates.
func detectionOutputConvention(io models.ModelIOSpec) (BoxConvention, error) {
	switch {
	case io.HasAuxiliaryInput(imInfoInput):
		return ConventionInputPixels, nil
	case io.OutputLayerType == "DetectionOutput":
		return ConventionNormalized, nil
	}
	layerType := io.OutputLayerType
	if layerType == "" {
		layerType = "unknown"
	}
	return 0, models.NewError(models.ErrUnsupportedOutputFormat, nil, "unknown output layer type: %s", layerType)
}

// DetectionOutputDecoder reads flat [batchId, classId, confidence, left,
// top, right, bottom] records. Class id 0 is the background class and is
// skipped; the rest are shifted down by one.
type DetectionOutputDecoder struct {
	Convention          BoxConvention
	ConfidenceThreshold float32
	NetworkWidth        int
	NetworkHeight       int
}

func (d *DetectionOutputDecoder) Decode(outputs []models.TensorBuffer, frame image.Point) ([]Candidate, error) {
	if err := requireOutputs(outputs, 1); err != nil {
		return nil, err
	}
	data := outputs[0].Data
	if len(data)%detectionOutputRecordSize != 0 {
		return nil, models.NewError(models.ErrUnsupportedOutputFormat, nil, "detection output of %d values is not a multiple of %d", len(data), detectionOutputRecordSize)
	}

	sx, sy := float32(frame.X), float32(frame.Y)
	if d.Convention == ConventionInputPixels {
		sx /= float32(d.NetworkWidth)
		sy /= float32(d.NetworkHeight)
	}

	var candidates []Candidate
	for i := 0; i < len(data); i += detectionOutputRecordSize {
		rec := data[i : i+detectionOutputRecordSize]
		confidence := rec[2]
		if !(confidence > d.ConfidenceThreshold) {
			continue
		}
		classID := int(rec[1]) - 1
		if classID < 0 {
			continue
		}
		candidates = append(candidates, Candidate{
			ClassID: classID,
			Score:   confidence,
			Box:     models.BoxFromCorners(rec[3]*sx, rec[4]*sy, rec[5]*sx, rec[6]*sy),
		})
	}
	return candidates, nil
}
