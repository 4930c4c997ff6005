package detections

import (
	"image"

	"github.com/Tutortoise/object-detection-service/models"
)

// AnchorFreeDecoder reads rows of [cx, cy, w, h, class scores...] from a
// [1, rows, 4+C] output, or from the channel-major [1, 4+C, rows] export
// when the middle axis is the shorter one or the last axis cannot hold a
// box and a score. With Slots set it decodes query heads whose row count is
// fixed by the architecture. It never suppresses duplicates itself; the
// Detector runs NMS afterwards for every family.
type AnchorFreeDecoder struct {
	ConfidenceThreshold float32
	// AcceptanceFloor is a fixed minimum applied on top of the threshold.
	AcceptanceFloor float32
	// Slots, when positive, is the required number of rows.
	Slots int
	// PixelCoordinates marks boxes in network-input pixels.
	PixelCoordinates bool
	NetworkWidth     int
	NetworkHeight    int
}

func (d *AnchorFreeDecoder) Decode(outputs []models.TensorBuffer, frame image.Point) ([]Candidate, error) {
	if err := requireOutputs(outputs, 1); err != nil {
		return nil, err
	}
	out := outputs[0]

	rows, attrs, channelMajor, err := d.dims(out)
	if err != nil {
		return nil, err
	}

	threshold := d.ConfidenceThreshold
	if d.AcceptanceFloor > threshold {
		threshold = d.AcceptanceFloor
	}

	sx, sy := float32(frame.X), float32(frame.Y)
	if d.PixelCoordinates {
		sx /= float32(d.NetworkWidth)
		sy /= float32(d.NetworkHeight)
	}

	at := func(r, a int) float32 {
		if channelMajor {
			return out.Data[a*rows+r]
		}
		return out.Data[r*attrs+a]
	}

	numClasses := attrs - anchorFreeBoxFields
	scores := make([]float32, numClasses)
	var candidates []Candidate
	for r := 0; r < rows; r++ {
		for c := 0; c < numClasses; c++ {
			scores[c] = at(r, anchorFreeBoxFields+c)
		}
		classID, score := argmax(scores)
		if !(score > threshold) {
			continue
		}

		cx, cy, w, h := at(r, 0), at(r, 1), at(r, 2), at(r, 3)
		x1, y1 := (cx-w/2)*sx, (cy-h/2)*sy
		x2, y2 := (cx+w/2)*sx, (cy+h/2)*sy
		candidates = append(candidates, Candidate{
			ClassID: classID,
			Score:   score,
			Box:     models.BoxFromCorners(x1, y1, x2, y2),
		})
	}
	return candidates, nil
}

// dims reports the row count, the fields per row and whether the output is
// channel-major. Query heads always keep one slot per row.
func (d *AnchorFreeDecoder) dims(out models.TensorBuffer) (rows, attrs int, channelMajor bool, err error) {
	shape := out.Shape
	if len(shape) == 3 {
		if shape[0] != 1 {
			return 0, 0, false, models.NewError(models.ErrUnsupportedOutputFormat, nil, "batched output %v is not supported", shape)
		}
		shape = shape[1:]
	}
	if len(shape) != 2 {
		return 0, 0, false, models.NewError(models.ErrUnsupportedOutputFormat, nil, "output shape %v, want [1, rows, 4+classes]", out.Shape)
	}

	rows, attrs = int(shape[0]), int(shape[1])
	if d.Slots == 0 && rows > anchorFreeBoxFields && (rows < attrs || attrs <= anchorFreeBoxFields) {
		rows, attrs, channelMajor = attrs, rows, true
	}
	if attrs <= anchorFreeBoxFields {
		return 0, 0, false, models.NewError(models.ErrUnsupportedOutputFormat, nil, "rows have %d fields, need more than %d", attrs, anchorFreeBoxFields)
	}
	if rows*attrs != len(out.Data) {
		return 0, 0, false, models.NewError(models.ErrUnsupportedOutputFormat, nil, "output holds %d values, shape %v needs %d", len(out.Data), out.Shape, rows*attrs)
	}
	if d.Slots > 0 && rows != d.Slots {
		return 0, 0, false, models.NewError(models.ErrUnsupportedOutputFormat, nil, "query head has %d slots, want %d", rows, d.Slots)
	}
	return rows, attrs, channelMajor, nil
}
