package detections

import (
	"image"

	"github.com/Tutortoise/object-detection-service/models"
)

// RegionDecoder reads anchor-grid rows [cx, cy, w, h, objectness, class...].
// Every output tensor is decoded, so multi-scale heads can be passed as is.
type RegionDecoder struct {
	ConfidenceThreshold float32
	// ObjectnessScaled multiplies the best class score by field 4.
	ObjectnessScaled bool
	// PixelCoordinates marks boxes in network-input pixels rather than
	// fractions of the image.
	PixelCoordinates bool
	NetworkWidth     int
	NetworkHeight    int
}

func (d *RegionDecoder) Decode(outputs []models.TensorBuffer, frame image.Point) ([]Candidate, error) {
	if err := requireOutputs(outputs, 1); err != nil {
		return nil, err
	}

	sx, sy := float32(frame.X), float32(frame.Y)
	if d.PixelCoordinates {
		sx /= float32(d.NetworkWidth)
		sy /= float32(d.NetworkHeight)
	}

	var candidates []Candidate
	for _, out := range outputs {
		rows, cols, err := rowsOf(out)
		if err != nil {
			return nil, err
		}
		if cols <= regionBoxFields {
			return nil, models.NewError(models.ErrUnsupportedOutputFormat, nil, "region rows have %d fields, need more than %d", cols, regionBoxFields)
		}

		for r := 0; r < rows; r++ {
			row := out.Data[r*cols : (r+1)*cols]
			classID, score := argmax(row[regionBoxFields:])
			if d.ObjectnessScaled {
				score *= row[4]
			}
			if !(score > d.ConfidenceThreshold) {
				continue
			}

			centerX, centerY := row[0]*sx, row[1]*sy
			width, height := row[2]*sx, row[3]*sy
			candidates = append(candidates, Candidate{
				ClassID: classID,
				Score:   score,
				Box: models.Box{
					X:      centerX - width/2,
					Y:      centerY - height/2,
					Width:  width,
					Height: height,
				},
			})
		}
	}
	return candidates, nil
}
