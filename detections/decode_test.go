package detections

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/object-detection-service/models"
)

func TestRegionDecoder_SingleConfidentRow(t *testing.T) {
	t.Parallel()

	rows := make([][]float32, 6)
	for i := range rows {
		rows[i] = make([]float32, regionBoxFields+4)
		rows[i][0], rows[i][1], rows[i][2], rows[i][3] = 0.5, 0.5, 0.1, 0.1
		rows[i][regionBoxFields+1] = 0.1
	}
	rows[2] = []float32{0.5, 0.25, 0.2, 0.1, 0.95, 0, 0.2, 0.1, 0.9}

	dec := &RegionDecoder{ConfidenceThreshold: 0.25}
	got, err := dec.Decode([]models.TensorBuffer{rowMajor(rows)}, image.Pt(200, 100))
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, 3, got[0].ClassID)
	assert.InDelta(t, 0.9, got[0].Score, 1e-6)
	assert.InDelta(t, 80, got[0].Box.X, 1e-3)
	assert.InDelta(t, 20, got[0].Box.Y, 1e-3)
	assert.InDelta(t, 40, got[0].Box.Width, 1e-3)
	assert.InDelta(t, 10, got[0].Box.Height, 1e-3)
}

func TestRegionDecoder_MultipleHeadsAndObjectness(t *testing.T) {
	t.Parallel()

	small := rowMajor([][]float32{{32, 32, 16, 16, 0.5, 0.9, 0.1}})
	large := rowMajor([][]float32{{64, 64, 32, 32, 0.2, 0.1, 0.9}})

	dec := &RegionDecoder{
		ConfidenceThreshold: 0.25,
		ObjectnessScaled:    true,
		PixelCoordinates:    true,
		NetworkWidth:        64,
		NetworkHeight:       64,
	}
	got, err := dec.Decode([]models.TensorBuffer{small, large}, image.Pt(128, 128))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].ClassID)
	assert.InDelta(t, 0.45, got[0].Score, 1e-6)
	assert.InDelta(t, 48, got[0].Box.X, 1e-3)
	assert.InDelta(t, 32, got[0].Box.Width, 1e-3)
}

func TestRegionDecoder_RejectsShortRows(t *testing.T) {
	t.Parallel()

	dec := &RegionDecoder{ConfidenceThreshold: 0.25}
	_, err := dec.Decode([]models.TensorBuffer{rowMajor([][]float32{{1, 2, 3, 4, 5}})}, image.Pt(10, 10))
	assert.ErrorIs(t, err, models.ErrUnsupportedOutputFormat)

	_, err = dec.Decode(nil, image.Pt(10, 10))
	assert.ErrorIs(t, err, models.ErrUnsupportedOutputFormat)
}

func TestDetectionOutputDecoder_Normalized(t *testing.T) {
	t.Parallel()

	out := models.TensorBuffer{
		Data: []float32{
			0, 5, 0.8, 0.1, 0.1, 0.5, 0.5,
			0, 0, 0.99, 0, 0, 1, 1,
			0, 2, 0.1, 0, 0, 1, 1,
		},
		Shape: models.Shape{1, 1, 3, 7},
	}
	dec := &DetectionOutputDecoder{Convention: ConventionNormalized, ConfidenceThreshold: 0.5}
	got, err := dec.Decode([]models.TensorBuffer{out}, image.Pt(100, 200))
	require.NoError(t, err)
	require.Len(t, got, 1)

	d := got[0]
	assert.Equal(t, 4, d.ClassID)
	assert.InDelta(t, 0.8, d.Score, 1e-6)
	assert.InDelta(t, 10, d.Box.X, 1e-3)
	assert.InDelta(t, 20, d.Box.Y, 1e-3)
	assert.InDelta(t, 50, d.Box.Right(), 1e-3)
	assert.InDelta(t, 100, d.Box.Bottom(), 1e-3)
}

func TestDetectionOutputDecoder_InputPixels(t *testing.T) {
	t.Parallel()

	out := models.TensorBuffer{
		Data:  []float32{0, 2, 0.9, 30, 60, 150, 150},
		Shape: models.Shape{1, 1, 1, 7},
	}
	dec := &DetectionOutputDecoder{
		Convention:          ConventionInputPixels,
		ConfidenceThreshold: 0.5,
		NetworkWidth:        300,
		NetworkHeight:       300,
	}
	got, err := dec.Decode([]models.TensorBuffer{out}, image.Pt(600, 900))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ClassID)
	assert.InDelta(t, 60, got[0].Box.X, 1e-3)
	assert.InDelta(t, 180, got[0].Box.Y, 1e-3)
	assert.InDelta(t, 300, got[0].Box.Right(), 1e-3)
	assert.InDelta(t, 450, got[0].Box.Bottom(), 1e-3)
}

func TestDetectionOutputDecoder_RaggedOutput(t *testing.T) {
	t.Parallel()

	dec := &DetectionOutputDecoder{ConfidenceThreshold: 0.5}
	_, err := dec.Decode([]models.TensorBuffer{{Data: make([]float32, 9), Shape: models.Shape{9}}}, image.Pt(10, 10))
	assert.ErrorIs(t, err, models.ErrUnsupportedOutputFormat)
}

func TestNewDecoder_DetectionOutputConvention(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig(FamilySSD)

	dec, err := NewDecoder(cfg, models.ModelIOSpec{OutputLayerType: "DetectionOutput"})
	require.NoError(t, err)
	assert.Equal(t, ConventionNormalized, dec.(*DetectionOutputDecoder).Convention)

	dec, err = NewDecoder(DefaultConfig(FamilyFasterRCNN), models.ModelIOSpec{AuxiliaryInputs: []string{"im_info"}})
	require.NoError(t, err)
	assert.Equal(t, ConventionInputPixels, dec.(*DetectionOutputDecoder).Convention)

	_, err = NewDecoder(cfg, models.ModelIOSpec{OutputLayerType: "Region"})
	assert.ErrorIs(t, err, models.ErrUnsupportedOutputFormat)
	assert.Contains(t, err.Error(), "unknown output layer type: Region")

	_, err = NewDecoder(cfg, models.ModelIOSpec{})
	assert.ErrorIs(t, err, models.ErrUnsupportedOutputFormat)
}

func TestDecoders_ThresholdIsStrict(t *testing.T) {
	t.Parallel()

	frame := image.Pt(100, 100)

	region := &RegionDecoder{ConfidenceThreshold: 0.5}
	got, err := region.Decode([]models.TensorBuffer{rowMajor([][]float32{
		{0.5, 0.5, 0.1, 0.1, 1, 0.5, 0},
		{0.5, 0.5, 0.1, 0.1, 1, 0.5000001, 0},
	})}, frame)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	seven := &DetectionOutputDecoder{ConfidenceThreshold: 0.5}
	got, err = seven.Decode([]models.TensorBuffer{{Data: []float32{0, 1, 0.5, 0, 0, 1, 1}, Shape: models.Shape{1, 7}}}, frame)
	require.NoError(t, err)
	assert.Empty(t, got)

	anchorFree := &AnchorFreeDecoder{ConfidenceThreshold: 0.5}
	got, err = anchorFree.Decode([]models.TensorBuffer{rowMajor([][]float32{{0.5, 0.5, 0.1, 0.1, 0.5}})}, frame)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAnchorFreeDecoder_RoundTrip(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig(FamilyYoloV8)
	dec, err := NewDecoder(cfg, models.ModelIOSpec{})
	require.NoError(t, err)

	rows := [][]float32{
		{320, 240, 100, 50, 0.05, 0.8},
		{10, 10, 5, 5, 0.1, 0.2},
	}
	got, err := dec.Decode([]models.TensorBuffer{channelMajor(rows)}, image.Pt(640, 640))
	require.NoError(t, err)
	require.Len(t, got, 1)

	b := got[0].Box
	assert.Equal(t, 1, got[0].ClassID)
	assert.InEpsilon(t, 270, b.X, 1e-3)
	assert.InEpsilon(t, 215, b.Y, 1e-3)
	assert.InEpsilon(t, 370, b.Right(), 1e-3)
	assert.InEpsilon(t, 265, b.Bottom(), 1e-3)
}

func TestAnchorFreeDecoder_ScalesToFrame(t *testing.T) {
	t.Parallel()

	dec := &AnchorFreeDecoder{
		ConfidenceThreshold: 0.25,
		PixelCoordinates:    true,
		NetworkWidth:        640,
		NetworkHeight:       640,
	}
	got, err := dec.Decode([]models.TensorBuffer{channelMajor([][]float32{{320, 320, 64, 64, 0.9}})}, image.Pt(1280, 320))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 576, got[0].Box.X, 1e-3)
	assert.InDelta(t, 144, got[0].Box.Y, 1e-3)
	assert.InDelta(t, 128, got[0].Box.Width, 1e-3)
	assert.InDelta(t, 32, got[0].Box.Height, 1e-3)
}

func TestAnchorFreeDecoder_RowMajorPixels(t *testing.T) {
	t.Parallel()

	dec, err := NewDecoder(DefaultConfig(FamilyYoloV8), models.ModelIOSpec{})
	require.NoError(t, err)

	rows := make([][]float32, 10)
	for i := range rows {
		rows[i] = make([]float32, 6)
	}
	rows[3] = []float32{320, 320, 64, 64, 0, 0.9}

	got, err := dec.Decode([]models.TensorBuffer{rowMajor(rows)}, image.Pt(640, 640))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ClassID)
	assert.InDelta(t, 288, got[0].Box.X, 1e-3)
	assert.InDelta(t, 64, got[0].Box.Width, 1e-3)
}

func TestAnchorFreeDecoder_RowMajorNormalized(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig(FamilyYoloV8)
	cfg.NormalizedBoxes = true
	dec, err := NewDecoder(cfg, models.ModelIOSpec{})
	require.NoError(t, err)

	rows := [][]float32{
		{0.5, 0.5, 0.25, 0.5, 0.1, 0.7},
		{0.1, 0.1, 0.1, 0.1, 0.2, 0.1},
		{0.2, 0.2, 0.1, 0.1, 0.1, 0.1},
		{0.3, 0.3, 0.1, 0.1, 0.1, 0.1},
		{0.4, 0.4, 0.1, 0.1, 0.1, 0.1},
		{0.6, 0.6, 0.1, 0.1, 0.1, 0.1},
		{0.7, 0.7, 0.1, 0.1, 0.1, 0.1},
	}
	got, err := dec.Decode([]models.TensorBuffer{rowMajor(rows)}, image.Pt(200, 100))
	require.NoError(t, err)
	require.Len(t, got, 1)

	b := got[0].Box
	assert.Equal(t, 1, got[0].ClassID)
	assert.InDelta(t, 75, b.X, 1e-3)
	assert.InDelta(t, 25, b.Y, 1e-3)
	assert.InDelta(t, 125, b.Right(), 1e-3)
	assert.InDelta(t, 75, b.Bottom(), 1e-3)
}

func TestAnchorFreeDecoder_Orientation(t *testing.T) {
	t.Parallel()

	dec := &AnchorFreeDecoder{ConfidenceThreshold: 0.5}
	row := []float32{0.5, 0.5, 0.2, 0.2, 0.1, 0.9, 0.3}
	frame := image.Pt(100, 100)

	many := make([][]float32, 12)
	for i := range many {
		many[i] = make([]float32, len(row))
	}
	many[5] = row

	for name, out := range map[string]models.TensorBuffer{
		"row major":     rowMajor(many),
		"channel major": channelMajor(many),
		"single row":    rowMajor([][]float32{row}),
		"single column": channelMajor([][]float32{row}),
	} {
		got, err := dec.Decode([]models.TensorBuffer{out}, frame)
		require.NoError(t, err, name)
		require.Len(t, got, 1, name)
		assert.Equal(t, 1, got[0].ClassID, name)
		assert.InDelta(t, 40, got[0].Box.X, 1e-3, name)
	}
}

func TestAnchorFreeDecoder_RejectsBadShapes(t *testing.T) {
	t.Parallel()

	dec := &AnchorFreeDecoder{ConfidenceThreshold: 0.25}
	frame := image.Pt(10, 10)

	_, err := dec.Decode([]models.TensorBuffer{{Data: make([]float32, 10), Shape: models.Shape{2, 1, 5}}}, frame)
	assert.ErrorIs(t, err, models.ErrUnsupportedOutputFormat)

	_, err = dec.Decode([]models.TensorBuffer{{Data: make([]float32, 8), Shape: models.Shape{1, 2, 4}}}, frame)
	assert.ErrorIs(t, err, models.ErrUnsupportedOutputFormat)

	_, err = dec.Decode([]models.TensorBuffer{{Data: make([]float32, 9), Shape: models.Shape{1, 2, 5}}}, frame)
	assert.ErrorIs(t, err, models.ErrUnsupportedOutputFormat)
}

func TestQueryDecoder_FloorAndSlots(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig(FamilyRTDETR)
	cfg.ConfidenceThreshold = 0.1
	dec := NewQueryDecoder(cfg, 3)

	rows := [][]float32{
		{0.5, 0.5, 0.2, 0.4, 0.44, 0.1},
		{0.25, 0.25, 0.1, 0.1, 0.1, 0.46},
		{0.5, 0.5, 0.1, 0.1, 0.45, 0.0},
	}
	got, err := dec.Decode([]models.TensorBuffer{rowMajor(rows)}, image.Pt(200, 100))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ClassID)
	assert.InDelta(t, 40, got[0].Box.X, 1e-3)
	assert.InDelta(t, 20, got[0].Box.Y, 1e-3)

	_, err = dec.Decode([]models.TensorBuffer{rowMajor(rows[:2])}, image.Pt(200, 100))
	assert.ErrorIs(t, err, models.ErrUnsupportedOutputFormat)
}

func TestQuerySlots(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig(FamilyRTDETR)
	assert.Equal(t, DefaultQuerySlots, querySlots(cfg, models.ModelIOSpec{}))

	io := models.ModelIOSpec{
		OutputNames:  []string{"output"},
		OutputShapes: map[string]models.Shape{"output": {1, 100, 84}},
	}
	assert.Equal(t, 100, querySlots(cfg, io))

	cfg.QuerySlots = 50
	assert.Equal(t, 50, querySlots(cfg, io))
}

func TestArgmax_FirstWins(t *testing.T) {
	t.Parallel()

	idx, v := argmax([]float32{0.2, 0.7, 0.7, 0.1})
	assert.Equal(t, 1, idx)
	assert.InDelta(t, 0.7, v, 1e-6)
}
