package models

import (
	"errors"
	"image"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxClamp(t *testing.T) {
	b := BoxFromCorners(-10, 5, 120, 250).Clamp(100, 200)
	assert.Equal(t, Box{X: 0, Y: 5, Width: 100, Height: 195}, b)
	assert.Equal(t, image.Rect(0, 5, 100, 200), b.Rect())
}

func TestBoxAreaDegenerate(t *testing.T) {
	assert.Zero(t, Box{X: 1, Y: 1, Width: 0, Height: 5}.Area())
	assert.Zero(t, Box{X: 1, Y: 1, Width: -2, Height: 5}.Area())
	assert.Equal(t, float32(12), Box{Width: 3, Height: 4}.Area())
}

func TestDetectionLabel(t *testing.T) {
	names := []string{"person", "bicycle"}
	assert.Equal(t, "bicycle", Detection{ClassID: 1}.Label(names))
	assert.Equal(t, "7", Detection{ClassID: 7}.Label(names))
	assert.Equal(t, "0", Detection{ClassID: 0}.Label(nil))
	assert.Equal(t, "1", Detection{ClassID: 1}.Label([]string{"background", "", "person"}))
}

func TestShape(t *testing.T) {
	s := NewShape(1, 3, 640, 640)
	assert.Equal(t, int64(3*640*640), s.Elements())
	assert.True(t, s.IsStatic())
	assert.Equal(t, "[1 3 640 640]", s.String())

	dynamic := NewShape(-1, 3, 640, 640)
	assert.False(t, dynamic.IsStatic())
	assert.Zero(t, dynamic.Elements())
	assert.True(t, dynamic.Matches(s))
	assert.False(t, NewShape(1, 3, 320, 320).Matches(s))
	assert.False(t, NewShape(1, 3, 640).Matches(s))
}

func TestTensorBufferValidate(t *testing.T) {
	buf := NewTensorBuffer(NewShape(1, 2, 2, 3), LayoutNHWC)
	require.NoError(t, buf.Validate())

	buf.Data = buf.Data[:5]
	assert.Error(t, buf.Validate())
}

func TestModelIOSpecLookups(t *testing.T) {
	spec := ModelIOSpec{
		InputNames:      []string{"images"},
		OutputNames:     []string{"output0"},
		InputShapes:     map[string]Shape{"images": NewShape(1, 3, 640, 640)},
		OutputShapes:    map[string]Shape{"output0": NewShape(1, 84, 8400)},
		AuxiliaryInputs: []string{"im_info"},
	}
	in, ok := spec.InputShape(0)
	require.True(t, ok)
	assert.Equal(t, NewShape(1, 3, 640, 640), in)

	_, ok = spec.OutputShape(1)
	assert.False(t, ok)
	assert.True(t, spec.HasAuxiliaryInput("im_info"))
	assert.False(t, spec.HasAuxiliaryInput("scale"))
}

func TestProcessingErrorIs(t *testing.T) {
	err := NewError(ErrInference, io.ErrUnexpectedEOF, "run %s", "session")
	assert.ErrorIs(t, err, ErrInference)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, errors.Is(err, ErrConfig))
	assert.Equal(t, "inference error: run session: unexpected EOF", err.Error())

	var pe *ProcessingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "run session", pe.Message)
}
