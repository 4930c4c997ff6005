package models

import (
	"fmt"
	"strings"
)

// Layout tags the memory order of an image tensor.
type Layout int

const (
	// LayoutNCHW is planar, channel-first.
	LayoutNCHW Layout = iota
	// LayoutNHWC is interleaved, channel-last.
	LayoutNHWC
)

func (l Layout) String() string {
	switch l {
	case LayoutNCHW:
		return "NCHW"
	case LayoutNHWC:
		return "NHWC"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// Shape is an ordered list of dimension sizes. Dynamic dimensions are
// reported as -1 by backends that support them.
type Shape []int64

// NewShape copies dims into a Shape.
func NewShape(dims ...int64) Shape {
	s := make(Shape, len(dims))
	copy(s, dims)
	return s
}

// Elements returns the number of values the shape holds. Dynamic
// dimensions count as zero.
func (s Shape) Elements() int64 {
	if len(s) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range s {
		if d < 0 {
			return 0
		}
		n *= d
	}
	return n
}

// IsStatic reports whether every dimension is known.
func (s Shape) IsStatic() bool {
	for _, d := range s {
		if d < 0 {
			return false
		}
	}
	return len(s) > 0
}

// Matches compares two shapes, treating a negative dimension on either
// side as a wildcard.
func (s Shape) Matches(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] < 0 || other[i] < 0 {
			continue
		}
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// TensorBuffer is a contiguous float buffer with its shape. It is owned by
// whoever allocated it; backends copy it rather than aliasing it.
type TensorBuffer struct {
	Data   []float32
	Shape  Shape
	Layout Layout
}

// NewTensorBuffer allocates a zeroed buffer for shape.
func NewTensorBuffer(shape Shape, layout Layout) TensorBuffer {
	return TensorBuffer{
		Data:   make([]float32, shape.Elements()),
		Shape:  shape,
		Layout: layout,
	}
}

// Validate checks that the data length agrees with the shape.
func (t TensorBuffer) Validate() error {
	if !t.Shape.IsStatic() {
		return fmt.Errorf("tensor shape %v is not static", t.Shape)
	}
	if int64(len(t.Data)) != t.Shape.Elements() {
		return fmt.Errorf("tensor holds %d values, shape %v needs %d", len(t.Data), t.Shape, t.Shape.Elements())
	}
	return nil
}

// ModelIOSpec describes a loaded model's bindings. It does not change for
// the lifetime of the backend that produced it.
type ModelIOSpec struct {
	InputNames   []string
	OutputNames  []string
	InputShapes  map[string]Shape
	OutputShapes map[string]Shape

	// OutputLayerType is the type of the network's final layer when the
	// backend can introspect it (OpenCV DNN), e.g. "DetectionOutput" or "Region".
	OutputLayerType string
	// AuxiliaryInputs lists extra inputs exposed by the first layer, such as "im_info".
	AuxiliaryInputs []string
}

// InputShape returns the shape bound to the i-th input.
func (s ModelIOSpec) InputShape(i int) (Shape, bool) {
	if i < 0 || i >= len(s.InputNames) {
		return nil, false
	}
	shape, ok := s.InputShapes[s.InputNames[i]]
	return shape, ok
}

// OutputShape returns the shape bound to the i-th output.
func (s ModelIOSpec) OutputShape(i int) (Shape, bool) {
	if i < 0 || i >= len(s.OutputNames) {
		return nil, false
	}
	shape, ok := s.OutputShapes[s.OutputNames[i]]
	return shape, ok
}

// HasAuxiliaryInput reports whether name is one of the auxiliary inputs.
func (s ModelIOSpec) HasAuxiliaryInput(name string) bool {
	for _, n := range s.AuxiliaryInputs {
		if n == name {
			return true
		}
	}
	return false
}
