package models

import (
	"image"
	"math"
	"strconv"
	"time"
)

// Box is an axis-aligned rectangle in pixel coordinates.
type Box struct {
	X      float32
	Y      float32
	Width  float32
	Height float32
}

// BoxFromCorners builds a Box from its top-left and bottom-right corners.
func BoxFromCorners(x1, y1, x2, y2 float32) Box {
	return Box{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// Right returns the x coordinate of the right edge.
func (b Box) Right() float32 { return b.X + b.Width }

// Bottom returns the y coordinate of the bottom edge.
func (b Box) Bottom() float32 { return b.Y + b.Height }

// Area is zero for degenerate boxes.
func (b Box) Area() float32 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Clamp clips the box to a width x height frame.
func (b Box) Clamp(width, height int) Box {
	x1 := clamp(b.X, 0, float32(width))
	y1 := clamp(b.Y, 0, float32(height))
	x2 := clamp(b.Right(), 0, float32(width))
	y2 := clamp(b.Bottom(), 0, float32(height))
	return BoxFromCorners(x1, y1, x2, y2)
}

// Rect rounds the box to an integer rectangle for drawing.
func (b Box) Rect() image.Rectangle {
	return image.Rect(
		int(math.Round(float64(b.X))),
		int(math.Round(float64(b.Y))),
		int(math.Round(float64(b.Right()))),
		int(math.Round(float64(b.Bottom()))),
	)
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Detection is a single labelled box in source-image pixel coordinates.
type Detection struct {
	ClassID int
	Score   float32
	Box     Box
}

// Label resolves the class name, falling back to the numeric id when the
// id is outside classNames or its entry is blank.
func (d Detection) Label(classNames []string) string {
	if d.ClassID >= 0 && d.ClassID < len(classNames) && classNames[d.ClassID] != "" {
		return classNames[d.ClassID]
	}
	return strconv.Itoa(d.ClassID)
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	NMS         time.Duration
	Total       time.Duration
}
