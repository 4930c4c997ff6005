package main

import (
	"fmt"
	"image"
	"image/color"

	"go.uber.org/multierr"
	"gocv.io/x/gocv"

	"github.com/Tutortoise/object-detection-service/models"
)

var (
	boxColor   = color.RGBA{R: 0, G: 0, B: 255, A: 0}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 0}
	fpsColor   = color.RGBA{R: 0, G: 255, B: 0, A: 0}
)

const (
	labelFontScale = 0.5
	labelThickness = 1
)

// drawDetections overlays every box and its label on mat.
func drawDetections(mat *gocv.Mat, found []models.Detection, classNames []string) error {
	var err error
	for _, d := range found {
		rect := d.Box.Rect()
		err = multierr.Append(err, gocv.Rectangle(mat, rect, boxColor, 3))
		err = multierr.Append(err, drawLabel(mat, d.Label(classNames), d.Score, rect.Min.X, rect.Min.Y))
	}
	return err
}

// drawLabel writes "label: score" on a filled background above (x, y),
// moved down when the box touches the top edge.
func drawLabel(mat *gocv.Mat, label string, score float32, x, y int) error {
	text := fmt.Sprintf("%s: %.2f", label, score)
	size := gocv.GetTextSize(text, gocv.FontHersheySimplex, labelFontScale, labelThickness)

	top := max(y, size.Y)
	background := image.Rect(x, top-size.Y-4, x+size.X, top)
	if err := gocv.Rectangle(mat, background, boxColor, -1); err != nil {
		return err
	}
	return gocv.PutText(mat, text, image.Pt(x, top-2), gocv.FontHersheySimplex, labelFontScale, labelColor, labelThickness)
}

func drawFPS(mat *gocv.Mat, fps float64) error {
	return gocv.PutText(mat, fmt.Sprintf("FPS: %.1f", fps), image.Pt(10, 30), gocv.FontHersheySimplex, 1, fpsColor, 2)
}
