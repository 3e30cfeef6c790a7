// Package visualize - Draws ground truth, matched and detected boxes onto images.
package visualize

import (
	"fmt"
	"image"
	"image/color"

	"github.com/nvr-ai/go-ml-finetune/boxes"
	"github.com/nvr-ai/go-ml-finetune/postprocess"
	"gocv.io/x/gocv"
)

var (
	// GroundTruthColor outlines annotated boxes.
	GroundTruthColor = color.RGBA{0, 255, 0, 0}
	// MatchedColor outlines the predictions assigned to a ground truth box.
	MatchedColor = color.RGBA{255, 0, 0, 0}
	// DetectionColor outlines scored detections.
	DetectionColor = color.RGBA{0, 0, 255, 0}
)

// Layers is everything drawn onto one image. All boxes are normalised corners.
type Layers struct {
	GroundTruth []boxes.Box
	Labels      []int
	Matched     []boxes.Box
	Detections  []postprocess.Result
}

// ToRect scales a normalised box to pixel coordinates clipped to the image.
func ToRect(b boxes.Box, width, height int) image.Rectangle {
	r := image.Rect(
		int(b.X1*float32(width)+0.5),
		int(b.Y1*float32(height)+0.5),
		int(b.X2*float32(width)+0.5),
		int(b.Y2*float32(height)+0.5),
	)
	return r.Intersect(image.Rect(0, 0, width, height))
}

// Draw renders the layers onto img in place.
//
// Arguments:
//   - img: The BGR image to draw on.
//   - layers: The boxes to draw.
//   - name: Resolves a class index to a label; nil prints the index.
func Draw(img *gocv.Mat, layers Layers, name func(int) string) {
	w, h := img.Cols(), img.Rows()
	if name == nil {
		name = func(c int) string { return fmt.Sprintf("%d", c) }
	}

	for i, b := range layers.GroundTruth {
		rect := ToRect(b, w, h)
		gocv.Rectangle(img, rect, GroundTruthColor, 2)
		if i < len(layers.Labels) {
			gocv.PutText(img, name(layers.Labels[i]), rect.Min, gocv.FontHersheyPlain, 0.8, GroundTruthColor, 1)
		}
	}
	for _, b := range layers.Matched {
		gocv.Rectangle(img, ToRect(b, w, h), MatchedColor, 1)
	}
	for _, d := range layers.Detections {
		rect := ToRect(d.Box, w, h)
		gocv.Rectangle(img, rect, DetectionColor, 2)
		label := fmt.Sprintf("%s %.2f", name(d.Class), d.Score)
		gocv.PutText(img, label, image.Pt(rect.Min.X, rect.Max.Y), gocv.FontHersheyPlain, 0.8, DetectionColor, 1)
	}
}

// Overlay reads the image at src, draws the layers and writes the result to dst.
func Overlay(src, dst string, layers Layers, name func(int) string) error {
	img := gocv.IMRead(src, gocv.IMReadColor)
	if img.Empty() {
		return fmt.Errorf("error reading image: %s", src)
	}
	defer img.Close()

	Draw(&img, layers, name)
	if !gocv.IMWrite(dst, img) {
		return fmt.Errorf("failed to write overlay: %s", dst)
	}
	return nil
}
