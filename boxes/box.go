// Package boxes - Axis-aligned box geometry in normalized corner format.
package boxes

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrShape is returned when a tensor cannot be read as a list of boxes.
var ErrShape = errors.New("box tensor shape mismatch")

// Box is an axis-aligned box in corner format (x1, y1, x2, y2), normalized to [0, 1].
type Box struct {
	X1, Y1, X2, Y2 float32
}

// Width returns the horizontal extent of the box, clamped at zero.
func (b Box) Width() float32 {
	return math32.Max(0, b.X2-b.X1)
}

// Height returns the vertical extent of the box, clamped at zero.
func (b Box) Height() float32 {
	return math32.Max(0, b.Y2-b.Y1)
}

// Area returns the area of the box. Inverted boxes have zero area.
func (b Box) Area() float32 {
	return b.Width() * b.Height()
}

// Finite reports whether every coordinate is a finite number.
func (b Box) Finite() bool {
	for _, v := range b.Coords() {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Coords returns the coordinates in (x1, y1, x2, y2) order.
func (b Box) Coords() [4]float32 {
	return [4]float32{b.X1, b.Y1, b.X2, b.Y2}
}

// FlipH mirrors the box around the vertical centre line of the image.
func (b Box) FlipH() Box {
	return Box{X1: 1 - b.X2, Y1: b.Y1, X2: 1 - b.X1, Y2: b.Y2}
}

func (b Box) String() string {
	return fmt.Sprintf("(%.4f, %.4f), (%.4f, %.4f)", b.X1, b.Y1, b.X2, b.Y2)
}

// FromCoords builds a box from a 4-element coordinate slice in corner order.
func FromCoords(c []float32) Box {
	return Box{X1: c[0], Y1: c[1], X2: c[2], Y2: c[3]}
}

// FromCenter converts a (cx, cy, w, h) box to corner format.
func FromCenter(cx, cy, w, h float32) Box {
	return Box{
		X1: cx - 0.5*w,
		Y1: cy - 0.5*h,
		X2: cx + 0.5*w,
		Y2: cy + 0.5*h,
	}
}

// FromXYWH converts a COCO style pixel box (x, y, width, height) into a normalized corner
// box for an image of the given size.
//
// Arguments:
//   - xywh: The COCO bbox, top-left corner plus extent, in pixels.
//   - width: The image width in pixels.
//   - height: The image height in pixels.
//
// Returns:
//   - Box: The normalized corner box.
func FromXYWH(xywh [4]float64, width, height int) Box {
	w := float32(width)
	h := float32(height)
	return Box{
		X1: float32(xywh[0]) / w,
		Y1: float32(xywh[1]) / h,
		X2: float32(xywh[0]+xywh[2]) / w,
		Y2: float32(xywh[1]+xywh[3]) / h,
	}
}

// FromDense reads a [N, 4] float32 tensor as a slice of boxes.
//
// Arguments:
//   - t: A rank-2 float32 tensor whose last dimension is 4.
//
// Returns:
//   - []Box: One box per row.
//   - error: ErrShape when the tensor is not [N, 4] float32.
func FromDense(t *tensor.Dense) ([]Box, error) {
	if t == nil {
		return nil, nil
	}
	shape := t.Shape()
	if len(shape) != 2 || shape[1] != 4 {
		return nil, errors.Wrapf(ErrShape, "expected [N, 4], got %v", shape)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(ErrShape, "expected float32 data, got %v", t.Dtype())
	}
	return FromFlat(data), nil
}

// FromFlat reads consecutive groups of 4 values as boxes.
func FromFlat(data []float32) []Box {
	out := make([]Box, len(data)/4)
	for i := range out {
		out[i] = FromCoords(data[i*4 : i*4+4])
	}
	return out
}

// Flatten writes the boxes into a contiguous (x1, y1, x2, y2, ...) slice.
func Flatten(bs []Box) []float32 {
	out := make([]float32, 0, len(bs)*4)
	for _, b := range bs {
		out = append(out, b.X1, b.Y1, b.X2, b.Y2)
	}
	return out
}

// ToDense packs the boxes into a [N, 4] float32 tensor. It returns nil for an empty slice.
func ToDense(bs []Box) *tensor.Dense {
	if len(bs) == 0 {
		return nil
	}
	return tensor.New(tensor.WithShape(len(bs), 4), tensor.WithBacking(Flatten(bs)))
}
