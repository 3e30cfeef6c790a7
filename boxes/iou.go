package boxes

// IoU (Intersection over Union) measures the overlap between two boxes.
//
//	IoU = Area of Intersection / Area of Union
//
//	- A value of 1.0 means the boxes are identical.
//	- A value of 0.0 means the boxes don't overlap at all.
//
// **1. Intersection**
//
//	The top-left corner of the intersection is the maximum of the two top-left corners,
//	the bottom-right corner is the minimum of the two bottom-right corners. A zero or
//	negative extent on either axis means the boxes do not overlap.
//
// **2. Union**
//
//	Area(Union) = Area(A) + Area(B) - Area(Intersection)
//
//	Inverted boxes (x2 < x1 or y2 < y1) contribute zero area. When the union is zero the
//	IoU is defined as 0, which keeps the result inside [0, 1] for every finite input.
//
// Arguments:
//   - a: The first box.
//   - b: The second box.
//
// Returns:
//   - float32: A value between 0.0 and 1.0.
//
// Example Usage:
// ```go
//
//	a := Box{X1: 0, Y1: 0, X2: 0.1, Y2: 0.1}
//	b := Box{X1: 0.05, Y1: 0.05, X2: 0.15, Y2: 0.15}
//	iou := IoU(a, b) // 0.0025 / 0.0175 = 0.142857
//
// ```
func IoU(a, b Box) float32 {
	inter := Intersection(a, b)
	if inter <= 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	iou := inter / union
	if iou > 1 {
		return 1
	}
	return iou
}

// Intersection returns the overlapping area of two boxes.
func Intersection(a, b Box) float32 {
	iw := min(a.X2, b.X2) - max(a.X1, b.X1)
	ih := min(a.Y2, b.Y2) - max(a.Y1, b.Y1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	return iw * ih
}

// IoUGrad returns the IoU of a and b together with the partial derivatives of the IoU with
// respect to the four coordinates of a.
//
// Where a max/min selection is tied the derivative is split evenly between both operands,
// and clamped extents pass no gradient. Boxes without overlap have a zero gradient.
//
// Arguments:
//   - a: The box being differentiated (usually a prediction).
//   - b: The reference box (usually a ground truth).
//
// Returns:
//   - float32: IoU(a, b).
//   - [4]float32: d IoU / d (x1, y1, x2, y2) of a.
func IoUGrad(a, b Box) (float32, [4]float32) {
	var grad [4]float32

	iw := min(a.X2, b.X2) - max(a.X1, b.X1)
	ih := min(a.Y2, b.Y2) - max(a.Y1, b.Y1)
	if iw <= 0 || ih <= 0 {
		return 0, grad
	}
	inter := iw * ih
	areaA := a.Area()
	union := areaA + b.Area() - inter
	if union <= 0 {
		return 0, grad
	}

	// d iw / d a.x1, d iw / d a.x2 and the same for ih.
	dIW := [4]float32{-maxShare(a.X1, b.X1), 0, minShare(a.X2, b.X2), 0}
	dIH := [4]float32{0, -maxShare(a.Y1, b.Y1), 0, minShare(a.Y2, b.Y2)}

	var dInter, dArea [4]float32
	for k := 0; k < 4; k++ {
		dInter[k] = dIW[k]*ih + dIH[k]*iw
	}

	w, h := a.X2-a.X1, a.Y2-a.Y1
	if w > 0 && h > 0 {
		dArea = [4]float32{-h, -w, h, w}
	}

	u2 := union * union
	for k := 0; k < 4; k++ {
		dUnion := dArea[k] - dInter[k]
		grad[k] = (dInter[k]*union - inter*dUnion) / u2
	}

	iou := inter / union
	if iou > 1 {
		iou = 1
	}
	return iou, grad
}

// maxShare is the derivative of max(x, y) with respect to x.
func maxShare(x, y float32) float32 {
	switch {
	case x > y:
		return 1
	case x == y:
		return 0.5
	default:
		return 0
	}
}

// minShare is the derivative of min(x, y) with respect to x.
func minShare(x, y float32) float32 {
	switch {
	case x < y:
		return 1
	case x == y:
		return 0.5
	default:
		return 0
	}
}
