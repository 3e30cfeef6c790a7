// Package matching - Pairwise IoU cost between predicted and ground-truth boxes.
package matching

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-ml-finetune/boxes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidCost is returned when a cost entry is not a finite number.
var ErrInvalidCost = errors.New("cost matrix contains non-finite values")

// CostMatrix holds cost[i, j] = 1 - IoU(prediction i, ground truth j) in row-major order.
//
// It satisfies mat.Matrix so the assignment solver reads it as a detached, host-resident
// float64 view.
type CostMatrix struct {
	rows, cols int
	data       []float32
}

var _ mat.Matrix = (*CostMatrix)(nil)

// NewCostMatrix builds the P x G cost matrix for one image.
//
// Arguments:
//   - preds: The P predicted boxes.
//   - truths: The G ground-truth boxes.
//
// Returns:
//   - *CostMatrix: The pairwise cost, every entry in [0, 1].
//   - error: ErrInvalidCost if any box has a non-finite coordinate.
//
// @example
// cost, err := NewCostMatrix(predBoxes, gtBoxes)
//
//	if err != nil {
//	    return err
//	}
//
// c := cost.At32(0, 1)
func NewCostMatrix(preds, truths []boxes.Box) (*CostMatrix, error) {
	for i, b := range preds {
		if !b.Finite() {
			return nil, errors.Wrapf(ErrInvalidCost, "prediction %d has coordinates %s", i, b)
		}
	}
	for j, b := range truths {
		if !b.Finite() {
			return nil, errors.Wrapf(ErrInvalidCost, "ground truth %d has coordinates %s", j, b)
		}
	}

	c := &CostMatrix{
		rows: len(preds),
		cols: len(truths),
		data: make([]float32, len(preds)*len(truths)),
	}
	for i, p := range preds {
		row := c.data[i*c.cols : (i+1)*c.cols]
		for j, g := range truths {
			row[j] = 1 - boxes.IoU(p, g)
		}
	}

	return c, nil
}

// Dims returns the number of predictions and ground truths.
func (c *CostMatrix) Dims() (int, int) {
	return c.rows, c.cols
}

// At returns cost[i, j] widened to float64.
func (c *CostMatrix) At(i, j int) float64 {
	return float64(c.At32(i, j))
}

// At32 returns cost[i, j].
func (c *CostMatrix) At32(i, j int) float32 {
	if i < 0 || i >= c.rows || j < 0 || j >= c.cols {
		panic(mat.ErrIndexOutOfRange)
	}
	return c.data[i*c.cols+j]
}

// T returns the transpose of the cost matrix.
func (c *CostMatrix) T() mat.Matrix {
	return mat.Transpose{Matrix: c}
}

// Empty reports whether either side of the matrix has no boxes.
func (c *CostMatrix) Empty() bool {
	return c.rows == 0 || c.cols == 0
}

// Validate checks every entry is finite.
func (c *CostMatrix) Validate() error {
	for k, v := range c.data {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return errors.Wrapf(ErrInvalidCost, "entry (%d, %d) = %v", k/c.cols, k%c.cols, v)
		}
	}
	return nil
}

// Total sums the cost over the given (row, col) pairs in order.
func (c *CostMatrix) Total(rows, cols []int) float32 {
	var total float32
	for k := range rows {
		total += c.At32(rows[k], cols[k])
	}
	return total
}
