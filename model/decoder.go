package model

import (
	"sync"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

// boxBiasEps keeps the logit of the patch coordinates finite at the grid edges.
const boxBiasEps = 1e-4

// GridBoxDecoder decodes box-head outputs relative to the patch grid.
//
// Each patch predicts its box as an offset from a prior centred on the patch's bottom-right
// corner with a side of one patch:
//
//	box = sigmoid(logits + logit(prior))
//
// and the resulting (cx, cy, w, h) box is converted to corners.
type GridBoxDecoder struct {
	mu     sync.Mutex
	biases map[int][][4]float32
}

// NewGridBoxDecoder creates a decoder with an empty bias cache.
func NewGridBoxDecoder() *GridBoxDecoder {
	return &GridBoxDecoder{biases: make(map[int][][4]float32)}
}

// Decode implements BoxDecoder.
func (d *GridBoxDecoder) Decode(fm *FeatureMap) (*tensor.Dense, error) {
	if err := fm.Validate(); err != nil {
		return nil, err
	}

	shape := fm.BoxLogits.Shape()
	batch, patches := shape[0], shape[1]
	bias := d.bias(fm.Grid)
	logits := fm.BoxLogits.Data().([]float32)

	out := make([]float32, batch*patches*4)
	for b := 0; b < batch; b++ {
		for p := 0; p < patches; p++ {
			off := (b*patches + p) * 4
			cx := sigmoid(logits[off] + bias[p][0])
			cy := sigmoid(logits[off+1] + bias[p][1])
			w := sigmoid(logits[off+2] + bias[p][2])
			h := sigmoid(logits[off+3] + bias[p][3])

			out[off] = cx - 0.5*w
			out[off+1] = cy - 0.5*h
			out[off+2] = cx + 0.5*w
			out[off+3] = cy + 0.5*h
		}
	}

	return tensor.New(tensor.WithShape(batch, patches, 4), tensor.WithBacking(out)), nil
}

// bias returns the per-patch (cx, cy, w, h) logit bias of a grid, computing it once.
func (d *GridBoxDecoder) bias(grid int) [][4]float32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.biases[grid]; ok {
		return b
	}
	b := GridBias(grid)
	d.biases[grid] = b
	return b
}

// GridBias computes the box bias for a grid x grid patch layout. Patches are in row-major
// order, so patch p sits in row p / grid and column p % grid.
func GridBias(grid int) [][4]float32 {
	size := inverseSigmoid(1 / float32(grid))
	bias := make([][4]float32, grid*grid)
	for row := 0; row < grid; row++ {
		for col := 0; col < grid; col++ {
			cx := math32.Min(float32(col+1)/float32(grid), 1)
			cy := math32.Min(float32(row+1)/float32(grid), 1)
			bias[row*grid+col] = [4]float32{inverseSigmoid(cx), inverseSigmoid(cy), size, size}
		}
	}
	return bias
}

func inverseSigmoid(v float32) float32 {
	return math32.Log(v+boxBiasEps) - math32.Log1p(-v+boxBiasEps)
}

func sigmoid(x float32) float32 {
	if x >= 0 {
		return 1 / (1 + math32.Exp(-x))
	}
	e := math32.Exp(x)
	return e / (1 + e)
}
