package model

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// fakeBackbone returns seeded random features for any pixel batch.
type fakeBackbone struct {
	grid  int
	width int
	seed  int64
	calls int
}

func (f *fakeBackbone) Embed(pixels *tensor.Dense) (*FeatureMap, error) {
	f.calls++
	batch := pixels.Shape()[0]
	patches := f.grid * f.grid

	rng := rand.New(rand.NewSource(f.seed))
	features := make([]float32, batch*patches*f.width)
	for i := range features {
		features[i] = float32(rng.NormFloat64())
	}
	logits := make([]float32, batch*patches*4)
	for i := range logits {
		logits[i] = float32(rng.NormFloat64()) * 0.1
	}

	return &FeatureMap{
		Features:  tensor.New(tensor.WithShape(batch, patches, f.width), tensor.WithBacking(features)),
		BoxLogits: tensor.New(tensor.WithShape(batch, patches, 4), tensor.WithBacking(logits)),
		Grid:      f.grid,
	}, nil
}

func testHead(t *testing.T, rows int, seed int64) *ClassHead {
	t.Helper()

	h, err := NewClassHead(HeadConfig{Width: 8, Classes: 3, Rows: rows, LearnRate: 1e-2, Seed: seed})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func randomFeatures(rng *rand.Rand, batch, patches, width int) *tensor.Dense {
	data := make([]float32, batch*patches*width)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return tensor.New(tensor.WithShape(batch, patches, width), tensor.WithBacking(data))
}

func TestGridBias(t *testing.T) {
	bias := GridBias(2)
	require.Len(t, bias, 4)

	// The first patch's prior is centred at (0.5, 0.5): the logit of 0.5 is 0.
	assert.InDelta(t, 0, bias[0][0], 1e-6)
	assert.InDelta(t, 0, bias[0][1], 1e-6)
	assert.InDelta(t, 0, bias[0][2], 1e-6)

	// Right column and bottom row are clipped to 1.
	assert.InDelta(t, 9.21, bias[1][0], 1e-2)
	assert.InDelta(t, 0, bias[1][1], 1e-6)
	assert.InDelta(t, 9.21, bias[3][1], 1e-2)
}

func TestGridBoxDecoder_ZeroLogits(t *testing.T) {
	const grid = 4
	fm := &FeatureMap{
		Features:  tensor.New(tensor.WithShape(1, grid*grid, 2), tensor.Of(tensor.Float32)),
		BoxLogits: tensor.New(tensor.WithShape(1, grid*grid, 4), tensor.Of(tensor.Float32)),
		Grid:      grid,
	}

	out, err := NewGridBoxDecoder().Decode(fm)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, grid * grid, 4}, out.Shape())

	data := out.Data().([]float32)
	for p := 0; p < grid*grid; p++ {
		row, col := p/grid, p%grid
		x1, y1, x2, y2 := data[p*4], data[p*4+1], data[p*4+2], data[p*4+3]

		assert.InDelta(t, float32(col+1)/grid, (x1+x2)/2, 1e-3, "patch %d cx", p)
		assert.InDelta(t, float32(row+1)/grid, (y1+y2)/2, 1e-3, "patch %d cy", p)
		assert.InDelta(t, 1.0/grid, x2-x1, 1e-3, "patch %d width", p)
		assert.InDelta(t, 1.0/grid, y2-y1, 1e-3, "patch %d height", p)
	}
}

func TestGridBoxDecoder_InvalidGrid(t *testing.T) {
	fm := &FeatureMap{
		Features:  tensor.New(tensor.WithShape(1, 5, 2), tensor.Of(tensor.Float32)),
		BoxLogits: tensor.New(tensor.WithShape(1, 5, 4), tensor.Of(tensor.Float32)),
		Grid:      2,
	}
	_, err := NewGridBoxDecoder().Decode(fm)
	assert.ErrorIs(t, err, ErrFeatureShape)

	_, err = NewGridBoxDecoder().Decode(nil)
	assert.ErrorIs(t, err, ErrFeatureShape)
}

func TestHeadConfig_Validate(t *testing.T) {
	assert.NoError(t, HeadConfig{Width: 4, Classes: 2, Rows: 1, LearnRate: 1e-3}.Validate())
	assert.Error(t, HeadConfig{Width: 0, Classes: 2, Rows: 1, LearnRate: 1e-3}.Validate())
	assert.Error(t, HeadConfig{Width: 4, Classes: 2, Rows: 1}.Validate())
	assert.Error(t, HeadConfig{Width: 4, Classes: 2, Rows: 1, LearnRate: 1e-3, Clip: -1}.Validate())
}

func TestClassHead_Forward(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	features := randomFeatures(rng, 2, 3, 8)

	a := testHead(t, 6, 7)
	b := testHead(t, 6, 7)
	c := testHead(t, 6, 8)

	la, err := a.Forward(features)
	require.NoError(t, err)
	lb, err := b.Forward(features)
	require.NoError(t, err)
	lc, err := c.Forward(features)
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{2, 3, 3}, la.Shape())
	assert.Equal(t, la.Data(), lb.Data(), "same seed, same logits")
	assert.NotEqual(t, la.Data(), lc.Data())

	again, err := a.Forward(features)
	require.NoError(t, err)
	assert.Equal(t, la.Data(), again.Data(), "forward does not change parameters")

	_, err = a.Forward(randomFeatures(rng, 1, 3, 8))
	assert.ErrorIs(t, err, ErrFeatureShape)
}

func TestClassHead_BackwardBeforeForward(t *testing.T) {
	h := testHead(t, 6, 1)
	err := h.Backward(tensor.New(tensor.WithShape(2, 3, 3), tensor.Of(tensor.Float32)))
	assert.ErrorIs(t, err, ErrNoForward)
}

// TestClassHead_Fits drives the head towards fixed targets with a squared-error gradient.
func TestClassHead_Fits(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	features := randomFeatures(rng, 2, 3, 8)
	targets := make([]float32, 2*3*3)
	for i := range targets {
		targets[i] = float32(rng.NormFloat64())
	}

	h := testHead(t, 6, 3)
	mse := func(logits []float32) float32 {
		var s float32
		for i, l := range logits {
			s += (l - targets[i]) * (l - targets[i])
		}
		return s / float32(len(logits))
	}

	var first, last float32
	for step := 0; step < 150; step++ {
		logits, err := h.Forward(features)
		require.NoError(t, err)
		data := logits.Data().([]float32)
		if step == 0 {
			first = mse(data)
		}
		last = mse(data)

		grad := make([]float32, len(data))
		for i := range data {
			grad[i] = 2 * (data[i] - targets[i]) / float32(len(data))
		}
		require.NoError(t, h.Backward(tensor.New(tensor.WithShape(2, 3, 3), tensor.WithBacking(grad))))
	}

	assert.Equal(t, 150, h.Steps())
	assert.Less(t, last, first/2)
}

func TestClassHead_SaveLoad(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	features := randomFeatures(rng, 1, 2, 8)

	src := testHead(t, 2, 5)
	_, err := src.Forward(features)
	require.NoError(t, err)
	require.NoError(t, src.Backward(randomFeatures(rng, 1, 2, 3)))

	var buf bytes.Buffer
	require.NoError(t, src.Save(&buf))

	dst := testHead(t, 2, 6)
	require.NoError(t, dst.Load(bytes.NewReader(buf.Bytes())))

	want, err := src.Forward(features)
	require.NoError(t, err)
	got, err := dst.Forward(features)
	require.NoError(t, err)
	assert.Equal(t, want.Data(), got.Data())

	wrong, err := NewClassHead(HeadConfig{Width: 8, Classes: 4, Rows: 2, LearnRate: 1e-2})
	require.NoError(t, err)
	defer wrong.Close()
	assert.ErrorIs(t, wrong.Load(bytes.NewReader(buf.Bytes())), ErrFeatureShape)
}

func TestDetector_InferUpdate(t *testing.T) {
	backbone := &fakeBackbone{grid: 2, width: 8, seed: 9}
	d := NewDetector(backbone, NewGridBoxDecoder(), testHead(t, 8, 10))
	pixels := tensor.New(tensor.WithShape(2, 3, 4, 4), tensor.Of(tensor.Float32))

	boxes, logits, err := d.Infer(pixels)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 4, 4}, boxes.Shape())
	assert.Equal(t, tensor.Shape{2, 4, 3}, logits.Shape())

	bd := boxes.Data().([]float32)
	for i := 0; i < len(bd); i += 4 {
		assert.LessOrEqual(t, bd[i], bd[i+2])
		assert.LessOrEqual(t, bd[i+1], bd[i+3])
	}

	grad := make([]float32, 2*4*3)
	for i := range grad {
		grad[i] = 0.1
	}
	require.NoError(t, d.Update(tensor.New(tensor.WithShape(2, 4, 3), tensor.WithBacking(grad))))

	boxesAfter, logitsAfter, err := d.Infer(pixels)
	require.NoError(t, err)
	assert.Equal(t, boxes.Data(), boxesAfter.Data(), "the box path is frozen")
	assert.NotEqual(t, logits.Data(), logitsAfter.Data())
	assert.Equal(t, 2, backbone.calls)
}
