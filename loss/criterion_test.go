package loss

import (
	"math"
	"math/rand"
	"testing"

	"github.com/nvr-ai/go-ml-finetune/boxes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

var (
	quadrantPreds = []boxes.Box{
		{X1: 0, Y1: 0, X2: 1, Y2: 1},
		{X1: 0, Y1: 0, X2: 0.5, Y2: 0.5},
		{X1: 0.5, Y1: 0.5, X2: 1, Y2: 1},
		{X1: 0, Y1: 0.5, X2: 0.5, Y2: 1},
	}
	quadrantTarget = Target{
		Boxes: []boxes.Box{
			{X1: 0, Y1: 0, X2: 1, Y2: 1},
			{X1: 0.5, Y1: 0.5, X2: 1, Y2: 1},
		},
		Labels: []int{1, 2},
	}
)

// predictionBatch stacks per-image boxes into [B, P, 4] and fills [B, P, C] logits from a
// seeded generator.
func predictionBatch(t *testing.T, perImage [][]boxes.Box, classes int, seed int64) (*tensor.Dense, *tensor.Dense) {
	t.Helper()

	preds := len(perImage[0])
	var flat []float32
	for _, bs := range perImage {
		require.Len(t, bs, preds)
		flat = append(flat, boxes.Flatten(bs)...)
	}

	rng := rand.New(rand.NewSource(seed))
	logits := make([]float32, len(perImage)*preds*classes)
	for i := range logits {
		logits[i] = float32(rng.NormFloat64())
	}

	return tensor.New(tensor.WithShape(len(perImage), preds, 4), tensor.WithBacking(flat)),
		tensor.New(tensor.WithShape(len(perImage), preds, classes), tensor.WithBacking(logits))
}

func newLoss(t *testing.T, mutate func(*Config)) *FocalBoxLoss {
	t.Helper()

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := New(cfg)
	require.NoError(t, err)
	return l
}

// TestCompute_QuadrantScenario matches identical boxes and checks the scattered labels.
func TestCompute_QuadrantScenario(t *testing.T) {
	predBoxes, predClasses := predictionBatch(t, [][]boxes.Box{quadrantPreds}, 3, 1)
	l := newLoss(t, nil)

	res, err := l.Compute(predBoxes, predClasses, []Target{quadrantTarget})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 2}, res.Matchings[0].Rows)
	assert.Equal(t, []int{0, 1}, res.Matchings[0].Cols)
	assert.Equal(t, []int{1, 0, 2, 0}, res.Labels[0])

	assert.Equal(t, float32(0), res.BoxLoss, "identical boxes have no regression or IoU cost")
	assert.Greater(t, res.ClassLoss, float32(0))

	require.NotNil(t, res.Matched)
	assert.Equal(t, tensor.Shape{1, 2, 4}, res.Matched.Shape())
	assert.Equal(t, boxes.Flatten([]boxes.Box{quadrantPreds[0], quadrantPreds[2]}), res.Matched.Data())

	stats := res.Images[0]
	assert.Equal(t, 2, stats.Positives)
	assert.Equal(t, 2, stats.Negatives)
	assert.InDelta(t, 1.25, stats.BackgroundWeight, 1e-6)
	assert.False(t, stats.EmptyGroundTruth)
	assert.False(t, stats.DegenerateRatio)

	assert.Equal(t, tensor.Shape{1, 4, 4}, res.BoxGrad.Shape())
	assert.Equal(t, tensor.Shape{1, 4, 3}, res.ClassGrad.Shape())
}

// TestCompute_EmptyGroundTruth covers an image without any ground truth.
func TestCompute_EmptyGroundTruth(t *testing.T) {
	predBoxes, predClasses := predictionBatch(t, [][]boxes.Box{quadrantPreds}, 3, 2)
	l := newLoss(t, nil)

	res, err := l.Compute(predBoxes, predClasses, []Target{{}})
	require.NoError(t, err)

	assert.Equal(t, float32(0), res.BoxLoss)
	assert.Empty(t, res.Matchings[0].Rows)
	assert.Empty(t, res.Matchings[0].Cols)
	assert.Nil(t, res.Matched)
	assert.Equal(t, []int{0, 0, 0, 0}, res.Labels[0])

	// Plain all-background focal loss, no re-weighting.
	cfg := DefaultConfig()
	logits := predClasses.Data().([]float32)
	var expected float64
	for i, x := range logits {
		target := float32(0)
		if i%3 == 0 {
			target = 1
		}
		l, _ := sigmoidFocal(x, target, cfg.Alpha, cfg.Gamma)
		expected += float64(l)
	}
	assert.InDelta(t, expected, res.ClassLoss, 1e-5)

	stats := res.Images[0]
	assert.True(t, stats.EmptyGroundTruth)
	assert.Equal(t, float32(1), stats.BackgroundWeight)
	assert.Equal(t, 0, stats.Positives)
	assert.Equal(t, 4, stats.Negatives)

	for _, g := range res.BoxGrad.Data().([]float32) {
		assert.Equal(t, float32(0), g)
	}
}

// TestCompute_Stacking covers both branches of stacking matched boxes across a batch.
func TestCompute_Stacking(t *testing.T) {
	oneBox := Target{Boxes: quadrantTarget.Boxes[1:], Labels: []int{2}}

	t.Run("Equal match counts stack", func(t *testing.T) {
		predBoxes, predClasses := predictionBatch(t, [][]boxes.Box{quadrantPreds, quadrantPreds}, 3, 3)
		swapped := Target{
			Boxes:  []boxes.Box{quadrantPreds[3], quadrantPreds[1]},
			Labels: []int{2, 1},
		}

		res, err := newLoss(t, nil).Compute(predBoxes, predClasses, []Target{quadrantTarget, swapped})
		require.NoError(t, err)
		require.NotNil(t, res.Matched)
		assert.Equal(t, tensor.Shape{2, 2, 4}, res.Matched.Shape())
		assert.Equal(t, []int{0, 1, 0, 2}, res.Labels[1])
	})

	t.Run("Differing match counts fail", func(t *testing.T) {
		predBoxes, predClasses := predictionBatch(t, [][]boxes.Box{quadrantPreds, quadrantPreds}, 3, 3)

		_, err := newLoss(t, nil).Compute(predBoxes, predClasses, []Target{quadrantTarget, oneBox})
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("Ragged matches without stacking", func(t *testing.T) {
		predBoxes, predClasses := predictionBatch(t, [][]boxes.Box{quadrantPreds, quadrantPreds}, 3, 3)
		l := newLoss(t, func(c *Config) { c.StackMatched = false })

		res, err := l.Compute(predBoxes, predClasses, []Target{quadrantTarget, oneBox})
		require.NoError(t, err)
		assert.Nil(t, res.Matched)
		assert.Len(t, res.MatchedPerImage[0], 2)
		assert.Len(t, res.MatchedPerImage[1], 1)
		assert.Equal(t, quadrantPreds[2], res.MatchedPerImage[1][0])
	})
}

// TestCompute_BoxReduction runs a two-image batch whose box losses differ and checks which
// contribution survives under each reduction.
func TestCompute_BoxReduction(t *testing.T) {
	shifted := make([]boxes.Box, len(quadrantPreds))
	for i, b := range quadrantPreds {
		shifted[i] = boxes.Box{X1: b.X1 + 0.05, Y1: b.Y1, X2: b.X2 + 0.05, Y2: b.Y2}
	}
	farther := make([]boxes.Box, len(quadrantPreds))
	for i, b := range quadrantPreds {
		farther[i] = boxes.Box{X1: b.X1, Y1: b.Y1 + 0.1, X2: b.X2, Y2: b.Y2 + 0.1}
	}
	predBoxes, predClasses := predictionBatch(t, [][]boxes.Box{shifted, farther}, 3, 4)
	targets := []Target{quadrantTarget, quadrantTarget}

	sum, err := newLoss(t, nil).Compute(predBoxes, predClasses, targets)
	require.NoError(t, err)
	last, err := newLoss(t, func(c *Config) { c.BoxReduction = BoxReductionLast }).Compute(predBoxes, predClasses, targets)
	require.NoError(t, err)

	first := sum.Images[0].BoxLoss
	second := sum.Images[1].BoxLoss
	require.Greater(t, first, float32(0))
	require.Greater(t, second, first, "the second image is further from its targets")

	assert.InDelta(t, (first+second)/2, sum.BoxLoss, 1e-6)
	assert.InDelta(t, second/2, last.BoxLoss, 1e-6)

	// Class loss does not depend on the box reduction.
	assert.Equal(t, sum.ClassLoss, last.ClassLoss)

	lastGrad := last.BoxGrad.Data().([]float32)
	sumGrad := sum.BoxGrad.Data().([]float32)
	for k := 0; k < 16; k++ {
		assert.Equal(t, float32(0), lastGrad[k], "first image receives no box gradient")
	}
	assert.Equal(t, sumGrad[16:], lastGrad[16:])
}

func TestCompute_DegenerateRatio(t *testing.T) {
	preds := quadrantPreds[:2]
	target := Target{
		Boxes:  []boxes.Box{quadrantPreds[1], quadrantPreds[0]},
		Labels: []int{2, 1},
	}
	predBoxes, predClasses := predictionBatch(t, [][]boxes.Box{preds}, 3, 5)

	res, err := newLoss(t, nil).Compute(predBoxes, predClasses, []Target{target})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, res.Labels[0])
	stats := res.Images[0]
	assert.True(t, stats.DegenerateRatio)
	assert.Equal(t, 0, stats.Negatives)
	assert.Equal(t, float32(1), stats.BackgroundWeight)
	assert.False(t, math.IsNaN(float64(res.ClassLoss)))
}

// TestCompute_BackgroundWeighting checks background rows are scaled by the live ratio.
func TestCompute_BackgroundWeighting(t *testing.T) {
	predBoxes, predClasses := predictionBatch(t, [][]boxes.Box{quadrantPreds}, 3, 6)

	weighted, err := newLoss(t, nil).Compute(predBoxes, predClasses, []Target{quadrantTarget})
	require.NoError(t, err)

	cfg := DefaultConfig()
	logits := predClasses.Data().([]float32)
	labels := []int{1, 0, 2, 0}
	var positive, negative float64
	for i, label := range labels {
		for c := 0; c < 3; c++ {
			target := float32(0)
			if c == label {
				target = 1
			}
			l, _ := sigmoidFocal(logits[i*3+c], target, cfg.Alpha, cfg.Gamma)
			if label == 0 {
				negative += float64(l)
			} else {
				positive += float64(l)
			}
		}
	}

	// 2 positives / 2 negatives * 1.25.
	assert.InDelta(t, positive+1.25*negative, weighted.ClassLoss, 1e-5)
}

func TestCompute_Idempotent(t *testing.T) {
	predBoxes, predClasses := predictionBatch(t, [][]boxes.Box{quadrantPreds, quadrantPreds}, 4, 7)
	targets := []Target{
		quadrantTarget,
		{Boxes: []boxes.Box{{X1: 0.1, Y1: 0.1, X2: 0.4, Y2: 0.6}, {X1: 0.2, Y1: 0.5, X2: 0.9, Y2: 0.9}}, Labels: []int{3, 1}},
	}
	l := newLoss(t, nil)

	first, err := l.Compute(predBoxes, predClasses, targets)
	require.NoError(t, err)
	second, err := l.Compute(predBoxes, predClasses, targets)
	require.NoError(t, err)

	assert.Equal(t, first.BoxLoss, second.BoxLoss)
	assert.Equal(t, first.ClassLoss, second.ClassLoss)
	assert.Equal(t, first.Matchings, second.Matchings)
	assert.Equal(t, first.Matched.Data(), second.Matched.Data())
	assert.Equal(t, first.BoxGrad.Data(), second.BoxGrad.Data())
	assert.Equal(t, first.ClassGrad.Data(), second.ClassGrad.Data())
}

// TestCompute_Gradients compares the returned gradients with central differences.
func TestCompute_Gradients(t *testing.T) {
	preds := []boxes.Box{
		{X1: 0.05, Y1: 0.1, X2: 0.45, Y2: 0.55},
		{X1: 0.5, Y1: 0.45, X2: 0.95, Y2: 0.9},
		{X1: 0.3, Y1: 0.05, X2: 0.6, Y2: 0.2},
	}
	target := Target{
		Boxes:  []boxes.Box{{X1: 0.1, Y1: 0.15, X2: 0.4, Y2: 0.5}, {X1: 0.55, Y1: 0.5, X2: 0.9, Y2: 0.85}},
		Labels: []int{1, 2},
	}
	predBoxes, predClasses := predictionBatch(t, [][]boxes.Box{preds}, 3, 8)
	l := newLoss(t, nil)

	res, err := l.Compute(predBoxes, predClasses, []Target{target})
	require.NoError(t, err)

	boxData := predBoxes.Data().([]float32)
	boxGrad := res.BoxGrad.Data().([]float32)
	const boxEps = 1e-3
	for k := 0; k < 8; k++ {
		orig := boxData[k]
		boxData[k] = orig + boxEps
		plus, err := l.Compute(predBoxes, predClasses, []Target{target})
		require.NoError(t, err)
		boxData[k] = orig - boxEps
		minus, err := l.Compute(predBoxes, predClasses, []Target{target})
		require.NoError(t, err)
		boxData[k] = orig

		numeric := (plus.BoxLoss - minus.BoxLoss) / (2 * boxEps)
		assert.InDelta(t, numeric, boxGrad[k], 1e-2, "box coordinate %d", k)
	}

	logitData := predClasses.Data().([]float32)
	classGrad := res.ClassGrad.Data().([]float32)
	const logitEps = 1e-2
	for k := range logitData {
		orig := logitData[k]
		logitData[k] = orig + logitEps
		plus, err := l.Compute(predBoxes, predClasses, []Target{target})
		require.NoError(t, err)
		logitData[k] = orig - logitEps
		minus, err := l.Compute(predBoxes, predClasses, []Target{target})
		require.NoError(t, err)
		logitData[k] = orig

		numeric := (plus.ClassLoss - minus.ClassLoss) / (2 * logitEps)
		assert.InDelta(t, numeric, classGrad[k], 2e-3, "logit %d", k)
	}
}

func TestCompute_Errors(t *testing.T) {
	predBoxes, predClasses := predictionBatch(t, [][]boxes.Box{quadrantPreds}, 3, 9)
	l := newLoss(t, nil)

	t.Run("Target count", func(t *testing.T) {
		_, err := l.Compute(predBoxes, predClasses, []Target{quadrantTarget, quadrantTarget})
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("Box last dimension", func(t *testing.T) {
		bad := tensor.New(tensor.WithShape(1, 4, 3), tensor.Of(tensor.Float32))
		_, err := l.Compute(bad, predClasses, []Target{quadrantTarget})
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("Class batch dimension", func(t *testing.T) {
		bad := tensor.New(tensor.WithShape(1, 5, 3), tensor.Of(tensor.Float32))
		_, err := l.Compute(predBoxes, bad, []Target{quadrantTarget})
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("Labels and boxes disagree", func(t *testing.T) {
		_, err := l.Compute(predBoxes, predClasses, []Target{{Boxes: quadrantTarget.Boxes, Labels: []int{1}}})
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("More ground truths than predictions", func(t *testing.T) {
		many := Target{Boxes: append(quadrantPreds, quadrantPreds[0]), Labels: []int{1, 1, 1, 1, 1}}
		_, err := l.Compute(predBoxes, predClasses, []Target{many})
		assert.ErrorIs(t, err, ErrTooManyTargets)
	})

	t.Run("Label out of range", func(t *testing.T) {
		_, err := l.Compute(predBoxes, predClasses, []Target{{Boxes: quadrantTarget.Boxes, Labels: []int{1, 3}}})
		assert.ErrorIs(t, err, ErrLabelOutOfRange)
	})

	t.Run("Non-finite prediction", func(t *testing.T) {
		nanBoxes := append([]boxes.Box{{X1: float32(math.NaN()), Y1: 0, X2: 1, Y2: 1}}, quadrantPreds[1:]...)
		badBoxes, _ := predictionBatch(t, [][]boxes.Box{nanBoxes}, 3, 9)
		_, err := l.Compute(badBoxes, predClasses, []Target{quadrantTarget})
		assert.ErrorIs(t, err, ErrInvalidCost)
	})

	t.Run("Background id outside classes", func(t *testing.T) {
		bg := newLoss(t, func(c *Config) { c.BackgroundID = 3 })
		_, err := bg.Compute(predBoxes, predClasses, []Target{quadrantTarget})
		assert.ErrorIs(t, err, ErrLabelOutOfRange)
	})
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BoxReduction = "mean"
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Gamma = -1
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestNewTarget(t *testing.T) {
	target, err := NewTarget(boxes.ToDense(quadrantTarget.Boxes), []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, quadrantTarget, target)

	empty, err := NewTarget(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())

	_, err = NewTarget(tensor.New(tensor.WithShape(2, 5), tensor.Of(tensor.Float32)), []int{1, 2})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = NewTarget(boxes.ToDense(quadrantTarget.Boxes), []int{1})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
