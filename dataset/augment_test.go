package dataset

import (
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-ml-finetune/boxes"
	"github.com/nvr-ai/go-ml-finetune/loss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSplitPNG writes an image that is red on the left half and blue on the right half.
func writeSplitPNG(t *testing.T, path string, width, height int) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBA{R: 255, A: 255}
			if x >= width/2 {
				c = color.RGBA{B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestAugmentConfig_Validate(t *testing.T) {
	assert.NoError(t, AugmentConfig{}.Validate())
	assert.False(t, AugmentConfig{}.Enabled())
	assert.NoError(t, AugmentConfig{FlipProb: 0.5, Brightness: 20, Contrast: 10}.Validate())
	assert.True(t, AugmentConfig{Contrast: 10}.Enabled())

	tests := []struct {
		name string
		cfg  AugmentConfig
	}{
		{"Flip above one", AugmentConfig{FlipProb: 1.5}},
		{"Negative flip", AugmentConfig{FlipProb: -0.1}},
		{"Brightness out of range", AugmentConfig{Brightness: 120}},
		{"Negative contrast", AugmentConfig{Contrast: -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestAugmentation_Draw(t *testing.T) {
	cfg := AugmentConfig{FlipProb: 0.5, Brightness: 20, Contrast: 10}
	rng := rand.New(rand.NewSource(3))
	flips := 0
	for i := 0; i < 200; i++ {
		a := cfg.draw(rng)
		assert.LessOrEqual(t, a.brightness, 20.0)
		assert.GreaterOrEqual(t, a.brightness, -20.0)
		assert.LessOrEqual(t, a.contrast, 10.0)
		assert.GreaterOrEqual(t, a.contrast, -10.0)
		if a.flip {
			flips++
		}
	}
	assert.Greater(t, flips, 50)
	assert.Less(t, flips, 150)

	assert.False(t, AugmentConfig{}.draw(rng).flip, "a zero probability never flips")
}

func TestAugmentation_Target(t *testing.T) {
	target := loss.Target{Boxes: []boxes.Box{{X1: 0, Y1: 0, X2: 0.5, Y2: 0.5}}, Labels: []int{1}}

	kept := augmentation{brightness: 10}.target(target)
	assert.Equal(t, boxes.Box{X1: 0, Y1: 0, X2: 0.5, Y2: 0.5}, kept.Boxes[0])

	flipped := augmentation{flip: true}.target(target)
	assert.Equal(t, boxes.Box{X1: 0.5, Y1: 0, X2: 1, Y2: 0.5}, flipped.Boxes[0])
	assert.Equal(t, []int{1}, flipped.Labels)
}

func TestCollator_Augment(t *testing.T) {
	dir := t.TempDir()
	writeSplitPNG(t, filepath.Join(dir, "split.png"), 16, 8)
	samples := []Sample{{File: "split.png", Annotations: []Annotation{{BBox: [4]float64{0, 0, 8, 4}, Label: 1}}}}

	p, err := NewPreprocessor(PreprocessConfig{Size: 4, Mean: CLIPMean, Std: CLIPStd})
	require.NoError(t, err)

	plain, err := NewCollator(samples, p, CollatorConfig{Root: dir, BatchSize: 1, Predictions: 4})
	require.NoError(t, err)
	batch, err := plain.Collate(samples)
	require.NoError(t, err)
	data := batch.Pixels.Data().([]float32)
	assert.Greater(t, data[0], float32(0), "red channel of the left column")
	assert.Less(t, data[2*16], float32(0), "blue channel of the left column")
	assert.Equal(t, boxes.Box{X1: 0, Y1: 0, X2: 0.5, Y2: 0.5}, batch.Targets[0].Boxes[0])

	flipping, err := NewCollator(samples, p, CollatorConfig{
		Root: dir, BatchSize: 1, Predictions: 4, Augment: AugmentConfig{FlipProb: 1},
	})
	require.NoError(t, err)
	batch, err = flipping.Collate(samples)
	require.NoError(t, err)
	data = batch.Pixels.Data().([]float32)
	assert.Less(t, data[0], float32(0), "the left column is blue after the flip")
	assert.Greater(t, data[2*16], float32(0))
	assert.Equal(t, boxes.Box{X1: 0.5, Y1: 0, X2: 1, Y2: 0.5}, batch.Targets[0].Boxes[0])

	_, err = NewCollator(samples, p, CollatorConfig{BatchSize: 1, Predictions: 4, Augment: AugmentConfig{FlipProb: 2}})
	assert.Error(t, err)
}
