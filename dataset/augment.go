package dataset

import (
	"fmt"
	"image"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/nvr-ai/go-ml-finetune/boxes"
	"github.com/nvr-ai/go-ml-finetune/loss"
)

// AugmentConfig configures the photometric and geometric jitter applied to training images.
// The zero value disables augmentation.
type AugmentConfig struct {
	// FlipProb is the probability of mirroring an image horizontally.
	FlipProb float64 `json:"flip_prob" yaml:"flip_prob"`
	// Brightness is the largest brightness change in percent, drawn uniformly in ±Brightness.
	Brightness float64 `json:"brightness" yaml:"brightness"`
	// Contrast is the largest contrast change in percent, drawn uniformly in ±Contrast.
	Contrast float64 `json:"contrast" yaml:"contrast"`
}

// Enabled reports whether any augmentation is configured.
func (c AugmentConfig) Enabled() bool {
	return c.FlipProb > 0 || c.Brightness > 0 || c.Contrast > 0
}

// Validate checks the augmentation ranges.
func (c AugmentConfig) Validate() error {
	if c.FlipProb < 0 || c.FlipProb > 1 {
		return fmt.Errorf("flip_prob must be in [0, 1], got %f", c.FlipProb)
	}
	if c.Brightness < 0 || c.Brightness > 100 {
		return fmt.Errorf("brightness must be in [0, 100], got %f", c.Brightness)
	}
	if c.Contrast < 0 || c.Contrast > 100 {
		return fmt.Errorf("contrast must be in [0, 100], got %f", c.Contrast)
	}
	return nil
}

// augmentation is one drawn set of transforms.
type augmentation struct {
	flip       bool
	brightness float64
	contrast   float64
}

// draw samples the transforms of one image.
func (c AugmentConfig) draw(rng *rand.Rand) augmentation {
	a := augmentation{flip: rng.Float64() < c.FlipProb}
	if c.Brightness > 0 {
		a.brightness = (2*rng.Float64() - 1) * c.Brightness
	}
	if c.Contrast > 0 {
		a.contrast = (2*rng.Float64() - 1) * c.Contrast
	}
	return a
}

// image applies the transforms to a decoded image.
func (a augmentation) image(img image.Image) image.Image {
	if a.flip {
		img = imaging.FlipH(img)
	}
	if a.brightness != 0 {
		img = imaging.AdjustBrightness(img, a.brightness)
	}
	if a.contrast != 0 {
		img = imaging.AdjustContrast(img, a.contrast)
	}
	return img
}

// target moves the boxes along with the image. Photometric transforms leave them unchanged.
func (a augmentation) target(t loss.Target) loss.Target {
	if !a.flip {
		return t
	}
	flipped := make([]boxes.Box, len(t.Boxes))
	for i, b := range t.Boxes {
		flipped[i] = b.FlipH()
	}
	return loss.Target{Boxes: flipped, Labels: t.Labels}
}
