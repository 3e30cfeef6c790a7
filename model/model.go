// Package model - Open-vocabulary style detector with a frozen backbone and a trainable
// classification head.
//
// The backbone and box decoder are capabilities that only run forward: they have no
// parameters that a training step can touch. The classification head is the only
// trainable part and reads the same per-patch features the box decoder works from.
package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

var (
	// ErrFeatureShape is returned when a feature map does not have the expected layout.
	ErrFeatureShape = errors.New("feature map shape mismatch")
	// ErrNoForward is returned when a head update is requested before any forward pass.
	ErrNoForward = errors.New("backward called before forward")
)

// FeatureMap is the output of a frozen backbone for one batch.
type FeatureMap struct {
	// Features holds the per-patch image features, [B, P, W].
	Features *tensor.Dense
	// BoxLogits holds the raw box-head outputs in centre format, [B, P, 4].
	BoxLogits *tensor.Dense
	// Grid is the number of patches per side; P = Grid * Grid.
	Grid int
}

// Dims returns the batch size, the number of patches and the feature width.
func (f *FeatureMap) Dims() (int, int, int) {
	s := f.Features.Shape()
	return s[0], s[1], s[2]
}

// Validate checks that both tensors agree on B and P and that P is Grid squared.
func (f *FeatureMap) Validate() error {
	if f == nil || f.Features == nil || f.BoxLogits == nil {
		return errors.Wrap(ErrFeatureShape, "feature map is incomplete")
	}
	fs, bs := f.Features.Shape(), f.BoxLogits.Shape()
	if len(fs) != 3 || len(bs) != 3 || bs[2] != 4 {
		return errors.Wrapf(ErrFeatureShape, "features %v, box logits %v", fs, bs)
	}
	if fs[0] != bs[0] || fs[1] != bs[1] {
		return errors.Wrapf(ErrFeatureShape, "features %v and box logits %v disagree", fs, bs)
	}
	if f.Grid <= 0 || f.Grid*f.Grid != fs[1] {
		return errors.Wrapf(ErrFeatureShape, "%d patches do not form a %dx%d grid", fs[1], f.Grid, f.Grid)
	}
	if f.Features.Dtype() != tensor.Float32 || f.BoxLogits.Dtype() != tensor.Float32 {
		return errors.Wrap(ErrFeatureShape, "feature map must be float32")
	}
	return nil
}

// Backbone is a frozen image encoder.
type Backbone interface {
	// Embed encodes a [B, 3, H, W] pixel batch into per-patch features and box-head outputs.
	Embed(pixels *tensor.Dense) (*FeatureMap, error)
}

// BoxDecoder turns box-head outputs into corner-format boxes.
type BoxDecoder interface {
	// Decode returns [B, P, 4] corner boxes for a feature map.
	Decode(fm *FeatureMap) (*tensor.Dense, error)
}
