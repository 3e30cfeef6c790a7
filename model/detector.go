package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Detector joins a frozen backbone, a frozen box decoder and the trainable head.
type Detector struct {
	backbone Backbone
	decoder  BoxDecoder
	head     *ClassHead
}

// NewDetector creates a Detector from its parts.
func NewDetector(backbone Backbone, decoder BoxDecoder, head *ClassHead) *Detector {
	return &Detector{
		backbone: backbone,
		decoder:  decoder,
		head:     head,
	}
}

// Head returns the trainable classification head.
func (d *Detector) Head() *ClassHead {
	return d.head
}

// Infer runs one batch through the detector.
//
// Arguments:
//   - pixels: A [B, 3, H, W] normalised pixel batch.
//
// Returns:
//   - *tensor.Dense: Corner-format boxes in [0, 1], [B, P, 4].
//   - *tensor.Dense: Raw class logits, [B, P, C].
//   - error: An error if any stage fails.
func (d *Detector) Infer(pixels *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	fm, err := d.backbone.Embed(pixels)
	if err != nil {
		return nil, nil, errors.Wrap(err, "backbone")
	}
	if err := fm.Validate(); err != nil {
		return nil, nil, err
	}

	boxes, err := d.decoder.Decode(fm)
	if err != nil {
		return nil, nil, errors.Wrap(err, "box decoder")
	}

	logits, err := d.head.Forward(fm.Features)
	if err != nil {
		return nil, nil, errors.Wrap(err, "class head")
	}

	return boxes, logits, nil
}

// Update applies one head step from the gradient of the loss with respect to the logits
// returned by the last Infer.
func (d *Detector) Update(classGrad *tensor.Dense) error {
	return d.head.Backward(classGrad)
}
