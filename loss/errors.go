package loss

import (
	"github.com/nvr-ai/go-ml-finetune/assignment"
	"github.com/nvr-ai/go-ml-finetune/matching"
	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch is returned when prediction and ground-truth tensors have incompatible
	// shapes, or when matched boxes cannot be stacked across a batch.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrInvalidCost is returned when an image's cost matrix contains non-finite entries.
	ErrInvalidCost = errors.New("invalid cost")
	// ErrTooManyTargets is returned when an image has more ground truths than predictions.
	ErrTooManyTargets = errors.New("more ground truths than predictions")
	// ErrLabelOutOfRange is returned when a ground-truth class id cannot be one-hot encoded.
	ErrLabelOutOfRange = errors.New("label out of range")
)

// invalidCost tags a cost error from the matching or assignment packages as ErrInvalidCost
// while keeping the original message.
func invalidCost(err error, image int) error {
	if errors.Is(err, matching.ErrInvalidCost) || errors.Is(err, assignment.ErrInvalidCost) {
		return errors.Wrapf(ErrInvalidCost, "image %d: %v", image, err)
	}
	return errors.Wrapf(err, "image %d", image)
}
