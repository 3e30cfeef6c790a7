package loss

import (
	"github.com/nvr-ai/go-ml-finetune/assignment"
	"github.com/nvr-ai/go-ml-finetune/boxes"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Target is the ground truth for one image: G boxes and their G class ids.
type Target struct {
	Boxes  []boxes.Box
	Labels []int
}

// NewTarget reads a [G, 4] box tensor and its labels into a Target. A nil tensor is an
// image without ground truth.
func NewTarget(b *tensor.Dense, labels []int) (Target, error) {
	bs, err := boxes.FromDense(b)
	if err != nil {
		return Target{}, errors.Wrap(ErrShapeMismatch, err.Error())
	}
	if len(bs) != len(labels) {
		return Target{}, errors.Wrapf(ErrShapeMismatch, "%d boxes but %d labels", len(bs), len(labels))
	}
	return Target{Boxes: bs, Labels: labels}, nil
}

// Len returns the number of ground truths G.
func (t Target) Len() int {
	return len(t.Boxes)
}

// ImageStats describes the loss contribution of one image in a batch.
type ImageStats struct {
	// Predictions is the number of prediction slots P.
	Predictions int
	// Targets is the number of ground truths G.
	Targets int
	// Positives is the number of slots that received a non-background label.
	Positives int
	// Negatives is the number of background slots.
	Negatives int
	// BackgroundWeight is the factor applied to background rows of the focal loss.
	BackgroundWeight float32
	// Regression is the smooth-L1 sum over matched coordinates.
	Regression float32
	// IoUCost is the summed 1 - IoU over matched pairs.
	IoUCost float32
	// BoxLoss is Regression + IoUCost.
	BoxLoss float32
	// ClassLoss is the re-weighted focal loss sum.
	ClassLoss float32
	// EmptyGroundTruth is set when the image has no ground truth.
	EmptyGroundTruth bool
	// DegenerateRatio is set when the image has no background slots, so no re-weighting
	// was applied.
	DegenerateRatio bool
}

// Result is the output of one batch loss computation.
type Result struct {
	// BoxLoss is the batch box loss scalar.
	BoxLoss float32
	// ClassLoss is the batch classification loss scalar.
	ClassLoss float32
	// Matched holds the matched prediction boxes as a [B, K, 4] tensor. It is nil when no
	// image has a match or when stacking is disabled.
	Matched *tensor.Dense
	// MatchedPerImage holds the matched prediction boxes of each image, ordered by
	// prediction index.
	MatchedPerImage [][]boxes.Box
	// Matchings holds the prediction/ground-truth index pairs of each image.
	Matchings []assignment.Matching
	// Labels holds the per-prediction label vector of each image.
	Labels [][]int
	// BoxGrad is d BoxLoss / d pred_boxes, shaped [B, P, 4].
	BoxGrad *tensor.Dense
	// ClassGrad is d ClassLoss / d pred_classes, shaped [B, P, C].
	ClassGrad *tensor.Dense
	// Images holds per-image statistics.
	Images []ImageStats
}

// Total returns BoxLoss + ClassLoss.
func (r *Result) Total() float32 {
	return r.BoxLoss + r.ClassLoss
}
