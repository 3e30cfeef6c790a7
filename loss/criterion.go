// Package loss - Assignment based detection loss.
//
// For every image in a batch the predicted boxes are matched one-to-one to the ground-truth
// boxes by minimum total 1 - IoU, then a box regression loss is taken over the matched pairs
// and a background re-weighted sigmoid focal loss over every prediction slot.
//
// The assignment is combinatorial and carries no gradient. The losses are evaluated on the
// original prediction values, re-indexed by the solver's integer indices, and the result
// carries the analytic gradient of each batch scalar with respect to the prediction tensors.
package loss

import (
	"github.com/nvr-ai/go-ml-finetune/assignment"
	"github.com/nvr-ai/go-ml-finetune/boxes"
	"github.com/nvr-ai/go-ml-finetune/matching"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// FocalBoxLoss computes the batch box and classification losses.
//
// It holds no state between calls; Compute is safe to call from several goroutines.
type FocalBoxLoss struct {
	cfg Config
}

// New creates a FocalBoxLoss with the given configuration.
//
// Arguments:
//   - cfg: The loss hyper-parameters. See DefaultConfig.
//
// Returns:
//   - *FocalBoxLoss: The configured loss.
//   - error: An error if the configuration is invalid.
func New(cfg Config) (*FocalBoxLoss, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid loss config")
	}
	return &FocalBoxLoss{cfg: cfg}, nil
}

// Config returns the configuration the loss was created with.
func (l *FocalBoxLoss) Config() Config {
	return l.cfg
}

// Compute runs matching and both losses for every image of a batch.
//
// Images are processed sequentially in batch order. The box loss is combined according to
// Config.BoxReduction, the classification loss is summed over images; both are divided by
// the batch size.
//
// Arguments:
//   - predBoxes: Predicted corner boxes, [B, P, 4] float32.
//   - predClasses: Raw class logits, [B, P, C] float32.
//   - targets: One Target per image, each with G <= P.
//
// Returns:
//   - *Result: Both scalars, the matched prediction boxes, and the gradients.
//   - error: ErrShapeMismatch, ErrTooManyTargets, ErrLabelOutOfRange or ErrInvalidCost.
//
// @example
// criterion, _ := loss.New(loss.DefaultConfig())
// res, err := criterion.Compute(predBoxes, predClasses, targets)
//
//	if err != nil {
//	    return err
//	}
//
// fmt.Printf("box=%.4f class=%.4f\n", res.BoxLoss, res.ClassLoss)
func (l *FocalBoxLoss) Compute(predBoxes, predClasses *tensor.Dense, targets []Target) (*Result, error) {
	batch, preds, classes, err := checkShapes(predBoxes, predClasses, len(targets))
	if err != nil {
		return nil, err
	}
	if l.cfg.BackgroundID >= classes {
		return nil, errors.Wrapf(ErrLabelOutOfRange,
			"background id %d does not fit %d classes", l.cfg.BackgroundID, classes)
	}

	boxData := predBoxes.Data().([]float32)
	logitData := predClasses.Data().([]float32)

	res := &Result{
		MatchedPerImage: make([][]boxes.Box, batch),
		Matchings:       make([]assignment.Matching, batch),
		Labels:          make([][]int, batch),
		Images:          make([]ImageStats, batch),
	}
	boxGrad := make([]float32, len(boxData))
	classGrad := make([]float32, len(logitData))

	var boxTotal, classTotal float32
	scale := 1 / float32(batch)

	for b, target := range targets {
		if err := checkTarget(target, b, preds, classes); err != nil {
			return nil, err
		}

		imagePreds := boxes.FromFlat(boxData[b*preds*4 : (b+1)*preds*4])

		cost, err := matching.NewCostMatrix(imagePreds, target.Boxes)
		if err != nil {
			return nil, invalidCost(err, b)
		}
		m, err := assignment.Solve(cost)
		if err != nil {
			return nil, invalidCost(err, b)
		}

		bt := boxLoss(imagePreds, target.Boxes, m, l.cfg.SmoothL1Beta)
		imageBoxLoss := bt.regression + bt.iouCost

		switch l.cfg.BoxReduction {
		case BoxReductionLast:
			boxTotal = imageBoxLoss
			clear(boxGrad)
			writeBoxGrad(boxGrad[b*preds*4:], bt.grad, scale)
		default:
			boxTotal += imageBoxLoss
			writeBoxGrad(boxGrad[b*preds*4:], bt.grad, scale)
		}

		labels := ScatterLabels(preds, m, target.Labels, l.cfg.BackgroundID)
		ct := classLoss(logitData[b*preds*classes:(b+1)*preds*classes], labels, classes, l.cfg)
		classTotal += ct.loss
		for k, g := range ct.grad {
			classGrad[b*preds*classes+k] = g * scale
		}

		res.Matchings[b] = m
		res.Labels[b] = labels
		res.MatchedPerImage[b] = matchedBoxes(imagePreds, m)
		res.Images[b] = ImageStats{
			Predictions:      preds,
			Targets:          target.Len(),
			Positives:        ct.positives,
			Negatives:        ct.negatives,
			BackgroundWeight: ct.weight,
			Regression:       bt.regression,
			IoUCost:          bt.iouCost,
			BoxLoss:          imageBoxLoss,
			ClassLoss:        ct.loss,
			EmptyGroundTruth: target.Len() == 0,
			DegenerateRatio:  ct.degenerate,
		}
	}

	res.BoxLoss = boxTotal / float32(batch)
	res.ClassLoss = classTotal / float32(batch)
	res.BoxGrad = tensor.New(tensor.WithShape(batch, preds, 4), tensor.WithBacking(boxGrad))
	res.ClassGrad = tensor.New(tensor.WithShape(batch, preds, classes), tensor.WithBacking(classGrad))

	if l.cfg.StackMatched {
		matched, err := stackMatched(res.MatchedPerImage)
		if err != nil {
			return nil, err
		}
		res.Matched = matched
	}

	return res, nil
}

// checkShapes validates the prediction tensors and returns B, P and C.
func checkShapes(predBoxes, predClasses *tensor.Dense, targets int) (int, int, int, error) {
	if predBoxes == nil || predClasses == nil {
		return 0, 0, 0, errors.Wrap(ErrShapeMismatch, "prediction tensors must not be nil")
	}
	bs, cs := predBoxes.Shape(), predClasses.Shape()
	if len(bs) != 3 || bs[2] != 4 {
		return 0, 0, 0, errors.Wrapf(ErrShapeMismatch, "pred_boxes must be [B, P, 4], got %v", bs)
	}
	if len(cs) != 3 || cs[0] != bs[0] || cs[1] != bs[1] {
		return 0, 0, 0, errors.Wrapf(ErrShapeMismatch,
			"pred_classes must be [%d, %d, C], got %v", bs[0], bs[1], cs)
	}
	if predBoxes.Dtype() != tensor.Float32 || predClasses.Dtype() != tensor.Float32 {
		return 0, 0, 0, errors.Wrapf(ErrShapeMismatch,
			"predictions must be float32, got %v and %v", predBoxes.Dtype(), predClasses.Dtype())
	}
	if bs[0] == 0 || bs[1] == 0 || cs[2] == 0 {
		return 0, 0, 0, errors.Wrapf(ErrShapeMismatch, "empty dimension in %v or %v", bs, cs)
	}
	if len(predBoxes.Data().([]float32)) != bs.TotalSize() || len(predClasses.Data().([]float32)) != cs.TotalSize() {
		return 0, 0, 0, errors.Wrap(ErrShapeMismatch, "prediction tensors must be contiguous")
	}
	if targets != bs[0] {
		return 0, 0, 0, errors.Wrapf(ErrShapeMismatch, "%d predictions but %d targets", bs[0], targets)
	}
	return bs[0], bs[1], cs[2], nil
}

// checkTarget validates one image's ground truth against P and C.
func checkTarget(t Target, image, preds, classes int) error {
	if len(t.Boxes) != len(t.Labels) {
		return errors.Wrapf(ErrShapeMismatch,
			"image %d: %d boxes but %d labels", image, len(t.Boxes), len(t.Labels))
	}
	if len(t.Boxes) > preds {
		return errors.Wrapf(ErrTooManyTargets,
			"image %d: %d ground truths for %d predictions", image, len(t.Boxes), preds)
	}
	for j, label := range t.Labels {
		if label < 0 || label >= classes {
			return errors.Wrapf(ErrLabelOutOfRange,
				"image %d: ground truth %d has label %d, want [0, %d)", image, j, label, classes)
		}
	}
	return nil
}

// writeBoxGrad scales a per-prediction box gradient into a flat [P*4] destination.
func writeBoxGrad(dst []float32, grad [][4]float32, scale float32) {
	for i, g := range grad {
		for c := 0; c < 4; c++ {
			dst[i*4+c] = g[c] * scale
		}
	}
}

// stackMatched packs the per-image matched boxes into a [B, K, 4] tensor.
func stackMatched(perImage [][]boxes.Box) (*tensor.Dense, error) {
	k := len(perImage[0])
	for b, m := range perImage {
		if len(m) != k {
			return nil, errors.Wrapf(ErrShapeMismatch,
				"cannot stack matched boxes: image %d has %d matches, image 0 has %d", b, len(m), k)
		}
	}
	if k == 0 {
		return nil, nil
	}

	data := make([]float32, 0, len(perImage)*k*4)
	for _, m := range perImage {
		data = append(data, boxes.Flatten(m)...)
	}
	return tensor.New(tensor.WithShape(len(perImage), k, 4), tensor.WithBacking(data)), nil
}
