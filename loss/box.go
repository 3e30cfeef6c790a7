package loss

import (
	"github.com/nvr-ai/go-ml-finetune/assignment"
	"github.com/nvr-ai/go-ml-finetune/boxes"
)

// boxTerms is the box loss of one image and its gradient.
type boxTerms struct {
	regression float32
	iouCost    float32
	// grad is d (regression + iouCost) / d prediction, one row per prediction slot.
	// Unmatched slots keep a zero gradient.
	grad [][4]float32
}

// boxLoss computes the smooth-L1 regression plus the residual 1 - IoU over the matched
// pairs of one image.
//
// Predictions are visited in matching order, which is ascending prediction index, so the
// k-th matched prediction lines up with the k-th matched ground truth.
//
// Arguments:
//   - preds: All P predicted boxes.
//   - truths: All G ground-truth boxes.
//   - m: The matching from the assignment solver.
//   - beta: The smooth-L1 transition point.
//
// Returns:
//   - boxTerms: Both loss terms and the gradient with respect to every prediction.
func boxLoss(preds, truths []boxes.Box, m assignment.Matching, beta float32) boxTerms {
	terms := boxTerms{grad: make([][4]float32, len(preds))}

	for k := range m.Rows {
		i, j := m.Rows[k], m.Cols[k]
		p := preds[i].Coords()
		g := truths[j].Coords()

		for c := 0; c < 4; c++ {
			l, d := smoothL1(p[c]-g[c], beta)
			terms.regression += l
			terms.grad[i][c] += d
		}

		iou, dIoU := boxes.IoUGrad(preds[i], truths[j])
		terms.iouCost += 1 - iou
		for c := 0; c < 4; c++ {
			terms.grad[i][c] -= dIoU[c]
		}
	}

	return terms
}

// matchedBoxes reorders predictions by the matched row indices.
func matchedBoxes(preds []boxes.Box, m assignment.Matching) []boxes.Box {
	out := make([]boxes.Box, len(m.Rows))
	for k, i := range m.Rows {
		out[k] = preds[i]
	}
	return out
}
