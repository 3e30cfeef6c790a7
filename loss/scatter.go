package loss

import "github.com/nvr-ai/go-ml-finetune/assignment"

// ScatterLabels builds the per-prediction label vector for one image.
//
// Every slot starts as the background id; matched predictions receive the class id of the
// ground truth they were paired with: labels[m.Rows[k]] = truths[m.Cols[k]].
//
// Arguments:
//   - predictions: The number of prediction slots P.
//   - m: The matching between predictions and ground truths.
//   - truths: The class id of each ground truth.
//   - background: The id written to unmatched slots.
//
// Returns:
//   - []int: A length-P label vector.
func ScatterLabels(predictions int, m assignment.Matching, truths []int, background int) []int {
	labels := make([]int, predictions)
	for i := range labels {
		labels[i] = background
	}
	for k := range m.Rows {
		labels[m.Rows[k]] = truths[m.Cols[k]]
	}
	return labels
}

// countPositives returns the number of labels that differ from the background id.
func countPositives(labels []int, background int) int {
	n := 0
	for _, l := range labels {
		if l != background {
			n++
		}
	}
	return n
}
