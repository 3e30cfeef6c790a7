package loss

// classTerms is the classification loss of one image and its gradient.
type classTerms struct {
	loss       float32
	grad       []float32
	positives  int
	negatives  int
	weight     float32
	degenerate bool
	empty      bool
}

// classLoss computes the background re-weighted sigmoid focal loss of one image.
//
// The label vector is one-hot encoded into a P x C target, the element-wise focal loss is
// evaluated, and every row whose label is the background id is multiplied by
//
//	positives / negatives * BackgroundScale
//
// before the P x C losses are summed. Two cases skip the re-weighting and keep a weight of
// 1: an image without background rows (the ratio is undefined) and an image without
// positives (the loss is the plain all-background focal loss).
//
// Arguments:
//   - logits: The P x C raw class logits in row-major order.
//   - labels: The length-P label vector.
//   - classes: The number of classes C.
//   - cfg: The loss configuration.
//
// Returns:
//   - classTerms: The summed loss, the gradient with respect to every logit, and the
//     statistics of the re-weighting.
func classLoss(logits []float32, labels []int, classes int, cfg Config) classTerms {
	terms := classTerms{
		grad:   make([]float32, len(logits)),
		weight: 1,
	}

	terms.positives = countPositives(labels, cfg.BackgroundID)
	terms.negatives = len(labels) - terms.positives

	switch {
	case terms.negatives == 0:
		terms.degenerate = true
	case terms.positives == 0:
		terms.empty = true
	default:
		terms.weight = float32(terms.positives) / float32(terms.negatives) * cfg.BackgroundScale
	}

	var total float64
	for i, label := range labels {
		rowWeight := float32(1)
		if label == cfg.BackgroundID {
			rowWeight = terms.weight
		}

		row := logits[i*classes : (i+1)*classes]
		grad := terms.grad[i*classes : (i+1)*classes]
		for c, x := range row {
			var t float32
			if c == label {
				t = 1
			}
			l, d := sigmoidFocal(x, t, cfg.Alpha, cfg.Gamma)
			total += float64(l * rowWeight)
			grad[c] = d * rowWeight
		}
	}
	terms.loss = float32(total)

	return terms
}
