package loss

import "github.com/chewxy/math32"

// sigmoid is a numerically stable logistic function.
func sigmoid(x float32) float32 {
	if x >= 0 {
		return 1 / (1 + math32.Exp(-x))
	}
	e := math32.Exp(x)
	return e / (1 + e)
}

// bceWithLogits is the binary cross entropy of a logit x against a target t, computed
// without evaluating log(sigmoid(x)).
func bceWithLogits(x, t float32) float32 {
	return math32.Max(x, 0) - x*t + math32.Log1p(math32.Exp(-math32.Abs(x)))
}

// sigmoidFocal returns the element-wise sigmoid focal loss and its derivative with respect
// to the logit.
//
//	p     = sigmoid(x)
//	p_t   = p * t + (1 - p) * (1 - t)
//	loss  = alpha_t * BCE(x, t) * (1 - p_t)^gamma
//
// alpha_t is alpha for t = 1 and 1 - alpha for t = 0. A negative alpha disables the
// weighting.
//
// Arguments:
//   - x: The raw logit.
//   - t: The target, 0 or 1.
//   - alpha: The positive/negative balance.
//   - gamma: The modulation exponent.
//
// Returns:
//   - float32: The loss.
//   - float32: d loss / d x.
func sigmoidFocal(x, t, alpha, gamma float32) (float32, float32) {
	p := sigmoid(x)
	ce := bceWithLogits(x, t)
	pt := p*t + (1-p)*(1-t)
	q := 1 - pt

	mod := float32(1)
	var dMod float32
	if gamma != 0 {
		mod = math32.Pow(q, gamma)
		if q > 0 {
			dPt := p * (1 - p) * (2*t - 1)
			dMod = -gamma * math32.Pow(q, gamma-1) * dPt
		}
	}

	loss := ce * mod
	grad := (p-t)*mod + ce*dMod

	if alpha >= 0 {
		at := alpha*t + (1-alpha)*(1-t)
		loss *= at
		grad *= at
	}

	return loss, grad
}
