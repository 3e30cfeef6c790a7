package loss

import "github.com/chewxy/math32"

// smoothL1 returns the Huber loss of a residual d and its derivative with respect to d.
//
// Below beta the loss is 0.5 * d^2 / beta, above it grows linearly as |d| - 0.5 * beta.
// A beta of zero degrades to plain L1.
func smoothL1(d, beta float32) (float32, float32) {
	ad := math32.Abs(d)
	if ad < beta {
		return 0.5 * d * d / beta, d / beta
	}
	return ad - 0.5*beta, sign(d)
}

func sign(x float32) float32 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
