package loss

import "fmt"

// BoxReduction selects how per-image box losses are combined across a batch.
type BoxReduction string

const (
	// BoxReductionSum sums the per-image box losses and divides by the batch size.
	BoxReductionSum BoxReduction = "sum"
	// BoxReductionLast keeps only the last image's box loss, divided by the batch size.
	// Every earlier image's box loss is overwritten and receives no gradient.
	BoxReductionLast BoxReduction = "last"
)

// Config holds the loss hyper-parameters.
type Config struct {
	// BackgroundID is the label written to predictions without a matched ground truth.
	BackgroundID int `json:"background_id" yaml:"background_id"`
	// BackgroundScale multiplies the positive:negative ratio applied to background rows.
	BackgroundScale float32 `json:"background_scale" yaml:"background_scale"`
	// Gamma is the focal modulation exponent.
	Gamma float32 `json:"gamma" yaml:"gamma"`
	// Alpha balances positive and negative targets. A negative value disables it.
	Alpha float32 `json:"alpha" yaml:"alpha"`
	// SmoothL1Beta is the transition point between the quadratic and linear regimes.
	SmoothL1Beta float32 `json:"smooth_l1_beta" yaml:"smooth_l1_beta"`
	// BoxReduction selects how per-image box losses are combined.
	BoxReduction BoxReduction `json:"box_reduction" yaml:"box_reduction"`
	// StackMatched requires every image to have the same number of matches so the matched
	// boxes can be stacked into one [B, K, 4] tensor.
	StackMatched bool `json:"stack_matched" yaml:"stack_matched"`
}

// DefaultConfig returns the hyper-parameters the detection head is trained with.
func DefaultConfig() Config {
	return Config{
		BackgroundID:    0,
		BackgroundScale: 1.25,
		Gamma:           2,
		Alpha:           0.25,
		SmoothL1Beta:    1,
		BoxReduction:    BoxReductionSum,
		StackMatched:    true,
	}
}

// Validate checks the configuration for values the loss cannot work with.
func (c Config) Validate() error {
	if c.BackgroundID < 0 {
		return fmt.Errorf("background_id must be non-negative, got %d", c.BackgroundID)
	}
	if c.BackgroundScale < 0 {
		return fmt.Errorf("background_scale must be non-negative, got %f", c.BackgroundScale)
	}
	if c.Gamma < 0 {
		return fmt.Errorf("gamma must be non-negative, got %f", c.Gamma)
	}
	if c.Alpha > 1 {
		return fmt.Errorf("alpha must be at most 1, got %f", c.Alpha)
	}
	if c.SmoothL1Beta < 0 {
		return fmt.Errorf("smooth_l1_beta must be non-negative, got %f", c.SmoothL1Beta)
	}
	switch c.BoxReduction {
	case BoxReductionSum, BoxReductionLast:
	default:
		return fmt.Errorf("unsupported box_reduction: %q", c.BoxReduction)
	}
	return nil
}
